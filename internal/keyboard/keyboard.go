// Package keyboard reads single keypresses without waiting for Enter.
package keyboard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/term"
)

// Code classifies a keypress
type Code int

const (
	KeyRune Code = iota
	KeyUp
	KeyDown
	KeyPageUp
	KeyPageDown
	KeyEscape
	KeyOther
)

func (c Code) String() string {
	switch c {
	case KeyRune:
		return "rune"
	case KeyUp:
		return "up"
	case KeyDown:
		return "down"
	case KeyPageUp:
		return "page-up"
	case KeyPageDown:
		return "page-down"
	case KeyEscape:
		return "escape"
	default:
		return "other"
	}
}

// Key is one decoded keypress. Rune is set for KeyRune only.
type Key struct {
	Code Code
	Rune rune
}

func (k Key) String() string {
	if k.Code == KeyRune {
		return fmt.Sprintf("%q", k.Rune)
	}
	return k.Code.String()
}

// ErrInterrupted is returned when Ctrl-C or Ctrl-D is pressed on a raw terminal
var ErrInterrupted = errors.New("interrupted from keyboard")

const (
	ctrlC = 0x03
	ctrlD = 0x04
	esc   = 0x1b

	// escapeDelay is how long a lone ESC waits for the rest of a sequence
	escapeDelay = 100 * time.Millisecond
)

var errNoInput = errors.New("no input")

type input struct {
	b   byte
	err error
}

// Reader decodes keypresses from a byte stream. Bytes are read on a separate
// goroutine so ReadKey can give up when its context ends.
type Reader struct {
	src   io.Reader
	once  sync.Once
	bytes chan input
	// err is the sticky read error once the source is exhausted
	err error

	fd       int
	oldState *term.State
}

// NewReader decodes keypresses from r as-is. Line terminators are dropped
// unless the reader was put into raw mode by Open.
func NewReader(r io.Reader) *Reader {
	return &Reader{src: r, bytes: make(chan input), fd: -1}
}

// Open reads keypresses from f, switching it into raw mode if it is a terminal.
// Call Restore before exiting.
func Open(f *os.File) (*Reader, error) {
	r := NewReader(f)

	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return r, nil
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("error switching terminal to raw mode: %w", err)
	}
	r.fd = fd
	r.oldState = state
	return r, nil
}

// Raw reports whether the input is a terminal in raw mode. A raw terminal
// needs CR LF line endings on output.
func (r *Reader) Raw() bool {
	return r.oldState != nil
}

// Restore returns the terminal to the mode it had before Open
func (r *Reader) Restore() error {
	if r.oldState == nil {
		return nil
	}
	err := term.Restore(r.fd, r.oldState)
	r.oldState = nil
	return err
}

// pump feeds input bytes to ReadKey until the source fails
func (r *Reader) pump() {
	in := bufio.NewReader(r.src)
	for {
		b, err := in.ReadByte()
		r.bytes <- input{b: b, err: err}
		if err != nil {
			return
		}
	}
}

// next returns the next input byte. With a positive wait it gives up with
// errNoInput once wait has passed.
func (r *Reader) next(ctx context.Context, wait time.Duration) (input, error) {
	if r.err != nil {
		return input{err: r.err}, nil
	}
	r.once.Do(func() { go r.pump() })

	var expired <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case in := <-r.bytes:
		r.err = in.err
		return in, nil
	case <-expired:
		return input{}, errNoInput
	case <-ctx.Done():
		return input{}, ctx.Err()
	}
}

// ReadKey blocks until one keypress is available or ctx ends
func (r *Reader) ReadKey(ctx context.Context) (Key, error) {
	for {
		in, err := r.next(ctx, 0)
		if err != nil {
			return Key{}, err
		}
		if in.err != nil {
			return Key{}, in.err
		}

		switch {
		case in.b == ctrlC || in.b == ctrlD:
			return Key{}, ErrInterrupted
		case (in.b == '\n' || in.b == '\r') && !r.Raw():
			continue
		case in.b == esc:
			return r.readEscape(ctx)
		case in.b >= utf8.RuneSelf:
			return r.readRune(ctx, in.b)
		default:
			return Key{Code: KeyRune, Rune: rune(in.b)}, nil
		}
	}
}

func (r *Reader) readRune(ctx context.Context, first byte) (Key, error) {
	buf := []byte{first}
	for !utf8.FullRune(buf) {
		in, err := r.next(ctx, 0)
		if err != nil {
			return Key{}, err
		}
		if in.err != nil {
			return Key{}, in.err
		}
		buf = append(buf, in.b)
	}
	c, _ := utf8.DecodeRune(buf)
	return Key{Code: KeyRune, Rune: c}, nil
}

// readEscape decodes the rest of a CSI ("ESC [") or SS3 ("ESC O") sequence.
// An ESC not followed by anything within escapeDelay is the Escape key.
func (r *Reader) readEscape(ctx context.Context) (Key, error) {
	intro, err := r.next(ctx, escapeDelay)
	switch {
	case errors.Is(err, errNoInput):
		return Key{Code: KeyEscape}, nil
	case err != nil:
		return Key{}, err
	case intro.err != nil:
		// the error is reported by the next call
		return Key{Code: KeyEscape}, nil
	}
	if intro.b != '[' && intro.b != 'O' {
		// Alt+key and the like
		return Key{Code: KeyOther}, nil
	}

	var params []byte
	for {
		in, err := r.next(ctx, 0)
		if err != nil {
			return Key{}, err
		}
		if in.err != nil {
			return Key{}, in.err
		}
		if in.b >= 0x40 && in.b <= 0x7e {
			return decodeSequence(string(params), in.b), nil
		}
		params = append(params, in.b)
	}
}

func decodeSequence(params string, final byte) Key {
	switch final {
	case 'A':
		return Key{Code: KeyUp}
	case 'B':
		return Key{Code: KeyDown}
	case '~':
		switch params {
		case "5":
			return Key{Code: KeyPageUp}
		case "6":
			return Key{Code: KeyPageDown}
		}
	}
	return Key{Code: KeyOther}
}
