package session

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mgutz/ansi"
)

// LineSink receives whole lines of text
type LineSink interface {
	WriteLine(line string) error
	Close() error
}

// FileSink writes lines to a file and flushes after every line
type FileSink struct {
	f      *os.File
	w      *bufio.Writer
	closed bool
}

// OpenLogSink opens path for appending, creating it if needed
func OpenLogSink(path string) (*FileSink, error) {
	return openFileSink(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
}

// OpenCSVSink creates path, discarding any previous content
func OpenCSVSink(path string) (*FileSink, error) {
	return openFileSink(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

func openFileSink(path string, flag int) (*FileSink, error) {
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	return &FileSink{f: f, w: bufio.NewWriter(f)}, nil
}

// WriteLine writes line plus a newline and flushes it to the file
func (s *FileSink) WriteLine(line string) error {
	if s.closed {
		return fmt.Errorf("write to closed file %s", s.f.Name())
	}
	if _, err := s.w.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("error writing %s: %w", s.f.Name(), err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("error flushing %s: %w", s.f.Name(), err)
	}
	return nil
}

// Close flushes and closes the file. Closing twice is a no-op.
func (s *FileSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return fmt.Errorf("error flushing %s: %w", s.f.Name(), err)
	}
	return s.f.Close()
}

// Console is the operator display
type Console struct {
	w    io.Writer
	crlf bool

	alert  func(string) string
	prompt func(string) string
}

// NewConsole writes to w. crlf is needed when the terminal is in raw mode,
// color enables ANSI highlighting of prompts and faults.
func NewConsole(w io.Writer, crlf, color bool) *Console {
	c := &Console{w: w, crlf: crlf}
	if color {
		c.alert = ansi.ColorFunc("red+b")
		c.prompt = ansi.ColorFunc("cyan")
	} else {
		c.alert = func(s string) string { return s }
		c.prompt = c.alert
	}
	return c
}

// Println writes one line
func (c *Console) Println(line string) {
	eol := "\n"
	if c.crlf {
		eol = "\r\n"
		line = strings.ReplaceAll(line, "\n", "\r\n")
	}
	fmt.Fprint(c.w, line+eol)
}

// Prompt writes a highlighted instruction line
func (c *Console) Prompt(line string) {
	c.Println(c.prompt(line))
}

// Alert writes a highlighted fault line
func (c *Console) Alert(line string) {
	c.Println(c.alert(line))
}
