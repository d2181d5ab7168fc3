// Package session runs the interactive measurement loop: it waits for operator
// keypresses, acquires bursts of readings from the optometer, reduces them to
// mean and standard deviation and writes the results to a log and a CSV file.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chrissnell/optometercalib/internal/keyboard"
	"github.com/chrissnell/optometercalib/internal/optometer"
	"github.com/chrissnell/optometercalib/internal/stats"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State of the control loop
type State int

const (
	Idle State = iota
	AwaitingCommand
	Acquiring
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingCommand:
		return "awaiting command"
	case Acquiring:
		return "acquiring"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Command is what the operator asked for with a keypress
type Command int

const (
	Trigger Command = iota
	Quit
	RangeDown
	RangeUp
)

// CommandFor maps a keypress to a command; any key without a meaning of its
// own triggers a burst.
func CommandFor(k keyboard.Key) Command {
	switch k.Code {
	case keyboard.KeyRune:
		if k.Rune == 'q' || k.Rune == 'Q' {
			return Quit
		}
	case keyboard.KeyDown, keyboard.KeyPageDown:
		return RangeDown
	case keyboard.KeyUp, keyboard.KeyPageUp:
		return RangeUp
	}
	return Trigger
}

// KeySource delivers operator keypresses. ReadKey returns ctx.Err() once ctx
// ends, even if no key arrived.
type KeySource interface {
	ReadKey(ctx context.Context) (keyboard.Key, error)
}

// LogicError reports a broken internal contract. It never results from
// operator input or instrument behaviour.
type LogicError struct {
	Msg string
}

func (e *LogicError) Error() string {
	return "internal error: " + e.Msg
}

var (
	fatSeparator  = strings.Repeat("=", 80)
	thinSeparator = strings.Repeat("-", 80)
)

const (
	commandPrompt = "press any key to start a measurement - 'q' to quit, arrow keys to change range"

	bannerTimeLayout  = "02-01-2006 15:04"
	triggerTimeLayout = "02-01-2006 15:04:05"

	// closeTimeout bounds restoring auto-range after the session context is
	// gone. It covers discarding one late reply plus the restore command.
	closeTimeout = 15 * time.Second
)

// Options describes one session
type Options struct {
	AppName      string
	Version      string
	SessionID    string
	Samples      int
	Comment      string
	InitialRange optometer.Range
	// Clock defaults to time.Now
	Clock func() time.Time
}

// Session owns the instrument, the sinks and the accumulator for the lifetime
// of one operator session. It is not safe for concurrent use.
type Session struct {
	opts    Options
	device  optometer.Device
	keys    KeySource
	console *Console
	log     LineSink
	csv     LineSink
	current *stats.Accumulator
	logger  *zap.SugaredLogger

	state   State
	index   int
	records []Record
	started bool
}

// New assembles a session. Samples below the minimum of two are raised.
func New(opts Options, device optometer.Device, keys KeySource, console *Console, logSink, csvSink LineSink, logger *zap.SugaredLogger) *Session {
	if opts.Samples < 2 {
		opts.Samples = 2
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if strings.TrimSpace(opts.Comment) == "" {
		opts.Comment = "---"
	}
	if !opts.InitialRange.Valid() {
		opts.InitialRange = optometer.Range03
	}

	return &Session{
		opts:    opts,
		device:  device,
		keys:    keys,
		console: console,
		log:     logSink,
		csv:     csvSink,
		current: stats.NewAccumulator("Current in A"),
		logger:  logger,
		state:   Idle,
	}
}

// State returns the current state of the control loop
func (s *Session) State() State {
	return s.state
}

// Records returns the results of all completed bursts
func (s *Session) Records() []Record {
	return append([]Record(nil), s.records...)
}

// Start puts the instrument into manual ranging, writes the banner and the
// CSV header and leaves the session awaiting commands.
func (s *Session) Start(ctx context.Context) error {
	if s.state != Idle {
		return &LogicError{Msg: fmt.Sprintf("Start called in state %v", s.state)}
	}
	s.started = true

	if err := s.device.DeselectAutoRange(ctx); err != nil {
		return err
	}
	if err := s.device.SetRange(ctx, s.opts.InitialRange); err != nil {
		return err
	}

	id := s.device.Identity()
	startTime := s.opts.Clock().UTC()

	s.displayOnly("")
	lines := []struct {
		text    string
		display bool
		log     bool
	}{
		{fatSeparator, false, true},
		{fmt.Sprintf("Application:     %s %s", s.opts.AppName, s.opts.Version), true, true},
		{fmt.Sprintf("SessionID:       %s", s.opts.SessionID), false, true},
		{fmt.Sprintf("StartTimeUTC:    %s", startTime.Format(bannerTimeLayout)), true, true},
		{fmt.Sprintf("InstrumentManu:  %s", id.Manufacturer), true, true},
		{fmt.Sprintf("InstrumentType:  %s", id.Model), true, true},
		{fmt.Sprintf("InstrumentSN:    %s", id.SerialNumber), true, true},
		{fmt.Sprintf("RS232 port:      %s", id.Port), true, true},
		{fmt.Sprintf("Samples (n):     %d", s.opts.Samples), true, true},
		{fmt.Sprintf("Comment:         %s", s.opts.Comment), true, true},
		{fatSeparator, false, true},
	}
	for _, l := range lines {
		if l.display {
			s.displayOnly(l.text)
		}
		if l.log {
			if err := s.logOnly(l.text); err != nil {
				return err
			}
		}
	}
	s.displayOnly("")

	if err := s.csvLog(CSVHeader); err != nil {
		return err
	}

	s.logger.Infow("session started",
		"session", s.opts.SessionID,
		"instrument", id.Model,
		"serial", id.SerialNumber,
		"samples", s.opts.Samples,
		"range", s.opts.InitialRange.String())

	s.state = AwaitingCommand
	return nil
}

// Run reads commands until the operator quits or a fault ends the session.
// The session is closed on every return path. A quit, or the end of the key
// input, returns nil.
func (s *Session) Run(ctx context.Context) (err error) {
	defer func() {
		if cerr := s.Close(ctx); err == nil {
			err = cerr
		}
	}()

	if s.state == Idle {
		if err := s.Start(ctx); err != nil {
			return s.fail(err)
		}
	}

	for s.state == AwaitingCommand {
		if err := ctx.Err(); err != nil {
			s.displayOnly("cancelled.")
			return err
		}

		s.console.Prompt(commandPrompt)
		key, err := s.keys.ReadKey(ctx)
		switch {
		case errors.Is(err, io.EOF):
			s.logger.Debug("key input closed, quitting")
			key = keyboard.Key{Code: keyboard.KeyRune, Rune: 'q'}
		case err != nil && ctx.Err() != nil:
			s.displayOnly("cancelled.")
			return ctx.Err()
		case err != nil:
			s.displayOnly("interrupted.")
			return err
		}

		if err := s.Handle(ctx, CommandFor(key)); err != nil {
			return s.fail(err)
		}
	}

	return nil
}

// Handle executes one command
func (s *Session) Handle(ctx context.Context, cmd Command) error {
	if s.state != AwaitingCommand {
		return &LogicError{Msg: fmt.Sprintf("command received in state %v", s.state)}
	}

	switch cmd {
	case Quit:
		s.displayOnly("bye.")
		s.state = Terminated
		return nil
	case RangeDown:
		return s.stepRange(ctx, optometer.Range.Decrement)
	case RangeUp:
		return s.stepRange(ctx, optometer.Range.Increment)
	default:
		return s.acquire(ctx)
	}
}

func (s *Session) stepRange(ctx context.Context, step func(optometer.Range) optometer.Range) error {
	r, err := s.device.Range(ctx)
	if err != nil {
		return err
	}
	next := step(r)
	if err := s.device.SetRange(ctx, next); err != nil {
		return err
	}
	s.logger.Debugw("range changed", "from", r.String(), "to", next.String())

	// Read back so the display shows what the instrument actually selected
	r, err = s.device.Range(ctx)
	if err != nil {
		return err
	}
	s.displayOnly("")
	s.displayOnly(fmt.Sprintf("Current measurement range: %v", r))
	s.displayOnly("")
	return nil
}

// acquire runs one burst and records its statistics
func (s *Session) acquire(ctx context.Context) error {
	s.state = Acquiring
	s.index++

	r, err := s.device.Range(ctx)
	if err != nil {
		return err
	}

	s.displayOnly("")
	s.displayOnly(fmt.Sprintf("Measurement #%d at %v", s.index, r))
	s.current.Reset()
	triggered := s.opts.Clock().UTC()

	for i := 1; i <= s.opts.Samples; i++ {
		current, err := s.device.Current(ctx)
		if err != nil {
			return err
		}
		s.current.Update(current)
		s.displayOnly(fmt.Sprintf("%4d:  %.3f nA", i, current*1e9))
	}

	if n := s.current.SampleSize(); n != s.opts.Samples {
		return &LogicError{Msg: fmt.Sprintf("burst %d holds %d samples, expected %d", s.index, n, s.opts.Samples)}
	}

	mean := s.current.Average()
	rec := Record{
		Index:         s.index,
		Range:         r,
		Specification: s.device.Specification(mean, r),
		Mean:          mean,
		StdDev:        s.current.StandardDeviation(),
		SampleSize:    s.current.SampleSize(),
		Triggered:     triggered,
	}

	s.displayOnly("")
	if err := s.logOnly(fmt.Sprintf("Measurement number:   %d (%v)", rec.Index, rec.Range)); err != nil {
		return err
	}
	if err := s.logOnly(fmt.Sprintf("Triggered at:         %s", rec.Triggered.Format(triggerTimeLayout))); err != nil {
		return err
	}
	if err := s.logAndDisplay(fmt.Sprintf("Actual sample size:   %d", rec.SampleSize)); err != nil {
		return err
	}
	if err := s.logAndDisplay(fmt.Sprintf("Current:              %.3f ± %.3f nA", rec.Mean*1e9, rec.StdDev*1e9)); err != nil {
		return err
	}
	if err := s.logOnly(thinSeparator); err != nil {
		return err
	}
	s.displayOnly("")

	if err := s.csvLog(rec.CSVLine()); err != nil {
		return err
	}

	if s.current.Contaminated() {
		s.logger.Warnw("burst contains non-finite readings", "index", rec.Index, "range", rec.Range.String())
	}
	s.logger.Infow("burst complete",
		"index", rec.Index,
		"range", rec.Range.String(),
		"mean", rec.Mean,
		"stddev", rec.StdDev,
		"min", s.current.Minimum(),
		"max", s.current.Maximum())

	s.records = append(s.records, rec)
	s.state = AwaitingCommand
	return nil
}

// fail reports a fatal error to the operator and the diagnostic log
func (s *Session) fail(err error) error {
	var de *optometer.DeviceError
	var le *LogicError
	switch {
	case errors.As(err, &de):
		s.console.Alert(fmt.Sprintf("*** instrument fault, session terminated: %v", err))
	case errors.As(err, &le):
		s.console.Alert(fmt.Sprintf("*** %v", err))
	default:
		s.console.Alert(fmt.Sprintf("*** session terminated: %v", err))
	}
	s.logger.Errorw("session failed", "state", s.state.String(), "measurement", s.index, "error", err)
	s.state = Terminated
	return err
}

// Close ends the session: both sinks are closed and, if the instrument was
// touched, auto-ranging is re-enabled. Calling Close again is a no-op.
func (s *Session) Close(ctx context.Context) error {
	if s.log == nil && s.csv == nil {
		return nil
	}
	s.state = Terminated

	err := multierr.Combine(s.log.Close(), s.csv.Close())
	s.log, s.csv = nil, nil

	if s.started {
		restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if aerr := s.device.SelectAutoRange(restoreCtx); aerr != nil {
			s.logger.Warnf("could not re-enable auto range: %v", aerr)
			err = multierr.Append(err, aerr)
		}
	}

	s.logger.Infow("session closed", "session", s.opts.SessionID, "measurements", len(s.records))
	return err
}

func (s *Session) displayOnly(line string) {
	s.console.Println(line)
}

func (s *Session) logOnly(line string) error {
	return s.log.WriteLine(line)
}

func (s *Session) logAndDisplay(line string) error {
	s.displayOnly(line)
	return s.logOnly(line)
}

func (s *Session) csvLog(line string) error {
	return s.csv.WriteLine(line)
}
