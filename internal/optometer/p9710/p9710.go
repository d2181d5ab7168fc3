// Package p9710 drives a Gigahertz-Optik P9710 optometer over its RS-232 interface.
//
// The instrument speaks a line-oriented ASCII protocol: commands are terminated
// by CR, replies by CR LF. A reply starting with "ERR" signals a rejected
// command.
package p9710

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/chrissnell/optometercalib/internal/optometer"
	serial "github.com/tarm/goserial"
	"go.uber.org/zap"
)

const (
	// DefaultBaud is the factory setting of the P9710 serial interface
	DefaultBaud = 9600
	// DefaultTimeout bounds the wait for a single reply
	DefaultTimeout = 5 * time.Second

	cmdIdentify     = "VE"
	cmdGetRange     = "GR"
	cmdSetRange     = "SR"
	cmdAutoRangeOn  = "SA1"
	cmdAutoRangeOff = "SA0"
	cmdMeasure      = "MV"

	replyOK    = "OK"
	replyOver  = "OVER"
	replyUnder = "UNDER"
	replyError = "ERR"
)

var _ optometer.Device = (*Meter)(nil)

// Config describes how to reach the instrument
type Config struct {
	Port    string
	Baud    int
	Timeout time.Duration
}

type line struct {
	text string
	err  error
}

// Meter is a P9710 attached to an io.ReadWriteCloser, normally a serial port
type Meter struct {
	rwc      io.ReadWriteCloser
	lines    chan line
	done     chan struct{}
	timeout  time.Duration
	identity optometer.Identity
	logger   *zap.SugaredLogger
	// fault is set once the connection can no longer be trusted, e.g. after a
	// timeout left a reply in flight.
	fault error
	// pending counts replies still owed to callers whose context ended
	pending int
}

// Open opens the serial port described by cfg and identifies the instrument
func Open(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*Meter, error) {
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}

	logger.Debugf("attempting to open serial port %s at %d baud", cfg.Port, cfg.Baud)
	rwc, err := serial.OpenPort(&serial.Config{Name: cfg.Port, Baud: cfg.Baud})
	if err != nil {
		return nil, optometer.NewDeviceError("open", fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err))
	}

	return New(ctx, rwc, cfg, logger)
}

// New wraps an already opened connection and queries the instrument
// identification. The connection is closed if the instrument does not answer.
func New(ctx context.Context, rwc io.ReadWriteCloser, cfg Config, logger *zap.SugaredLogger) (*Meter, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	m := &Meter{
		rwc:     rwc,
		lines:   make(chan line),
		done:    make(chan struct{}),
		timeout: cfg.Timeout,
		logger:  logger,
	}
	go m.readLines()

	reply, err := m.query(ctx, cmdIdentify)
	if err != nil {
		m.Close()
		return nil, optometer.NewDeviceError("identify", err)
	}
	m.identity = parseIdentity(reply)
	m.identity.Port = cfg.Port

	logger.Infow("connected to optometer",
		"manufacturer", m.identity.Manufacturer,
		"model", m.identity.Model,
		"serial", m.identity.SerialNumber,
		"port", cfg.Port)

	return m, nil
}

func parseIdentity(reply string) optometer.Identity {
	fields := strings.Split(reply, ",")
	for len(fields) < 4 {
		fields = append(fields, "")
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return optometer.Identity{
		Manufacturer: fields[0],
		Model:        fields[1],
		SerialNumber: fields[2],
		Firmware:     fields[3],
	}
}

// readLines pumps reply lines from the connection until it fails or is closed
func (m *Meter) readLines() {
	scanner := bufio.NewScanner(m.rwc)
	scanner.Split(scanReplies)
	for scanner.Scan() {
		select {
		case m.lines <- line{text: scanner.Text()}:
		case <-m.done:
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case m.lines <- line{err: err}:
	case <-m.done:
	}
}

// scanReplies splits on CR, LF or CR LF and drops empty lines
func scanReplies(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	for i := start; i < len(data); i++ {
		if data[i] == '\r' || data[i] == '\n' {
			return i + 1, data[start:i], nil
		}
	}
	if atEOF {
		if start < len(data) {
			return len(data), data[start:], nil
		}
		return len(data), nil, nil
	}
	return start, nil, nil
}

// query sends one command and waits for its reply
func (m *Meter) query(ctx context.Context, command string) (string, error) {
	if m.fault != nil {
		return "", m.fault
	}

	if err := m.drain(ctx); err != nil {
		return "", err
	}

	m.logger.Debugf("writing to optometer: %q", command)
	if _, err := m.rwc.Write([]byte(command + "\r")); err != nil {
		m.fault = fmt.Errorf("error writing command %s: %w", command, err)
		return "", m.fault
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case l := <-m.lines:
		if l.err != nil {
			m.fault = fmt.Errorf("error reading reply to %s: %w", command, l.err)
			return "", m.fault
		}
		reply := strings.TrimSpace(l.text)
		m.logger.Debugf("optometer replied to %s: %q", command, reply)
		if strings.HasPrefix(reply, replyError) {
			return "", fmt.Errorf("instrument rejected %s: %s", command, reply)
		}
		return reply, nil
	case <-timer.C:
		m.fault = fmt.Errorf("no reply to %s within %v: %w", command, m.timeout, optometer.ErrTimeout)
		return "", m.fault
	case <-ctx.Done():
		m.pending++
		return "", fmt.Errorf("waiting for reply to %s: %w", command, ctx.Err())
	}
}

// drain discards replies to commands whose caller gave up waiting. A reply
// that does not show up within the timeout is taken as lost.
func (m *Meter) drain(ctx context.Context) error {
	for m.pending > 0 {
		timer := time.NewTimer(m.timeout)
		select {
		case l := <-m.lines:
			timer.Stop()
			if l.err != nil {
				m.fault = fmt.Errorf("error reading late reply: %w", l.err)
				return m.fault
			}
			m.logger.Debugf("discarding late reply %q", l.text)
			m.pending--
		case <-timer.C:
			m.logger.Debugf("%d late replies never arrived", m.pending)
			m.pending = 0
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("waiting for late reply: %w", ctx.Err())
		}
	}
	return nil
}

func (m *Meter) expectOK(ctx context.Context, op, command string) error {
	reply, err := m.query(ctx, command)
	if err != nil {
		return optometer.NewDeviceError(op, err)
	}
	if reply != replyOK {
		return optometer.NewDeviceError(op, fmt.Errorf("unexpected reply to %s: %q", command, reply))
	}
	return nil
}

// Current takes one reading
func (m *Meter) Current(ctx context.Context) (float64, error) {
	reply, err := m.query(ctx, cmdMeasure)
	if err != nil {
		return 0, optometer.NewDeviceError("measure", err)
	}
	return parseCurrent(reply)
}

func parseCurrent(reply string) (float64, error) {
	switch strings.ToUpper(reply) {
	case replyOver:
		return math.Inf(1), nil
	case replyUnder:
		return math.Inf(-1), nil
	}

	v, err := strconv.ParseFloat(reply, 64)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			// Out of float64 range still is a reading; ParseFloat returns ±Inf.
			return v, nil
		}
		return 0, optometer.NewDeviceError("measure", fmt.Errorf("malformed reading %q", reply))
	}
	return v, nil
}

// Range returns the currently selected measurement range
func (m *Meter) Range(ctx context.Context) (optometer.Range, error) {
	reply, err := m.query(ctx, cmdGetRange)
	if err != nil {
		return optometer.RangeUnknown, optometer.NewDeviceError("get range", err)
	}
	r, err := optometer.ParseRange(reply)
	if err != nil {
		return optometer.RangeUnknown, optometer.NewDeviceError("get range", err)
	}
	return r, nil
}

// SetRange selects a measurement range
func (m *Meter) SetRange(ctx context.Context, r optometer.Range) error {
	if !r.Valid() {
		return optometer.NewDeviceError("set range", fmt.Errorf("cannot select %v", r))
	}
	return m.expectOK(ctx, "set range", fmt.Sprintf("%s%d", cmdSetRange, r.Exponent()))
}

// SelectAutoRange lets the instrument choose ranges on its own
func (m *Meter) SelectAutoRange(ctx context.Context) error {
	return m.expectOK(ctx, "select auto range", cmdAutoRangeOn)
}

// DeselectAutoRange freezes the range at its current setting
func (m *Meter) DeselectAutoRange(ctx context.Context) error {
	return m.expectOK(ctx, "deselect auto range", cmdAutoRangeOff)
}

// Specification returns the accuracy bound of a reading in range r
func (m *Meter) Specification(value float64, r optometer.Range) float64 {
	return optometer.Specification(value, r)
}

// Identity returns the identification read when the meter was opened
func (m *Meter) Identity() optometer.Identity {
	return m.identity
}

// Close closes the underlying connection
func (m *Meter) Close() error {
	select {
	case <-m.done:
		return nil
	default:
	}
	close(m.done)
	return m.rwc.Close()
}
