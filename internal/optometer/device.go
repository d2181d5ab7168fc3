// Package optometer defines the capability the measurement session needs from
// an optical power meter, together with its measurement ranges and error kinds.
package optometer

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Device is an optometer capable of single current readings and manual range control
type Device interface {
	// Current takes one reading in amperes. Over- and under-range readings
	// are reported as +Inf and -Inf, not as errors.
	Current(ctx context.Context) (float64, error)
	Range(ctx context.Context) (Range, error)
	SetRange(ctx context.Context, r Range) error
	SelectAutoRange(ctx context.Context) error
	DeselectAutoRange(ctx context.Context) error
	// Specification returns the accuracy bound in amperes for a reading
	// taken in range r.
	Specification(value float64, r Range) float64
	Identity() Identity
	Close() error
}

// Identity holds the read-only identification strings of an instrument
type Identity struct {
	Manufacturer string
	Model        string
	SerialNumber string
	Firmware     string
	Port         string
}

// ErrTimeout is wrapped in a DeviceError when the instrument does not answer in time
var ErrTimeout = errors.New("device timeout")

// DeviceError reports a communication or protocol fault with the instrument
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error during %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// NewDeviceError wraps err as a DeviceError for operation op. A nil err yields nil.
func NewDeviceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return err
	}
	return &DeviceError{Op: op, Err: err}
}

// IsTimeout reports whether err is a device timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Specification returns the datasheet accuracy bound of a P9710 reading: a
// relative part of the reading plus one least significant digit of the
// 4½-digit display in that range.
func Specification(value float64, r Range) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) || !r.Valid() {
		return math.NaN()
	}

	var rel float64
	switch {
	case r <= Range06:
		rel = 0.002
	case r <= Range08:
		rel = 0.005
	default:
		rel = 0.01
	}

	return rel*math.Abs(value) + r.FullScale()/20000
}
