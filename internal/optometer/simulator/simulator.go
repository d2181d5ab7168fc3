// Package simulator provides an in-memory optometer for bench-free dry runs.
//
// Readings are a nominal photocurrent plus gaussian noise. A reading beyond the
// full scale of the selected range is reported as over-range (+Inf), the way
// the real instrument does.
package simulator

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/chrissnell/optometercalib/internal/optometer"
	"gonum.org/v1/gonum/stat/distuv"
)

// Config tunes the simulated photocurrent
type Config struct {
	// Current is the nominal photocurrent in amperes
	Current float64
	// RelativeNoise is the standard deviation of the noise as a fraction of Current
	RelativeNoise float64
	// Seed makes a run reproducible
	Seed uint64
}

// DefaultConfig returns a 1.5 nA source with 0.1 % noise
func DefaultConfig() Config {
	return Config{
		Current:       1.5e-9,
		RelativeNoise: 1e-3,
		Seed:          1,
	}
}

// Meter is a simulated optometer
type Meter struct {
	mu        sync.Mutex
	cfg       Config
	noise     distuv.Normal
	r         optometer.Range
	autoRange bool
	readings  int
}

var _ optometer.Device = (*Meter)(nil)

// New returns a simulated meter in auto-range mode
func New(cfg Config) *Meter {
	m := &Meter{
		cfg: cfg,
		noise: distuv.Normal{
			Mu:    0,
			Sigma: math.Abs(cfg.Current * cfg.RelativeNoise),
			Src:   rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15),
		},
		autoRange: true,
	}
	m.r = m.bestRange()
	return m
}

// bestRange is the most sensitive range whose full scale still covers the current
func (m *Meter) bestRange() optometer.Range {
	best := optometer.Range03
	for _, r := range optometer.Ranges() {
		if math.Abs(m.cfg.Current) <= r.FullScale() {
			best = r
		}
	}
	return best
}

// Current returns one noisy reading
func (m *Meter) Current(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, optometer.NewDeviceError("measure", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.readings++
	if m.autoRange {
		m.r = m.bestRange()
	}

	v := m.cfg.Current
	if m.noise.Sigma > 0 {
		v += m.noise.Rand()
	}
	if math.Abs(v) > m.r.FullScale() {
		return math.Copysign(math.Inf(1), v), nil
	}
	return v, nil
}

// Range returns the selected range
func (m *Meter) Range(ctx context.Context) (optometer.Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.r, nil
}

// SetRange selects a range and leaves auto-range mode
func (m *Meter) SetRange(ctx context.Context, r optometer.Range) error {
	if !r.Valid() {
		return optometer.NewDeviceError("set range", errInvalidRange(r))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.r = r
	m.autoRange = false
	return nil
}

// SelectAutoRange enables auto-ranging
func (m *Meter) SelectAutoRange(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoRange = true
	return nil
}

// DeselectAutoRange disables auto-ranging
func (m *Meter) DeselectAutoRange(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoRange = false
	return nil
}

// AutoRange reports whether auto-ranging is enabled
func (m *Meter) AutoRange() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoRange
}

// Readings returns how many readings were taken
func (m *Meter) Readings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readings
}

// Specification returns the accuracy bound of a reading in range r
func (m *Meter) Specification(value float64, r optometer.Range) float64 {
	return optometer.Specification(value, r)
}

// Identity identifies the simulator
func (m *Meter) Identity() optometer.Identity {
	return optometer.Identity{
		Manufacturer: "Simulated",
		Model:        "P9710-SIM",
		SerialNumber: "000000",
		Firmware:     "sim",
		Port:         "simulator",
	}
}

// Close is a no-op
func (m *Meter) Close() error {
	return nil
}

type errInvalidRange optometer.Range

func (e errInvalidRange) Error() string {
	return "cannot select " + optometer.Range(e).String()
}
