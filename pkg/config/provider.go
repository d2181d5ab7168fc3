package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/chrissnell/optometercalib/internal/optometer"
	"github.com/chrissnell/optometercalib/internal/optometer/simulator"
)

// MinimumSamples is the smallest burst that still yields a standard deviation
const MinimumSamples = 2

// ConfigProvider defines the interface for configuration data sources
type ConfigProvider interface {
	// Load complete configuration
	LoadConfig() (*ConfigData, error)
	Close() error
}

// ConfigData holds everything a measurement session needs to start
type ConfigData struct {
	Device    DeviceData    `json:"device"`
	Session   SessionData   `json:"session"`
	Simulator SimulatorData `json:"simulator,omitempty"`
}

// DeviceData describes how to reach the optometer
type DeviceData struct {
	SerialDevice string        `json:"serial_device"`
	Baud         int           `json:"baud,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	InitialRange string        `json:"initial_range,omitempty"`
	Simulate     bool          `json:"simulate,omitempty"`
}

// SessionData controls burst size and where results go
type SessionData struct {
	Samples int    `json:"samples"`
	Comment string `json:"comment,omitempty"`
	// LogFile is the base name; ".log" and ".csv" are appended
	LogFile string `json:"logfile"`
}

// SimulatorData tunes the simulated instrument
type SimulatorData struct {
	Current       float64 `json:"current,omitempty"`
	RelativeNoise float64 `json:"relative_noise,omitempty"`
	Seed          uint64  `json:"seed,omitempty"`
}

// Defaults returns the configuration used when neither a file nor a flag says otherwise
func Defaults() *ConfigData {
	sim := simulator.DefaultConfig()
	return &ConfigData{
		Device: DeviceData{
			SerialDevice: "/dev/ttyUSB0",
			Baud:         9600,
			Timeout:      5 * time.Second,
			InitialRange: optometer.Range03.String(),
		},
		Session: SessionData{
			Samples: 10,
			LogFile: "optometerCalib",
		},
		Simulator: SimulatorData{
			Current:       sim.Current,
			RelativeNoise: sim.RelativeNoise,
			Seed:          sim.Seed,
		},
	}
}

// ConfigError reports an invalid or missing setting
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Normalize applies the lenient fixes: the burst size is raised to
// MinimumSamples and an empty comment becomes "---".
func (c *ConfigData) Normalize() {
	if c.Session.Samples < MinimumSamples {
		c.Session.Samples = MinimumSamples
	}
	if strings.TrimSpace(c.Session.Comment) == "" {
		c.Session.Comment = "---"
	}
}

// Validate rejects settings that cannot work
func (c *ConfigData) Validate() error {
	if !c.Device.Simulate && strings.TrimSpace(c.Device.SerialDevice) == "" {
		return &ConfigError{Field: "serial_device", Reason: "no serial port given"}
	}
	if c.Device.Baud <= 0 {
		return &ConfigError{Field: "baud", Reason: fmt.Sprintf("baud rate must be positive, got %d", c.Device.Baud)}
	}
	if c.Device.Timeout < 0 {
		return &ConfigError{Field: "timeout", Reason: "timeout must not be negative"}
	}
	if _, err := c.InitialRange(); err != nil {
		return &ConfigError{Field: "initial_range", Reason: err.Error()}
	}
	if strings.TrimSpace(c.Session.LogFile) == "" {
		return &ConfigError{Field: "logfile", Reason: "no log file base name given"}
	}
	return nil
}

// InitialRange parses the configured start range
func (c *ConfigData) InitialRange() (optometer.Range, error) {
	return optometer.ParseRange(c.Device.InitialRange)
}

// LogPath returns the measurement log file name
func (c *ConfigData) LogPath() string {
	return c.Session.LogFile + ".log"
}

// CSVPath returns the CSV result file name
func (c *ConfigData) CSVPath() string {
	return c.Session.LogFile + ".csv"
}

// DefaultsProvider serves Defaults() when no configuration file is given
type DefaultsProvider struct{}

// LoadConfig returns the defaults
func (DefaultsProvider) LoadConfig() (*ConfigData, error) {
	return Defaults(), nil
}

// Close is a no-op
func (DefaultsProvider) Close() error {
	return nil
}
