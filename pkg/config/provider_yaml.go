package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// YAMLProvider implements ConfigProvider for YAML configuration files.
// Settings missing from the file keep their Defaults() value.
type YAMLProvider struct {
	filename string
	config   *ConfigData
}

// NewYAMLProvider creates a new YAML configuration provider
func NewYAMLProvider(filename string) *YAMLProvider {
	return &YAMLProvider{
		filename: filename,
	}
}

// LoadConfig loads the configuration from the YAML file
func (y *YAMLProvider) LoadConfig() (*ConfigData, error) {
	if y.config != nil {
		return y.config, nil
	}

	cfgFile, err := os.ReadFile(y.filename)
	if err != nil {
		return nil, err
	}

	// Load into temporary struct with YAML tags
	var yamlConfig struct {
		Device    DeviceYAML     `yaml:"device"`
		Session   SessionYAML    `yaml:"session"`
		Simulator *SimulatorYAML `yaml:"simulator,omitempty"`
	}

	err = yaml.UnmarshalStrict(cfgFile, &yamlConfig)
	if err != nil {
		return nil, &ConfigError{Field: y.filename, Reason: err.Error()}
	}

	config := Defaults()

	d := yamlConfig.Device
	if d.SerialDevice != "" {
		config.Device.SerialDevice = d.SerialDevice
	}
	if d.Baud != 0 {
		config.Device.Baud = d.Baud
	}
	if d.Timeout != "" {
		timeout, err := time.ParseDuration(d.Timeout)
		if err != nil {
			return nil, &ConfigError{Field: "timeout", Reason: fmt.Sprintf("cannot parse %q: %v", d.Timeout, err)}
		}
		config.Device.Timeout = timeout
	}
	if d.InitialRange != "" {
		config.Device.InitialRange = d.InitialRange
	}
	config.Device.Simulate = d.Simulate

	s := yamlConfig.Session
	if s.Samples != 0 {
		config.Session.Samples = s.Samples
	}
	config.Session.Comment = s.Comment
	if s.LogFile != "" {
		config.Session.LogFile = s.LogFile
	}

	if sim := yamlConfig.Simulator; sim != nil {
		if sim.Current != 0 {
			config.Simulator.Current = sim.Current
		}
		if sim.RelativeNoise != 0 {
			config.Simulator.RelativeNoise = sim.RelativeNoise
		}
		if sim.Seed != 0 {
			config.Simulator.Seed = sim.Seed
		}
	}

	y.config = config
	return config, nil
}

// Close is a no-op for YAML provider
func (y *YAMLProvider) Close() error {
	return nil
}

// YAML-specific structs with proper YAML tags
type DeviceYAML struct {
	SerialDevice string `yaml:"serial-device,omitempty"`
	Baud         int    `yaml:"baud,omitempty"`
	Timeout      string `yaml:"timeout,omitempty"`
	InitialRange string `yaml:"initial-range,omitempty"`
	Simulate     bool   `yaml:"simulate,omitempty"`
}

type SessionYAML struct {
	Samples int    `yaml:"samples,omitempty"`
	Comment string `yaml:"comment,omitempty"`
	LogFile string `yaml:"logfile,omitempty"`
}

type SimulatorYAML struct {
	Current       float64 `yaml:"current,omitempty"`
	RelativeNoise float64 `yaml:"relative-noise,omitempty"`
	Seed          uint64  `yaml:"seed,omitempty"`
}
