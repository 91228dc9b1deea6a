// Package config loads the YAML domain configuration consumed by the
// simulator.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes one virtual machine's interrupt hardware.
type Config struct {
	// VCPUs is the number of virtual processors, each with its own
	// local interrupt controller.
	VCPUs int `yaml:"vcpus"`

	// X2APIC permits guests to switch controllers into x2APIC mode.
	X2APIC bool `yaml:"x2apic"`

	// VirtualIntrDelivery simulates hardware that evaluates pending
	// interrupts against the processor priority itself.
	VirtualIntrDelivery bool `yaml:"virtual_intr_delivery"`

	// APICAssist simulates the EOI-assist enlightenment.
	APICAssist bool `yaml:"apic_assist"`

	// BusCycleNS is the timer bus cycle length in nanoseconds. Zero
	// selects the architectural default.
	BusCycleNS uint32 `yaml:"bus_cycle_ns"`

	// IOAPICEntries is the number of I/O APIC redirection slots. Zero
	// selects the conventional 24.
	IOAPICEntries int `yaml:"ioapic_entries"`
}

// Default returns the configuration used when no file is given: a
// single-processor xAPIC-only domain.
func Default() *Config {
	return &Config{VCPUs: 1}
}

// Parse decodes a configuration document. Unknown fields are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and decodes the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if c.VCPUs < 1 {
		return fmt.Errorf("config: vcpus must be at least 1, got %d", c.VCPUs)
	}
	if c.VCPUs > 255 {
		return fmt.Errorf("config: vcpus must be at most 255, got %d", c.VCPUs)
	}
	if c.IOAPICEntries < 0 || c.IOAPICEntries > 240 {
		return fmt.Errorf("config: ioapic_entries out of range: %d", c.IOAPICEntries)
	}
	return nil
}
