// Package config loads finituded's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Listener names one bus connection to monitor. It unmarshals from
// either a bare path/URI string (the common case) or a mapping, so
// existing single-line configurations keep working unchanged when a
// connection needs a non-default flag.
type Listener struct {
	Path         string `yaml:"path"`
	RequireAck06 *bool  `yaml:"require_ack06"`
}

// UnmarshalYAML accepts `name: /dev/ttyUSB0` as shorthand for
// `name: {path: /dev/ttyUSB0}`.
func (l *Listener) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		l.Path = s
		return nil
	}
	type plain Listener
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*l = Listener(p)
	return nil
}

// RequireAck06OrDefault reports whether this listener should honor
// listen-before-talk arbitration, defaulting to true (the safe choice
// whenever a native thermostat may share the bus).
func (l Listener) RequireAck06OrDefault() bool {
	if l.RequireAck06 == nil {
		return true
	}
	return *l.RequireAck06
}

// Config is finituded's top-level configuration.
type Config struct {
	MetricsAddr    string              `yaml:"metrics_addr"`
	SnifferAddr    string              `yaml:"sniffer_addr"`
	DB             string              `yaml:"db"`
	ReconnectDelay time.Duration       `yaml:"reconnect_delay"`
	Listeners      map[string]Listener `yaml:"listeners"`
}

// Default metrics and sniffer addresses, used when the config file or
// flags leave them unset.
const (
	DefaultMetricsAddr = ":9110"
	DefaultSnifferAddr = ":9111"
)

// Load reads and parses the YAML config file at path. A missing or
// empty file yields a zero-value Config rather than an error, matching
// a daemon that can run purely off command-line flags.
func Load(path string) (*Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &c, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &c, nil
}
