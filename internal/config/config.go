// Copyright (C) 2026 phurth
// License: AGPL-3.0-only

// Package config loads bridge settings from an optional YAML file and
// ADB_BRIDGE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/phurth/hacs-adb-connector/internal/session"
)

// Config describes one managed device and how to reach it.
type Config struct {
	// Transport is "usb" or "tcp".
	Transport string `yaml:"transport"`
	// Serial selects a specific USB device; empty matches any.
	Serial string `yaml:"serial"`
	// Host and Port locate the device for TCP transport.
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`

	// WirelessPort is the port used when enabling wireless ADB.
	WirelessPort uint16 `yaml:"wireless_port"`
	// KeyPath is where the RSA keypair lives.
	KeyPath string `yaml:"key_path"`
	// PollInterval is the cadence of background refreshes.
	PollInterval time.Duration `yaml:"poll_interval"`
	// CorrelationID ties log records and spans to a workflow.
	CorrelationID string `yaml:"correlation_id"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		Transport:    "usb",
		WirelessPort: 5555,
		KeyPath:      filepath.Join(homeDir(), ".android", "adbkey"),
		PollInterval: 30 * time.Second,
	}
}

// Load reads path (skipped when empty or missing), then applies environment
// overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Transport, "ADB_BRIDGE_TRANSPORT")
	setString(&c.Serial, "ADB_BRIDGE_SERIAL")
	setString(&c.Host, "ADB_BRIDGE_HOST")
	setPort(&c.Port, "ADB_BRIDGE_PORT")
	setPort(&c.WirelessPort, "ADB_BRIDGE_WIRELESS_PORT")
	setString(&c.KeyPath, "ADB_BRIDGE_KEY_PATH")
	setDuration(&c.PollInterval, "ADB_BRIDGE_POLL_INTERVAL")
	setString(&c.CorrelationID, "ADB_BRIDGE_CORRELATION_ID")
}

// Validate checks the transport selection and operational limits.
func (c *Config) Validate() error {
	switch c.Transport {
	case "usb":
	case "tcp":
		if c.Host == "" {
			return fmt.Errorf("tcp transport requires a host")
		}
	default:
		return fmt.Errorf("unknown transport %q (want usb or tcp)", c.Transport)
	}
	if c.WirelessPort == 0 {
		return fmt.Errorf("wireless_port must be nonzero")
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("poll_interval %s too short (minimum 1s)", c.PollInterval)
	}
	return nil
}

// TransportDescriptor converts the config into a session transport.
func (c Config) TransportDescriptor() session.Transport {
	if c.Transport == "tcp" {
		port := c.Port
		if port == 0 {
			port = 5555
		}
		return session.TCP(c.Host, port)
	}
	return session.USB(c.Serial)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setPort(dst *uint16, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 65535 {
		*dst = uint16(n)
	}
}

func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
	}
}

func homeDir() string {
	usr, _ := user.Current()
	if usr != nil {
		return usr.HomeDir
	}
	return os.Getenv("HOME")
}
