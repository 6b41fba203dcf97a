// Package config defines the recognized configuration keys (spec.md §6)
// and the defaulting/validation rules applied when a config file is loaded,
// following the config/resource structs with Validate() error in the
// teacher's materialize-rockset/driver.go.
package config

import (
	"encoding/json"
	"fmt"
	"io"
)

// Config is the full set of keys a config.json may set.
type Config struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	DBName         string `json:"dbname"`
	User           string `json:"user"`
	Password       string `json:"password"`
	ConnectTimeout int    `json:"connect_timeout"`

	// SecondaryHost/SecondaryPort, when set, direct non-replication (table
	// scan) connections at a read replica; the replication session always
	// connects to the primary.
	SecondaryHost string `json:"secondary_host,omitempty"`
	SecondaryPort int    `json:"secondary_port,omitempty"`

	FilterSchemas []string `json:"filter_schemas,omitempty"`

	DebugLSN bool `json:"debug_lsn,omitempty"`

	MaxRunSeconds           int  `json:"max_run_seconds,omitempty"`
	LogicalPollTotalSeconds int  `json:"logical_poll_total_seconds,omitempty"`
	BreakAtEndLSN           bool `json:"break_at_end_lsn,omitempty"`

	TapID          string `json:"tap_id,omitempty"`
	SlotNamePrefix string `json:"slot_name_prefix,omitempty"`
}

const (
	defaultConnectTimeout          = 30
	defaultLogicalPollTotalSeconds = 10800
	defaultPort                    = 5432
)

// Load decodes a config document from r and applies defaults, matching the
// teacher's pattern of reading a ConfigFile straight into a typed struct.
func Load(r io.Reader) (*Config, error) {
	var c Config
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.LogicalPollTotalSeconds == 0 {
		c.LogicalPollTotalSeconds = defaultLogicalPollTotalSeconds
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
}

// Validate checks the required connection properties and the numeric
// constraints spec.md §6 implies.
func (c *Config) Validate() error {
	var required = [][2]string{
		{"host", c.Host},
		{"dbname", c.DBName},
		{"user", c.User},
	}
	for _, req := range required {
		if req[1] == "" {
			return fmt.Errorf("missing %q", req[0])
		}
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be a positive integer, got %d", c.ConnectTimeout)
	}
	if c.LogicalPollTotalSeconds <= 0 {
		return fmt.Errorf("logical_poll_total_seconds must be a positive integer, got %d", c.LogicalPollTotalSeconds)
	}
	if c.MaxRunSeconds < 0 {
		return fmt.Errorf("max_run_seconds must not be negative, got %d", c.MaxRunSeconds)
	}

	return nil
}

// ScanHost and ScanPort return the connection target for non-replication
// table-scan connections: the secondary, if configured, otherwise the
// primary.
func (c *Config) ScanHost() string {
	if c.SecondaryHost != "" {
		return c.SecondaryHost
	}
	return c.Host
}

func (c *Config) ScanPort() int {
	if c.SecondaryPort != 0 {
		return c.SecondaryPort
	}
	return c.Port
}
