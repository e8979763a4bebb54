// Config is loaded once at startup from a YAML file, strict about unknown
// fields, with defaults filled in for anything left unset.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete engine configuration.
// All fields must have explicit defaults or be required.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Session  SessionConfig   `yaml:"session"`
	NetGroup NetGroupConfig  `yaml:"netgroup"`
	Apps     []AppConfig     `yaml:"apps,omitempty"`
}

// ServerConfig defines listening endpoints.
type ServerConfig struct {
	HealthPort int    `yaml:"health_port"` // Port for the /healthz endpoint
	DebugPort  int    `yaml:"debug_port"`  // Port for the websocket FLV debug bridge
	RTMFPAddr  string `yaml:"rtmfp_addr"`  // UDP listen address, e.g. ":1935"
}

// SessionConfig defines per-session timing tunables (spec.md §6).
type SessionConfig struct {
	KeepaliveMS    int `yaml:"keepalive_ms"`     // default 30000
	CloseTimeoutMS int `yaml:"close_timeout_ms"` // default 95000
}

// Keepalive returns the keep-alive interval as a time.Duration.
func (s SessionConfig) Keepalive() time.Duration {
	return time.Duration(s.KeepaliveMS) * time.Millisecond
}

// CloseTimeout returns the close timeout as a time.Duration.
func (s SessionConfig) CloseTimeout() time.Duration {
	return time.Duration(s.CloseTimeoutMS) * time.Millisecond
}

// NetGroupConfig defines the default NetGroup/GroupMedia tunables (spec.md §6).
// Individual groups may override these at join time.
type NetGroupConfig struct {
	WindowDurationMS          int  `yaml:"window_duration_ms"`           // default 8000
	RelayMarginMS             int  `yaml:"relay_margin_ms"`              // default 2000
	FetchPeriodMS             int  `yaml:"fetch_period_ms"`              // default 2500
	AvailabilityUpdatePeriodMS int `yaml:"availability_update_period_ms"` // default 100
	AvailabilitySendToAll     bool `yaml:"availability_send_to_all"`     // default false
	PushLimit                 int  `yaml:"push_limit"`                   // default 4
	DisablePullTimeout        bool `yaml:"disable_pull_timeout"`         // default false
	IsPublisher                bool `yaml:"is_publisher"`
}

// WindowDuration returns the fragment window depth as a time.Duration.
func (g NetGroupConfig) WindowDuration() time.Duration {
	return time.Duration(g.WindowDurationMS) * time.Millisecond
}

// RelayMargin returns the extra relay retention as a time.Duration.
func (g NetGroupConfig) RelayMargin() time.Duration {
	return time.Duration(g.RelayMarginMS) * time.Millisecond
}

// FetchPeriod returns the pull deadline as a time.Duration.
func (g NetGroupConfig) FetchPeriod() time.Duration {
	return time.Duration(g.FetchPeriodMS) * time.Millisecond
}

// AvailabilityUpdatePeriod returns the fragments-map cadence as a time.Duration.
func (g NetGroupConfig) AvailabilityUpdatePeriod() time.Duration {
	return time.Duration(g.AvailabilityUpdatePeriodMS) * time.Millisecond
}

// AppConfig defines a connect-time application binding: a local app/stream
// pair published or played over RTMFP, and optionally mirrored to a NetGroup.
type AppConfig struct {
	App        string `yaml:"app"`
	Stream     string `yaml:"stream"`
	GroupName  string `yaml:"group_name,omitempty"`
	IsPublisher bool  `yaml:"is_publisher,omitempty"`
}

// Load reads configuration from a YAML file.
// Returns an error if the file cannot be read or decoded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields

	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// setDefaults applies explicit default values to unset fields.
func (c *Config) setDefaults() {
	if c.Server.HealthPort == 0 {
		c.Server.HealthPort = 8080
	}
	if c.Server.DebugPort == 0 {
		c.Server.DebugPort = 8082
	}
	if c.Server.RTMFPAddr == "" {
		c.Server.RTMFPAddr = ":1935"
	}
	if c.Session.KeepaliveMS == 0 {
		c.Session.KeepaliveMS = 30000
	}
	if c.Session.CloseTimeoutMS == 0 {
		c.Session.CloseTimeoutMS = 95000
	}
	if c.NetGroup.WindowDurationMS == 0 {
		c.NetGroup.WindowDurationMS = 8000
	}
	if c.NetGroup.RelayMarginMS == 0 {
		c.NetGroup.RelayMarginMS = 2000
	}
	if c.NetGroup.FetchPeriodMS == 0 {
		c.NetGroup.FetchPeriodMS = 2500
	}
	if c.NetGroup.AvailabilityUpdatePeriodMS == 0 {
		c.NetGroup.AvailabilityUpdatePeriodMS = 100
	}
	if c.NetGroup.PushLimit == 0 {
		c.NetGroup.PushLimit = 4
	}
}
