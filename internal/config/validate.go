// This file validates configuration values and returns descriptive errors.

package config

import (
	"fmt"
)

// Validate checks that all configuration values are within acceptable ranges.
// Returns an error describing the first validation failure found.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.NetGroup.Validate(); err != nil {
		return fmt.Errorf("netgroup config: %w", err)
	}
	for i, app := range c.Apps {
		if app.App == "" || app.Stream == "" {
			return fmt.Errorf("apps[%d]: app and stream are required", i)
		}
	}
	return nil
}

// Validate checks server configuration values.
func (s *ServerConfig) Validate() error {
	if s.HealthPort <= 0 || s.HealthPort > 65535 {
		return fmt.Errorf("health_port must be between 1 and 65535, got %d", s.HealthPort)
	}
	if s.DebugPort <= 0 || s.DebugPort > 65535 {
		return fmt.Errorf("debug_port must be between 1 and 65535, got %d", s.DebugPort)
	}
	if s.HealthPort == s.DebugPort {
		return fmt.Errorf("health_port and debug_port must be different, both are %d", s.HealthPort)
	}
	return nil
}

// Validate checks NetGroup configuration values.
func (g *NetGroupConfig) Validate() error {
	if g.WindowDurationMS <= 0 {
		return fmt.Errorf("window_duration_ms must be positive, got %d", g.WindowDurationMS)
	}
	if g.FetchPeriodMS <= 0 {
		return fmt.Errorf("fetch_period_ms must be positive, got %d", g.FetchPeriodMS)
	}
	if g.PushLimit < 0 || g.PushLimit > 7 {
		return fmt.Errorf("push_limit must be between 0 and 7, got %d", g.PushLimit)
	}
	return nil
}
