package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values that would hang or loop are clamped to safe defaults.
// Other validation errors are logged as warnings but do not prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.BridgeURL != "" {
		u, err := url.Parse(c.BridgeURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("bridge_url %q is not a valid URL: %w", c.BridgeURL, err))
		} else if u.Scheme != "tcp" && u.Scheme != "ws" && u.Scheme != "wss" {
			errs = append(errs, fmt.Errorf("bridge_url scheme must be tcp, ws or wss, got %q", u.Scheme))
		}
	}

	for key, s := range c.Slots {
		if key != "a" && key != "b" {
			errs = append(errs, fmt.Errorf("slot key %q is not valid (use a or b)", key))
		}
		if s.Device == "" {
			errs = append(errs, fmt.Errorf("slot %q missing device", key))
		}
	}
	if len(c.Slots) != 2 {
		errs = append(errs, fmt.Errorf("slot table must name exactly two slots, got %d", len(c.Slots)))
	}

	if c.MaxBootRollbacks < 1 {
		errs = append(errs, fmt.Errorf("max_boot_rollbacks %d is below minimum 1, clamping", c.MaxBootRollbacks))
		c.MaxBootRollbacks = 1
	} else if c.MaxBootRollbacks > 10 {
		errs = append(errs, fmt.Errorf("max_boot_rollbacks %d exceeds maximum 10, clamping", c.MaxBootRollbacks))
		c.MaxBootRollbacks = 10
	}

	if c.LivenessAttempts < 1 {
		errs = append(errs, fmt.Errorf("liveness_attempts %d is below minimum 1, clamping", c.LivenessAttempts))
		c.LivenessAttempts = 1
	}
	if c.LivenessIntervalSeconds < 1 {
		errs = append(errs, fmt.Errorf("liveness_interval_seconds %d is below minimum 1, clamping", c.LivenessIntervalSeconds))
		c.LivenessIntervalSeconds = 1
	}

	if c.ReportAttempts < 1 {
		errs = append(errs, fmt.Errorf("report_attempts %d is below minimum 1, clamping", c.ReportAttempts))
		c.ReportAttempts = 1
	}

	if c.LeaseTTLSeconds < 30 {
		errs = append(errs, fmt.Errorf("lease_ttl_seconds %d is below minimum 30, clamping", c.LeaseTTLSeconds))
		c.LeaseTTLSeconds = 30
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
