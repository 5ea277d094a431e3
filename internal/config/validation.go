package config

import (
	"fmt"

	"github.com/shopspring/decimal"

	"revaudit/internal/recon"
)

// Validate performs basic sanity checks. A run must never start with invalid
// tolerance or retry knobs, so those surface as ToleranceConfigError.
func (c *Config) Validate() error {
	if _, err := c.Recon.Tolerance(); err != nil {
		return err
	}
	if c.Recon.MaxMalformedRate > 1 {
		return &recon.ToleranceConfigError{Knob: "max_malformed_rate", Reason: "must be in (0,1]"}
	}
	if c.Scheduler.MaxAttempts > 10 {
		return &recon.ToleranceConfigError{Knob: "max_attempts", Reason: "must be in [1,10]"}
	}
	if c.Scheduler.BackoffCapSec < c.Scheduler.BackoffBaseSec {
		return &recon.ToleranceConfigError{Knob: "backoff_cap_seconds", Reason: "must be >= backoff_base_seconds"}
	}
	if c.App.HTTPAddr == "" {
		return fmt.Errorf("app.http_addr cannot be empty")
	}
	return nil
}

// Tolerance builds the matching tolerance from config, failing closed on
// unparseable or negative values.
func (r ReconConfig) Tolerance() (recon.Tolerance, error) {
	abs, err := decimal.NewFromString(r.ToleranceAbs)
	if err != nil {
		return recon.Tolerance{}, &recon.ToleranceConfigError{Knob: "tolerance_abs", Reason: "not a decimal: " + r.ToleranceAbs}
	}
	tol := recon.Tolerance{
		Absolute:    abs,
		RelativePct: decimal.NewFromFloat(r.ToleranceRelPct),
	}
	if err := tol.Validate(); err != nil {
		return recon.Tolerance{}, err
	}
	return tol, nil
}
