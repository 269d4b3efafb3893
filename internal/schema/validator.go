package schema

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validator checks normalized records before they are persisted.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds timestamp bounds for flow validation.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    7 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a Validator with the given bounds.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	return &Validator{
		validate:  validator.New(),
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// ValidateFlow validates a normalized flow record.
func (v *Validator) ValidateFlow(flow *FlowRecord) error {
	if err := v.validate.Struct(flow); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()
	if flow.StartTime.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("start_time too old: %v (max age: %v)", flow.StartTime, v.maxAge)
	}
	if flow.StartTime.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("start_time in future: %v (max future: %v)", flow.StartTime, v.maxFuture)
	}
	return nil
}

// ValidateDevice validates a device record before an upsert.
func (v *Validator) ValidateDevice(dev *Device) error {
	if err := v.validate.Struct(dev); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
