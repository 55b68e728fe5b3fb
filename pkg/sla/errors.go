package sla

import (
	"errors"
	"fmt"

	"exchange-sla-tracker/pkg/models"
)

var (
	ErrMissingRule = errors.New("no SLA rule for direction")
	ErrInvalidRule = errors.New("invalid SLA rule")
)

// ConfigError reports a deployment defect in the rule table. It must not be
// suppressed by callers.
type ConfigError struct {
	Direction models.Direction
	Reason    string
	Err       error
}

func (e *ConfigError) Error() string {
	if e.Direction == "" {
		return fmt.Sprintf("sla config: %s", e.Reason)
	}
	return fmt.Sprintf("sla config: direction %s: %s", e.Direction, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func missingRule(direction models.Direction) error {
	return &ConfigError{Direction: direction, Reason: "rule not defined", Err: ErrMissingRule}
}

func invalidRule(direction models.Direction, format string, args ...interface{}) error {
	return &ConfigError{Direction: direction, Reason: fmt.Sprintf(format, args...), Err: ErrInvalidRule}
}
