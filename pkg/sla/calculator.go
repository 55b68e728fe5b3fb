package sla

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"exchange-sla-tracker/pkg/models"
)

// Deadline is the outcome of a deadline computation
type Deadline struct {
	At       time.Time
	Minutes  int  // SLA minutes after priority scaling
	Urgent   bool // urgent threshold reached
	Adjusted bool // moved by the business calendar
	// ConversionErr is set when the amount could not be converted; the request
	// is then treated as non-urgent.
	ConversionErr error
}

// Calculator computes request deadlines. It holds no mutable state and is safe
// for concurrent use.
type Calculator struct {
	rules     *RuleTable
	calendar  BusinessCalendar
	converter Converter
}

func NewCalculator(rules *RuleTable, calendar BusinessCalendar, converter Converter) *Calculator {
	return &Calculator{
		rules:     rules,
		calendar:  calendar,
		converter: converter,
	}
}

// ComputeDeadline returns the SLA deadline for a request created at createdAt.
// The only error it returns is a *ConfigError for a direction without a rule.
func (c *Calculator) ComputeDeadline(direction models.Direction, amount decimal.Decimal, currencyCode string, priority models.ClientPriority, createdAt time.Time) (Deadline, error) {
	rule, err := c.rules.Rule(direction)
	if err != nil {
		return Deadline{}, err
	}

	var result Deadline
	minutes := rule.BaseMinutes

	if rule.UrgentThresholdAmount != nil && c.converter != nil {
		converted, err := c.converter.ToReference(amount, currencyCode)
		if err != nil {
			result.ConversionErr = err
		} else if converted.GreaterThanOrEqual(*rule.UrgentThresholdAmount) {
			minutes = rule.UrgentMinutes
			result.Urgent = true
		}
	}

	// math.Round rounds half away from zero
	minutes = int(math.Round(float64(minutes) * priority.Modifier()))
	if minutes < 0 {
		minutes = 0
	}

	result.Minutes = minutes
	result.At = createdAt.Add(time.Duration(minutes) * time.Minute)

	if rule.BusinessHoursOnly {
		adjusted := c.calendar.Adjust(result.At, createdAt)
		result.Adjusted = !adjusted.Equal(result.At)
		result.At = adjusted
	}

	return result, nil
}
