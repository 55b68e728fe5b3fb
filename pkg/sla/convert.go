package sla

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrUnknownCurrency = errors.New("no conversion rate for currency")

// Converter approximates an amount in the reference currency. Precision is the
// caller's concern; the calculator only compares against thresholds.
type Converter interface {
	ToReference(amount decimal.Decimal, currency string) (decimal.Decimal, error)
}

// ConverterFunc adapts a plain function to Converter
type ConverterFunc func(amount decimal.Decimal, currency string) (decimal.Decimal, error)

func (f ConverterFunc) ToReference(amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	return f(amount, currency)
}

// StaticRates converts with a fixed table of rates (units of reference currency per unit)
type StaticRates struct {
	reference string
	rates     map[string]decimal.Decimal
}

// NewStaticRates parses rates such as {"USD": "92.5"}. The reference currency
// always converts at 1.
func NewStaticRates(reference string, rates map[string]string) (*StaticRates, error) {
	reference = strings.ToUpper(reference)
	sr := &StaticRates{
		reference: reference,
		rates:     map[string]decimal.Decimal{reference: decimal.NewFromInt(1)},
	}
	for code, raw := range rates {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid rate for %s: %w", code, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate for %s must be positive", code)
		}
		sr.rates[strings.ToUpper(code)] = rate
	}
	return sr, nil
}

func (s *StaticRates) ToReference(amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	rate, ok := s.rates[strings.ToUpper(currency)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}
	return amount.Mul(rate), nil
}
