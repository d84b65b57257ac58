// Package precision rounds quantities to exchange-compliant lot steps and
// rejects orders below the minimum notional value. Everything here is pure and
// runs before any network call.
package precision

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidationError is returned when an order fails a local pre-trade check.
// It never reaches the network layer.
type ValidationError struct {
	Symbol string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Symbol, e.Reason)
}

// Validator applies per-symbol lot-size steps and the configured minimum
// order notional.
type Validator struct {
	steps       map[string]decimal.Decimal
	defaultStep decimal.Decimal
	minNotional decimal.Decimal
}

// NewValidator builds a Validator. steps maps symbol to its lot step (e.g.
// "BTC-USDT" -> "0.001"); symbols not present use defaultStep. Invalid step
// strings fall back to defaultStep.
func NewValidator(steps map[string]string, defaultStep string, minNotional float64) *Validator {
	def, err := decimal.NewFromString(defaultStep)
	if err != nil || def.Sign() <= 0 {
		def = decimal.New(1, -8) // 1e-8, effectively no rounding
	}

	parsed := make(map[string]decimal.Decimal, len(steps))
	for sym, s := range steps {
		d, err := decimal.NewFromString(s)
		if err != nil || d.Sign() <= 0 {
			continue
		}
		parsed[sym] = d
	}

	return &Validator{
		steps:       parsed,
		defaultStep: def,
		minNotional: decimal.NewFromFloat(minNotional),
	}
}

// Step returns the lot step used for symbol.
func (v *Validator) Step(symbol string) decimal.Decimal {
	if s, ok := v.steps[symbol]; ok {
		return s
	}
	return v.defaultStep
}

// Normalize truncates qty down to the symbol's lot step. The result is always
// a non-negative multiple of the step; quantities smaller than one step
// normalize to zero.
func (v *Validator) Normalize(symbol string, qty float64) float64 {
	if qty <= 0 {
		return 0
	}
	step := v.Step(symbol)
	d := decimal.NewFromFloat(qty)
	f, _ := d.Div(step).Floor().Mul(step).Float64()
	return f
}

// ValidateNotional checks quantity and notional (quantity x price) against the
// configured minimum. A zero normalized quantity is rejected here too, so a
// single call covers both pre-trade checks.
func (v *Validator) ValidateNotional(symbol string, qty, price float64) error {
	if qty <= 0 {
		return &ValidationError{Symbol: symbol, Reason: "quantity normalized to zero"}
	}

	notional := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(price))
	if notional.LessThan(v.minNotional) {
		return &ValidationError{
			Symbol: symbol,
			Reason: fmt.Sprintf("notional %s below minimum %s", notional.StringFixed(2), v.minNotional.StringFixed(2)),
		}
	}
	return nil
}
