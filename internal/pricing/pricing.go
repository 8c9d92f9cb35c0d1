// Package pricing turns token counts into USD cost estimates. All money
// math is decimal; floats never touch a cost figure.
package pricing

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Rate holds USD prices per one million tokens.
type Rate struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

func rate(input, output string) Rate {
	return Rate{
		Input:  decimal.RequireFromString(input),
		Output: decimal.RequireFromString(output),
	}
}

// defaultRates is the built-in price table, keyed by model name prefix.
// Longest matching prefix wins, so "gpt-4o-mini" beats "gpt-4o" and
// "gpt-4" beats nothing for "gpt-4-turbo".
var defaultRates = map[string]Rate{
	"gpt-4o":        rate("2.50", "10.00"),
	"gpt-4o-mini":   rate("0.15", "0.60"),
	"o1":            rate("15.00", "60.00"),
	"o1-mini":       rate("3.00", "12.00"),
	"gpt-4-turbo":   rate("10.00", "30.00"),
	"gpt-4":         rate("30.00", "60.00"),
	"gpt-3.5-turbo": rate("0.50", "1.50"),
}

// fallbackRate covers unknown models. Cost rows are still written, only
// less accurately, and the first sighting per model is logged.
var fallbackRate = rate("1.00", "2.00")

var million = decimal.NewFromInt(1_000_000)

// costPrecision keeps cost values stable across estimate, queue and
// NUMERIC(12,6) column.
const costPrecision = 6

// Estimator computes cost estimates from a model name and token counts.
type Estimator struct {
	rates map[string]Rate
	log   *logrus.Logger

	mu            sync.Mutex
	warnedUnknown map[string]bool
}

// NewEstimator builds an estimator over the built-in price table.
func NewEstimator(log *logrus.Logger) *Estimator {
	return &Estimator{
		rates:         defaultRates,
		log:           log,
		warnedUnknown: make(map[string]bool),
	}
}

// Estimate returns the USD cost for a call, quantized to 6 decimal
// places.
func (e *Estimator) Estimate(model string, inputTokens, outputTokens int) decimal.Decimal {
	r := e.rateFor(model)

	inputCost := decimal.NewFromInt(int64(inputTokens)).Mul(r.Input).Div(million)
	outputCost := decimal.NewFromInt(int64(outputTokens)).Mul(r.Output).Div(million)

	return inputCost.Add(outputCost).Round(costPrecision)
}

// rateFor picks the rate by longest prefix match over the table.
func (e *Estimator) rateFor(model string) Rate {
	var (
		best    Rate
		bestLen = -1
	)
	for prefix, r := range e.rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = r
			bestLen = len(prefix)
		}
	}
	if bestLen >= 0 {
		return best
	}

	e.warnUnknown(model)
	return fallbackRate
}

func (e *Estimator) warnUnknown(model string) {
	e.mu.Lock()
	seen := e.warnedUnknown[model]
	e.warnedUnknown[model] = true
	e.mu.Unlock()

	if !seen && e.log != nil {
		e.log.WithField("model", model).Warn("no pricing for model, using fallback rate")
	}
}
