// Package market
package market

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when no price is known for a symbol.
var ErrUnavailable = errors.New("market data unavailable")

// Data is the market data port consumed by the engine. Implementations
// supply the current mark price and a bounded recent-price history per
// symbol, most-recent-last.
type Data interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PriceHistory(ctx context.Context, symbol string) []decimal.Decimal
	LastUpdate(symbol string) (time.Time, bool)
}

// historyWindow caps the per-symbol price history kept for volatility
// calculation.
const historyWindow = 100

type symbolState struct {
	prices  []decimal.Decimal
	updated time.Time
}

// Feed is an in-memory Data implementation fed by price updates. It is
// the market data source for paper trading and tests.
type Feed struct {
	mu      sync.RWMutex
	symbols map[string]*symbolState
}

func NewFeed() *Feed {
	return &Feed{symbols: make(map[string]*symbolState)}
}

// Update records a new observed price for symbol.
func (f *Feed) Update(symbol string, price decimal.Decimal) {
	f.UpdateAt(symbol, price, time.Now().UTC())
}

// UpdateAt records a price with an explicit observation time.
func (f *Feed) UpdateAt(symbol string, price decimal.Decimal, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.symbols[symbol]
	if !ok {
		st = &symbolState{}
		f.symbols[symbol] = st
	}
	st.prices = append(st.prices, price)
	if len(st.prices) > historyWindow {
		st.prices = st.prices[len(st.prices)-historyWindow:]
	}
	st.updated = at
}

func (f *Feed) CurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.symbols[symbol]
	if !ok || len(st.prices) == 0 {
		return decimal.Zero, ErrUnavailable
	}
	return st.prices[len(st.prices)-1], nil
}

func (f *Feed) PriceHistory(_ context.Context, symbol string) []decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.symbols[symbol]
	if !ok {
		return nil
	}
	out := make([]decimal.Decimal, len(st.prices))
	copy(out, st.prices)
	return out
}

// LastUpdate reports when the symbol last received a price, for
// staleness checks.
func (f *Feed) LastUpdate(symbol string) (time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.symbols[symbol]
	if !ok {
		return time.Time{}, false
	}
	return st.updated, true
}

// Volatility estimates volatility as the standard deviation of
// successive log returns over history. Returns zero when fewer than two
// points are available. The stddev itself is computed in float64 (sqrt
// has no decimal form) and converted back before any price math.
func Volatility(history []decimal.Decimal) decimal.Decimal {
	if len(history) < 2 {
		return decimal.Zero
	}
	returns := make([]float64, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		prev := history[i-1].InexactFloat64()
		cur := history[i].InexactFloat64()
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) == 0 {
		return decimal.Zero
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))
	return decimal.NewFromFloat(math.Sqrt(variance))
}
