// Package position
package position

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jplanetx/cryptoj-trader/internal/order"
)

// ErrInsufficientPosition is returned when a sell exceeds the held
// quantity. The book is long-only: quantity never goes negative.
var ErrInsufficientPosition = errors.New("insufficient position")

// Trade is one ledger entry in a position's trade log.
type Trade struct {
	Side        order.Side      `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	CostBasis   decimal.Decimal `json:"cost_basis"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Time        time.Time       `json:"time"`
}

// Position is the per-symbol ledger state. Quantity is >= 0 at all
// times; when it reaches zero, cost basis and average entry reset to
// exact zero so no residual drift survives a flat book.
type Position struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
	AverageEntry decimal.Decimal `json:"average_entry"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	LastUpdate   time.Time       `json:"last_update"`
	Trades       []Trade         `json:"trades,omitempty"`
}

// UnrealizedPnL computes mark-to-market profit against the average
// entry. Derived, never stored.
func (p Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.Quantity.IsZero() {
		return decimal.Zero
	}
	return mark.Sub(p.AverageEntry).Mul(p.Quantity)
}

// Notional is the position's current market value.
func (p Position) Notional(mark decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(mark).Abs()
}

// Ledger owns all position state. Mutations for a symbol are
// serialized behind a per-symbol lock; distinct symbols may fill
// concurrently.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*Position
	locks     map[string]*sync.Mutex
}

func NewLedger() *Ledger {
	return &Ledger{
		positions: make(map[string]*Position),
		locks:     make(map[string]*sync.Mutex),
	}
}

// symbolLock returns the mutex serializing fills for symbol, creating
// it on first use.
func (l *Ledger) symbolLock(symbol string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[symbol]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[symbol] = lk
	}
	return lk
}

// ApplyFill applies a fill to the symbol's position and returns the
// updated snapshot. Buys extend cost basis; sells realize PnL against
// the running average and reduce cost basis proportionally. A sell
// larger than the held quantity fails with ErrInsufficientPosition and
// leaves the position untouched.
func (l *Ledger) ApplyFill(symbol string, side order.Side, quantity, price decimal.Decimal) (Position, error) {
	if !quantity.IsPositive() {
		return Position{}, fmt.Errorf("fill quantity must be positive, got %s", quantity)
	}
	if !price.IsPositive() {
		return Position{}, fmt.Errorf("fill price must be positive, got %s", price)
	}

	lk := l.symbolLock(symbol)
	lk.Lock()
	defer lk.Unlock()

	// The map lock also guards position fields so snapshots taken via
	// Get never observe a half-applied fill.
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol}
		l.positions[symbol] = pos
	}

	now := time.Now().UTC()
	var realizedDelta decimal.Decimal

	switch side {
	case order.SideBuy:
		newQty := pos.Quantity.Add(quantity)
		pos.CostBasis = pos.CostBasis.Add(quantity.Mul(price))
		pos.Quantity = newQty
		pos.AverageEntry = pos.CostBasis.Div(newQty)
	case order.SideSell:
		if quantity.GreaterThan(pos.Quantity) {
			return *pos, fmt.Errorf("%w: sell %s exceeds held %s %s",
				ErrInsufficientPosition, quantity, pos.Quantity, symbol)
		}
		realizedDelta = price.Sub(pos.AverageEntry).Mul(quantity)
		pos.RealizedPnL = pos.RealizedPnL.Add(realizedDelta)
		newQty := pos.Quantity.Sub(quantity)
		if newQty.IsZero() {
			pos.Quantity = decimal.Zero
			pos.CostBasis = decimal.Zero
			pos.AverageEntry = decimal.Zero
		} else {
			// Shrink cost basis by the remaining-quantity ratio so the
			// running average is preserved for the remainder.
			pos.CostBasis = pos.CostBasis.Mul(newQty).Div(pos.Quantity)
			pos.Quantity = newQty
			pos.AverageEntry = pos.CostBasis.Div(newQty)
		}
	default:
		return *pos, fmt.Errorf("unknown side %q", side)
	}

	pos.LastUpdate = now
	pos.Trades = append(pos.Trades, Trade{
		Side:        side,
		Quantity:    quantity,
		Price:       price,
		CostBasis:   pos.CostBasis,
		RealizedPnL: realizedDelta,
		Time:        now,
	})
	return *pos, nil
}

// Get returns the position for symbol, or a zero-value position if
// none exists. Never nil.
func (l *Ledger) Get(symbol string) Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if pos, ok := l.positions[symbol]; ok {
		return *pos
	}
	return Position{Symbol: symbol}
}

// UnrealizedPnL computes the mark-to-market PnL for a symbol.
func (l *Ledger) UnrealizedPnL(symbol string, mark decimal.Decimal) decimal.Decimal {
	return l.Get(symbol).UnrealizedPnL(mark)
}

// Symbols lists every symbol that currently holds a non-zero quantity.
func (l *Ledger) Symbols() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.positions))
	for sym, pos := range l.positions {
		if !pos.Quantity.IsZero() {
			out = append(out, sym)
		}
	}
	return out
}

// OpenPositions counts symbols with non-zero quantity.
func (l *Ledger) OpenPositions() int {
	return len(l.Symbols())
}

// TotalExposure sums notional value across all open positions using
// the supplied marks. Symbols with no mark are skipped.
func (l *Ledger) TotalExposure(marks map[string]decimal.Decimal) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for sym, pos := range l.positions {
		mark, ok := marks[sym]
		if !ok || pos.Quantity.IsZero() {
			continue
		}
		total = total.Add(pos.Notional(mark))
	}
	return total
}
