// Package order
package order

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the closing side for a held position protected by
// this side's stop.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type Type string

const (
	TypeMarket   Type = "market"
	TypeLimit    Type = "limit"
	TypeStopLoss Type = "stop-loss"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusFilled   Status = "filled"
	StatusRejected Status = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusRejected
}

// ErrInvalid wraps all pre-admission validation failures.
var ErrInvalid = errors.New("invalid order")

// Order is a single order request and its lifecycle state. LimitPrice
// is required for limit orders, StopPrice for stop-loss orders.
// Trailing stops carry a TrailOffset fraction in (0, 1).
type Order struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Type        Type            `json:"type"`
	Quantity    decimal.Decimal `json:"quantity"`
	LimitPrice  decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice   decimal.Decimal `json:"stop_price,omitempty"`
	Trailing    bool            `json:"trailing,omitempty"`
	TrailOffset decimal.Decimal `json:"trail_offset,omitempty"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`

	// Execution metadata, populated when the order reaches filled.
	FillPrice    decimal.Decimal `json:"fill_price,omitempty"`
	Slippage     decimal.Decimal `json:"slippage,omitempty"`
	TriggerPrice decimal.Decimal `json:"trigger_price,omitempty"`
}

// Validate rejects malformed orders before any state is touched.
func (o *Order) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalid)
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("%w: bad side %q", ErrInvalid, o.Side)
	}
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalid, o.Quantity)
	}
	switch o.Type {
	case TypeMarket:
	case TypeLimit:
		if !o.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit order requires a positive limit price", ErrInvalid)
		}
	case TypeStopLoss:
		if !o.StopPrice.IsPositive() {
			return fmt.Errorf("%w: stop-loss order requires a positive stop price", ErrInvalid)
		}
		if o.Trailing {
			one := decimal.NewFromInt(1)
			if !o.TrailOffset.IsPositive() || o.TrailOffset.GreaterThanOrEqual(one) {
				return fmt.Errorf("%w: trail offset must be in (0,1), got %s", ErrInvalid, o.TrailOffset)
			}
		}
	default:
		return fmt.Errorf("%w: bad type %q", ErrInvalid, o.Type)
	}
	return nil
}

var idCounter atomic.Int64

func init() { idCounter.Store(1000) }

// NextID generates a process-unique order id.
func NextID() string {
	return fmt.Sprintf("order_%d", idCounter.Add(1))
}

// Result is the terminal outcome of a submitted order.
type Result struct {
	OrderID      string          `json:"order_id"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Status       Status          `json:"status"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	FillPrice    decimal.Decimal `json:"fill_price"`
	Slippage     decimal.Decimal `json:"slippage"`
	TriggerPrice decimal.Decimal `json:"trigger_price,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}
