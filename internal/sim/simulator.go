// Package sim implements the paper-trading order matching simulator.
// It decides whether an order fills, stays pending, or is rejected
// against the market data port, and computes the slippage applied to
// simulated executions. It never touches the position ledger: fills
// are returned as proposals for the engine to apply.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/jplanetx/cryptoj-trader/internal/market"
	"github.com/jplanetx/cryptoj-trader/internal/order"
)

// ErrLimitTooFar is returned when a limit price deviates from the mark
// by more than the configured sanity threshold at submission time.
var ErrLimitTooFar = errors.New("limit price too far from market")

var one = decimal.NewFromInt(1)

// Config holds the slippage model parameters.
type Config struct {
	SlippageCap       decimal.Decimal `yaml:"slippage_cap"`
	BaseSlippage      decimal.Decimal `yaml:"base_slippage"`
	VolMultiplier     decimal.Decimal `yaml:"vol_multiplier"`
	LimitSanityPct    decimal.Decimal `yaml:"limit_sanity_pct"`
	DefaultVolatility decimal.Decimal `yaml:"default_volatility"`
}

func DefaultConfig() Config {
	return Config{
		SlippageCap:       decimal.RequireFromString("0.01"),
		BaseSlippage:      decimal.RequireFromString("0.0005"),
		VolMultiplier:     decimal.RequireFromString("2"),
		LimitSanityPct:    decimal.RequireFromString("0.10"),
		DefaultVolatility: decimal.RequireFromString("0.0005"),
	}
}

// Result is the matching outcome for one observation of an order.
// FillPrice, Slippage and TriggerPrice are meaningful only when Status
// is filled.
type Result struct {
	Status       order.Status
	FillPrice    decimal.Decimal
	Slippage     decimal.Decimal
	TriggerPrice decimal.Decimal
}

// Simulator resolves orders against the market data port. It keeps the
// tracked extreme price per stop order so trailing stops can tighten
// across observations.
type Simulator struct {
	data market.Data
	cfg  Config

	mu       sync.Mutex
	extremes map[string]decimal.Decimal // order id -> last high (sell stop) or last low (buy stop)
	observed map[string]struct{}        // order ids seen at least once
}

func New(data market.Data, cfg Config) *Simulator {
	return &Simulator{
		data:     data,
		cfg:      cfg,
		extremes: make(map[string]decimal.Decimal),
		observed: make(map[string]struct{}),
	}
}

// Match evaluates the order against the current mark price. Pending
// results leave the order live; terminal results are final. A nil
// error accompanies pending and filled outcomes; rejected outcomes
// carry the typed cause.
func (s *Simulator) Match(ctx context.Context, o *order.Order) (Result, error) {
	mark, err := s.data.CurrentPrice(ctx, o.Symbol)
	if err != nil {
		return Result{Status: order.StatusRejected}, fmt.Errorf("matching %s: %w", o.ID, err)
	}

	switch o.Type {
	case order.TypeMarket:
		return s.matchMarket(ctx, o, mark), nil
	case order.TypeLimit:
		return s.matchLimit(o, mark)
	case order.TypeStopLoss:
		return s.matchStop(ctx, o, mark), nil
	default:
		return Result{Status: order.StatusRejected}, fmt.Errorf("%w: type %q", order.ErrInvalid, o.Type)
	}
}

// Forget drops per-order tracking state once an order is terminal.
func (s *Simulator) Forget(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.extremes, orderID)
	delete(s.observed, orderID)
}

// firstObservation reports whether this is the first time the order
// has been evaluated, and records it.
func (s *Simulator) firstObservation(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.observed[orderID]; ok {
		return false
	}
	s.observed[orderID] = struct{}{}
	return true
}

// volatility returns the capped volatility estimate for a symbol,
// falling back to the configured default when history is too short.
func (s *Simulator) volatility(ctx context.Context, symbol string) decimal.Decimal {
	history := s.data.PriceHistory(ctx, symbol)
	if len(history) < 2 {
		return decimal.Min(s.cfg.DefaultVolatility, s.cfg.SlippageCap)
	}
	return decimal.Min(market.Volatility(history), s.cfg.SlippageCap)
}

// matchMarket always fills at the mark adjusted by volatility-derived
// slippage: buys pay more, sells receive less.
func (s *Simulator) matchMarket(ctx context.Context, o *order.Order, mark decimal.Decimal) Result {
	slip := s.volatility(ctx, o.Symbol)
	return Result{
		Status:    order.StatusFilled,
		FillPrice: applySlippage(mark, slip, o.Side),
		Slippage:  slip,
	}
}

// matchLimit fills a buy when the mark trades at or below the limit,
// a sell at or above. Fill price is the mark, modeling favorable
// execution. A limit more than LimitSanityPct away from the mark at
// submission is rejected outright; once resting, the order stays
// pending no matter how far the mark drifts.
func (s *Simulator) matchLimit(o *order.Order, mark decimal.Decimal) (Result, error) {
	if s.firstObservation(o.ID) {
		deviation := o.LimitPrice.Sub(mark).Abs().Div(mark)
		if deviation.GreaterThan(s.cfg.LimitSanityPct) {
			return Result{Status: order.StatusRejected},
				fmt.Errorf("%w: limit %s vs mark %s", ErrLimitTooFar, o.LimitPrice, mark)
		}
	}

	crossed := (o.Side == order.SideBuy && mark.LessThanOrEqual(o.LimitPrice)) ||
		(o.Side == order.SideSell && mark.GreaterThanOrEqual(o.LimitPrice))
	if !crossed {
		return Result{Status: order.StatusPending}, nil
	}
	return Result{
		Status:    order.StatusFilled,
		FillPrice: mark,
		Slippage:  decimal.Zero,
	}, nil
}

// matchStop updates the tracked extreme on every favorable
// observation, tightens a trailing stop against that extreme, and
// fires when the mark crosses the effective stop. Triggered fills take
// dynamic slippage biased against the closing side.
func (s *Simulator) matchStop(ctx context.Context, o *order.Order, mark decimal.Decimal) Result {
	s.mu.Lock()
	extreme, tracked := s.extremes[o.ID]
	if !tracked {
		extreme = mark
	} else if o.Side == order.SideSell && mark.GreaterThan(extreme) {
		extreme = mark // new high: a sell stop may trail upward
	} else if o.Side == order.SideBuy && mark.LessThan(extreme) {
		extreme = mark // new low: a buy stop may trail downward
	}
	s.extremes[o.ID] = extreme
	s.mu.Unlock()

	if o.Trailing {
		// A trailing stop only ever tightens: the sell-side stop
		// ratchets up, the buy-side stop ratchets down.
		if o.Side == order.SideSell {
			candidate := extreme.Mul(one.Sub(o.TrailOffset))
			if candidate.GreaterThan(o.StopPrice) {
				o.StopPrice = candidate
			}
		} else {
			candidate := extreme.Mul(one.Add(o.TrailOffset))
			if candidate.LessThan(o.StopPrice) {
				o.StopPrice = candidate
			}
		}
	}

	triggered := (o.Side == order.SideSell && mark.LessThanOrEqual(o.StopPrice)) ||
		(o.Side == order.SideBuy && mark.GreaterThanOrEqual(o.StopPrice))
	if !triggered {
		return Result{Status: order.StatusPending}
	}

	vol := s.volatility(ctx, o.Symbol)
	slip := decimal.Min(s.cfg.BaseSlippage.Add(vol.Mul(s.cfg.VolMultiplier)), s.cfg.SlippageCap)
	return Result{
		Status:       order.StatusFilled,
		FillPrice:    applySlippage(mark, slip, o.Side),
		Slippage:     slip,
		TriggerPrice: mark,
	}
}

// applySlippage biases the execution price against the taker: buys pay
// mark*(1+s), sells receive mark*(1-s).
func applySlippage(mark, slip decimal.Decimal, side order.Side) decimal.Decimal {
	if side == order.SideBuy {
		return mark.Mul(one.Add(slip))
	}
	return mark.Mul(one.Sub(slip))
}
