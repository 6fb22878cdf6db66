// Package emergency owns the normal/emergency state machine: it
// decides when the system must force-liquidate, runs the shutdown
// sweep, and keeps the transition state durable across restarts.
package emergency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Liquidator is the engine-side surface the coordinator drives during
// a shutdown sweep. Implementations must make LiquidatePosition a
// no-op for already-flat symbols so an interrupted sweep can be
// re-run.
type Liquidator interface {
	CancelAllOrders(ctx context.Context) int
	OpenPositions() []string
	LiquidatePosition(ctx context.Context, symbol string) error
}

// Config carries the coordinator's limits and thresholds, explicitly
// constructed and passed in rather than read from a global.
type Config struct {
	MaxPositions map[string]decimal.Decimal `yaml:"max_positions"`
	RiskLimits   map[string]decimal.Decimal `yaml:"risk_limits"`
	Thresholds   Thresholds                 `yaml:"thresholds"`
}

// Coordinator is the single owner of emergency state. All transitions
// persist before they take further effect; a persistence failure
// during a transition is fatal to that call because diverging
// in-memory and durable state is a correctness hazard.
type Coordinator struct {
	mu     sync.RWMutex
	store  Store
	logger *zap.Logger

	maxPositions map[string]decimal.Decimal
	riskLimits   map[string]decimal.Decimal

	state State
}

// New loads durable state (or reconstructs defaults and immediately
// re-persists) and returns the coordinator.
func New(cfg Config, store Store, logger *zap.Logger) (*Coordinator, error) {
	c := &Coordinator{
		store:        store,
		logger:       logger,
		maxPositions: cfg.MaxPositions,
		riskLimits:   cfg.RiskLimits,
	}
	state, ok, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load emergency state: %w", err)
	}
	if !ok {
		state = defaultState(cfg.Thresholds)
		if err := store.Save(state); err != nil {
			return nil, fmt.Errorf("persist default emergency state: %w", err)
		}
		logger.Info("emergency state reconstructed from defaults")
	}
	c.state = state
	return c, nil
}

// Active reports whether the system is in emergency mode.
func (c *Coordinator) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Mode == ModeEmergency
}

// State returns a snapshot of the current state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	limits := make(map[string]decimal.Decimal, len(c.state.PositionLimits))
	for k, v := range c.state.PositionLimits {
		limits[k] = v
	}
	snap := c.state
	snap.PositionLimits = limits
	return snap
}

// ExcessiveLatency reports whether an observed order processing time
// breaches the threshold.
func (c *Coordinator) ExcessiveLatency(d time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	max := c.state.Thresholds.MaxLatency
	return max > 0 && d > max
}

// StaleData reports whether a market data age breaches the threshold.
func (c *Coordinator) StaleData(age time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	max := c.state.Thresholds.MarketDataMaxAge
	return max > 0 && age > max
}

// LowFunds reports whether available funds are below the floor.
func (c *Coordinator) LowFunds(available decimal.Decimal) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	min := c.state.Thresholds.MinAvailableFunds
	return min.IsPositive() && available.LessThan(min)
}

// Shutdown transitions to emergency mode and sweeps the book: the mode
// flag is set and persisted before any cancellation so no new order is
// admitted mid-shutdown, then all pending orders are cancelled and
// every open position is liquidated best-effort. Individual
// liquidation failures are logged and do not abort the sweep.
// Re-running a completed shutdown is a no-op apart from re-persisting.
func (c *Coordinator) Shutdown(ctx context.Context, reason string, liq Liquidator) error {
	c.mu.Lock()
	c.state.Mode = ModeEmergency
	c.state.LastTransition = time.Now().UTC()
	if err := c.store.Save(c.state); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("persist emergency transition: %w", err)
	}
	c.mu.Unlock()
	c.logger.Warn("emergency shutdown initiated", zap.String("reason", reason))

	cancelled := liq.CancelAllOrders(ctx)
	if cancelled > 0 {
		c.logger.Info("pending orders cancelled", zap.Int("count", cancelled))
	}

	for _, symbol := range liq.OpenPositions() {
		if err := liq.LiquidatePosition(ctx, symbol); err != nil {
			c.logger.Error("liquidation failed, continuing sweep",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}

	c.mu.Lock()
	c.state.PositionLimits = make(map[string]decimal.Decimal)
	err := c.store.Save(c.state)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("persist post-shutdown state: %w", err)
	}
	c.logger.Warn("emergency shutdown completed")
	return nil
}

// RestoreNormalOperation flips back to normal mode, but only after a
// health verification pass: every tracked symbol must have configured
// max-position and risk-limit entries, and no tracked position may
// exceed its limit. On failure the mode stays emergency.
func (c *Coordinator) RestoreNormalOperation() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Mode != ModeEmergency {
		return true, nil
	}
	if !c.verifyHealth() {
		c.logger.Warn("health verification failed, staying in emergency mode")
		return false, nil
	}
	c.state.Mode = ModeNormal
	c.state.LastTransition = time.Now().UTC()
	if err := c.store.Save(c.state); err != nil {
		c.state.Mode = ModeEmergency
		return false, fmt.Errorf("persist restoration: %w", err)
	}
	c.logger.Info("normal operation restored")
	return true, nil
}

func (c *Coordinator) verifyHealth() bool {
	for symbol, current := range c.state.PositionLimits {
		max, ok := c.maxPositions[symbol]
		if !ok {
			c.logger.Error("missing max position entry", zap.String("symbol", symbol))
			return false
		}
		if _, ok := c.riskLimits[symbol]; !ok {
			c.logger.Error("missing risk limit entry", zap.String("symbol", symbol))
			return false
		}
		if current.GreaterThan(max) {
			c.logger.Error("position exceeds limit",
				zap.String("symbol", symbol),
				zap.String("current", current.String()),
				zap.String("max", max.String()))
			return false
		}
	}
	return true
}

// UpdatePositionLimits replaces tracked per-symbol exposure values.
// Negative limits are rejected wholesale; nothing is applied.
func (c *Coordinator) UpdatePositionLimits(limits map[string]decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for symbol, v := range limits {
		if v.IsNegative() {
			return fmt.Errorf("negative limit %s for %s not allowed", v, symbol)
		}
	}
	for symbol, v := range limits {
		c.state.PositionLimits[symbol] = v
	}
	return c.store.Save(c.state)
}

// Health is the outward-facing system health snapshot.
type Health struct {
	Mode                Mode                       `json:"mode"`
	ExposurePercentages map[string]decimal.Decimal `json:"exposure_percentages"`
	PositionLimits      map[string]decimal.Decimal `json:"position_limits"`
	Timestamp           time.Time                  `json:"timestamp"`
}

// SystemHealth reports mode, per-symbol exposure as a percentage of
// the configured max, and the tracked position limits.
func (c *Coordinator) SystemHealth(exposures map[string]decimal.Decimal) Health {
	hundred := decimal.NewFromInt(100)
	pct := make(map[string]decimal.Decimal, len(exposures))
	for symbol, exposure := range exposures {
		if max, ok := c.maxPositions[symbol]; ok && max.IsPositive() {
			pct[symbol] = exposure.Div(max).Mul(hundred)
		}
	}
	snap := c.State()
	return Health{
		Mode:                snap.Mode,
		ExposurePercentages: pct,
		PositionLimits:      snap.PositionLimits,
		Timestamp:           time.Now().UTC(),
	}
}
