// Package engine exposes the public trading surface: order
// submission, position and health snapshots, and the emergency
// shutdown/restore cycle. It wires the risk gate, the matching
// simulator, the position ledger, and the emergency coordinator
// behind a single admission gate.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jplanetx/cryptoj-trader/internal/db"
	"github.com/jplanetx/cryptoj-trader/internal/emergency"
	"github.com/jplanetx/cryptoj-trader/internal/journal"
	"github.com/jplanetx/cryptoj-trader/internal/market"
	"github.com/jplanetx/cryptoj-trader/internal/order"
	"github.com/jplanetx/cryptoj-trader/internal/position"
	"github.com/jplanetx/cryptoj-trader/internal/risk"
	"github.com/jplanetx/cryptoj-trader/internal/sim"
	"github.com/jplanetx/cryptoj-trader/internal/sink"
)

const persistAttempts = 3

// Config is the engine's explicitly constructed configuration.
type Config struct {
	InitialCapital decimal.Decimal
	Limits         risk.Limits
	Sim            sim.Config
}

// Engine is the paper-trading core. All order admission takes the
// read side of the emergency gate; shutdown takes the write side, so
// no order can slip in between the mode flag being set and the
// cancel/liquidate sweep starting.
type Engine struct {
	cfg     Config
	data    market.Data
	ledger  *position.Ledger
	sim     *sim.Simulator
	gate    *risk.Gate
	coord   *emergency.Coordinator
	storage db.Storage
	sink    sink.Sink
	logger  *zap.Logger

	emergencyGate sync.RWMutex

	pendingMu sync.Mutex
	pending   map[string]*order.Order

	capMu         sync.Mutex
	capital       decimal.Decimal
	dailyRealized decimal.Decimal
	peak          decimal.Decimal // highest portfolio value observed

	lastLatency atomic.Int64 // nanoseconds of the most recent submission
}

func New(cfg Config, data market.Data, coord *emergency.Coordinator, storage db.Storage, snk sink.Sink, logger *zap.Logger) *Engine {
	e := &Engine{
		cfg:     cfg,
		data:    data,
		ledger:  position.NewLedger(),
		sim:     sim.New(data, cfg.Sim),
		coord:   coord,
		storage: storage,
		sink:    snk,
		logger:  logger,
		pending: make(map[string]*order.Order),
		capital: cfg.InitialCapital,
		peak:    cfg.InitialCapital,
	}
	e.gate = risk.NewGate(coord.Active)
	return e
}

// SubmitOrder validates, risk-checks, and matches an order. Rejections
// are returned as a structured Result plus the typed cause; they never
// abort the engine. Fills apply to the ledger exactly once.
func (e *Engine) SubmitOrder(ctx context.Context, o *order.Order) (order.Result, error) {
	start := time.Now()
	defer func() { e.lastLatency.Store(int64(time.Since(start))) }()

	if err := o.Validate(); err != nil {
		return rejection(o, err.Error()), err
	}
	if o.ID == "" {
		o.ID = order.NextID()
	}
	o.Status = order.StatusPending
	o.CreatedAt = time.Now().UTC()

	e.emergencyGate.RLock()
	defer e.emergencyGate.RUnlock()

	mark, err := e.data.CurrentPrice(ctx, o.Symbol)
	if err != nil {
		o.Status = order.StatusRejected
		e.persistOrder(ctx, o)
		return rejection(o, "no market price"), fmt.Errorf("submit %s: %w", o.ID, err)
	}

	pos := e.ledger.Get(o.Symbol)
	if err := e.gate.Validate(o, mark, pos, e.ledger.OpenPositions(), e.exposure(ctx), e.cfg.Limits, e.capitalState(ctx)); err != nil {
		o.Status = order.StatusRejected
		e.persistOrder(ctx, o)
		e.journal(ctx, journal.Event{
			Time:        time.Now().UTC(),
			Type:        "rejection",
			Description: err.Error(),
			Data:        map[string]any{"order_id": o.ID, "symbol": o.Symbol},
		})
		return rejection(o, err.Error()), err
	}

	res, matchErr := e.sim.Match(ctx, o)
	switch res.Status {
	case order.StatusFilled:
		return e.applyFill(ctx, o, res)
	case order.StatusPending:
		e.pendingMu.Lock()
		e.pending[o.ID] = o
		e.pendingMu.Unlock()
		e.persistOrder(ctx, o)
		return order.Result{
			OrderID:   o.ID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Status:    order.StatusPending,
			Timestamp: time.Now().UTC(),
		}, nil
	default:
		o.Status = order.StatusRejected
		e.sim.Forget(o.ID)
		e.persistOrder(ctx, o)
		return rejection(o, matchErr.Error()), matchErr
	}
}

// CancelOrder removes a pending order. Terminal orders cannot be
// cancelled.
func (e *Engine) CancelOrder(ctx context.Context, orderID, reason string) error {
	e.pendingMu.Lock()
	o, ok := e.pending[orderID]
	if ok {
		delete(e.pending, orderID)
	}
	e.pendingMu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", orderID, db.ErrNotFound)
	}
	o.Status = order.StatusRejected
	e.sim.Forget(o.ID)
	e.persistOrder(ctx, o)
	e.journal(ctx, journal.CancelEvent(o.ID, reason))
	e.sink.OrderCancelled(o.ID, reason)
	return nil
}

// OnPriceUpdate re-evaluates pending orders for the symbol and checks
// the emergency triggers: a fired stop, stale market data, excessive
// processing latency, a breached risk budget, and low available funds.
func (e *Engine) OnPriceUpdate(ctx context.Context, symbol string) {
	stopFired := e.sweepPending(ctx, symbol)

	switch {
	case stopFired:
		e.shutdown(ctx, "stop-loss triggered for "+symbol)
	case e.staleData(symbol):
		e.shutdown(ctx, "market data stale for "+symbol)
	case e.coord.ExcessiveLatency(time.Duration(e.lastLatency.Load())):
		e.shutdown(ctx, "order processing latency above threshold")
	case e.coord.LowFunds(e.availableFunds()):
		e.shutdown(ctx, "available funds below threshold")
	default:
		if reason, breached := e.riskBreached(ctx); breached {
			e.shutdown(ctx, reason)
		}
	}
}

// riskBreached checks the running portfolio against the configured
// budgets: drawdown from the peak portfolio value, and the daily
// realized loss limit.
func (e *Engine) riskBreached(ctx context.Context) (string, bool) {
	capState := e.capitalState(ctx)

	e.capMu.Lock()
	if capState.PortfolioValue.GreaterThan(e.peak) {
		e.peak = capState.PortfolioValue
	}
	peak := e.peak
	e.capMu.Unlock()

	if e.cfg.Limits.MaxDrawdown.IsPositive() && peak.IsPositive() {
		drawdown := peak.Sub(capState.PortfolioValue)
		budget := e.cfg.Limits.MaxDrawdown.Mul(peak)
		if drawdown.GreaterThan(budget) {
			return fmt.Sprintf("drawdown %s exceeds budget %s against peak %s",
				drawdown, budget, peak), true
		}
	}
	if e.cfg.Limits.DailyLossLimit.IsPositive() &&
		capState.DailyRealized.LessThan(e.cfg.Limits.DailyLossLimit.Neg()) {
		return fmt.Sprintf("daily realized loss %s breaches limit %s",
			capState.DailyRealized, e.cfg.Limits.DailyLossLimit), true
	}
	return "", false
}

// sweepPending matches every pending order on the symbol against the
// new mark. Returns true if a stop-loss order fired.
//
// The sweep works on copies so a concurrent CancelOrder never races
// with the matcher on shared order fields; before a terminal outcome
// is applied the order must still be resident in the pending map, so
// a cancelled order can never also fill.
func (e *Engine) sweepPending(ctx context.Context, symbol string) bool {
	e.emergencyGate.RLock()
	defer e.emergencyGate.RUnlock()

	e.pendingMu.Lock()
	var due []order.Order
	for _, o := range e.pending {
		if o.Symbol == symbol {
			due = append(due, *o)
		}
	}
	e.pendingMu.Unlock()

	stopFired := false
	for i := range due {
		o := &due[i]
		res, err := e.sim.Match(ctx, o)
		if res.Status == order.StatusPending {
			continue
		}
		if !e.takePending(o.ID) {
			// Resolved elsewhere (cancelled) while matching; drop any
			// tracking state the match re-created.
			e.sim.Forget(o.ID)
			continue
		}
		switch res.Status {
		case order.StatusFilled:
			if _, err := e.applyFill(ctx, o, res); err != nil {
				e.logger.Error("pending order fill failed",
					zap.String("order_id", o.ID), zap.Error(err))
				continue
			}
			if o.Type == order.TypeStopLoss {
				stopFired = true
			}
		default:
			o.Status = order.StatusRejected
			e.sim.Forget(o.ID)
			e.persistOrder(ctx, o)
			e.logger.Warn("pending order rejected",
				zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	return stopFired
}

// takePending atomically removes an order from the pending book,
// reporting whether it was still live.
func (e *Engine) takePending(orderID string) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if _, ok := e.pending[orderID]; !ok {
		return false
	}
	delete(e.pending, orderID)
	return true
}

// applyFill is the single path from a matched fill to ledger state.
// The ledger mutation, order record, journal entry, and sink
// notification happen together; a ledger failure leaves nothing
// applied.
func (e *Engine) applyFill(ctx context.Context, o *order.Order, m sim.Result) (order.Result, error) {
	pos, err := e.ledger.ApplyFill(o.Symbol, o.Side, o.Quantity, m.FillPrice)
	if err != nil {
		o.Status = order.StatusRejected
		e.sim.Forget(o.ID)
		e.persistOrder(ctx, o)
		return rejection(o, err.Error()), err
	}

	o.Status = order.StatusFilled
	o.FillPrice = m.FillPrice
	o.Slippage = m.Slippage
	o.TriggerPrice = m.TriggerPrice
	e.sim.Forget(o.ID)

	notional := o.Quantity.Mul(m.FillPrice)
	e.capMu.Lock()
	if o.Side == order.SideBuy {
		e.capital = e.capital.Sub(notional)
	} else {
		e.capital = e.capital.Add(notional)
	}
	if n := len(pos.Trades); n > 0 {
		e.dailyRealized = e.dailyRealized.Add(pos.Trades[n-1].RealizedPnL)
	}
	e.capMu.Unlock()

	if err := e.coord.UpdatePositionLimits(map[string]decimal.Decimal{o.Symbol: pos.Quantity}); err != nil {
		// Normal-operation persistence failures must not corrupt
		// in-memory state; they are logged and the fill stands.
		e.logger.Error("position limit persistence failed",
			zap.String("symbol", o.Symbol), zap.Error(err))
	}

	res := order.Result{
		OrderID:      o.ID,
		Symbol:       o.Symbol,
		Side:         o.Side,
		Status:       order.StatusFilled,
		FilledQty:    o.Quantity,
		FillPrice:    m.FillPrice,
		Slippage:     m.Slippage,
		TriggerPrice: m.TriggerPrice,
		Timestamp:    time.Now().UTC(),
	}
	e.persistOrder(ctx, o)
	e.journal(ctx, journal.FillEvent(res))
	e.sink.OrderFilled(res)
	return res, nil
}

// GetPosition returns the ledger snapshot for a symbol; a zero-value
// position when none exists.
func (e *Engine) GetPosition(symbol string) position.Position {
	return e.ledger.Get(symbol)
}

// UnrealizedPnL marks a position against the current price.
func (e *Engine) UnrealizedPnL(ctx context.Context, symbol string) (decimal.Decimal, error) {
	mark, err := e.data.CurrentPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return e.ledger.UnrealizedPnL(symbol, mark), nil
}

// SystemHealth reports mode, exposure percentages, tracked limits and
// a timestamp.
func (e *Engine) SystemHealth() emergency.Health {
	exposures := make(map[string]decimal.Decimal)
	for _, symbol := range e.ledger.Symbols() {
		exposures[symbol] = e.ledger.Get(symbol).Quantity
	}
	return e.coord.SystemHealth(exposures)
}

// EmergencyShutdown forces the system into emergency mode, cancelling
// all pending orders and liquidating every open position.
func (e *Engine) EmergencyShutdown(ctx context.Context, reason string) error {
	e.emergencyGate.Lock()
	defer e.emergencyGate.Unlock()
	return e.coord.Shutdown(ctx, reason, (*liquidator)(e))
}

// shutdown is the trigger path used from price observation; failures
// are logged because there is no caller to surface them to.
func (e *Engine) shutdown(ctx context.Context, reason string) {
	if e.coord.Active() {
		return
	}
	e.journal(ctx, journal.EmergencyEvent(reason))
	if err := e.EmergencyShutdown(ctx, reason); err != nil {
		e.logger.Error("emergency shutdown failed", zap.String("reason", reason), zap.Error(err))
	}
}

// RestoreNormalOperation attempts to leave emergency mode. It returns
// false when the health verification pass fails.
func (e *Engine) RestoreNormalOperation() bool {
	e.emergencyGate.Lock()
	defer e.emergencyGate.Unlock()
	ok, err := e.coord.RestoreNormalOperation()
	if err != nil {
		e.logger.Error("restore failed", zap.Error(err))
		return false
	}
	return ok
}

// liquidator adapts the engine to the coordinator's shutdown sweep.
// It runs while the emergency gate is write-held, so it must not take
// the read side.
type liquidator Engine

func (l *liquidator) CancelAllOrders(ctx context.Context) int {
	e := (*Engine)(l)
	e.pendingMu.Lock()
	due := make([]*order.Order, 0, len(e.pending))
	for _, o := range e.pending {
		due = append(due, o)
	}
	e.pending = make(map[string]*order.Order)
	e.pendingMu.Unlock()

	for _, o := range due {
		o.Status = order.StatusRejected
		e.sim.Forget(o.ID)
		e.persistOrder(ctx, o)
		e.journal(ctx, journal.CancelEvent(o.ID, "emergency shutdown"))
		e.sink.OrderCancelled(o.ID, "emergency shutdown")
	}
	return len(due)
}

func (l *liquidator) OpenPositions() []string {
	return (*Engine)(l).ledger.Symbols()
}

// LiquidatePosition closes a symbol with a synthesized market sell.
// Already-flat symbols are a no-op so an interrupted sweep can re-run.
func (l *liquidator) LiquidatePosition(ctx context.Context, symbol string) error {
	e := (*Engine)(l)
	pos := e.ledger.Get(symbol)
	if pos.Quantity.IsZero() {
		return nil
	}
	o := &order.Order{
		ID:        order.NextID(),
		Symbol:    symbol,
		Side:      order.SideSell,
		Type:      order.TypeMarket,
		Quantity:  pos.Quantity,
		Status:    order.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	res, err := e.sim.Match(ctx, o)
	if err != nil {
		return fmt.Errorf("liquidate %s: %w", symbol, err)
	}
	if _, err := e.applyFill(ctx, o, res); err != nil {
		return fmt.Errorf("liquidate %s: %w", symbol, err)
	}
	return nil
}

// PendingOrders returns the ids of all live pending orders.
func (e *Engine) PendingOrders() []string {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	out := make([]string, 0, len(e.pending))
	for id := range e.pending {
		out = append(out, id)
	}
	return out
}

func (e *Engine) availableFunds() decimal.Decimal {
	e.capMu.Lock()
	defer e.capMu.Unlock()
	return e.capital
}

func (e *Engine) capitalState(ctx context.Context) risk.Capital {
	e.capMu.Lock()
	capital := e.capital
	realized := e.dailyRealized
	e.capMu.Unlock()
	return risk.Capital{
		Initial:        e.cfg.InitialCapital,
		Current:        capital,
		DailyRealized:  realized,
		PortfolioValue: capital.Add(e.exposure(ctx)),
	}
}

// exposure computes aggregate notional across open positions at
// current marks.
func (e *Engine) exposure(ctx context.Context) decimal.Decimal {
	marks := make(map[string]decimal.Decimal)
	for _, symbol := range e.ledger.Symbols() {
		if mark, err := e.data.CurrentPrice(ctx, symbol); err == nil {
			marks[symbol] = mark
		}
	}
	return e.ledger.TotalExposure(marks)
}

// staleData reports whether any tracked symbol's market data has aged
// past the emergency threshold.
func (e *Engine) staleData(symbol string) bool {
	symbols := append(e.ledger.Symbols(), symbol)
	for _, s := range symbols {
		updated, ok := e.data.LastUpdate(s)
		if !ok {
			continue
		}
		if e.coord.StaleData(time.Since(updated)) {
			return true
		}
	}
	return false
}

// persistOrder writes the order record with bounded retries; failures
// are logged, never propagated, so storage trouble cannot corrupt the
// in-memory book.
func (e *Engine) persistOrder(ctx context.Context, o *order.Order) {
	err := sink.Retry(func() error {
		return e.storage.SaveOrder(ctx, *o)
	}, persistAttempts, 50*time.Millisecond)
	if err != nil {
		e.logger.Error("order persistence failed",
			zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (e *Engine) journal(ctx context.Context, event journal.Event) {
	if err := e.storage.LogEvent(ctx, event); err != nil {
		e.logger.Error("journal write failed",
			zap.String("type", event.Type), zap.Error(err))
	}
}

func rejection(o *order.Order, reason string) order.Result {
	return order.Result{
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Status:    order.StatusRejected,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}
