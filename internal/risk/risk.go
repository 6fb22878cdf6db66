// Package risk implements pre-trade validation against configured
// limits. Checks run in a fixed order and short-circuit on the first
// failure; every rejection carries a stable reason code so callers and
// tests can assert on cause rather than on message text.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/jplanetx/cryptoj-trader/internal/order"
	"github.com/jplanetx/cryptoj-trader/internal/position"
)

// Reason identifies which limit an order violated.
type Reason string

const (
	ReasonEmergencyMode Reason = "EmergencyModeActive"
	ReasonPositionSize  Reason = "PositionSizeExceeded"
	ReasonMaxPositions  Reason = "TooManyPositions"
	ReasonDrawdown      Reason = "DrawdownExceeded"
	ReasonDailyLoss     Reason = "DailyLossExceeded"
	ReasonExposure      Reason = "ExposureExceeded"
)

// RejectionError is returned when an order fails a risk check.
type RejectionError struct {
	Reason  Reason
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("risk limit exceeded (%s): %s", e.Reason, e.Message)
}

func reject(reason Reason, format string, args ...any) error {
	return &RejectionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Limits is the immutable risk configuration snapshot used for one
// validation. It may be replaced wholesale by an administrative
// update, never mutated in place.
type Limits struct {
	MaxPositionSize  decimal.Decimal `yaml:"max_position_size"`
	MaxDrawdown      decimal.Decimal `yaml:"max_drawdown"` // fraction of initial capital
	DailyLossLimit   decimal.Decimal `yaml:"daily_loss_limit"`
	MaxExposure      decimal.Decimal `yaml:"max_exposure"` // fraction of portfolio value
	MinPositionSize  decimal.Decimal `yaml:"min_position_size"`
	MaxOpenPositions int             `yaml:"max_open_positions"`
	RiskPerTrade     decimal.Decimal `yaml:"risk_per_trade"`
}

// Capital is the running capital state the gate validates against.
type Capital struct {
	Initial        decimal.Decimal
	Current        decimal.Decimal // cash on hand
	DailyRealized  decimal.Decimal
	PortfolioValue decimal.Decimal // cash plus open positions at current marks
}

// Gate validates orders against limits and capital state.
type Gate struct {
	emergency func() bool
}

// NewGate creates a gate. emergency reports whether the system is in
// emergency mode; it is consulted first on every validation.
func NewGate(emergency func() bool) *Gate {
	if emergency == nil {
		emergency = func() bool { return false }
	}
	return &Gate{emergency: emergency}
}

// Validate runs the ordered checks for an order at the given mark
// price. pos is the current ledger snapshot for the order's symbol;
// exposure is the aggregate notional across all open positions. A nil
// return admits the order.
func (g *Gate) Validate(o *order.Order, mark decimal.Decimal, pos position.Position, openPositions int, exposure decimal.Decimal, limits Limits, cap Capital) error {
	if g.emergency() {
		return reject(ReasonEmergencyMode, "new orders are not admitted in emergency mode")
	}

	// Projected size after the fill; the boundary is inclusive.
	projected := pos.Quantity
	if o.Side == order.SideBuy {
		projected = projected.Add(o.Quantity)
	} else {
		projected = projected.Sub(o.Quantity)
	}
	if limits.MaxPositionSize.IsPositive() && projected.Abs().GreaterThan(limits.MaxPositionSize) {
		return reject(ReasonPositionSize, "projected size %s exceeds max %s for %s",
			projected, limits.MaxPositionSize, o.Symbol)
	}

	if limits.MaxOpenPositions > 0 && pos.Quantity.IsZero() && o.Side == order.SideBuy &&
		openPositions >= limits.MaxOpenPositions {
		return reject(ReasonMaxPositions, "%d positions open, max %d", openPositions, limits.MaxOpenPositions)
	}

	if limits.MaxDrawdown.IsPositive() && cap.Initial.IsPositive() {
		// Drawdown is realized plus unrealized loss, so it is measured
		// against portfolio value (cash plus marked positions), not
		// cash: capital deployed into a position is not capital lost.
		drawdown := cap.Initial.Sub(cap.PortfolioValue)
		// Worst case for a buy is losing the entire notional; a sell
		// only realizes already-marked losses.
		worstCase := decimal.Zero
		if o.Side == order.SideBuy {
			worstCase = o.Quantity.Mul(mark)
		}
		budget := limits.MaxDrawdown.Mul(cap.Initial)
		if drawdown.Add(worstCase).GreaterThan(budget) {
			return reject(ReasonDrawdown, "drawdown %s plus worst-case loss %s exceeds budget %s",
				drawdown, worstCase, budget)
		}
	}

	if limits.DailyLossLimit.IsPositive() && cap.DailyRealized.LessThan(limits.DailyLossLimit.Neg()) {
		return reject(ReasonDailyLoss, "daily realized pnl %s below -%s", cap.DailyRealized, limits.DailyLossLimit)
	}

	if limits.MaxExposure.IsPositive() && cap.PortfolioValue.IsPositive() && o.Side == order.SideBuy {
		notional := o.Quantity.Mul(mark)
		allowed := limits.MaxExposure.Mul(cap.PortfolioValue)
		if exposure.Add(notional).GreaterThan(allowed) {
			return reject(ReasonExposure, "exposure %s plus notional %s exceeds allowed %s",
				exposure, notional, allowed)
		}
	}

	return nil
}

// PositionSize computes a volatility-scaled order size: the capital at
// risk shrinks as volatility rises, and sizes below the configured
// minimum round down to zero (do not trade).
func PositionSize(accountValue, price, volatility decimal.Decimal, limits Limits) decimal.Decimal {
	if !price.IsPositive() || !accountValue.IsPositive() {
		return decimal.Zero
	}
	riskPerTrade := limits.RiskPerTrade
	if !riskPerTrade.IsPositive() {
		riskPerTrade = decimal.RequireFromString("0.02")
	}
	value := accountValue.Mul(riskPerTrade).Div(decimal.NewFromInt(1).Add(volatility))
	if limits.MaxPositionSize.IsPositive() {
		maxValue := limits.MaxPositionSize.Mul(price)
		value = decimal.Min(value, maxValue)
	}
	size := value.Div(price)
	if limits.MinPositionSize.IsPositive() && size.LessThan(limits.MinPositionSize) {
		return decimal.Zero
	}
	return size
}
