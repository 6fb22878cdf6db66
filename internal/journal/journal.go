package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jplanetx/cryptoj-trader/internal/order"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time
	Type        string // e.g., "fill", "cancel", "rejection", "emergency"
	Description string
	Data        map[string]any
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}

// FillEvent records a terminal fill.
func FillEvent(res order.Result) Event {
	return Event{
		Time:        res.Timestamp,
		Type:        "fill",
		Description: fmt.Sprintf("%s %s %s @ %s", res.Side, res.FilledQty, res.Symbol, res.FillPrice),
		Data: map[string]any{
			"order_id":   res.OrderID,
			"symbol":     res.Symbol,
			"side":       string(res.Side),
			"quantity":   res.FilledQty.String(),
			"fill_price": res.FillPrice.String(),
			"slippage":   res.Slippage.String(),
		},
	}
}

// CancelEvent records a pending order cancellation.
func CancelEvent(orderID, reason string) Event {
	return Event{
		Time:        time.Now().UTC(),
		Type:        "cancel",
		Description: fmt.Sprintf("order %s cancelled: %s", orderID, reason),
		Data:        map[string]any{"order_id": orderID, "reason": reason},
	}
}

// EmergencyEvent records an emergency mode transition.
func EmergencyEvent(description string) Event {
	return Event{
		Time:        time.Now().UTC(),
		Type:        "emergency",
		Description: description,
		Data:        map[string]any{},
	}
}
