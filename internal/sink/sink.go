// Package sink
package sink

import (
	"time"

	"go.uber.org/zap"

	"github.com/jplanetx/cryptoj-trader/internal/order"
)

// Sink receives terminal fill/cancel notifications for bookkeeping
// outside the engine core. Optional in simulation mode.
type Sink interface {
	OrderFilled(res order.Result)
	OrderCancelled(orderID, reason string)
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) OrderFilled(res order.Result) {
	s.logger.Info("order filled",
		zap.String("order_id", res.OrderID),
		zap.String("symbol", res.Symbol),
		zap.String("side", string(res.Side)),
		zap.String("quantity", res.FilledQty.String()),
		zap.String("fill_price", res.FillPrice.String()),
		zap.String("slippage", res.Slippage.String()))
}

func (s *LogSink) OrderCancelled(orderID, reason string) {
	s.logger.Info("order cancelled",
		zap.String("order_id", orderID),
		zap.String("reason", reason))
}

// NopSink discards all notifications.
type NopSink struct{}

func (NopSink) OrderFilled(order.Result)      {}
func (NopSink) OrderCancelled(string, string) {}

// Retry runs action up to attempts times with a fixed delay between
// tries, returning the last error.
func Retry(action func() error, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = action(); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return err
}
