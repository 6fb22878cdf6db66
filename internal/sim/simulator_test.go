package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jplanetx/cryptoj-trader/internal/market"
	"github.com/jplanetx/cryptoj-trader/internal/order"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newSim(prices ...string) (*Simulator, *market.Feed) {
	feed := market.NewFeed()
	for _, p := range prices {
		feed.Update("BTC-USD", d(p))
	}
	return New(feed, DefaultConfig()), feed
}

func marketOrder(side order.Side) *order.Order {
	return &order.Order{
		ID:       order.NextID(),
		Symbol:   "BTC-USD",
		Side:     side,
		Type:     order.TypeMarket,
		Quantity: d("1"),
		Status:   order.StatusPending,
	}
}

func TestMarketOrder(t *testing.T) {
	t.Run("no market data rejects", func(t *testing.T) {
		s, _ := newSim()
		res, err := s.Match(context.Background(), marketOrder(order.SideBuy))
		require.Equal(t, order.StatusRejected, res.Status)
		require.True(t, errors.Is(err, market.ErrUnavailable))
	})

	t.Run("buy pays at or above mark within cap", func(t *testing.T) {
		s, _ := newSim("50000", "50100", "49900", "50050")
		res, err := s.Match(context.Background(), marketOrder(order.SideBuy))
		require.NoError(t, err)
		require.Equal(t, order.StatusFilled, res.Status)
		require.True(t, res.FillPrice.GreaterThanOrEqual(d("50050")), "fill=%s", res.FillPrice)
		require.True(t, res.Slippage.GreaterThanOrEqual(decimal.Zero))
		require.True(t, res.Slippage.LessThanOrEqual(DefaultConfig().SlippageCap))
	})

	t.Run("sell receives at or below mark", func(t *testing.T) {
		s, _ := newSim("50000", "50100", "49900", "50050")
		res, err := s.Match(context.Background(), marketOrder(order.SideSell))
		require.NoError(t, err)
		require.Equal(t, order.StatusFilled, res.Status)
		require.True(t, res.FillPrice.LessThanOrEqual(d("50050")), "fill=%s", res.FillPrice)
	})

	t.Run("short history falls back to default slippage", func(t *testing.T) {
		s, _ := newSim("50000")
		res, err := s.Match(context.Background(), marketOrder(order.SideBuy))
		require.NoError(t, err)
		require.True(t, res.Slippage.Equal(DefaultConfig().DefaultVolatility))
	})
}

func TestLimitOrder(t *testing.T) {
	limitBuy := func(limit string) *order.Order {
		return &order.Order{
			ID:         order.NextID(),
			Symbol:     "BTC-USD",
			Side:       order.SideBuy,
			Type:       order.TypeLimit,
			Quantity:   d("1"),
			LimitPrice: d(limit),
			Status:     order.StatusPending,
		}
	}

	t.Run("stays pending above limit", func(t *testing.T) {
		s, _ := newSim("50100")
		res, err := s.Match(context.Background(), limitBuy("50000"))
		require.NoError(t, err)
		require.Equal(t, order.StatusPending, res.Status)
	})

	t.Run("fills at the mark not the limit", func(t *testing.T) {
		s, _ := newSim("49900")
		res, err := s.Match(context.Background(), limitBuy("50000"))
		require.NoError(t, err)
		require.Equal(t, order.StatusFilled, res.Status)
		require.True(t, res.FillPrice.Equal(d("49900")), "fill=%s", res.FillPrice)
	})

	t.Run("sell fills when mark at or above limit", func(t *testing.T) {
		s, _ := newSim("50000")
		o := limitBuy("50000")
		o.Side = order.SideSell
		res, err := s.Match(context.Background(), o)
		require.NoError(t, err)
		require.Equal(t, order.StatusFilled, res.Status)
		require.True(t, res.FillPrice.Equal(d("50000")))
	})

	t.Run("limit too far from mark rejects", func(t *testing.T) {
		s, _ := newSim("50000")
		res, err := s.Match(context.Background(), limitBuy("40000"))
		require.Equal(t, order.StatusRejected, res.Status)
		require.True(t, errors.Is(err, ErrLimitTooFar))
	})

	t.Run("resting limit survives adverse drift", func(t *testing.T) {
		ctx := context.Background()
		s, feed := newSim("50100")
		o := limitBuy("50000")

		res, err := s.Match(ctx, o)
		require.NoError(t, err)
		require.Equal(t, order.StatusPending, res.Status)

		// The sanity check is a submission-time guard only; a resting
		// order is not re-screened as the mark moves away.
		feed.Update("BTC-USD", d("56000"))
		res, err = s.Match(ctx, o)
		require.NoError(t, err)
		require.Equal(t, order.StatusPending, res.Status)

		feed.Update("BTC-USD", d("49900"))
		res, err = s.Match(ctx, o)
		require.NoError(t, err)
		require.Equal(t, order.StatusFilled, res.Status)
		require.True(t, res.FillPrice.Equal(d("49900")))
	})
}

func TestStopLoss(t *testing.T) {
	stop := func(price string) *order.Order {
		return &order.Order{
			ID:        order.NextID(),
			Symbol:    "BTC-USD",
			Side:      order.SideSell,
			Type:      order.TypeStopLoss,
			Quantity:  d("1"),
			StopPrice: d(price),
			Status:    order.StatusPending,
		}
	}

	t.Run("fixed stop fires at or below stop price", func(t *testing.T) {
		s, feed := newSim("50000")
		o := stop("48000")

		res, err := s.Match(context.Background(), o)
		require.NoError(t, err)
		require.Equal(t, order.StatusPending, res.Status)

		feed.Update("BTC-USD", d("47900"))
		res, err = s.Match(context.Background(), o)
		require.NoError(t, err)
		require.Equal(t, order.StatusFilled, res.Status)
		require.True(t, res.TriggerPrice.Equal(d("47900")))
		// Closing a long: slippage works against the sell.
		require.True(t, res.FillPrice.LessThanOrEqual(d("47900")))
		require.True(t, res.Slippage.LessThanOrEqual(DefaultConfig().SlippageCap))
	})

	t.Run("trailing stop tightens on new highs", func(t *testing.T) {
		s, feed := newSim("50000")
		o := stop("47500")
		o.Trailing = true
		o.TrailOffset = d("0.05")

		res, err := s.Match(context.Background(), o)
		require.NoError(t, err)
		require.Equal(t, order.StatusPending, res.Status)

		feed.Update("BTC-USD", d("52000"))
		res, err = s.Match(context.Background(), o)
		require.NoError(t, err)
		require.Equal(t, order.StatusPending, res.Status)
		// 52000 * 0.95 = 49400
		require.True(t, o.StopPrice.Equal(d("49400")), "stop=%s", o.StopPrice)

		// A pullback must not loosen the stop.
		feed.Update("BTC-USD", d("50500"))
		res, err = s.Match(context.Background(), o)
		require.NoError(t, err)
		require.Equal(t, order.StatusPending, res.Status)
		require.True(t, o.StopPrice.Equal(d("49400")))

		feed.Update("BTC-USD", d("49300"))
		res, err = s.Match(context.Background(), o)
		require.NoError(t, err)
		require.Equal(t, order.StatusFilled, res.Status)
		require.True(t, res.TriggerPrice.Equal(d("49300")))
	})

	t.Run("buy-side stop fires at or above", func(t *testing.T) {
		s, feed := newSim("50000")
		o := stop("51000")
		o.Side = order.SideBuy

		res, err := s.Match(context.Background(), o)
		require.NoError(t, err)
		require.Equal(t, order.StatusPending, res.Status)

		feed.Update("BTC-USD", d("51200"))
		res, err = s.Match(context.Background(), o)
		require.NoError(t, err)
		require.Equal(t, order.StatusFilled, res.Status)
		// Closing side is a buy: slippage pushes the price up.
		require.True(t, res.FillPrice.GreaterThanOrEqual(d("51200")))
	})

	t.Run("market data loss rejects", func(t *testing.T) {
		s, _ := newSim("50000")
		o := stop("48000")
		o.Symbol = "ETH-USD"
		res, err := s.Match(context.Background(), o)
		require.Equal(t, order.StatusRejected, res.Status)
		require.True(t, errors.Is(err, market.ErrUnavailable))
	})
}

func TestForgetDropsTracking(t *testing.T) {
	s, feed := newSim("50000")
	o := &order.Order{
		ID:          order.NextID(),
		Symbol:      "BTC-USD",
		Side:        order.SideSell,
		Type:        order.TypeStopLoss,
		Quantity:    d("1"),
		StopPrice:   d("40000"),
		Trailing:    true,
		TrailOffset: d("0.05"),
	}
	_, err := s.Match(context.Background(), o)
	require.NoError(t, err)
	s.Forget(o.ID)

	s.mu.Lock()
	_, tracked := s.extremes[o.ID]
	s.mu.Unlock()
	require.False(t, tracked)

	_ = feed
}
