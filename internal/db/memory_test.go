package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jplanetx/cryptoj-trader/internal/journal"
	"github.com/jplanetx/cryptoj-trader/internal/order"
)

func testOrder(id string, status order.Status) order.Order {
	return order.Order{
		ID:        id,
		Symbol:    "BTC-USD",
		Side:      order.SideBuy,
		Type:      order.TypeLimit,
		Quantity:  decimal.RequireFromString("1.5"),
		LimitPrice: decimal.RequireFromString("50000"),
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

func TestMemoryOrders(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.Error(t, m.SaveOrder(ctx, order.Order{}))

	require.NoError(t, m.SaveOrder(ctx, testOrder("a", order.StatusPending)))
	require.NoError(t, m.SaveOrder(ctx, testOrder("b", order.StatusFilled)))

	got, err := m.GetOrder(ctx, "a")
	require.NoError(t, err)
	require.True(t, got.Quantity.Equal(decimal.RequireFromString("1.5")))

	_, err = m.GetOrder(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound))

	open, err := m.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "a", open[0].ID)

	// Terminal status update removes the order from the open set.
	o := testOrder("a", order.StatusRejected)
	require.NoError(t, m.SaveOrder(ctx, o))
	open, err = m.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestMemoryEvents(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.LogEvent(ctx, journal.Event{Time: base, Type: "fill", Description: "one"}))
	require.NoError(t, m.LogEvent(ctx, journal.Event{Time: base.Add(time.Hour), Type: "cancel", Description: "two"}))

	fills, err := m.GetEvents(ctx, "fill", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, fills, 1)

	all, err := m.GetEvents(ctx, "", base, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "one", all[0].Description)
}
