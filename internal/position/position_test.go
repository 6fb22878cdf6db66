package position

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jplanetx/cryptoj-trader/internal/order"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestLedgerApplyFill(t *testing.T) {
	t.Run("weighted average entry", func(t *testing.T) {
		l := NewLedger()

		pos, err := l.ApplyFill("BTC-USD", order.SideBuy, d("1"), d("50000"))
		require.NoError(t, err)
		require.True(t, pos.AverageEntry.Equal(d("50000")), "avg=%s", pos.AverageEntry)

		pos, err = l.ApplyFill("BTC-USD", order.SideBuy, d("1"), d("52000"))
		require.NoError(t, err)
		require.True(t, pos.Quantity.Equal(d("2")))
		require.True(t, pos.AverageEntry.Equal(d("51000")), "avg=%s", pos.AverageEntry)
		require.True(t, pos.CostBasis.Equal(d("102000")))
	})

	t.Run("sell realizes pnl and keeps average", func(t *testing.T) {
		l := NewLedger()
		mustFill(t, l, order.SideBuy, "1", "50000")
		mustFill(t, l, order.SideBuy, "1", "52000")

		pos, err := l.ApplyFill("BTC-USD", order.SideSell, d("1"), d("54000"))
		require.NoError(t, err)
		require.True(t, pos.RealizedPnL.Equal(d("3000")), "realized=%s", pos.RealizedPnL)
		require.True(t, pos.Quantity.Equal(d("1")))
		require.True(t, pos.AverageEntry.Equal(d("51000")), "avg=%s", pos.AverageEntry)
	})

	t.Run("flat position resets exactly to zero", func(t *testing.T) {
		l := NewLedger()
		mustFill(t, l, order.SideBuy, "0.3", "41234.56")
		mustFill(t, l, order.SideBuy, "0.7", "39876.54")

		pos, err := l.ApplyFill("BTC-USD", order.SideSell, d("1"), d("40000"))
		require.NoError(t, err)
		require.True(t, pos.Quantity.IsZero())
		require.True(t, pos.CostBasis.Equal(decimal.Zero), "cost basis %s", pos.CostBasis)
		require.True(t, pos.AverageEntry.Equal(decimal.Zero))
	})

	t.Run("oversell rejected not clamped", func(t *testing.T) {
		l := NewLedger()
		mustFill(t, l, order.SideBuy, "1", "50000")

		before := l.Get("BTC-USD")
		_, err := l.ApplyFill("BTC-USD", order.SideSell, d("2"), d("50000"))
		require.True(t, errors.Is(err, ErrInsufficientPosition))

		after := l.Get("BTC-USD")
		require.True(t, after.Quantity.Equal(before.Quantity))
		require.True(t, after.CostBasis.Equal(before.CostBasis))
	})

	t.Run("sell with no position rejected", func(t *testing.T) {
		l := NewLedger()
		_, err := l.ApplyFill("ETH-USD", order.SideSell, d("1"), d("2000"))
		require.True(t, errors.Is(err, ErrInsufficientPosition))
	})

	t.Run("non-positive inputs rejected", func(t *testing.T) {
		l := NewLedger()
		_, err := l.ApplyFill("BTC-USD", order.SideBuy, decimal.Zero, d("50000"))
		require.Error(t, err)
		_, err = l.ApplyFill("BTC-USD", order.SideBuy, d("1"), decimal.Zero)
		require.Error(t, err)
	})

	t.Run("quantity conservation over a sequence", func(t *testing.T) {
		l := NewLedger()
		buys := []string{"0.5", "1.25", "0.25"}
		sells := []string{"0.75", "0.5"}
		for _, q := range buys {
			mustFill(t, l, order.SideBuy, q, "30000")
		}
		for _, q := range sells {
			mustFill(t, l, order.SideSell, q, "31000")
		}
		want := d("0.5").Add(d("1.25")).Add(d("0.25")).Sub(d("0.75")).Sub(d("0.5"))
		require.True(t, l.Get("BTC-USD").Quantity.Equal(want))
	})
}

func mustFill(t *testing.T, l *Ledger, side order.Side, qty, price string) {
	t.Helper()
	_, err := l.ApplyFill("BTC-USD", side, d(qty), d(price))
	require.NoError(t, err)
}

func TestLedgerGetZeroValue(t *testing.T) {
	l := NewLedger()
	pos := l.Get("XRP-USD")
	require.Equal(t, "XRP-USD", pos.Symbol)
	require.True(t, pos.Quantity.IsZero())
	require.True(t, pos.UnrealizedPnL(d("1")).IsZero())
}

func TestLedgerUnrealizedPnL(t *testing.T) {
	l := NewLedger()
	mustFill(t, l, order.SideBuy, "2", "50000")
	pnl := l.UnrealizedPnL("BTC-USD", d("51500"))
	require.True(t, pnl.Equal(d("3000")), "pnl=%s", pnl)
}

func TestLedgerExposure(t *testing.T) {
	l := NewLedger()
	mustFill(t, l, order.SideBuy, "1", "50000")
	_, err := l.ApplyFill("ETH-USD", order.SideBuy, d("10"), d("2000"))
	require.NoError(t, err)

	marks := map[string]decimal.Decimal{
		"BTC-USD": d("52000"),
		"ETH-USD": d("1900"),
	}
	require.True(t, l.TotalExposure(marks).Equal(d("71000")))
	require.Equal(t, 2, l.OpenPositions())
}

func TestLedgerConcurrentFills(t *testing.T) {
	l := NewLedger()
	const n = 50

	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.ApplyFill("BTC-USD", order.SideBuy, d("0.1"), d("50000"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	pos := l.Get("BTC-USD")
	require.True(t, pos.Quantity.Equal(d("5")), "qty=%s", pos.Quantity)
	require.True(t, pos.AverageEntry.Equal(d("50000")))
	require.Len(t, pos.Trades, n)
}
