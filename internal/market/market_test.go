package market

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFeedCurrentPrice(t *testing.T) {
	ctx := context.Background()
	f := NewFeed()

	_, err := f.CurrentPrice(ctx, "BTC-USD")
	require.ErrorIs(t, err, ErrUnavailable)

	f.Update("BTC-USD", d("50000"))
	f.Update("BTC-USD", d("50100"))

	price, err := f.CurrentPrice(ctx, "BTC-USD")
	require.NoError(t, err)
	require.True(t, price.Equal(d("50100")), "latest observation wins")

	_, err = f.CurrentPrice(ctx, "ETH-USD")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestFeedHistoryWindow(t *testing.T) {
	ctx := context.Background()
	f := NewFeed()
	for i := 0; i < historyWindow+20; i++ {
		f.Update("BTC-USD", decimal.NewFromInt(int64(50000+i)))
	}

	history := f.PriceHistory(ctx, "BTC-USD")
	require.Len(t, history, historyWindow)
	require.True(t, history[len(history)-1].Equal(decimal.NewFromInt(50119)),
		"window drops the oldest observations")
}

func TestFeedLastUpdate(t *testing.T) {
	f := NewFeed()
	_, ok := f.LastUpdate("BTC-USD")
	require.False(t, ok)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.UpdateAt("BTC-USD", d("50000"), at)

	got, ok := f.LastUpdate("BTC-USD")
	require.True(t, ok)
	require.Equal(t, at, got)
}

func TestVolatility(t *testing.T) {
	t.Run("too short", func(t *testing.T) {
		require.True(t, Volatility(nil).IsZero())
		require.True(t, Volatility([]decimal.Decimal{d("50000")}).IsZero())
	})

	t.Run("flat series is zero", func(t *testing.T) {
		flat := []decimal.Decimal{d("50000"), d("50000"), d("50000")}
		require.True(t, Volatility(flat).IsZero())
	})

	t.Run("choppier series reads higher", func(t *testing.T) {
		calm := []decimal.Decimal{d("50000"), d("50010"), d("50005"), d("50015")}
		wild := []decimal.Decimal{d("50000"), d("51000"), d("49500"), d("51500")}
		require.True(t, Volatility(wild).GreaterThan(Volatility(calm)))
	})

	t.Run("non-positive points skipped", func(t *testing.T) {
		series := []decimal.Decimal{d("50000"), decimal.Zero, d("50000")}
		require.True(t, Volatility(series).IsZero())
	})
}

func TestFeedConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	f := NewFeed()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			f.Update("BTC-USD", decimal.NewFromInt(int64(50000+i)))
		}
	}()
	for i := 0; i < 500; i++ {
		f.CurrentPrice(ctx, "BTC-USD")
		f.PriceHistory(ctx, "BTC-USD")
	}
	<-done
}

func ExampleVolatility() {
	history := []decimal.Decimal{
		decimal.NewFromInt(100),
		decimal.NewFromInt(100),
		decimal.NewFromInt(100),
	}
	fmt.Println(Volatility(history))
	// Output: 0
}
