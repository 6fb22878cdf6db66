package order

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestValidate(t *testing.T) {
	base := Order{
		Symbol:   "BTC-USD",
		Side:     SideBuy,
		Type:     TypeMarket,
		Quantity: d("1"),
	}

	tests := []struct {
		name    string
		mutate  func(*Order)
		wantErr bool
	}{
		{"valid market", func(*Order) {}, false},
		{"missing symbol", func(o *Order) { o.Symbol = "" }, true},
		{"bad side", func(o *Order) { o.Side = "long" }, true},
		{"zero quantity", func(o *Order) { o.Quantity = decimal.Zero }, true},
		{"negative quantity", func(o *Order) { o.Quantity = d("-0.5") }, true},
		{"bad type", func(o *Order) { o.Type = "oco" }, true},
		{"limit without price", func(o *Order) { o.Type = TypeLimit }, true},
		{"valid limit", func(o *Order) {
			o.Type = TypeLimit
			o.LimitPrice = d("50000")
		}, false},
		{"stop without price", func(o *Order) { o.Type = TypeStopLoss }, true},
		{"valid stop", func(o *Order) {
			o.Type = TypeStopLoss
			o.StopPrice = d("48000")
		}, false},
		{"trailing offset zero", func(o *Order) {
			o.Type = TypeStopLoss
			o.StopPrice = d("48000")
			o.Trailing = true
		}, true},
		{"trailing offset one", func(o *Order) {
			o.Type = TypeStopLoss
			o.StopPrice = d("48000")
			o.Trailing = true
			o.TrailOffset = d("1")
		}, true},
		{"valid trailing stop", func(o *Order) {
			o.Type = TypeStopLoss
			o.StopPrice = d("48000")
			o.Trailing = true
			o.TrailOffset = d("0.05")
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base
			tt.mutate(&o)
			err := o.Validate()
			if tt.wantErr {
				require.True(t, errors.Is(err, ErrInvalid), "want ErrInvalid, got %v", err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestNextIDMonotonic(t *testing.T) {
	a, b := NextID(), NextID()
	require.NotEqual(t, a, b)
	require.Regexp(t, `^order_\d+$`, a)
}

func TestSideOpposite(t *testing.T) {
	require.Equal(t, SideSell, SideBuy.Opposite())
	require.Equal(t, SideBuy, SideSell.Opposite())
}

func TestStatusTerminal(t *testing.T) {
	require.False(t, StatusPending.Terminal())
	require.True(t, StatusFilled.Terminal())
	require.True(t, StatusRejected.Terminal())
}
