package order

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-core/pkg/exchanges/common"
)

var btcSpec = common.FilterSpec{
	Symbol:            "BTCUSDT",
	TickSize:          0.01,
	MinNotional:       10,
	StepSize:          0.001,
	MaxPriceDeviation: 0.05,
}

func TestValidateApprovesCompliantOrder(t *testing.T) {
	got, err := Validate(98.90, 1, btcSpec, 98.90)
	require.NoError(t, err)
	assert.Equal(t, AdjustedOrder{Price: 98.9, Quantity: 1, Notional: 98.9}, got)
}

func TestValidateRoundsPriceHalfUp(t *testing.T) {
	tests := []struct {
		raw  float64
		want float64
	}{
		{100.004, 100.00},
		{100.005, 100.01},
		{100.0049, 100.00},
		{99.999, 100.00},
	}
	for _, tt := range tests {
		got, err := Validate(tt.raw, 1, btcSpec, 100)
		if err != nil {
			t.Fatalf("Validate(%v) error: %v", tt.raw, err)
		}
		if got.Price != tt.want {
			t.Fatalf("Validate(%v).Price=%v, expected %v", tt.raw, got.Price, tt.want)
		}
	}
}

func TestValidateScalesQuantityToMinNotional(t *testing.T) {
	got, err := Validate(98.90, 0.05, btcSpec, 98.90)
	require.NoError(t, err)

	// 10 / 98.9 = 0.10111..., next 0.001 step is 0.102
	assert.Equal(t, 0.102, got.Quantity)
	assert.GreaterOrEqual(t, got.Notional, btcSpec.MinNotional)
	steps := got.Quantity / btcSpec.StepSize
	assert.InDelta(t, math.Round(steps), steps, 1e-9, "quantity must be a step multiple")
}

func TestValidateAlignsQuantityToStep(t *testing.T) {
	got, err := Validate(100, 0.12345, btcSpec, 100)
	require.NoError(t, err)
	assert.Equal(t, 0.123, got.Quantity)
	assert.InDelta(t, 12.3, got.Notional, 1e-9)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		price  float64
		qty    float64
		spec   common.FilterSpec
		market float64
		reason Reason
		is     error
	}{
		{
			name: "zero tick", price: 100, qty: 1, market: 100,
			spec:   common.FilterSpec{TickSize: 0, MinNotional: 10, StepSize: 0.001},
			reason: TickSizeViolation, is: ErrTickSizeViolation,
		},
		{
			name: "price below half a tick", price: 0.004, qty: 1, market: 0.004,
			spec:   btcSpec,
			reason: TickSizeViolation, is: ErrTickSizeViolation,
		},
		{
			name: "no step to scale by", price: 100, qty: 0.01, market: 100,
			spec:   common.FilterSpec{TickSize: 0.01, MinNotional: 10},
			reason: MinNotionalUnreachable, is: ErrMinNotionalUnreachable,
		},
		{
			name: "max qty too small", price: 100, qty: 0.01, market: 100,
			spec:   common.FilterSpec{TickSize: 0.01, MinNotional: 10, StepSize: 0.01, MaxQty: 0.05},
			reason: MinNotionalUnreachable, is: ErrMinNotionalUnreachable,
		},
		{
			name: "too far from market", price: 110, qty: 1, market: 100,
			spec:   btcSpec,
			reason: PriceDeviationExceeded, is: ErrPriceDeviationExceeded,
		},
		{
			name: "no market price", price: 100, qty: 1, market: 0,
			spec:   btcSpec,
			reason: PriceDeviationExceeded, is: ErrPriceDeviationExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.price, tt.qty, tt.spec, tt.market)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.is), "got %v", err)
			assert.Equal(t, tt.reason, ReasonOf(err))
		})
	}
}

func TestValidateDeviationDisabled(t *testing.T) {
	spec := btcSpec
	spec.MaxPriceDeviation = 0
	_, err := Validate(150, 1, spec, 100)
	assert.NoError(t, err)
}

func TestValidateIsIdempotent(t *testing.T) {
	inputs := []struct{ price, qty, market float64 }{
		{98.90, 1, 98.90},
		{98.9049, 0.05, 99},
		{101.005, 0.3333, 101},
		{0.5, 3, 0.5},
	}
	for _, in := range inputs {
		first, err := Validate(in.price, in.qty, btcSpec, in.market)
		require.NoError(t, err)
		second, err := Validate(first.Price, first.Quantity, btcSpec, in.market)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		again, err := Validate(in.price, in.qty, btcSpec, in.market)
		require.NoError(t, err)
		assert.Equal(t, first, again, "same input, same output")
	}
}

func TestRoundToTick(t *testing.T) {
	assert.Equal(t, 98.01, RoundToTick(98.01000000000001, 0.01))
	assert.Equal(t, 100.88, RoundToTick(98.9*1.02, 0.01))
	assert.Equal(t, 1.23456, RoundToTick(1.23456, 0))
}
