package perps

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpfi/engine/pkg/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testPrice(notional string) types.PricePoint {
	return types.PricePoint{
		Timestamp:     time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		PriceNotional: dec(notional),
		PriceBase:     dec(notional),
		PriceUsd:      decimal.NewFromInt(1),
	}
}

func TestFundingRate(t *testing.T) {
	cfg := DefaultMarketConfig()
	cfg.FundingRateCap = dec("0.90")
	cfg.FundingRateSensitivity = dec("0.50")
	fees := NewFeeEngine(cfg)

	t.Run("balanced book pays nothing", func(t *testing.T) {
		rate := fees.FundingRate(types.OpenInterest{Long: dec("10"), Short: dec("10")})
		assert.True(t, rate.IsZero())
	})

	t.Run("long-heavy book has positive rate", func(t *testing.T) {
		rate := fees.FundingRate(types.OpenInterest{Long: dec("12"), Short: dec("8")})
		assert.True(t, rate.IsPositive())
	})

	t.Run("rate is clamped at the cap", func(t *testing.T) {
		rate := fees.FundingRate(types.OpenInterest{Long: dec("100"), Short: dec("1")})
		assert.True(t, rate.Equal(dec("0.90")))

		rate = fees.FundingRate(types.OpenInterest{Long: dec("1"), Short: dec("100")})
		assert.True(t, rate.Equal(dec("-0.90")))
	})

	t.Run("empty book pays nothing", func(t *testing.T) {
		rate := fees.FundingRate(types.OpenInterest{Long: decimal.Zero, Short: decimal.Zero})
		assert.True(t, rate.IsZero())
	})
}

func TestFundingPaymentSymmetry(t *testing.T) {
	cfg := DefaultMarketConfig()
	fees := NewFeeEngine(cfg)
	price := testPrice("100")
	elapsed := time.Hour

	oi := types.OpenInterest{Long: dec("30"), Short: dec("10")}

	longPay, err := fees.FundingPayment(dec("30"), oi, price, elapsed)
	require.NoError(t, err)
	shortPay, err := fees.FundingPayment(dec("-10"), oi, price, elapsed)
	require.NoError(t, err)

	// Longs pay, shorts receive, and the short side's scaled rate makes
	// the totals cancel exactly
	assert.True(t, longPay.IsPositive())
	assert.True(t, shortPay.IsNegative())
	assert.True(t, longPay.Add(shortPay).IsZero(),
		"long total %s and short total %s should cancel", longPay, shortPay)
}

func TestFundingPaymentZeroShortOI(t *testing.T) {
	cfg := DefaultMarketConfig()
	fees := NewFeeEngine(cfg)
	oi := types.OpenInterest{Long: dec("10"), Short: decimal.Zero}

	_, err := fees.FundingPayment(dec("-5"), oi, testPrice("100"), time.Hour)
	require.Error(t, err)
	assert.True(t, types.ErrIs(err, types.ErrDivideByZero))
}

func TestBorrowRateBounds(t *testing.T) {
	cfg := DefaultMarketConfig()
	cfg.BorrowFeeRateMin = dec("0.02")
	cfg.BorrowFeeRateMax = dec("0.60")
	cfg.TargetUtilization = dec("0.50")
	fees := NewFeeEngine(cfg)

	t.Run("empty pool charges the minimum", func(t *testing.T) {
		rate := fees.BorrowRate(types.PoolTotals{Locked: decimal.Zero, Unlocked: decimal.Zero})
		assert.True(t, rate.Equal(dec("0.02")))
	})

	t.Run("idle pool charges the minimum", func(t *testing.T) {
		rate := fees.BorrowRate(types.PoolTotals{Locked: decimal.Zero, Unlocked: dec("1000")})
		assert.True(t, rate.Equal(dec("0.02")))
	})

	t.Run("target utilization charges the maximum", func(t *testing.T) {
		rate := fees.BorrowRate(types.PoolTotals{Locked: dec("500"), Unlocked: dec("500")})
		assert.True(t, rate.Equal(dec("0.60")))
	})

	t.Run("over-target utilization stays at the maximum", func(t *testing.T) {
		rate := fees.BorrowRate(types.PoolTotals{Locked: dec("900"), Unlocked: dec("100")})
		assert.True(t, rate.Equal(dec("0.60")))
	})

	t.Run("half of target charges the midpoint", func(t *testing.T) {
		rate := fees.BorrowRate(types.PoolTotals{Locked: dec("250"), Unlocked: dec("750")})
		assert.True(t, rate.Equal(dec("0.31")), "got %s", rate)
	})
}

func TestDeltaNeutralityFee(t *testing.T) {
	cfg := DefaultMarketConfig()
	cfg.DeltaNeutralityFeeCap = dec("0.01")
	cfg.DeltaNeutralityFeeSensitivity = dec("1000")
	fees := NewFeeEngine(cfg)
	price := testPrice("100")

	t.Run("zero delta costs nothing", func(t *testing.T) {
		fee := fees.DeltaNeutralityFee(dec("50"), decimal.Zero, price)
		assert.True(t, fee.IsZero())
	})

	t.Run("pushing away from balance costs", func(t *testing.T) {
		fee := fees.DeltaNeutralityFee(dec("50"), dec("10"), price)
		assert.True(t, fee.IsPositive())
	})

	t.Run("pushing toward balance earns", func(t *testing.T) {
		fee := fees.DeltaNeutralityFee(dec("50"), dec("-10"), price)
		assert.True(t, fee.IsNegative())
	})

	t.Run("fee commutes across splits", func(t *testing.T) {
		whole := fees.DeltaNeutralityFee(dec("50"), dec("10"), price)
		first := fees.DeltaNeutralityFee(dec("50"), dec("4"), price)
		second := fees.DeltaNeutralityFee(dec("54"), dec("6"), price)
		assert.True(t, whole.Equal(first.Add(second)),
			"whole %s vs split %s", whole, first.Add(second))
	})

	t.Run("fee is capped at the delta's value share", func(t *testing.T) {
		delta := dec("10")
		fee := fees.DeltaNeutralityFee(dec("1000000"), delta, price)
		bound := price.NotionalToCollateral(delta).Mul(dec("0.01"))
		assert.True(t, fee.Equal(bound), "fee %s should hit bound %s", fee, bound)
	})

	t.Run("tax split", func(t *testing.T) {
		cfg.DeltaNeutralityFeeTax = dec("0.05")
		fund, tax := fees.SplitDeltaNeutralityFee(dec("100"))
		assert.True(t, fund.Equal(dec("95")))
		assert.True(t, tax.Equal(dec("5")))
	})
}

func TestTradingFee(t *testing.T) {
	cfg := DefaultMarketConfig()
	cfg.TradingFeeNotionalRate = dec("0.001")
	cfg.TradingFeeCounterRate = dec("0.0005")
	fees := NewFeeEngine(cfg)

	fee := fees.TradingFee(dec("1000"), dec("500"))
	assert.True(t, fee.Equal(dec("1.25")), "got %s", fee)

	// Notional value is charged on magnitude regardless of sign
	assert.True(t, fees.TradingFee(dec("-1000"), dec("500")).Equal(fee))
}

func TestLiquidationMargin(t *testing.T) {
	cfg := DefaultMarketConfig()
	fees := NewFeeEngine(cfg)
	price := testPrice("100")

	pos := &types.Position{
		NotionalSize:      dec("10"),
		CounterCollateral: dec("500"),
	}
	margin := fees.LiquidationMargin(pos, price)

	assert.True(t, margin.Borrow.IsPositive())
	assert.True(t, margin.Funding.IsPositive())
	assert.True(t, margin.DeltaNeutrality.IsPositive())
	assert.True(t, margin.Crank.Equal(cfg.CrankFeeCharged))
	assert.True(t, margin.Total().GreaterThan(margin.Borrow))
}

func TestYearFraction(t *testing.T) {
	assert.True(t, yearFraction(365*24*time.Hour).Equal(decimal.NewFromInt(1)))
	assert.True(t, yearFraction(0).IsZero())
	half := yearFraction(365 * 12 * time.Hour)
	assert.True(t, half.Equal(dec("0.5")), "got %s", half)
}
