package perps

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpfi/engine/pkg/types"
)

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
	// yearSeconds converts annualized rates to per-window charges
	yearSeconds = decimal.NewFromInt(365 * 24 * 3600)
)

// FeeEngine holds the pure fee calculators. Every function here is a pure
// function of its inputs so fee math commutes regardless of call order.
type FeeEngine struct {
	cfg *MarketConfig
}

// NewFeeEngine builds a fee engine for one market
func NewFeeEngine(cfg *MarketConfig) *FeeEngine {
	return &FeeEngine{cfg: cfg}
}

// yearFraction converts an elapsed window into a fraction of a year
func yearFraction(elapsed time.Duration) decimal.Decimal {
	return decimal.NewFromInt(int64(elapsed / time.Second)).
		Add(decimal.NewFromInt(int64(elapsed % time.Second)).Div(decimal.NewFromInt(int64(time.Second)))).
		Div(yearSeconds)
}

// TradingFee is charged once on open and on size-increasing updates:
// a rate on notional value plus a rate on locked counter-collateral.
func (f *FeeEngine) TradingFee(notionalInCollateral, counterCollateral decimal.Decimal) decimal.Decimal {
	return notionalInCollateral.Abs().Mul(f.cfg.TradingFeeNotionalRate).
		Add(counterCollateral.Mul(f.cfg.TradingFeeCounterRate))
}

// FundingRate returns the annualized funding rate for longs-to-notional.
// Positive means longs pay shorts. Proportional to the open-interest
// imbalance over sensitivity, capped at the configured max.
func (f *FeeEngine) FundingRate(oi types.OpenInterest) decimal.Decimal {
	total := oi.Long.Add(oi.Short)
	if total.IsZero() {
		return decimal.Zero
	}
	imbalance := oi.Net().Div(total)
	raw := imbalance.Div(f.cfg.FundingRateSensitivity).Mul(f.cfg.FundingRateCap)
	return types.ClampDec(raw, f.cfg.FundingRateCap.Neg(), f.cfg.FundingRateCap)
}

// FundingPayment returns the signed funding charge for one position over an
// elapsed window; positive means the position pays. The short side's rate
// is scaled by the long/short notional ratio so that total payments equal
// total receipts.
func (f *FeeEngine) FundingPayment(notionalSize decimal.Decimal, oi types.OpenInterest, price types.PricePoint, elapsed time.Duration) (decimal.Decimal, error) {
	rate := f.FundingRate(oi)
	if rate.IsZero() || notionalSize.IsZero() {
		return decimal.Zero, nil
	}
	notionalValue := price.NotionalToCollateral(notionalSize.Abs())
	frac := yearFraction(elapsed)

	if notionalSize.IsPositive() {
		return rate.Mul(notionalValue).Mul(frac), nil
	}
	// Shorts receive (or pay, for negative rates) the longs' total pro rata
	if oi.Short.IsZero() {
		return decimal.Zero, types.MarketErr(types.ErrDivideByZero, "short position with zero short open interest")
	}
	scale := oi.Long.Div(oi.Short)
	return rate.Neg().Mul(scale).Mul(notionalValue).Mul(frac), nil
}

// BorrowRate returns the annualized borrow rate, bounded to the configured
// min/max and rising linearly with utilization toward the target
func (f *FeeEngine) BorrowRate(totals types.PoolTotals) decimal.Decimal {
	collateral := totals.Collateral()
	if collateral.IsZero() {
		return f.cfg.BorrowFeeRateMin
	}
	utilization := totals.Locked.Div(collateral)
	scaled := types.MinDec(one, utilization.Div(f.cfg.TargetUtilization))
	spread := f.cfg.BorrowFeeRateMax.Sub(f.cfg.BorrowFeeRateMin)
	return f.cfg.BorrowFeeRateMin.Add(spread.Mul(scaled))
}

// BorrowFee charges the annualized rate on locked counter-collateral over
// an elapsed window
func (f *FeeEngine) BorrowFee(counterCollateral, rate decimal.Decimal, elapsed time.Duration) decimal.Decimal {
	return counterCollateral.Mul(rate).Mul(yearFraction(elapsed))
}

// DeltaNeutralityFee prices a signed notional delta against the current net
// open interest. Positive is a charge, negative a rebate: moving exposure
// away from balance costs, moving it back earns. The quadratic form makes
// the fee commute across any split of the same total delta.
func (f *FeeEngine) DeltaNeutralityFee(netOpenInterest, delta decimal.Decimal, price types.PricePoint) decimal.Decimal {
	if delta.IsZero() {
		return decimal.Zero
	}
	after := netOpenInterest.Add(delta)
	quad := after.Mul(after).Sub(netOpenInterest.Mul(netOpenInterest)).
		Div(two.Mul(f.cfg.DeltaNeutralityFeeSensitivity))
	fee := quad.Mul(f.cfg.DeltaNeutralityFeeCap).Mul(price.PriceNotional)

	// Cap the charge at the configured share of the delta's value
	bound := price.NotionalToCollateral(delta.Abs()).Mul(f.cfg.DeltaNeutralityFeeCap)
	return types.ClampDec(fee, bound.Neg(), bound)
}

// SplitDeltaNeutralityFee divides a positive fee into the fund portion and
// the protocol tax portion
func (f *FeeEngine) SplitDeltaNeutralityFee(fee decimal.Decimal) (fund, tax decimal.Decimal) {
	tax = fee.Mul(f.cfg.DeltaNeutralityFeeTax)
	return fee.Sub(tax), tax
}

// CrankFee is the fixed charge taken from chargeable operations to fund
// crank rewards
func (f *FeeEngine) CrankFee() decimal.Decimal {
	return f.cfg.CrankFeeCharged
}

// LiquidationMargin computes the reserve a position must hold to cover
// worst-case fees until the crank next visits it. Each component is the
// maximum the matching fee could charge over one liquifunding interval plus
// the staleness buffer.
func (f *FeeEngine) LiquidationMargin(pos *types.Position, price types.PricePoint) types.LiquidationMargin {
	window := f.cfg.LiquifundingInterval + f.cfg.StalenessBuffer
	frac := yearFraction(window)
	notionalValue := price.NotionalToCollateral(pos.NotionalSize.Abs())

	return types.LiquidationMargin{
		Borrow:          pos.CounterCollateral.Mul(f.cfg.BorrowFeeRateMax).Mul(frac),
		Funding:         notionalValue.Mul(f.cfg.FundingRateCap).Mul(frac),
		DeltaNeutrality: notionalValue.Mul(f.cfg.DeltaNeutralityFeeCap),
		Crank:           f.cfg.CrankFeeCharged,
	}
}
