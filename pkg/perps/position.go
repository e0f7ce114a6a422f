package perps

import (
	"encoding/binary"
	"hash/fnv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpfi/engine/pkg/store"
	"github.com/perpfi/engine/pkg/types"
)

const positionSeq = "position"

// SlippageAssert bounds how far the execution price may sit from the price
// the trader saw when signing
type SlippageAssert struct {
	Price     decimal.Decimal `json:"price"`
	Tolerance decimal.Decimal `json:"tolerance"`
}

// OpenParams carries everything an open needs besides the attached deposit
type OpenParams struct {
	Direction types.Direction `json:"direction"`
	Leverage  decimal.Decimal `json:"leverage"`
	MaxGains  types.MaxGains  `json:"max_gains"`

	Slippage           *SlippageAssert  `json:"slippage,omitempty"`
	StopLossOverride   *decimal.Decimal `json:"stop_loss_override,omitempty"`
	TakeProfitOverride *decimal.Decimal `json:"take_profit_override,omitempty"`
}

// PositionEngine implements the position lifecycle: open, the update
// variants, direct close, and the liquifunding settlement the crank drives.
type PositionEngine struct {
	cfg  *MarketConfig
	fees *FeeEngine
	pool *LiquidityPool
}

// NewPositionEngine builds the lifecycle engine for one market
func NewPositionEngine(cfg *MarketConfig, fees *FeeEngine, pool *LiquidityPool) *PositionEngine {
	return &PositionEngine{cfg: cfg, fees: fees, pool: pool}
}

// Open validates the attached deposit and opens a new position at the
// current spot price
func (e *PositionEngine) Open(st *store.Store, ctx *Ctx, params OpenParams) (*types.Position, error) {
	if err := ctx.RequireFunds(); err != nil {
		return nil, err
	}
	price, err := ctx.SpotPrice(st)
	if err != nil {
		return nil, err
	}
	return e.open(st, ctx, ctx.Sender, ctx.Funds, price, params)
}

// open is the shared activation path for direct opens and triggered limit
// orders; owner, deposit and the execution price come from the caller because
// the crank activates orders on behalf of their owners at the price point
// that crossed the trigger, not the latest price.
func (e *PositionEngine) open(st *store.Store, ctx *Ctx, owner string, deposit decimal.Decimal, price types.PricePoint, params OpenParams) (*types.Position, error) {
	if deposit.LessThan(e.cfg.MinDeposit) {
		return nil, types.MarketErr(types.ErrMinDeposit,
			"deposit %s below minimum %s", deposit, e.cfg.MinDeposit)
	}
	if params.Leverage.LessThan(e.cfg.MinLeverage) || params.Leverage.GreaterThan(e.cfg.MaxLeverage) {
		return nil, types.MarketErr(types.ErrMaxLeverage,
			"leverage %s outside [%s, %s]", params.Leverage, e.cfg.MinLeverage, e.cfg.MaxLeverage)
	}

	if err := assertSlippage(params.Slippage, price); err != nil {
		return nil, err
	}

	active, err := types.CheckedSub(deposit, e.fees.CrankFee())
	if err != nil || !active.IsPositive() {
		return nil, types.MarketErr(types.ErrInsufficientMargin,
			"deposit %s cannot cover the crank fee", deposit)
	}

	sign := params.Direction.ToNotional(e.cfg.MarketType)
	notionalSize, err := types.CheckedDiv(active.Mul(params.Leverage).Mul(sign), price.PriceNotional)
	if err != nil {
		return nil, err
	}

	counter, err := e.counterCollateral(active, params.MaxGains, notionalSize, price)
	if err != nil {
		return nil, err
	}
	if err := e.pool.Lock(st, counter); err != nil {
		return nil, err
	}

	id, err := st.Seq.Next(positionSeq)
	if err != nil {
		return nil, err
	}

	pos := &types.Position{
		ID:                id,
		Owner:             owner,
		Direction:         params.Direction,
		ActiveCollateral:  active,
		CounterCollateral: counter,
		NotionalSize:      notionalSize,
		EntryPrice:        price.PriceNotional,
		Leverage:          params.Leverage,
		MaxGains:          params.MaxGains,
		DepositCollateral: deposit,
		CreatedAt:         ctx.BlockTime,
		LiquifundedAt:     price.Timestamp,

		StopLossOverride:   params.StopLossOverride,
		TakeProfitOverride: params.TakeProfitOverride,
	}
	e.scheduleLiquifunding(pos, price.Timestamp)

	// Crank fee funds the scheduler; trading fee pays liquidity providers
	if err := e.creditCrankFund(st, e.fees.CrankFee()); err != nil {
		return nil, err
	}
	pos.Fees.Crank = pos.Fees.Crank.Add(e.fees.CrankFee(), price)

	tradingFee := e.fees.TradingFee(pos.NotionalSizeInCollateral(price), counter)
	pos.ActiveCollateral, err = types.CheckedSub(pos.ActiveCollateral, tradingFee)
	if err != nil {
		return nil, types.MarketErr(types.ErrInsufficientMargin, "deposit cannot cover the trading fee")
	}
	pos.Fees.Trading = pos.Fees.Trading.Add(tradingFee, price)
	if err := e.pool.AccrueYield(st, tradingFee); err != nil {
		return nil, err
	}

	if err := e.chargeDeltaNeutrality(st, pos, notionalSize, price); err != nil {
		return nil, err
	}

	pos.LiquidationMargin = e.fees.LiquidationMargin(pos, price)
	if !pos.ActiveCollateral.GreaterThan(pos.LiquidationMargin.Total()) {
		return nil, types.MarketErr(types.ErrInsufficientMargin,
			"active collateral %s does not exceed required margin %s",
			pos.ActiveCollateral, pos.LiquidationMargin.Total())
	}
	if err := e.validateTriggerOverrides(pos, price); err != nil {
		return nil, err
	}
	pos.Triggers = e.computeTriggers(pos)

	if err := st.Positions.SaveOpen(pos); err != nil {
		return nil, err
	}
	if err := applyOpenInterestDelta(st, decimal.Zero, notionalSize); err != nil {
		return nil, err
	}

	ctx.Emit(PositionOpened{
		PositionID: pos.ID,
		Owner:      owner,
		Direction:  pos.Direction.String(),
		Collateral: pos.ActiveCollateral,
		Leverage:   pos.Leverage,
		Notional:   pos.NotionalSize,
		EntryPrice: pos.EntryPrice,
	})
	return pos, nil
}

// counterCollateral sizes the pool's side of the position from the trader's
// max-gains selection
func (e *PositionEngine) counterCollateral(active decimal.Decimal, mg types.MaxGains, notionalSize decimal.Decimal, price types.PricePoint) (decimal.Decimal, error) {
	if mg.Infinite {
		// Only expressible where the notional asset has a bounded price
		// in collateral terms: collateral-is-base, long-to-notional
		if e.cfg.MarketType != types.CollateralIsBase || !notionalSize.IsPositive() {
			return decimal.Zero, types.MarketErr(types.ErrInvalidMaxGains,
				"infinite max gains requires a collateral-is-base market and a long-to-notional position")
		}
		return price.NotionalToCollateral(notionalSize.Abs()), nil
	}
	if !mg.Ratio.IsPositive() {
		return decimal.Zero, types.MarketErr(types.ErrInvalidMaxGains,
			"max gains ratio must be positive, got %s", mg.Ratio)
	}
	return active.Mul(mg.Ratio), nil
}

// UpdateAddCollateralImpactLeverage adds the attached deposit to active
// collateral, leaving exposure unchanged so leverage falls
func (e *PositionEngine) UpdateAddCollateralImpactLeverage(st *store.Store, ctx *Ctx, id uint64) (*types.Position, error) {
	if err := ctx.RequireFunds(); err != nil {
		return nil, err
	}
	pos, price, err := e.beginUpdate(st, ctx, id)
	if err != nil {
		return nil, err
	}
	pos.ActiveCollateral = pos.ActiveCollateral.Add(ctx.Funds)
	pos.DepositCollateral = pos.DepositCollateral.Add(ctx.Funds)
	return e.finishUpdate(st, ctx, pos, pos.NotionalSize, price)
}

// UpdateAddCollateralImpactSize adds the attached deposit and scales the
// position up proportionally, keeping leverage constant
func (e *PositionEngine) UpdateAddCollateralImpactSize(st *store.Store, ctx *Ctx, id uint64) (*types.Position, error) {
	if err := ctx.RequireFunds(); err != nil {
		return nil, err
	}
	pos, price, err := e.beginUpdate(st, ctx, id)
	if err != nil {
		return nil, err
	}
	oldNotional := pos.NotionalSize
	scale := pos.ActiveCollateral.Add(ctx.Funds).Div(pos.ActiveCollateral)

	pos.ActiveCollateral = pos.ActiveCollateral.Add(ctx.Funds)
	pos.DepositCollateral = pos.DepositCollateral.Add(ctx.Funds)
	pos.NotionalSize = pos.NotionalSize.Mul(scale)

	if err := e.resizeCounter(st, pos, pos.CounterCollateral.Mul(scale)); err != nil {
		return nil, err
	}
	if err := e.chargeSizeIncreaseFee(st, pos, oldNotional, price); err != nil {
		return nil, err
	}
	return e.finishUpdate(st, ctx, pos, oldNotional, price)
}

// UpdateRemoveCollateralImpactLeverage returns amount to the owner, leaving
// exposure unchanged so leverage rises
func (e *PositionEngine) UpdateRemoveCollateralImpactLeverage(st *store.Store, ctx *Ctx, id uint64, amount decimal.Decimal) (*types.Position, error) {
	if err := ctx.RequireNoFunds(); err != nil {
		return nil, err
	}
	if err := types.RequirePositive("amount", amount); err != nil {
		return nil, err
	}
	pos, price, err := e.beginUpdate(st, ctx, id)
	if err != nil {
		return nil, err
	}
	pos.ActiveCollateral, err = types.CheckedSub(pos.ActiveCollateral, amount)
	if err != nil {
		return nil, types.MarketErr(types.ErrInsufficientMargin,
			"cannot remove %s from active collateral %s", amount, pos.ActiveCollateral)
	}
	pos.DepositCollateral = pos.DepositCollateral.Sub(amount)
	ctx.Transfer(pos.Owner, amount)
	return e.finishUpdate(st, ctx, pos, pos.NotionalSize, price)
}

// UpdateRemoveCollateralImpactSize returns amount to the owner and scales
// the position down proportionally, keeping leverage constant
func (e *PositionEngine) UpdateRemoveCollateralImpactSize(st *store.Store, ctx *Ctx, id uint64, amount decimal.Decimal) (*types.Position, error) {
	if err := ctx.RequireNoFunds(); err != nil {
		return nil, err
	}
	if err := types.RequirePositive("amount", amount); err != nil {
		return nil, err
	}
	pos, price, err := e.beginUpdate(st, ctx, id)
	if err != nil {
		return nil, err
	}
	oldNotional := pos.NotionalSize
	remaining, err := types.CheckedSub(pos.ActiveCollateral, amount)
	if err != nil || !remaining.IsPositive() {
		return nil, types.MarketErr(types.ErrInsufficientMargin,
			"cannot remove %s from active collateral %s", amount, pos.ActiveCollateral)
	}
	scale := remaining.Div(pos.ActiveCollateral)

	pos.ActiveCollateral = remaining
	pos.DepositCollateral = pos.DepositCollateral.Sub(amount)
	pos.NotionalSize = pos.NotionalSize.Mul(scale)
	if err := e.resizeCounter(st, pos, pos.CounterCollateral.Mul(scale)); err != nil {
		return nil, err
	}
	ctx.Transfer(pos.Owner, amount)
	return e.finishUpdate(st, ctx, pos, oldNotional, price)
}

// UpdateLeverage retargets exposure to the new leverage at the current
// price, keeping active collateral constant
func (e *PositionEngine) UpdateLeverage(st *store.Store, ctx *Ctx, id uint64, leverage decimal.Decimal) (*types.Position, error) {
	if err := ctx.RequireNoFunds(); err != nil {
		return nil, err
	}
	if leverage.LessThan(e.cfg.MinLeverage) || leverage.GreaterThan(e.cfg.MaxLeverage) {
		return nil, types.MarketErr(types.ErrMaxLeverage,
			"leverage %s outside [%s, %s]", leverage, e.cfg.MinLeverage, e.cfg.MaxLeverage)
	}
	pos, price, err := e.beginUpdate(st, ctx, id)
	if err != nil {
		return nil, err
	}
	oldNotional := pos.NotionalSize
	sign := pos.Direction.ToNotional(e.cfg.MarketType)
	pos.NotionalSize, err = types.CheckedDiv(pos.ActiveCollateral.Mul(leverage).Mul(sign), price.PriceNotional)
	if err != nil {
		return nil, err
	}
	if err := e.chargeSizeIncreaseFee(st, pos, oldNotional, price); err != nil {
		return nil, err
	}
	return e.finishUpdate(st, ctx, pos, oldNotional, price)
}

// UpdateMaxGains resizes the locked counter-collateral to the new cap
func (e *PositionEngine) UpdateMaxGains(st *store.Store, ctx *Ctx, id uint64, mg types.MaxGains) (*types.Position, error) {
	if err := ctx.RequireNoFunds(); err != nil {
		return nil, err
	}
	pos, price, err := e.beginUpdate(st, ctx, id)
	if err != nil {
		return nil, err
	}
	counter, err := e.counterCollateral(pos.ActiveCollateral, mg, pos.NotionalSize, price)
	if err != nil {
		return nil, err
	}
	oldCounter := pos.CounterCollateral
	if err := e.resizeCounter(st, pos, counter); err != nil {
		return nil, err
	}
	pos.MaxGains = mg
	if grown, err2 := types.CheckedSub(pos.CounterCollateral, oldCounter); err2 == nil && grown.IsPositive() {
		fee := e.fees.TradingFee(decimal.Zero, grown)
		if err := e.payTradingFee(st, pos, fee, price); err != nil {
			return nil, err
		}
	}
	return e.finishUpdate(st, ctx, pos, pos.NotionalSize, price)
}

// SetTriggerOrder replaces the stop-loss and take-profit overrides; nil
// clears the matching override
func (e *PositionEngine) SetTriggerOrder(st *store.Store, ctx *Ctx, id uint64, stopLoss, takeProfit *decimal.Decimal) (*types.Position, error) {
	if err := ctx.RequireNoFunds(); err != nil {
		return nil, err
	}
	pos, err := e.ownedOpen(st, ctx, id)
	if err != nil {
		return nil, err
	}
	price, err := ctx.SpotPrice(st)
	if err != nil {
		return nil, err
	}
	pos.StopLossOverride = stopLoss
	pos.TakeProfitOverride = takeProfit
	if err := e.validateTriggerOverrides(pos, price); err != nil {
		return nil, err
	}
	if err := st.Positions.SaveOpen(pos); err != nil {
		return nil, err
	}
	ctx.Emit(PositionUpdated{PositionID: pos.ID, Collateral: pos.ActiveCollateral,
		Leverage: pos.Leverage, Notional: pos.NotionalSize})
	return pos, nil
}

// Close settles a position to the current price and closes it at the
// owner's request
func (e *PositionEngine) Close(st *store.Store, ctx *Ctx, id uint64, slippage *SlippageAssert) (*types.ClosedPosition, error) {
	if err := ctx.RequireNoFunds(); err != nil {
		return nil, err
	}
	pos, err := e.ownedOpen(st, ctx, id)
	if err != nil {
		return nil, err
	}
	price, err := ctx.SpotPrice(st)
	if err != nil {
		return nil, err
	}
	if err := assertSlippage(slippage, price); err != nil {
		return nil, err
	}

	closed, reason, err := e.Liquifund(st, ctx, pos, price, false)
	if err != nil {
		return nil, err
	}
	if closed {
		return e.mustClosed(st, id, reason)
	}
	return e.closeAt(st, ctx, pos, price, types.CloseReasonDirect)
}

// beginUpdate loads an owned position and settles it to the current price
// so the update applies to a fee-current position
func (e *PositionEngine) beginUpdate(st *store.Store, ctx *Ctx, id uint64) (*types.Position, types.PricePoint, error) {
	pos, err := e.ownedOpen(st, ctx, id)
	if err != nil {
		return nil, types.PricePoint{}, err
	}
	price, err := ctx.SpotPrice(st)
	if err != nil {
		return nil, types.PricePoint{}, err
	}
	closed, reason, err := e.Liquifund(st, ctx, pos, price, false)
	if err != nil {
		return nil, types.PricePoint{}, err
	}
	if closed {
		return nil, types.PricePoint{}, types.MarketErr(types.ErrPositionNotFound,
			"position %d closed during settlement (%s)", id, reason)
	}
	return pos, price, nil
}

// finishUpdate recomputes derived fields, revalidates margin and persists
func (e *PositionEngine) finishUpdate(st *store.Store, ctx *Ctx, pos *types.Position, oldNotional decimal.Decimal, price types.PricePoint) (*types.Position, error) {
	notionalValue := pos.NotionalSizeInCollateral(price).Abs()
	var err error
	pos.Leverage, err = types.CheckedDiv(notionalValue, pos.ActiveCollateral)
	if err != nil {
		return nil, err
	}
	if pos.Leverage.GreaterThan(e.cfg.MaxLeverage) {
		return nil, types.MarketErr(types.ErrMaxLeverage,
			"resulting leverage %s exceeds maximum %s", pos.Leverage, e.cfg.MaxLeverage)
	}

	pos.LiquidationMargin = e.fees.LiquidationMargin(pos, price)
	if !pos.ActiveCollateral.GreaterThan(pos.LiquidationMargin.Total()) {
		return nil, types.MarketErr(types.ErrInsufficientMargin,
			"active collateral %s does not exceed required margin %s",
			pos.ActiveCollateral, pos.LiquidationMargin.Total())
	}
	if err := e.validateTriggerOverrides(pos, price); err != nil {
		return nil, err
	}
	// Updates settle against the live price, so the fresh triggers take
	// effect immediately instead of waiting out a pending window
	pos.Triggers = e.computeTriggers(pos)
	pos.Pending = nil

	if err := st.Positions.SaveOpen(pos); err != nil {
		return nil, err
	}
	if err := applyOpenInterestDelta(st, oldNotional, pos.NotionalSize); err != nil {
		return nil, err
	}
	ctx.Emit(PositionUpdated{PositionID: pos.ID, Collateral: pos.ActiveCollateral,
		Leverage: pos.Leverage, Notional: pos.NotionalSize})
	return pos, nil
}

// resizeCounter locks or unlocks pool collateral to match the new
// counter-collateral target
func (e *PositionEngine) resizeCounter(st *store.Store, pos *types.Position, target decimal.Decimal) error {
	if target.GreaterThan(pos.CounterCollateral) {
		if err := e.pool.Lock(st, target.Sub(pos.CounterCollateral)); err != nil {
			return err
		}
	} else if target.LessThan(pos.CounterCollateral) {
		if err := e.pool.Unlock(st, pos.CounterCollateral.Sub(target)); err != nil {
			return err
		}
	}
	pos.CounterCollateral = target
	return nil
}

// chargeSizeIncreaseFee applies the trading fee and the delta-neutrality fee
// for a notional change
func (e *PositionEngine) chargeSizeIncreaseFee(st *store.Store, pos *types.Position, oldNotional decimal.Decimal, price types.PricePoint) error {
	delta := pos.NotionalSize.Sub(oldNotional)
	grown := pos.NotionalSize.Abs().Sub(oldNotional.Abs())
	if grown.IsPositive() {
		fee := e.fees.TradingFee(price.NotionalToCollateral(grown), decimal.Zero)
		if err := e.payTradingFee(st, pos, fee, price); err != nil {
			return err
		}
	}
	return e.chargeDeltaNeutrality(st, pos, delta, price)
}

func (e *PositionEngine) payTradingFee(st *store.Store, pos *types.Position, fee decimal.Decimal, price types.PricePoint) error {
	var err error
	pos.ActiveCollateral, err = types.CheckedSub(pos.ActiveCollateral, fee)
	if err != nil {
		return types.MarketErr(types.ErrInsufficientMargin, "active collateral cannot cover the trading fee")
	}
	pos.Fees.Trading = pos.Fees.Trading.Add(fee, price)
	return e.pool.AccrueYield(st, fee)
}

// chargeDeltaNeutrality prices a notional delta against net open interest
// and settles the charge or rebate against active collateral
func (e *PositionEngine) chargeDeltaNeutrality(st *store.Store, pos *types.Position, delta decimal.Decimal, price types.PricePoint) error {
	if delta.IsZero() {
		return nil
	}
	oi, err := st.Crank.OpenInterest()
	if err != nil {
		return err
	}
	fee := e.fees.DeltaNeutralityFee(oi.Net(), delta, price)

	funds, err := st.Crank.FeeFunds()
	if err != nil {
		return err
	}
	if fee.IsPositive() {
		pos.ActiveCollateral, err = types.CheckedSub(pos.ActiveCollateral, fee)
		if err != nil {
			return types.MarketErr(types.ErrInsufficientMargin,
				"active collateral cannot cover the delta-neutrality fee %s", fee)
		}
		fund, tax := e.fees.SplitDeltaNeutralityFee(fee)
		funds.DeltaNeutrality = funds.DeltaNeutrality.Add(fund)
		funds.Protocol = funds.Protocol.Add(tax)
		pos.Fees.DeltaNeutrality = pos.Fees.DeltaNeutrality.Add(fee, price)
	} else if fee.IsNegative() {
		// Rebates only pay out what the fund holds
		rebate := types.MinDec(fee.Neg(), types.MaxDec(decimal.Zero, funds.DeltaNeutrality))
		pos.ActiveCollateral = pos.ActiveCollateral.Add(rebate)
		funds.DeltaNeutrality = funds.DeltaNeutrality.Sub(rebate)
		pos.Fees.DeltaNeutrality = pos.Fees.DeltaNeutrality.Add(rebate.Neg(), price)
	}
	return st.Crank.SetFeeFunds(funds)
}

// Liquifund settles a position from its last settlement to price: price
// movement against counter-collateral first, then borrow, funding and crank
// fees, then fresh margins and pending trigger prices. Returns closed=true
// when settlement forced the position off the books.
func (e *PositionEngine) Liquifund(st *store.Store, ctx *Ctx, pos *types.Position, price types.PricePoint, chargeCrank bool) (bool, types.CloseReason, error) {
	elapsed := price.Timestamp.Sub(pos.LiquifundedAt)
	if elapsed < 0 {
		return false, "", types.MarketErr(types.ErrInvalidWindow,
			"settlement price at %s precedes last liquifunding %s", price.Timestamp, pos.LiquifundedAt)
	}

	// Price settlement: gains come out of counter-collateral, losses go in
	pnl := pos.NotionalSize.Mul(price.PriceNotional.Sub(pos.EntryPrice))
	if pnl.GreaterThanOrEqual(pos.CounterCollateral) {
		pnl = pos.CounterCollateral
		if err := e.settlePnl(st, pos, pnl); err != nil {
			return false, "", err
		}
		pos.EntryPrice = price.PriceNotional
		_, err := e.closeAt(st, ctx, pos, price, types.CloseReasonMaxGains)
		return true, types.CloseReasonMaxGains, err
	}
	if pnl.Neg().GreaterThanOrEqual(pos.ActiveCollateral) {
		pnl = pos.ActiveCollateral.Neg()
	}
	if err := e.settlePnl(st, pos, pnl); err != nil {
		return false, "", err
	}
	pos.EntryPrice = price.PriceNotional

	// Fees. Each charge caps at the collateral still held, so a wipeout
	// settlement cannot credit fee claims the position never backed.
	chargeable := func(fee decimal.Decimal) decimal.Decimal {
		return types.MinDec(fee, types.MaxDec(decimal.Zero, pos.ActiveCollateral))
	}

	totals, err := st.Liquidity.GetTotals()
	if err != nil {
		return false, "", err
	}
	borrowFee := chargeable(e.fees.BorrowFee(pos.CounterCollateral, e.fees.BorrowRate(totals), elapsed))
	pos.ActiveCollateral = pos.ActiveCollateral.Sub(borrowFee)
	pos.Fees.Borrow = pos.Fees.Borrow.Add(borrowFee, price)
	if err := e.pool.AccrueYield(st, borrowFee); err != nil {
		return false, "", err
	}

	oi, err := st.Crank.OpenInterest()
	if err != nil {
		return false, "", err
	}
	funding, err := e.fees.FundingPayment(pos.NotionalSize, oi, price, elapsed)
	if err != nil {
		return false, "", err
	}
	if funding.IsPositive() {
		funding = chargeable(funding)
	}
	pos.ActiveCollateral = pos.ActiveCollateral.Sub(funding)
	pos.Fees.Funding = pos.Fees.Funding.Add(funding, price)

	funds, err := st.Crank.FeeFunds()
	if err != nil {
		return false, "", err
	}
	funds.Funding = funds.Funding.Add(funding)
	if chargeCrank {
		crankFee := chargeable(e.fees.CrankFee())
		pos.ActiveCollateral = pos.ActiveCollateral.Sub(crankFee)
		pos.Fees.Crank = pos.Fees.Crank.Add(crankFee, price)
		funds.Crank = funds.Crank.Add(crankFee)
	}
	if err := st.Crank.SetFeeFunds(funds); err != nil {
		return false, "", err
	}

	// Margin check after fees; a position that cannot reserve its margin
	// is closed as liquidated at this settlement price
	pos.LiquidationMargin = e.fees.LiquidationMargin(pos, price)
	if pos.ActiveCollateral.LessThanOrEqual(pos.LiquidationMargin.Total()) {
		_, err := e.closeAt(st, ctx, pos, price, types.CloseReasonLiquidated)
		return true, types.CloseReasonLiquidated, err
	}

	pos.LiquifundedAt = price.Timestamp
	e.scheduleLiquifunding(pos, price.Timestamp)
	var errLev error
	if pos.Leverage, errLev = types.CheckedDiv(pos.NotionalSizeInCollateral(price).Abs(), pos.ActiveCollateral); errLev != nil {
		return false, "", errLev
	}

	// New trigger prices sit pending until the crank sees a later price
	// point, so a point never liquidates against margins it produced
	pos.Pending = &types.PendingTriggerPrices{
		Since:    price.Timestamp,
		Triggers: e.computeTriggers(pos),
	}
	return false, "", st.Positions.SaveOpen(pos)
}

// settlePnl moves pnl between the position and the pool's locked bucket
func (e *PositionEngine) settlePnl(st *store.Store, pos *types.Position, pnl decimal.Decimal) error {
	if pnl.IsZero() {
		return nil
	}
	pos.ActiveCollateral = pos.ActiveCollateral.Add(pnl)
	pos.CounterCollateral = pos.CounterCollateral.Sub(pnl)
	if pnl.IsPositive() {
		return e.pool.PayFromLocked(st, pnl)
	}
	return e.pool.AbsorbIntoLocked(st, pnl.Neg())
}

// PromoteTriggers moves pending trigger prices into force
func (e *PositionEngine) PromoteTriggers(st *store.Store, pos *types.Position) error {
	if pos.Pending == nil {
		return nil
	}
	pos.Triggers = pos.Pending.Triggers
	pos.Pending = nil
	return st.Positions.SaveOpen(pos)
}

// CheckTriggered reports whether price crosses any trigger, in priority
// order: liquidation, max gains, stop loss, take profit
func (e *PositionEngine) CheckTriggered(pos *types.Position, price types.PricePoint) (types.CloseReason, bool) {
	long := pos.NotionalSize.IsPositive()
	p := price.PriceNotional

	crossedDown := func(trigger *decimal.Decimal) bool {
		return trigger != nil && ((long && p.LessThanOrEqual(*trigger)) || (!long && p.GreaterThanOrEqual(*trigger)))
	}
	crossedUp := func(trigger *decimal.Decimal) bool {
		return trigger != nil && ((long && p.GreaterThanOrEqual(*trigger)) || (!long && p.LessThanOrEqual(*trigger)))
	}

	switch {
	case crossedDown(pos.Triggers.Liquidation):
		return types.CloseReasonLiquidated, true
	case crossedUp(pos.Triggers.MaxGains):
		return types.CloseReasonMaxGains, true
	case crossedDown(pos.StopLossOverride):
		return types.CloseReasonStopLoss, true
	case crossedUp(pos.TakeProfitOverride):
		return types.CloseReasonTakeProfit, true
	}
	return "", false
}

// closeAt removes a position from the books at the given price, releasing
// pool collateral and returning what remains to the owner
func (e *PositionEngine) closeAt(st *store.Store, ctx *Ctx, pos *types.Position, price types.PricePoint, reason types.CloseReason) (*types.ClosedPosition, error) {
	if pos.CounterCollateral.IsPositive() {
		if err := e.pool.Unlock(st, pos.CounterCollateral); err != nil {
			return nil, err
		}
	}
	returned := types.MaxDec(decimal.Zero, pos.ActiveCollateral)
	ctx.Transfer(pos.Owner, returned)

	cp := &types.ClosedPosition{
		ID:               pos.ID,
		Owner:            pos.Owner,
		Direction:        pos.Direction,
		CreatedAt:        pos.CreatedAt,
		ClosedAt:         ctx.BlockTime,
		Reason:           reason,
		SettlementPrice:  price.PriceNotional,
		ActiveCollateral: returned,
		Deposit:          pos.DepositCollateral,
		PnL:              returned.Sub(pos.DepositCollateral),
		Fees:             pos.Fees,
	}
	if err := st.Positions.SaveClosed(cp); err != nil {
		return nil, err
	}
	if err := st.Positions.DeleteOpen(pos.ID); err != nil {
		return nil, err
	}
	if err := applyOpenInterestDelta(st, pos.NotionalSize, decimal.Zero); err != nil {
		return nil, err
	}
	ctx.Emit(PositionClosed{PositionID: pos.ID, Owner: pos.Owner,
		Reason: reason, PnL: cp.PnL, Returned: returned})
	return cp, nil
}

// scheduleLiquifunding sets the next due time with the deterministic fuzz
// offset that spreads crank load across positions
func (e *PositionEngine) scheduleLiquifunding(pos *types.Position, from time.Time) {
	pos.NextLiquifunding = from.Add(e.cfg.LiquifundingInterval - liquifundFuzz(e.cfg.LiquifundingFuzzMax, from, pos.Owner, pos.ID))
	pos.StaleAt = pos.NextLiquifunding.Add(e.cfg.StalenessBuffer)
}

// liquifundFuzz derives a stable offset in [0, max) from the schedule
// inputs so retries and replays agree on every due time
func liquifundFuzz(max time.Duration, from time.Time, owner string, id uint64) time.Duration {
	if max <= 0 {
		return 0
	}
	h := fnv.New64a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(from.UnixNano()))
	h.Write(buf[:])
	h.Write([]byte(owner))
	binary.BigEndian.PutUint64(buf[:], id)
	h.Write(buf[:])
	return time.Duration(h.Sum64() % uint64(max))
}

// computeTriggers derives the liquidation and max-gains prices from the
// settled position state
func (e *PositionEngine) computeTriggers(pos *types.Position) types.TriggerPrices {
	// liquidation: the price at which losses eat active collateral down
	// to the reserved margin; max gains: where profit exhausts the
	// counter-collateral. Signed notional makes both formulas
	// direction-correct.
	headroom := pos.ActiveCollateral.Sub(pos.LiquidationMargin.Total())
	liq := pos.EntryPrice.Sub(headroom.Div(pos.NotionalSize))
	mg := pos.EntryPrice.Add(pos.CounterCollateral.Div(pos.NotionalSize))

	out := types.TriggerPrices{Liquidation: &liq}
	if !pos.MaxGains.Infinite {
		out.MaxGains = &mg
	}
	return out
}

// validateTriggerOverrides checks stop-loss and take-profit sit on the
// correct side of the current price
func (e *PositionEngine) validateTriggerOverrides(pos *types.Position, price types.PricePoint) error {
	long := pos.NotionalSize.IsPositive()
	p := price.PriceNotional
	if sl := pos.StopLossOverride; sl != nil {
		if (long && !sl.LessThan(p)) || (!long && !sl.GreaterThan(p)) {
			return types.MarketErr(types.ErrInvalidTrigger,
				"stop loss %s on the wrong side of price %s", *sl, p)
		}
	}
	if tp := pos.TakeProfitOverride; tp != nil {
		if (long && !tp.GreaterThan(p)) || (!long && !tp.LessThan(p)) {
			return types.MarketErr(types.ErrInvalidTrigger,
				"take profit %s on the wrong side of price %s", *tp, p)
		}
	}
	return nil
}

// ownedOpen loads an open position and checks the sender owns it
func (e *PositionEngine) ownedOpen(st *store.Store, ctx *Ctx, id uint64) (*types.Position, error) {
	pos, ok, err := st.Positions.GetOpen(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.MarketErr(types.ErrPositionNotFound, "no open position %d", id)
	}
	if pos.Owner != ctx.Sender {
		return nil, types.MarketErr(types.ErrUnauthorized, "position %d is not owned by %s", id, ctx.Sender)
	}
	return pos, nil
}

func (e *PositionEngine) mustClosed(st *store.Store, id uint64, reason types.CloseReason) (*types.ClosedPosition, error) {
	cp, ok, err := st.Positions.GetClosed(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.StoreErr(types.ErrPositionNotFound, "position %d closed (%s) but record missing", id, reason)
	}
	return cp, nil
}

// creditCrankFund adds a collected crank fee to the reward pot
func (e *PositionEngine) creditCrankFund(st *store.Store, fee decimal.Decimal) error {
	funds, err := st.Crank.FeeFunds()
	if err != nil {
		return err
	}
	funds.Crank = funds.Crank.Add(fee)
	return st.Crank.SetFeeFunds(funds)
}

// assertSlippage checks the execution price against the trader's assertion
func assertSlippage(sa *SlippageAssert, price types.PricePoint) error {
	if sa == nil {
		return nil
	}
	bound := sa.Price.Mul(sa.Tolerance)
	if price.PriceNotional.Sub(sa.Price).Abs().GreaterThan(bound) {
		return types.MarketErr(types.ErrSlippage,
			"price %s outside tolerance %s of asserted %s", price.PriceNotional, sa.Tolerance, sa.Price)
	}
	return nil
}

// applyOpenInterestDelta swaps one signed exposure for another in the
// aggregate totals
func applyOpenInterestDelta(st *store.Store, oldNotional, newNotional decimal.Decimal) error {
	oi, err := st.Crank.OpenInterest()
	if err != nil {
		return err
	}
	if oldNotional.IsPositive() {
		oi.Long = oi.Long.Sub(oldNotional)
	} else if oldNotional.IsNegative() {
		oi.Short = oi.Short.Sub(oldNotional.Abs())
	}
	if newNotional.IsPositive() {
		oi.Long = oi.Long.Add(newNotional)
	} else if newNotional.IsNegative() {
		oi.Short = oi.Short.Add(newNotional.Abs())
	}
	return st.Crank.SetOpenInterest(oi)
}
