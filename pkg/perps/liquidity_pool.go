package perps

import (
	"github.com/shopspring/decimal"

	"github.com/perpfi/engine/pkg/store"
	"github.com/perpfi/engine/pkg/types"
)

// LiquidityPool manages pooled counter-collateral, LP/xLP share accounting
// and yield distribution. Share price is pool collateral (locked plus
// unlocked) over total shares; an empty pool mints 1:1.
type LiquidityPool struct {
	cfg *MarketConfig
}

// NewLiquidityPool builds the pool service for one market
func NewLiquidityPool(cfg *MarketConfig) *LiquidityPool {
	return &LiquidityPool{cfg: cfg}
}

// SharesToCollateral values shares at the current share price
func (l *LiquidityPool) SharesToCollateral(totals types.PoolTotals, shares decimal.Decimal) (decimal.Decimal, error) {
	total := totals.TotalShares()
	if total.IsZero() {
		return decimal.Zero, types.MarketErr(types.ErrInsufficientShares, "no shares outstanding")
	}
	return totals.Collateral().Mul(shares).Div(total), nil
}

// CollateralToShares computes how many shares a deposit mints
func (l *LiquidityPool) CollateralToShares(totals types.PoolTotals, amount decimal.Decimal) (decimal.Decimal, error) {
	total := totals.TotalShares()
	if total.IsZero() {
		// Empty pool: 1:1
		return amount, nil
	}
	collateral := totals.Collateral()
	if collateral.IsZero() {
		// Shares outstanding but nothing backing them: share price is
		// undefined until the reset drain finishes
		return decimal.Zero, types.MarketErr(types.ErrLiquidityReset,
			"pool collateral exhausted with %s shares outstanding", total)
	}
	return amount.Mul(total).Div(collateral), nil
}

// Deposit adds the attached collateral to the pool, minting LP (or,
// when stakeToXlp is set, xLP) shares to the sender
func (l *LiquidityPool) Deposit(st *store.Store, ctx *Ctx, stakeToXlp bool) (decimal.Decimal, error) {
	if err := ctx.RequireFunds(); err != nil {
		return decimal.Zero, err
	}
	if err := l.requireNoReset(st); err != nil {
		return decimal.Zero, err
	}

	totals, err := st.Liquidity.GetTotals()
	if err != nil {
		return decimal.Zero, err
	}
	shares, err := l.CollateralToShares(totals, ctx.Funds)
	if err != nil {
		return decimal.Zero, err
	}

	provider, _, err := st.Liquidity.GetProvider(ctx.Sender)
	if err != nil {
		return decimal.Zero, err
	}
	provider.Addr = ctx.Sender
	if err := l.settleYield(st, &totals, &provider); err != nil {
		return decimal.Zero, err
	}

	totals.Unlocked = totals.Unlocked.Add(ctx.Funds)
	if stakeToXlp {
		totals.TotalXlp = totals.TotalXlp.Add(shares)
		provider.XlpShares = provider.XlpShares.Add(shares)
	} else {
		totals.TotalLp = totals.TotalLp.Add(shares)
		provider.LpShares = provider.LpShares.Add(shares)
	}
	provider.CooldownEnds = ctx.BlockTime.Add(l.cfg.LiquidityCooldown)

	if err := st.Liquidity.SetTotals(totals); err != nil {
		return decimal.Zero, err
	}
	if err := st.Liquidity.SetProvider(provider); err != nil {
		return decimal.Zero, err
	}
	ctx.Emit(LiquidityDeposited{Provider: ctx.Sender, Amount: ctx.Funds, Shares: shares, Xlp: stakeToXlp})
	return shares, nil
}

// Withdraw burns LP shares for unlocked collateral. A nil amount withdraws
// the sender's full LP balance. xLP must be unstaked and collected first.
func (l *LiquidityPool) Withdraw(st *store.Store, ctx *Ctx, shares *decimal.Decimal) (decimal.Decimal, error) {
	if err := ctx.RequireNoFunds(); err != nil {
		return decimal.Zero, err
	}
	if err := l.requireNoReset(st); err != nil {
		return decimal.Zero, err
	}

	provider, ok, err := st.Liquidity.GetProvider(ctx.Sender)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, types.MarketErr(types.ErrInsufficientShares, "no liquidity for %s", ctx.Sender)
	}
	if ctx.BlockTime.Before(provider.CooldownEnds) {
		return decimal.Zero, types.MarketErr(types.ErrLiquidityCooldown,
			"withdrawal locked until %s", provider.CooldownEnds)
	}

	burn := provider.LpShares
	if shares != nil {
		burn = *shares
	}
	if err := types.RequirePositive("shares", burn); err != nil {
		return decimal.Zero, err
	}
	if burn.GreaterThan(provider.LpShares) {
		return decimal.Zero, types.MarketErr(types.ErrInsufficientShares,
			"withdraw %s exceeds LP balance %s", burn, provider.LpShares)
	}

	totals, err := st.Liquidity.GetTotals()
	if err != nil {
		return decimal.Zero, err
	}
	if err := l.settleYield(st, &totals, &provider); err != nil {
		return decimal.Zero, err
	}

	collateral, err := l.SharesToCollateral(totals, burn)
	if err != nil {
		return decimal.Zero, err
	}
	if collateral.GreaterThan(totals.Unlocked) {
		return decimal.Zero, types.MarketErr(types.ErrInsufficientLiquidity,
			"withdrawal of %s exceeds unlocked pool balance %s", collateral, totals.Unlocked)
	}

	totals.Unlocked = totals.Unlocked.Sub(collateral)
	totals.TotalLp, err = types.CheckedSub(totals.TotalLp, burn)
	if err != nil {
		return decimal.Zero, err
	}
	provider.LpShares = provider.LpShares.Sub(burn)

	if err := st.Liquidity.SetTotals(totals); err != nil {
		return decimal.Zero, err
	}
	if err := st.Liquidity.SetProvider(provider); err != nil {
		return decimal.Zero, err
	}
	if err := l.maybeEnterReset(st, totals); err != nil {
		return decimal.Zero, err
	}

	ctx.Transfer(ctx.Sender, collateral)
	ctx.Emit(LiquidityWithdrawn{Provider: ctx.Sender, Amount: collateral, Shares: burn})
	return collateral, nil
}

// ClaimYield pays out the sender's accrued yield
func (l *LiquidityPool) ClaimYield(st *store.Store, ctx *Ctx) (decimal.Decimal, error) {
	if err := ctx.RequireNoFunds(); err != nil {
		return decimal.Zero, err
	}
	provider, ok, err := st.Liquidity.GetProvider(ctx.Sender)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, types.MarketErr(types.ErrNothingToCollect, "no liquidity for %s", ctx.Sender)
	}
	totals, err := st.Liquidity.GetTotals()
	if err != nil {
		return decimal.Zero, err
	}
	if err := l.settleYield(st, &totals, &provider); err != nil {
		return decimal.Zero, err
	}
	yield := provider.PendingYield
	if !yield.IsPositive() {
		return decimal.Zero, types.MarketErr(types.ErrNothingToCollect, "no yield accrued")
	}
	provider.PendingYield = decimal.Zero
	if err := st.Liquidity.SetProvider(provider); err != nil {
		return decimal.Zero, err
	}
	ctx.Transfer(ctx.Sender, yield)
	ctx.Emit(YieldClaimed{Provider: ctx.Sender, Amount: yield})
	return yield, nil
}

// StakeLp converts LP shares into xLP 1:1. A nil amount stakes everything.
func (l *LiquidityPool) StakeLp(st *store.Store, ctx *Ctx, amount *decimal.Decimal) error {
	if err := ctx.RequireNoFunds(); err != nil {
		return err
	}
	provider, ok, err := st.Liquidity.GetProvider(ctx.Sender)
	if err != nil {
		return err
	}
	if !ok {
		return types.MarketErr(types.ErrInsufficientShares, "no liquidity for %s", ctx.Sender)
	}
	stake := provider.LpShares
	if amount != nil {
		stake = *amount
	}
	if err := types.RequirePositive("shares", stake); err != nil {
		return err
	}
	if stake.GreaterThan(provider.LpShares) {
		return types.MarketErr(types.ErrInsufficientShares, "stake %s exceeds LP balance %s", stake, provider.LpShares)
	}

	totals, err := st.Liquidity.GetTotals()
	if err != nil {
		return err
	}
	if err := l.settleYield(st, &totals, &provider); err != nil {
		return err
	}

	provider.LpShares = provider.LpShares.Sub(stake)
	provider.XlpShares = provider.XlpShares.Add(stake)
	totals.TotalLp = totals.TotalLp.Sub(stake)
	totals.TotalXlp = totals.TotalXlp.Add(stake)

	if err := st.Liquidity.SetTotals(totals); err != nil {
		return err
	}
	if err := st.Liquidity.SetProvider(provider); err != nil {
		return err
	}
	ctx.Emit(LpStaked{Provider: ctx.Sender, Amount: stake})
	return nil
}

// UnstakeXlp begins a linear unstake of xLP back to LP over the configured
// period. Any previously matured portion is collected first; the remainder
// joins the new unstake.
func (l *LiquidityPool) UnstakeXlp(st *store.Store, ctx *Ctx, amount *decimal.Decimal) error {
	if err := ctx.RequireNoFunds(); err != nil {
		return err
	}
	provider, ok, err := st.Liquidity.GetProvider(ctx.Sender)
	if err != nil {
		return err
	}
	if !ok {
		return types.MarketErr(types.ErrInsufficientShares, "no liquidity for %s", ctx.Sender)
	}
	totals, err := st.Liquidity.GetTotals()
	if err != nil {
		return err
	}
	if err := l.settleYield(st, &totals, &provider); err != nil {
		return err
	}
	if err := l.collectMatured(ctx, &totals, &provider); err != nil {
		return err
	}

	unstake := provider.XlpShares
	if amount != nil {
		unstake = *amount
	}
	if err := types.RequirePositive("shares", unstake); err != nil {
		return err
	}
	if unstake.GreaterThan(provider.XlpShares) {
		return types.MarketErr(types.ErrInsufficientShares,
			"unstake %s exceeds xLP balance %s", unstake, provider.XlpShares)
	}

	provider.XlpShares = provider.XlpShares.Sub(unstake)
	remaining := provider.UnstakingXlp.Sub(provider.UnstakingCollected)
	provider.UnstakingXlp = remaining.Add(unstake)
	provider.UnstakingCollected = decimal.Zero
	provider.UnstakingStarted = ctx.BlockTime
	provider.UnstakingEnds = ctx.BlockTime.Add(l.cfg.UnstakePeriod)

	if err := st.Liquidity.SetTotals(totals); err != nil {
		return err
	}
	if err := st.Liquidity.SetProvider(provider); err != nil {
		return err
	}
	ctx.Emit(XlpUnstakeStarted{Provider: ctx.Sender, Amount: unstake, Ends: provider.UnstakingEnds})
	return nil
}

// CollectUnstakedLp claims the matured portion of an unstake in progress
func (l *LiquidityPool) CollectUnstakedLp(st *store.Store, ctx *Ctx) error {
	if err := ctx.RequireNoFunds(); err != nil {
		return err
	}
	provider, ok, err := st.Liquidity.GetProvider(ctx.Sender)
	if err != nil {
		return err
	}
	if !ok || provider.UnstakingXlp.IsZero() {
		return types.MarketErr(types.ErrNothingToCollect, "no unstake in progress")
	}
	totals, err := st.Liquidity.GetTotals()
	if err != nil {
		return err
	}
	if err := l.settleYield(st, &totals, &provider); err != nil {
		return err
	}
	before := provider.UnstakingCollected
	if err := l.collectMatured(ctx, &totals, &provider); err != nil {
		return err
	}
	if provider.UnstakingCollected.Equal(before) && !provider.UnstakingXlp.IsZero() {
		return types.MarketErr(types.ErrNothingToCollect, "nothing matured yet")
	}
	if err := st.Liquidity.SetTotals(totals); err != nil {
		return err
	}
	return st.Liquidity.SetProvider(provider)
}

// collectMatured moves the matured slice of an unstake from xLP to LP
func (l *LiquidityPool) collectMatured(ctx *Ctx, totals *types.PoolTotals, provider *types.ProviderStats) error {
	if provider.UnstakingXlp.IsZero() {
		return nil
	}
	period := provider.UnstakingEnds.Sub(provider.UnstakingStarted)
	if period <= 0 {
		return types.MarketErr(types.ErrInvalidWindow, "unstake period is empty")
	}
	elapsed := ctx.BlockTime.Sub(provider.UnstakingStarted)
	fraction := decimal.NewFromInt(1)
	if elapsed < period {
		fraction = decimal.NewFromInt(int64(elapsed)).Div(decimal.NewFromInt(int64(period)))
		if fraction.IsNegative() {
			fraction = decimal.Zero
		}
	}
	matured := provider.UnstakingXlp.Mul(fraction)
	newlyMatured := matured.Sub(provider.UnstakingCollected)
	if !newlyMatured.IsPositive() {
		return nil
	}

	provider.UnstakingCollected = matured
	provider.LpShares = provider.LpShares.Add(newlyMatured)
	totals.TotalXlp = totals.TotalXlp.Sub(newlyMatured)
	totals.TotalLp = totals.TotalLp.Add(newlyMatured)
	if provider.UnstakingCollected.GreaterThanOrEqual(provider.UnstakingXlp) {
		provider.UnstakingXlp = decimal.Zero
		provider.UnstakingCollected = decimal.Zero
	}
	ctx.Emit(UnstakedLpCollected{Provider: provider.Addr, Amount: newlyMatured})
	return nil
}

// Lock moves unlocked pool collateral into the locked bucket backing a
// position's counter-collateral
func (l *LiquidityPool) Lock(st *store.Store, amount decimal.Decimal) error {
	totals, err := st.Liquidity.GetTotals()
	if err != nil {
		return err
	}
	if amount.GreaterThan(totals.Unlocked) {
		return types.MarketErr(types.ErrInsufficientLiquidity,
			"cannot lock %s: only %s unlocked", amount, totals.Unlocked)
	}
	totals.Unlocked = totals.Unlocked.Sub(amount)
	totals.Locked = totals.Locked.Add(amount)
	return st.Liquidity.SetTotals(totals)
}

// Unlock releases counter-collateral back to the unlocked bucket
func (l *LiquidityPool) Unlock(st *store.Store, amount decimal.Decimal) error {
	totals, err := st.Liquidity.GetTotals()
	if err != nil {
		return err
	}
	totals.Locked, err = types.CheckedSub(totals.Locked, amount)
	if err != nil {
		return err
	}
	totals.Unlocked = totals.Unlocked.Add(amount)
	return st.Liquidity.SetTotals(totals)
}

// PayFromLocked pays trader profit out of locked counter-collateral,
// shrinking the pool. Entering reset is checked here because this is the
// only path that can drain the pool to zero.
func (l *LiquidityPool) PayFromLocked(st *store.Store, amount decimal.Decimal) error {
	totals, err := st.Liquidity.GetTotals()
	if err != nil {
		return err
	}
	totals.Locked, err = types.CheckedSub(totals.Locked, amount)
	if err != nil {
		return err
	}
	if err := st.Liquidity.SetTotals(totals); err != nil {
		return err
	}
	return l.maybeEnterReset(st, totals)
}

// AbsorbIntoLocked grows locked counter-collateral with trader losses
func (l *LiquidityPool) AbsorbIntoLocked(st *store.Store, amount decimal.Decimal) error {
	totals, err := st.Liquidity.GetTotals()
	if err != nil {
		return err
	}
	totals.Locked = totals.Locked.Add(amount)
	return st.Liquidity.SetTotals(totals)
}

// AccrueYield distributes collateral to share holders through the pool-wide
// yield indexes, with xLP weighted by the configured multiplier. Yield with
// no shares to receive it falls to the protocol balance.
func (l *LiquidityPool) AccrueYield(st *store.Store, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	totals, err := st.Liquidity.GetTotals()
	if err != nil {
		return err
	}
	weighted := totals.TotalLp.Add(totals.TotalXlp.Mul(l.cfg.XlpYieldMultiplier))
	if weighted.IsZero() {
		funds, err := st.Crank.FeeFunds()
		if err != nil {
			return err
		}
		funds.Protocol = funds.Protocol.Add(amount)
		return st.Crank.SetFeeFunds(funds)
	}

	indexes, err := st.Liquidity.GetYieldIndexes()
	if err != nil {
		return err
	}
	perWeight := amount.Div(weighted)
	indexes.Lp = indexes.Lp.Add(perWeight)
	indexes.Xlp = indexes.Xlp.Add(perWeight.Mul(l.cfg.XlpYieldMultiplier))
	return st.Liquidity.SetYieldIndexes(indexes)
}

// settleYield accrues a provider's share of yield-index growth into their
// pending balance. Must run before any share balance changes.
func (l *LiquidityPool) settleYield(st *store.Store, totals *types.PoolTotals, provider *types.ProviderStats) error {
	indexes, err := st.Liquidity.GetYieldIndexes()
	if err != nil {
		return err
	}
	lpAccrued := provider.LpShares.Mul(indexes.Lp.Sub(provider.LpYieldIndex))
	xlpAccrued := provider.XlpShares.Add(provider.UnstakingXlp.Sub(provider.UnstakingCollected)).
		Mul(indexes.Xlp.Sub(provider.XlpYieldIndex))
	provider.PendingYield = provider.PendingYield.Add(lpAccrued).Add(xlpAccrued)
	provider.LpYieldIndex = indexes.Lp
	provider.XlpYieldIndex = indexes.Xlp
	return nil
}

// requireNoReset blocks share operations while a reset drain is running
func (l *LiquidityPool) requireNoReset(st *store.Store) error {
	reset, err := st.Liquidity.ResetInProgress()
	if err != nil {
		return err
	}
	if reset {
		return types.MarketErr(types.ErrLiquidityReset, "pool reset in progress; crank to completion first")
	}
	return nil
}

// maybeEnterReset flips the reset flag when the pool is fully drained but
// shares remain outstanding, protecting share pricing from division by zero
func (l *LiquidityPool) maybeEnterReset(st *store.Store, totals types.PoolTotals) error {
	if totals.Collateral().IsZero() && totals.TotalShares().IsPositive() {
		return st.Liquidity.SetResetInProgress(true)
	}
	return nil
}

// ResetNextProvider zeroes the next provider record in address order,
// returning done once none remain and normal operation may resume
func (l *LiquidityPool) ResetNextProvider(st *store.Store) (string, bool, error) {
	provider, ok, err := st.Liquidity.FirstProvider()
	if err != nil {
		return "", false, err
	}
	if !ok {
		totals, err := st.Liquidity.GetTotals()
		if err != nil {
			return "", false, err
		}
		totals.TotalLp = decimal.Zero
		totals.TotalXlp = decimal.Zero
		if err := st.Liquidity.SetTotals(totals); err != nil {
			return "", false, err
		}
		if err := st.Liquidity.SetYieldIndexes(store.YieldIndexes{Lp: decimal.Zero, Xlp: decimal.Zero}); err != nil {
			return "", false, err
		}
		return "", true, st.Liquidity.SetResetInProgress(false)
	}

	zeroed := types.ProviderStats{Addr: provider.Addr,
		LpShares: decimal.Zero, XlpShares: decimal.Zero,
		UnstakingXlp: decimal.Zero, UnstakingCollected: decimal.Zero,
		PendingYield: decimal.Zero,
	}
	return provider.Addr, false, st.Liquidity.SetProvider(zeroed)
}
