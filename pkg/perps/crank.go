package perps

import (
	"github.com/shopspring/decimal"

	"github.com/perpfi/engine/pkg/store"
	"github.com/perpfi/engine/pkg/types"
)

// Crank turns stored state into the single next unit of time-dependent work
// and executes it. Work is never persisted: selection is a pure function of
// state, so any number of crankers agree on what comes next.
type Crank struct {
	cfg       *MarketConfig
	positions *PositionEngine
	orders    *OrderEngine
	pool      *LiquidityPool
}

// NewCrank builds the scheduler for one market
func NewCrank(cfg *MarketConfig, positions *PositionEngine, orders *OrderEngine, pool *LiquidityPool) *Crank {
	return &Crank{cfg: cfg, positions: positions, orders: orders, pool: pool}
}

// NextWork selects the next work unit, in priority order: the close-all
// kill switch, a pool reset drain, then the earliest unprocessed price
// point's due liquifundings, pending-trigger promotions, liquidations and
// limit orders, and finally marking that point completed. ok is false when
// the market is fully caught up.
func (c *Crank) NextWork(st *store.Store) (types.CrankWork, bool, error) {
	closeAll, err := st.Crank.CloseAllTriggered()
	if err != nil {
		return types.CrankWork{}, false, err
	}
	if closeAll {
		pos, found, err := st.Positions.FirstOpen()
		if err != nil {
			return types.CrankWork{}, false, err
		}
		if found {
			return types.CrankWork{Kind: types.WorkCloseAllPositions, PositionID: pos.ID,
				Reason: types.CloseReasonCloseAll}, true, nil
		}
	}

	reset, err := st.Liquidity.ResetInProgress()
	if err != nil {
		return types.CrankWork{}, false, err
	}
	if reset {
		provider, _, err := st.Liquidity.FirstProvider()
		if err != nil {
			return types.CrankWork{}, false, err
		}
		return types.CrankWork{Kind: types.WorkResetLpBalances, Provider: provider.Addr}, true, nil
	}

	watermark, err := st.Crank.Watermark()
	if err != nil {
		return types.CrankWork{}, false, err
	}
	pp, found, err := st.Prices.NextAfter(watermark)
	if err != nil || !found {
		return types.CrankWork{}, false, err
	}

	if id, due, err := st.Positions.FirstDue(pp.Timestamp); err != nil {
		return types.CrankWork{}, false, err
	} else if due {
		return types.CrankWork{Kind: types.WorkLiquifund, PositionID: id,
			PriceTimestamp: pp.Timestamp}, true, nil
	}

	if id, pending, err := st.Positions.FirstPending(pp.Timestamp); err != nil {
		return types.CrankWork{}, false, err
	} else if pending {
		return types.CrankWork{Kind: types.WorkUnpendTriggers, PositionID: id,
			PriceTimestamp: pp.Timestamp}, true, nil
	}

	if id, reason, triggered, err := c.firstTriggeredPosition(st, pp); err != nil {
		return types.CrankWork{}, false, err
	} else if triggered {
		return types.CrankWork{Kind: types.WorkLiquidation, PositionID: id, Reason: reason,
			PriceTimestamp: pp.Timestamp}, true, nil
	}

	if order, triggered, err := c.orders.FirstTriggered(st, pp); err != nil {
		return types.CrankWork{}, false, err
	} else if triggered {
		return types.CrankWork{Kind: types.WorkLimitOrder, OrderID: order.OrderID,
			PriceTimestamp: pp.Timestamp}, true, nil
	}

	return types.CrankWork{Kind: types.WorkCompleted, PriceTimestamp: pp.Timestamp}, true, nil
}

func (c *Crank) firstTriggeredPosition(st *store.Store, pp types.PricePoint) (uint64, types.CloseReason, bool, error) {
	var (
		id     uint64
		reason types.CloseReason
		found  bool
	)
	err := st.Positions.IterateOpen(func(pos *types.Position) (bool, error) {
		// A point older than the position's last settlement cannot
		// liquidate it
		if pos.LiquifundedAt.After(pp.Timestamp) {
			return true, nil
		}
		if r, hit := c.positions.CheckTriggered(pos, pp); hit {
			id, reason, found = pos.ID, r, true
			return false, nil
		}
		return true, nil
	})
	return id, reason, found, err
}

// Apply executes one work unit
func (c *Crank) Apply(st *store.Store, ctx *Ctx, work types.CrankWork) error {
	switch work.Kind {
	case types.WorkCloseAllPositions:
		return c.applyCloseAll(st, ctx, work.PositionID)
	case types.WorkResetLpBalances:
		_, _, err := c.pool.ResetNextProvider(st)
		return err
	case types.WorkLiquifund:
		return c.applyLiquifund(st, ctx, work)
	case types.WorkUnpendTriggers:
		return c.applyUnpend(st, work.PositionID)
	case types.WorkLiquidation:
		return c.applyLiquidation(st, ctx, work)
	case types.WorkLimitOrder:
		return c.applyLimitOrder(st, ctx, work)
	case types.WorkCompleted:
		return st.Crank.SetWatermark(work.PriceTimestamp)
	}
	return types.MarketErr(types.ErrConversion, "unknown crank work kind %q", work.Kind)
}

func (c *Crank) applyCloseAll(st *store.Store, ctx *Ctx, id uint64) error {
	pos, ok, err := st.Positions.GetOpen(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	price, err := ctx.SpotPrice(st)
	if err != nil {
		return err
	}
	closed, _, err := c.positions.Liquifund(st, ctx, pos, price, true)
	if err != nil {
		return err
	}
	if !closed {
		if _, err := c.positions.closeAt(st, ctx, pos, price, types.CloseReasonCloseAll); err != nil {
			return err
		}
	}
	// Last one out clears the kill switch
	remaining, err := st.Positions.OpenCount()
	if err != nil {
		return err
	}
	if remaining == 0 {
		return st.Crank.SetCloseAllTriggered(false)
	}
	return nil
}

func (c *Crank) applyLiquifund(st *store.Store, ctx *Ctx, work types.CrankWork) error {
	pos, ok, err := st.Positions.GetOpen(work.PositionID)
	if err != nil || !ok {
		return err
	}
	pp, found, err := st.Prices.LatestAsOf(work.PriceTimestamp)
	if err != nil {
		return err
	}
	if !found {
		return types.MarketErr(types.ErrPriceNotFound, "no price as of %s", work.PriceTimestamp)
	}
	_, _, err = c.positions.Liquifund(st, ctx, pos, pp, true)
	return err
}

func (c *Crank) applyUnpend(st *store.Store, id uint64) error {
	pos, ok, err := st.Positions.GetOpen(id)
	if err != nil || !ok {
		return err
	}
	return c.positions.PromoteTriggers(st, pos)
}

func (c *Crank) applyLiquidation(st *store.Store, ctx *Ctx, work types.CrankWork) error {
	pos, ok, err := st.Positions.GetOpen(work.PositionID)
	if err != nil || !ok {
		return err
	}
	pp, found, err := st.Prices.LatestAsOf(work.PriceTimestamp)
	if err != nil {
		return err
	}
	if !found {
		return types.MarketErr(types.ErrPriceNotFound, "no price as of %s", work.PriceTimestamp)
	}
	// Settling first clamps the pnl transfer to what each side can pay;
	// the settlement itself may close the position with its own reason
	closed, _, err := c.positions.Liquifund(st, ctx, pos, pp, true)
	if err != nil || closed {
		return err
	}
	reason := work.Reason
	if reason == "" {
		reason = types.CloseReasonLiquidated
	}
	_, err = c.positions.closeAt(st, ctx, pos, pp, reason)
	return err
}

func (c *Crank) applyLimitOrder(st *store.Store, ctx *Ctx, work types.CrankWork) error {
	order, ok, err := st.Orders.Get(work.OrderID)
	if err != nil || !ok {
		return err
	}
	pp, found, err := st.Prices.LatestAsOf(work.PriceTimestamp)
	if err != nil {
		return err
	}
	if !found {
		return types.MarketErr(types.ErrPriceNotFound, "no price as of %s", work.PriceTimestamp)
	}
	return c.orders.Trigger(st, ctx, order, pp)
}

// Run processes up to execs work units and pays the reward recipient from
// the crank fund. execs <= 0 uses the configured default.
func (c *Crank) Run(st *store.Store, ctx *Ctx, execs int, rewardTo string) (int, error) {
	if err := ctx.RequireNoFunds(); err != nil {
		return 0, err
	}
	if execs <= 0 {
		execs = c.cfg.CrankExecsDefault
	}
	if rewardTo == "" {
		rewardTo = ctx.Sender
	}

	processed := 0
	for processed < execs {
		work, ok, err := c.NextWork(st)
		if err != nil {
			return processed, err
		}
		if !ok {
			break
		}
		if err := c.Apply(st, ctx, work); err != nil {
			return processed, err
		}
		ctx.Emit(CrankWorkProcessed{Work: work})
		processed++
	}

	reward := decimal.Zero
	if processed > 0 && c.cfg.CrankFeeReward.IsPositive() {
		funds, err := st.Crank.FeeFunds()
		if err != nil {
			return processed, err
		}
		reward = types.MinDec(c.cfg.CrankFeeReward.Mul(decimal.NewFromInt(int64(processed))),
			types.MaxDec(decimal.Zero, funds.Crank))
		funds.Crank = funds.Crank.Sub(reward)
		if err := st.Crank.SetFeeFunds(funds); err != nil {
			return processed, err
		}
		ctx.Transfer(rewardTo, reward)
	}
	ctx.Emit(CrankBatch{Requested: execs, Processed: processed, Reward: reward, Rewarded: rewardTo})
	return processed, nil
}
