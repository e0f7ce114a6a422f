// Package perps implements a perpetual-futures settlement engine: the
// position lifecycle, pooled liquidity accounting and the crank scheduler
// that drives all time-dependent settlement.
package perps

import (
	"strings"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/versiondb"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/perpfi/engine/pkg/metrics"
	"github.com/perpfi/engine/pkg/store"
	"github.com/perpfi/engine/pkg/types"
)

// ExecResult is what a successful message hands back to the host: the
// transfers to perform and the events to publish
type ExecResult struct {
	Transfers []types.TransferMsg
	Events    []Event
}

// Market is one perpetual market: config, storage and the services wired
// over it. Every exec message runs on a versioned overlay and commits only
// on success, so a failed message leaves no partial writes.
type Market struct {
	mu  sync.Mutex
	cfg *MarketConfig
	log *zap.Logger

	vdb *versiondb.Database
	st  *store.Store

	prices    *PriceHistory
	fees      *FeeEngine
	pool      *LiquidityPool
	positions *PositionEngine
	orders    *OrderEngine
	crank     *Crank
}

// NewMarket validates cfg and binds a market to db
func NewMarket(cfg *MarketConfig, db database.Database, log *zap.Logger) (*Market, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	vdb := versiondb.New(db)
	st := store.New(vdb)

	fees := NewFeeEngine(cfg)
	pool := NewLiquidityPool(cfg)
	positions := NewPositionEngine(cfg, fees, pool)
	orders := NewOrderEngine(cfg, positions)

	return &Market{
		cfg:       cfg,
		log:       log.Named("market").With(zap.String("market_id", cfg.MarketID)),
		vdb:       vdb,
		st:        st,
		prices:    NewPriceHistory(cfg),
		fees:      fees,
		pool:      pool,
		positions: positions,
		orders:    orders,
		crank:     NewCrank(cfg, positions, orders, pool),
	}, nil
}

// Config returns the market configuration
func (m *Market) Config() *MarketConfig { return m.cfg }

// exec runs one message body atomically: abort on error, commit on success
func (m *Market) exec(ctx *Ctx, msg string, fn func() error) (*ExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.checkFundsAsset(ctx)
	if err == nil {
		err = fn()
	}
	if err != nil {
		m.vdb.Abort()
		m.log.Debug("exec rejected", zap.String("msg", msg),
			zap.String("sender", ctx.Sender), zap.Error(err))
		return nil, err
	}
	if err := m.vdb.Commit(); err != nil {
		m.vdb.Abort()
		return nil, types.StoreErr(types.ErrConversion, "commit %s: %v", msg, err)
	}
	m.updateStateGauges()
	m.log.Debug("exec committed", zap.String("msg", msg),
		zap.String("sender", ctx.Sender), zap.Int("events", len(ctx.Events())))
	return &ExecResult{Transfers: ctx.Transfers(), Events: ctx.Events()}, nil
}

// checkFundsAsset rejects attached collateral denominated in anything but
// the configured asset
func (m *Market) checkFundsAsset(ctx *Ctx) error {
	if !ctx.Funds.IsPositive() || ctx.FundsAsset == "" || ctx.FundsAsset == m.cfg.CollateralAsset {
		return nil
	}
	if strings.HasPrefix(ctx.FundsAsset, "cw20:") {
		return types.WalletErr(types.ErrCw20Funds,
			"attached token %s, market collateral is %s", ctx.FundsAsset, m.cfg.CollateralAsset)
	}
	return types.WalletErr(types.ErrNativeFunds,
		"attached denom %s, market collateral is %s", ctx.FundsAsset, m.cfg.CollateralAsset)
}

// updateStateGauges refreshes the pool and exposure gauges after a commit
func (m *Market) updateStateGauges() {
	if totals, err := m.st.Liquidity.GetTotals(); err == nil {
		locked, _ := totals.Locked.Float64()
		unlocked, _ := totals.Unlocked.Float64()
		metrics.PoolLocked.Set(locked)
		metrics.PoolUnlocked.Set(unlocked)
	}
	if oi, err := m.st.Crank.OpenInterest(); err == nil {
		long, _ := oi.Long.Float64()
		short, _ := oi.Short.Float64()
		metrics.OpenInterestNotional.WithLabelValues("long").Set(long)
		metrics.OpenInterestNotional.WithLabelValues("short").Set(short)
	}
}

// requireOperational rejects trading messages once the kill switch is set
func (m *Market) requireOperational() error {
	triggered, err := m.st.Crank.CloseAllTriggered()
	if err != nil {
		return err
	}
	if triggered {
		return types.MarketErr(types.ErrCloseAllTriggered, "market is closing all positions")
	}
	return nil
}

// SetManualPrice appends a price point in a manually-priced market
func (m *Market) SetManualPrice(ctx *Ctx, priceBase decimal.Decimal, priceUsd *decimal.Decimal) (*ExecResult, error) {
	if m.cfg.SpotPrice.Kind != SpotPriceManual {
		return nil, types.MarketErr(types.ErrManualPriceUnsupported,
			"market %s uses %s pricing", m.cfg.MarketID, m.cfg.SpotPrice.Kind)
	}
	return m.appendPrice(ctx, priceBase, priceUsd)
}

// AppendOraclePrice appends a price point from a configured feed
func (m *Market) AppendOraclePrice(ctx *Ctx, priceBase decimal.Decimal, priceUsd *decimal.Decimal) (*ExecResult, error) {
	if m.cfg.SpotPrice.Kind != SpotPriceOracle {
		return nil, types.MarketErr(types.ErrManualPriceUnsupported,
			"market %s uses %s pricing", m.cfg.MarketID, m.cfg.SpotPrice.Kind)
	}
	return m.appendPrice(ctx, priceBase, priceUsd)
}

func (m *Market) appendPrice(ctx *Ctx, priceBase decimal.Decimal, priceUsd *decimal.Decimal) (*ExecResult, error) {
	return m.exec(ctx, "append-price", func() error {
		if err := ctx.RequireNoFunds(); err != nil {
			return err
		}
		if !m.cfg.SpotPrice.Allowed(ctx.Sender) {
			return types.MarketErr(types.ErrUnauthorized, "%s may not publish prices", ctx.Sender)
		}
		pp, err := m.prices.Append(m.st, ctx.BlockTime, priceBase, priceUsd)
		if err != nil {
			return err
		}
		ctx.InvalidateSpotPrice()
		ctx.Emit(PriceAppended{Point: pp})
		return nil
	})
}

// OpenPosition opens a position funded by the attached collateral
func (m *Market) OpenPosition(ctx *Ctx, params OpenParams) (*types.Position, *ExecResult, error) {
	var pos *types.Position
	res, err := m.exec(ctx, "open-position", func() error {
		if err := m.requireOperational(); err != nil {
			return err
		}
		var err error
		pos, err = m.positions.Open(m.st, ctx, params)
		return err
	})
	return pos, res, err
}

// UpdatePositionAddCollateralImpactLeverage adds collateral, lowering leverage
func (m *Market) UpdatePositionAddCollateralImpactLeverage(ctx *Ctx, id uint64) (*types.Position, *ExecResult, error) {
	return m.execUpdate(ctx, "update-position-add-collateral-impact-leverage", func() (*types.Position, error) {
		return m.positions.UpdateAddCollateralImpactLeverage(m.st, ctx, id)
	})
}

// UpdatePositionAddCollateralImpactSize adds collateral, growing the position
func (m *Market) UpdatePositionAddCollateralImpactSize(ctx *Ctx, id uint64) (*types.Position, *ExecResult, error) {
	return m.execUpdate(ctx, "update-position-add-collateral-impact-size", func() (*types.Position, error) {
		return m.positions.UpdateAddCollateralImpactSize(m.st, ctx, id)
	})
}

// UpdatePositionRemoveCollateralImpactLeverage removes collateral, raising leverage
func (m *Market) UpdatePositionRemoveCollateralImpactLeverage(ctx *Ctx, id uint64, amount decimal.Decimal) (*types.Position, *ExecResult, error) {
	return m.execUpdate(ctx, "update-position-remove-collateral-impact-leverage", func() (*types.Position, error) {
		return m.positions.UpdateRemoveCollateralImpactLeverage(m.st, ctx, id, amount)
	})
}

// UpdatePositionRemoveCollateralImpactSize removes collateral, shrinking the position
func (m *Market) UpdatePositionRemoveCollateralImpactSize(ctx *Ctx, id uint64, amount decimal.Decimal) (*types.Position, *ExecResult, error) {
	return m.execUpdate(ctx, "update-position-remove-collateral-impact-size", func() (*types.Position, error) {
		return m.positions.UpdateRemoveCollateralImpactSize(m.st, ctx, id, amount)
	})
}

// UpdatePositionLeverage retargets the position's leverage
func (m *Market) UpdatePositionLeverage(ctx *Ctx, id uint64, leverage decimal.Decimal) (*types.Position, *ExecResult, error) {
	return m.execUpdate(ctx, "update-position-leverage", func() (*types.Position, error) {
		return m.positions.UpdateLeverage(m.st, ctx, id, leverage)
	})
}

// UpdatePositionMaxGains retargets the position's max-gains cap
func (m *Market) UpdatePositionMaxGains(ctx *Ctx, id uint64, mg types.MaxGains) (*types.Position, *ExecResult, error) {
	return m.execUpdate(ctx, "update-position-max-gains", func() (*types.Position, error) {
		return m.positions.UpdateMaxGains(m.st, ctx, id, mg)
	})
}

// SetTriggerOrder replaces the position's stop-loss and take-profit overrides
func (m *Market) SetTriggerOrder(ctx *Ctx, id uint64, stopLoss, takeProfit *decimal.Decimal) (*types.Position, *ExecResult, error) {
	return m.execUpdate(ctx, "set-trigger-order", func() (*types.Position, error) {
		return m.positions.SetTriggerOrder(m.st, ctx, id, stopLoss, takeProfit)
	})
}

func (m *Market) execUpdate(ctx *Ctx, msg string, fn func() (*types.Position, error)) (*types.Position, *ExecResult, error) {
	var pos *types.Position
	res, err := m.exec(ctx, msg, func() error {
		if err := m.requireOperational(); err != nil {
			return err
		}
		var err error
		pos, err = fn()
		return err
	})
	return pos, res, err
}

// ClosePosition closes the sender's position at the current price
func (m *Market) ClosePosition(ctx *Ctx, id uint64, slippage *SlippageAssert) (*types.ClosedPosition, *ExecResult, error) {
	var cp *types.ClosedPosition
	res, err := m.exec(ctx, "close-position", func() error {
		var err error
		cp, err = m.positions.Close(m.st, ctx, id, slippage)
		return err
	})
	return cp, res, err
}

// DepositLiquidity adds the attached collateral to the pool
func (m *Market) DepositLiquidity(ctx *Ctx, stakeToXlp bool) (*ExecResult, error) {
	return m.exec(ctx, "deposit-liquidity", func() error {
		_, err := m.pool.Deposit(m.st, ctx, stakeToXlp)
		return err
	})
}

// WithdrawLiquidity burns LP shares for collateral; nil withdraws all
func (m *Market) WithdrawLiquidity(ctx *Ctx, shares *decimal.Decimal) (*ExecResult, error) {
	return m.exec(ctx, "withdraw-liquidity", func() error {
		_, err := m.pool.Withdraw(m.st, ctx, shares)
		return err
	})
}

// ClaimYield pays out the sender's accrued yield
func (m *Market) ClaimYield(ctx *Ctx) (*ExecResult, error) {
	return m.exec(ctx, "claim-yield", func() error {
		_, err := m.pool.ClaimYield(m.st, ctx)
		return err
	})
}

// StakeLp converts LP shares to xLP; nil stakes all
func (m *Market) StakeLp(ctx *Ctx, amount *decimal.Decimal) (*ExecResult, error) {
	return m.exec(ctx, "stake-lp", func() error {
		return m.pool.StakeLp(m.st, ctx, amount)
	})
}

// UnstakeXlp starts a linear unstake of xLP; nil unstakes all
func (m *Market) UnstakeXlp(ctx *Ctx, amount *decimal.Decimal) (*ExecResult, error) {
	return m.exec(ctx, "unstake-xlp", func() error {
		return m.pool.UnstakeXlp(m.st, ctx, amount)
	})
}

// CollectUnstakedLp claims the matured portion of an unstake
func (m *Market) CollectUnstakedLp(ctx *Ctx) (*ExecResult, error) {
	return m.exec(ctx, "collect-unstaked-lp", func() error {
		return m.pool.CollectUnstakedLp(m.st, ctx)
	})
}

// PlaceLimitOrder escrows the attached collateral behind a trigger price
func (m *Market) PlaceLimitOrder(ctx *Ctx, triggerPrice decimal.Decimal, params OpenParams) (*types.LimitOrder, *ExecResult, error) {
	var order *types.LimitOrder
	res, err := m.exec(ctx, "place-limit-order", func() error {
		if err := m.requireOperational(); err != nil {
			return err
		}
		var err error
		order, err = m.orders.Place(m.st, ctx, triggerPrice, params)
		return err
	})
	return order, res, err
}

// CancelLimitOrder removes the sender's order and refunds its escrow
func (m *Market) CancelLimitOrder(ctx *Ctx, id uint64) (*ExecResult, error) {
	return m.exec(ctx, "cancel-limit-order", func() error {
		return m.orders.Cancel(m.st, ctx, id)
	})
}

// Crank processes up to execs scheduler work units, paying rewardTo
func (m *Market) Crank(ctx *Ctx, execs int, rewardTo string) (int, *ExecResult, error) {
	var processed int
	res, err := m.exec(ctx, "crank", func() error {
		var err error
		processed, err = m.crank.Run(m.st, ctx, execs, rewardTo)
		return err
	})
	return processed, res, err
}

// CloseAllPositions sets the kill switch; the crank then closes every open
// position before normal operation resumes
func (m *Market) CloseAllPositions(ctx *Ctx) (*ExecResult, error) {
	return m.exec(ctx, "close-all-positions", func() error {
		if err := ctx.RequireNoFunds(); err != nil {
			return err
		}
		if ctx.Sender != m.cfg.SpotPrice.Admin {
			return types.MarketErr(types.ErrUnauthorized, "%s may not trigger close-all", ctx.Sender)
		}
		return m.st.Crank.SetCloseAllTriggered(true)
	})
}

// --- queries; reads go to committed state, never to an exec in flight ---

// PoolStatus is the liquidity query response
type PoolStatus struct {
	Totals          types.PoolTotals `json:"totals"`
	SharePrice      decimal.Decimal  `json:"share_price"`
	ResetInProgress bool             `json:"reset_in_progress"`
}

// MarketStatus is the top-level market query response
type MarketStatus struct {
	Config       *MarketConfig      `json:"config"`
	OpenInterest types.OpenInterest `json:"open_interest"`
	BorrowRate   decimal.Decimal    `json:"borrow_rate"`
	FundingRate  decimal.Decimal    `json:"funding_rate"`
	FeeFunds     types.FeeFunds     `json:"fee_funds"`
	Watermark    time.Time          `json:"crank_watermark"`
	CloseAll     bool               `json:"close_all_triggered"`
}

// Status summarizes the market's aggregate state
func (m *Market) Status() (*MarketStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	oi, err := m.st.Crank.OpenInterest()
	if err != nil {
		return nil, err
	}
	totals, err := m.st.Liquidity.GetTotals()
	if err != nil {
		return nil, err
	}
	funds, err := m.st.Crank.FeeFunds()
	if err != nil {
		return nil, err
	}
	watermark, err := m.st.Crank.Watermark()
	if err != nil {
		return nil, err
	}
	closeAll, err := m.st.Crank.CloseAllTriggered()
	if err != nil {
		return nil, err
	}
	return &MarketStatus{
		Config:       m.cfg,
		OpenInterest: oi,
		BorrowRate:   m.fees.BorrowRate(totals),
		FundingRate:  m.fees.FundingRate(oi),
		FeeFunds:     funds,
		Watermark:    watermark,
		CloseAll:     closeAll,
	}, nil
}

// SpotPrice returns the latest price as of t
func (m *Market) SpotPrice(t time.Time) (types.PricePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prices.LatestAsOf(m.st, t)
}

// PriceRange returns up to limit points strictly after startAfter
func (m *Market) PriceRange(startAfter time.Time, limit int) ([]types.PricePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Prices.Range(startAfter, limit)
}

// Position returns an open position by id
func (m *Market) Position(id uint64) (*types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok, err := m.st.Positions.GetOpen(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.MarketErr(types.ErrPositionNotFound, "no open position %d", id)
	}
	return pos, nil
}

// OpenPositions returns up to limit open positions with ids strictly
// greater than startAfter; owner filters when non-empty
func (m *Market) OpenPositions(owner string, startAfter uint64, limit int) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.Position
	err := m.st.Positions.IterateOpen(func(pos *types.Position) (bool, error) {
		if pos.ID <= startAfter {
			return true, nil
		}
		if owner != "" && pos.Owner != owner {
			return true, nil
		}
		out = append(out, *pos)
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

// ClosedPositions returns closed positions for owner, oldest first,
// starting strictly after the (closedAt, id) cursor
func (m *Market) ClosedPositions(owner string, afterClosedAt time.Time, afterID uint64, limit int) ([]types.ClosedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Positions.ClosedByOwner(owner, afterClosedAt, afterID, limit)
}

func (m *Market) LimitOrder(id uint64) (*types.LimitOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok, err := m.st.Orders.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.MarketErr(types.ErrOrderNotFound, "no limit order %d", id)
	}
	return order, nil
}

// LimitOrders returns up to limit orders with ids strictly greater than
// startAfter; owner filters when non-empty
func (m *Market) LimitOrders(owner string, startAfter uint64, limit int) ([]types.LimitOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Orders.ListByOwner(owner, startAfter, limit)
}

// Pool returns pool totals, the current share price and the reset flag
func (m *Market) Pool() (*PoolStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	totals, err := m.st.Liquidity.GetTotals()
	if err != nil {
		return nil, err
	}
	reset, err := m.st.Liquidity.ResetInProgress()
	if err != nil {
		return nil, err
	}
	sharePrice := decimal.NewFromInt(1)
	if totals.TotalShares().IsPositive() {
		sharePrice = totals.Collateral().Div(totals.TotalShares())
	}
	return &PoolStatus{Totals: totals, SharePrice: sharePrice, ResetInProgress: reset}, nil
}

// Provider returns one liquidity provider's stats
func (m *Market) Provider(addr string) (types.ProviderStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok, err := m.st.Liquidity.GetProvider(addr)
	if err != nil {
		return types.ProviderStats{}, err
	}
	if !ok {
		return types.ProviderStats{}, types.MarketErr(types.ErrNothingToCollect, "no liquidity for %s", addr)
	}
	return p, nil
}

// CrankWork previews the next scheduler work unit without executing it
func (m *Market) CrankWork() (types.CrankWork, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.crank.NextWork(m.st)
}
