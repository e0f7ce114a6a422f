package perps

import (
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpfi/engine/pkg/metrics"
	"github.com/perpfi/engine/pkg/types"
)

func newTestMarket(t *testing.T, cfg *MarketConfig) *Market {
	t.Helper()
	m, err := NewMarket(cfg, memdb.New(), nil)
	require.NoError(t, err)
	return m
}

func TestMarketRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultMarketConfig()
	cfg.MarketID = ""
	_, err := NewMarket(cfg, memdb.New(), nil)
	require.Error(t, err)
}

func TestMarketPriceGating(t *testing.T) {
	m := newTestMarket(t, zeroFeeConfig())

	t.Run("only the admin may publish", func(t *testing.T) {
		_, err := m.SetManualPrice(NewCtx(baseTime, "mallory", decimal.Zero), dec("100"), nil)
		assert.True(t, types.ErrIs(err, types.ErrUnauthorized))
	})

	t.Run("admin publishes and the price is queryable", func(t *testing.T) {
		res, err := m.SetManualPrice(NewCtx(baseTime, "admin", decimal.Zero), dec("100"), nil)
		require.NoError(t, err)
		require.Len(t, res.Events, 1)

		pp, err := m.SpotPrice(baseTime)
		require.NoError(t, err)
		assert.True(t, pp.PriceNotional.Equal(dec("100")))
	})

	t.Run("oracle appends rejected on a manual market", func(t *testing.T) {
		_, err := m.AppendOraclePrice(NewCtx(baseTime.Add(time.Second), "admin", decimal.Zero), dec("101"), nil)
		assert.True(t, types.ErrIs(err, types.ErrManualPriceUnsupported))
	})
}

func TestMarketEndToEndLiquidation(t *testing.T) {
	m := newTestMarket(t, zeroFeeConfig())

	_, err := m.SetManualPrice(NewCtx(baseTime, "admin", decimal.Zero), dec("100"), nil)
	require.NoError(t, err)
	_, err = m.DepositLiquidity(NewCtx(baseTime, "lp", dec("10000")), false)
	require.NoError(t, err)

	pos, res, err := m.OpenPosition(NewCtx(baseTime, "alice", dec("100")), defaultOpen())
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.True(t, pos.NotionalSize.Equal(dec("10")))

	// The crash arrives with the next price point
	at := baseTime.Add(time.Hour)
	_, err = m.SetManualPrice(NewCtx(at, "admin", decimal.Zero), dec("1"), nil)
	require.NoError(t, err)

	processed, crankRes, err := m.Crank(NewCtx(at, "keeper", decimal.Zero), 0, "")
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
	assert.Empty(t, crankRes.Transfers, "a liquidated position returns nothing")

	_, err = m.Position(pos.ID)
	assert.True(t, types.ErrIs(err, types.ErrPositionNotFound))

	closed, err := m.ClosedPositions("alice", time.Unix(0, 0), 0, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, types.CloseReasonLiquidated, closed[0].Reason)
	assert.True(t, closed[0].PnL.Equal(dec("-100")))

	// Collateral conservation: the pool absorbed the whole deposit
	pool, err := m.Pool()
	require.NoError(t, err)
	assert.True(t, pool.Totals.Collateral().Equal(dec("10100")))
	assert.True(t, pool.SharePrice.Equal(dec("1.01")), "got %s", pool.SharePrice)

	status, err := m.Status()
	require.NoError(t, err)
	assert.True(t, status.OpenInterest.Long.IsZero())
	assert.True(t, status.Watermark.Equal(at))
}

func TestMarketExecRollback(t *testing.T) {
	m := newTestMarket(t, zeroFeeConfig())

	_, err := m.SetManualPrice(NewCtx(baseTime, "admin", decimal.Zero), dec("100"), nil)
	require.NoError(t, err)
	_, err = m.DepositLiquidity(NewCtx(baseTime, "lp", dec("10000")), false)
	require.NoError(t, err)

	// This open fails after it has locked pool collateral and consumed a
	// sequence number inside the overlay
	bad := defaultOpen()
	sl := dec("150")
	bad.StopLossOverride = &sl
	_, _, err = m.OpenPosition(NewCtx(baseTime, "alice", dec("100")), bad)
	require.Error(t, err)
	assert.True(t, types.ErrIs(err, types.ErrInvalidTrigger))

	// The abort discarded every partial write
	pool, err := m.Pool()
	require.NoError(t, err)
	assert.True(t, pool.Totals.Locked.IsZero())

	pos, _, err := m.OpenPosition(NewCtx(baseTime, "alice", dec("100")), defaultOpen())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pos.ID, "the failed open must not consume an id")
}

func TestMarketCloseAllGatesTrading(t *testing.T) {
	m := newTestMarket(t, zeroFeeConfig())

	_, err := m.SetManualPrice(NewCtx(baseTime, "admin", decimal.Zero), dec("100"), nil)
	require.NoError(t, err)
	_, err = m.DepositLiquidity(NewCtx(baseTime, "lp", dec("10000")), false)
	require.NoError(t, err)
	pos, _, err := m.OpenPosition(NewCtx(baseTime, "alice", dec("100")), defaultOpen())
	require.NoError(t, err)

	t.Run("only the admin may trigger", func(t *testing.T) {
		_, err := m.CloseAllPositions(NewCtx(baseTime, "mallory", decimal.Zero))
		assert.True(t, types.ErrIs(err, types.ErrUnauthorized))
	})

	_, err = m.CloseAllPositions(NewCtx(baseTime, "admin", decimal.Zero))
	require.NoError(t, err)

	t.Run("trading is rejected while closing", func(t *testing.T) {
		_, _, err := m.OpenPosition(NewCtx(baseTime, "bob", dec("100")), defaultOpen())
		assert.True(t, types.ErrIs(err, types.ErrCloseAllTriggered))

		_, _, err = m.UpdatePositionLeverage(NewCtx(baseTime, "alice", decimal.Zero), pos.ID, decimal.NewFromInt(5))
		assert.True(t, types.ErrIs(err, types.ErrCloseAllTriggered))

		_, _, err = m.PlaceLimitOrder(NewCtx(baseTime, "bob", dec("100")), dec("95"), defaultOpen())
		assert.True(t, types.ErrIs(err, types.ErrCloseAllTriggered))
	})

	_, _, err = m.Crank(NewCtx(baseTime.Add(time.Minute), "keeper", decimal.Zero), 0, "")
	require.NoError(t, err)

	t.Run("trading resumes once every position is closed", func(t *testing.T) {
		status, err := m.Status()
		require.NoError(t, err)
		assert.False(t, status.CloseAll)

		_, _, err = m.OpenPosition(NewCtx(baseTime.Add(time.Minute), "bob", dec("100")), defaultOpen())
		assert.NoError(t, err)
	})
}

func TestMarketUpdateRoundTrip(t *testing.T) {
	m := newTestMarket(t, zeroFeeConfig())

	_, err := m.SetManualPrice(NewCtx(baseTime, "admin", decimal.Zero), dec("100"), nil)
	require.NoError(t, err)
	_, err = m.DepositLiquidity(NewCtx(baseTime, "lp", dec("10000")), false)
	require.NoError(t, err)
	pos, _, err := m.OpenPosition(NewCtx(baseTime, "alice", dec("100")), defaultOpen())
	require.NoError(t, err)

	updated, _, err := m.UpdatePositionAddCollateralImpactLeverage(NewCtx(baseTime, "alice", dec("100")), pos.ID)
	require.NoError(t, err)
	assert.True(t, updated.Leverage.Equal(decimal.NewFromInt(5)))

	updated, res, err := m.UpdatePositionRemoveCollateralImpactLeverage(NewCtx(baseTime, "alice", decimal.Zero), pos.ID, dec("100"))
	require.NoError(t, err)
	assert.True(t, updated.Leverage.Equal(decimal.NewFromInt(10)))
	require.Len(t, res.Transfers, 1)
	assert.True(t, res.Transfers[0].Amount.Equal(dec("100")))

	cp, res, err := m.ClosePosition(NewCtx(baseTime, "alice", decimal.Zero), pos.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, types.CloseReasonDirect, cp.Reason)
	assert.True(t, cp.PnL.IsZero(), "got %s", cp.PnL)
	require.Len(t, res.Transfers, 1)
	assert.True(t, res.Transfers[0].Amount.Equal(dec("100")))
}

func TestMarketOpenPositionsQuery(t *testing.T) {
	m := newTestMarket(t, zeroFeeConfig())

	_, err := m.SetManualPrice(NewCtx(baseTime, "admin", decimal.Zero), dec("100"), nil)
	require.NoError(t, err)
	_, err = m.DepositLiquidity(NewCtx(baseTime, "lp", dec("10000")), false)
	require.NoError(t, err)

	for _, owner := range []string{"alice", "bob", "alice"} {
		_, _, err := m.OpenPosition(NewCtx(baseTime, owner, dec("100")), defaultOpen())
		require.NoError(t, err)
	}

	all, err := m.OpenPositions("", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mine, err := m.OpenPositions("alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, uint64(1), mine[0].ID)
	assert.Equal(t, uint64(3), mine[1].ID)

	page, err := m.OpenPositions("alice", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, uint64(3), page[0].ID)
}

func TestMarketLiquidityFlow(t *testing.T) {
	cfg := zeroFeeConfig()
	cfg.LiquidityCooldown = 0
	m := newTestMarket(t, cfg)

	_, err := m.DepositLiquidity(NewCtx(baseTime, "lp", dec("1000")), false)
	require.NoError(t, err)

	provider, err := m.Provider("lp")
	require.NoError(t, err)
	assert.True(t, provider.LpShares.Equal(dec("1000")))

	_, err = m.StakeLp(NewCtx(baseTime, "lp", decimal.Zero), nil)
	require.NoError(t, err)
	_, err = m.UnstakeXlp(NewCtx(baseTime, "lp", decimal.Zero), nil)
	require.NoError(t, err)

	_, err = m.CollectUnstakedLp(NewCtx(baseTime.Add(cfg.UnstakePeriod), "lp", decimal.Zero))
	require.NoError(t, err)

	res, err := m.WithdrawLiquidity(NewCtx(baseTime.Add(cfg.UnstakePeriod), "lp", decimal.Zero), nil)
	require.NoError(t, err)
	require.Len(t, res.Transfers, 1)
	assert.True(t, res.Transfers[0].Amount.Equal(dec("1000")))

	_, err = m.Provider("lp")
	assert.True(t, types.ErrIs(err, types.ErrNothingToCollect))
}

func TestMarketFundsAssetValidation(t *testing.T) {
	m := newTestMarket(t, zeroFeeConfig())

	t.Run("wrong native denom", func(t *testing.T) {
		_, err := m.DepositLiquidity(NewCtx(baseTime, "lp", dec("1000")).WithFundsAsset("uatom"), false)
		assert.True(t, types.ErrIs(err, types.ErrNativeFunds))
	})

	t.Run("wrong token", func(t *testing.T) {
		_, err := m.DepositLiquidity(NewCtx(baseTime, "lp", dec("1000")).WithFundsAsset("cw20:wbtc"), false)
		assert.True(t, types.ErrIs(err, types.ErrCw20Funds))
	})

	t.Run("the configured asset passes", func(t *testing.T) {
		_, err := m.DepositLiquidity(NewCtx(baseTime, "lp", dec("1000")).WithFundsAsset("usdc"), false)
		assert.NoError(t, err)
	})
}

func TestMarketStateGauges(t *testing.T) {
	m := newTestMarket(t, zeroFeeConfig())

	_, err := m.SetManualPrice(NewCtx(baseTime, "admin", decimal.Zero), dec("100"), nil)
	require.NoError(t, err)
	_, err = m.DepositLiquidity(NewCtx(baseTime, "lp", dec("10000")), false)
	require.NoError(t, err)
	_, _, err = m.OpenPosition(NewCtx(baseTime, "alice", dec("100")), defaultOpen())
	require.NoError(t, err)

	assert.InDelta(t, 50, testutil.ToFloat64(metrics.PoolLocked), 1e-9)
	assert.InDelta(t, 9950, testutil.ToFloat64(metrics.PoolUnlocked), 1e-9)
	assert.InDelta(t, 10, testutil.ToFloat64(metrics.OpenInterestNotional.WithLabelValues("long")), 1e-9)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.OpenInterestNotional.WithLabelValues("short")), 1e-9)
}

func TestMarketCrankWorkPreview(t *testing.T) {
	m := newTestMarket(t, zeroFeeConfig())

	_, ok, err := m.CrankWork()
	require.NoError(t, err)
	assert.False(t, ok, "a fresh market has no work")

	_, err = m.SetManualPrice(NewCtx(baseTime, "admin", decimal.Zero), dec("100"), nil)
	require.NoError(t, err)

	work, ok, err := m.CrankWork()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.WorkCompleted, work.Kind)
}
