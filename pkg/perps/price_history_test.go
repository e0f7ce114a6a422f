package perps

import (
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpfi/engine/pkg/store"
	"github.com/perpfi/engine/pkg/types"
)

func newTestStore() *store.Store {
	return store.New(memdb.New())
}

func TestPriceHistoryAppend(t *testing.T) {
	cfg := DefaultMarketConfig()
	h := NewPriceHistory(cfg)
	st := newTestStore()
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	t.Run("first append", func(t *testing.T) {
		pp, err := h.Append(st, t0, dec("100"), nil)
		require.NoError(t, err)
		assert.True(t, pp.PriceNotional.Equal(dec("100")))
		// Collateral is the USD quote itself
		assert.True(t, pp.PriceUsd.Equal(decimal.NewFromInt(1)))
	})

	t.Run("timestamps must strictly increase", func(t *testing.T) {
		_, err := h.Append(st, t0, dec("101"), nil)
		require.Error(t, err)
		assert.True(t, types.ErrIs(err, types.ErrPriceAlreadyExists))

		_, err = h.Append(st, t0.Add(-time.Second), dec("101"), nil)
		require.Error(t, err)
		assert.True(t, types.ErrIs(err, types.ErrPriceAlreadyExists))

		_, err = h.Append(st, t0.Add(time.Second), dec("101"), nil)
		assert.NoError(t, err)
	})

	t.Run("non-positive price rejected", func(t *testing.T) {
		_, err := h.Append(st, t0.Add(time.Minute), decimal.Zero, nil)
		require.Error(t, err)
		assert.True(t, types.ErrIs(err, types.ErrInvalidAmount))
	})

	t.Run("conflicting usd price rejected", func(t *testing.T) {
		usd := dec("2")
		_, err := h.Append(st, t0.Add(time.Minute), dec("102"), &usd)
		require.Error(t, err)
		assert.True(t, types.ErrIs(err, types.ErrPriceConflict))
	})
}

func TestPriceHistoryCollateralIsBase(t *testing.T) {
	cfg := DefaultMarketConfig()
	cfg.MarketID = "ETH_USD"
	cfg.MarketType = types.CollateralIsBase
	cfg.CollateralAsset = "eth"
	h := NewPriceHistory(cfg)
	st := newTestStore()
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	pp, err := h.Append(st, t0, dec("2000"), nil)
	require.NoError(t, err)

	// Notional is the quote asset, priced in base-asset collateral
	assert.True(t, pp.PriceNotional.Equal(decimal.NewFromInt(1).Div(dec("2000"))))
	// Quote is USD, so the base collateral's USD price is the pair price
	assert.True(t, pp.PriceUsd.Equal(dec("2000")))
}

func TestPriceHistoryUsdRequired(t *testing.T) {
	cfg := DefaultMarketConfig()
	cfg.MarketID = "ETH_BTC"
	cfg.QuoteIsUsd = false
	h := NewPriceHistory(cfg)
	st := newTestStore()
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	_, err := h.Append(st, t0, dec("0.05"), nil)
	require.Error(t, err)
	assert.True(t, types.ErrIs(err, types.ErrPriceNotFound))

	usd := dec("65000")
	pp, err := h.Append(st, t0, dec("0.05"), &usd)
	require.NoError(t, err)
	assert.True(t, pp.PriceUsd.Equal(usd))
}

func TestPriceHistoryLatestAsOf(t *testing.T) {
	cfg := DefaultMarketConfig()
	h := NewPriceHistory(cfg)
	st := newTestStore()
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := h.Append(st, t0.Add(time.Duration(i)*time.Minute), dec("100").Add(decimal.NewFromInt(int64(i))), nil)
		require.NoError(t, err)
	}

	t.Run("exact timestamp", func(t *testing.T) {
		pp, err := h.LatestAsOf(st, t0.Add(2*time.Minute))
		require.NoError(t, err)
		assert.True(t, pp.PriceNotional.Equal(dec("102")))
	})

	t.Run("between points returns the earlier one", func(t *testing.T) {
		pp, err := h.LatestAsOf(st, t0.Add(2*time.Minute+30*time.Second))
		require.NoError(t, err)
		assert.True(t, pp.PriceNotional.Equal(dec("102")))
	})

	t.Run("before history fails", func(t *testing.T) {
		_, err := h.LatestAsOf(st, t0.Add(-time.Hour))
		require.Error(t, err)
		assert.True(t, types.ErrIs(err, types.ErrPriceNotFound))
	})

	t.Run("far future returns the newest", func(t *testing.T) {
		pp, err := h.LatestAsOf(st, t0.Add(24*time.Hour))
		require.NoError(t, err)
		assert.True(t, pp.PriceNotional.Equal(dec("104")))
	})
}
