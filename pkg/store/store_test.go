package store

import (
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpfi/engine/pkg/types"
)

var t0 = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func pricePoint(at time.Time, notional string) types.PricePoint {
	return types.PricePoint{
		Timestamp:     at,
		PriceNotional: dec(notional),
		PriceBase:     dec(notional),
		PriceUsd:      decimal.NewFromInt(1),
	}
}

func TestSequences(t *testing.T) {
	st := New(memdb.New())

	id, err := st.Seq.Next("position")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	id, err = st.Seq.Next("position")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id)

	// Independent sequences do not interfere
	id, err = st.Seq.Next("order")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	last, err := st.Seq.Peek("position")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
}

func TestPriceRepositoryOrdering(t *testing.T) {
	st := New(memdb.New())

	for i := 0; i < 5; i++ {
		require.NoError(t, st.Prices.Put(pricePoint(t0.Add(time.Duration(i)*time.Minute), "100")))
	}

	t.Run("latest", func(t *testing.T) {
		pp, ok, err := st.Prices.Latest()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, t0.Add(4*time.Minute), pp.Timestamp)
	})

	t.Run("latest as of between points", func(t *testing.T) {
		pp, ok, err := st.Prices.LatestAsOf(t0.Add(90 * time.Second))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, t0.Add(time.Minute), pp.Timestamp)
	})

	t.Run("latest before excludes the bound", func(t *testing.T) {
		pp, ok, err := st.Prices.LatestBefore(t0.Add(2 * time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, t0.Add(time.Minute), pp.Timestamp)
	})

	t.Run("next after excludes the bound", func(t *testing.T) {
		pp, ok, err := st.Prices.NextAfter(t0.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, t0.Add(2*time.Minute), pp.Timestamp)
	})

	t.Run("next after the newest finds nothing", func(t *testing.T) {
		_, ok, err := st.Prices.NextAfter(t0.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("range pagination", func(t *testing.T) {
		page, err := st.Prices.Range(t0, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, t0.Add(time.Minute), page[0].Timestamp)
		assert.Equal(t, t0.Add(2*time.Minute), page[1].Timestamp)

		page, err = st.Prices.Range(page[1].Timestamp, 10)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, t0.Add(4*time.Minute), page[1].Timestamp)
	})
}

func openPosition(id uint64, owner string, due time.Time) *types.Position {
	return &types.Position{
		ID:                id,
		Owner:             owner,
		ActiveCollateral:  dec("100"),
		CounterCollateral: dec("50"),
		NotionalSize:      dec("10"),
		EntryPrice:        dec("100"),
		Leverage:          dec("10"),
		CreatedAt:         t0,
		LiquifundedAt:     t0,
		NextLiquifunding:  due,
		StaleAt:           due.Add(30 * time.Minute),
	}
}

func TestPositionRepositoryDueIndex(t *testing.T) {
	st := New(memdb.New())

	require.NoError(t, st.Positions.SaveOpen(openPosition(1, "alice", t0.Add(2*time.Hour))))
	require.NoError(t, st.Positions.SaveOpen(openPosition(2, "bob", t0.Add(time.Hour))))

	t.Run("earliest due wins", func(t *testing.T) {
		id, ok, err := st.Positions.FirstDue(t0.Add(3 * time.Hour))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(2), id)
	})

	t.Run("cutoff excludes the future", func(t *testing.T) {
		_, ok, err := st.Positions.FirstDue(t0.Add(30 * time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rescheduling moves the index entry", func(t *testing.T) {
		pos, ok, err := st.Positions.GetOpen(2)
		require.NoError(t, err)
		require.True(t, ok)
		pos.NextLiquifunding = t0.Add(4 * time.Hour)
		require.NoError(t, st.Positions.SaveOpen(pos))

		id, ok, err := st.Positions.FirstDue(t0.Add(3 * time.Hour))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(1), id)
	})

	t.Run("delete clears the index", func(t *testing.T) {
		require.NoError(t, st.Positions.DeleteOpen(1))
		require.NoError(t, st.Positions.DeleteOpen(2))
		_, ok, err := st.Positions.FirstDue(t0.Add(24 * time.Hour))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestPositionRepositoryPendingIndex(t *testing.T) {
	st := New(memdb.New())

	pos := openPosition(1, "alice", t0.Add(time.Hour))
	pos.Pending = &types.PendingTriggerPrices{Since: t0.Add(10 * time.Minute)}
	require.NoError(t, st.Positions.SaveOpen(pos))

	t.Run("pending requires a strictly later cutoff", func(t *testing.T) {
		_, ok, err := st.Positions.FirstPending(t0.Add(10 * time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "a point at the same instant must not promote")

		id, ok, err := st.Positions.FirstPending(t0.Add(10*time.Minute + time.Nanosecond))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(1), id)
	})

	t.Run("promotion clears the index", func(t *testing.T) {
		pos.Pending = nil
		require.NoError(t, st.Positions.SaveOpen(pos))
		_, ok, err := st.Positions.FirstPending(t0.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestClosedPositionsByOwner(t *testing.T) {
	st := New(memdb.New())

	for i := uint64(1); i <= 5; i++ {
		owner := "alice"
		if i%2 == 0 {
			owner = "bob"
		}
		require.NoError(t, st.Positions.SaveClosed(&types.ClosedPosition{
			ID:               i,
			Owner:            owner,
			ClosedAt:         t0.Add(time.Duration(i) * time.Minute),
			ActiveCollateral: dec("10"),
			Deposit:          dec("10"),
			PnL:              decimal.Zero,
		}))
	}

	t.Run("owner filter and ordering", func(t *testing.T) {
		out, err := st.Positions.ClosedByOwner("alice", time.Unix(0, 0), 0, 10)
		require.NoError(t, err)
		require.Len(t, out, 3)
		assert.Equal(t, uint64(1), out[0].ID)
		assert.Equal(t, uint64(3), out[1].ID)
		assert.Equal(t, uint64(5), out[2].ID)
	})

	t.Run("cursor resumes strictly after", func(t *testing.T) {
		out, err := st.Positions.ClosedByOwner("alice", t0.Add(3*time.Minute), 3, 10)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, uint64(5), out[0].ID)
	})

	t.Run("limit caps the page", func(t *testing.T) {
		out, err := st.Positions.ClosedByOwner("alice", time.Unix(0, 0), 0, 2)
		require.NoError(t, err)
		assert.Len(t, out, 2)
	})
}

func TestOrderRepository(t *testing.T) {
	st := New(memdb.New())

	for i := uint64(1); i <= 4; i++ {
		owner := "alice"
		if i > 2 {
			owner = "bob"
		}
		require.NoError(t, st.Orders.Save(&types.LimitOrder{
			OrderID:      i,
			Owner:        owner,
			TriggerPrice: dec("90"),
			Collateral:   dec("100"),
			Leverage:     dec("5"),
			CreatedAt:    t0,
		}))
	}

	t.Run("list by owner with cursor", func(t *testing.T) {
		out, err := st.Orders.ListByOwner("alice", 0, 10)
		require.NoError(t, err)
		require.Len(t, out, 2)

		out, err = st.Orders.ListByOwner("alice", out[0].OrderID, 10)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, uint64(2), out[0].OrderID)
	})

	t.Run("delete removes the order", func(t *testing.T) {
		require.NoError(t, st.Orders.Delete(1))
		_, ok, err := st.Orders.Get(1)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCrankRepositoryDefaults(t *testing.T) {
	st := New(memdb.New())

	watermark, err := st.Crank.Watermark()
	require.NoError(t, err)
	assert.Equal(t, time.Unix(0, 0).UTC(), watermark)

	triggered, err := st.Crank.CloseAllTriggered()
	require.NoError(t, err)
	assert.False(t, triggered)

	oi, err := st.Crank.OpenInterest()
	require.NoError(t, err)
	assert.True(t, oi.Long.IsZero())
	assert.True(t, oi.Short.IsZero())

	funds, err := st.Crank.FeeFunds()
	require.NoError(t, err)
	assert.True(t, funds.Crank.IsZero())

	require.NoError(t, st.Crank.SetWatermark(t0))
	watermark, err = st.Crank.Watermark()
	require.NoError(t, err)
	assert.True(t, watermark.Equal(t0))
}
