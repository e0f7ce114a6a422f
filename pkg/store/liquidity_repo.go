package store

import (
	"github.com/luxfi/database"
	"github.com/shopspring/decimal"

	"github.com/perpfi/engine/pkg/types"
)

var (
	liqTotalsKey     = []byte("t")
	liqYieldKey      = []byte("y")
	liqResetKey      = []byte("r")
	liqProviderIndex = []byte("p/")
)

// YieldIndexes are the pool-wide accumulated yield-per-share counters.
// xLP accrues against its own index so the multiplier can differ.
type YieldIndexes struct {
	Lp  decimal.Decimal `json:"lp"`
	Xlp decimal.Decimal `json:"xlp"`
}

// LiquidityRepository stores pool totals, per-provider stats and the
// pool-reset flag
type LiquidityRepository struct {
	db database.Database
}

// GetTotals loads pool totals, zero-valued when absent
func (r *LiquidityRepository) GetTotals() (types.PoolTotals, error) {
	var t types.PoolTotals
	ok, err := getJSON(r.db, liqTotalsKey, &t)
	if err != nil {
		return types.PoolTotals{}, err
	}
	if !ok {
		return types.PoolTotals{
			Locked: decimal.Zero, Unlocked: decimal.Zero,
			TotalLp: decimal.Zero, TotalXlp: decimal.Zero,
		}, nil
	}
	return t, nil
}

// SetTotals persists pool totals
func (r *LiquidityRepository) SetTotals(t types.PoolTotals) error {
	return putJSON(r.db, liqTotalsKey, t)
}

// GetProvider loads one provider's stats
func (r *LiquidityRepository) GetProvider(addr string) (types.ProviderStats, bool, error) {
	var p types.ProviderStats
	ok, err := getJSON(r.db, concat(liqProviderIndex, []byte(addr)), &p)
	return p, ok, err
}

// SetProvider persists a provider record, deleting it once fully zero
func (r *LiquidityRepository) SetProvider(p types.ProviderStats) error {
	key := concat(liqProviderIndex, []byte(p.Addr))
	if p.IsZero() {
		return r.db.Delete(key)
	}
	return putJSON(r.db, key, p)
}

// FirstProvider returns the first provider in address order; drives the
// pool-reset drain
func (r *LiquidityRepository) FirstProvider() (types.ProviderStats, bool, error) {
	it := r.db.NewIteratorWithPrefix(liqProviderIndex)
	defer it.Release()
	if !it.Next() {
		return types.ProviderStats{}, false, it.Error()
	}
	var p types.ProviderStats
	if err := unmarshalValue(it.Value(), &p); err != nil {
		return types.ProviderStats{}, false, err
	}
	return p, true, nil
}

// IterateProviders walks providers in address order
func (r *LiquidityRepository) IterateProviders(fn func(types.ProviderStats) (bool, error)) error {
	it := r.db.NewIteratorWithPrefix(liqProviderIndex)
	defer it.Release()
	for it.Next() {
		var p types.ProviderStats
		if err := unmarshalValue(it.Value(), &p); err != nil {
			return err
		}
		cont, err := fn(p)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return it.Error()
}

// GetYieldIndexes loads the pool-wide yield counters
func (r *LiquidityRepository) GetYieldIndexes() (YieldIndexes, error) {
	var y YieldIndexes
	ok, err := getJSON(r.db, liqYieldKey, &y)
	if err != nil {
		return YieldIndexes{}, err
	}
	if !ok {
		return YieldIndexes{Lp: decimal.Zero, Xlp: decimal.Zero}, nil
	}
	return y, nil
}

// SetYieldIndexes persists the pool-wide yield counters
func (r *LiquidityRepository) SetYieldIndexes(y YieldIndexes) error {
	return putJSON(r.db, liqYieldKey, y)
}

// ResetInProgress reports whether a pool reset is draining providers
func (r *LiquidityRepository) ResetInProgress() (bool, error) {
	var v bool
	ok, err := getJSON(r.db, liqResetKey, &v)
	if err != nil || !ok {
		return false, err
	}
	return v, nil
}

// SetResetInProgress flips the pool-reset flag
func (r *LiquidityRepository) SetResetInProgress(v bool) error {
	if !v {
		return r.db.Delete(liqResetKey)
	}
	return putJSON(r.db, liqResetKey, v)
}
