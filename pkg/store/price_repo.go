package store

import (
	"time"

	"github.com/luxfi/database"

	"github.com/perpfi/engine/pkg/types"
)

// Price points are written under two keys: one in ascending timestamp order
// (drives the crank's "next unprocessed point" scan) and one in inverted
// order so "latest as of" is a single seek. Points are immutable, so the
// duplication can never drift.
var (
	priceAscPrefix  = []byte("a/")
	priceDescPrefix = []byte("d/")
)

// PriceRepository is the append-only price history
type PriceRepository struct {
	db database.Database
}

// Put writes a price point under both orderings. Ordering validation
// belongs to the PriceHistory service, not the repository.
func (r *PriceRepository) Put(pp types.PricePoint) error {
	if err := putJSON(r.db, concat(priceAscPrefix, tsKey(pp.Timestamp)), pp); err != nil {
		return err
	}
	return putJSON(r.db, concat(priceDescPrefix, invTsKey(pp.Timestamp)), pp)
}

// Has reports whether a point exists at exactly t
func (r *PriceRepository) Has(t time.Time) (bool, error) {
	return r.db.Has(concat(priceAscPrefix, tsKey(t)))
}

// Latest returns the newest price point
func (r *PriceRepository) Latest() (types.PricePoint, bool, error) {
	return r.firstDescFrom(nil)
}

// LatestAsOf returns the most recent point with timestamp <= t
func (r *PriceRepository) LatestAsOf(t time.Time) (types.PricePoint, bool, error) {
	return r.firstDescFrom(invTsKey(t))
}

// LatestBefore returns the most recent point with timestamp < t
func (r *PriceRepository) LatestBefore(t time.Time) (types.PricePoint, bool, error) {
	return r.firstDescFrom(invTsKey(t.Add(-time.Nanosecond)))
}

func (r *PriceRepository) firstDescFrom(start []byte) (types.PricePoint, bool, error) {
	var it database.Iterator
	if start == nil {
		it = r.db.NewIteratorWithPrefix(priceDescPrefix)
	} else {
		it = r.db.NewIteratorWithStartAndPrefix(concat(priceDescPrefix, start), priceDescPrefix)
	}
	defer it.Release()
	if !it.Next() {
		return types.PricePoint{}, false, it.Error()
	}
	var pp types.PricePoint
	if err := unmarshalValue(it.Value(), &pp); err != nil {
		return types.PricePoint{}, false, err
	}
	return pp, true, nil
}

// NextAfter returns the earliest point with timestamp > bound
func (r *PriceRepository) NextAfter(bound time.Time) (types.PricePoint, bool, error) {
	start := concat(priceAscPrefix, tsKey(bound.Add(time.Nanosecond)))
	it := r.db.NewIteratorWithStartAndPrefix(start, priceAscPrefix)
	defer it.Release()
	if !it.Next() {
		return types.PricePoint{}, false, it.Error()
	}
	var pp types.PricePoint
	if err := unmarshalValue(it.Value(), &pp); err != nil {
		return types.PricePoint{}, false, err
	}
	return pp, true, nil
}

// Range returns up to limit points with timestamps strictly after startAfter
func (r *PriceRepository) Range(startAfter time.Time, limit int) ([]types.PricePoint, error) {
	start := concat(priceAscPrefix, tsKey(startAfter.Add(time.Nanosecond)))
	it := r.db.NewIteratorWithStartAndPrefix(start, priceAscPrefix)
	defer it.Release()

	var out []types.PricePoint
	for it.Next() {
		var pp types.PricePoint
		if err := unmarshalValue(it.Value(), &pp); err != nil {
			return nil, err
		}
		out = append(out, pp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, it.Error()
}
