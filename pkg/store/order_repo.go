package store

import (
	"github.com/luxfi/database"

	"github.com/perpfi/engine/pkg/types"
)

var ordPrefix = []byte("o/")

// OrderRepository stores pending limit orders by id. Trigger scans walk the
// orders in id order, which keeps work selection deterministic without a
// second index; order counts here are bounded by open interest, not by
// market data volume.
type OrderRepository struct {
	db database.Database
}

// Save writes a limit order
func (r *OrderRepository) Save(o *types.LimitOrder) error {
	return putJSON(r.db, concat(ordPrefix, u64Key(o.OrderID)), o)
}

// Get loads a limit order by id
func (r *OrderRepository) Get(id uint64) (*types.LimitOrder, bool, error) {
	var o types.LimitOrder
	ok, err := getJSON(r.db, concat(ordPrefix, u64Key(id)), &o)
	if !ok || err != nil {
		return nil, false, err
	}
	return &o, true, nil
}

// Delete removes a limit order
func (r *OrderRepository) Delete(id uint64) error {
	return r.db.Delete(concat(ordPrefix, u64Key(id)))
}

// Iterate walks orders in id order until fn returns false
func (r *OrderRepository) Iterate(fn func(*types.LimitOrder) (bool, error)) error {
	it := r.db.NewIteratorWithPrefix(ordPrefix)
	defer it.Release()
	for it.Next() {
		var o types.LimitOrder
		if err := unmarshalValue(it.Value(), &o); err != nil {
			return err
		}
		cont, err := fn(&o)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return it.Error()
}

// ListByOwner returns up to limit orders owned by owner with ids strictly
// greater than startAfter
func (r *OrderRepository) ListByOwner(owner string, startAfter uint64, limit int) ([]types.LimitOrder, error) {
	start := concat(ordPrefix, u64Key(startAfter+1))
	it := r.db.NewIteratorWithStartAndPrefix(start, ordPrefix)
	defer it.Release()

	var out []types.LimitOrder
	for it.Next() {
		var o types.LimitOrder
		if err := unmarshalValue(it.Value(), &o); err != nil {
			return nil, err
		}
		if owner != "" && o.Owner != owner {
			continue
		}
		out = append(out, o)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, it.Error()
}
