package store

import (
	"encoding/binary"
	"time"

	"github.com/luxfi/database"

	"github.com/perpfi/engine/pkg/types"
)

var (
	posOpenPrefix    = []byte("o/")
	posDuePrefix     = []byte("d/") // (next_liquifunding, id) -> nil
	posPendingPrefix = []byte("p/") // (pending_since, id) -> nil
	posClosedPrefix  = []byte("c/")
	posOwnerPrefix   = []byte("w/") // owner \x00 (closed_at, id) -> id
)

// PositionRepository owns open and closed position records plus the
// time-ordered indexes the crank scheduler walks
type PositionRepository struct {
	db database.Database
}

func dueKey(t time.Time, id uint64) []byte {
	return concat(posDuePrefix, tsKey(t), u64Key(id))
}

func pendingKey(t time.Time, id uint64) []byte {
	return concat(posPendingPrefix, tsKey(t), u64Key(id))
}

// SaveOpen writes an open position and keeps the due/pending indexes in
// sync with the previous version of the record
func (r *PositionRepository) SaveOpen(pos *types.Position) error {
	key := concat(posOpenPrefix, u64Key(pos.ID))

	var prev types.Position
	had, err := getJSON(r.db, key, &prev)
	if err != nil {
		return err
	}
	if had {
		if err := r.clearIndexes(&prev); err != nil {
			return err
		}
	}

	if err := putJSON(r.db, key, pos); err != nil {
		return err
	}
	if err := r.db.Put(dueKey(pos.NextLiquifunding, pos.ID), nil); err != nil {
		return err
	}
	if pos.Pending != nil {
		if err := r.db.Put(pendingKey(pos.Pending.Since, pos.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *PositionRepository) clearIndexes(pos *types.Position) error {
	if err := r.db.Delete(dueKey(pos.NextLiquifunding, pos.ID)); err != nil {
		return err
	}
	if pos.Pending != nil {
		return r.db.Delete(pendingKey(pos.Pending.Since, pos.ID))
	}
	return nil
}

// GetOpen loads an open position by id
func (r *PositionRepository) GetOpen(id uint64) (*types.Position, bool, error) {
	var pos types.Position
	ok, err := getJSON(r.db, concat(posOpenPrefix, u64Key(id)), &pos)
	if !ok || err != nil {
		return nil, false, err
	}
	return &pos, true, nil
}

// DeleteOpen removes an open position and its index entries
func (r *PositionRepository) DeleteOpen(id uint64) error {
	pos, ok, err := r.GetOpen(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := r.clearIndexes(pos); err != nil {
		return err
	}
	return r.db.Delete(concat(posOpenPrefix, u64Key(id)))
}

// FirstOpen returns the earliest-inserted open position (lowest id)
func (r *PositionRepository) FirstOpen() (*types.Position, bool, error) {
	it := r.db.NewIteratorWithPrefix(posOpenPrefix)
	defer it.Release()
	if !it.Next() {
		return nil, false, it.Error()
	}
	var pos types.Position
	if err := unmarshalValue(it.Value(), &pos); err != nil {
		return nil, false, err
	}
	return &pos, true, nil
}

// IterateOpen walks open positions in id order until fn returns false
func (r *PositionRepository) IterateOpen(fn func(*types.Position) (bool, error)) error {
	it := r.db.NewIteratorWithPrefix(posOpenPrefix)
	defer it.Release()
	for it.Next() {
		var pos types.Position
		if err := unmarshalValue(it.Value(), &pos); err != nil {
			return err
		}
		cont, err := fn(&pos)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return it.Error()
}

// OpenCount returns the number of open positions
func (r *PositionRepository) OpenCount() (int, error) {
	n := 0
	err := r.IterateOpen(func(*types.Position) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

// FirstDue returns the id of the position with the earliest
// next-liquifunding at or before cutoff
func (r *PositionRepository) FirstDue(cutoff time.Time) (uint64, bool, error) {
	return r.firstIndexed(posDuePrefix, cutoff)
}

// FirstPending returns the id of the position whose trigger prices have
// been pending strictly before cutoff
func (r *PositionRepository) FirstPending(cutoff time.Time) (uint64, bool, error) {
	return r.firstIndexed(posPendingPrefix, cutoff.Add(-time.Nanosecond))
}

func (r *PositionRepository) firstIndexed(prefix []byte, cutoff time.Time) (uint64, bool, error) {
	it := r.db.NewIteratorWithPrefix(prefix)
	defer it.Release()
	if !it.Next() {
		return 0, false, it.Error()
	}
	key := it.Key()
	// key layout: prefix + ts(8) + id(8)
	ts := tsFromKey(key[len(prefix) : len(prefix)+8])
	if ts.After(cutoff) {
		return 0, false, nil
	}
	id := binary.BigEndian.Uint64(key[len(prefix)+8:])
	return id, true, nil
}

// SaveClosed writes the immutable closed-position record under both the id
// and the (owner, closed_at) history index
func (r *PositionRepository) SaveClosed(cp *types.ClosedPosition) error {
	if err := putJSON(r.db, concat(posClosedPrefix, u64Key(cp.ID)), cp); err != nil {
		return err
	}
	ownerKey := concat(posOwnerPrefix, []byte(cp.Owner), []byte{0}, tsKey(cp.ClosedAt), u64Key(cp.ID))
	return r.db.Put(ownerKey, u64Key(cp.ID))
}

// GetClosed loads a closed position by id
func (r *PositionRepository) GetClosed(id uint64) (*types.ClosedPosition, bool, error) {
	var cp types.ClosedPosition
	ok, err := getJSON(r.db, concat(posClosedPrefix, u64Key(id)), &cp)
	if !ok || err != nil {
		return nil, false, err
	}
	return &cp, true, nil
}

// ClosedByOwner returns up to limit closed positions for owner, oldest
// first, starting strictly after the (closedAt, id) cursor
func (r *PositionRepository) ClosedByOwner(owner string, afterClosedAt time.Time, afterID uint64, limit int) ([]types.ClosedPosition, error) {
	prefix := concat(posOwnerPrefix, []byte(owner), []byte{0})
	start := concat(prefix, tsKey(afterClosedAt), u64Key(afterID+1))
	it := r.db.NewIteratorWithStartAndPrefix(start, prefix)
	defer it.Release()

	var out []types.ClosedPosition
	for it.Next() {
		id := binary.BigEndian.Uint64(it.Value())
		cp, ok, err := r.GetClosed(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, types.StoreErr(types.ErrConversion, "closed position %d indexed but missing", id)
		}
		out = append(out, *cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, it.Error()
}
