// Package store implements the engine's repositories over an ordered
// key-value database. Every entity gets its own prefixed namespace;
// monotonic ids come from an explicit sequence generator.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/prefixdb"

	"github.com/perpfi/engine/pkg/types"
)

var (
	prefixPrices    = []byte("prc")
	prefixPositions = []byte("pos")
	prefixLiquidity = []byte("liq")
	prefixOrders    = []byte("ord")
	prefixCrank     = []byte("crk")
	prefixSequences = []byte("seq")
)

// Store bundles all repositories bound to one database view. Exec messages
// bind a Store to a versiondb overlay so that a mid-message error aborts
// every staged write.
type Store struct {
	Prices    *PriceRepository
	Positions *PositionRepository
	Liquidity *LiquidityRepository
	Orders    *OrderRepository
	Crank     *CrankRepository
	Seq       *Sequences
}

// New binds repositories to db
func New(db database.Database) *Store {
	return &Store{
		Prices:    &PriceRepository{db: prefixdb.New(prefixPrices, db)},
		Positions: &PositionRepository{db: prefixdb.New(prefixPositions, db)},
		Liquidity: &LiquidityRepository{db: prefixdb.New(prefixLiquidity, db)},
		Orders:    &OrderRepository{db: prefixdb.New(prefixOrders, db)},
		Crank:     &CrankRepository{db: prefixdb.New(prefixCrank, db)},
		Seq:       &Sequences{db: prefixdb.New(prefixSequences, db)},
	}
}

// Sequences hands out monotonically increasing uint64 ids per name
type Sequences struct {
	db database.Database
}

// Next returns the next id for the named sequence, starting at 1
func (s *Sequences) Next(name string) (uint64, error) {
	key := []byte(name)
	var last uint64
	raw, err := s.db.Get(key)
	switch {
	case err == nil:
		last = binary.BigEndian.Uint64(raw)
	case errors.Is(err, database.ErrNotFound):
	default:
		return 0, err
	}
	next := last + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := s.db.Put(key, buf); err != nil {
		return 0, err
	}
	return next, nil
}

// Peek returns the last id handed out without advancing the sequence
func (s *Sequences) Peek(name string) (uint64, error) {
	raw, err := s.db.Get([]byte(name))
	if errors.Is(err, database.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

// u64Key encodes an id big-endian so lexical key order is numeric order
func u64Key(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// tsKey encodes a timestamp for ascending-time iteration
func tsKey(t time.Time) []byte {
	return u64Key(uint64(t.UnixNano()))
}

// invTsKey encodes a timestamp so ascending key order is descending time
func invTsKey(t time.Time) []byte {
	return u64Key(^uint64(t.UnixNano()))
}

func tsFromKey(key []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(key))).UTC()
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func putJSON(db database.KeyValueWriter, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return types.StoreErr(types.ErrConversion, "marshal %T: %v", v, err)
	}
	return db.Put(key, raw)
}

func unmarshalValue(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return types.StoreErr(types.ErrConversion, "unmarshal %T: %v", v, err)
	}
	return nil
}

// getJSON loads key into v, reporting whether it existed
func getJSON(db database.KeyValueReader, key []byte, v interface{}) (bool, error) {
	raw, err := db.Get(key)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, types.StoreErr(types.ErrConversion, "unmarshal %T: %v", v, err)
	}
	return true, nil
}
