package store

import (
	"time"

	"github.com/luxfi/database"
	"github.com/shopspring/decimal"

	"github.com/perpfi/engine/pkg/types"
)

var (
	crankWatermarkKey = []byte("w")
	crankCloseAllKey  = []byte("c")
	crankOiKey        = []byte("i")
	crankFundsKey     = []byte("f")
)

// CrankRepository holds the scheduler watermark, the close-all flag, net
// open interest and the protocol fee funds
type CrankRepository struct {
	db database.Database
}

// Watermark returns the timestamp of the last fully-completed price point.
// Before any crank completes it is the unix epoch.
func (r *CrankRepository) Watermark() (time.Time, error) {
	var t time.Time
	ok, err := getJSON(r.db, crankWatermarkKey, &t)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Unix(0, 0).UTC(), nil
	}
	return t, nil
}

// SetWatermark advances the last-completed marker
func (r *CrankRepository) SetWatermark(t time.Time) error {
	return putJSON(r.db, crankWatermarkKey, t)
}

// CloseAllTriggered reports whether the protocol-wide kill switch is set
func (r *CrankRepository) CloseAllTriggered() (bool, error) {
	var v bool
	ok, err := getJSON(r.db, crankCloseAllKey, &v)
	if err != nil || !ok {
		return false, err
	}
	return v, nil
}

// SetCloseAllTriggered sets the protocol-wide kill switch
func (r *CrankRepository) SetCloseAllTriggered(v bool) error {
	return putJSON(r.db, crankCloseAllKey, v)
}

// OpenInterest loads the aggregate long/short notional totals
func (r *CrankRepository) OpenInterest() (types.OpenInterest, error) {
	var oi types.OpenInterest
	ok, err := getJSON(r.db, crankOiKey, &oi)
	if err != nil {
		return types.OpenInterest{}, err
	}
	if !ok {
		return types.OpenInterest{Long: decimal.Zero, Short: decimal.Zero}, nil
	}
	return oi, nil
}

// SetOpenInterest persists the aggregate notional totals
func (r *CrankRepository) SetOpenInterest(oi types.OpenInterest) error {
	return putJSON(r.db, crankOiKey, oi)
}

// FeeFunds loads the protocol-held fee balances
func (r *CrankRepository) FeeFunds() (types.FeeFunds, error) {
	var f types.FeeFunds
	ok, err := getJSON(r.db, crankFundsKey, &f)
	if err != nil {
		return types.FeeFunds{}, err
	}
	if !ok {
		return types.FeeFunds{
			Crank: decimal.Zero, Funding: decimal.Zero,
			DeltaNeutrality: decimal.Zero, Protocol: decimal.Zero,
		}, nil
	}
	return f, nil
}

// SetFeeFunds persists the protocol-held fee balances
func (r *CrankRepository) SetFeeFunds(f types.FeeFunds) error {
	return putJSON(r.db, crankFundsKey, f)
}
