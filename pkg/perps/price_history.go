package perps

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpfi/engine/pkg/store"
	"github.com/perpfi/engine/pkg/types"
)

// PriceHistory validates and appends spot-price points. Reads go straight
// through the repository; this layer only owns the append rules.
type PriceHistory struct {
	cfg *MarketConfig
}

// NewPriceHistory builds the price-history service for one market
func NewPriceHistory(cfg *MarketConfig) *PriceHistory {
	return &PriceHistory{cfg: cfg}
}

// Append validates and stores a new price point at now. priceBase is the
// base asset priced in quote units; priceUsd prices the collateral asset in
// USD and may be nil when derivable from the pair itself.
func (h *PriceHistory) Append(st *store.Store, now time.Time, priceBase decimal.Decimal, priceUsd *decimal.Decimal) (types.PricePoint, error) {
	if err := types.RequirePositive("price", priceBase); err != nil {
		return types.PricePoint{}, err
	}
	if priceUsd != nil {
		if err := types.RequirePositive("usd price", *priceUsd); err != nil {
			return types.PricePoint{}, err
		}
	}

	// Strictly increasing timestamps; a second append in the same block
	// is rejected rather than silently merged
	last, ok, err := st.Prices.Latest()
	if err != nil {
		return types.PricePoint{}, err
	}
	if ok && !last.Timestamp.Before(now) {
		return types.PricePoint{}, types.MarketErr(types.ErrPriceAlreadyExists,
			"price point at %s already exists (appending at %s)", last.Timestamp, now)
	}

	usd, err := h.resolveUsd(priceBase, priceUsd)
	if err != nil {
		return types.PricePoint{}, err
	}

	notional := priceBase
	if h.cfg.MarketType == types.CollateralIsBase {
		notional, err = types.CheckedDiv(decimal.NewFromInt(1), priceBase)
		if err != nil {
			return types.PricePoint{}, err
		}
	}

	pp := types.PricePoint{
		Timestamp:     now.UTC(),
		PriceNotional: notional,
		PriceBase:     priceBase,
		PriceUsd:      usd,
		MarketType:    h.cfg.MarketType,
	}
	if err := st.Prices.Put(pp); err != nil {
		return types.PricePoint{}, err
	}
	return pp, nil
}

// resolveUsd derives the collateral/USD price from the pair when one side
// is USD, and cross-checks any explicitly supplied value against it
func (h *PriceHistory) resolveUsd(priceBase decimal.Decimal, priceUsd *decimal.Decimal) (decimal.Decimal, error) {
	if !h.cfg.QuoteIsUsd {
		if priceUsd == nil {
			return decimal.Zero, types.MarketErr(types.ErrPriceNotFound,
				"usd price required: neither side of %s is USD", h.cfg.MarketID)
		}
		return *priceUsd, nil
	}

	// Quote is USD: collateral-is-quote means the collateral is USD
	// itself; collateral-is-base means the pair price is the USD price.
	derived := decimal.NewFromInt(1)
	if h.cfg.MarketType == types.CollateralIsBase {
		derived = priceBase
	}
	if priceUsd != nil && !priceUsd.Equal(derived) {
		return decimal.Zero, types.MarketErr(types.ErrPriceConflict,
			"supplied usd price %s conflicts with derived %s", *priceUsd, derived)
	}
	return derived, nil
}

// LatestAsOf returns the most recent point at or before t, failing with
// PriceNotFound when the history is empty up to t
func (h *PriceHistory) LatestAsOf(st *store.Store, t time.Time) (types.PricePoint, error) {
	pp, ok, err := st.Prices.LatestAsOf(t)
	if err != nil {
		return types.PricePoint{}, err
	}
	if !ok {
		return types.PricePoint{}, types.MarketErr(types.ErrPriceNotFound, "no price as of %s", t)
	}
	return pp, nil
}
