package perps

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpfi/engine/pkg/types"
)

// Event is a typed engine event. Events serialize as a tagged union
// ({"type": ..., "data": {...}}), keeping the wire format decoupled from
// the in-memory representation.
type Event interface {
	EventType() string
}

// MarshalEvent serializes an event with its type tag
func MarshalEvent(ev Event) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Data Event  `json:"data"`
	}{Type: ev.EventType(), Data: ev})
}

// PriceAppended fires when a price point enters the history
type PriceAppended struct {
	Point types.PricePoint `json:"point"`
}

func (PriceAppended) EventType() string { return "price-appended" }

// PositionOpened fires on open, including limit-order activation
type PositionOpened struct {
	PositionID uint64          `json:"position_id"`
	Owner      string          `json:"owner"`
	Direction  string          `json:"direction"`
	Collateral decimal.Decimal `json:"collateral"`
	Leverage   decimal.Decimal `json:"leverage"`
	Notional   decimal.Decimal `json:"notional"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

func (PositionOpened) EventType() string { return "position-opened" }

// PositionUpdated fires on any update-position message
type PositionUpdated struct {
	PositionID uint64          `json:"position_id"`
	Collateral decimal.Decimal `json:"collateral"`
	Leverage   decimal.Decimal `json:"leverage"`
	Notional   decimal.Decimal `json:"notional"`
}

func (PositionUpdated) EventType() string { return "position-updated" }

// PositionClosed fires when a position leaves the books for any reason
type PositionClosed struct {
	PositionID uint64            `json:"position_id"`
	Owner      string            `json:"owner"`
	Reason     types.CloseReason `json:"reason"`
	PnL        decimal.Decimal   `json:"pnl"`
	Returned   decimal.Decimal   `json:"returned"`
}

func (PositionClosed) EventType() string { return "position-closed" }

// LiquidityDeposited fires on pool deposits
type LiquidityDeposited struct {
	Provider string          `json:"provider"`
	Amount   decimal.Decimal `json:"amount"`
	Shares   decimal.Decimal `json:"shares"`
	Xlp      bool            `json:"xlp"`
}

func (LiquidityDeposited) EventType() string { return "liquidity-deposited" }

// LiquidityWithdrawn fires on pool withdrawals
type LiquidityWithdrawn struct {
	Provider string          `json:"provider"`
	Amount   decimal.Decimal `json:"amount"`
	Shares   decimal.Decimal `json:"shares"`
}

func (LiquidityWithdrawn) EventType() string { return "liquidity-withdrawn" }

// YieldClaimed fires when a provider collects accrued yield
type YieldClaimed struct {
	Provider string          `json:"provider"`
	Amount   decimal.Decimal `json:"amount"`
}

func (YieldClaimed) EventType() string { return "yield-claimed" }

// LpStaked fires when LP shares convert to xLP
type LpStaked struct {
	Provider string          `json:"provider"`
	Amount   decimal.Decimal `json:"amount"`
}

func (LpStaked) EventType() string { return "lp-staked" }

// XlpUnstakeStarted fires when a linear xLP unstake begins
type XlpUnstakeStarted struct {
	Provider string          `json:"provider"`
	Amount   decimal.Decimal `json:"amount"`
	Ends     time.Time       `json:"ends"`
}

func (XlpUnstakeStarted) EventType() string { return "xlp-unstake-started" }

// UnstakedLpCollected fires when matured unstake converts back to LP
type UnstakedLpCollected struct {
	Provider string          `json:"provider"`
	Amount   decimal.Decimal `json:"amount"`
}

func (UnstakedLpCollected) EventType() string { return "unstaked-lp-collected" }

// LimitOrderPlaced fires when a trigger order is stored
type LimitOrderPlaced struct {
	OrderID      uint64          `json:"order_id"`
	Owner        string          `json:"owner"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
}

func (LimitOrderPlaced) EventType() string { return "limit-order-placed" }

// LimitOrderCanceled fires when an order is canceled by its owner
type LimitOrderCanceled struct {
	OrderID uint64 `json:"order_id"`
	Owner   string `json:"owner"`
}

func (LimitOrderCanceled) EventType() string { return "limit-order-canceled" }

// LimitOrderTriggered fires when the crank converts an order. PositionID is
// zero and Dropped true when activation failed and the order was discarded.
type LimitOrderTriggered struct {
	OrderID    uint64 `json:"order_id"`
	PositionID uint64 `json:"position_id,omitempty"`
	Dropped    bool   `json:"dropped,omitempty"`
	DropReason string `json:"drop_reason,omitempty"`
}

func (LimitOrderTriggered) EventType() string { return "limit-order-triggered" }

// CrankWorkProcessed fires once per executed work unit
type CrankWorkProcessed struct {
	Work types.CrankWork `json:"work"`
}

func (CrankWorkProcessed) EventType() string { return "crank-work-processed" }

// CrankBatch summarizes one crank invocation
type CrankBatch struct {
	Requested int             `json:"requested"`
	Processed int             `json:"processed"`
	Reward    decimal.Decimal `json:"reward"`
	Rewarded  string          `json:"rewarded"`
}

func (CrankBatch) EventType() string { return "crank-batch" }
