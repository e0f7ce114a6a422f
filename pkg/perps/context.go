package perps

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpfi/engine/pkg/store"
	"github.com/perpfi/engine/pkg/types"
)

// Ctx is the per-message execution scope: the block timestamp, the sender,
// any collateral attached to the message, and the outgoing transfers and
// events collected while the message runs. A Ctx never outlives its
// message; the price cache inside it is rebuilt on every call.
type Ctx struct {
	BlockTime time.Time
	Sender    string
	// Funds is collateral attached to the message; the market validates it
	// against the configured asset before the message body runs
	Funds decimal.Decimal
	// FundsAsset names the asset of the attached collateral. Empty means
	// the host did not specify one and the configured asset is assumed.
	FundsAsset string

	transfers []types.TransferMsg
	events    []Event
	prices    priceCache
}

// NewCtx builds a message context
func NewCtx(blockTime time.Time, sender string, funds decimal.Decimal) *Ctx {
	return &Ctx{BlockTime: blockTime.UTC(), Sender: sender, Funds: funds}
}

// WithFundsAsset tags the attached collateral with an explicit asset name
func (c *Ctx) WithFundsAsset(asset string) *Ctx {
	c.FundsAsset = asset
	return c
}

// Transfer queues an outgoing collateral transfer
func (c *Ctx) Transfer(recipient string, amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	c.transfers = append(c.transfers, types.TransferMsg{Recipient: recipient, Amount: amount})
}

// Emit records an event for this message
func (c *Ctx) Emit(ev Event) {
	c.events = append(c.events, ev)
}

// Transfers returns the queued outgoing transfers
func (c *Ctx) Transfers() []types.TransferMsg {
	return c.transfers
}

// Events returns the events emitted so far
func (c *Ctx) Events() []Event {
	return c.events
}

// RequireFunds fails unless the message carried a positive deposit
func (c *Ctx) RequireFunds() error {
	if !c.Funds.IsPositive() {
		return types.WalletErr(types.ErrMissingFunds, "message requires attached collateral")
	}
	return nil
}

// RequireNoFunds fails if collateral was attached to a message that takes none
func (c *Ctx) RequireNoFunds() error {
	if !c.Funds.IsZero() {
		return types.WalletErr(types.ErrUnexpectedFunds, "message does not accept attached collateral")
	}
	return nil
}

// priceCache memoizes the spot price for the duration of one message.
// Populated lazily, discarded with the Ctx.
type priceCache struct {
	point *types.PricePoint
}

// SpotPrice returns the current price point as of the block time,
// memoized per message
func (c *Ctx) SpotPrice(st *store.Store) (types.PricePoint, error) {
	if c.prices.point != nil {
		return *c.prices.point, nil
	}
	pp, ok, err := st.Prices.LatestAsOf(c.BlockTime)
	if err != nil {
		return types.PricePoint{}, err
	}
	if !ok {
		return types.PricePoint{}, types.MarketErr(types.ErrPriceNotFound, "no price as of %s", c.BlockTime)
	}
	c.prices.point = &pp
	return pp, nil
}

// InvalidateSpotPrice drops the memoized price; appends do this so the same
// message observes its own write
func (c *Ctx) InvalidateSpotPrice() {
	c.prices.point = nil
}
