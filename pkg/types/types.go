package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction represents position direction relative to the base asset
type Direction int

const (
	DirectionLong Direction = iota
	DirectionShort
)

func (d Direction) String() string {
	if d == DirectionLong {
		return "long"
	}
	return "short"
}

// MarketType says which side of the pair is used as collateral
type MarketType int

const (
	// CollateralIsQuote settles in the quote asset; notional is the base asset
	CollateralIsQuote MarketType = iota
	// CollateralIsBase settles in the base asset; notional is the quote asset
	CollateralIsBase
)

// ToNotional returns the sign of the position's notional exposure.
// In a collateral-is-base market the base/notional exposure is inverted:
// long-to-base is short-to-notional and vice versa.
func (d Direction) ToNotional(mt MarketType) decimal.Decimal {
	sign := decimal.NewFromInt(1)
	if d == DirectionShort {
		sign = decimal.NewFromInt(-1)
	}
	if mt == CollateralIsBase {
		sign = sign.Neg()
	}
	return sign
}

// PricePoint is one entry in the append-only price history.
// Immutable once appended; timestamps are strictly increasing.
type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	// PriceNotional is the price of one notional unit in collateral units
	PriceNotional decimal.Decimal `json:"price_notional"`
	// PriceBase is the price of one base unit in quote units
	PriceBase decimal.Decimal `json:"price_base"`
	// PriceUsd is the price of one collateral unit in USD
	PriceUsd   decimal.Decimal `json:"price_usd"`
	MarketType MarketType      `json:"market_type"`
}

// CollateralToUsd converts a collateral amount at this price point
func (p PricePoint) CollateralToUsd(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(p.PriceUsd)
}

// NotionalToCollateral converts notional units into collateral units
func (p PricePoint) NotionalToCollateral(size decimal.Decimal) decimal.Decimal {
	return size.Mul(p.PriceNotional)
}

// MaxGains is the trader-selected cap on profit, expressed as a multiple of
// active collateral. Infinite is only legal in collateral-is-base markets for
// the long-to-notional direction.
type MaxGains struct {
	Ratio    decimal.Decimal `json:"ratio"`
	Infinite bool            `json:"infinite,omitempty"`
}

// FeeAmount tracks a fee total in both collateral and USD terms
type FeeAmount struct {
	Collateral decimal.Decimal `json:"collateral"`
	Usd        decimal.Decimal `json:"usd"`
}

// Add accumulates a collateral-denominated charge priced at the given point
func (f FeeAmount) Add(amount decimal.Decimal, price PricePoint) FeeAmount {
	return FeeAmount{
		Collateral: f.Collateral.Add(amount),
		Usd:        f.Usd.Add(price.CollateralToUsd(amount)),
	}
}

// PositionFees is the running total of every fee a position has paid.
// Funding can be negative (a net receipt).
type PositionFees struct {
	Trading         FeeAmount `json:"trading"`
	Funding         FeeAmount `json:"funding"`
	Borrow          FeeAmount `json:"borrow"`
	Crank           FeeAmount `json:"crank"`
	DeltaNeutrality FeeAmount `json:"delta_neutrality"`
}

// LiquidationMargin is the collateral a position must keep in reserve to
// cover worst-case fees until its next liquifunding is processed
type LiquidationMargin struct {
	Borrow          decimal.Decimal `json:"borrow"`
	Funding         decimal.Decimal `json:"funding"`
	DeltaNeutrality decimal.Decimal `json:"delta_neutrality"`
	Crank           decimal.Decimal `json:"crank"`
}

// Total returns the sum of all margin components
func (m LiquidationMargin) Total() decimal.Decimal {
	return m.Borrow.Add(m.Funding).Add(m.DeltaNeutrality).Add(m.Crank)
}

// TriggerPrices are the liquidation and max-gains prices in force for a
// position. They are recomputed on every liquifunding and sit as pending
// until the crank promotes them, so that a price point never liquidates a
// position against margins derived from that same point.
type TriggerPrices struct {
	Liquidation *decimal.Decimal `json:"liquidation,omitempty"`
	MaxGains    *decimal.Decimal `json:"max_gains,omitempty"`
}

// PendingTriggerPrices are recomputed trigger prices awaiting promotion
type PendingTriggerPrices struct {
	Since    time.Time     `json:"since"`
	Triggers TriggerPrices `json:"triggers"`
}

// Position is an open leveraged position. ActiveCollateral and
// CounterCollateral stay strictly positive while the position is open;
// LiquifundedAt <= NextLiquifunding <= StaleAt always holds.
type Position struct {
	ID        uint64    `json:"id"`
	Owner     string    `json:"owner"`
	Direction Direction `json:"direction"`

	ActiveCollateral  decimal.Decimal `json:"active_collateral"`
	CounterCollateral decimal.Decimal `json:"counter_collateral"`
	// NotionalSize is signed: positive is long-to-notional
	NotionalSize decimal.Decimal `json:"notional_size"`
	// EntryPrice is the notional price at the last settlement
	EntryPrice decimal.Decimal `json:"entry_price"`
	Leverage   decimal.Decimal `json:"leverage"`
	MaxGains   MaxGains        `json:"max_gains"`

	// DepositCollateral is the cumulative net deposit, kept for PnL
	// reporting on close
	DepositCollateral decimal.Decimal `json:"deposit_collateral"`

	CreatedAt        time.Time `json:"created_at"`
	LiquifundedAt    time.Time `json:"liquifunded_at"`
	NextLiquifunding time.Time `json:"next_liquifunding"`
	StaleAt          time.Time `json:"stale_at"`

	Fees              PositionFees      `json:"fees"`
	LiquidationMargin LiquidationMargin `json:"liquidation_margin"`

	// Triggers are the promoted trigger prices used by liquidation checks
	Triggers TriggerPrices         `json:"triggers"`
	Pending  *PendingTriggerPrices `json:"pending,omitempty"`

	StopLossOverride   *decimal.Decimal `json:"stop_loss_override,omitempty"`
	TakeProfitOverride *decimal.Decimal `json:"take_profit_override,omitempty"`
}

// NotionalSizeInCollateral values the position's exposure at a price point
func (p *Position) NotionalSizeInCollateral(price PricePoint) decimal.Decimal {
	return price.NotionalToCollateral(p.NotionalSize)
}

// CloseReason records why a position left the books
type CloseReason string

const (
	CloseReasonDirect     CloseReason = "direct"
	CloseReasonLiquidated CloseReason = "liquidated"
	CloseReasonMaxGains   CloseReason = "max-gains"
	CloseReasonStopLoss   CloseReason = "stop-loss"
	CloseReasonTakeProfit CloseReason = "take-profit"
	CloseReasonCloseAll   CloseReason = "close-all"
)

// ClosedPosition is the immutable record written when a position closes
type ClosedPosition struct {
	ID        uint64    `json:"id"`
	Owner     string    `json:"owner"`
	Direction Direction `json:"direction"`

	CreatedAt       time.Time       `json:"created_at"`
	ClosedAt        time.Time       `json:"closed_at"`
	Reason          CloseReason     `json:"reason"`
	SettlementPrice decimal.Decimal `json:"settlement_price"`

	// ActiveCollateral is what was returned to the owner
	ActiveCollateral decimal.Decimal `json:"active_collateral"`
	Deposit          decimal.Decimal `json:"deposit"`
	PnL              decimal.Decimal `json:"pnl"`
	Fees             PositionFees    `json:"fees"`
}

// PoolTotals tracks pooled counter-collateral and outstanding shares.
// Locked always equals the sum of open positions' counter-collateral.
type PoolTotals struct {
	Locked   decimal.Decimal `json:"locked"`
	Unlocked decimal.Decimal `json:"unlocked"`
	TotalLp  decimal.Decimal `json:"total_lp"`
	TotalXlp decimal.Decimal `json:"total_xlp"`
}

// Collateral is the pool's total backing for outstanding shares
func (t PoolTotals) Collateral() decimal.Decimal {
	return t.Locked.Add(t.Unlocked)
}

// TotalShares is LP plus xLP shares outstanding
func (t PoolTotals) TotalShares() decimal.Decimal {
	return t.TotalLp.Add(t.TotalXlp)
}

// ProviderStats is one liquidity provider's record. Removed from storage
// when every field returns to zero.
type ProviderStats struct {
	Addr      string          `json:"addr"`
	LpShares  decimal.Decimal `json:"lp_shares"`
	XlpShares decimal.Decimal `json:"xlp_shares"`

	// Linear xLP unstake in progress
	UnstakingXlp       decimal.Decimal `json:"unstaking_xlp"`
	UnstakingCollected decimal.Decimal `json:"unstaking_collected"`
	UnstakingStarted   time.Time       `json:"unstaking_started"`
	UnstakingEnds      time.Time       `json:"unstaking_ends"`

	CooldownEnds time.Time `json:"cooldown_ends"`

	// Yield accounting against the pool-wide reward indexes
	LpYieldIndex  decimal.Decimal `json:"lp_yield_index"`
	XlpYieldIndex decimal.Decimal `json:"xlp_yield_index"`
	PendingYield  decimal.Decimal `json:"pending_yield"`
}

// IsZero reports whether the record can be deleted
func (p ProviderStats) IsZero() bool {
	return p.LpShares.IsZero() && p.XlpShares.IsZero() &&
		p.UnstakingXlp.IsZero() && p.PendingYield.IsZero()
}

// LimitOrder is a pending trigger order awaiting conversion into a position
type LimitOrder struct {
	OrderID      uint64          `json:"order_id"`
	Owner        string          `json:"owner"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Collateral   decimal.Decimal `json:"collateral"`
	Leverage     decimal.Decimal `json:"leverage"`
	Direction    Direction       `json:"direction"`
	MaxGains     MaxGains        `json:"max_gains"`

	StopLossOverride   *decimal.Decimal `json:"stop_loss_override,omitempty"`
	TakeProfitOverride *decimal.Decimal `json:"take_profit_override,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// CrankWorkKind tags the crank work-item union
type CrankWorkKind string

const (
	WorkCloseAllPositions CrankWorkKind = "close-all-positions"
	WorkResetLpBalances   CrankWorkKind = "reset-lp-balances"
	WorkLiquifund         CrankWorkKind = "liquifund"
	WorkUnpendTriggers    CrankWorkKind = "unpend-trigger-prices"
	WorkLiquidation       CrankWorkKind = "liquidation"
	WorkLimitOrder        CrankWorkKind = "limit-order"
	WorkCompleted         CrankWorkKind = "completed"
)

// CrankWork is the single next unit of time-dependent work. It is computed
// on demand from stored state and never persisted.
type CrankWork struct {
	Kind           CrankWorkKind `json:"kind"`
	PositionID     uint64        `json:"position_id,omitempty"`
	OrderID        uint64        `json:"order_id,omitempty"`
	Provider       string        `json:"provider,omitempty"`
	Reason         CloseReason   `json:"reason,omitempty"`
	PriceTimestamp time.Time     `json:"price_timestamp,omitzero"`
}

// TransferMsg instructs the host to move collateral to a recipient. The
// engine never queries external token state; it only emits transfers.
type TransferMsg struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
}

// FeeFunds are protocol-held collateral balances outside the pool
type FeeFunds struct {
	// Crank holds collected crank fees awaiting payout to crankers
	Crank decimal.Decimal `json:"crank"`
	// Funding buffers funding payments between payer and receiver
	// settlements; it can run transiently negative
	Funding decimal.Decimal `json:"funding"`
	// DeltaNeutrality funds rebates for balance-restoring trades
	DeltaNeutrality decimal.Decimal `json:"delta_neutrality"`
	// Protocol is the tax portion retained by the protocol
	Protocol decimal.Decimal `json:"protocol"`
}

// OpenInterest tracks aggregate notional exposure per side, in notional units
type OpenInterest struct {
	Long  decimal.Decimal `json:"long"`
	Short decimal.Decimal `json:"short"`
}

// Net returns long minus short exposure
func (oi OpenInterest) Net() decimal.Decimal {
	return oi.Long.Sub(oi.Short)
}
