package perps

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpfi/engine/pkg/types"
)

// SpotPriceKind selects how prices enter the history
type SpotPriceKind string

const (
	// SpotPriceManual gates price appends behind an admin address
	SpotPriceManual SpotPriceKind = "manual"
	// SpotPriceOracle accepts appends from configured feed addresses
	SpotPriceOracle SpotPriceKind = "oracle"
)

// SpotPriceConfig gates the price-feed append path
type SpotPriceConfig struct {
	Kind     SpotPriceKind `json:"kind" mapstructure:"kind"`
	Admin    string        `json:"admin,omitempty" mapstructure:"admin"`
	Feeds    []string      `json:"feeds,omitempty" mapstructure:"feeds"`
	FeedsUsd []string      `json:"feeds_usd,omitempty" mapstructure:"feeds_usd"`
}

// Allowed reports whether sender may append prices
func (c SpotPriceConfig) Allowed(sender string) bool {
	if c.Kind == SpotPriceManual {
		return sender == c.Admin
	}
	for _, f := range c.Feeds {
		if f == sender {
			return true
		}
	}
	return false
}

// MarketConfig holds every tunable of a single market. All rates are
// annualized unless stated otherwise.
type MarketConfig struct {
	MarketID        string           `json:"market_id" mapstructure:"market_id"`
	MarketType      types.MarketType `json:"market_type" mapstructure:"market_type"`
	CollateralAsset string           `json:"collateral_asset" mapstructure:"collateral_asset"`
	// QuoteIsUsd lets the USD price be derived from the pair itself
	QuoteIsUsd bool `json:"quote_is_usd" mapstructure:"quote_is_usd"`

	MinLeverage decimal.Decimal `json:"min_leverage" mapstructure:"min_leverage"`
	MaxLeverage decimal.Decimal `json:"max_leverage" mapstructure:"max_leverage"`
	MinDeposit  decimal.Decimal `json:"min_deposit" mapstructure:"min_deposit"`

	// Trading fee: charged on notional value plus counter-collateral
	TradingFeeNotionalRate decimal.Decimal `json:"trading_fee_notional_rate" mapstructure:"trading_fee_notional_rate"`
	TradingFeeCounterRate  decimal.Decimal `json:"trading_fee_counter_rate" mapstructure:"trading_fee_counter_rate"`

	// Borrow fee: paid by positions on locked counter-collateral
	BorrowFeeRateMin  decimal.Decimal `json:"borrow_fee_rate_min" mapstructure:"borrow_fee_rate_min"`
	BorrowFeeRateMax  decimal.Decimal `json:"borrow_fee_rate_max" mapstructure:"borrow_fee_rate_max"`
	TargetUtilization decimal.Decimal `json:"target_utilization" mapstructure:"target_utilization"`

	// Funding: longs pay shorts when long notional dominates
	FundingRateCap         decimal.Decimal `json:"funding_rate_cap" mapstructure:"funding_rate_cap"`
	FundingRateSensitivity decimal.Decimal `json:"funding_rate_sensitivity" mapstructure:"funding_rate_sensitivity"`

	// Delta-neutrality fee on net open interest changes
	DeltaNeutralityFeeCap         decimal.Decimal `json:"delta_neutrality_fee_cap" mapstructure:"delta_neutrality_fee_cap"`
	DeltaNeutralityFeeSensitivity decimal.Decimal `json:"delta_neutrality_fee_sensitivity" mapstructure:"delta_neutrality_fee_sensitivity"`
	DeltaNeutralityFeeTax         decimal.Decimal `json:"delta_neutrality_fee_tax" mapstructure:"delta_neutrality_fee_tax"`

	// Crank fee charged per chargeable operation and reward paid per
	// processed work unit
	CrankFeeCharged decimal.Decimal `json:"crank_fee_charged" mapstructure:"crank_fee_charged"`
	CrankFeeReward  decimal.Decimal `json:"crank_fee_reward" mapstructure:"crank_fee_reward"`

	LiquifundingInterval time.Duration `json:"liquifunding_interval" mapstructure:"liquifunding_interval"`
	// LiquifundingFuzzMax bounds the deterministic early offset used to
	// spread crank load
	LiquifundingFuzzMax time.Duration `json:"liquifunding_fuzz_max" mapstructure:"liquifunding_fuzz_max"`
	StalenessBuffer     time.Duration `json:"staleness_buffer" mapstructure:"staleness_buffer"`

	LiquidityCooldown  time.Duration   `json:"liquidity_cooldown" mapstructure:"liquidity_cooldown"`
	UnstakePeriod      time.Duration   `json:"unstake_period" mapstructure:"unstake_period"`
	XlpYieldMultiplier decimal.Decimal `json:"xlp_yield_multiplier" mapstructure:"xlp_yield_multiplier"`

	CrankExecsDefault int `json:"crank_execs_default" mapstructure:"crank_execs_default"`

	SpotPrice SpotPriceConfig `json:"spot_price" mapstructure:"spot_price"`
}

// DefaultMarketConfig returns production-shaped defaults for a
// collateral-is-quote market
func DefaultMarketConfig() *MarketConfig {
	return &MarketConfig{
		MarketID:        "BTC_USD",
		MarketType:      types.CollateralIsQuote,
		CollateralAsset: "usdc",
		QuoteIsUsd:      true,

		MinLeverage: decimal.NewFromInt(1),
		MaxLeverage: decimal.NewFromInt(30),
		MinDeposit:  decimal.NewFromInt(5),

		TradingFeeNotionalRate: decimal.RequireFromString("0.001"),  // 10 bps
		TradingFeeCounterRate:  decimal.RequireFromString("0.0005"), // 5 bps

		BorrowFeeRateMin:  decimal.RequireFromString("0.02"), // 2% APR
		BorrowFeeRateMax:  decimal.RequireFromString("0.60"), // 60% APR
		TargetUtilization: decimal.RequireFromString("0.50"),

		FundingRateCap:         decimal.RequireFromString("0.90"), // 90% APR
		FundingRateSensitivity: decimal.RequireFromString("0.50"),

		DeltaNeutralityFeeCap:         decimal.RequireFromString("0.005"),
		DeltaNeutralityFeeSensitivity: decimal.NewFromInt(50_000_000),
		DeltaNeutralityFeeTax:         decimal.RequireFromString("0.05"),

		CrankFeeCharged: decimal.RequireFromString("0.02"),
		CrankFeeReward:  decimal.RequireFromString("0.01"),

		LiquifundingInterval: time.Hour,
		LiquifundingFuzzMax:  10 * time.Minute,
		StalenessBuffer:      30 * time.Minute,

		LiquidityCooldown:  45 * time.Second,
		UnstakePeriod:      21 * 24 * time.Hour,
		XlpYieldMultiplier: decimal.NewFromInt(2),

		CrankExecsDefault: 7,

		SpotPrice: SpotPriceConfig{Kind: SpotPriceManual, Admin: "admin"},
	}
}

// Validate rejects configurations that would make the engine misprice
func (c *MarketConfig) Validate() error {
	if c.MarketID == "" {
		return types.MarketErr(types.ErrConversion, "market id must not be empty")
	}
	if c.CollateralAsset == "" {
		return types.MarketErr(types.ErrConversion, "collateral asset must not be empty")
	}
	if !c.MinLeverage.IsPositive() || c.MaxLeverage.LessThan(c.MinLeverage) {
		return types.MarketErr(types.ErrMaxLeverage, "leverage bounds invalid: [%s, %s]", c.MinLeverage, c.MaxLeverage)
	}
	if c.MinDeposit.IsNegative() {
		return types.MarketErr(types.ErrMinDeposit, "min deposit must not be negative")
	}
	if c.BorrowFeeRateMax.LessThan(c.BorrowFeeRateMin) {
		return types.MarketErr(types.ErrConversion, "borrow rate bounds invalid: [%s, %s]", c.BorrowFeeRateMin, c.BorrowFeeRateMax)
	}
	if !c.TargetUtilization.IsPositive() || c.TargetUtilization.GreaterThan(decimal.NewFromInt(1)) {
		return types.MarketErr(types.ErrConversion, "target utilization must be in (0, 1]")
	}
	if !c.FundingRateSensitivity.IsPositive() {
		return types.MarketErr(types.ErrConversion, "funding rate sensitivity must be positive")
	}
	if !c.DeltaNeutralityFeeSensitivity.IsPositive() {
		return types.MarketErr(types.ErrConversion, "delta-neutrality sensitivity must be positive")
	}
	if c.DeltaNeutralityFeeTax.IsNegative() || c.DeltaNeutralityFeeTax.GreaterThan(decimal.NewFromInt(1)) {
		return types.MarketErr(types.ErrConversion, "delta-neutrality tax must be in [0, 1]")
	}
	if c.LiquifundingInterval <= 0 {
		return types.MarketErr(types.ErrInvalidWindow, "liquifunding interval must be positive")
	}
	if c.LiquifundingFuzzMax < 0 || c.LiquifundingFuzzMax >= c.LiquifundingInterval {
		return types.MarketErr(types.ErrInvalidWindow, "liquifunding fuzz must be shorter than the interval")
	}
	if c.StalenessBuffer <= 0 {
		return types.MarketErr(types.ErrInvalidWindow, "staleness buffer must be positive")
	}
	if c.CrankExecsDefault <= 0 {
		return types.MarketErr(types.ErrConversion, "default crank execs must be positive")
	}
	return nil
}
