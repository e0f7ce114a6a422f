package perps

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/perpfi/engine/pkg/store"
	"github.com/perpfi/engine/pkg/types"
)

const orderSeq = "order"

// OrderEngine stores limit orders and converts them into positions when the
// crank observes a crossing price
type OrderEngine struct {
	cfg       *MarketConfig
	positions *PositionEngine
}

// NewOrderEngine builds the limit-order engine for one market
func NewOrderEngine(cfg *MarketConfig, positions *PositionEngine) *OrderEngine {
	return &OrderEngine{cfg: cfg, positions: positions}
}

// Place escrows the attached deposit behind a trigger price. The order's
// open parameters are validated here so a malformed order fails at placement
// instead of silently dropping at trigger time.
func (o *OrderEngine) Place(st *store.Store, ctx *Ctx, triggerPrice decimal.Decimal, params OpenParams) (*types.LimitOrder, error) {
	if err := ctx.RequireFunds(); err != nil {
		return nil, err
	}
	if err := types.RequirePositive("trigger price", triggerPrice); err != nil {
		return nil, err
	}
	if ctx.Funds.LessThan(o.cfg.MinDeposit) {
		return nil, types.MarketErr(types.ErrMinDeposit,
			"deposit %s below minimum %s", ctx.Funds, o.cfg.MinDeposit)
	}
	if params.Leverage.LessThan(o.cfg.MinLeverage) || params.Leverage.GreaterThan(o.cfg.MaxLeverage) {
		return nil, types.MarketErr(types.ErrMaxLeverage,
			"leverage %s outside [%s, %s]", params.Leverage, o.cfg.MinLeverage, o.cfg.MaxLeverage)
	}
	if !params.MaxGains.Infinite && !params.MaxGains.Ratio.IsPositive() {
		return nil, types.MarketErr(types.ErrInvalidMaxGains,
			"max gains ratio must be positive, got %s", params.MaxGains.Ratio)
	}

	// The trigger must sit on the entry side of the current price: longs
	// buy dips, shorts sell rallies. An order already crossed belongs in
	// OpenPosition, not here.
	price, err := ctx.SpotPrice(st)
	if err != nil {
		return nil, err
	}
	long := params.Direction.ToNotional(o.cfg.MarketType).IsPositive()
	if (long && !triggerPrice.LessThan(price.PriceNotional)) ||
		(!long && !triggerPrice.GreaterThan(price.PriceNotional)) {
		return nil, types.MarketErr(types.ErrInvalidTrigger,
			"trigger %s on the wrong side of price %s", triggerPrice, price.PriceNotional)
	}

	id, err := st.Seq.Next(orderSeq)
	if err != nil {
		return nil, err
	}
	order := &types.LimitOrder{
		OrderID:            id,
		Owner:              ctx.Sender,
		TriggerPrice:       triggerPrice,
		Collateral:         ctx.Funds,
		Leverage:           params.Leverage,
		Direction:          params.Direction,
		MaxGains:           params.MaxGains,
		StopLossOverride:   params.StopLossOverride,
		TakeProfitOverride: params.TakeProfitOverride,
		CreatedAt:          ctx.BlockTime,
	}
	if err := st.Orders.Save(order); err != nil {
		return nil, err
	}
	ctx.Emit(LimitOrderPlaced{OrderID: id, Owner: ctx.Sender, TriggerPrice: triggerPrice})
	return order, nil
}

// Cancel removes the sender's order and refunds its escrowed collateral
func (o *OrderEngine) Cancel(st *store.Store, ctx *Ctx, id uint64) error {
	if err := ctx.RequireNoFunds(); err != nil {
		return err
	}
	order, ok, err := st.Orders.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return types.MarketErr(types.ErrOrderNotFound, "no limit order %d", id)
	}
	if order.Owner != ctx.Sender {
		return types.MarketErr(types.ErrUnauthorized, "order %d is not owned by %s", id, ctx.Sender)
	}
	if err := st.Orders.Delete(id); err != nil {
		return err
	}
	ctx.Transfer(order.Owner, order.Collateral)
	ctx.Emit(LimitOrderCanceled{OrderID: id, Owner: order.Owner})
	return nil
}

// FirstTriggered returns the lowest-id order whose trigger price the given
// point crosses
func (o *OrderEngine) FirstTriggered(st *store.Store, price types.PricePoint) (*types.LimitOrder, bool, error) {
	var found *types.LimitOrder
	err := st.Orders.Iterate(func(order *types.LimitOrder) (bool, error) {
		if o.crossed(order, price) {
			found = order
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}
	return found, found != nil, nil
}

func (o *OrderEngine) crossed(order *types.LimitOrder, price types.PricePoint) bool {
	long := order.Direction.ToNotional(o.cfg.MarketType).IsPositive()
	if long {
		return price.PriceNotional.LessThanOrEqual(order.TriggerPrice)
	}
	return price.PriceNotional.GreaterThanOrEqual(order.TriggerPrice)
}

// Trigger converts a crossed order into a position settled at the price
// point that crossed it. Activation failures (margin shortfall at the
// triggered price, a drained pool) drop the order and refund the escrow;
// the failure never aborts the crank that ran it.
func (o *OrderEngine) Trigger(st *store.Store, ctx *Ctx, order *types.LimitOrder, price types.PricePoint) error {
	if err := st.Orders.Delete(order.OrderID); err != nil {
		return err
	}
	pos, err := o.positions.open(st, ctx, order.Owner, order.Collateral, price, OpenParams{
		Direction:          order.Direction,
		Leverage:           order.Leverage,
		MaxGains:           order.MaxGains,
		StopLossOverride:   order.StopLossOverride,
		TakeProfitOverride: order.TakeProfitOverride,
	})
	if err != nil {
		var engineErr *types.Error
		if !errors.As(err, &engineErr) || engineErr.Domain == types.DomainStore {
			return err
		}
		ctx.Transfer(order.Owner, order.Collateral)
		ctx.Emit(LimitOrderTriggered{OrderID: order.OrderID, Dropped: true, DropReason: err.Error()})
		return nil
	}
	ctx.Emit(LimitOrderTriggered{OrderID: order.OrderID, PositionID: pos.ID})
	return nil
}
