package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/perpfi/engine/pkg/metrics"
	"github.com/perpfi/engine/pkg/perps"
	"github.com/perpfi/engine/pkg/types"
)

// Server routes HTTP traffic to a Market. Exec requests carry the sender
// and any attached collateral in the body; the engine itself never touches
// token balances, so "attached funds" here is the host's assertion.
type Server struct {
	market *perps.Market
	hub    *WSHub
	log    *zap.Logger
	now    func() time.Time
}

// NewServer builds the HTTP layer over a market
func NewServer(market *perps.Market, hub *WSHub, log *zap.Logger) *Server {
	return &Server{market: market, hub: hub, log: log.Named("api"), now: time.Now}
}

// Router assembles the chi router
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perpfi-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", s.hub.HandleWS)
		r.Get("/status", s.handleStatus)

		r.Get("/price", s.handleSpotPrice)
		r.Get("/prices", s.handlePriceRange)
		r.Post("/prices", s.handleAppendPrice)

		r.Post("/positions/open", s.handleOpenPosition)
		r.Get("/positions", s.handleListPositions)
		r.Get("/positions/closed", s.handleClosedPositions)
		r.Get("/positions/{id}", s.handleGetPosition)
		r.Post("/positions/{id}/add-collateral", s.handleAddCollateral)
		r.Post("/positions/{id}/remove-collateral", s.handleRemoveCollateral)
		r.Post("/positions/{id}/leverage", s.handleUpdateLeverage)
		r.Post("/positions/{id}/max-gains", s.handleUpdateMaxGains)
		r.Post("/positions/{id}/triggers", s.handleSetTriggers)
		r.Post("/positions/{id}/close", s.handleClosePosition)

		r.Get("/liquidity", s.handlePool)
		r.Get("/liquidity/providers/{addr}", s.handleProvider)
		r.Post("/liquidity/deposit", s.handleDeposit)
		r.Post("/liquidity/withdraw", s.handleWithdraw)
		r.Post("/liquidity/claim-yield", s.handleClaimYield)
		r.Post("/liquidity/stake", s.handleStakeLp)
		r.Post("/liquidity/unstake", s.handleUnstakeXlp)
		r.Post("/liquidity/collect", s.handleCollectUnstaked)

		r.Get("/orders", s.handleListOrders)
		r.Get("/orders/{id}", s.handleGetOrder)
		r.Post("/orders", s.handlePlaceOrder)
		r.Post("/orders/{id}/cancel", s.handleCancelOrder)

		r.Get("/crank/work", s.handleCrankWork)
		r.Post("/crank", s.handleCrank)
		r.Post("/close-all", s.handleCloseAll)
	})
	return r
}

// execRequest is the common exec envelope. Asset names the denom of the
// attached funds; when set it must match the market's collateral asset.
type execRequest struct {
	Sender string          `json:"sender"`
	Funds  decimal.Decimal `json:"funds"`
	Asset  string          `json:"asset,omitempty"`
}

func (s *Server) ctxFrom(req execRequest) *perps.Ctx {
	return perps.NewCtx(s.now(), req.Sender, req.Funds).WithFundsAsset(req.Asset)
}

func (s *Server) finish(w http.ResponseWriter, msg string, ctx *perps.Ctx, res *perps.ExecResult, body interface{}, err error) {
	if err != nil {
		metrics.ExecsTotal.WithLabelValues(msg, "rejected").Inc()
		writeErr(w, err)
		return
	}
	metrics.ExecsTotal.WithLabelValues(msg, "committed").Inc()
	s.hub.BroadcastEvents(res.Events)
	s.recordEventMetrics(res.Events)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result":    body,
		"transfers": res.Transfers,
		"events":    eventPayloads(res.Events),
	})
}

func (s *Server) recordEventMetrics(events []perps.Event) {
	for _, ev := range events {
		switch e := ev.(type) {
		case perps.PositionOpened:
			metrics.PositionsOpened.WithLabelValues(e.Direction).Inc()
		case perps.PositionClosed:
			metrics.PositionsClosed.WithLabelValues(string(e.Reason)).Inc()
		case perps.CrankWorkProcessed:
			metrics.CrankWorkTotal.WithLabelValues(string(e.Work.Kind)).Inc()
		case perps.PriceAppended:
			metrics.PricePointsTotal.Inc()
		}
	}
}

func eventPayloads(events []perps.Event) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		raw, err := perps.MarshalEvent(ev)
		if err != nil {
			continue
		}
		out = append(out, raw)
	}
	return out
}

// --- price handlers ---

type appendPriceRequest struct {
	execRequest
	Price    decimal.Decimal  `json:"price"`
	PriceUsd *decimal.Decimal `json:"price_usd,omitempty"`
}

func (s *Server) handleAppendPrice(w http.ResponseWriter, r *http.Request) {
	var req appendPriceRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := s.ctxFrom(req.execRequest)
	var (
		res *perps.ExecResult
		err error
	)
	if s.market.Config().SpotPrice.Kind == perps.SpotPriceManual {
		res, err = s.market.SetManualPrice(ctx, req.Price, req.PriceUsd)
	} else {
		res, err = s.market.AppendOraclePrice(ctx, req.Price, req.PriceUsd)
	}
	s.finish(w, "append-price", ctx, res, nil, err)
}

func (s *Server) handleSpotPrice(w http.ResponseWriter, r *http.Request) {
	asOf := s.now()
	if v := r.URL.Query().Get("as_of"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeErr(w, types.MarketErr(types.ErrConversion, "invalid as_of %q", v))
			return
		}
		asOf = t
	}
	pp, err := s.market.SpotPrice(asOf)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pp)
}

func (s *Server) handlePriceRange(w http.ResponseWriter, r *http.Request) {
	startAfter := time.Unix(0, 0)
	if v := r.URL.Query().Get("start_after"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeErr(w, types.MarketErr(types.ErrConversion, "invalid start_after %q", v))
			return
		}
		startAfter = t
	}
	points, err := s.market.PriceRange(startAfter, queryLimit(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// --- position handlers ---

type openPositionRequest struct {
	execRequest
	Direction  string               `json:"direction"`
	Leverage   decimal.Decimal      `json:"leverage"`
	MaxGains   maxGainsPayload      `json:"max_gains"`
	Slippage   *perps.SlippageAssert `json:"slippage,omitempty"`
	StopLoss   *decimal.Decimal     `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal     `json:"take_profit,omitempty"`
}

// maxGainsPayload accepts either a ratio string or "infinite"
type maxGainsPayload struct {
	types.MaxGains
}

func (m *maxGainsPayload) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil && s == "infinite" {
		m.Infinite = true
		return nil
	}
	return json.Unmarshal(data, &m.MaxGains)
}

func parseDirection(s string) (types.Direction, error) {
	switch s {
	case "long":
		return types.DirectionLong, nil
	case "short":
		return types.DirectionShort, nil
	}
	return 0, types.MarketErr(types.ErrConversion, "invalid direction %q", s)
}

func (r openPositionRequest) params() (perps.OpenParams, error) {
	dir, err := parseDirection(r.Direction)
	if err != nil {
		return perps.OpenParams{}, err
	}
	return perps.OpenParams{
		Direction:          dir,
		Leverage:           r.Leverage,
		MaxGains:           r.MaxGains.MaxGains,
		Slippage:           r.Slippage,
		StopLossOverride:   r.StopLoss,
		TakeProfitOverride: r.TakeProfit,
	}, nil
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if !decode(w, r, &req) {
		return
	}
	params, err := req.params()
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx := s.ctxFrom(req.execRequest)
	pos, res, err := s.market.OpenPosition(ctx, params)
	s.finish(w, "open-position", ctx, res, pos, err)
}

func (s *Server) handleAddCollateral(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req execRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := s.ctxFrom(req)
	var (
		pos *types.Position
		res *perps.ExecResult
		err error
	)
	if r.URL.Query().Get("impact") == "size" {
		pos, res, err = s.market.UpdatePositionAddCollateralImpactSize(ctx, id)
	} else {
		pos, res, err = s.market.UpdatePositionAddCollateralImpactLeverage(ctx, id)
	}
	s.finish(w, "add-collateral", ctx, res, pos, err)
}

type amountRequest struct {
	execRequest
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) handleRemoveCollateral(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := s.ctxFrom(req.execRequest)
	var (
		pos *types.Position
		res *perps.ExecResult
		err error
	)
	if r.URL.Query().Get("impact") == "size" {
		pos, res, err = s.market.UpdatePositionRemoveCollateralImpactSize(ctx, id, req.Amount)
	} else {
		pos, res, err = s.market.UpdatePositionRemoveCollateralImpactLeverage(ctx, id, req.Amount)
	}
	s.finish(w, "remove-collateral", ctx, res, pos, err)
}

type leverageRequest struct {
	execRequest
	Leverage decimal.Decimal `json:"leverage"`
}

func (s *Server) handleUpdateLeverage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req leverageRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := s.ctxFrom(req.execRequest)
	pos, res, err := s.market.UpdatePositionLeverage(ctx, id, req.Leverage)
	s.finish(w, "update-leverage", ctx, res, pos, err)
}

type maxGainsRequest struct {
	execRequest
	MaxGains maxGainsPayload `json:"max_gains"`
}

func (s *Server) handleUpdateMaxGains(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req maxGainsRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := s.ctxFrom(req.execRequest)
	pos, res, err := s.market.UpdatePositionMaxGains(ctx, id, req.MaxGains.MaxGains)
	s.finish(w, "update-max-gains", ctx, res, pos, err)
}

type triggersRequest struct {
	execRequest
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
}

func (s *Server) handleSetTriggers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req triggersRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := s.ctxFrom(req.execRequest)
	pos, res, err := s.market.SetTriggerOrder(ctx, id, req.StopLoss, req.TakeProfit)
	s.finish(w, "set-trigger-order", ctx, res, pos, err)
}

type closeRequest struct {
	execRequest
	Slippage *perps.SlippageAssert `json:"slippage,omitempty"`
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req closeRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := s.ctxFrom(req.execRequest)
	cp, res, err := s.market.ClosePosition(ctx, id, req.Slippage)
	s.finish(w, "close-position", ctx, res, cp, err)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	pos, err := s.market.Position(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	startAfter, _ := strconv.ParseUint(r.URL.Query().Get("start_after"), 10, 64)
	out, err := s.market.OpenPositions(r.URL.Query().Get("owner"), startAfter, queryLimit(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClosedPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := q.Get("owner")
	if owner == "" {
		writeErr(w, types.MarketErr(types.ErrConversion, "owner is required"))
		return
	}
	afterTs := time.Unix(0, 0)
	if v := q.Get("after_ts"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeErr(w, types.MarketErr(types.ErrConversion, "invalid after_ts %q", v))
			return
		}
		afterTs = t
	}
	afterID, _ := strconv.ParseUint(q.Get("after_id"), 10, 64)
	out, err := s.market.ClosedPositions(owner, afterTs, afterID, queryLimit(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- liquidity handlers ---

type depositRequest struct {
	execRequest
	StakeToXlp bool `json:"stake_to_xlp"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := s.ctxFrom(req.execRequest)
	res, err := s.market.DepositLiquidity(ctx, req.StakeToXlp)
	s.finish(w, "deposit-liquidity", ctx, res, nil, err)
}

type sharesRequest struct {
	execRequest
	Shares *decimal.Decimal `json:"shares,omitempty"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req sharesRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := s.ctxFrom(req.execRequest)
	res, err := s.market.WithdrawLiquidity(ctx, req.Shares)
	s.finish(w, "withdraw-liquidity", ctx, res, nil, err)
}

func (s *Server) handleClaimYield(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := s.ctxFrom(req)
	res, err := s.market.ClaimYield(ctx)
	s.finish(w, "claim-yield", ctx, res, nil, err)
}

func (s *Server) handleStakeLp(w http.ResponseWriter, r *http.Request) {
	var req sharesRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := s.ctxFrom(req.execRequest)
	res, err := s.market.StakeLp(ctx, req.Shares)
	s.finish(w, "stake-lp", ctx, res, nil, err)
}

func (s *Server) handleUnstakeXlp(w http.ResponseWriter, r *http.Request) {
	var req sharesRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := s.ctxFrom(req.execRequest)
	res, err := s.market.UnstakeXlp(ctx, req.Shares)
	s.finish(w, "unstake-xlp", ctx, res, nil, err)
}

func (s *Server) handleCollectUnstaked(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := s.ctxFrom(req)
	res, err := s.market.CollectUnstakedLp(ctx)
	s.finish(w, "collect-unstaked-lp", ctx, res, nil, err)
}

func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	pool, err := s.market.Pool()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.market.Provider(chi.URLParam(r, "addr"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- order handlers ---

type placeOrderRequest struct {
	openPositionRequest
	TriggerPrice decimal.Decimal `json:"trigger_price"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if !decode(w, r, &req) {
		return
	}
	params, err := req.params()
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx := s.ctxFrom(req.execRequest)
	order, res, err := s.market.PlaceLimitOrder(ctx, req.TriggerPrice, params)
	s.finish(w, "place-limit-order", ctx, res, order, err)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req execRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := s.ctxFrom(req)
	res, err := s.market.CancelLimitOrder(ctx, id)
	s.finish(w, "cancel-limit-order", ctx, res, nil, err)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	startAfter, _ := strconv.ParseUint(r.URL.Query().Get("start_after"), 10, 64)
	out, err := s.market.LimitOrders(r.URL.Query().Get("owner"), startAfter, queryLimit(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	order, err := s.market.LimitOrder(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// --- crank and admin handlers ---

type crankRequest struct {
	execRequest
	Execs    int    `json:"execs,omitempty"`
	RewardTo string `json:"reward_to,omitempty"`
}

func (s *Server) handleCrank(w http.ResponseWriter, r *http.Request) {
	var req crankRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := s.ctxFrom(req.execRequest)
	processed, res, err := s.market.Crank(ctx, req.Execs, req.RewardTo)
	s.finish(w, "crank", ctx, res, map[string]int{"processed": processed}, err)
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := s.ctxFrom(req)
	res, err := s.market.CloseAllPositions(ctx)
	s.finish(w, "close-all-positions", ctx, res, nil, err)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status, err := s.market.Status()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCrankWork(w http.ResponseWriter, _ *http.Request) {
	work, ok, err := s.market.CrankWork()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"work": work, "pending": ok})
}

// --- plumbing ---

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, types.MarketErr(types.ErrConversion, "invalid request body: %v", err))
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeErr(w, types.MarketErr(types.ErrConversion, "invalid id %q", chi.URLParam(r, "id")))
		return 0, false
	}
	return id, true
}

func queryLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	var engineErr *types.Error
	if errors.As(err, &engineErr) {
		switch {
		case engineErr.Domain == types.DomainStore:
			status = http.StatusInternalServerError
		case engineErr.ID == types.ErrUnauthorized:
			status = http.StatusForbidden
		case engineErr.ID == types.ErrPositionNotFound || engineErr.ID == types.ErrOrderNotFound ||
			engineErr.ID == types.ErrPriceNotFound:
			status = http.StatusNotFound
		}
		writeJSON(w, status, engineErr)
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
