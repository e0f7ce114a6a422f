package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/perpfi/engine/pkg/perps"
)

type testServer struct {
	srv    *Server
	router http.Handler
	clock  time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := perps.DefaultMarketConfig()
	cfg.MinDeposit = decimal.NewFromInt(5)

	market, err := perps.NewMarket(cfg, memdb.New(), zap.NewNop())
	require.NoError(t, err)

	hub := NewWSHub(zap.NewNop())
	go hub.Run()

	ts := &testServer{
		srv:   NewServer(market, hub, zap.NewNop()),
		clock: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
	ts.srv.now = func() time.Time { return ts.clock }
	ts.router = ts.srv.Router()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v))
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status struct {
		Config struct {
			MarketID string `json:"market_id"`
		} `json:"config"`
		CloseAll bool `json:"close_all_triggered"`
	}
	decodeBody(t, w, &status)
	assert.Equal(t, "BTC_USD", status.Config.MarketID)
	assert.False(t, status.CloseAll)
}

func TestPriceEndpoints(t *testing.T) {
	ts := newTestServer(t)

	t.Run("no price yet", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/v1/price", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unauthorized publisher", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/prices", map[string]interface{}{
			"sender": "mallory", "price": "50000",
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("admin publishes", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/prices", map[string]interface{}{
			"sender": "admin", "price": "50000",
		})
		require.Equal(t, http.StatusOK, w.Code)

		w = ts.do(t, http.MethodGet, "/api/v1/price", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var pp struct {
			PriceNotional decimal.Decimal `json:"price_notional"`
		}
		decodeBody(t, w, &pp)
		assert.True(t, pp.PriceNotional.Equal(decimal.NewFromInt(50000)))
	})

	t.Run("price range", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/v1/prices", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var points []json.RawMessage
		decodeBody(t, w, &points)
		assert.Len(t, points, 1)
	})
}

func TestPositionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/prices", map[string]interface{}{
		"sender": "admin", "price": "50000",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/liquidity/deposit", map[string]interface{}{
		"sender": "lp", "funds": "100000",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var opened struct {
		Result struct {
			ID uint64 `json:"id"`
		} `json:"result"`
		Events []json.RawMessage `json:"events"`
	}
	w = ts.do(t, http.MethodPost, "/api/v1/positions/open", map[string]interface{}{
		"sender":    "alice",
		"funds":     "1000",
		"direction": "long",
		"leverage":  "10",
		"max_gains": map[string]string{"ratio": "0.5"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &opened)
	require.NotZero(t, opened.Result.ID)
	assert.NotEmpty(t, opened.Events)

	t.Run("query the open position", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/v1/positions/1", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		w = ts.do(t, http.MethodGet, "/api/v1/positions?owner=alice", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var out []json.RawMessage
		decodeBody(t, w, &out)
		assert.Len(t, out, 1)
	})

	t.Run("add collateral impact size", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/positions/1/add-collateral?impact=size", map[string]interface{}{
			"sender": "alice", "funds": "1000",
		})
		assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})

	t.Run("close returns the payout transfer", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/positions/1/close", map[string]interface{}{
			"sender": "alice",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var res struct {
			Transfers []struct {
				Recipient string `json:"recipient"`
			} `json:"transfers"`
		}
		decodeBody(t, w, &res)
		require.Len(t, res.Transfers, 1)
		assert.Equal(t, "alice", res.Transfers[0].Recipient)
	})

	t.Run("closed position is queryable by owner", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/v1/positions/closed?owner=alice", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var out []json.RawMessage
		decodeBody(t, w, &out)
		assert.Len(t, out, 1)
	})

	t.Run("missing position is a 404", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/v1/positions/99", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestMaxGainsPayload(t *testing.T) {
	t.Run("ratio object", func(t *testing.T) {
		var m maxGainsPayload
		require.NoError(t, json.Unmarshal([]byte(`{"ratio":"0.5"}`), &m))
		assert.False(t, m.Infinite)
		assert.True(t, m.Ratio.Equal(decimal.RequireFromString("0.5")))
	})

	t.Run("infinite string", func(t *testing.T) {
		var m maxGainsPayload
		require.NoError(t, json.Unmarshal([]byte(`"infinite"`), &m))
		assert.True(t, m.Infinite)
	})
}

func TestDirectionParsing(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/positions/open", map[string]interface{}{
		"sender": "alice", "funds": "1000", "direction": "sideways",
		"leverage": "10", "max_gains": map[string]string{"ratio": "0.5"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrderEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/prices", map[string]interface{}{
		"sender": "admin", "price": "50000",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var placed struct {
		Result struct {
			OrderID uint64 `json:"order_id"`
		} `json:"result"`
	}
	w = ts.do(t, http.MethodPost, "/api/v1/orders", map[string]interface{}{
		"sender":        "alice",
		"funds":         "1000",
		"direction":     "long",
		"leverage":      "10",
		"max_gains":     map[string]string{"ratio": "0.5"},
		"trigger_price": "45000",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &placed)
	require.NotZero(t, placed.Result.OrderID)

	t.Run("list by owner", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/v1/orders?owner=alice", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var out []json.RawMessage
		decodeBody(t, w, &out)
		assert.Len(t, out, 1)
	})

	t.Run("get by id", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/v1/orders/1", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		w = ts.do(t, http.MethodGet, "/api/v1/orders/99", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("cancel by a stranger is forbidden", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/orders/1/cancel", map[string]interface{}{
			"sender": "mallory",
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("cancel refunds", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/orders/1/cancel", map[string]interface{}{
			"sender": "alice",
		})
		require.Equal(t, http.StatusOK, w.Code)
		var res struct {
			Transfers []struct {
				Amount decimal.Decimal `json:"amount"`
			} `json:"transfers"`
		}
		decodeBody(t, w, &res)
		require.Len(t, res.Transfers, 1)
		assert.True(t, res.Transfers[0].Amount.Equal(decimal.NewFromInt(1000)))
	})
}

func TestCrankEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/prices", map[string]interface{}{
		"sender": "admin", "price": "50000",
	})
	require.Equal(t, http.StatusOK, w.Code)

	t.Run("work preview", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/v1/crank/work", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var out struct {
			Pending bool `json:"pending"`
		}
		decodeBody(t, w, &out)
		assert.True(t, out.Pending)
	})

	t.Run("crank processes the price point", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/crank", map[string]interface{}{
			"sender": "keeper",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var res struct {
			Result struct {
				Processed int `json:"processed"`
			} `json:"result"`
		}
		decodeBody(t, w, &res)
		assert.Equal(t, 1, res.Result.Processed)
	})
}

func TestFundsAssetRejected(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/liquidity/deposit", map[string]interface{}{
		"sender": "lp", "funds": "1000", "asset": "uatom",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/liquidity/deposit", map[string]interface{}{
		"sender": "lp", "funds": "1000", "asset": "usdc",
	})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestInvalidBodyRejected(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/crank", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
