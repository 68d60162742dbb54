package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"LevVault/internal/commitment"
	"LevVault/internal/core"
	"LevVault/internal/fixedpoint"
	"LevVault/internal/observability"
	"LevVault/internal/vault"

	"github.com/rs/zerolog"
)

const (
	adminHex = "0x01"
	aliceHex = "0x02"
	bobHex   = "0x03"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	persistChan := make(chan core.Output, 1024)
	publishChan := make(chan core.Output, 1024)
	engine := core.NewEngine(0, persistChan, publishChan, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)
	t.Cleanup(cancel)

	health := observability.NewHealthChecker()
	health.SetReady(true)

	srv := NewHTTPServer(engine, health, nil, observability.NewLoggerWithLevel("http-test", zerolog.Disabled))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, caller string, body interface{}) (*http.Response, map[string]json.RawMessage) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if caller != "" {
		req.Header.Set("X-Vault-Caller", caller)
	}

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := make(map[string]json.RawMessage)
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func mustStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status = %d, want %d",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want)
	}
}

func bootstrap(t *testing.T, ts *httptest.Server) {
	t.Helper()

	resp, _ := doJSON(t, ts, "POST", "/v1/vault/initialize", adminHex, map[string]interface{}{
		"admin":     adminHex,
		"liquidity": int64(1_000_000),
	})
	mustStatus(t, resp, http.StatusOK)

	resp, _ = doJSON(t, ts, "POST", "/v1/markets", adminHex, map[string]interface{}{
		"market": map[string]interface{}{
			"id":               1,
			"max_total_longs":  int64(10_000_000),
			"max_total_shorts": int64(10_000_000),
			"max_leverage":     20,
			"open_fee_rate":    fixedpoint.Scale / 100,
		},
	})
	mustStatus(t, resp, http.StatusOK)
}

func TestVaultLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	bootstrap(t, ts)

	resp, body := doJSON(t, ts, "GET", "/v1/vault", "", nil)
	mustStatus(t, resp, http.StatusOK)
	var liquidity int64
	json.Unmarshal(body["liquidity"], &liquidity)
	if liquidity != 1_000_000 {
		t.Errorf("liquidity = %d, want 1000000", liquidity)
	}

	// Re-initializing conflicts.
	resp, _ = doJSON(t, ts, "POST", "/v1/vault/initialize", adminHex, map[string]interface{}{
		"admin":     adminHex,
		"liquidity": int64(5),
	})
	mustStatus(t, resp, http.StatusConflict)
}

func TestAddMarketAuth(t *testing.T) {
	ts := newTestServer(t)
	bootstrap(t, ts)

	market := map[string]interface{}{"id": 2, "max_leverage": 5}

	resp, _ := doJSON(t, ts, "POST", "/v1/markets", aliceHex, map[string]interface{}{"market": market})
	mustStatus(t, resp, http.StatusForbidden)

	resp, _ = doJSON(t, ts, "POST", "/v1/markets", adminHex, map[string]interface{}{"market": market})
	mustStatus(t, resp, http.StatusOK)

	resp, _ = doJSON(t, ts, "POST", "/v1/markets", adminHex, map[string]interface{}{"market": market})
	mustStatus(t, resp, http.StatusConflict)
}

func TestGetMarket(t *testing.T) {
	ts := newTestServer(t)
	bootstrap(t, ts)

	resp, body := doJSON(t, ts, "GET", "/v1/markets/1", "", nil)
	mustStatus(t, resp, http.StatusOK)
	var maxLev int64
	json.Unmarshal(body["max_leverage"], &maxLev)
	if maxLev != 20 {
		t.Errorf("max leverage = %d, want 20", maxLev)
	}

	resp, _ = doJSON(t, ts, "GET", "/v1/markets/99", "", nil)
	mustStatus(t, resp, http.StatusNotFound)
}

func TestPositionFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	bootstrap(t, ts)

	var s commitment.Secret
	s[5] = 0xaa
	h := commitment.HashSecret(s)

	openReq := map[string]interface{}{
		"collateral":   int64(10_000),
		"market_id":    1,
		"market_price": int64(1_000),
		"pos_type":     "long",
		"leverage":     10,
		"owner":        aliceHex,
		"secret_hash":  h.String(),
	}
	resp, _ := doJSON(t, ts, "POST", "/v1/positions/open", aliceHex, openReq)
	mustStatus(t, resp, http.StatusOK)

	// Duplicate commitment conflicts.
	resp, _ = doJSON(t, ts, "POST", "/v1/positions/open", aliceHex, openReq)
	mustStatus(t, resp, http.StatusConflict)

	// Unknown secret cannot resolve.
	var wrong commitment.Secret
	resp, _ = doJSON(t, ts, "POST", "/v1/positions/resolve", aliceHex, map[string]interface{}{
		"secret": wrong.String(),
		"at":     int64(100),
	})
	mustStatus(t, resp, http.StatusNotFound)

	resp, _ = doJSON(t, ts, "POST", "/v1/positions/resolve", aliceHex, map[string]interface{}{
		"secret": s.String(),
		"at":     int64(100),
	})
	mustStatus(t, resp, http.StatusOK)

	// List alice's positions.
	resp, body := doJSON(t, ts, "GET", "/v1/positions?owner="+aliceHex, "", nil)
	mustStatus(t, resp, http.StatusOK)
	var positions []vault.Position
	json.Unmarshal(body["positions"], &positions)
	if len(positions) != 1 || positions[0].ID != 1 {
		t.Fatalf("positions = %+v, want one with id 1", positions)
	}

	// Evaluate without closing.
	resp, body = doJSON(t, ts, "POST", "/v1/positions/evaluate", "", map[string]interface{}{
		"owner":       aliceHex,
		"position_id": 1,
		"close_price": int64(1_100),
		"at":          int64(100),
	})
	mustStatus(t, resp, http.StatusOK)
	var pnl int64
	json.Unmarshal(body["pnl"], &pnl)
	if pnl != 9_900 {
		t.Errorf("pnl = %d, want 9900", pnl)
	}

	// Bob cannot close alice's healthy position.
	closeReq := map[string]interface{}{
		"owner":       aliceHex,
		"position_id": 1,
		"close_price": int64(1_100),
		"at":          int64(100),
	}
	resp, _ = doJSON(t, ts, "POST", "/v1/positions/close", bobHex, closeReq)
	mustStatus(t, resp, http.StatusForbidden)

	resp, _ = doJSON(t, ts, "POST", "/v1/positions/close", aliceHex, closeReq)
	mustStatus(t, resp, http.StatusOK)

	resp, _ = doJSON(t, ts, "GET", fmt.Sprintf("/v1/positions/1?owner=%s", aliceHex), "", nil)
	mustStatus(t, resp, http.StatusNotFound)
}

func TestPendingPositionsOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	bootstrap(t, ts)

	var s commitment.Secret
	s[0] = 0x11
	h := commitment.HashSecret(s)

	resp, _ := doJSON(t, ts, "POST", "/v1/positions/open", aliceHex, map[string]interface{}{
		"collateral": int64(10_000), "market_id": 1, "market_price": int64(1_000),
		"pos_type": "long", "leverage": 10, "owner": aliceHex,
		"secret_hash": h.String(),
	})
	mustStatus(t, resp, http.StatusOK)

	resp, body := doJSON(t, ts, "GET", "/v1/positions/pending", "", nil)
	mustStatus(t, resp, http.StatusOK)
	var count int
	json.Unmarshal(body["count"], &count)
	if count != 1 {
		t.Fatalf("pending count = %d, want 1", count)
	}
	var pending []vault.Position
	json.Unmarshal(body["pending"], &pending)
	if len(pending) != 1 || pending[0].SecretHash != h {
		t.Fatalf("pending = %+v, want one entry behind %s", pending, h)
	}

	resp, _ = doJSON(t, ts, "POST", "/v1/positions/resolve", aliceHex, map[string]interface{}{
		"secret": s.String(),
		"at":     int64(1),
	})
	mustStatus(t, resp, http.StatusOK)

	resp, body = doJSON(t, ts, "GET", "/v1/positions/pending", "", nil)
	mustStatus(t, resp, http.StatusOK)
	json.Unmarshal(body["count"], &count)
	if count != 0 {
		t.Errorf("pending count = %d after resolve, want 0", count)
	}
}

func TestInsolventCloseReturnsServerError(t *testing.T) {
	ts := newTestServer(t)
	bootstrap(t, ts)

	var s commitment.Secret
	s[0] = 0x22
	resp, _ := doJSON(t, ts, "POST", "/v1/positions/open", aliceHex, map[string]interface{}{
		"collateral": int64(10_000), "market_id": 1, "market_price": int64(1_000),
		"pos_type": "long", "leverage": 10, "owner": aliceHex,
		"secret_hash": commitment.HashSecret(s).String(),
	})
	mustStatus(t, resp, http.StatusOK)
	resp, _ = doJSON(t, ts, "POST", "/v1/positions/resolve", aliceHex, map[string]interface{}{
		"secret": s.String(), "at": int64(0),
	})
	mustStatus(t, resp, http.StatusOK)

	// A payout above the reserved notional is refused server-side.
	resp, _ = doJSON(t, ts, "POST", "/v1/positions/close", aliceHex, map[string]interface{}{
		"owner": aliceHex, "position_id": 1, "close_price": int64(3_000), "at": int64(0),
	})
	mustStatus(t, resp, http.StatusInternalServerError)

	// So is a close price that overflows the settlement arithmetic.
	resp, _ = doJSON(t, ts, "POST", "/v1/positions/close", aliceHex, map[string]interface{}{
		"owner": aliceHex, "position_id": 1, "close_price": int64(1) << 62, "at": int64(0),
	})
	mustStatus(t, resp, http.StatusInternalServerError)

	// The service is still up and the position survived both rejections.
	resp, _ = doJSON(t, ts, "GET", "/v1/positions/1?owner="+aliceHex, "", nil)
	mustStatus(t, resp, http.StatusOK)
}

func TestOpenPositionRejectsBadInput(t *testing.T) {
	ts := newTestServer(t)
	bootstrap(t, ts)

	resp, _ := doJSON(t, ts, "POST", "/v1/positions/open", aliceHex, map[string]interface{}{
		"collateral": int64(10), "market_id": 1, "market_price": int64(100),
		"pos_type": "sideways", "leverage": 2, "owner": aliceHex,
		"secret_hash": commitment.Hash{}.String(),
	})
	mustStatus(t, resp, http.StatusBadRequest)

	// Missing caller header.
	resp, _ = doJSON(t, ts, "POST", "/v1/positions/open", "", map[string]interface{}{
		"collateral": int64(10), "market_id": 1, "market_price": int64(100),
		"pos_type": "long", "leverage": 2, "owner": aliceHex,
		"secret_hash": commitment.Hash{}.String(),
	})
	mustStatus(t, resp, http.StatusBadRequest)

	// Leverage above the market cap.
	resp, _ = doJSON(t, ts, "POST", "/v1/positions/open", aliceHex, map[string]interface{}{
		"collateral": int64(10), "market_id": 1, "market_price": int64(100),
		"pos_type": "long", "leverage": 50, "owner": aliceHex,
		"secret_hash": commitment.Hash{}.String(),
	})
	mustStatus(t, resp, http.StatusBadRequest)
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	resp, err = ts.Client().Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz status = %d", resp.StatusCode)
	}
}
