package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marketsim/internal/auth"
	"marketsim/internal/clock"
	"marketsim/internal/game"
	"marketsim/internal/metrics"
	"marketsim/internal/store/memory"

	"github.com/prometheus/client_golang/prometheus"
)

type staticVerifier map[string]auth.SupabaseUser

func (v staticVerifier) VerifyAccessToken(_ context.Context, token string) (auth.SupabaseUser, error) {
	u, ok := v[token]
	if !ok {
		return auth.SupabaseUser{}, auth.ErrUnauthorized
	}
	return u, nil
}

type testServer struct {
	clock *clock.Manual
	http  *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := game.NewService(memory.New(), nil, game.WithClock(c), game.WithMetrics(metrics.New(reg)))
	verifier := staticVerifier{"tok-1": {ID: "p1", Email: "p1@example.com"}}
	srv := httptest.NewServer(New(nil, verifier, svc, reg).Handler())
	t.Cleanup(srv.Close)
	return &testServer{clock: c, http: srv}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.http.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp, out
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	if resp, _ := ts.do(t, http.MethodGet, "/v1/session", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodGet, "/v1/session", "nope", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodGet, "/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

func TestSessionFlow(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/v1/session", "tok-1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing session status = %d body=%v", resp.StatusCode, body)
	}

	resp, body = ts.do(t, http.MethodPost, "/v1/players/me", "tok-1", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "NOT_STARTED" {
		t.Fatalf("ensure player: %d %v", resp.StatusCode, body)
	}
	if resp, _ := ts.do(t, http.MethodPost, "/v1/session", "tok-1", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create status = %d", resp.StatusCode)
	}

	if resp, body := ts.do(t, http.MethodPost, "/v1/session/start", "tok-1", nil); resp.StatusCode != http.StatusOK || body["status"] != "ACTIVE" {
		t.Fatalf("start: %d %v", resp.StatusCode, body)
	}
	if resp, _ := ts.do(t, http.MethodPost, "/v1/session/start", "tok-1", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start status = %d", resp.StatusCode)
	}

	ts.clock.Advance(45 * time.Second)
	resp, body = ts.do(t, http.MethodPost, "/v1/session/update-time", "tok-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update-time status = %d", resp.StatusCode)
	}
	if body["days_elapsed"] != float64(2) || body["current_game_date"] != "2025-01-03" {
		t.Fatalf("unexpected snapshot: %v", body)
	}

	resp, body = ts.do(t, http.MethodPost, "/v1/session/sales", "tok-1", map[string]any{
		"product": "bread", "quantity": 2, "unit_price": "1.75",
	})
	if resp.StatusCode != http.StatusCreated || body["total_value"] != "3.5" || body["game_date"] != "2025-01-03" {
		t.Fatalf("record sale: %d %v", resp.StatusCode, body)
	}
	resp, body = ts.do(t, http.MethodPost, "/v1/session/sales", "tok-1", map[string]any{
		"product": "bread", "quantity": 0, "unit_price": "1.75",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid sale status = %d body=%v", resp.StatusCode, body)
	}

	resp, body = ts.do(t, http.MethodGet, "/v1/session/sales?limit=10", "tok-1", nil)
	if results, _ := body["results"].([]any); resp.StatusCode != http.StatusOK || len(results) != 1 {
		t.Fatalf("list sales: %d %v", resp.StatusCode, body)
	}

	if resp, body := ts.do(t, http.MethodPost, "/v1/session/pause", "tok-1", nil); resp.StatusCode != http.StatusOK || body["status"] != "PAUSED" {
		t.Fatalf("pause: %d %v", resp.StatusCode, body)
	}
	if resp, body := ts.do(t, http.MethodPost, "/v1/session/reset", "tok-1", nil); resp.StatusCode != http.StatusOK || body["days_survived"] != float64(0) {
		t.Fatalf("reset: %d %v", resp.StatusCode, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/v1/players/me", "tok-1", nil)
	ts.do(t, http.MethodPost, "/v1/session/update-time", "tok-1", nil)

	resp, err := http.Get(ts.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(buf.String(), "marketsim_observations_total") {
		t.Fatalf("metrics status=%d body=%s", resp.StatusCode, buf.String())
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearerabc":    "",
	}
	for in, want := range tests {
		if got := bearerToken(in); got != want {
			t.Fatalf("bearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}
