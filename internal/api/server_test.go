package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/veilguard/veil/internal/core"
	"github.com/veilguard/veil/internal/guardian"
	"github.com/veilguard/veil/internal/localaddr"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

func testConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.Bus.Enabled = false
	cfg.Alerts.EnableConsole = false
	cfg.API.RateLimit = 0
	return cfg
}

func newTestServer(t *testing.T, cfg *core.Config) (*Server, *guardian.Guardian) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	engine, err := core.NewEngine(cfg, core.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	g, err := guardian.New(engine, guardian.WithClassifier(localaddr.NewClassifier(nil, 0)))
	if err != nil {
		t.Fatalf("guardian.New: %v", err)
	}
	return NewServer(engine, g), g
}

func do(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:50123"
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	return body
}

func raiseAlert(g *guardian.Guardian, title string) {
	g.Engine().Notifier.Notify(core.Notification{
		Module:   "trackpack",
		Level:    core.LevelDanger,
		Title:    title,
		Cooldown: -1,
	})
}

// ─── Health and status ───────────────────────────────────────────────────────

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := do(s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := decodeBody(t, w); body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleStatus(t *testing.T) {
	s, _ := newTestServer(t, nil)
	body := decodeBody(t, do(s, http.MethodGet, "/api/v1/status", nil))
	if body["modules_total"] != float64(3) {
		t.Errorf("modules_total = %v, want 3", body["modules_total"])
	}
	if body["bus_connected"] != false {
		t.Errorf("bus_connected = %v", body["bus_connected"])
	}
	g, ok := body["guardian"].(map[string]interface{})
	if !ok || g["profile"] != "bare" {
		t.Errorf("guardian stats = %v", body["guardian"])
	}
}

func TestHandlePolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.Profile = "alternate"
	s, _ := newTestServer(t, cfg)
	body := decodeBody(t, do(s, http.MethodGet, "/api/v1/policy", nil))
	if body["profile"] != "alternate" || body["effective_profile"] != "alternate" || body["brand"] != "forge" {
		t.Errorf("policy = %v", body)
	}

	cfg = testConfig()
	cfg.Policy.Profile = "alternate"
	cfg.Policy.WhitelistEnabled = true
	s, _ = newTestServer(t, cfg)
	body = decodeBody(t, do(s, http.MethodGet, "/api/v1/policy", nil))
	if body["profile"] != "alternate" || body["effective_profile"] != "reduced" || body["brand"] != "fabric" {
		t.Errorf("whitelisted policy = %v", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, nil)
	if w := do(s, http.MethodPost, "/api/v1/status", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

// ─── Alerts ──────────────────────────────────────────────────────────────────

func TestAlerts_Lifecycle(t *testing.T) {
	s, g := newTestServer(t, nil)
	raiseAlert(g, "Port scan blocked: 127.0.0.1:8080")
	raiseAlert(g, "Port scan blocked: 127.0.0.1:3000")

	body := decodeBody(t, do(s, http.MethodGet, "/api/v1/alerts?limit=10", nil))
	if body["total"] != float64(2) {
		t.Fatalf("total = %v, want 2", body["total"])
	}
	first := body["alerts"].([]interface{})[0].(map[string]interface{})
	id := first["id"].(string)
	if first["title"] != "Port scan blocked: 127.0.0.1:3000" {
		t.Errorf("most recent first, got %v", first["title"])
	}

	w := do(s, http.MethodPatch, "/api/v1/alerts/"+id, []byte(`{"status":"ack"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d", w.Code)
	}
	if got := decodeBody(t, w)["status"]; got != "ACKNOWLEDGED" {
		t.Errorf("status = %v, want ACKNOWLEDGED", got)
	}

	if w := do(s, http.MethodPatch, "/api/v1/alerts/"+id, []byte(`{"status":"snoozed"}`)); w.Code != http.StatusBadRequest {
		t.Errorf("bad status code = %d, want 400", w.Code)
	}
	if w := do(s, http.MethodDelete, "/api/v1/alerts/"+id, nil); w.Code != http.StatusOK {
		t.Errorf("delete code = %d", w.Code)
	}
	if w := do(s, http.MethodGet, "/api/v1/alerts/"+id, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}

	body = decodeBody(t, do(s, http.MethodPost, "/api/v1/alerts/clear", nil))
	if body["cleared"] != float64(1) {
		t.Errorf("cleared = %v, want 1", body["cleared"])
	}
}

func TestAlerts_MinSeverity(t *testing.T) {
	s, g := newTestServer(t, nil)
	raiseAlert(g, "danger")
	g.Engine().Notifier.Notify(core.Notification{Module: "channels", Level: core.LevelInfo, Title: "info", Cooldown: -1})

	body := decodeBody(t, do(s, http.MethodGet, "/api/v1/alerts?min_severity=HIGH", nil))
	if body["total"] != float64(1) {
		t.Errorf("total = %v, want 1", body["total"])
	}
}

// ─── Bridge ──────────────────────────────────────────────────────────────────

func TestBridge_Transfer(t *testing.T) {
	s, g := newTestServer(t, nil)
	g.OnConnect("198.51.100.9:25565")

	w := do(s, http.MethodPost, "/api/v1/bridge/transfer", []byte(`{"url":"http://192.168.0.1:8080/x"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", w.Code, w.Body.String())
	}
	result := decodeBody(t, w)["result"].(map[string]interface{})
	if result["blocked_as_local_probe"] != true || result["redirect"] != localaddr.FailURL {
		t.Errorf("result = %v", result)
	}
}

func TestBridge_ErrorCodes(t *testing.T) {
	s, _ := newTestServer(t, nil)
	tests := []struct {
		op, body string
		status   int
		code     string
	}{
		{"warp", `{}`, http.StatusNotFound, guardian.CodeUnknownRequest},
		{"context", `{"op":"enter","source":"TABLE"}`, http.StatusBadRequest, guardian.CodeBadRequest},
		{"resolve", `{"kind":"keybind","key":"key.jump","real_error":"gone"}`, http.StatusUnprocessableEntity, guardian.CodeResolveFailed},
		{"transfer", `{not json`, http.StatusBadRequest, guardian.CodeBadRequest},
	}
	for _, tc := range tests {
		w := do(s, http.MethodPost, "/api/v1/bridge/"+tc.op, []byte(tc.body))
		if w.Code != tc.status {
			t.Errorf("%s: code = %d, want %d", tc.op, w.Code, tc.status)
			continue
		}
		if got := decodeBody(t, w)["code"]; got != tc.code {
			t.Errorf("%s: error code = %v, want %s", tc.op, got, tc.code)
		}
	}
}

// ─── Middleware ──────────────────────────────────────────────────────────────

func TestLoopbackOnly(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.RemoteAddr = "192.168.1.50:40000"
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("LAN client code = %d, want 403", w.Code)
	}

	req.RemoteAddr = "[::1]:40000"
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("::1 client code = %d, want 200", w.Code)
	}
}

func TestAllowRemote(t *testing.T) {
	cfg := testConfig()
	cfg.API.AllowRemote = true
	s, _ := newTestServer(t, cfg)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.168.1.50:40000"
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("code = %d, want 200", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.API.RateLimit = 1
	s, _ := newTestServer(t, cfg)

	limited := false
	for i := 0; i < 10; i++ {
		w := do(s, http.MethodGet, "/api/v1/modules", nil)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			if w.Header().Get("Retry-After") != "1" {
				t.Error("missing Retry-After")
			}
			break
		}
	}
	if !limited {
		t.Error("expected rate limiting after the burst")
	}
	if w := do(s, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Errorf("/health was limited: %d", w.Code)
	}
}

func TestStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.API.Addr = "127.0.0.1:0"
	s, _ := newTestServer(t, cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
