package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/clock"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/turnrest"
)

func baseConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, opts Options) (baseURL string, srv *Server) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv = New(cfg, log, build, opts)
	srv.HandleBrowser(http.MethodPost, "/echo", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String(), srv
}

func get(t *testing.T, url string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL, _ := startTestServer(t, baseConfig(), Options{})

	t.Run("healthz", func(t *testing.T) {
		resp := get(t, baseURL+"/healthz", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("expected X-Request-ID response header")
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp := get(t, baseURL+"/readyz", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp := get(t, baseURL+"/version", nil)
		var got BuildInfo
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})

	t.Run("request id is echoed", func(t *testing.T) {
		resp := get(t, baseURL+"/healthz", http.Header{"X-Request-Id": {"req-123"}})
		if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
			t.Fatalf("X-Request-ID=%q, want req-123", got)
		}
	})
}

func TestReadyzReportsBackingServiceFailure(t *testing.T) {
	baseURL, _ := startTestServer(t, baseConfig(), Options{
		ReadyCheck: func(context.Context) error { return errors.New("ledger unreachable") },
	})

	resp := get(t, baseURL+"/readyz", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", resp.StatusCode)
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["error"] != "ledger unreachable" {
		t.Fatalf("body=%v", body)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("SESSION_RELAY_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL, _ := startTestServer(t, cfg, Options{})
	if resp := get(t, baseURL+"/readyz", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestReadyzFalseBeforeServe(t *testing.T) {
	srv := New(baseConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{}, Options{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	m.SessionCreated()

	baseURL, _ := startTestServer(t, baseConfig(), Options{Gatherer: reg})
	resp := get(t, baseURL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "session_relay_sessions_created_total 1") {
		t.Fatalf("metrics output missing sessions_created_total:\n%s", body)
	}

	noMetrics, _ := startTestServer(t, baseConfig(), Options{})
	if resp := get(t, noMetrics+"/metrics", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want 404 without a gatherer", resp.StatusCode)
	}
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	baseURL, _ := startTestServer(t, cfg, Options{})

	resp := get(t, baseURL+"/webrtc/ice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
		ExpiresAt  *time.Time       `json:"expiresAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
	if payload.ExpiresAt != nil {
		t.Fatalf("static credentials should not carry expiresAt")
	}
}

func TestICEEndpointMintsTURNRESTCredentials(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}},
	}
	gen, err := turnrest.NewGenerator(config.TurnRESTConfig{SharedSecret: "s", TTLSeconds: 60, UsernamePrefix: "relay"},
		clock.NewFake(time.Unix(1_000, 0)))
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	baseURL, _ := startTestServer(t, cfg, Options{TURN: gen})

	resp := get(t, baseURL+"/webrtc/ice?sessionId=ses_abc", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("Cache-Control=%q, want no-store", cc)
	}
	var payload struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ICEServers[0].Username != "" {
		t.Fatalf("stun entry got a username: %+v", payload.ICEServers[0])
	}
	if payload.ICEServers[1].Username != "1060:relay:ses_abc" || payload.ICEServers[1].Credential == "" {
		t.Fatalf("turn entry=%+v", payload.ICEServers[1])
	}
	if payload.ExpiresAt.Unix() != 1060 {
		t.Fatalf("expiresAt=%v, want unix 1060", payload.ExpiresAt)
	}

	if resp := get(t, baseURL+"/webrtc/ice?sessionId=a:b", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400 for a subject with ':'", resp.StatusCode)
	}
}

func TestICEEndpoint_RejectsCrossOrigin(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	baseURL, _ := startTestServer(t, cfg, Options{})

	resp := get(t, baseURL+"/webrtc/ice", http.Header{"Origin": {"https://evil.example.com"}})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestOriginMiddlewareCORS(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	baseURL, _ := startTestServer(t, cfg, Options{})

	req, _ := http.NewRequest(http.MethodOptions, baseURL+"/echo", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "authorization, content-type")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status=%d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Allow-Origin=%q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); got != "authorization, content-type" {
		t.Fatalf("Allow-Headers=%q", got)
	}

	req, _ = http.NewRequest(http.MethodPost, baseURL+"/echo", nil)
	req.Header.Set("Origin", "https://other.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", resp.StatusCode)
	}
}

func TestICEPreflight(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	baseURL, _ := startTestServer(t, cfg, Options{})

	for origin, want := range map[string]int{
		"https://app.example.com":   http.StatusNoContent,
		"https://other.example.com": http.StatusForbidden,
	} {
		req, _ := http.NewRequest(http.MethodOptions, baseURL+"/webrtc/ice", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", "GET")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("preflight: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("origin %s: preflight status=%d, want %d", origin, resp.StatusCode, want)
		}
		if want == http.StatusNoContent && resp.Header.Get("Access-Control-Allow-Methods") != "GET,POST,OPTIONS" {
			t.Fatalf("Allow-Methods=%q", resp.Header.Get("Access-Control-Allow-Methods"))
		}
	}
}

func TestRecoverMiddleware(t *testing.T) {
	srv := New(baseConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{}, Options{})
	srv.Router().Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
}
