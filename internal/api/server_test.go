package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/SchirmForge/ssh-tunnel-manager/internal/authtoken"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/eventbus"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/knownhosts"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/model"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/profilestore"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/tunnel"
)

func newTestServer(t *testing.T, requireAuth bool) (*Server, *authtoken.Token) {
	t.Helper()
	dir := t.TempDir()

	profiles, err := profilestore.Open(filepath.Join(dir, "profiles"), log.Default())
	if err != nil {
		t.Fatalf("open profile store: %v", err)
	}
	t.Cleanup(func() { profiles.Close() })

	hostsStore := knownhosts.New(filepath.Join(dir, "known_hosts"))

	bus := eventbus.New(0)
	tunnels := tunnel.NewManager(bus, hostsStore, log.Default())

	token, err := authtoken.LoadOrGenerate(filepath.Join(dir, "token"))
	if err != nil {
		t.Fatalf("load token: %v", err)
	}

	return NewServer(tunnels, profiles, bus, token, requireAuth, log.Default()), token
}

func TestHealthEndpoint_BypassesAuth(t *testing.T) {
	srv, _ := newTestServer(t, true)
	r := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestTunnelRoutes_RejectMissingToken(t *testing.T) {
	srv, _ := newTestServer(t, true)
	r := httptest.NewRequest(http.MethodGet, "/api/tunnels", nil)
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body: %s", w.Code, w.Body.String())
	}
}

func TestTunnelRoutes_AcceptValidToken(t *testing.T) {
	srv, token := newTestServer(t, true)
	r := httptest.NewRequest(http.MethodGet, "/api/tunnels", nil)
	r.Header.Set(authtoken.HeaderName, token.String())
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body: %s", w.Code, w.Body.String())
	}

	var got []model.TunnelState
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no tunnels yet, got %d", len(got))
	}
}

func TestStartTunnel_UnknownProfileReturns404(t *testing.T) {
	srv, token := newTestServer(t, true)
	r := httptest.NewRequest(http.MethodPost, "/api/tunnels/does-not-exist/start", nil)
	r.Header.Set(authtoken.HeaderName, token.String())
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body: %s", w.Code, w.Body.String())
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected an error envelope with a message")
	}
}

func TestStopTunnel_NotActiveReturns404(t *testing.T) {
	srv, token := newTestServer(t, true)
	r := httptest.NewRequest(http.MethodPost, "/api/tunnels/ghost/stop", nil)
	r.Header.Set(authtoken.HeaderName, token.String())
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestTunnelStatus_UnknownReturns404(t *testing.T) {
	srv, token := newTestServer(t, true)
	r := httptest.NewRequest(http.MethodGet, "/api/tunnels/ghost/status", nil)
	r.Header.Set(authtoken.HeaderName, token.String())
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestPendingAuth_NoneReturns404(t *testing.T) {
	srv, token := newTestServer(t, true)
	r := httptest.NewRequest(http.MethodGet, "/api/tunnels/ghost/auth", nil)
	r.Header.Set(authtoken.HeaderName, token.String())
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDeliverAuth_NoPendingReturns400(t *testing.T) {
	srv, token := newTestServer(t, true)
	body, _ := json.Marshal(authDeliveryRequest{Value: "hunter2"})
	r := httptest.NewRequest(http.MethodPost, "/api/tunnels/ghost/auth", bytes.NewReader(body))
	r.Header.Set(authtoken.HeaderName, token.String())
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body: %s", w.Code, w.Body.String())
	}
}

func TestEvents_StreamsPublishedEvent(t *testing.T) {
	srv, token := newTestServer(t, true)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set(authtoken.HeaderName, token.String())

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	srv.bus.Publish(model.NewStarting("sometunnel"))

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	got := string(buf[:n])
	if want := fmt.Sprintf("data: {\"type\":\"%s\"", model.EventStarting); !bytes.Contains([]byte(got), []byte(want)) {
		t.Fatalf("expected frame to contain %q, got %q", want, got)
	}
}
