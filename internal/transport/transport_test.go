package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/SchirmForge/ssh-tunnel-manager/internal/daemonconfig"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/eventbus"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/knownhosts"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/tunnel"
)

func TestBuild_UnixSocketMode(t *testing.T) {
	runtimeDir := t.TempDir()
	cfg := daemonconfig.Config{ListenerMode: daemonconfig.ModeUnixSocket}

	ln, err := Build(cfg, runtimeDir)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer ln.Close()

	if ln.SocketPath == "" {
		t.Fatal("expected a non-empty SocketPath for unix-socket mode")
	}
	if _, err := os.Stat(ln.SocketPath); err != nil {
		t.Fatalf("expected socket file to exist: %v", err)
	}
}

func TestBuild_UnixSocketMode_RemovesStaleSocket(t *testing.T) {
	runtimeDir := t.TempDir()
	cfg := daemonconfig.Config{ListenerMode: daemonconfig.ModeUnixSocket}

	stalePath := filepath.Join(runtimeDir, "ssh-tunnel-manager.sock")
	if f, err := os.Create(stalePath); err != nil {
		t.Fatalf("create stale socket file: %v", err)
	} else {
		f.Close()
	}

	ln, err := Build(cfg, runtimeDir)
	if err != nil {
		t.Fatalf("Build should tolerate a stale socket file: %v", err)
	}
	ln.Close()
}

func TestBuild_TCPHTTPMode(t *testing.T) {
	cfg := daemonconfig.Config{ListenerMode: daemonconfig.ModeTCPHTTP, BindHost: "127.0.0.1", BindPort: 0}
	ln, err := Build(cfg, t.TempDir())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer ln.Close()

	if _, ok := ln.Listener.(*net.TCPListener); !ok {
		t.Fatalf("expected a plain TCP listener, got %T", ln.Listener)
	}
}

func TestBuild_TCPHTTPSMode_GeneratesTLSMaterial(t *testing.T) {
	dir := t.TempDir()
	cfg := daemonconfig.Config{
		ListenerMode: daemonconfig.ModeTCPHTTPS,
		BindHost:     "127.0.0.1",
		BindPort:     0,
		TLSCertPath:  filepath.Join(dir, "server.crt"),
		TLSKeyPath:   filepath.Join(dir, "server.key"),
	}

	ln, err := Build(cfg, dir)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer ln.Close()

	if ln.TLSMaterial == nil {
		t.Fatal("expected TLS material to be populated")
	}
	if ln.TLSMaterial.Fingerprint == "" {
		t.Error("expected a non-empty fingerprint")
	}
}

func TestRun_ServesUntilContextCancelledThenStopsAllTunnels(t *testing.T) {
	dir := t.TempDir()
	cfg := daemonconfig.Config{ListenerMode: daemonconfig.ModeTCPHTTP, BindHost: "127.0.0.1", BindPort: 0}
	ln, err := Build(cfg, dir)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	bus := eventbus.New(0)
	hostsStore := knownhosts.New(filepath.Join(dir, "known_hosts"))
	tunnels := tunnel.NewManager(bus, hostsStore, log.Default())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})

	ctx, cancel := context.WithCancel(context.Background())
	addr := ln.Addr().String()

	runDone := make(chan error, 1)
	go func() { runDone <- Run(ctx, ln, handler, tunnels, log.Default()) }()

	waitForListener(t, addr)

	resp, err := http.Get(fmt.Sprintf("http://%s/", addr))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned an error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener at %s never became reachable", addr)
}
