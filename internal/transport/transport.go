// Package transport builds the daemon's single control-API listener —
// unix-socket, tcp-http or tcp-https per spec.md §4.I — and drives its
// graceful shutdown: stop accepting new connections, let in-flight
// handlers finish, then cancel every running tunnel.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/SchirmForge/ssh-tunnel-manager/internal/daemonconfig"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/permguard"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/tlsmaterial"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/tunnel"
)

// shutdownTimeout bounds how long Run waits for in-flight HTTP handlers
// to finish once a shutdown signal arrives, before it stops waiting
// and moves on to stopping tunnels.
const shutdownTimeout = 10 * time.Second

// Listener owns the net.Listener the control API is served on, plus
// whatever cleanup that listener's mode requires (deleting a unix
// socket file, nothing for TCP).
type Listener struct {
	net.Listener
	SocketPath  string                // non-empty only in unix-socket mode
	TLSMaterial *tlsmaterial.Material // non-nil only in tcp-https mode
}

// Build opens the listener cfg describes, applying the permission
// hardening spec.md §4.A/§4.I requires for each mode.
func Build(cfg daemonconfig.Config, runtimeDir string) (*Listener, error) {
	switch cfg.ListenerMode {
	case daemonconfig.ModeUnixSocket:
		return buildUnixSocket(cfg, runtimeDir)
	case daemonconfig.ModeTCPHTTP:
		return buildTCP(cfg, nil)
	case daemonconfig.ModeTCPHTTPS:
		material, err := tlsmaterial.LoadOrGenerate(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.BindHost)
		if err != nil {
			return nil, fmt.Errorf("transport: load TLS material: %w", err)
		}
		ln, err := buildTCP(cfg, material)
		if err != nil {
			return nil, err
		}
		ln.TLSMaterial = material
		return ln, nil
	default:
		return nil, fmt.Errorf("transport: unknown listener_mode %q", cfg.ListenerMode)
	}
}

func buildUnixSocket(cfg daemonconfig.Config, runtimeDir string) (*Listener, error) {
	if err := permguard.EnsureRuntimeDir(runtimeDir, cfg.GroupAccess); err != nil {
		return nil, err
	}
	socketPath := runtimeDir + "/ssh-tunnel-manager.sock"

	// A stale socket file from a crashed prior run must be removed before
	// binding, or net.Listen returns "address already in use".
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("transport: remove stale socket %s: %w", socketPath, err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, permguard.SocketMode(cfg.GroupAccess)); err != nil {
		ln.Close()
		return nil, fmt.Errorf("transport: chmod socket %s: %w", socketPath, err)
	}
	return &Listener{Listener: ln, SocketPath: socketPath}, nil
}

func buildTCP(cfg daemonconfig.Config, material *tlsmaterial.Material) (*Listener, error) {
	addr := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.EffectiveBindPort())
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", addr, err)
	}
	if material == nil {
		return &Listener{Listener: ln}, nil
	}

	cert, err := material.TLSCertificate()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("transport: build TLS certificate: %w", err)
	}
	tlsLn := tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	return &Listener{Listener: tlsLn}, nil
}

// Close releases the listener and, for unix-socket mode, removes the
// socket file so a future Build does not have to treat it as stale.
func (l *Listener) Close() error {
	err := l.Listener.Close()
	if l.SocketPath != "" {
		if rerr := os.Remove(l.SocketPath); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	}
	return err
}

// Run serves handler on ln until ctx is cancelled (SIGINT/SIGTERM via
// signal.NotifyContext at the call site), then drives the graceful
// shutdown spec.md §4.I describes: stop accepting connections, let
// in-flight handlers finish up to shutdownTimeout, and finally cancel
// every running tunnel through tunnels.StopAll.
func Run(ctx context.Context, ln *Listener, handler http.Handler, tunnels *tunnel.Manager, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	srv := &http.Server{Handler: handler}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("transport: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Println("transport: shutdown signal received, draining in-flight requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("transport: in-flight requests not drained before shutdown timeout: %v", err)
	}

	tunnels.StopAll(tunnel.ShutdownJoinTimeout)
	<-serveErr
	return nil
}
