package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/SchirmForge/ssh-tunnel-manager/internal/model"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/safego"
)

// run drives e's entire lifecycle: connect, bind, forward, and — via the
// deferred cleanup — the final state transition and entry removal.
// Exactly one of these runs per Start call.
func (m *Manager) run(ctx context.Context, e *entry) {
	defer close(e.done)
	defer m.cleanup(e)
	// Guarantee ctx is cancelled once this task exits for any reason, so
	// acceptLoop's listener-closer goroutine and any still-running
	// watcher never block forever on a context that only Stop/StopAll
	// would otherwise cancel.
	defer e.cancel()

	if e.profile.Forwarding.Type != model.ForwardLocal {
		m.fail(e, fmt.Errorf("%w: forwarding.type %q", model.ErrNotImplemented, e.profile.Forwarding.Type))
		return
	}

	client, err := m.connect(ctx, e)
	if err != nil {
		m.fail(e, err)
		return
	}

	listener, err := bindListener(e.profile.Forwarding)
	if err != nil {
		client.Close()
		m.fail(e, err)
		return
	}
	e.sshClient = client
	e.listener = listener

	m.mu.Lock()
	e.status = model.StatusConnected
	m.mu.Unlock()
	m.bus.Publish(model.NewConnected(e.id))

	var wg sync.WaitGroup
	wg.Add(2)
	safego.Go(m.logger, func() { defer wg.Done(); m.watchSession(ctx, e) })
	safego.Go(m.logger, func() { defer wg.Done(); m.keepalive(ctx, e) })

	m.acceptLoop(ctx, e)

	client.Close()
	wg.Wait()
}

// cleanup finalizes the Disconnected transition for a user-initiated
// stop (watchSession already handles an unexpected session loss) and
// removes e from the manager — spec.md §3 defines a tunnel entry's
// lifecycle as "removed when its task exits".
func (m *Manager) cleanup(e *entry) {
	m.mu.Lock()
	alreadyTerminal := e.status == model.StatusDisconnected || e.status == model.StatusFailed
	publishStop := e.stopRequested && !alreadyTerminal
	if publishStop {
		e.status = model.StatusDisconnected
		e.reason = "stopped"
	}
	delete(m.entries, e.id)
	m.mu.Unlock()

	if publishStop {
		m.bus.Publish(model.NewDisconnected(e.id, "stopped"))
	}
}

// bindListener opens the local TCP listener a profile's forwarding
// describes, distinguishing a privileged port (never retried) from an
// address already in use (distinct error text per spec.md §8 S5).
func bindListener(fw model.Forwarding) (net.Listener, error) {
	if fw.LocalPort <= 1024 {
		return nil, fmt.Errorf("%w: local_port %d requires elevated privileges", model.ErrPrivilegedPort, fw.LocalPort)
	}
	ln, err := net.Listen("tcp", fw.LocalAddr())
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "address already in use") {
			return nil, fmt.Errorf("Address already in use: %s", fw.LocalAddr())
		}
		return nil, fmt.Errorf("bind local listener %s: %w", fw.LocalAddr(), err)
	}
	return ln, nil
}

// acceptLoop accepts local connections until ctx is cancelled or the
// listener errors, forwarding each one over the SSH session on its own
// goroutine.
func (m *Manager) acceptLoop(ctx context.Context, e *entry) {
	safego.Go(m.logger, func() {
		<-ctx.Done()
		e.listener.Close()
	})

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				m.logger.Printf("tunnel %s: listener accept: %v", e.id, err)
			}
			return
		}
		safego.Go(m.logger, func() { m.forwardConnection(e, conn) })
	}
}

// forwardConnection opens a direct-tcpip channel for the forwarding's
// remote target and copies bytes in both directions. A failure here is
// logged and closes only this one connection, per spec.md §4.G rule 7 —
// it never fails the tunnel.
func (m *Manager) forwardConnection(e *entry, local net.Conn) {
	defer local.Close()

	remote, err := e.sshClient.Dial("tcp", e.profile.Forwarding.RemoteAddr())
	if err != nil {
		m.logger.Printf("tunnel %s: dial remote %s: %v", e.id, e.profile.Forwarding.RemoteAddr(), err)
		return
	}
	defer remote.Close()

	proxy(local, remote)
}

// proxy copies in both directions until either side closes.
func proxy(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	copyOne := func(dst, src net.Conn) {
		defer wg.Done()
		io.Copy(dst, src)
		if c, ok := dst.(interface{ CloseWrite() error }); ok {
			c.CloseWrite()
		}
	}
	go copyOne(a, b)
	go copyOne(b, a)
	wg.Wait()
}

// watchSession blocks until the SSH session itself closes. If that
// happens while the tunnel is not being stopped, it is an unexpected
// disconnect: publish Disconnected and unblock acceptLoop by closing
// the listener. A stop-triggered close is left for cleanup to report.
func (m *Manager) watchSession(ctx context.Context, e *entry) {
	waitErr := e.sshClient.Wait()

	select {
	case <-ctx.Done():
		return
	default:
	}

	reason := "session closed"
	if waitErr != nil {
		reason = fmt.Sprintf("session closed: %v", waitErr)
	}
	m.mu.Lock()
	e.status = model.StatusDisconnected
	e.reason = reason
	m.mu.Unlock()
	e.listener.Close()
	m.bus.Publish(model.NewDisconnected(e.id, reason))
}

// keepalive periodically sends an OpenSSH keepalive request, grounded on
// the teacher's startKeepAlive; a failed send means the connection is
// dead and closing the client lets watchSession drive the rest of the
// shutdown.
func (m *Manager) keepalive(ctx context.Context, e *entry) {
	interval := keepaliveInterval
	if s := e.profile.Options.KeepaliveIntervalS; s > 0 {
		interval = time.Duration(s) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := e.sshClient.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				m.logger.Printf("tunnel %s: keepalive failed: %v", e.id, err)
				e.sshClient.Close()
				return
			}
		}
	}
}
