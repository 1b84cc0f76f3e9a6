// Package tunnel implements the Tunnel Manager component from spec.md
// §4.G: the per-tunnel state machine (Connecting → auth → Connected →
// forwarding → Disconnected/Failed), cooperative cancellation, and the
// auth rendezvous that lets an HTTP POST deliver a credential into a
// blocked SSH handshake.
package tunnel

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/SchirmForge/ssh-tunnel-manager/internal/eventbus"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/knownhosts"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/model"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/safego"
)

const (
	// connectTimeout bounds the TCP dial and SSH handshake, excluding any
	// time spent waiting on an interactive AuthResponse.
	connectTimeout = 15 * time.Second

	// authWaitTimeout is how long the manager waits for a client to
	// answer a pending AuthRequest before giving up on the attempt.
	authWaitTimeout = 60 * time.Second

	// keepaliveInterval matches the teacher's sshKeepAliveInterval; a
	// profile's keepalive_interval_s overrides it when set.
	keepaliveInterval = 15 * time.Second

	// ShutdownJoinTimeout is the timeout internal/transport passes to
	// StopAll during daemon shutdown.
	ShutdownJoinTimeout = 10 * time.Second

	// maxAuthAttempts is the client-side cap RetryableAuthMethod enforces.
	// It is set far above any real interactive session so the server's
	// own attempt limit is what actually ends a retry loop.
	maxAuthAttempts = 1 << 20
)

// entry is the manager's private bookkeeping for one running or
// connecting tunnel. Fields are only touched while mu is held, except
// sshClient/listener which are only written once by the owning task
// before any other goroutine can observe them.
type entry struct {
	id            string
	profile       model.Profile
	status        model.TunnelStatus
	reason        string
	pending       *model.AuthRequest
	cancel        context.CancelFunc
	done          chan struct{}
	createdAt     time.Time
	stopRequested bool // set by Stop/StopAll, read by cleanup

	sshClient *ssh.Client
	listener  net.Listener
}

// Manager owns every live tunnel attempt. The zero value is not usable;
// construct with NewManager.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	bus        *eventbus.Bus
	knownHosts *knownhosts.Store
	rendez     *rendezvous
	logger     *log.Logger
}

// NewManager wires a Manager to the daemon's event bus and known_hosts
// store. Both are shared across every tunnel the manager ever starts.
func NewManager(bus *eventbus.Bus, knownHosts *knownhosts.Store, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		entries:    make(map[string]*entry),
		bus:        bus,
		knownHosts: knownHosts,
		rendez:     newRendezvous(),
		logger:     logger,
	}
}

// Start begins connecting id using profile. It returns once the tunnel's
// task has been registered, not once it is Connected — callers that need
// to observe the Connected transition subscribe on the event bus first,
// per spec.md §9's subscribe-before-start ordering guarantee.
func (m *Manager) Start(id string, profile model.Profile) error {
	m.mu.Lock()
	if e, exists := m.entries[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("tunnel %s is already %s", id, e.status)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		id:        id,
		profile:   profile,
		status:    model.StatusConnecting,
		cancel:    cancel,
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	m.entries[id] = e
	m.mu.Unlock()

	m.bus.Publish(model.NewStarting(id))
	safego.Go(m.logger, func() { m.run(ctx, e) })
	return nil
}

// Stop requests cancellation of tunnel id. It is idempotent: once the
// tunnel's task has exited, its entry is gone and Stop reports
// ErrTunnelNotFound without side effects, matching spec.md §8's
// idempotent-stop law.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", model.ErrTunnelNotFound, id)
	}
	e.stopRequested = true
	m.mu.Unlock()
	e.cancel()
	return nil
}

// StopAll cancels every running tunnel and waits up to timeout for their
// tasks to exit, for use during daemon shutdown.
func (m *Manager) StopAll(timeout time.Duration) {
	m.mu.Lock()
	dones := make([]chan struct{}, 0, len(m.entries))
	for _, e := range m.entries {
		e.stopRequested = true
		e.cancel()
		dones = append(dones, e.done)
	}
	m.mu.Unlock()

	deadline := time.After(timeout)
	for _, done := range dones {
		select {
		case <-done:
		case <-deadline:
			return
		}
	}
}

// Status reports the current snapshot for tunnel id.
func (m *Manager) Status(id string) (model.TunnelState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return model.TunnelState{}, fmt.Errorf("%w: %s", model.ErrTunnelNotFound, id)
	}
	return snapshot(e), nil
}

// List reports a snapshot of every currently active tunnel.
func (m *Manager) List() []model.TunnelState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.TunnelState, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, snapshot(e))
	}
	return out
}

// DeliverAuth answers tunnel id's pending AuthRequest, if any. It is the
// only way POST /tunnels/{id}/auth reaches into a blocked handshake.
func (m *Manager) DeliverAuth(id, value string) error {
	return m.rendez.deliver(id, model.AuthResponse{TunnelID: id, Value: value})
}

func snapshot(e *entry) model.TunnelState {
	return model.TunnelState{
		ID:          e.id,
		Status:      e.status,
		Reason:      e.reason,
		PendingAuth: e.pending,
	}
}

// requestAuth publishes an AuthRequired event for req, marks the tunnel
// WaitingForAuth, and blocks until a client answers, the tunnel is
// cancelled, or authWaitTimeout elapses. Whoever calls this — a
// ssh.HostKeyCallback, ssh.PasswordCallback, or
// ssh.KeyboardInteractiveChallenge — is running synchronously inside the
// SSH handshake, so blocking here is exactly what holds that handshake
// open while the client answers.
func (m *Manager) requestAuth(ctx context.Context, e *entry, req model.AuthRequest) (model.AuthResponse, error) {
	m.mu.Lock()
	e.status = model.StatusWaitingForAuth
	e.pending = &req
	m.mu.Unlock()

	waitCh := m.rendez.register(e.id)
	defer m.rendez.forget(e.id)
	m.bus.Publish(model.NewAuthRequired(req))

	var resp model.AuthResponse
	var err error
	select {
	case resp = <-waitCh:
		if resp.Value == "" {
			err = model.ErrCancelled
		}
	case <-ctx.Done():
		err = model.ErrCancelled
	case <-time.After(authWaitTimeout):
		err = fmt.Errorf("%w: no response within %s", model.ErrCancelled, authWaitTimeout)
	}

	m.mu.Lock()
	e.pending = nil
	if err == nil {
		e.status = model.StatusConnecting
	}
	m.mu.Unlock()

	defer resp.Wipe()
	if err != nil {
		return model.AuthResponse{}, err
	}
	return resp, nil
}

// fail transitions e to Failed and publishes the Error event that
// carries err's message as the reason.
func (m *Manager) fail(e *entry, err error) {
	m.mu.Lock()
	e.status = model.StatusFailed
	e.reason = err.Error()
	m.mu.Unlock()
	m.bus.Publish(model.NewError(e.id, err))
}
