package tunnel

import (
	"sync"

	"github.com/SchirmForge/ssh-tunnel-manager/internal/model"
)

// rendezvous is the single-slot cell keyed by tunnel id that spec.md §9's
// design notes describe: at most one AuthRequest is ever outstanding for a
// tunnel, so a 1-buffered channel registered under that tunnel's id is
// enough to hand the eventual AuthResponse from the HTTP handler back to
// whichever goroutine is blocked inside the SSH handshake waiting for it.
type rendezvous struct {
	mu    sync.Mutex
	cells map[string]chan model.AuthResponse
}

func newRendezvous() *rendezvous {
	return &rendezvous{cells: make(map[string]chan model.AuthResponse)}
}

// register opens a cell for tunnelID and returns the channel the waiter
// should receive on. Any previously registered cell for the same id is
// discarded; the state machine never has two waits in flight for one
// tunnel at once.
func (r *rendezvous) register(tunnelID string) <-chan model.AuthResponse {
	ch := make(chan model.AuthResponse, 1)
	r.mu.Lock()
	r.cells[tunnelID] = ch
	r.mu.Unlock()
	return ch
}

// forget drops tunnelID's cell without delivering anything, used once the
// waiter stops listening (timeout, cancellation, or a successful deliver).
func (r *rendezvous) forget(tunnelID string) {
	r.mu.Lock()
	delete(r.cells, tunnelID)
	r.mu.Unlock()
}

// deliver completes the pending rendezvous for tunnelID with resp. It
// reports model.ErrNoPendingAuth if no tunnel is currently waiting — the
// POST /tunnels/{id}/auth handler surfaces that as a 400.
func (r *rendezvous) deliver(tunnelID string, resp model.AuthResponse) error {
	r.mu.Lock()
	ch, ok := r.cells[tunnelID]
	if ok {
		delete(r.cells, tunnelID)
	}
	r.mu.Unlock()
	if !ok {
		return model.ErrNoPendingAuth
	}
	ch <- resp
	return nil
}
