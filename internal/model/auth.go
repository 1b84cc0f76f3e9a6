package model

// AuthKind distinguishes what a pending AuthRequest is asking for.
type AuthKind string

const (
	AuthKindKeyPassphrase       AuthKind = "KeyPassphrase"
	AuthKindPassword            AuthKind = "Password"
	AuthKindKeyboardInteractive AuthKind = "KeyboardInteractive"
	AuthKindHostKeyConfirmation AuthKind = "HostKeyConfirmation"
)

// AuthRequest is a single outstanding credential prompt for a tunnel.
// At most one exists per tunnel at a time (spec.md §3, §8 invariant 2).
type AuthRequest struct {
	TunnelID string   `json:"tunnelId"`
	Kind     AuthKind `json:"kind"`
	Prompt   string   `json:"prompt"`
	Hidden   bool     `json:"hidden"`
}

// AuthResponse answers a pending AuthRequest. Value is wiped from memory
// by whoever consumes it; an empty value means "cancel".
type AuthResponse struct {
	TunnelID string
	Value    string
}

// Wipe clears Value by dropping this struct's reference to it. Go strings
// are immutable, so the backing bytes are not overwritten; callers that read the
// value into a []byte for ssh.Password/KeyboardInteractive should zero that
// slice themselves once the handshake step has consumed it.
func (r *AuthResponse) Wipe() {
	r.Value = ""
}
