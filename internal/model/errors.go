package model

import "errors"

// Sentinel errors for the taxonomy in spec.md §7. Subsystems wrap these
// with fmt.Errorf("...: %w", Err...) so callers can errors.Is/As across
// package boundaries; the HTTP layer (internal/api) unwraps them to pick
// a status code.
var (
	// ErrInvalidProfile covers schema/invariant violations caught by
	// Profile.Validate.
	ErrInvalidProfile = errors.New("invalid profile")

	// ErrProfileNotFound is returned by the profile store when no profile
	// matches the requested id or name.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrDuplicateName is returned by Save when overwrite=false and a
	// profile with the same name already exists.
	ErrDuplicateName = errors.New("profile name already exists")

	// ErrHostKeyMismatch is a hard refusal: the known_hosts entry for a
	// host does not match the key the server presented. Never overridden.
	ErrHostKeyMismatch = errors.New("host key mismatch")

	// ErrHostKeyUnknown means no known_hosts entry exists yet; resolved
	// via an AuthRequired{HostKeyConfirmation} round-trip.
	ErrHostKeyUnknown = errors.New("host key unknown")

	// ErrPasswordRequired is returned when no usable secret was found and
	// the manager needs to prompt interactively.
	ErrPasswordRequired = errors.New("password required")

	// ErrAuthenticationFailed covers SSH auth rejections with no more
	// server-offered retry path.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrCancelled marks a tunnel that was stopped while connecting or
	// waiting for auth.
	ErrCancelled = errors.New("cancelled")

	// ErrPrivilegedPort is returned for any local_port <= 1024; the bind
	// is not attempted and not retried.
	ErrPrivilegedPort = errors.New("privileged port")

	// ErrTunnelNotFound is returned for operations on an id with no
	// active tunnel entry.
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrNoPendingAuth is returned by POST /auth when the tunnel has no
	// outstanding AuthRequest.
	ErrNoPendingAuth = errors.New("no pending authentication request")

	// ErrAbsoluteKeyPathRejected is returned for hybrid in-request
	// profiles that supply an absolute key_path (spec.md §4.C).
	ErrAbsoluteKeyPathRejected = errors.New("absolute key_path rejected for hybrid profile")

	// ErrNotImplemented covers forwarding shapes the profile schema
	// allows but this daemon does not implement (spec.md §9 (iii)).
	ErrNotImplemented = errors.New("not implemented")
)
