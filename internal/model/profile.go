// Package model holds the data types shared across the daemon's
// subsystems: profiles, tunnel status, the auth rendezvous, and the
// event-bus payloads. Keeping them in one leaf package lets
// internal/tunnel, internal/api and internal/eventbus depend on the
// same definitions without importing each other.
package model

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// AuthType selects how the daemon authenticates to the SSH server.
type AuthType string

const (
	AuthKey             AuthType = "Key"
	AuthPassword        AuthType = "Password"
	AuthPasswordWith2FA AuthType = "PasswordWith2FA"
)

// ForwardType selects the kind of port forwarding a profile describes.
// Only Local is implemented; see Non-goals in spec.md §1.
type ForwardType string

const (
	ForwardLocal   ForwardType = "Local"
	ForwardRemote  ForwardType = "Remote"
	ForwardDynamic ForwardType = "Dynamic"
)

// Connection describes how to reach and authenticate to the SSH server.
type Connection struct {
	Host                   string   `toml:"host" json:"host"`
	Port                   int      `toml:"port" json:"port"`
	User                   string   `toml:"user" json:"user"`
	AuthType               AuthType `toml:"auth_type" json:"authType"`
	KeyPath                string   `toml:"key_path,omitempty" json:"keyPath,omitempty"`
	SecretStoredExternally bool     `toml:"secret_stored_externally" json:"secretStoredExternally"`
}

// Forwarding describes the local-forward binding and its remote target.
type Forwarding struct {
	Type        ForwardType `toml:"type" json:"type"`
	BindAddress string      `toml:"bind_address" json:"bindAddress"`
	LocalPort   int         `toml:"local_port" json:"localPort"`
	RemoteHost  string      `toml:"remote_host" json:"remoteHost"`
	RemotePort  int         `toml:"remote_port" json:"remotePort"`
}

// CompressionSetting accepts either the plain boolean a profile saved
// under an older schema version used, or the richer
// {enabled, algorithm} table form, so loading an old profile never
// fails just because the schema grew a field in a newer daemon build.
type CompressionSetting struct {
	Enabled   bool
	Algorithm string
}

func (c *CompressionSetting) UnmarshalTOML(value any) error {
	switch v := value.(type) {
	case bool:
		c.Enabled = v
		return nil
	case map[string]any:
		if en, ok := v["enabled"].(bool); ok {
			c.Enabled = en
		}
		if alg, ok := v["algorithm"].(string); ok {
			c.Algorithm = alg
		}
		return nil
	default:
		return fmt.Errorf("compression: unsupported TOML value of type %T", value)
	}
}

func (c CompressionSetting) MarshalTOML() ([]byte, error) {
	if c.Algorithm == "" {
		return []byte(strconv.FormatBool(c.Enabled)), nil
	}
	return []byte(fmt.Sprintf("{enabled = %t, algorithm = %q}", c.Enabled, c.Algorithm)), nil
}

// Options holds tunable knobs. AutoReconnect/ReconnectAttempts/
// ReconnectDelaySeconds exist for forward-compatibility with the profile
// schema but are not wired to any behavior — see spec.md §9 Open
// Questions (ii).
type Options struct {
	Compression        CompressionSetting `toml:"compression" json:"compression"`
	KeepaliveIntervalS int                `toml:"keepalive_interval_s" json:"keepaliveIntervalS"`
	AutoReconnect      bool               `toml:"auto_reconnect" json:"autoReconnect"`
	ReconnectAttempts  int                `toml:"reconnect_attempts" json:"reconnectAttempts"`
	ReconnectDelayS    int                `toml:"reconnect_delay_s" json:"reconnectDelayS"`
	TCPKeepalive       bool               `toml:"tcp_keepalive" json:"tcpKeepalive"`
	MaxPacketSize      int                `toml:"max_packet_size" json:"maxPacketSize"`
	WindowSize         int                `toml:"window_size" json:"windowSize"`
}

// DefaultOptions returns the options a freshly created profile gets when
// the caller supplies none.
func DefaultOptions() Options {
	return Options{
		KeepaliveIntervalS: 15,
		TCPKeepalive:       true,
		Compression:        CompressionSetting{Enabled: false},
	}
}

// Profile is the durable description of a tunnel: SSH endpoint, auth,
// forwarding and options. See spec.md §3.
type Profile struct {
	ID         string     `toml:"id" json:"id"`
	Name       string     `toml:"name" json:"name"`
	CreatedAt  time.Time  `toml:"created_at" json:"createdAt"`
	UpdatedAt  time.Time  `toml:"updated_at" json:"updatedAt"`
	Connection Connection `toml:"connection" json:"connection"`
	Forwarding Forwarding `toml:"forwarding" json:"forwarding"`
	Options    Options    `toml:"options" json:"options"`
}

// Validate checks the invariants from spec.md §3: unique name is checked
// by the caller (the store knows the rest of the population), port and
// local_port must be in range, key_path must be absolute once expanded,
// remote_host must be non-empty.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidProfile)
	}
	if p.Connection.Host == "" {
		return fmt.Errorf("%w: connection.host is empty", ErrInvalidProfile)
	}
	if !validPort(p.Connection.Port) {
		return fmt.Errorf("%w: connection.port %d out of range", ErrInvalidProfile, p.Connection.Port)
	}
	switch p.Connection.AuthType {
	case AuthKey, AuthPassword, AuthPasswordWith2FA:
	default:
		return fmt.Errorf("%w: unknown auth_type %q", ErrInvalidProfile, p.Connection.AuthType)
	}
	if p.Connection.AuthType == AuthKey && p.Connection.KeyPath != "" && !filepath.IsAbs(p.Connection.KeyPath) {
		return fmt.Errorf("%w: key_path must be absolute after expansion, got %q", ErrInvalidProfile, p.Connection.KeyPath)
	}
	switch p.Forwarding.Type {
	case ForwardLocal, ForwardRemote, ForwardDynamic:
	default:
		return fmt.Errorf("%w: unknown forwarding.type %q", ErrInvalidProfile, p.Forwarding.Type)
	}
	if !validPort(p.Forwarding.LocalPort) {
		return fmt.Errorf("%w: forwarding.local_port %d out of range", ErrInvalidProfile, p.Forwarding.LocalPort)
	}
	if strings.TrimSpace(p.Forwarding.RemoteHost) == "" {
		return fmt.Errorf("%w: forwarding.remote_host is empty", ErrInvalidProfile)
	}
	if p.Forwarding.BindAddress == "" {
		p.Forwarding.BindAddress = "127.0.0.1"
	}
	return nil
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

// Addr formats host:port for the SSH server.
func (c Connection) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LocalAddr formats bind_address:local_port for the local listener.
func (f Forwarding) LocalAddr() string {
	return net.JoinHostPort(f.BindAddress, strconv.Itoa(f.LocalPort))
}

// RemoteAddr formats remote_host:remote_port, the direct-tcpip target.
func (f Forwarding) RemoteAddr() string {
	return net.JoinHostPort(f.RemoteHost, strconv.Itoa(f.RemotePort))
}
