// Package daemonconfig loads and validates daemon.toml (spec.md §4.J)
// and writes the two generated client-facing config files — the
// shareable CLI-configuration snippet and the client-side cli.toml —
// once the daemon has a live listener and auth token to describe.
package daemonconfig

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/SchirmForge/ssh-tunnel-manager/internal/permguard"
)

// ListenerMode selects how the control API is exposed.
type ListenerMode string

const (
	ModeUnixSocket ListenerMode = "unix-socket"
	ModeTCPHTTP    ListenerMode = "tcp-http"
	ModeTCPHTTPS   ListenerMode = "tcp-https"
)

// defaultBindPort is used when bind_port is left at its zero value for
// a TCP listener mode.
const defaultBindPort = 7022

// Config is the parsed daemon.toml. Zero-value fields are filled in by
// Defaults/Load, never left for callers to guess at.
type Config struct {
	ListenerMode   ListenerMode `toml:"listener_mode"`
	BindHost       string       `toml:"bind_host"`
	BindPort       int          `toml:"bind_port"`
	RequireAuth    bool         `toml:"require_auth"`
	GroupAccess    bool         `toml:"group_access"`
	KnownHostsPath string       `toml:"known_hosts_path"`
	TLSCertPath    string       `toml:"tls_cert_path"`
	TLSKeyPath     string       `toml:"tls_key_path"`
}

// Defaults returns the configuration synthesized when daemon.toml does
// not exist yet: a unix socket under runtimeDir, auth required, no
// group access, and known_hosts/TLS material under configDir.
func Defaults(configDir, runtimeDir string) Config {
	return Config{
		ListenerMode:   ModeUnixSocket,
		BindHost:       "",
		BindPort:       0,
		RequireAuth:    true,
		GroupAccess:    false,
		KnownHostsPath: configDir + "/known_hosts",
		TLSCertPath:    configDir + "/server.crt",
		TLSKeyPath:     configDir + "/server.key",
	}
}

// Load reads path if present, falling back to Defaults(configDir,
// runtimeDir) when it does not exist. The result is always validated
// before being returned.
func Load(path, configDir, runtimeDir string) (Config, error) {
	cfg := Defaults(configDir, runtimeDir)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("daemonconfig: read %s: %w", path, err)
		}
		return cfg, cfg.Validate()
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("daemonconfig: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Save writes cfg to path at the mode daemon.toml requires.
func Save(cfg Config, path string) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("daemonconfig: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, permguard.SensitiveFileMode); err != nil {
		return fmt.Errorf("daemonconfig: write %s: %w", path, err)
	}
	return permguard.HardenFile(path)
}

// Validate enforces the mode-specific startup rules from spec.md §4.I:
// tcp-http must bind loopback, both TCP modes require auth, and a
// tcp-https config must name its certificate material.
func (c Config) Validate() error {
	switch c.ListenerMode {
	case ModeUnixSocket:
		return nil
	case ModeTCPHTTP:
		if !isLoopback(c.BindHost) {
			return fmt.Errorf("daemonconfig: listener_mode tcp-http requires a loopback bind_host, got %q", c.BindHost)
		}
		if !c.RequireAuth {
			return errors.New("daemonconfig: listener_mode tcp-http requires require_auth = true")
		}
		return nil
	case ModeTCPHTTPS:
		if !c.RequireAuth {
			return errors.New("daemonconfig: listener_mode tcp-https requires require_auth = true")
		}
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return errors.New("daemonconfig: listener_mode tcp-https requires tls_cert_path and tls_key_path")
		}
		return nil
	default:
		return fmt.Errorf("daemonconfig: unknown listener_mode %q", c.ListenerMode)
	}
}

// EffectiveBindPort returns BindPort, or defaultBindPort if it is unset
// for a TCP listener mode.
func (c Config) EffectiveBindPort() int {
	if c.BindPort != 0 {
		return c.BindPort
	}
	return defaultBindPort
}

// isLoopback accepts 127.0.0.0/8, ::1, and the literal "localhost" —
// the three forms spec.md §4.I names explicitly.
func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ClientSnippet is the generated cli-config.snippet / cli.toml shape:
// everything a CLI or GUI client needs to dial this daemon without any
// other out-of-band knowledge.
type ClientSnippet struct {
	ConnectionMode     ListenerMode `toml:"connection_mode"`
	DaemonHost         string       `toml:"daemon_host"`
	DaemonPort         int          `toml:"daemon_port,omitempty"`
	DaemonSocket       string       `toml:"daemon_socket,omitempty"`
	AuthToken          string       `toml:"auth_token"`
	TLSCertFingerprint string       `toml:"tls_cert_fingerprint,omitempty"`
}

// BuildClientSnippet fills in a ClientSnippet from cfg plus the values
// only known after a successful bind: the socket path (unix-socket
// mode), the auth token, and the TLS fingerprint (tcp-https mode). Per
// spec.md §4.J, a wildcard bind_host is written back as an empty
// daemon_host so the importing client is forced to supply the real
// address.
func BuildClientSnippet(cfg Config, socketPath, token, tlsFingerprint string) ClientSnippet {
	snippet := ClientSnippet{
		ConnectionMode: cfg.ListenerMode,
		AuthToken:      token,
	}

	switch cfg.ListenerMode {
	case ModeUnixSocket:
		snippet.DaemonSocket = socketPath
	case ModeTCPHTTP, ModeTCPHTTPS:
		snippet.DaemonHost = clientFacingHost(cfg.BindHost)
		snippet.DaemonPort = cfg.EffectiveBindPort()
		if cfg.ListenerMode == ModeTCPHTTPS {
			snippet.TLSCertFingerprint = tlsFingerprint
		}
	}
	return snippet
}

func clientFacingHost(bindHost string) string {
	if bindHost == "0.0.0.0" || bindHost == "::" || bindHost == "" {
		return ""
	}
	return bindHost
}

// WriteClientSnippet marshals snippet to path at the mode spec.md §6
// requires for both cli-config.snippet and cli.toml.
func WriteClientSnippet(snippet ClientSnippet, path string) error {
	data, err := toml.Marshal(snippet)
	if err != nil {
		return fmt.Errorf("daemonconfig: marshal client snippet: %w", err)
	}
	if err := os.WriteFile(path, data, permguard.SensitiveFileMode); err != nil {
		return fmt.Errorf("daemonconfig: write %s: %w", path, err)
	}
	return permguard.HardenFile(path)
}
