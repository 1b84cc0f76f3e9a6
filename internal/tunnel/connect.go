package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/ssh"

	"github.com/SchirmForge/ssh-tunnel-manager/internal/knownhosts"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/model"
)

// keyringService namespaces this daemon's entries in the OS secret
// service, grounded on the teacher's own SavePassword/DeletePassword
// usage of github.com/zalando/go-keyring.
const keyringService = "ssh-tunnel-manager"

// connectOutcome captures the exact sentinel a blocking auth callback
// wanted to fail with, bypassing any re-wrapping golang.org/x/crypto/ssh
// does to the error on its way back out of NewClientConn. Only the
// goroutine running the handshake ever touches it, so it needs no lock.
type connectOutcome struct {
	err error
}

// connect dials e.profile.Connection and completes the SSH handshake,
// including any interactive auth or host-key confirmation round-trips.
func (m *Manager) connect(ctx context.Context, e *entry) (*ssh.Client, error) {
	outcome := &connectOutcome{}
	config, err := m.buildClientConfig(ctx, e, outcome)
	if err != nil {
		return nil, err
	}
	config.Timeout = connectTimeout

	dialer := net.Dialer{Timeout: connectTimeout}
	addr := e.profile.Connection.Addr()
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(rawConn, addr, config)
	if err != nil {
		rawConn.Close()
		if outcome.err != nil {
			return nil, outcome.err
		}
		return nil, classifyHandshakeError(err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// classifyHandshakeError maps golang.org/x/crypto/ssh's handshake error
// text to ErrAuthenticationFailed when every offered auth method was
// exhausted, grounded on the teacher's VerifyConnection keyword match
// over the dial error string.
func classifyHandshakeError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return fmt.Errorf("%w: %v", model.ErrAuthenticationFailed, err)
	}
	return err
}

// buildClientConfig assembles the ssh.ClientConfig for e, wiring its
// HostKeyCallback to the known_hosts store and its Auth methods to the
// profile's configured auth_type. Every callback that may need to wait
// on a client answer routes through requestAuth.
func (m *Manager) buildClientConfig(ctx context.Context, e *entry, outcome *connectOutcome) (*ssh.ClientConfig, error) {
	auth, err := m.buildAuthMethods(ctx, e)
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            e.profile.Connection.User,
		Auth:            auth,
		HostKeyCallback: m.hostKeyCallback(ctx, e, outcome),
	}, nil
}

// hostKeyCallback checks the server's key against the known_hosts store.
// A Match proceeds silently; a Mismatch fails the handshake immediately
// with ErrHostKeyMismatch and is never overridden; an Unknown host
// blocks on an AuthRequired{HostKeyConfirmation} round-trip and, on a
// "yes" answer, appends the key to known_hosts before proceeding.
func (m *Manager) hostKeyCallback(ctx context.Context, e *entry, outcome *connectOutcome) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host, portStr, splitErr := net.SplitHostPort(hostname)
		port := e.profile.Connection.Port
		if splitErr == nil {
			if p, perr := strconv.Atoi(portStr); perr == nil {
				port = p
			}
		} else {
			host = hostname
		}

		result, storedFP, err := m.knownHosts.Verify(host, port, key)
		if err != nil {
			outcome.err = fmt.Errorf("check known_hosts: %w", err)
			return outcome.err
		}

		switch result {
		case knownhosts.Match:
			return nil
		case knownhosts.Mismatch:
			outcome.err = fmt.Errorf("%w: known_hosts has %s, server presented %s", model.ErrHostKeyMismatch, storedFP, knownhosts.Fingerprint(key))
			return outcome.err
		default: // Unknown
			req := model.AuthRequest{
				TunnelID: e.id,
				Kind:     model.AuthKindHostKeyConfirmation,
				Prompt:   knownhosts.ConfirmationPrompt(host, port, key),
			}
			resp, err := m.requestAuth(ctx, e, req)
			if err != nil {
				outcome.err = err
				return err
			}
			if !strings.EqualFold(strings.TrimSpace(resp.Value), "yes") {
				outcome.err = model.ErrCancelled
				return model.ErrCancelled
			}
			if err := m.knownHosts.Add(host, port, key); err != nil {
				outcome.err = fmt.Errorf("record accepted host key: %w", err)
				return outcome.err
			}
			return nil
		}
	}
}

// buildAuthMethods returns the ssh.AuthMethod list for e's configured
// auth_type. Password and keyboard-interactive methods wrap their
// secret-gathering callback in ssh.RetryableAuthMethod so the server's
// own attempt limit — not a client-imposed one — governs how many
// rounds happen.
func (m *Manager) buildAuthMethods(ctx context.Context, e *entry) ([]ssh.AuthMethod, error) {
	conn := e.profile.Connection
	switch conn.AuthType {
	case model.AuthKey:
		signer, err := m.loadSigner(ctx, e)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case model.AuthPassword:
		return []ssh.AuthMethod{ssh.RetryableAuthMethod(ssh.PasswordCallback(func() (string, error) {
			return m.resolvePassword(ctx, e, conn)
		}), maxAuthAttempts)}, nil

	case model.AuthPasswordWith2FA:
		return []ssh.AuthMethod{ssh.RetryableAuthMethod(ssh.KeyboardInteractive(
			func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i, q := range questions {
					hidden := i >= len(echos) || !echos[i]
					resp, err := m.requestAuth(ctx, e, model.AuthRequest{
						TunnelID: e.id,
						Kind:     model.AuthKindKeyboardInteractive,
						Prompt:   q,
						Hidden:   hidden,
					})
					if err != nil {
						return nil, err
					}
					answers[i] = resp.Value
				}
				return answers, nil
			},
		), maxAuthAttempts)}, nil

	default:
		return nil, fmt.Errorf("%w: unknown auth_type %q", model.ErrInvalidProfile, conn.AuthType)
	}
}

// resolvePassword returns conn's password, preferring the OS secret
// service over an interactive prompt when the profile marks the
// secret as externally stored. A keyring miss (never saved, or the
// user's session has no secret service running) falls back to the
// rendezvous prompt rather than failing the tunnel outright.
func (m *Manager) resolvePassword(ctx context.Context, e *entry, conn model.Connection) (string, error) {
	if conn.SecretStoredExternally {
		if secret, err := keyring.Get(keyringService, keyringUser(e.id)); err == nil {
			return secret, nil
		}
	}

	resp, err := m.requestAuth(ctx, e, model.AuthRequest{
		TunnelID: e.id,
		Kind:     model.AuthKindPassword,
		Prompt:   fmt.Sprintf("Password for %s@%s", conn.User, conn.Host),
		Hidden:   true,
	})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

// keyringUser scopes a keyring entry to one profile, so two profiles
// that happen to share a username don't collide in the secret store.
func keyringUser(tunnelID string) string {
	return tunnelID
}

// loadSigner reads the profile's private key file and, if it is
// passphrase-encrypted, repeatedly prompts for the passphrase until one
// decrypts it or the wait is cancelled.
func (m *Manager) loadSigner(ctx context.Context, e *entry) (ssh.Signer, error) {
	path := e.profile.Connection.KeyPath
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}

	signer, err := ssh.ParsePrivateKey(raw)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}

	for {
		resp, err := m.requestAuth(ctx, e, model.AuthRequest{
			TunnelID: e.id,
			Kind:     model.AuthKindKeyPassphrase,
			Prompt:   fmt.Sprintf("Passphrase for %s", path),
			Hidden:   true,
		})
		if err != nil {
			return nil, err
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(raw, []byte(resp.Value))
		if err == nil {
			return signer, nil
		}
		// Wrong passphrase: loop back for another attempt rather than
		// failing the whole tunnel on one mistyped entry.
	}
}
