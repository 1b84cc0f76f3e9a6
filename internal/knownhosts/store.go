// Package knownhosts implements the OpenSSH-format known_hosts store from
// spec.md §4.B: parsing, SHA-256 fingerprinting, and the tri-state
// Match/Mismatch/Unknown verification result that drives the Tunnel
// Manager's host-key step.
package knownhosts

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/skeema/knownhosts"
	"golang.org/x/crypto/ssh"
)

// Result is the outcome of verifying a server's host key against the
// store.
type Result int

const (
	Unknown Result = iota
	Match
	Mismatch
)

func (r Result) String() string {
	switch r {
	case Match:
		return "Match"
	case Mismatch:
		return "Mismatch"
	default:
		return "Unknown"
	}
}

// Store is an OpenSSH known_hosts file. Reads and writes are serialized by
// mu, matching spec.md §5 ("the known-hosts file is serialized by an
// internal mutex around read-modify-write").
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a Store backed by path. The file does not need to exist yet
// — Verify simply returns Unknown for every host until Add creates it.
func New(path string) *Store {
	return &Store{path: path}
}

type entry struct {
	hosts []string
	key   ssh.PublicKey
}

// load parses the known_hosts file, skipping comments and malformed lines
// exactly as OpenSSH does. Must be called with mu held.
func (s *Store) load() ([]entry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open known_hosts %s: %w", s.path, err)
	}
	defer f.Close()

	var entries []entry
	rest, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read known_hosts: %w", err)
	}
	for len(rest) > 0 {
		_, hosts, pubKey, _, remainder, perr := ssh.ParseKnownHosts(rest)
		if perr != nil {
			// ParseKnownHosts stops at the first malformed/blank/comment
			// line; skip it and keep going rather than aborting the load.
			nl := bytes.IndexByte(rest, '\n')
			if nl < 0 {
				break
			}
			rest = rest[nl+1:]
			continue
		}
		entries = append(entries, entry{hosts: hosts, key: pubKey})
		rest = remainder
	}
	return entries, nil
}

// candidateHosts returns the patterns OpenSSH would have written for
// host:port — a bare hostname for port 22, "[host]:port" otherwise.
func candidateHosts(host string, port int) string {
	if port == 22 {
		return host
	}
	return fmt.Sprintf("[%s]:%d", host, port)
}

func hostMatches(patterns []string, candidate string) bool {
	matched := false
	for _, p := range patterns {
		neg := strings.HasPrefix(p, "!")
		if neg {
			p = p[1:]
		}
		// "[host]:port" entries are compared literally first: filepath.Match
		// would read their brackets as a character class.
		ok := p == candidate
		if !ok {
			ok, _ = filepath.Match(p, candidate)
		}
		if ok {
			if neg {
				return false
			}
			matched = true
		}
	}
	return matched
}

// Verify looks up host:port among the stored entries and compares the
// server's key bytes. It returns Match, Mismatch (with the fingerprint
// that was on file), or Unknown.
func (s *Store) Verify(host string, port int, key ssh.PublicKey) (result Result, storedFingerprint string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return Unknown, "", err
	}

	candidate := candidateHosts(host, port)
	marshaled := key.Marshal()
	found := false
	for _, e := range entries {
		if !hostMatches(e.hosts, candidate) {
			continue
		}
		found = true
		if bytes.Equal(e.key.Marshal(), marshaled) {
			return Match, "", nil
		}
		storedFingerprint = ssh.FingerprintSHA256(e.key)
	}
	if found {
		return Mismatch, storedFingerprint, nil
	}
	return Unknown, "", nil
}

// Add appends host:port's key to the store, creating the file at 0o600 if
// necessary, and fsyncs it per spec.md §4.B.
func (s *Store) Add(host string, port int, key ssh.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create known_hosts dir: %w", err)
		}
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known_hosts for append: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}

	addr := candidateHosts(host, port)
	line := knownhosts.Line([]string{addr}, key)
	if stat.Size() > 0 {
		line = "\n" + line
	}
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write known_hosts line: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync known_hosts: %w", err)
	}
	return os.Chmod(s.path, 0o600)
}

// Fingerprint returns the "SHA256:<base64>" form used both in the host-key
// confirmation prompt and in Mismatch results.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// ConfirmationPrompt builds the text shown to the user for an Unknown host
// key, carrying the fingerprint verbatim so the client can display it.
func ConfirmationPrompt(host string, port int, key ssh.PublicKey) string {
	addr := host
	if port != 22 {
		addr = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return fmt.Sprintf(
		"The authenticity of host '%s' can't be established.\n%s key fingerprint is %s.\nAccept and continue connecting?",
		addr, key.Type(), ssh.FingerprintSHA256(key),
	)
}
