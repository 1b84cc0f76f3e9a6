// Package profilestore implements the on-disk profile store from
// spec.md §4.C: one TOML file per profile, an in-memory index kept
// current by an fsnotify watch, and the hybrid in-request profile
// resolution used by remote daemons.
package profilestore

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/SchirmForge/ssh-tunnel-manager/internal/model"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/safego"
)

// Store is a directory of "<uuid>.toml" profile files, indexed in
// memory for fast lookup. All writes go through Save/DeleteByID so the
// index and the on-disk files never drift out of sync with each other,
// except for changes made by another process, which the optional
// Watch loop picks up.
type Store struct {
	dir    string
	logger *log.Logger

	mu   sync.RWMutex
	byID map[string]model.Profile

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Open creates dir if necessary and loads every "*.toml" file already
// in it. Files that fail to parse or validate are logged and skipped
// rather than failing the whole open, so one corrupt profile does not
// take down the daemon.
func Open(dir string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create profile dir %s: %w", dir, err)
	}
	s := &Store{
		dir:    dir,
		logger: logger,
		byID:   make(map[string]model.Profile),
		stopCh: make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".toml")
}

func (s *Store) reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read profile dir %s: %w", s.dir, err)
	}
	fresh := make(map[string]model.Profile, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".toml")
		p, err := s.readFile(id)
		if err != nil {
			s.logger.Printf("profilestore: skipping %s: %v", e.Name(), err)
			continue
		}
		fresh[id] = p
	}
	s.mu.Lock()
	s.byID = fresh
	s.mu.Unlock()
	return nil
}

func (s *Store) readFile(id string) (model.Profile, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return model.Profile{}, err
	}
	var p model.Profile
	if err := toml.Unmarshal(data, &p); err != nil {
		return model.Profile{}, fmt.Errorf("parse profile %s: %w", id, err)
	}
	if p.ID == "" {
		p.ID = id
	}
	if err := p.Validate(); err != nil {
		return model.Profile{}, err
	}
	return p, nil
}

// List returns every loaded profile, sorted by name.
func (s *Store) List() []model.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Profile, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadByID returns the profile with the given id.
func (s *Store) LoadByID(id string) (model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return model.Profile{}, fmt.Errorf("%w: id %s", model.ErrProfileNotFound, id)
	}
	return p, nil
}

// LoadByName returns the first profile with the given name.
func (s *Store) LoadByName(name string) (model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.byID {
		if p.Name == name {
			return p, nil
		}
	}
	return model.Profile{}, fmt.Errorf("%w: name %q", model.ErrProfileNotFound, name)
}

// ExistsByName reports whether a profile with the given name is loaded.
func (s *Store) ExistsByName(name string) bool {
	_, err := s.LoadByName(name)
	return err == nil
}

// Save validates p and writes it to disk, assigning a new id and
// CreatedAt when p.ID is empty. When overwrite is false, a name
// collision with a different profile fails with ErrDuplicateName.
func (s *Store) Save(p model.Profile, overwrite bool) (model.Profile, error) {
	if err := p.Validate(); err != nil {
		return model.Profile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if p.ID == "" {
		p.ID = uuid.NewString()
		p.CreatedAt = now
	}
	for id, existing := range s.byID {
		if id != p.ID && existing.Name == p.Name && !overwrite {
			return model.Profile{}, fmt.Errorf("%w: %q", model.ErrDuplicateName, p.Name)
		}
	}
	p.UpdatedAt = now

	data, err := toml.Marshal(p)
	if err != nil {
		return model.Profile{}, fmt.Errorf("marshal profile %s: %w", p.ID, err)
	}
	if err := os.WriteFile(s.path(p.ID), data, 0o600); err != nil {
		return model.Profile{}, fmt.Errorf("write profile %s: %w", p.ID, err)
	}
	if err := os.Chmod(s.path(p.ID), 0o600); err != nil {
		return model.Profile{}, fmt.Errorf("chmod profile %s: %w", p.ID, err)
	}
	s.byID[p.ID] = p
	return p, nil
}

// DeleteByID removes a profile's file and its index entry.
func (s *Store) DeleteByID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return fmt.Errorf("%w: id %s", model.ErrProfileNotFound, id)
	}
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	delete(s.byID, id)
	return nil
}

// Watch starts an fsnotify watch on the profile directory so files
// dropped in or removed by another process are reflected without a
// restart. It is purely additive: List/LoadByID/LoadByName never block
// on it, and a watch failure after startup is logged, not fatal.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create profile watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch profile dir %s: %w", s.dir, err)
	}
	s.watcher = w
	safego.Go(s.logger, s.watchLoop)
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".toml") {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Printf("profilestore: reload after %s %s: %v", ev.Op, ev.Name, err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Printf("profilestore: watcher error: %v", err)
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the watch loop, if running.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// ResolveHybrid adapts a client-submitted profile for a hybrid tunnel
// start (spec.md §4.C): the daemon never consults the on-disk store for
// these, but key_path still must not let a remote client make the
// daemon read an arbitrary local file. An absolute key_path is
// rejected outright; a relative one is resolved against the daemon's
// own ~/.ssh directory, keeping only the base filename.
func ResolveHybrid(p model.Profile) (model.Profile, error) {
	if p.Connection.AuthType == model.AuthKey && p.Connection.KeyPath != "" {
		if filepath.IsAbs(p.Connection.KeyPath) {
			return model.Profile{}, model.ErrAbsoluteKeyPathRejected
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return model.Profile{}, fmt.Errorf("resolve hybrid key_path: %w", err)
		}
		p.Connection.KeyPath = filepath.Join(home, ".ssh", filepath.Base(p.Connection.KeyPath))
	}
	if err := p.Validate(); err != nil {
		return model.Profile{}, err
	}
	return p, nil
}
