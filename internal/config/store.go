// SPDX-License-Identifier: MIT

package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	xlog "github.com/montyhome/homectl/internal/log"
)

// Store holds the configuration document and persists it atomically.
type Store struct {
	mu        sync.RWMutex
	path      string
	doc       map[string]any
	docHash   [32]byte
	listeners []chan struct{}
	logger    zerolog.Logger
}

// Open loads the document at path. A missing file yields the defaults; a
// malformed file is a hard error (the supervisor restarts us, a half-parsed
// config must never drive hardware).
func Open(path string) (*Store, error) {
	s := &Store{
		path:   path,
		logger: xlog.WithComponent("config"),
	}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		s.doc = defaults()
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		s.doc = mergeDefaults(defaults(), doc)
		s.docHash = sha256.Sum256(raw)
	}
	return s, nil
}

// mergeDefaults overlays loaded values on top of the default tree so that
// keys added in newer releases resolve without a migration step.
func mergeDefaults(base, overlay map[string]any) map[string]any {
	for k, v := range overlay {
		if sub, ok := v.(map[string]any); ok {
			if baseSub, ok := base[k].(map[string]any); ok {
				base[k] = mergeDefaults(baseSub, sub)
				continue
			}
		}
		base[k] = v
	}
	return base
}

// Get resolves a dotted key against the document.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookup(s.doc, key)
}

// GetString resolves a dotted key as a string, with fallback.
func (s *Store) GetString(key, fallback string) string {
	if v, ok := s.Get(key); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return fallback
}

// GetBool resolves a dotted key as a bool, with fallback.
func (s *Store) GetBool(key string, fallback bool) bool {
	if v, ok := s.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// GetInt resolves a dotted key as an int, with fallback. JSON numbers decode
// as float64, so both representations are accepted.
func (s *Store) GetInt(key string, fallback int) int {
	if v, ok := s.Get(key); ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return fallback
}

// Set writes a dotted key and persists the document atomically. Listeners
// are notified after a successful save.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	assign(s.doc, key, value)
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// SetAll applies several dotted-key writes as one save and one notification.
func (s *Store) SetAll(kv map[string]any) error {
	s.mu.Lock()
	for key, value := range kv {
		assign(s.doc, key, value)
	}
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// Scheduler decodes the typed subtree the scheduler and orchestrators read.
func (s *Store) Scheduler() Scheduler {
	s.mu.RLock()
	raw, err := json.Marshal(s.doc)
	s.mu.RUnlock()
	var out Scheduler
	if err != nil {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

// Subscribe returns a channel that receives a tick after every document
// change, whether written by us or picked up from disk.
func (s *Store) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()
	return ch
}

// Reload re-reads the document from disk. It is a no-op when the on-disk
// content matches the in-memory document, which makes our own atomic saves
// safe to observe through the file watcher.
func (s *Store) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reload %s: %w", s.path, err)
	}
	sum := sha256.Sum256(raw)

	s.mu.Lock()
	if sum == s.docHash {
		s.mu.Unlock()
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.mu.Unlock()
		s.logger.Warn().Err(err).Str(xlog.FieldEvent, "config.reload_parse_failed").Msg("ignoring malformed config edit")
		return nil
	}
	s.doc = mergeDefaults(defaults(), doc)
	s.docHash = sum
	s.mu.Unlock()

	s.logger.Info().Str(xlog.FieldEvent, "config.reloaded").Msg("configuration reloaded from disk")
	s.notify()
	return nil
}

func (s *Store) saveLocked() error {
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	raw = append(raw, '\n')

	pending, err := renameio.NewPendingFile(s.path)
	if err != nil {
		return fmt.Errorf("config: create pending file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			s.logger.Debug().Err(err).Msg("cleanup pending config file")
		}
	}()

	if _, err := pending.Write(raw); err != nil {
		return fmt.Errorf("config: write pending file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("config: replace %s: %w", s.path, err)
	}
	s.docHash = sha256.Sum256(raw)
	return nil
}

func (s *Store) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func lookup(doc map[string]any, key string) (any, bool) {
	parts := strings.Split(key, ".")
	cur := any(doc)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func assign(doc map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}
