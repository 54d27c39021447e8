// SPDX-License-Identifier: MIT

// Package scenes loads and validates the scene definitions document.
package scenes

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/montyhome/homectl/internal/shades"
)

var (
	// ErrSceneNotFound reports a request for an unknown scene.
	ErrSceneNotFound = errors.New("scene not found")
	// ErrInvalidScene reports a self-inconsistent scene definition.
	ErrInvalidScene = errors.New("invalid scene")
)

// Step is one shade command within a scene. The delay runs before the
// command is issued.
type Step struct {
	ShadeID       int    `json:"shade_id"`
	Action        string `json:"action"`
	DelayMsBefore int    `json:"delay_ms_before"`
}

// Scene is an immutable named sequence of shade commands.
type Scene struct {
	Name           string `json:"name"`
	DisplayName    string `json:"display_name"`
	Description    string `json:"description"`
	Steps          []Step `json:"commands"`
	RetryCount     int    `json:"retry_count"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Registry holds the loaded scenes. Reload swaps the whole set.
type Registry struct {
	mu     sync.RWMutex
	scenes map[string]Scene
}

// Load reads the scene document and validates it against the shade registry.
func Load(path string, reg *shades.Registry) (*Registry, error) {
	r := &Registry{}
	if err := r.Reload(path, reg); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStatic builds a registry from in-memory scenes (tests). The scenes are
// validated against the shade registry.
func NewStatic(list []Scene, reg *shades.Registry) (*Registry, error) {
	scenes := map[string]Scene{}
	for _, sc := range list {
		if sc.TimeoutSeconds == 0 {
			sc.TimeoutSeconds = 30
		}
		if err := validate(sc, reg); err != nil {
			return nil, err
		}
		scenes[sc.Name] = sc
	}
	return &Registry{scenes: scenes}, nil
}

// Reload re-reads the document. On any validation error the previous scene
// set is kept.
func (r *Registry) Reload(path string, reg *shades.Registry) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("scenes: read %s: %w", path, err)
	}
	var doc map[string]Scene
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("scenes: parse %s: %w", path, err)
	}

	scenes := make(map[string]Scene, len(doc))
	for name, sc := range doc {
		sc.Name = name
		if sc.TimeoutSeconds == 0 {
			sc.TimeoutSeconds = 30
		}
		if err := validate(sc, reg); err != nil {
			return err
		}
		scenes[name] = sc
	}

	r.mu.Lock()
	r.scenes = scenes
	r.mu.Unlock()
	return nil
}

func validate(sc Scene, reg *shades.Registry) error {
	if sc.Name == "" {
		return fmt.Errorf("%w: unnamed scene", ErrInvalidScene)
	}
	if len(sc.Steps) == 0 {
		return fmt.Errorf("%w: scene %q has no commands", ErrInvalidScene, sc.Name)
	}
	if sc.RetryCount < 0 || sc.RetryCount > 5 {
		return fmt.Errorf("%w: scene %q retry_count %d outside [0,5]", ErrInvalidScene, sc.Name, sc.RetryCount)
	}
	if sc.TimeoutSeconds < 1 || sc.TimeoutSeconds > 300 {
		return fmt.Errorf("%w: scene %q timeout_seconds %d outside [1,300]", ErrInvalidScene, sc.Name, sc.TimeoutSeconds)
	}
	for i, step := range sc.Steps {
		if _, err := shades.ParseAction(step.Action); err != nil {
			return fmt.Errorf("%w: scene %q step %d: %v", ErrInvalidScene, sc.Name, i, err)
		}
		if step.DelayMsBefore < 0 {
			return fmt.Errorf("%w: scene %q step %d: negative delay", ErrInvalidScene, sc.Name, i)
		}
		if _, ok := reg.Get(step.ShadeID); !ok {
			return fmt.Errorf("%w: scene %q step %d: unknown shade %d", ErrInvalidScene, sc.Name, i, step.ShadeID)
		}
	}
	return nil
}

// Get returns a scene by name.
func (r *Registry) Get(name string) (Scene, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.scenes[name]
	return sc, ok
}

// All returns every scene sorted by name.
func (r *Registry) All() []Scene {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Scene, 0, len(r.scenes))
	for _, sc := range r.scenes {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
