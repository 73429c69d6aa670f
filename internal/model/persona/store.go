package persona

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
)

var (
	ErrNotFound     = errors.New("persona not found")
	ErrDuplicateKey = errors.New("persona id already registered")
	ErrInvalid      = errors.New("invalid persona")
)

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Store exposes persona retrieval for handlers and the session coordinator.
type Store interface {
	List() []Persona
	FindByID(id string) (Persona, bool)
}

// Registry implements Store with an insertion-ordered in-memory catalog.
// Mutation is limited to Add and Reload.
type Registry struct {
	mu    sync.RWMutex
	items []Persona
	index map[string]int
}

// NewRegistry returns a Registry preloaded with the supplied personas.
func NewRegistry(items []Persona) (*Registry, error) {
	r := &Registry{}
	if err := r.Reload(items); err != nil {
		return nil, err
	}
	return r, nil
}

// List returns the catalog in stable order.
func (r *Registry) List() []Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Persona(nil), r.items...)
}

// FindByID looks up a persona by identifier.
func (r *Registry) FindByID(id string) (Persona, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.index[id]
	if !ok {
		return Persona{}, false
	}
	return r.items[idx], true
}

// Lookup is FindByID with an ErrNotFound error instead of a flag.
func (r *Registry) Lookup(id string) (Persona, error) {
	p, ok := r.FindByID(id)
	if !ok {
		return Persona{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// Add registers a new persona. Existing ids are never overwritten.
func (r *Registry) Add(p Persona) error {
	if err := Validate(p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.index[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, p.ID)
	}
	r.index[p.ID] = len(r.items)
	r.items = append(r.items, p)
	return nil
}

// Reload atomically replaces the catalog. The new catalog must be valid and free of
// duplicate ids; on error the current catalog is kept.
func (r *Registry) Reload(items []Persona) error {
	index := make(map[string]int, len(items))
	for i, p := range items {
		if err := Validate(p); err != nil {
			return err
		}
		if _, exists := index[p.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, p.ID)
		}
		index[p.ID] = i
	}

	r.mu.Lock()
	r.items = append([]Persona(nil), items...)
	r.index = index
	r.mu.Unlock()
	return nil
}

// Len reports the catalog size.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// ImagePath returns the index-th image of a persona if the file exists on disk.
func (r *Registry) ImagePath(id string, index int) (string, error) {
	p, err := r.Lookup(id)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= len(p.ImagePaths) {
		return "", fmt.Errorf("%w: image %d of %s", ErrNotFound, index, id)
	}
	path := p.ImagePaths[index]
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: image file %s", ErrNotFound, path)
	}
	return path, nil
}

// MissingImages lists, per persona, the image paths that do not exist on disk.
func (r *Registry) MissingImages() map[string][]string {
	missing := make(map[string][]string)
	for _, p := range r.List() {
		for _, path := range p.ImagePaths {
			if _, err := os.Stat(path); err != nil {
				missing[p.ID] = append(missing[p.ID], path)
			}
		}
	}
	return missing
}

// Validate checks the identity and prompt of a persona.
func Validate(p Persona) error {
	if len(p.ID) == 0 || len(p.ID) > 50 || !idPattern.MatchString(p.ID) {
		return fmt.Errorf("%w: id %q must be lowercase alphanumeric", ErrInvalid, p.ID)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: %s has no name", ErrInvalid, p.ID)
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("%w: %s has no prompt", ErrInvalid, p.ID)
	}
	return nil
}
