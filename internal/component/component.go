// Package component maps component ids carried in records to decoders and
// per-instance handlers.
package component

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/scenesync/internal/ecs"
)

var (
	ErrDuplicateID   = errors.New("component: duplicate component id")
	ErrUnknownID     = errors.New("component: unknown component id")
	ErrMissingCodec  = errors.New("component: definition has no codec")
	ErrDuplicateName = errors.New("component: duplicate component name")
)

// Handler receives lifecycle callbacks for one component instance. A handler
// is created when the component is first attached to an entity and dropped
// when it is removed or the owning executor is disposed.
type Handler interface {
	OnCreated(e *ecs.Entity, value any)
	OnUpdated(e *ecs.Entity, value any)
	OnRemoved(e *ecs.Entity)
}

// Definition describes one component type.
type Definition struct {
	ID    uint32
	Name  string
	Codec Codec

	// NewHandler is optional.
	NewHandler func() Handler
}

// Decode turns a record payload into the component value.
func (d Definition) Decode(payload []byte) (any, error) {
	v, err := d.Codec.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s (%d) as %s: %w", d.Name, d.ID, d.Codec.Name(), err)
	}
	return v, nil
}

// Handler returns a fresh handler for a new instance, or nil.
func (d Definition) Handler() Handler {
	if d.NewHandler == nil {
		return nil
	}
	return d.NewHandler()
}

// Registry is the set of known component types. It is safe for concurrent
// use.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uint32]Definition
	byName map[string]uint32
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uint32]Definition),
		byName: make(map[string]uint32),
	}
}

func (r *Registry) Register(def Definition) error {
	if def.Codec == nil {
		return fmt.Errorf("%w: %s (%d)", ErrMissingCodec, def.Name, def.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[def.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateID, def.ID)
	}
	if def.Name != "" {
		if _, ok := r.byName[def.Name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateName, def.Name)
		}
		r.byName[def.Name] = def.ID
	}
	r.byID[def.ID] = def
	return nil
}

// Attach sets the handler factory of an already registered component.
func (r *Registry) Attach(id uint32, newHandler func() Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	def.NewHandler = newHandler
	r.byID[id] = def
	return nil
}

func (r *Registry) Lookup(id uint32) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byID[id]
	return def, ok
}

// LookupName finds a definition by its catalog name.
func (r *Registry) LookupName(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return Definition{}, false
	}
	return r.byID[id], true
}

// Definitions returns every definition ordered by id.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.byID))
	for _, d := range r.byID {
		defs = append(defs, d)
	}
	slices.SortFunc(defs, func(a, b Definition) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return defs
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
