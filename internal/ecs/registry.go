package ecs

import (
	"errors"
	"slices"
	"sync"
)

var ErrEmptySceneID = errors.New("ecs: empty scene id")

// UnloadFunc is called after a scene has been removed from the registry.
type UnloadFunc func(*Scene)

// Registry tracks loaded scenes. It is safe for concurrent use. Unload
// callbacks run on the goroutine that called Unload, outside the registry
// lock.
type Registry struct {
	mu       sync.RWMutex
	scenes   map[string]*Scene
	onUnload []UnloadFunc
}

func NewRegistry() *Registry {
	return &Registry{scenes: make(map[string]*Scene)}
}

// OnUnload registers fn to run whenever a scene is unloaded. Callbacks run in
// registration order.
func (r *Registry) OnUnload(fn UnloadFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUnload = append(r.onUnload, fn)
}

// Load returns the scene for id, creating an empty one when it is not loaded.
// The second result reports whether the scene was created.
func (r *Registry) Load(id string) (*Scene, bool, error) {
	id = NormalizeID(id)
	if id == "" {
		return nil, false, ErrEmptySceneID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.scenes[id]; ok {
		return s, false, nil
	}
	s := NewScene(id)
	r.scenes[id] = s
	return s, true, nil
}

// Resolve returns a loaded scene. It never creates one.
func (r *Registry) Resolve(id string) (*Scene, bool) {
	id = NormalizeID(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scenes[id]
	return s, ok
}

// Unload removes a scene and fires the unload callbacks. Unloading a scene
// that is not loaded is a no-op and reports false.
func (r *Registry) Unload(id string) bool {
	id = NormalizeID(id)

	r.mu.Lock()
	s, ok := r.scenes[id]
	if ok {
		delete(r.scenes, id)
	}
	callbacks := slices.Clone(r.onUnload)
	r.mu.Unlock()

	if !ok {
		return false
	}
	for _, fn := range callbacks {
		fn(s)
	}
	return true
}

// IDs returns the loaded scene ids in ascending order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.scenes))
	for id := range r.scenes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
