// Package ecs is the live entity/component model that accepted records are
// applied to.
//
// A Scene is not safe for concurrent use. The host loop owns every scene; other
// goroutines read scenes through engine jobs.
package ecs

import (
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeID canonicalises a scene id: NFC normalization, then surrounding
// whitespace trimmed. Visually identical ids compare equal afterwards.
func NormalizeID(id string) string {
	return strings.TrimSpace(norm.NFC.String(id))
}

// Entity is one entity in a scene, holding decoded component values keyed by
// component id.
type Entity struct {
	id         uint32
	components map[uint32]any
}

func (e *Entity) ID() uint32 { return e.id }

// Component returns the decoded value stored for componentID.
func (e *Entity) Component(componentID uint32) (any, bool) {
	v, ok := e.components[componentID]
	return v, ok
}

// HasComponent reports whether componentID is attached.
func (e *Entity) HasComponent(componentID uint32) bool {
	_, ok := e.components[componentID]
	return ok
}

// SetComponent attaches or replaces a component value. It reports whether the
// component was newly attached.
func (e *Entity) SetComponent(componentID uint32, value any) bool {
	_, existed := e.components[componentID]
	e.components[componentID] = value
	return !existed
}

// RemoveComponent detaches componentID. It reports whether anything was
// removed.
func (e *Entity) RemoveComponent(componentID uint32) bool {
	if _, ok := e.components[componentID]; !ok {
		return false
	}
	delete(e.components, componentID)
	return true
}

// ComponentIDs returns the attached component ids in ascending order.
func (e *Entity) ComponentIDs() []uint32 {
	ids := make([]uint32, 0, len(e.components))
	for id := range e.components {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Scene is a named set of entities.
type Scene struct {
	id       string
	entities map[uint32]*Entity
}

// NewScene returns an empty scene. The id is normalized.
func NewScene(id string) *Scene {
	return &Scene{
		id:       NormalizeID(id),
		entities: make(map[uint32]*Entity),
	}
}

func (s *Scene) ID() string { return s.id }

func (s *Scene) Entity(id uint32) (*Entity, bool) {
	e, ok := s.entities[id]
	return e, ok
}

// EnsureEntity returns the entity with id, creating it when missing. The
// second result reports whether it was created.
func (s *Scene) EnsureEntity(id uint32) (*Entity, bool) {
	if e, ok := s.entities[id]; ok {
		return e, false
	}
	e := &Entity{id: id, components: make(map[uint32]any)}
	s.entities[id] = e
	return e, true
}

// RemoveEntity deletes an entity and all of its components.
func (s *Scene) RemoveEntity(id uint32) bool {
	if _, ok := s.entities[id]; !ok {
		return false
	}
	delete(s.entities, id)
	return true
}

// EntityIDs returns entity ids in ascending order.
func (s *Scene) EntityIDs() []uint32 {
	ids := make([]uint32, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Scene) Len() int { return len(s.entities) }

// Clear drops every entity.
func (s *Scene) Clear() {
	clear(s.entities)
}
