package executor

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/ecs"
)

// Outbox receives records authored locally so they can be pulled by a peer.
type Outbox interface {
	Append(sceneID string, r crdt.Record)
}

// SnapshotSource supplies records to seed a newly created executor with, in
// key order. Returning nil starts from empty state.
type SnapshotSource func(sceneID string) []crdt.Record

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger. Executors inherit it.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithOutbox sets where authored records go.
func WithOutbox(o Outbox) ManagerOption {
	return func(m *Manager) {
		m.outbox = o
	}
}

// WithSnapshotSource seeds new executors, for example from a stored
// snapshot.
func WithSnapshotSource(src SnapshotSource) ManagerOption {
	return func(m *Manager) {
		m.seed = src
	}
}

// Manager multiplexes records across the executors of active scenes. At most
// one executor exists per canonical scene id.
type Manager struct {
	executors  map[string]*Executor
	scenes     SceneResolver
	components ComponentRegistry
	outbox     Outbox
	seed       SnapshotSource
	logger     *slog.Logger
	disposed   bool
}

func NewManager(scenes SceneResolver, components ComponentRegistry, opts ...ManagerOption) *Manager {
	m := &Manager{
		executors:  make(map[string]*Executor),
		scenes:     scenes,
		components: components,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dispatch routes an inbound record to the executor of sceneID, creating the
// executor when the scene is loaded but not yet active.
func (m *Manager) Dispatch(sceneID string, r crdt.Record) Outcome {
	id := ecs.NormalizeID(sceneID)
	if m.disposed {
		m.logger.Error("record dispatched after manager disposal", "scene", id)
		return OutcomeDropped
	}
	ex, ok := m.executor(id)
	if !ok {
		m.logger.Error("executor not found for scene", "scene", id)
		return OutcomeDropped
	}
	return ex.Apply(r)
}

// Author applies a local mutation to sceneID and appends the resulting record
// to the outbox.
func (m *Manager) Author(sceneID string, primary, secondary uint32, payload []byte) (crdt.Record, error) {
	id := ecs.NormalizeID(sceneID)
	if m.disposed {
		return crdt.Record{}, ErrManagerDisposed
	}
	ex, ok := m.executor(id)
	if !ok {
		return crdt.Record{}, fmt.Errorf("%w: %q", ErrUnknownScene, id)
	}
	r, err := ex.Author(primary, secondary, payload)
	if err != nil {
		return crdt.Record{}, fmt.Errorf("author %s in scene %q: %w", crdt.Key{Primary: primary, Secondary: secondary}, id, err)
	}
	if m.outbox != nil {
		m.outbox.Append(id, r)
	}
	return r, nil
}

// Activate returns the executor of sceneID, creating and seeding it when the
// scene is loaded but not yet active.
func (m *Manager) Activate(sceneID string) (*Executor, error) {
	id := ecs.NormalizeID(sceneID)
	if m.disposed {
		return nil, ErrManagerDisposed
	}
	ex, ok := m.executor(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScene, id)
	}
	return ex, nil
}

// Remove disposes and forgets the executor of sceneID. It is a no-op when no
// executor exists.
func (m *Manager) Remove(sceneID string) bool {
	id := ecs.NormalizeID(sceneID)
	ex, ok := m.executors[id]
	if !ok {
		return false
	}
	ex.Dispose()
	delete(m.executors, id)
	m.logger.Debug("executor removed", "scene", id)
	return true
}

// DisposeAll disposes every executor. The manager cannot be used afterwards.
func (m *Manager) DisposeAll() {
	for id, ex := range m.executors {
		ex.Dispose()
		delete(m.executors, id)
	}
	m.disposed = true
}

// Executor returns the active executor for sceneID without creating one.
func (m *Manager) Executor(sceneID string) (*Executor, bool) {
	ex, ok := m.executors[ecs.NormalizeID(sceneID)]
	return ex, ok
}

func (m *Manager) Len() int { return len(m.executors) }

// SceneIDs returns the ids of active executors in ascending order.
func (m *Manager) SceneIDs() []string {
	ids := make([]string, 0, len(m.executors))
	for id := range m.executors {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *Manager) Disposed() bool { return m.disposed }

func (m *Manager) executor(id string) (*Executor, bool) {
	if ex, ok := m.executors[id]; ok {
		return ex, true
	}
	scene, ok := m.scenes.Resolve(id)
	if !ok {
		return nil, false
	}

	ex := New(scene, m.components, m.logger)
	if m.seed != nil {
		for _, r := range m.seed(id) {
			ex.Apply(r)
		}
		ex.stats = Stats{}
	}
	m.executors[id] = ex
	m.logger.Debug("executor created", "scene", id, "records", ex.Protocol().Len())
	return ex, true
}
