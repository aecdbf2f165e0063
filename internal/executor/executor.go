// Package executor applies records to scenes.
//
// An Executor binds one scene to one crdt.Protocol: inbound records pass the
// protocol first and only accepted ones reach the live model. A Manager owns
// the executors of every active scene and routes records by scene id.
//
// Nothing in this package is safe for concurrent use; the host loop is the
// only caller.
package executor

import (
	"errors"
	"log/slog"

	"github.com/roach88/scenesync/internal/component"
	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/ecs"
)

var (
	ErrUnknownScene    = errors.New("executor: scene not loaded")
	ErrManagerDisposed = errors.New("executor: manager disposed")
	ErrDisposed        = errors.New("executor: executor disposed")
)

// Outcome is what happened to one dispatched record.
type Outcome int

const (
	// OutcomeApplied means the record was accepted and reached the live model.
	OutcomeApplied Outcome = iota + 1
	// OutcomeStale means the protocol rejected the record.
	OutcomeStale
	// OutcomeSkipped means the record was accepted but could not be applied:
	// unknown component id or undecodable payload.
	OutcomeSkipped
	// OutcomeDropped means no executor could be found for the scene.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// SceneResolver finds loaded scenes. *ecs.Registry implements it.
type SceneResolver interface {
	Resolve(sceneID string) (*ecs.Scene, bool)
}

// ComponentRegistry finds component definitions. *component.Registry
// implements it.
type ComponentRegistry interface {
	Lookup(componentID uint32) (component.Definition, bool)
}

// Stats counts what an executor has done since it was created.
type Stats struct {
	Applied      int
	Stale        int
	Skipped      int
	DecodeFailed int
	Authored     int
}

// Executor applies records to a single scene.
type Executor struct {
	scene      *ecs.Scene
	components ComponentRegistry
	protocol   *crdt.Protocol
	handlers   map[crdt.Key]component.Handler
	stats      Stats
	logger     *slog.Logger
	disposed   bool
}

// New binds a scene to a fresh protocol. A nil logger uses slog.Default.
func New(scene *ecs.Scene, components ComponentRegistry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		scene:      scene,
		components: components,
		protocol:   crdt.NewProtocol(),
		handlers:   make(map[crdt.Key]component.Handler),
		logger:     logger.With("scene", scene.ID()),
	}
}

// Apply runs an inbound record through the protocol and, when accepted, into
// the live model.
func (e *Executor) Apply(r crdt.Record) Outcome {
	if _, ok := e.protocol.Process(r); !ok {
		e.stats.Stale++
		e.logger.Debug("stale record ignored", "record", r.String())
		return OutcomeStale
	}
	if e.disposed {
		e.stats.Skipped++
		return OutcomeSkipped
	}
	return e.applyToScene(r)
}

// Author records a local mutation: the protocol assigns the timestamp, the
// live model is updated, and the record is returned for the caller to send.
func (e *Executor) Author(primary, secondary uint32, payload []byte) (crdt.Record, error) {
	if e.disposed {
		return crdt.Record{}, ErrDisposed
	}
	r, err := e.protocol.Create(primary, secondary, payload)
	if err != nil {
		return crdt.Record{}, err
	}
	e.stats.Authored++
	e.applyToScene(r)
	return r, nil
}

// Remove authors a deletion of one component.
func (e *Executor) Remove(primary, secondary uint32) (crdt.Record, error) {
	return e.Author(primary, secondary, nil)
}

func (e *Executor) applyToScene(r crdt.Record) Outcome {
	def, ok := e.components.Lookup(r.SecondaryKey)
	if !ok {
		e.stats.Skipped++
		e.logger.Warn("unknown component type", "entity", r.PrimaryKey, "component", r.SecondaryKey)
		return OutcomeSkipped
	}

	if r.IsDeletion() {
		e.removeComponent(r.Key())
		e.stats.Applied++
		return OutcomeApplied
	}

	value, err := def.Decode(r.Payload)
	if err != nil {
		e.stats.Skipped++
		e.stats.DecodeFailed++
		e.logger.Warn("component decode failed", "entity", r.PrimaryKey, "component", r.SecondaryKey, "error", err)
		return OutcomeSkipped
	}

	entity, _ := e.scene.EnsureEntity(r.PrimaryKey)
	created := entity.SetComponent(r.SecondaryKey, value)
	key := r.Key()
	h := e.handlers[key]
	if created {
		if h = def.Handler(); h != nil {
			e.handlers[key] = h
			h.OnCreated(entity, value)
		}
	}
	if h != nil {
		h.OnUpdated(entity, value)
	}
	e.stats.Applied++
	return OutcomeApplied
}

func (e *Executor) removeComponent(key crdt.Key) {
	entity, ok := e.scene.Entity(key.Primary)
	if !ok {
		return
	}
	if !entity.RemoveComponent(key.Secondary) {
		return
	}
	if h, ok := e.handlers[key]; ok {
		delete(e.handlers, key)
		h.OnRemoved(entity)
	}
}

// Scene returns the bound scene.
func (e *Executor) Scene() *ecs.Scene { return e.scene }

// Protocol exposes the conflict state, mainly for tests and persistence.
func (e *Executor) Protocol() *crdt.Protocol { return e.protocol }

// Snapshot returns every accepted record ordered by key.
func (e *Executor) Snapshot() []crdt.Record { return e.protocol.Records() }

func (e *Executor) Stats() Stats { return e.stats }

// Dispose detaches the executor from its scene and drops handler state. The
// protocol is left intact. Dispose is idempotent.
func (e *Executor) Dispose() {
	if e.disposed {
		return
	}
	e.disposed = true
	clear(e.handlers)
}

func (e *Executor) Disposed() bool { return e.disposed }
