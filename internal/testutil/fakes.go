package testutil

import (
	"fmt"
	"sync"

	"github.com/roach88/scenesync/internal/component"
	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/ecs"
)

// HandlerEvent is one callback observed by a RecordingHandler.
type HandlerEvent struct {
	Kind   string // "created", "updated" or "removed"
	Entity uint32
	Value  any
}

func (e HandlerEvent) String() string {
	if e.Kind == "removed" {
		return fmt.Sprintf("%s e=%d", e.Kind, e.Entity)
	}
	return fmt.Sprintf("%s e=%d %v", e.Kind, e.Entity, e.Value)
}

// HandlerLog collects events from every handler created by its factory, in
// call order.
type HandlerLog struct {
	mu     sync.Mutex
	events []HandlerEvent
}

// Factory returns a handler factory suitable for component.Definition.
func (l *HandlerLog) Factory() func() component.Handler {
	return func() component.Handler {
		return &RecordingHandler{log: l}
	}
}

func (l *HandlerLog) Events() []HandlerEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]HandlerEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Kinds returns only the event kinds, handy for asserting call sequences.
func (l *HandlerLog) Kinds() []string {
	events := l.Events()
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func (l *HandlerLog) add(ev HandlerEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

// RecordingHandler writes every callback to its HandlerLog.
type RecordingHandler struct {
	log *HandlerLog
}

func (h *RecordingHandler) OnCreated(e *ecs.Entity, value any) {
	h.log.add(HandlerEvent{Kind: "created", Entity: e.ID(), Value: value})
}

func (h *RecordingHandler) OnUpdated(e *ecs.Entity, value any) {
	h.log.add(HandlerEvent{Kind: "updated", Entity: e.ID(), Value: value})
}

func (h *RecordingHandler) OnRemoved(e *ecs.Entity) {
	h.log.add(HandlerEvent{Kind: "removed", Entity: e.ID()})
}

// CountingResolver wraps an ecs.Registry and counts Resolve calls.
type CountingResolver struct {
	*ecs.Registry

	mu    sync.Mutex
	calls int
}

func NewCountingResolver() *CountingResolver {
	return &CountingResolver{Registry: ecs.NewRegistry()}
}

func (r *CountingResolver) Resolve(id string) (*ecs.Scene, bool) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.Registry.Resolve(id)
}

func (r *CountingResolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// MustLoad loads a scene and panics on error.
func (r *CountingResolver) MustLoad(id string) *ecs.Scene {
	s, _, err := r.Load(id)
	if err != nil {
		panic(err)
	}
	return s
}

// RecordingOutbox keeps every appended record per scene.
type RecordingOutbox struct {
	mu      sync.Mutex
	records map[string][]crdt.Record
}

func NewRecordingOutbox() *RecordingOutbox {
	return &RecordingOutbox{records: make(map[string][]crdt.Record)}
}

func (o *RecordingOutbox) Append(sceneID string, r crdt.Record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records[sceneID] = append(o.records[sceneID], r)
}

func (o *RecordingOutbox) Records(sceneID string) []crdt.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]crdt.Record, len(o.records[sceneID]))
	copy(out, o.records[sceneID])
	return out
}

// Components returns a registry with a small fixed set of component types:
// 1 json "transform", 2 text "label", 3 raw "mesh". log, when non-nil, is
// attached as the handler factory of every type.
func Components(log *HandlerLog) *component.Registry {
	reg := component.NewRegistry()
	defs := []component.Definition{
		{ID: 1, Name: "transform", Codec: component.JSONCodec{}},
		{ID: 2, Name: "label", Codec: component.TextCodec{}},
		{ID: 3, Name: "mesh", Codec: component.RawCodec{}},
	}
	for _, d := range defs {
		if log != nil {
			d.NewHandler = log.Factory()
		}
		if err := reg.Register(d); err != nil {
			panic(err)
		}
	}
	return reg
}

// Record is shorthand for building a crdt.Record in tests.
func Record(primary, secondary, ts uint32, payload string) crdt.Record {
	r := crdt.Record{PrimaryKey: primary, SecondaryKey: secondary, Timestamp: ts}
	if payload != "" {
		r.Payload = []byte(payload)
	}
	return r
}
