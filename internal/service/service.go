// Package service implements the record replication RPC contract on top of
// the executor manager.
//
// Every read or write of protocol state and of the live scenes runs as a job
// on the engine loop. RPC goroutines only decode arguments, wait for their
// job and encode results.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/ecs"
	"github.com/roach88/scenesync/internal/engine"
	"github.com/roach88/scenesync/internal/executor"
	"github.com/roach88/scenesync/internal/metrics"
	"github.com/roach88/scenesync/internal/store"
	"github.com/roach88/scenesync/internal/wire"
)

// ErrUnknownScene is returned for operations on a scene that is not loaded.
var ErrUnknownScene = executor.ErrUnknownScene

// Ack counts what happened to the records of one push.
type Ack struct {
	Applied uint32
	Stale   uint32
	Skipped uint32
	Dropped uint32
}

// Add counts one outcome.
func (a *Ack) Add(o executor.Outcome) {
	switch o {
	case executor.OutcomeApplied:
		a.Applied++
	case executor.OutcomeStale:
		a.Stale++
	case executor.OutcomeSkipped:
		a.Skipped++
	case executor.OutcomeDropped:
		a.Dropped++
	}
}

// Total returns the number of records counted.
func (a Ack) Total() uint32 {
	return a.Applied + a.Stale + a.Skipped + a.Dropped
}

func (a Ack) String() string {
	return fmt.Sprintf("applied=%d stale=%d skipped=%d dropped=%d", a.Applied, a.Stale, a.Skipped, a.Dropped)
}

// Journal persists accepted records. *store.Store implements it.
type Journal interface {
	AppendRecords(ctx context.Context, sceneID string, dir store.Direction, records []crdt.Record) error
}

// SnapshotStore saves scene state on unload and restores it on activation.
// *store.Store implements it.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, sceneID string, records []crdt.Record) error
	LoadSnapshot(ctx context.Context, sceneID string) ([]crdt.Record, int64, bool, error)
}

// SceneInfo describes one loaded scene.
type SceneInfo struct {
	ID       string `json:"id"`
	Active   bool   `json:"active"`
	Records  int    `json:"records"`
	Entities int    `json:"entities"`
	Pending  int    `json:"pending"`
}

// Option configures a Service.
type Option func(*Service)

// WithJournal journals accepted inbound and authored outbound records.
func WithJournal(j Journal) Option {
	return func(s *Service) {
		s.journal = j
	}
}

// WithSnapshots saves a snapshot of every scene that is unloaded. When
// restore is set, newly activated executors are seeded from the stored
// snapshot.
func WithSnapshots(st SnapshotStore, restore bool) Option {
	return func(s *Service) {
		s.snapshots = st
		s.restore = restore
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithMaxPullBytes caps the batch size a single pull returns. Records beyond
// the cap stay buffered for the next pull.
func WithMaxPullBytes(n int) Option {
	return func(s *Service) {
		s.maxPull = n
	}
}

// Service serves PushRecords and PullRecords for every loaded scene.
type Service struct {
	loop      *engine.Engine
	scenes    *ecs.Registry
	manager   *executor.Manager
	outbox    *Context
	journal   Journal
	snapshots SnapshotStore
	restore   bool
	maxPull   int
	logger    *slog.Logger
}

// New wires a service to the engine loop, the scene registry and the
// component registry. The service registers itself for scene unloads.
func New(loop *engine.Engine, scenes *ecs.Registry, components executor.ComponentRegistry, opts ...Option) *Service {
	s := &Service{
		loop:    loop,
		scenes:  scenes,
		outbox:  NewContext(),
		maxPull: int(wire.DefaultLimits().MaxPayloadBytes) - wire.TLVHeaderLen,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mopts := []executor.ManagerOption{
		executor.WithLogger(s.logger),
		executor.WithOutbox(s.outbox),
	}
	if s.snapshots != nil && s.restore {
		mopts = append(mopts, executor.WithSnapshotSource(s.loadSnapshot))
	}
	s.manager = executor.NewManager(scenes, components, mopts...)
	scenes.OnUnload(s.onUnload)
	return s
}

// PushRecords applies a batch to a scene. Records are dispatched in encoded
// order within one loop job. Stale records, unknown components and an
// unknown scene are reported in the Ack, not as errors. A malformed batch
// stops at the bad record; the records before it stay applied and the error
// is a *wire.MalformedBatchError.
func (s *Service) PushRecords(ctx context.Context, sceneID string, payload []byte) (Ack, error) {
	id := ecs.NormalizeID(sceneID)

	var (
		ack       Ack
		decodeErr error
	)
	err := s.loop.Do(ctx, "push:"+id, func() {
		var accepted []crdt.Record
		dec := wire.NewDecoder(payload)
		for dec.Next() {
			r := dec.Record()
			o := s.manager.Dispatch(id, r)
			ack.Add(o)
			if o == executor.OutcomeApplied || o == executor.OutcomeSkipped {
				accepted = append(accepted, r)
			}
		}
		decodeErr = dec.Err()

		s.record(ack)
		s.appendJournal(id, store.Inbound, accepted)
		metrics.SetActiveExecutors(s.manager.Len())
	})
	if err != nil {
		return Ack{}, err
	}
	if decodeErr != nil {
		s.logger.Warn("malformed batch", "scene", id, "ack", ack.String(), "error", decodeErr)
		return ack, decodeErr
	}
	return ack, nil
}

// PullRecords drains the scene's outgoing buffer and returns it as a batch.
// An empty buffer yields an empty batch.
func (s *Service) PullRecords(ctx context.Context, sceneID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records := s.outbox.DrainLimit(sceneID, s.maxPull)
	batch, err := wire.EncodeBatch(records)
	if err != nil {
		return nil, fmt.Errorf("pull %q: %w", ecs.NormalizeID(sceneID), err)
	}
	return batch, nil
}

// Author applies a local mutation and buffers the resulting record for the
// next pull. A nil payload removes the component.
func (s *Service) Author(ctx context.Context, sceneID string, primary, secondary uint32, payload []byte) (crdt.Record, error) {
	id := ecs.NormalizeID(sceneID)

	var (
		rec       crdt.Record
		authorErr error
	)
	err := s.loop.Do(ctx, "author:"+id, func() {
		rec, authorErr = s.manager.Author(id, primary, secondary, payload)
		if authorErr != nil {
			return
		}
		s.appendJournal(id, store.Outbound, []crdt.Record{rec})
		metrics.SetActiveExecutors(s.manager.Len())
	})
	if err != nil {
		return crdt.Record{}, err
	}
	return rec, authorErr
}

// Snapshot returns the accepted records of a scene in key order, activating
// its executor if needed.
func (s *Service) Snapshot(ctx context.Context, sceneID string) ([]crdt.Record, error) {
	var (
		records []crdt.Record
		snapErr error
	)
	err := s.loop.Do(ctx, "snapshot", func() {
		ex, err := s.manager.Activate(sceneID)
		if err != nil {
			snapErr = err
			return
		}
		records = ex.Snapshot()
	})
	if err != nil {
		return nil, err
	}
	return records, snapErr
}

// LoadScene loads a scene and activates its executor. It reports whether
// the scene was newly loaded.
func (s *Service) LoadScene(ctx context.Context, sceneID string) (bool, error) {
	_, created, err := s.scenes.Load(sceneID)
	if err != nil {
		return false, err
	}
	var activateErr error
	err = s.loop.Do(ctx, "load", func() {
		_, activateErr = s.manager.Activate(sceneID)
		metrics.SetActiveExecutors(s.manager.Len())
	})
	if err != nil {
		return false, err
	}
	if activateErr != nil {
		return false, activateErr
	}
	if created {
		s.logger.Info("scene loaded", "scene", ecs.NormalizeID(sceneID))
	}
	return created, nil
}

// UnloadScene unloads a scene on the loop. The executor is saved to the
// snapshot store, if any, and dropped with its protocol state. It reports
// whether the scene was loaded.
func (s *Service) UnloadScene(ctx context.Context, sceneID string) (bool, error) {
	var unloaded bool
	err := s.loop.Do(ctx, "unload", func() {
		unloaded = s.scenes.Unload(sceneID)
	})
	return unloaded, err
}

// Scenes lists the loaded scenes in ascending id order.
func (s *Service) Scenes(ctx context.Context) ([]SceneInfo, error) {
	var infos []SceneInfo
	err := s.loop.Do(ctx, "scenes", func() {
		for _, id := range s.scenes.IDs() {
			info := SceneInfo{ID: id, Pending: s.outbox.Pending(id)}
			if ex, ok := s.manager.Executor(id); ok {
				info.Active = true
				info.Records = ex.Protocol().Len()
				info.Entities = ex.Scene().Len()
			}
			infos = append(infos, info)
		}
	})
	return infos, err
}

// Stats returns the counters of an active executor.
func (s *Service) Stats(ctx context.Context, sceneID string) (executor.Stats, error) {
	var (
		st executor.Stats
		ok bool
	)
	err := s.loop.Do(ctx, "stats", func() {
		var ex *executor.Executor
		if ex, ok = s.manager.Executor(sceneID); ok {
			st = ex.Stats()
		}
	})
	if err != nil {
		return executor.Stats{}, err
	}
	if !ok {
		return executor.Stats{}, fmt.Errorf("%w: %q", ErrUnknownScene, ecs.NormalizeID(sceneID))
	}
	return st, nil
}

// Outbox exposes the outgoing buffers.
func (s *Service) Outbox() *Context {
	return s.outbox
}

// Close disposes every executor. The service cannot apply records
// afterwards.
func (s *Service) Close(ctx context.Context) error {
	err := s.loop.Do(ctx, "close", func() {
		s.manager.DisposeAll()
	})
	if errors.Is(err, engine.ErrStopped) {
		return nil
	}
	metrics.SetActiveExecutors(0)
	return err
}

func (s *Service) onUnload(scene *ecs.Scene) {
	id := scene.ID()
	if ex, ok := s.manager.Executor(id); ok && s.snapshots != nil {
		if err := s.snapshots.SaveSnapshot(context.Background(), id, ex.Snapshot()); err != nil {
			s.logger.Error("save snapshot failed", "scene", id, "error", err)
		}
	}
	s.manager.Remove(id)
	if n := s.outbox.Discard(id); n > 0 {
		s.logger.Warn("discarded unpulled records", "scene", id, "records", n)
	}
	metrics.SetActiveExecutors(s.manager.Len())
	s.logger.Info("scene unloaded", "scene", id)
}

func (s *Service) loadSnapshot(sceneID string) []crdt.Record {
	records, takenAt, ok, err := s.snapshots.LoadSnapshot(context.Background(), sceneID)
	if err != nil {
		s.logger.Error("load snapshot failed", "scene", sceneID, "error", err)
		return nil
	}
	if ok {
		s.logger.Info("scene restored", "scene", sceneID, "records", len(records), "taken_at_seq", takenAt)
	}
	return records
}

func (s *Service) appendJournal(sceneID string, dir store.Direction, records []crdt.Record) {
	if s.journal == nil || len(records) == 0 {
		return
	}
	if err := s.journal.AppendRecords(context.Background(), sceneID, dir, records); err != nil {
		s.logger.Error("journal append failed", "scene", sceneID, "direction", string(dir), "error", err)
	}
}

func (s *Service) record(ack Ack) {
	metrics.RecordOutcomes(executor.OutcomeApplied.String(), int(ack.Applied))
	metrics.RecordOutcomes(executor.OutcomeStale.String(), int(ack.Stale))
	metrics.RecordOutcomes(executor.OutcomeSkipped.String(), int(ack.Skipped))
	metrics.RecordOutcomes(executor.OutcomeDropped.String(), int(ack.Dropped))
}
