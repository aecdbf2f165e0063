package executor

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/testutil"
)

type managerFixture struct {
	mgr      *Manager
	scenes   *testutil.CountingResolver
	outbox   *testutil.RecordingOutbox
	handlers *testutil.HandlerLog
	logs     *bytes.Buffer
}

func newManagerFixture(t *testing.T, opts ...ManagerOption) *managerFixture {
	t.Helper()
	f := &managerFixture{
		scenes:   testutil.NewCountingResolver(),
		outbox:   testutil.NewRecordingOutbox(),
		handlers: &testutil.HandlerLog{},
		logs:     &bytes.Buffer{},
	}
	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	opts = append([]ManagerOption{WithLogger(logger), WithOutbox(f.outbox)}, opts...)
	f.mgr = NewManager(f.scenes, testutil.Components(f.handlers), opts...)
	return f
}

func TestManager_DispatchUnknownSceneDrops(t *testing.T) {
	f := newManagerFixture(t)

	out := f.mgr.Dispatch("temptation", testutil.Record(1, 2, 1, ""))
	assert.Equal(t, OutcomeDropped, out)
	assert.Zero(t, f.mgr.Len())
	assert.Contains(t, f.logs.String(), "executor not found for scene")
	assert.Contains(t, f.logs.String(), "scene=temptation")
}

func TestManager_DispatchCreatesExecutorLazily(t *testing.T) {
	f := newManagerFixture(t)
	f.scenes.MustLoad("temptation")

	rec := testutil.Record(1, 2, 1, "")
	f.mgr.Dispatch("temptation", rec)

	ex, ok := f.mgr.Executor("temptation")
	require.True(t, ok)
	st, ok := ex.Protocol().State(1, 2)
	require.True(t, ok)
	assert.True(t, rec.Equal(st))
}

func TestManager_UsesCachedExecutor(t *testing.T) {
	f := newManagerFixture(t)
	f.scenes.MustLoad("temptation")

	f.mgr.Dispatch("temptation", testutil.Record(1, 2, 1, ""))
	first, _ := f.mgr.Executor("temptation")
	require.Equal(t, 1, f.scenes.Calls())

	f.mgr.Dispatch("temptation", testutil.Record(2, 2, 1, ""))
	assert.Equal(t, 1, f.scenes.Calls(), "resolver must not be consulted on a cache hit")

	again, _ := f.mgr.Executor("temptation")
	assert.Same(t, first, again)
	assert.Equal(t, 2, first.Protocol().Len())
}

func TestManager_CanonicalSceneIDs(t *testing.T) {
	f := newManagerFixture(t)
	f.scenes.MustLoad("caf\u00e9")

	f.mgr.Dispatch("caf\u00e9", testutil.Record(1, 2, 1, "a"))
	f.mgr.Dispatch(" cafe\u0301 ", testutil.Record(1, 2, 2, "b"))

	assert.Equal(t, 1, f.mgr.Len())
	assert.Equal(t, []string{"caf\u00e9"}, f.mgr.SceneIDs())
}

func TestManager_Author(t *testing.T) {
	f := newManagerFixture(t)
	f.scenes.MustLoad("lobby")

	r, err := f.mgr.Author("lobby", 7, 2, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), r.Timestamp)

	r2, err := f.mgr.Author("lobby", 7, 2, []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), r2.Timestamp)

	got := f.outbox.Records("lobby")
	require.Len(t, got, 2)
	assert.True(t, r.Equal(got[0]))
	assert.True(t, r2.Equal(got[1]))
}

func TestManager_AuthorUnknownScene(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.mgr.Author("nowhere", 1, 2, []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownScene)
	assert.Empty(t, f.outbox.Records("nowhere"))
}

func TestManager_Remove(t *testing.T) {
	f := newManagerFixture(t)
	f.scenes.MustLoad("a")
	f.mgr.Dispatch("a", testutil.Record(1, 2, 1, "x"))
	ex, _ := f.mgr.Executor("a")

	assert.True(t, f.mgr.Remove("a"))
	assert.False(t, f.mgr.Remove("a"))
	assert.True(t, ex.Disposed())
	assert.Zero(t, f.mgr.Len())
}

func TestManager_HotReloadStartsFresh(t *testing.T) {
	f := newManagerFixture(t)
	f.scenes.MustLoad("scene")
	require.Equal(t, OutcomeApplied, f.mgr.Dispatch("scene", testutil.Record(1, 2, 1, "first")))

	// Unload then load again without a snapshot restore.
	f.mgr.Remove("scene")
	f.scenes.Unload("scene")
	f.scenes.MustLoad("scene")

	assert.Equal(t, OutcomeApplied, f.mgr.Dispatch("scene", testutil.Record(1, 2, 1, "first")))
}

func TestManager_DisposeAll(t *testing.T) {
	f := newManagerFixture(t)
	for _, id := range []string{"1", "2", "3"} {
		f.scenes.MustLoad(id)
		f.mgr.Dispatch(id, testutil.Record(1, 2, 1, "x"))
	}
	require.Equal(t, 3, f.mgr.Len())

	f.mgr.DisposeAll()
	assert.Zero(t, f.mgr.Len())
	assert.True(t, f.mgr.Disposed())

	assert.Equal(t, OutcomeDropped, f.mgr.Dispatch("1", testutil.Record(1, 2, 2, "y")))
	_, err := f.mgr.Author("1", 1, 2, nil)
	assert.ErrorIs(t, err, ErrManagerDisposed)
}

func TestManager_SnapshotSource(t *testing.T) {
	seed := []crdt.Record{
		testutil.Record(1, 2, 4, "restored"),
		testutil.Record(2, 3, 1, "mesh"),
	}
	f := newManagerFixture(t, WithSnapshotSource(func(id string) []crdt.Record {
		if id == "saved" {
			return seed
		}
		return nil
	}))
	scene := f.scenes.MustLoad("saved")

	out := f.mgr.Dispatch("saved", testutil.Record(1, 2, 3, "older"))
	assert.Equal(t, OutcomeStale, out)

	e, ok := scene.Entity(1)
	require.True(t, ok)
	v, _ := e.Component(2)
	assert.Equal(t, "restored", v)

	ex, _ := f.mgr.Executor("saved")
	assert.Equal(t, 1, ex.Stats().Stale, "seeding does not count toward stats")
}

func TestManager_SceneIDsSorted(t *testing.T) {
	f := newManagerFixture(t)
	for _, id := range []string{"b", "c", "a"} {
		f.scenes.MustLoad(id)
		f.mgr.Dispatch(id, testutil.Record(1, 2, 1, ""))
	}
	assert.Equal(t, []string{"a", "b", "c"}, f.mgr.SceneIDs())
}

func TestManager_Activate(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.mgr.Activate("nowhere")
	require.ErrorIs(t, err, ErrUnknownScene)

	f.scenes.MustLoad("lobby")
	ex, err := f.mgr.Activate(" lobby ")
	require.NoError(t, err)
	again, err := f.mgr.Activate("lobby")
	require.NoError(t, err)
	assert.Same(t, ex, again)
	assert.Equal(t, 1, f.mgr.Len())

	f.mgr.DisposeAll()
	_, err = f.mgr.Activate("lobby")
	assert.ErrorIs(t, err, ErrManagerDisposed)
}
