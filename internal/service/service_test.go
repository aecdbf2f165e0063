package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/ecs"
	"github.com/roach88/scenesync/internal/executor"
	"github.com/roach88/scenesync/internal/store"
	"github.com/roach88/scenesync/internal/testutil"
	"github.com/roach88/scenesync/internal/wire"
)

type fixture struct {
	svc      *Service
	scenes   *ecs.Registry
	handlers *testutil.HandlerLog
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		scenes:   ecs.NewRegistry(),
		handlers: &testutil.HandlerLog{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithLogger(logger)}, opts...)
	f.svc = New(testutil.StartEngine(t), f.scenes, testutil.Components(f.handlers), opts...)
	return f
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "scenesync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPushRecords_AppliesAndAcks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.LoadScene(ctx, "lobby")
	require.NoError(t, err)

	batch := testutil.Batch(
		testutil.Record(1, 2, 1, "hello"),
		testutil.Record(1, 2, 1, "hello"), // redelivery
		testutil.Record(1, 99, 1, "?"),    // unknown component
		testutil.Record(5, 1, 1, `{"x":1}`),
	)
	ack, err := f.svc.PushRecords(ctx, "lobby", batch)
	require.NoError(t, err)
	assert.Equal(t, Ack{Applied: 2, Stale: 1, Skipped: 1}, ack)
	assert.Equal(t, uint32(4), ack.Total())

	records, err := f.svc.Snapshot(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, crdt.Key{Primary: 1, Secondary: 2}, records[0].Key())
	assert.Equal(t, crdt.Key{Primary: 1, Secondary: 99}, records[1].Key())
	assert.Equal(t, crdt.Key{Primary: 5, Secondary: 1}, records[2].Key())
}

func TestPushRecords_UnknownSceneDrops(t *testing.T) {
	f := newFixture(t)

	ack, err := f.svc.PushRecords(context.Background(), "nowhere", testutil.Batch(
		testutil.Record(1, 2, 1, "a"),
		testutil.Record(1, 3, 1, "b"),
	))
	require.NoError(t, err)
	assert.Equal(t, Ack{Dropped: 2}, ack)
}

func TestPushRecords_EmptyBatch(t *testing.T) {
	f := newFixture(t)
	ack, err := f.svc.PushRecords(context.Background(), "lobby", nil)
	require.NoError(t, err)
	assert.Zero(t, ack.Total())
}

func TestPushRecords_MalformedKeepsPrefix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.LoadScene(ctx, "lobby")
	require.NoError(t, err)

	good := testutil.Batch(testutil.Record(1, 2, 1, "a"), testutil.Record(2, 2, 1, "b"))
	batch := append(good, 0, 0, 0, 3) // length prefix below the fixed header

	ack, err := f.svc.PushRecords(ctx, "lobby", batch)
	var mbe *wire.MalformedBatchError
	require.ErrorAs(t, err, &mbe)
	assert.Equal(t, len(good), mbe.Offset)
	assert.Equal(t, 2, mbe.Decoded)
	assert.ErrorIs(t, err, wire.ErrInvalidLength)
	assert.Equal(t, Ack{Applied: 2}, ack)

	records, err := f.svc.Snapshot(ctx, "lobby")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestPushRecords_CancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ack, err := f.svc.PushRecords(ctx, "lobby", testutil.Batch(testutil.Record(1, 2, 1, "a")))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, ack)
}

func TestAuthorThenPull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.LoadScene(ctx, "lobby")
	require.NoError(t, err)

	r1, err := f.svc.Author(ctx, "lobby", 7, 2, []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), r1.Timestamp)
	r2, err := f.svc.Author(ctx, "lobby", 7, 2, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), r2.Timestamp)
	r3, err := f.svc.Author(ctx, "lobby", 7, 2, nil)
	require.NoError(t, err)
	assert.True(t, r3.IsDeletion())

	batch, err := f.svc.PullRecords(ctx, "lobby")
	require.NoError(t, err)
	got, err := wire.DecodeBatch(batch)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, r1.Equal(got[0]))
	assert.True(t, r2.Equal(got[1]))
	assert.True(t, r3.Equal(got[2]))

	again, err := f.svc.PullRecords(ctx, "lobby")
	require.NoError(t, err)
	assert.NotNil(t, again)
	assert.Empty(t, again, "a drained buffer pulls an empty batch")
}

func TestAuthor_UnknownScene(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Author(context.Background(), "nowhere", 1, 2, []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownScene)
}

func TestPullRecords_RespectsMaxBytes(t *testing.T) {
	f := newFixture(t, WithMaxPullBytes(2*(20+4)))
	ctx := context.Background()
	_, err := f.svc.LoadScene(ctx, "lobby")
	require.NoError(t, err)

	for e := uint32(1); e <= 3; e++ {
		_, err := f.svc.Author(ctx, "lobby", e, 3, []byte("abcd"))
		require.NoError(t, err)
	}

	first, err := f.svc.PullRecords(ctx, "lobby")
	require.NoError(t, err)
	got, err := wire.DecodeBatch(first)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, f.svc.Outbox().Pending("lobby"))

	second, err := f.svc.PullRecords(ctx, "lobby")
	require.NoError(t, err)
	got, err = wire.DecodeBatch(second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(3), got[0].PrimaryKey)
}

func TestPeersConverge(t *testing.T) {
	ctx := context.Background()
	sender := newFixture(t)
	receiver := newFixture(t)
	for _, f := range []*fixture{sender, receiver} {
		_, err := f.svc.LoadScene(ctx, "arena")
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		_, err := sender.svc.Author(ctx, "arena", uint32(i%2), 2, []byte{byte('a' + i)})
		require.NoError(t, err)
	}
	_, err := sender.svc.Author(ctx, "arena", 9, 3, []byte{1, 2, 3})
	require.NoError(t, err)

	batch, err := sender.svc.PullRecords(ctx, "arena")
	require.NoError(t, err)
	ack, err := receiver.svc.PushRecords(ctx, "arena", batch)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), ack.Applied)

	want, err := sender.svc.Snapshot(ctx, "arena")
	require.NoError(t, err)
	got, err := receiver.svc.Snapshot(ctx, "arena")
	require.NoError(t, err)
	wantDigest, _ := wire.Digest(want)
	gotDigest, _ := wire.Digest(got)
	assert.Equal(t, wantDigest, gotDigest)

	// Replaying the same batch is idempotent.
	ack, err = receiver.svc.PushRecords(ctx, "arena", batch)
	require.NoError(t, err)
	assert.Equal(t, Ack{Stale: 6}, ack)
}

func TestUnloadScene_HotReload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.LoadScene(ctx, "lobby")
	require.NoError(t, err)

	batch := testutil.Batch(testutil.Record(1, 2, 1, "a"))
	ack, err := f.svc.PushRecords(ctx, "lobby", batch)
	require.NoError(t, err)
	require.Equal(t, uint32(1), ack.Applied)
	_, err = f.svc.Author(ctx, "lobby", 4, 2, []byte("unpulled"))
	require.NoError(t, err)

	unloaded, err := f.svc.UnloadScene(ctx, "lobby")
	require.NoError(t, err)
	assert.True(t, unloaded)
	assert.Zero(t, f.svc.Outbox().Pending("lobby"))

	unloaded, err = f.svc.UnloadScene(ctx, "lobby")
	require.NoError(t, err)
	assert.False(t, unloaded)

	_, err = f.svc.LoadScene(ctx, "lobby")
	require.NoError(t, err)
	ack, err = f.svc.PushRecords(ctx, "lobby", batch)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ack.Applied, "fresh protocol state accepts timestamp 1 again")
}

func TestScenes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.scenes.Load("zeta")
	require.NoError(t, err)
	_, err = f.svc.LoadScene(ctx, "alpha")
	require.NoError(t, err)
	_, err = f.svc.Author(ctx, "alpha", 1, 2, []byte("x"))
	require.NoError(t, err)

	infos, err := f.svc.Scenes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []SceneInfo{
		{ID: "alpha", Active: true, Records: 1, Entities: 1, Pending: 1},
		{ID: "zeta"},
	}, infos)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.LoadScene(ctx, "lobby")
	require.NoError(t, err)

	_, err = f.svc.PushRecords(ctx, "lobby", testutil.Batch(
		testutil.Record(1, 1, 1, "not json"),
		testutil.Record(1, 2, 1, "ok"),
	))
	require.NoError(t, err)

	st, err := f.svc.Stats(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Applied)
	assert.Equal(t, 1, st.DecodeFailed)

	_, err = f.svc.Stats(ctx, "nowhere")
	assert.ErrorIs(t, err, ErrUnknownScene)
}

func TestJournal_RecordsAcceptedTraffic(t *testing.T) {
	st := openStore(t)
	f := newFixture(t, WithJournal(st))
	ctx := context.Background()
	_, err := f.svc.LoadScene(ctx, "lobby")
	require.NoError(t, err)

	_, err = f.svc.PushRecords(ctx, "lobby", testutil.Batch(
		testutil.Record(1, 2, 2, "b"),
		testutil.Record(1, 2, 1, "a"), // stale, not journaled
		testutil.Record(1, 42, 1, "?"),
	))
	require.NoError(t, err)
	_, err = f.svc.Author(ctx, "lobby", 1, 2, []byte("local"))
	require.NoError(t, err)

	entries, err := st.ReadJournal(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, store.Inbound, entries[0].Direction)
	assert.Equal(t, store.Inbound, entries[1].Direction)
	assert.Equal(t, uint32(42), entries[1].Record.SecondaryKey)
	assert.Equal(t, store.Outbound, entries[2].Direction)
	assert.Equal(t, uint32(3), entries[2].Record.Timestamp)

	res, err := st.Replay(ctx, "lobby")
	require.NoError(t, err)
	live, err := f.svc.Snapshot(ctx, "lobby")
	require.NoError(t, err)
	want, _ := wire.Digest(live)
	got, _ := wire.Digest(res.Protocol.Records())
	assert.Equal(t, want, got)
}

func TestSnapshots_SaveOnUnloadAndRestore(t *testing.T) {
	st := openStore(t)
	f := newFixture(t, WithSnapshots(st, true))
	ctx := context.Background()
	_, err := f.svc.LoadScene(ctx, "lobby")
	require.NoError(t, err)

	_, err = f.svc.PushRecords(ctx, "lobby", testutil.Batch(
		testutil.Record(1, 2, 5, "kept"),
		testutil.Record(3, 3, 1, "mesh"),
	))
	require.NoError(t, err)

	_, err = f.svc.UnloadScene(ctx, "lobby")
	require.NoError(t, err)

	saved, _, ok, err := st.LoadSnapshot(ctx, "lobby")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, saved, 2)

	_, err = f.svc.LoadScene(ctx, "lobby")
	require.NoError(t, err)

	ack, err := f.svc.PushRecords(ctx, "lobby", testutil.Batch(testutil.Record(1, 2, 4, "older")))
	require.NoError(t, err)
	assert.Equal(t, Ack{Stale: 1}, ack, "restored state rejects older records")

	records, err := f.svc.Snapshot(ctx, "lobby")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	stats, err := f.svc.Stats(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Stale, "seeding does not count toward stats")
}

func TestClose_DisposesExecutors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.LoadScene(ctx, "lobby")
	require.NoError(t, err)

	require.NoError(t, f.svc.Close(ctx))

	ack, err := f.svc.PushRecords(ctx, "lobby", testutil.Batch(testutil.Record(1, 2, 1, "a")))
	require.NoError(t, err)
	assert.Equal(t, Ack{Dropped: 1}, ack)

	_, err = f.svc.Author(ctx, "lobby", 1, 2, []byte("x"))
	assert.ErrorIs(t, err, executor.ErrManagerDisposed)
}

func TestConcurrentPushes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.LoadScene(ctx, "lobby")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for ts := uint32(1); ts <= 20; ts++ {
				_, err := f.svc.PushRecords(ctx, "lobby", testutil.Batch(testutil.Record(uint32(w), 3, ts, "p")))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	records, err := f.svc.Snapshot(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, records, 8)
	for _, r := range records {
		assert.Equal(t, uint32(20), r.Timestamp)
	}
}
