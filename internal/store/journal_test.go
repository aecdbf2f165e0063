package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/wire"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func rec(primary, secondary, ts uint32, payload string) crdt.Record {
	r := crdt.Record{PrimaryKey: primary, SecondaryKey: secondary, Timestamp: ts}
	if payload != "" {
		r.Payload = []byte(payload)
	}
	return r
}

func TestAppendRecords_ReadJournal(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendRecords(ctx, "lobby", Inbound, []crdt.Record{
		rec(1, 2, 1, "a"),
		rec(1, 3, 1, ""),
	}))
	require.NoError(t, s.AppendRecords(ctx, "other", Inbound, []crdt.Record{rec(9, 9, 9, "z")}))
	require.NoError(t, s.AppendRecords(ctx, "lobby", Outbound, []crdt.Record{rec(4294967295, 1, 4294967295, "max")}))

	entries, err := s.ReadJournal(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, Inbound, entries[0].Direction)
	assert.Equal(t, []byte("a"), entries[0].Record.Payload)
	assert.Nil(t, entries[1].Record.Payload, "deletion reads back as nil payload")
	assert.Equal(t, Outbound, entries[2].Direction)
	assert.Equal(t, uint32(4294967295), entries[2].Record.PrimaryKey)
	assert.Equal(t, uint32(4294967295), entries[2].Record.Timestamp)

	assert.Less(t, entries[0].Seq, entries[1].Seq)
	assert.Less(t, entries[1].Seq, entries[2].Seq)
}

func TestAppendRecords_EmptyAndInvalid(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendRecords(ctx, "a", Inbound, nil))
	assert.Error(t, s.AppendRecords(ctx, "a", Direction("sideways"), []crdt.Record{rec(1, 1, 1, "x")}))

	entries, err := s.ReadJournal(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSnapshot_SaveLoadReplace(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, _, ok, err := s.LoadSnapshot(ctx, "lobby")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AppendRecords(ctx, "lobby", Inbound, []crdt.Record{rec(1, 1, 1, "x")}))
	require.NoError(t, s.SaveSnapshot(ctx, "lobby", []crdt.Record{
		rec(2, 1, 3, "b"),
		rec(1, 1, 1, "x"),
		rec(1, 5, 2, ""),
	}))

	got, takenAt, ok, err := s.LoadSnapshot(ctx, "lobby")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), takenAt)
	require.Len(t, got, 3)
	assert.Equal(t, crdt.Key{Primary: 1, Secondary: 1}, got[0].Key())
	assert.Equal(t, crdt.Key{Primary: 1, Secondary: 5}, got[1].Key())
	assert.True(t, got[1].IsDeletion())
	assert.Equal(t, crdt.Key{Primary: 2, Secondary: 1}, got[2].Key())

	require.NoError(t, s.SaveSnapshot(ctx, "lobby", []crdt.Record{rec(7, 7, 7, "only")}))
	got, _, _, err = s.LoadSnapshot(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(7), got[0].PrimaryKey)

	require.NoError(t, s.DeleteSnapshot(ctx, "lobby"))
	_, _, ok, err = s.LoadSnapshot(ctx, "lobby")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListScenes(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendRecords(ctx, "b", Inbound, []crdt.Record{rec(1, 1, 1, "x"), rec(1, 1, 2, "y")}))
	require.NoError(t, s.AppendRecords(ctx, "b", Outbound, []crdt.Record{rec(2, 1, 1, "z")}))
	require.NoError(t, s.AppendRecords(ctx, "a", Inbound, []crdt.Record{rec(1, 1, 1, "x")}))
	require.NoError(t, s.SaveSnapshot(ctx, "a", []crdt.Record{rec(1, 1, 1, "x")}))
	require.NoError(t, s.SaveSnapshot(ctx, "c", []crdt.Record{rec(1, 1, 1, "x")}))

	scenes, err := s.ListScenes(ctx)
	require.NoError(t, err)
	require.Len(t, scenes, 3)

	assert.Equal(t, SceneSummary{SceneID: "a", Inbound: 1, LastSeq: 4, HasSnapshot: true}, scenes[0])
	assert.Equal(t, SceneSummary{SceneID: "b", Inbound: 2, Outbound: 1, LastSeq: 3}, scenes[1])
	assert.Equal(t, SceneSummary{SceneID: "c", HasSnapshot: true}, scenes[2])
}

func TestReplay_MatchesLiveState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	live := crdt.NewProtocol()
	inbound := []crdt.Record{
		rec(1, 1, 1, "a"),
		rec(1, 1, 3, "c"),
		rec(1, 1, 2, "b"), // stale by the time it arrives
		rec(2, 1, 1, "x"),
	}
	var accepted []crdt.Record
	for _, r := range inbound {
		if _, ok := live.Process(r); ok {
			accepted = append(accepted, r)
		}
	}
	require.NoError(t, s.AppendRecords(ctx, "scene", Inbound, accepted))

	authored, err := live.Create(2, 1, []byte("mine"))
	require.NoError(t, err)
	require.NoError(t, s.AppendRecords(ctx, "scene", Outbound, []crdt.Record{authored}))

	res, err := s.Replay(ctx, "scene")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Entries)
	assert.Equal(t, 4, res.Accepted)

	want, err := wire.Digest(live.Records())
	require.NoError(t, err)
	got, err := wire.Digest(res.Protocol.Records())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReplay_EmptyScene(t *testing.T) {
	s := createTestStore(t)
	res, err := s.Replay(context.Background(), "missing")
	require.NoError(t, err)
	assert.Zero(t, res.Entries)
	assert.Zero(t, res.Protocol.Len())
}
