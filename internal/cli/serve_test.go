package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenesync/internal/config"
	"github.com/roach88/scenesync/internal/ecs"
	"github.com/roach88/scenesync/internal/service"
	"github.com/roach88/scenesync/internal/store"
	"github.com/roach88/scenesync/internal/testutil"
)

func newStoreService(t *testing.T, cfg config.Config) (*service.Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := service.New(testutil.StartEngine(t), ecs.NewRegistry(), testutil.Components(nil), storeOptions(cfg, st)...)
	return svc, st
}

func TestStoreOptions_DefaultReloadStartsFresh(t *testing.T) {
	svc, st := newStoreService(t, config.Default())
	ctx := context.Background()

	_, err := svc.LoadScene(ctx, "lobby")
	require.NoError(t, err)
	_, err = svc.PushRecords(ctx, "lobby", testutil.Batch(testutil.Record(500, 2, 1, "box-old")))
	require.NoError(t, err)

	_, err = svc.UnloadScene(ctx, "lobby")
	require.NoError(t, err)
	_, _, ok, err := st.LoadSnapshot(ctx, "lobby")
	require.NoError(t, err)
	assert.True(t, ok, "snapshots are still saved on unload")

	_, err = svc.LoadScene(ctx, "lobby")
	require.NoError(t, err)
	ack, err := svc.PushRecords(ctx, "lobby", testutil.Batch(testutil.Record(500, 2, 1, "box")))
	require.NoError(t, err)
	assert.Equal(t, service.Ack{Applied: 1}, ack)
}

func TestStoreOptions_RestoreSeedsReloadedScene(t *testing.T) {
	cfg := config.Default()
	cfg.RestoreSnapshots = true
	svc, _ := newStoreService(t, cfg)
	ctx := context.Background()

	_, err := svc.LoadScene(ctx, "lobby")
	require.NoError(t, err)
	_, err = svc.PushRecords(ctx, "lobby", testutil.Batch(testutil.Record(500, 2, 1, "box-old")))
	require.NoError(t, err)
	_, err = svc.UnloadScene(ctx, "lobby")
	require.NoError(t, err)
	_, err = svc.LoadScene(ctx, "lobby")
	require.NoError(t, err)

	ack, err := svc.PushRecords(ctx, "lobby", testutil.Batch(testutil.Record(500, 2, 1, "box")))
	require.NoError(t, err)
	assert.Equal(t, service.Ack{Stale: 1}, ack)
}
