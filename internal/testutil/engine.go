package testutil

import (
	"context"
	"testing"

	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/engine"
	"github.com/roach88/scenesync/internal/wire"
)

// StartEngine runs a fresh engine loop for the duration of the test.
func StartEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e := engine.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

// Batch encodes records as a wire batch and panics on error.
func Batch(records ...crdt.Record) []byte {
	b, err := wire.EncodeBatch(records)
	if err != nil {
		panic(err)
	}
	return b
}
