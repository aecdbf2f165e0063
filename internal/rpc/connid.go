package rpc

import (
	"sync"

	"github.com/google/uuid"
)

// ConnIDGenerator names accepted connections in logs.
type ConnIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable connection ids, so log lines of
// connections sort by accept time.
type UUIDv7Generator struct{}

// Generate panics if the UUID cannot be generated.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined connection ids, for tests that assert
// on log output.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next id. It panics once all ids are used.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
