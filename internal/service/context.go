package service

import (
	"slices"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/ecs"
	"github.com/roach88/scenesync/internal/wire"
)

// Context holds the outgoing buffer of every scene: records authored locally
// that a peer has not pulled yet. It is safe for concurrent use; appends and
// drains of one scene are atomic with respect to each other.
type Context struct {
	pending *xsync.MapOf[string, []crdt.Record]
}

func NewContext() *Context {
	return &Context{pending: xsync.NewMapOf[string, []crdt.Record]()}
}

// Append adds r to the end of the scene's buffer.
func (c *Context) Append(sceneID string, r crdt.Record) {
	c.pending.Compute(ecs.NormalizeID(sceneID), func(old []crdt.Record, _ bool) ([]crdt.Record, bool) {
		return append(old, r), false
	})
}

// Drain removes and returns the whole buffer of a scene in append order.
func (c *Context) Drain(sceneID string) []crdt.Record {
	records, _ := c.pending.LoadAndDelete(ecs.NormalizeID(sceneID))
	return records
}

// DrainLimit removes the longest prefix of the scene's buffer whose batch
// encoding fits in maxBytes and returns it. The rest stays buffered for the
// next drain. At least one record is taken when the buffer is not empty, and
// maxBytes <= 0 means no limit.
func (c *Context) DrainLimit(sceneID string, maxBytes int) []crdt.Record {
	if maxBytes <= 0 {
		return c.Drain(sceneID)
	}
	var out []crdt.Record
	c.pending.Compute(ecs.NormalizeID(sceneID), func(old []crdt.Record, loaded bool) ([]crdt.Record, bool) {
		if !loaded {
			return nil, true
		}
		n, size := 0, 0
		for n < len(old) {
			size += wire.EncodedLen(old[n])
			if size > maxBytes && n > 0 {
				break
			}
			n++
		}
		out = old[:n:n]
		rest := old[n:]
		return rest, len(rest) == 0
	})
	return out
}

// Pending returns how many records wait in the scene's buffer.
func (c *Context) Pending(sceneID string) int {
	records, _ := c.pending.Load(ecs.NormalizeID(sceneID))
	return len(records)
}

// Discard drops the scene's buffer and reports how many records it held.
func (c *Context) Discard(sceneID string) int {
	return len(c.Drain(sceneID))
}

// Scenes returns the ids with a non-empty buffer in ascending order.
func (c *Context) Scenes() []string {
	var ids []string
	c.pending.Range(func(id string, records []crdt.Record) bool {
		if len(records) > 0 {
			ids = append(ids, id)
		}
		return true
	})
	slices.Sort(ids)
	return ids
}
