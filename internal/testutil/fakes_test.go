package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerLog_RecordsInOrder(t *testing.T) {
	var log HandlerLog
	h := log.Factory()()

	scene := NewCountingResolver().MustLoad("s")
	e, _ := scene.EnsureEntity(4)

	h.OnCreated(e, "a")
	h.OnUpdated(e, "b")
	h.OnRemoved(e)

	assert.Equal(t, []string{"created", "updated", "removed"}, log.Kinds())
	events := log.Events()
	require.Len(t, events, 3)
	assert.Equal(t, uint32(4), events[1].Entity)
	assert.Equal(t, "b", events[1].Value)
	assert.Equal(t, "removed e=4", events[2].String())
}

func TestCountingResolver(t *testing.T) {
	r := NewCountingResolver()
	r.MustLoad("a")

	_, ok := r.Resolve("a")
	assert.True(t, ok)
	_, ok = r.Resolve("b")
	assert.False(t, ok)
	assert.Equal(t, 2, r.Calls())
}

func TestRecordingOutbox(t *testing.T) {
	o := NewRecordingOutbox()
	o.Append("a", Record(1, 1, 1, "x"))
	o.Append("a", Record(1, 1, 2, ""))

	got := o.Records("a")
	require.Len(t, got, 2)
	assert.True(t, got[1].IsDeletion())
	assert.Empty(t, o.Records("b"))
}

func TestComponents(t *testing.T) {
	reg := Components(nil)
	assert.Equal(t, 3, reg.Len())
	def, ok := reg.Lookup(2)
	require.True(t, ok)
	assert.Nil(t, def.Handler())

	var log HandlerLog
	def, _ = Components(&log).Lookup(1)
	assert.NotNil(t, def.Handler())
}
