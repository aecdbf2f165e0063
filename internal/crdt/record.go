package crdt

import (
	"bytes"
	"fmt"
)

// Key is the composite identity of a synchronized attribute.
type Key struct {
	Primary   uint32
	Secondary uint32
}

// Less orders keys by primary, then secondary.
func (k Key) Less(other Key) bool {
	if k.Primary != other.Primary {
		return k.Primary < other.Primary
	}
	return k.Secondary < other.Secondary
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.Primary, k.Secondary)
}

// Record is one versioned update of a Key.
type Record struct {
	PrimaryKey   uint32
	SecondaryKey uint32
	Timestamp    uint32
	Payload      []byte
}

// Key returns the record's composite identity.
func (r Record) Key() Key {
	return Key{Primary: r.PrimaryKey, Secondary: r.SecondaryKey}
}

// IsDeletion reports whether the record removes its attribute.
func (r Record) IsDeletion() bool {
	return len(r.Payload) == 0
}

// Equal compares all fields. A nil payload equals an empty payload.
func (r Record) Equal(other Record) bool {
	return r.PrimaryKey == other.PrimaryKey &&
		r.SecondaryKey == other.SecondaryKey &&
		r.Timestamp == other.Timestamp &&
		bytes.Equal(r.Payload, other.Payload)
}

// Clone returns a copy that shares no memory with r.
func (r Record) Clone() Record {
	out := r
	if r.Payload != nil {
		out.Payload = append([]byte(nil), r.Payload...)
	}
	return out
}

func (r Record) String() string {
	return fmt.Sprintf("record{key=%s ts=%d len=%d}", r.Key(), r.Timestamp, len(r.Payload))
}
