package crdt

import (
	"errors"
	"math"
	"sort"
)

// ErrTimestampExhausted is returned by Create when the stored timestamp for a
// key is already the maximum uint32. Incrementing would wrap to zero and the
// new record would lose against every peer.
var ErrTimestampExhausted = errors.New("crdt: timestamp exhausted")

// Outcome names the result of evaluating an incoming record.
type Outcome int

const (
	// OutcomeAccepted means the incoming record replaced (or created) the entry.
	OutcomeAccepted Outcome = iota + 1
	// OutcomeStale means the stored record has a greater timestamp, or wins the
	// payload-length tie break.
	OutcomeStale
	// OutcomeDuplicate means equal timestamp and equal payload length.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeStale:
		return "stale"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Resolve decides whether incoming supersedes stored.
// Both records are expected to share a Key.
func Resolve(stored, incoming Record) Outcome {
	switch {
	case incoming.Timestamp > stored.Timestamp:
		return OutcomeAccepted
	case incoming.Timestamp < stored.Timestamp:
		return OutcomeStale
	}
	switch {
	case len(incoming.Payload) > len(stored.Payload):
		return OutcomeAccepted
	case len(incoming.Payload) < len(stored.Payload):
		return OutcomeStale
	default:
		return OutcomeDuplicate
	}
}

// Protocol holds the authoritative record of every key in one scene.
type Protocol struct {
	state map[Key]Record
}

// NewProtocol returns an empty protocol state.
func NewProtocol() *Protocol {
	return &Protocol{state: make(map[Key]Record)}
}

// Create stamps a locally authored record with the next timestamp for its key
// and accepts it. The first record for a key gets timestamp 1.
func (p *Protocol) Create(primary, secondary uint32, payload []byte) (Record, error) {
	key := Key{Primary: primary, Secondary: secondary}
	var ts uint32 = 1
	if stored, ok := p.state[key]; ok {
		if stored.Timestamp == math.MaxUint32 {
			return Record{}, ErrTimestampExhausted
		}
		ts = stored.Timestamp + 1
	}
	rec := Record{
		PrimaryKey:   primary,
		SecondaryKey: secondary,
		Timestamp:    ts,
		Payload:      payload,
	}.Clone()
	p.state[key] = rec
	return rec, nil
}

// Process evaluates an externally stamped record. It returns the accepted
// record and true, or the zero Record and false when the record was rejected
// and the state is unchanged.
func (p *Protocol) Process(r Record) (Record, bool) {
	_, ok := p.Evaluate(r)
	if !ok {
		return Record{}, false
	}
	return r, true
}

// Evaluate is Process with the reason attached.
func (p *Protocol) Evaluate(r Record) (Outcome, bool) {
	key := r.Key()
	if stored, ok := p.state[key]; ok {
		if outcome := Resolve(stored, r); outcome != OutcomeAccepted {
			return outcome, false
		}
	}
	p.state[key] = r.Clone()
	return OutcomeAccepted, true
}

// State returns the authoritative record for a key.
func (p *Protocol) State(primary, secondary uint32) (Record, bool) {
	rec, ok := p.state[Key{Primary: primary, Secondary: secondary}]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Records returns every authoritative record ordered by key ascending.
func (p *Protocol) Records() []Record {
	out := make([]Record, 0, len(p.state))
	for _, rec := range p.state {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().Less(out[j].Key())
	})
	return out
}

// Len returns the number of tracked keys.
func (p *Protocol) Len() int {
	return len(p.state)
}

// Reset forgets every key.
func (p *Protocol) Reset() {
	p.state = make(map[Key]Record)
}
