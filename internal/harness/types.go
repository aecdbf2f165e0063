package harness

import (
	"encoding/base64"
	"unicode/utf8"

	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/service"
)

// TraceEvent is one executed step.
type TraceEvent struct {
	Seq     uint64       `json:"seq"`
	Op      string       `json:"op"`
	Peer    string       `json:"peer"`
	Scene   string       `json:"scene"`
	Into    string       `json:"into,omitempty"`
	Ack     *AckView     `json:"ack,omitempty"`
	Records []RecordView `json:"records,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// AckView is the JSON form of a service.Ack.
type AckView struct {
	Applied uint32 `json:"applied"`
	Stale   uint32 `json:"stale"`
	Skipped uint32 `json:"skipped"`
	Dropped uint32 `json:"dropped"`
}

func viewAck(a service.Ack) *AckView {
	return &AckView{Applied: a.Applied, Stale: a.Stale, Skipped: a.Skipped, Dropped: a.Dropped}
}

// RecordView is the JSON form of a record. Valid UTF-8 payloads are shown
// as text, anything else as "b64:" followed by standard base64.
type RecordView struct {
	Entity    uint32 `json:"entity"`
	Component uint32 `json:"component"`
	Timestamp uint32 `json:"timestamp"`
	Payload   string `json:"payload,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// ViewRecord converts a record for traces and golden files.
func ViewRecord(r crdt.Record) RecordView {
	v := RecordView{Entity: r.PrimaryKey, Component: r.SecondaryKey, Timestamp: r.Timestamp}
	switch {
	case r.IsDeletion():
		v.Deleted = true
	case utf8.Valid(r.Payload):
		v.Payload = string(r.Payload)
	default:
		v.Payload = "b64:" + base64.StdEncoding.EncodeToString(r.Payload)
	}
	return v
}

func viewRecords(records []crdt.Record) []RecordView {
	out := make([]RecordView, len(records))
	for i, r := range records {
		out[i] = ViewRecord(r)
	}
	return out
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	Errors []string `json:"errors,omitempty"`

	// State is the final snapshot of every loaded scene, by peer then scene.
	State map[string]map[string][]RecordView `json:"state"`
}

// NewResult creates a passing result with nothing recorded.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]map[string][]RecordView),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
