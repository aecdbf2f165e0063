package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/ecs"
	"github.com/roach88/scenesync/internal/wire"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s on %s", ev.Seq, ev.Op, ev.Scene, ev.Peer)
			if ev.Error != "" {
				fmt.Fprintf(&buf, " error=%q", ev.Error)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// sceneState looks a scene up in the collected final state. A scene that is
// not loaded has no state.
func sceneState(result *Result, peer, scene string) ([]RecordView, bool) {
	scenes, ok := result.State[peer]
	if !ok {
		return nil, false
	}
	records, ok := scenes[ecs.NormalizeID(scene)]
	return records, ok
}

// assertConverged checks that every peer holds an identical snapshot of the
// scene.
func assertConverged(result *Result, peers []string, a Assertion) error {
	if len(a.Peers) > 0 {
		peers = a.Peers
	}

	var (
		first     []RecordView
		firstPeer string
	)
	for i, p := range peers {
		records, ok := sceneState(result, p, a.Scene)
		if !ok {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("scene %q loaded on %s", a.Scene, p),
				Actual:   "not loaded",
				Trace:    result.Trace,
			}
		}
		if i == 0 {
			first, firstPeer = records, p
			continue
		}
		if !recordViewsEqual(first, records) {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s: %s", firstPeer, formatViews(first)),
				Actual:   fmt.Sprintf("%s: %s", p, formatViews(records)),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

// assertRecord checks one key of a scene's final state.
func assertRecord(result *Result, peer string, a Assertion) error {
	records, ok := sceneState(result, peer, a.Scene)
	if !ok {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("scene %q loaded on %s", a.Scene, peer),
			Actual:   "not loaded",
		}
	}

	var (
		got   RecordView
		found bool
	)
	for _, r := range records {
		if r.Entity == a.Entity && r.Component == a.Component {
			got, found = r, true
			break
		}
	}

	key := fmt.Sprintf("%d/%d", a.Entity, a.Component)
	if a.Absent {
		if found {
			return &AssertionError{
				Type:     AssertRecord,
				Expected: key + " absent",
				Actual:   formatView(got),
			}
		}
		return nil
	}
	if !found {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: key + " present",
			Actual:   "absent",
			Trace:    result.Trace,
		}
	}

	// Fields the assertion leaves out are taken from the actual record.
	want := got
	if a.Timestamp != nil {
		want.Timestamp = *a.Timestamp
	}
	payload, _ := payloadOf(a.Text, a.B64)
	switch {
	case a.Deleted:
		want.Payload, want.Deleted = "", true
	case payload != nil:
		pv := ViewRecord(crdt.Record{Payload: payload})
		want.Payload, want.Deleted = pv.Payload, false
	}
	if want != got {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: formatView(want),
			Actual:   formatView(got),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertRecordCount(result *Result, peer string, a Assertion) error {
	records, _ := sceneState(result, peer, a.Scene)
	if len(records) != a.Count {
		return &AssertionError{
			Type:     AssertRecordCount,
			Expected: fmt.Sprintf("%d records in %s on %s", a.Count, a.Scene, peer),
			Actual:   fmt.Sprintf("%d records", len(records)),
		}
	}
	return nil
}

func assertPending(h *Harness, peer string, a Assertion) error {
	n := h.peers[peer].svc.Outbox().Pending(a.Scene)
	if n != a.Count {
		return &AssertionError{
			Type:     AssertPending,
			Expected: fmt.Sprintf("%d pending records in %s on %s", a.Count, a.Scene, peer),
			Actual:   fmt.Sprintf("%d pending", n),
		}
	}
	return nil
}

// assertReplay rebuilds the scene from the peer's journal and compares the
// digest with the live snapshot.
func assertReplay(ctx context.Context, h *Harness, peer string, a Assertion) error {
	p := h.peers[peer]
	id := ecs.NormalizeID(a.Scene)

	live, err := p.svc.Snapshot(ctx, id)
	if err != nil {
		return fmt.Errorf("replay: snapshot %q on %s: %w", id, peer, err)
	}
	replayed, err := p.store.Replay(ctx, id)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	liveDigest, err := wire.Digest(live)
	if err != nil {
		return err
	}
	replayDigest, err := wire.Digest(replayed.Protocol.Records())
	if err != nil {
		return err
	}
	if liveDigest != replayDigest {
		return &AssertionError{
			Type:     AssertReplay,
			Expected: fmt.Sprintf("journal of %s on %s to rebuild %s", id, peer, formatViews(viewRecords(live))),
			Actual:   formatViews(viewRecords(replayed.Protocol.Records())),
		}
	}
	return nil
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, h *Harness) []string {
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()

	var errs []string
	for i, a := range assertions {
		peer := h.scenario.peerOf(a.Peer)

		var err error
		switch a.Type {
		case AssertConverged:
			err = assertConverged(result, h.scenario.PeerNames(), a)
		case AssertRecord:
			err = assertRecord(result, peer, a)
		case AssertRecordCount:
			err = assertRecordCount(result, peer, a)
		case AssertPending:
			err = assertPending(h, peer, a)
		case AssertReplay:
			err = assertReplay(ctx, h, peer, a)
		default:
			err = fmt.Errorf("unknown assertion type: %s", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

func recordViewsEqual(a, b []RecordView) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func formatView(v RecordView) string {
	if v.Deleted {
		return fmt.Sprintf("%d/%d@%d deleted", v.Entity, v.Component, v.Timestamp)
	}
	return fmt.Sprintf("%d/%d@%d %q", v.Entity, v.Component, v.Timestamp, v.Payload)
}

func formatViews(vs []RecordView) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = formatView(v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
