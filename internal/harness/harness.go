package harness

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/scenesync/internal/component"
	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/ecs"
	"github.com/roach88/scenesync/internal/engine"
	"github.com/roach88/scenesync/internal/executor"
	"github.com/roach88/scenesync/internal/service"
	"github.com/roach88/scenesync/internal/store"
	"github.com/roach88/scenesync/internal/testutil"
	"github.com/roach88/scenesync/internal/wire"
)

// stepTimeout bounds every service call so a wedged loop fails the scenario
// instead of hanging it.
const stepTimeout = 10 * time.Second

// peer is one in-process replica.
type peer struct {
	name   string
	svc    *service.Service
	store  *store.Store
	cancel context.CancelFunc
	done   chan error
}

func (p *peer) close() {
	_ = p.svc.Close(context.Background())
	p.cancel()
	<-p.done
	p.store.Close()
}

// Harness executes one scenario.
type Harness struct {
	scenario *Scenario
	peers    map[string]*peer
	clock    *testutil.DeterministicClock
	logger   *slog.Logger
}

// Run executes a scenario against fresh peers and returns the result. Step
// expectations and assertions that do not hold are reported in the result;
// the error is reserved for failures to set the peers up.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger is Run with the peers logging to logger.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	components, err := loadComponents(scenario.Catalog)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		scenario: scenario,
		peers:    make(map[string]*peer),
		clock:    testutil.NewDeterministicClock(),
		logger:   logger,
	}
	defer h.close()

	for _, name := range scenario.PeerNames() {
		p, err := h.startPeer(name, components)
		if err != nil {
			return nil, fmt.Errorf("start peer %q: %w", name, err)
		}
		h.peers[name] = p
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		h.executeStep(i, step, result)
	}

	if err := h.collectState(result); err != nil {
		return nil, err
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, h) {
		result.AddError(msg)
	}
	return result, nil
}

func loadComponents(catalog string) (executor.ComponentRegistry, error) {
	if catalog == "" {
		return testutil.Components(nil), nil
	}
	reg, err := component.LoadCatalog(catalog)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return reg, nil
}

func (h *Harness) startPeer(name string, components executor.ComponentRegistry) (*peer, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, err
	}

	loop := engine.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	svc := service.New(loop, ecs.NewRegistry(), components,
		service.WithJournal(st),
		service.WithSnapshots(st, h.scenario.RestoreSnapshots),
		service.WithLogger(h.logger.With("peer", name)),
	)
	return &peer{name: name, svc: svc, store: st, cancel: cancel, done: done}, nil
}

func (h *Harness) close() {
	for _, p := range h.peers {
		p.close()
	}
}

func (h *Harness) peer(name string) *peer {
	return h.peers[h.scenario.peerOf(name)]
}

func (h *Harness) executeStep(i int, step Step, result *Result) {
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()

	p := h.peer(step.Peer)
	ev := TraceEvent{
		Seq:   h.clock.Next(),
		Op:    step.Op,
		Peer:  p.name,
		Scene: step.Scene,
	}

	var (
		err     error
		pulled  *int
		ackSeen bool
	)
	switch step.Op {
	case OpLoad:
		_, err = p.svc.LoadScene(ctx, step.Scene)

	case OpUnload:
		_, err = p.svc.UnloadScene(ctx, step.Scene)

	case OpPush:
		var batch []byte
		batch, err = encodeStep(step)
		if err != nil {
			break
		}
		var ack service.Ack
		ack, err = p.svc.PushRecords(ctx, step.Scene, batch)
		ev.Ack = viewAck(ack)
		ackSeen = true

	case OpAuthor:
		payload, _ := payloadOf(step.Text, step.B64)
		var rec crdt.Record
		rec, err = p.svc.Author(ctx, step.Scene, step.Entity, step.Component, payload)
		if err == nil {
			ev.Records = []RecordView{ViewRecord(rec)}
		}

	case OpPull:
		var batch []byte
		batch, err = p.svc.PullRecords(ctx, step.Scene)
		if err != nil {
			break
		}
		var records []crdt.Record
		records, err = wire.DecodeBatch(batch)
		if err != nil {
			break
		}
		n := len(records)
		pulled = &n
		ev.Records = viewRecords(records)
		if step.Into != "" {
			var ack service.Ack
			ev.Into = step.Into
			ack, err = h.peers[step.Into].svc.PushRecords(ctx, step.Scene, batch)
			ev.Ack = viewAck(ack)
			ackSeen = true
		}
	}
	if err != nil {
		ev.Error = err.Error()
	}
	result.addTrace(ev)

	for _, msg := range checkExpect(step, ev, pulled, ackSeen) {
		result.AddError(fmt.Sprintf("step %d (%s %s on %s): %s", i, step.Op, step.Scene, p.name, msg))
	}
}

func encodeStep(step Step) ([]byte, error) {
	var batch []byte
	for _, spec := range step.Records {
		r, err := spec.Record()
		if err != nil {
			return nil, err
		}
		if batch, err = wire.AppendRecord(batch, r); err != nil {
			return nil, err
		}
	}
	raw, err := hex.DecodeString(step.RawHex)
	if err != nil {
		return nil, err
	}
	return append(batch, raw...), nil
}

func checkExpect(step Step, ev TraceEvent, pulled *int, ackSeen bool) []string {
	var errs []string
	exp := step.Expect
	if exp == nil {
		exp = &Expect{}
	}

	switch {
	case exp.Error == "" && ev.Error != "":
		errs = append(errs, "unexpected error: "+ev.Error)
	case exp.Error != "" && ev.Error == "":
		errs = append(errs, fmt.Sprintf("expected error containing %q, got none", exp.Error))
	case exp.Error != "" && !strings.Contains(ev.Error, exp.Error):
		errs = append(errs, fmt.Sprintf("expected error containing %q, got %q", exp.Error, ev.Error))
	}

	if exp.Ack != nil {
		switch {
		case !ackSeen:
			errs = append(errs, "expected an ack, step produced none")
		case *ev.Ack != *exp.Ack:
			errs = append(errs, fmt.Sprintf("ack = %+v, expected %+v", *ev.Ack, *exp.Ack))
		}
	}

	if exp.Records != nil {
		switch {
		case pulled == nil:
			errs = append(errs, "expected pulled records, step pulled nothing")
		case *pulled != *exp.Records:
			errs = append(errs, fmt.Sprintf("pulled %d records, expected %d", *pulled, *exp.Records))
		}
	}
	return errs
}

// collectState snapshots every loaded scene of every peer.
func (h *Harness) collectState(result *Result) error {
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()

	for _, name := range h.scenario.PeerNames() {
		p := h.peers[name]
		infos, err := p.svc.Scenes(ctx)
		if err != nil {
			return fmt.Errorf("list scenes of %q: %w", name, err)
		}
		scenes := make(map[string][]RecordView, len(infos))
		for _, info := range infos {
			records, err := p.svc.Snapshot(ctx, info.ID)
			if err != nil {
				return fmt.Errorf("snapshot %q on %q: %w", info.ID, name, err)
			}
			scenes[info.ID] = viewRecords(records)
		}
		result.State[name] = scenes
	}
	return nil
}
