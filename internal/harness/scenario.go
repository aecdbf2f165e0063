package harness

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/scenesync/internal/crdt"
)

// DefaultPeer is the peer used when a scenario names none.
const DefaultPeer = "local"

// Scenario is one replication test.
type Scenario struct {
	// Name uniquely identifies this scenario and its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Catalog is a CUE component catalog. Relative paths are resolved
	// against the scenario file. Without a catalog every peer uses the
	// built-in transform/label/mesh components.
	Catalog string `yaml:"catalog,omitempty"`

	// Peers lists the services taking part. Steps without a peer run on
	// the first one.
	Peers []string `yaml:"peers,omitempty"`

	// RestoreSnapshots seeds a reloaded scene from the snapshot saved when
	// it was unloaded. Off by default, as in serve.
	RestoreSnapshots bool `yaml:"restore_snapshots,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step operations.
const (
	OpLoad   = "load"
	OpUnload = "unload"
	OpPush   = "push"
	OpAuthor = "author"
	OpPull   = "pull"
)

// Step is one operation against a peer.
type Step struct {
	Op    string `yaml:"op"`
	Peer  string `yaml:"peer,omitempty"`
	Scene string `yaml:"scene"`

	// Records are encoded into the push batch, in order.
	Records []RecordSpec `yaml:"records,omitempty"`
	// RawHex is appended to the push batch after Records.
	RawHex string `yaml:"raw_hex,omitempty"`

	// Entity, Component and the payload fields describe an author step.
	Entity    uint32 `yaml:"entity,omitempty"`
	Component uint32 `yaml:"component,omitempty"`
	Text      string `yaml:"text,omitempty"`
	B64       string `yaml:"b64,omitempty"`
	Delete    bool   `yaml:"delete,omitempty"`

	// Into forwards a pulled batch to another peer's push.
	Into string `yaml:"into,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect checks the result of one step.
type Expect struct {
	// Ack is compared in full against a push, or a forwarded pull.
	Ack *AckView `yaml:"ack,omitempty"`
	// Records is the number of records a pull returned.
	Records *int `yaml:"records,omitempty"`
	// Error must be a substring of the step error. Without it any error
	// fails the step.
	Error string `yaml:"error,omitempty"`
}

// RecordSpec is a record written in a scenario. A record with neither text
// nor b64 is a deletion.
type RecordSpec struct {
	Entity    uint32 `yaml:"entity"`
	Component uint32 `yaml:"component"`
	Timestamp uint32 `yaml:"timestamp"`
	Text      string `yaml:"text,omitempty"`
	B64       string `yaml:"b64,omitempty"`
}

// Record converts r into a crdt.Record.
func (r RecordSpec) Record() (crdt.Record, error) {
	payload, err := payloadOf(r.Text, r.B64)
	if err != nil {
		return crdt.Record{}, err
	}
	return crdt.Record{
		PrimaryKey:   r.Entity,
		SecondaryKey: r.Component,
		Timestamp:    r.Timestamp,
		Payload:      payload,
	}, nil
}

func payloadOf(text, b64 string) ([]byte, error) {
	switch {
	case text != "" && b64 != "":
		return nil, fmt.Errorf("text and b64 are mutually exclusive")
	case text != "":
		return []byte(text), nil
	case b64 != "":
		p, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("invalid b64 payload: %w", err)
		}
		return p, nil
	}
	return nil, nil
}

// Assertion validates final state.
type Assertion struct {
	// Type is one of converged, record, record_count, pending or replay.
	Type string `yaml:"type"`

	Peer  string `yaml:"peer,omitempty"`
	Scene string `yaml:"scene"`

	// Peers limits converged to a subset of peers.
	Peers []string `yaml:"peers,omitempty"`

	// Entity, Component and the fields below describe a record assertion.
	Entity    uint32  `yaml:"entity,omitempty"`
	Component uint32  `yaml:"component,omitempty"`
	Timestamp *uint32 `yaml:"timestamp,omitempty"`
	Text      string  `yaml:"text,omitempty"`
	B64       string  `yaml:"b64,omitempty"`
	Deleted   bool    `yaml:"deleted,omitempty"`
	Absent    bool    `yaml:"absent,omitempty"`

	// Count is used by record_count and pending.
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged   = "converged"
	AssertRecord      = "record"
	AssertRecordCount = "record_count"
	AssertPending     = "pending"
	AssertReplay      = "replay"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected, and a relative catalog path is resolved against the file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.Catalog != "" && !filepath.IsAbs(scenario.Catalog) {
		scenario.Catalog = filepath.Join(filepath.Dir(path), scenario.Catalog)
	}
	return scenario, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// PeerNames returns the scenario's peers, defaulting to DefaultPeer.
func (s *Scenario) PeerNames() []string {
	if len(s.Peers) == 0 {
		return []string{DefaultPeer}
	}
	return s.Peers
}

func (s *Scenario) peerOf(name string) string {
	if name == "" {
		return s.PeerNames()[0]
	}
	return name
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	peers := s.PeerNames()
	for i, p := range peers {
		if p == "" {
			return fmt.Errorf("peers[%d]: name is empty", i)
		}
		if slices.Contains(peers[:i], p) {
			return fmt.Errorf("peers[%d]: duplicate peer %q", i, p)
		}
	}
	knownPeer := func(name string) bool {
		return name == "" || slices.Contains(peers, name)
	}

	for i, step := range s.Steps {
		if err := validateStep(step, knownPeer); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, knownPeer); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, knownPeer func(string) bool) error {
	if step.Scene == "" {
		return fmt.Errorf("scene is required")
	}
	if !knownPeer(step.Peer) {
		return fmt.Errorf("unknown peer %q", step.Peer)
	}

	switch step.Op {
	case OpLoad, OpUnload:
	case OpPush:
		if len(step.Records) == 0 && step.RawHex == "" {
			return fmt.Errorf("push requires records or raw_hex")
		}
		for j, r := range step.Records {
			if _, err := r.Record(); err != nil {
				return fmt.Errorf("records[%d]: %w", j, err)
			}
		}
		if _, err := hex.DecodeString(step.RawHex); err != nil {
			return fmt.Errorf("raw_hex: %w", err)
		}
	case OpAuthor:
		payload, err := payloadOf(step.Text, step.B64)
		if err != nil {
			return err
		}
		if step.Delete && payload != nil {
			return fmt.Errorf("delete cannot carry a payload")
		}
		if !step.Delete && payload == nil {
			return fmt.Errorf("author requires text, b64 or delete")
		}
	case OpPull:
		if step.Into != "" && !knownPeer(step.Into) {
			return fmt.Errorf("unknown peer %q", step.Into)
		}
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	return nil
}

func validateAssertion(a Assertion, knownPeer func(string) bool) error {
	if a.Scene == "" {
		return fmt.Errorf("scene is required")
	}
	if !knownPeer(a.Peer) {
		return fmt.Errorf("unknown peer %q", a.Peer)
	}

	switch a.Type {
	case AssertConverged:
		for _, p := range a.Peers {
			if !knownPeer(p) {
				return fmt.Errorf("unknown peer %q", p)
			}
		}
	case AssertRecord:
		if _, err := payloadOf(a.Text, a.B64); err != nil {
			return err
		}
	case AssertRecordCount, AssertPending, AssertReplay:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
