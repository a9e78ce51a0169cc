package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted editing session between named peers.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Peers names the participants. Each name derives a stable key.
	Peers []string `yaml:"peers"`

	// SnapshotPolicy is "every-change" (default) or "interval".
	SnapshotPolicy string `yaml:"snapshot_policy,omitempty"`

	// SnapshotInterval applies to the interval policy, e.g. "1h".
	SnapshotInterval string `yaml:"snapshot_interval,omitempty"`

	// Flow is executed in order.
	Flow []Step `yaml:"flow"`

	// Assertions are checked after the flow.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one flow entry. Exactly one action is set.
type Step struct {
	Peer string `yaml:"peer,omitempty"`

	Create bool        `yaml:"create,omitempty"`
	Join   bool        `yaml:"join,omitempty"`
	Insert *InsertStep `yaml:"insert,omitempty"`
	Delete *DeleteStep `yaml:"delete,omitempty"`
	Sync   bool        `yaml:"sync,omitempty"`
}

// InsertStep types Text at rune offset Pos.
type InsertStep struct {
	Pos  int    `yaml:"pos"`
	Text string `yaml:"text"`
}

// DeleteStep removes the runes in [Start, End).
type DeleteStep struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// Assertion validates the final state of a peer or of all peers.
type Assertion struct {
	Type    string `yaml:"type"`
	Peer    string `yaml:"peer,omitempty"`
	Expect  string `yaml:"expect,omitempty"`
	Count   int    `yaml:"count,omitempty"`
	Author  string `yaml:"author,omitempty"`
	LogType string `yaml:"log_type,omitempty"`
}

// Assertion type constants.
const (
	AssertText      = "text"
	AssertConverged = "converged"
	AssertAuthors   = "authors"
	AssertLogLength = "log_length"
)

// action names the step's action.
func (s Step) action() string {
	switch {
	case s.Create:
		return "create"
	case s.Join:
		return "join"
	case s.Insert != nil:
		return "insert"
	case s.Delete != nil:
		return "delete"
	case s.Sync:
		return "sync"
	default:
		return ""
	}
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{s.Create, s.Join, s.Insert != nil, s.Delete != nil, s.Sync} {
		if set {
			n++
		}
	}
	return n
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks required fields and that the flow is playable:
// one create first, and edits only by peers already on the document.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Peers) == 0 {
		return fmt.Errorf("peers list is required and must be non-empty")
	}
	for i, p := range s.Peers {
		if p == "" {
			return fmt.Errorf("peers[%d]: name is required", i)
		}
		if slices.Index(s.Peers, p) != i {
			return fmt.Errorf("peers[%d]: duplicate peer %q", i, p)
		}
	}
	switch s.SnapshotPolicy {
	case "", "every-change":
	case "interval":
		if s.SnapshotInterval == "" {
			return fmt.Errorf("snapshot_interval is required for the interval policy")
		}
	default:
		return fmt.Errorf("unknown snapshot_policy %q", s.SnapshotPolicy)
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	joined := make(map[string]bool)
	created := false
	for i, step := range s.Flow {
		if step.actions() != 1 {
			return fmt.Errorf("flow[%d]: exactly one action is required", i)
		}
		if step.Sync {
			if step.Peer != "" {
				return fmt.Errorf("flow[%d]: sync takes no peer", i)
			}
			continue
		}
		if !slices.Contains(s.Peers, step.Peer) {
			return fmt.Errorf("flow[%d]: unknown peer %q", i, step.Peer)
		}
		switch {
		case step.Create:
			if created {
				return fmt.Errorf("flow[%d]: document already created", i)
			}
			created = true
			joined[step.Peer] = true
		case step.Join:
			if !created {
				return fmt.Errorf("flow[%d]: join before create", i)
			}
			if joined[step.Peer] {
				return fmt.Errorf("flow[%d]: %s already joined", i, step.Peer)
			}
			joined[step.Peer] = true
		default:
			if !joined[step.Peer] {
				return fmt.Errorf("flow[%d]: %s edits before joining", i, step.Peer)
			}
			if step.Insert != nil && step.Insert.Text == "" {
				return fmt.Errorf("flow[%d].insert: text is required", i)
			}
			if step.Delete != nil && step.Delete.End <= step.Delete.Start {
				return fmt.Errorf("flow[%d].delete: end must be after start", i)
			}
		}
	}
	if !created {
		return fmt.Errorf("flow must create the document")
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, s.Peers); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, peers []string) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	needPeer := func() error {
		if !slices.Contains(peers, a.Peer) {
			return fmt.Errorf("assertions[%d]: unknown peer %q for %s", index, a.Peer, a.Type)
		}
		return nil
	}

	switch a.Type {
	case AssertText:
		return needPeer()
	case AssertConverged:
	case AssertAuthors:
		if err := needPeer(); err != nil {
			return err
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for authors", index)
		}
	case AssertLogLength:
		if err := needPeer(); err != nil {
			return err
		}
		if !slices.Contains(peers, a.Author) {
			return fmt.Errorf("assertions[%d]: unknown author %q for log_length", index, a.Author)
		}
		if a.LogType != "snapshot" && a.LogType != "delta" {
			return fmt.Errorf("assertions[%d]: log_type must be snapshot or delta", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for log_length", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
