package harness

import (
	"bytes"
	"fmt"
)

// TraceEvent is one line of a scenario trace. Peer is empty for steps
// that involve every peer.
type TraceEvent struct {
	Step  int    `json:"step"`
	Peer  string `json:"peer,omitempty"`
	Event string `json:"event"`
}

func (e TraceEvent) String() string {
	if e.Peer == "" {
		return fmt.Sprintf("[%d] %s", e.Step, e.Event)
	}
	return fmt.Sprintf("[%d] %s %s", e.Step, e.Peer, e.Event)
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step ran and every assertion held.
	Pass bool `json:"pass"`

	// Trace contains the steps, local edits and sync points in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Texts holds each joined peer's final text.
	Texts map[string]string `json:"texts"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Texts:  make(map[string]string),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

func (r *Result) record(step int, peer, format string, args ...any) {
	r.Trace = append(r.Trace, TraceEvent{Step: step, Peer: peer, Event: fmt.Sprintf(format, args...)})
}

// Render formats the trace for golden comparison.
func (r *Result) Render(scenario string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "scenario: %s\n", scenario)
	for _, e := range r.Trace {
		buf.WriteString(e.String())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
