// Package spec defines the declarative state-machine specification: a YAML
// document model, registries binding guard/compute/effect names to Go
// implementations, and a compiler that validates the document and resolves it
// into the lookup structure the engine executes.
package spec

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy selects what happens when no transition matches an incoming event.
type Policy string

const (
	// PolicyIgnore drops the event silently.
	PolicyIgnore Policy = "ignore"
	// PolicyDeadLetter publishes the event to the dead-letter topic.
	// This is the default.
	PolicyDeadLetter Policy = "deadletter"
	// PolicySuspend flags the instance for operator attention.
	PolicySuspend Policy = "suspend"
)

// Duration wraps time.Duration so documents can write timeouts as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Document is the declarative definition of one workflow type at one
// version. It is immutable once compiled.
type Document struct {
	// WorkflowType names the workflow this specification drives.
	WorkflowType string `yaml:"workflow_type"`
	// Version is the specification version. Instances pin the version in
	// effect when they were created; a newer version never applies to
	// existing instances implicitly.
	Version string `yaml:"version"`

	// Initial names the state(s) a fresh instance starts in. A composite
	// name expands to its entry leaves.
	Initial []string `yaml:"initial"`

	// Unhandled is the policy for events with no matching transition.
	Unhandled Policy `yaml:"unhandled"`

	States      []State      `yaml:"states"`
	Transitions []Transition `yaml:"transitions"`
}

// State is a node in the state graph. A state with children is composite:
// an index node that handles no events of its own. When Parallel is set the
// children are independent regions that are all active at once; otherwise
// entering the composite enters its first child.
type State struct {
	Name     string  `yaml:"name"`
	Terminal bool    `yaml:"terminal"`
	Parallel bool    `yaml:"parallel"`
	Children []State `yaml:"children"`
}

// Transition moves an instance from one state to another when an event of
// type On arrives and the guard (if any) passes. Transitions with an empty
// On are default transitions: they are evaluated immediately after entering
// From, without an external event.
type Transition struct {
	From string `yaml:"from"`
	On   string `yaml:"on"`
	// When names a guard registered in the Registry. Empty means
	// unconditioned. When several transitions share (From, On), they are
	// tried in declaration order and the first passing guard wins.
	When string `yaml:"when"`
	To   string `yaml:"to"`

	// Computes are pure, deterministic data steps run inline, in order.
	Computes []string `yaml:"computes"`
	// Effects are side-effecting steps dispatched asynchronously after the
	// event is durably appended.
	Effects []Effect `yaml:"effects"`
	// Emit lists additional event types appended and published alongside
	// the triggering event. Emitted events never drive transitions.
	Emit []string `yaml:"emit"`
}

// Effect declares one side effect to run when its transition fires.
type Effect struct {
	Name string `yaml:"name"`
	// Result is the event type the effect's result re-enters as.
	// Defaults to "<name>.completed"; "<name>.failed" is appended when the
	// effect exhausts its retries.
	Result string `yaml:"result"`
	// Timeout bounds each invocation attempt. Zero uses the engine default.
	Timeout Duration `yaml:"timeout"`
	// MaxAttempts bounds retries, counting the first attempt. Zero uses
	// the engine default.
	MaxAttempts int `yaml:"max_attempts"`
}

// ResultType returns the event type carrying this effect's successful result.
func (e Effect) ResultType() string {
	if e.Result != "" {
		return e.Result
	}
	return e.Name + ".completed"
}

// FailureType returns the event type appended when the effect exhausts its
// retry budget.
func (e Effect) FailureType() string {
	return e.Name + ".failed"
}

// Parse reads a YAML specification document.
func Parse(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return ParseBytes(data)
}

// ParseBytes decodes a YAML specification document.
func ParseBytes(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("parse: %v", err)}
	}
	if doc.Unhandled == "" {
		doc.Unhandled = PolicyDeadLetter
	}
	return &doc, nil
}
