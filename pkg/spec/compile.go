package spec

import (
	"slices"
	"time"

	"github.com/petrijr/stato/pkg/api"
)

// CompiledTransition is one resolved row of the transition table. All name
// resolution (composite expansion, guard/compute/effect binding) happens at
// compile time so the executor never inspects the document at runtime.
type CompiledTransition struct {
	From string
	On   string // empty for default transitions
	To   string

	GuardName string
	Guard     GuardFunc // nil when unconditioned

	Computes []CompiledCompute
	Effects  []CompiledEffect
	Emit     []string

	// fireLeaves are the leaf states this transition can fire from (From
	// itself, or every descendant leaf of a composite From).
	fireLeaves []string
	// enterLeaves is the entry leaf set of To.
	enterLeaves []string
}

// ExitLeaves returns the active leaves this transition deactivates: the
// intersection of the instance's active set with the transition's source.
func (t *CompiledTransition) ExitLeaves(active api.StateSet) []string {
	out := make([]string, 0, len(t.fireLeaves))
	for _, leaf := range t.fireLeaves {
		if active.Contains(leaf) {
			out = append(out, leaf)
		}
	}
	return out
}

// EnterLeaves returns the leaves activated by taking this transition.
func (t *CompiledTransition) EnterLeaves() []string {
	return t.enterLeaves
}

// CompiledCompute is a bound pure data step.
type CompiledCompute struct {
	Name string
	Fn   ComputeFunc
}

// CompiledEffect is a bound side effect with its scheduling parameters.
type CompiledEffect struct {
	Name        string
	ResultType  string
	FailureType string
	Timeout     time.Duration // zero uses the engine default
	MaxAttempts int           // zero uses the engine default
	Invoker     api.EffectInvoker
}

// CompiledSpec is the executable form of a Document: an immutable lookup
// structure keyed by (leaf state, event type), plus the entry configuration.
type CompiledSpec struct {
	workflowType string
	version      string
	unhandled    Policy

	initial  api.StateSet
	terminal map[string]bool

	// table maps leaf state -> event type -> transitions in declaration
	// order. Order is behavior: the first transition whose guard passes
	// wins, so it must match the document exactly.
	table map[string]map[string][]*CompiledTransition

	// defaults maps leaf state -> eventless transitions, declaration order.
	defaults map[string][]*CompiledTransition
}

// WorkflowType returns the workflow type this specification drives.
func (cs *CompiledSpec) WorkflowType() string { return cs.workflowType }

// Version returns the specification version.
func (cs *CompiledSpec) Version() string { return cs.version }

// Unhandled returns the policy for events with no matching transition.
func (cs *CompiledSpec) Unhandled() Policy { return cs.unhandled }

// Initial returns the entry leaf set for fresh instances.
func (cs *CompiledSpec) Initial() api.StateSet {
	return api.NewStateSet(cs.initial...)
}

// Transitions returns the candidate transitions for an event type arriving
// while the given leaf is active, in declaration order.
func (cs *CompiledSpec) Transitions(leaf, eventType string) []*CompiledTransition {
	byEvent, ok := cs.table[leaf]
	if !ok {
		return nil
	}
	return byEvent[eventType]
}

// Defaults returns the eventless transitions out of the given leaf.
func (cs *CompiledSpec) Defaults(leaf string) []*CompiledTransition {
	return cs.defaults[leaf]
}

// TerminalSet reports whether every leaf in the set is terminal.
func (cs *CompiledSpec) TerminalSet(active api.StateSet) bool {
	if len(active) == 0 {
		return false
	}
	for _, leaf := range active {
		if !cs.terminal[leaf] {
			return false
		}
	}
	return true
}

// stateNode is the flattened view of one document state.
type stateNode struct {
	state    State
	parent   string
	leaves   []string // descendant leaves, or the node itself when leaf
	entrySet []string // leaves activated when entering this state by name
}

// Validate performs the structural checks that need no registry: state graph
// consistency, reachability, and cycles among default transitions. It is the
// offline half of Compile, usable by tooling that has no Go bindings.
func Validate(doc *Document) error {
	_, err := analyze(doc)
	return err
}

// Compile validates the document and binds every referenced guard, compute
// and effect to its registry entry. Any failure is fatal: there is no
// partial load.
func Compile(doc *Document, reg *Registry) (*CompiledSpec, error) {
	nodes, err := analyze(doc)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		reg = NewRegistry()
	}

	cs := &CompiledSpec{
		workflowType: doc.WorkflowType,
		version:      doc.Version,
		unhandled:    doc.Unhandled,
		terminal:     make(map[string]bool),
		table:        make(map[string]map[string][]*CompiledTransition),
		defaults:     make(map[string][]*CompiledTransition),
	}
	if cs.unhandled == "" {
		cs.unhandled = PolicyDeadLetter
	}

	for _, name := range doc.Initial {
		cs.initial = append(cs.initial, nodes[name].entrySet...)
	}
	cs.initial = api.NewStateSet(cs.initial...)

	for name, node := range nodes {
		if len(node.state.Children) == 0 {
			cs.terminal[name] = node.state.Terminal
		}
	}

	for i, tr := range doc.Transitions {
		ct := &CompiledTransition{
			From:        tr.From,
			On:          tr.On,
			To:          tr.To,
			GuardName:   tr.When,
			fireLeaves:  slices.Clone(nodes[tr.From].leaves),
			enterLeaves: slices.Clone(nodes[tr.To].entrySet),
			Emit:        slices.Clone(tr.Emit),
		}

		if tr.When != "" {
			fn, ok := reg.guard(tr.When)
			if !ok {
				return nil, specErrf(doc.WorkflowType, "transition %d references undefined guard %q", i, tr.When)
			}
			ct.Guard = fn
		}

		for _, name := range tr.Computes {
			fn, ok := reg.compute(name)
			if !ok {
				return nil, specErrf(doc.WorkflowType, "transition %d references undefined compute %q", i, name)
			}
			ct.Computes = append(ct.Computes, CompiledCompute{Name: name, Fn: fn})
		}

		for _, eff := range tr.Effects {
			inv, ok := reg.effect(eff.Name)
			if !ok {
				return nil, specErrf(doc.WorkflowType, "transition %d references undefined effect %q", i, eff.Name)
			}
			ct.Effects = append(ct.Effects, CompiledEffect{
				Name:        eff.Name,
				ResultType:  eff.ResultType(),
				FailureType: eff.FailureType(),
				Timeout:     eff.Timeout.Std(),
				MaxAttempts: eff.MaxAttempts,
				Invoker:     inv,
			})
		}

		for _, leaf := range ct.fireLeaves {
			if tr.On == "" {
				cs.defaults[leaf] = append(cs.defaults[leaf], ct)
				continue
			}
			byEvent := cs.table[leaf]
			if byEvent == nil {
				byEvent = make(map[string][]*CompiledTransition)
				cs.table[leaf] = byEvent
			}
			byEvent[tr.On] = append(byEvent[tr.On], ct)
		}
	}

	return cs, nil
}

// analyze flattens the state tree and runs every structural validation.
func analyze(doc *Document) (map[string]*stateNode, error) {
	wt := doc.WorkflowType
	if wt == "" {
		return nil, specErrf("", "workflow_type is required")
	}
	if doc.Version == "" {
		return nil, specErrf(wt, "version is required")
	}
	if len(doc.States) == 0 {
		return nil, specErrf(wt, "at least one state is required")
	}
	if len(doc.Initial) == 0 {
		return nil, specErrf(wt, "initial state is required")
	}
	switch doc.Unhandled {
	case "", PolicyIgnore, PolicyDeadLetter, PolicySuspend:
	default:
		return nil, specErrf(wt, "unknown unhandled policy %q", doc.Unhandled)
	}

	nodes := make(map[string]*stateNode)
	var flatten func(states []State, parent string) error
	flatten = func(states []State, parent string) error {
		for _, st := range states {
			if st.Name == "" {
				return specErrf(wt, "state with empty name under %q", parent)
			}
			if _, dup := nodes[st.Name]; dup {
				return specErrf(wt, "duplicate state %q", st.Name)
			}
			if st.Parallel && len(st.Children) < 2 {
				return specErrf(wt, "parallel state %q needs at least two regions", st.Name)
			}
			if st.Terminal && len(st.Children) > 0 {
				return specErrf(wt, "composite state %q cannot be terminal", st.Name)
			}
			nodes[st.Name] = &stateNode{state: st, parent: parent}
			if err := flatten(st.Children, st.Name); err != nil {
				return err
			}
		}
		return nil
	}
	if err := flatten(doc.States, ""); err != nil {
		return nil, err
	}

	// Resolve descendant leaves and entry sets bottom-up.
	var resolve func(name string) *stateNode
	resolve = func(name string) *stateNode {
		node := nodes[name]
		if node.leaves != nil {
			return node
		}
		if len(node.state.Children) == 0 {
			node.leaves = []string{name}
			node.entrySet = []string{name}
			return node
		}
		for i, child := range node.state.Children {
			c := resolve(child.Name)
			node.leaves = append(node.leaves, c.leaves...)
			if node.state.Parallel || i == 0 {
				node.entrySet = append(node.entrySet, c.entrySet...)
			}
		}
		return node
	}
	for name := range nodes {
		resolve(name)
	}

	for _, name := range doc.Initial {
		if _, ok := nodes[name]; !ok {
			return nil, specErrf(wt, "initial references undefined state %q", name)
		}
	}

	for i, tr := range doc.Transitions {
		if tr.From == "" || tr.To == "" {
			return nil, specErrf(wt, "transition %d needs both from and to", i)
		}
		if _, ok := nodes[tr.From]; !ok {
			return nil, specErrf(wt, "transition %d references undefined state %q", i, tr.From)
		}
		if _, ok := nodes[tr.To]; !ok {
			return nil, specErrf(wt, "transition %d references undefined state %q", i, tr.To)
		}
		if tr.On == "" && tr.When == "" && len(nodes[tr.From].leaves) > 1 {
			return nil, specErrf(wt, "transition %d: default transition from composite %q is ambiguous", i, tr.From)
		}
	}

	if err := checkReachability(doc, nodes); err != nil {
		return nil, err
	}
	if err := checkDefaultCycles(doc, nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// checkReachability verifies every state participates in the graph walked
// from the initial leaves.
func checkReachability(doc *Document, nodes map[string]*stateNode) error {
	reached := make(map[string]bool)
	mark := func(leaves []string) {
		for _, leaf := range leaves {
			reached[leaf] = true
		}
	}
	for _, name := range doc.Initial {
		mark(nodes[name].entrySet)
	}

	for changed := true; changed; {
		changed = false
		for _, tr := range doc.Transitions {
			fires := false
			for _, leaf := range nodes[tr.From].leaves {
				if reached[leaf] {
					fires = true
					break
				}
			}
			if !fires {
				continue
			}
			for _, leaf := range nodes[tr.To].entrySet {
				if !reached[leaf] {
					reached[leaf] = true
					changed = true
				}
			}
		}
	}

	for name, node := range nodes {
		ok := false
		for _, leaf := range node.leaves {
			if reached[leaf] {
				ok = true
				break
			}
		}
		if !ok {
			return specErrf(doc.WorkflowType, "state %q is unreachable", name)
		}
	}
	return nil
}

// checkDefaultCycles rejects cycles among unconditioned default transitions:
// such a cycle would spin the executor forever on a single event.
func checkDefaultCycles(doc *Document, nodes map[string]*stateNode) error {
	edges := make(map[string][]string)
	for _, tr := range doc.Transitions {
		if tr.On != "" || tr.When != "" {
			continue
		}
		for _, from := range nodes[tr.From].leaves {
			for _, to := range nodes[tr.To].entrySet {
				edges[from] = append(edges[from], to)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	color := make(map[string]int)
	var visit func(name string) bool
	visit = func(name string) bool {
		switch color[name] {
		case visiting:
			return false
		case done:
			return true
		}
		color[name] = visiting
		for _, next := range edges[name] {
			if !visit(next) {
				return false
			}
		}
		color[name] = done
		return true
	}
	for name := range edges {
		if !visit(name) {
			return specErrf(doc.WorkflowType, "cycle among default transitions involving state %q", name)
		}
	}
	return nil
}
