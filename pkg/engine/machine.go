// Package engine holds the session state machine: the declarative machine
// definition with its startup validation, and the single-threaded executor
// that applies queued events to it. There is exactly one place that
// enumerates system states, and this is it.
package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/convoctl/pkg/event"
)

// StateKind classifies a node for static validation.
type StateKind string

const (
	StateNormal   StateKind = "normal"
	StateError    StateKind = "error"
	StateTerminal StateKind = "terminal"
)

// Hook runs on state entry or exit; returned events are appended to the tail
// of the session queue.
type Hook func(c *Context, ev event.Event) []event.Event

// Guard is a pure predicate over (context, event). No side effects permitted
// by contract.
type Guard func(c *Context, ev event.Event) bool

// Mutate applies a transition's context change.
type Mutate func(c *Context, ev event.Event)

// Emit produces the synthetic events a transition schedules.
type Emit func(c *Context, ev event.Event) []event.Event

// State is a named node, possibly nested inside a parent. Transitions
// declared on a parent apply to all of its descendants.
type State struct {
	Name          string
	Parent        string
	Kind          StateKind
	Interruptible bool
	Timeout       time.Duration
	OnEnter       Hook
	OnExit        Hook
}

// Transition moves the machine From a state on an Event whose Guard holds.
// An empty To is an internal transition: the state is kept and no exit/entry
// hooks run, but Mutate/Emit and the checkpoint still apply. Guards for the
// same (state, event) pair are evaluated in declaration order and the first
// match wins; declare them most-specific first.
type Transition struct {
	From   string
	Event  event.Type
	Guard  Guard
	To     string
	Mutate Mutate
	Emit   Emit
}

// Machine is the declarative definition. Build it with State/On/DeclareEvents
// and call Validate before constructing an Engine; validation failures are
// configuration errors and abort startup.
type Machine struct {
	initial     string
	states      map[string]State
	transitions map[string][]Transition
	events      []event.Type
	errs        []error
}

func NewMachine(initial string) *Machine {
	return &Machine{
		initial:     initial,
		states:      make(map[string]State),
		transitions: make(map[string][]Transition),
	}
}

// State adds a node.
func (m *Machine) State(s State) *Machine {
	if strings.TrimSpace(s.Name) == "" {
		m.errs = append(m.errs, errors.New("state name must be non-empty"))
		return m
	}
	if _, exists := m.states[s.Name]; exists {
		m.errs = append(m.errs, fmt.Errorf("duplicate state %q", s.Name))
		return m
	}
	if s.Kind == "" {
		s.Kind = StateNormal
	}
	m.states[s.Name] = s
	return m
}

// On declares a transition. Declaration order is evaluation order.
func (m *Machine) On(t Transition) *Machine {
	m.transitions[t.From] = append(m.transitions[t.From], t)
	return m
}

// DeclareEvents names the event classes the coverage check enforces.
func (m *Machine) DeclareEvents(types ...event.Type) *Machine {
	m.events = append(m.events, types...)
	return m
}

// Initial returns the starting state name.
func (m *Machine) Initial() string { return m.initial }

// Lookup returns a state by name.
func (m *Machine) Lookup(name string) (State, bool) {
	s, ok := m.states[name]
	return s, ok
}

// Path renders the state path from root to leaf, e.g. "call/in_call/speaking".
func (m *Machine) Path(name string) string {
	var parts []string
	for cur := name; cur != ""; {
		s, ok := m.states[cur]
		if !ok {
			break
		}
		parts = append([]string{s.Name}, parts...)
		cur = s.Parent
	}
	return strings.Join(parts, "/")
}

// Leaf extracts the leaf state name from a path produced by Path.
func Leaf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// chain returns the state and its ancestors, leaf first.
func (m *Machine) chain(name string) []State {
	var out []State
	seen := make(map[string]bool)
	for cur := name; cur != "" && !seen[cur]; {
		s, ok := m.states[cur]
		if !ok {
			break
		}
		seen[cur] = true
		out = append(out, s)
		cur = s.Parent
	}
	return out
}

// candidates lists the transitions eligible for (state, event type) in
// evaluation order: exact-event transitions from the leaf up through its
// ancestors, then catch-all transitions in the same leaf-to-root order. A
// leaf's catch-all therefore never shadows an ancestor's explicit handler.
func (m *Machine) candidates(state string, evType event.Type) []Transition {
	var exact, catchAll []Transition
	for _, s := range m.chain(state) {
		for _, t := range m.transitions[s.Name] {
			switch t.Event {
			case evType:
				exact = append(exact, t)
			case event.TypeAny:
				catchAll = append(catchAll, t)
			}
		}
	}
	return append(exact, catchAll...)
}

// Validate performs every startup check: structural integrity, timeout
// coverage, event-class coverage, error-state exits, and unreachable guard
// chains. A machine that fails validation must not be run.
func (m *Machine) Validate() error {
	errs := append([]error(nil), m.errs...)
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, ok := m.states[m.initial]; !ok {
		fail("initial state %q is not declared", m.initial)
	}
	for name, s := range m.states {
		if s.Parent != "" {
			if _, ok := m.states[s.Parent]; !ok {
				fail("state %q has unknown parent %q", name, s.Parent)
			}
		}
		seen := map[string]bool{}
		for cur := name; cur != ""; {
			if seen[cur] {
				fail("state %q has a parent cycle", name)
				break
			}
			seen[cur] = true
			next, ok := m.states[cur]
			if !ok {
				break
			}
			cur = next.Parent
		}
	}
	for from, ts := range m.transitions {
		if _, ok := m.states[from]; !ok {
			fail("transition declared from unknown state %q", from)
		}
		for _, t := range ts {
			if t.To != "" {
				if _, ok := m.states[t.To]; !ok {
					fail("transition %q on %q targets unknown state %q", from, t.Event, t.To)
				}
			}
		}
		// A guardless transition ends its (state, event) chain; anything
		// declared after it for the same event can never fire.
		unconditional := make(map[event.Type]bool)
		for _, t := range ts {
			if unconditional[t.Event] {
				fail("transition %q on %q is unreachable: declared after an unguarded transition", from, t.Event)
				continue
			}
			if t.Guard == nil {
				unconditional[t.Event] = true
			}
		}
	}

	for name, s := range m.states {
		// A catch-all does not count as timeout handling; a state that can
		// time out needs a transition that says where the timeout goes.
		if s.Timeout > 0 && !m.handlesExactly(name, event.TypeTimeout) {
			fail("state %q declares a timeout but no transition handles the timeout event", name)
		}
		if s.Kind == StateError && !m.hasExit(name) {
			fail("error state %q has no exit transition", name)
		}
		if s.Kind == StateTerminal {
			continue
		}
		if m.isParent(name) {
			continue
		}
		for _, evType := range m.events {
			if len(m.candidates(name, evType)) == 0 {
				fail("state %q has no transition (or catch-all) for event %q", name, evType)
			}
		}
	}

	return errors.Join(errs...)
}

func (m *Machine) handlesExactly(name string, evType event.Type) bool {
	for _, s := range m.chain(name) {
		for _, t := range m.transitions[s.Name] {
			if t.Event == evType {
				return true
			}
		}
	}
	return false
}

func (m *Machine) hasExit(name string) bool {
	for _, evType := range append(append([]event.Type(nil), m.events...), event.TypeAny) {
		for _, t := range m.candidates(name, evType) {
			if t.To != "" && t.To != name {
				return true
			}
		}
	}
	return false
}

func (m *Machine) isParent(name string) bool {
	for _, s := range m.states {
		if s.Parent == name {
			return true
		}
	}
	return false
}
