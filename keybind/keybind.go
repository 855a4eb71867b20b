// Package keybind defines the console's interceptable action set and a
// table that matches raw keystrokes against it. Grounded on the
// original's keybind/action.rs (the three-action set) and
// keybind/parser.rs (prefix-key matching), simplified here to a flat
// YAML-loaded table since the core only ever consumes the parsed
// result (SPEC_FULL.md "Quit/prefix keybinding action set").
package keybind

import "bytes"

// Kind is one of the three actions the original keybind grammar
// supports.
type Kind int

const (
	ActionQuit Kind = iota
	ActionSend
	ActionFilterToggle
)

// Binding maps one literal byte sequence (typically a prefix key
// followed by a single character, e.g. Ctrl-A then 'q') to an Action.
type Binding struct {
	Keys    []byte `yaml:"keys"`
	Kind    Kind   `yaml:"-"`
	Action  string `yaml:"action"`
	Payload []byte `yaml:"payload"`
}

// Action is the resolved instruction the console executes when a
// Binding's key sequence is matched.
type Action struct {
	Kind    Kind
	Payload []byte
}

// Table is the resolved set of bindings, longest-prefix matched against
// console input.
type Table struct {
	bindings []Binding
}

// NewTable builds a Table from parsed bindings, resolving each
// Binding.Action string into a Kind.
func NewTable(bindings []Binding) Table {
	t := Table{bindings: make([]Binding, len(bindings))}
	copy(t.bindings, bindings)
	for i := range t.bindings {
		switch t.bindings[i].Action {
		case "quit":
			t.bindings[i].Kind = ActionQuit
		case "filter-toggle":
			t.bindings[i].Kind = ActionFilterToggle
		default:
			t.bindings[i].Kind = ActionSend
		}
	}
	return t
}

// Default returns the built-in binding set: Ctrl-A ('\x01') followed by
// 'q' quits, and Ctrl-A followed by 't' toggles the timestamp filter,
// matching the original's default prefix key.
func Default() Table {
	return NewTable([]Binding{
		{Keys: []byte{0x01, 'q'}, Action: "quit"},
		{Keys: []byte{0x01, 't'}, Action: "filter-toggle"},
	})
}

// Match checks whether data begins with a bound key sequence. If so it
// returns the resolved Action, the remainder of data after the
// sequence, and consumed=true. Otherwise consumed is false and the
// caller should forward data verbatim.
func (t Table) Match(data []byte) (Action, []byte, bool) {
	best := -1
	for i, b := range t.bindings {
		if bytes.HasPrefix(data, b.Keys) && (best < 0 || len(b.Keys) > len(t.bindings[best].Keys)) {
			best = i
		}
	}
	if best < 0 {
		return Action{}, data, false
	}
	b := t.bindings[best]
	return Action{Kind: b.Kind, Payload: b.Payload}, data[len(b.Keys):], true
}
