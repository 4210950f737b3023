package workflow

import "unitrack/internal/domain"

// TransitionTable is the fixed (state, action) -> state graph. It is never
// modified after construction.
type TransitionTable struct {
	edges     map[domain.State]map[domain.Action]domain.State
	signature map[domain.Action]bool
	states    []StateInfo
	actions   []ActionInfo
	stateIdx  map[domain.State]int
	actionIdx map[domain.Action]int
}

// Transition is one edge of the table.
type Transition struct {
	From   domain.State  `json:"from"`
	Action domain.Action `json:"action"`
	To     domain.State  `json:"to"`
}

func newTransitionTable(doc document) *TransitionTable {
	t := &TransitionTable{
		edges:     make(map[domain.State]map[domain.Action]domain.State, len(doc.Transitions)),
		signature: make(map[domain.Action]bool),
		states:    append([]StateInfo(nil), doc.States...),
		actions:   append([]ActionInfo(nil), doc.Actions...),
		stateIdx:  make(map[domain.State]int, len(doc.States)),
		actionIdx: make(map[domain.Action]int, len(doc.Actions)),
	}
	for i, s := range t.states {
		t.stateIdx[s.ID] = i
	}
	for i, a := range t.actions {
		t.actionIdx[a.ID] = i
		if a.Signature {
			t.signature[a.ID] = true
		}
	}
	for from, edges := range doc.Transitions {
		m := make(map[domain.Action]domain.State, len(edges))
		for a, to := range edges {
			m[a] = to
		}
		t.edges[from] = m
	}
	return t
}

// NextState returns the state reached from state via action. ok is false
// when the table has no such edge.
func (t *TransitionTable) NextState(state domain.State, action domain.Action) (domain.State, bool) {
	next, ok := t.edges[state][action]
	return next, ok
}

// RequiresSignature reports whether action must carry a captured signature.
func (t *TransitionTable) RequiresSignature(action domain.Action) bool {
	return t.signature[action]
}

// Outgoing lists the actions leaving state, in declaration order.
func (t *TransitionTable) Outgoing(state domain.State) []domain.Action {
	edges := t.edges[state]
	out := make([]domain.Action, 0, len(edges))
	for _, a := range t.actions {
		if _, ok := edges[a.ID]; ok {
			out = append(out, a.ID)
		}
	}
	return out
}

func (t *TransitionTable) IsState(s domain.State) bool {
	_, ok := t.stateIdx[s]
	return ok
}

func (t *TransitionTable) IsAction(a domain.Action) bool {
	_, ok := t.actionIdx[a]
	return ok
}

// StateInfo returns display metadata. Unknown states get their id as name.
func (t *TransitionTable) StateInfo(s domain.State) StateInfo {
	if i, ok := t.stateIdx[s]; ok {
		return t.states[i]
	}
	return StateInfo{ID: s, Name: string(s), Color: "#000000"}
}

func (t *TransitionTable) ActionInfo(a domain.Action) ActionInfo {
	if i, ok := t.actionIdx[a]; ok {
		return t.actions[i]
	}
	return ActionInfo{ID: a, Name: string(a)}
}

func (t *TransitionTable) States() []StateInfo {
	return append([]StateInfo(nil), t.states...)
}

func (t *TransitionTable) Actions() []ActionInfo {
	return append([]ActionInfo(nil), t.actions...)
}

// Transitions lists every edge, ordered by source state then action.
func (t *TransitionTable) Transitions() []Transition {
	var out []Transition
	for _, s := range t.states {
		for _, a := range t.Outgoing(s.ID) {
			out = append(out, Transition{From: s.ID, Action: a, To: t.edges[s.ID][a]})
		}
	}
	return out
}
