package workflow

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"unitrack/internal/domain"
)

//go:embed workflow.yml
var defaultDocument []byte

// StateInfo is display metadata for a state.
type StateInfo struct {
	ID          domain.State `yaml:"id" json:"id"`
	Name        string       `yaml:"name" json:"name"`
	Description string       `yaml:"description" json:"description"`
	Color       string       `yaml:"color" json:"color"`
}

// ActionInfo is display metadata for an action kind.
type ActionInfo struct {
	ID        domain.Action `yaml:"id" json:"id"`
	Name      string        `yaml:"name" json:"name"`
	Signature bool          `yaml:"signature" json:"requires_signature"`
}

type roleDoc struct {
	Super   bool            `yaml:"super"`
	Actions []domain.Action `yaml:"actions"`
}

type document struct {
	States      []StateInfo                                    `yaml:"states"`
	Actions     []ActionInfo                                   `yaml:"actions"`
	Transitions map[domain.State]map[domain.Action]domain.State `yaml:"transitions"`
	Roles       map[domain.Role]roleDoc                        `yaml:"roles"`
}

// Workflow bundles the transition table and the access policy decoded from
// the same document.
type Workflow struct {
	Table  *TransitionTable
	Policy *AccessPolicy
}

var (
	defaultOnce sync.Once
	defaultWF   *Workflow
	defaultErr  error
)

// Default returns the built-in workflow. It is decoded once per process.
func Default() *Workflow {
	defaultOnce.Do(func() {
		defaultWF, defaultErr = Parse(defaultDocument)
	})
	if defaultErr != nil {
		panic(fmt.Sprintf("builtin workflow: %v", defaultErr))
	}
	return defaultWF
}

// Parse decodes and validates a workflow document.
func Parse(data []byte) (*Workflow, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid workflow yaml: %w", err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &Workflow{
		Table:  newTransitionTable(doc),
		Policy: newAccessPolicy(doc),
	}, nil
}

func (d document) validate() error {
	if len(d.States) == 0 {
		return fmt.Errorf("workflow.states is required")
	}
	states := make(map[domain.State]struct{}, len(d.States))
	for _, s := range d.States {
		if s.ID == "" {
			return fmt.Errorf("workflow.states contains empty id")
		}
		if _, dup := states[s.ID]; dup {
			return fmt.Errorf("state %s declared twice", s.ID)
		}
		states[s.ID] = struct{}{}
	}
	actions := make(map[domain.Action]struct{}, len(d.Actions))
	for _, a := range d.Actions {
		if a.ID == "" {
			return fmt.Errorf("workflow.actions contains empty id")
		}
		if _, dup := actions[a.ID]; dup {
			return fmt.Errorf("action %s declared twice", a.ID)
		}
		actions[a.ID] = struct{}{}
	}
	for from, edges := range d.Transitions {
		if _, ok := states[from]; !ok {
			return fmt.Errorf("transition from unknown state %s", from)
		}
		for action, to := range edges {
			if _, ok := actions[action]; !ok {
				return fmt.Errorf("transition %s uses unknown action %s", from, action)
			}
			if _, ok := states[to]; !ok {
				return fmt.Errorf("transition %s --%s--> unknown state %s", from, action, to)
			}
		}
	}
	supers := 0
	for role, r := range d.Roles {
		if role == "" {
			return fmt.Errorf("workflow.roles contains empty role id")
		}
		if r.Super {
			supers++
		}
		for _, a := range r.Actions {
			if _, ok := actions[a]; !ok {
				return fmt.Errorf("role %s grants unknown action %s", role, a)
			}
		}
	}
	if supers > 1 {
		return fmt.Errorf("workflow.roles declares %d super roles; at most one allowed", supers)
	}
	return nil
}
