package workflow

import (
	"sort"

	"unitrack/internal/domain"
)

// AccessPolicy maps roles to the action kinds they may perform. The super
// role, if one is declared, is granted everything.
type AccessPolicy struct {
	grants map[domain.Role]map[domain.Action]struct{}
	super  domain.Role
}

func newAccessPolicy(doc document) *AccessPolicy {
	p := &AccessPolicy{grants: make(map[domain.Role]map[domain.Action]struct{}, len(doc.Roles))}
	for role, r := range doc.Roles {
		if r.Super {
			p.super = role
		}
		set := make(map[domain.Action]struct{}, len(r.Actions))
		for _, a := range r.Actions {
			set[a] = struct{}{}
		}
		p.grants[role] = set
	}
	return p
}

// Permits reports whether role may perform action. Unknown roles are
// permitted nothing.
func (p *AccessPolicy) Permits(role domain.Role, action domain.Action) bool {
	if role == "" {
		return false
	}
	if p.super != "" && role == p.super {
		return true
	}
	_, ok := p.grants[role][action]
	return ok
}

func (p *AccessPolicy) IsRole(role domain.Role) bool {
	_, ok := p.grants[role]
	return ok
}

func (p *AccessPolicy) SuperRole() domain.Role {
	return p.super
}

// Roles returns role ids sorted alphabetically.
func (p *AccessPolicy) Roles() []domain.Role {
	out := make([]domain.Role, 0, len(p.grants))
	for r := range p.grants {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Grants lists the explicit grants of role in sorted order. The super role
// reports its explicit grants only.
func (p *AccessPolicy) Grants(role domain.Role) []domain.Action {
	set := p.grants[role]
	out := make([]domain.Action, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PermittedActions intersects the outgoing edges of state with the grants
// of role.
func (w *Workflow) PermittedActions(role domain.Role, state domain.State) []domain.Action {
	var out []domain.Action
	for _, a := range w.Table.Outgoing(state) {
		if w.Policy.Permits(role, a) {
			out = append(out, a)
		}
	}
	if out == nil {
		out = []domain.Action{}
	}
	return out
}
