// Package auth decides whether a claimed identity may open a chat session in
// a given department. The rest of the business suite owns real user records;
// the routing layer only consumes this gate as an external contract.
package auth

import (
	"context"
	"fmt"
	"strings"
)

// Gate answers whether an identity may open a session in a department. A
// false answer must surface to the requester as a distinct rejection, never a
// generic failure.
type Gate interface {
	IsAuthorized(ctx context.Context, identity, department string) (bool, error)
}

// AllowAll is a Gate that admits everyone. Useful for deployments where every
// department is public, and for tests.
type AllowAll struct{}

// IsAuthorized always returns true.
func (AllowAll) IsAuthorized(ctx context.Context, identity, department string) (bool, error) {
	return true, nil
}

// Policy is the department routing policy: which departments exist, and which
// of them are restricted to an allowlist of identities. Public departments
// (known but not restricted) never consult the allowlist.
type Policy struct {
	departments map[string]bool
	allowlists  map[string]map[string]bool // department -> identity set
}

// ParsePolicy builds a Policy from two config strings.
//
// departments is a comma-separated list of valid routing targets, e.g.
// "Ventas,Soporte,Interno". restricted lists allowlisted departments in the
// form "Interno=admin|maria;Soporte=carlos". A restricted department must
// also appear in the departments list.
func ParsePolicy(departments, restricted string) (*Policy, error) {
	p := &Policy{
		departments: make(map[string]bool),
		allowlists:  make(map[string]map[string]bool),
	}

	for _, d := range strings.Split(departments, ",") {
		d = strings.TrimSpace(d)
		if d != "" {
			p.departments[d] = true
		}
	}
	if len(p.departments) == 0 {
		return nil, fmt.Errorf("auth: no departments configured")
	}

	if restricted == "" {
		return p, nil
	}
	for _, rule := range strings.Split(restricted, ";") {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		dep, list, ok := strings.Cut(rule, "=")
		dep = strings.TrimSpace(dep)
		if !ok || dep == "" {
			return nil, fmt.Errorf("auth: malformed restriction rule %q", rule)
		}
		if !p.departments[dep] {
			return nil, fmt.Errorf("auth: restriction for unknown department %q", dep)
		}

		identities := make(map[string]bool)
		for _, id := range strings.Split(list, "|") {
			id = strings.TrimSpace(id)
			if id != "" {
				identities[id] = true
			}
		}
		p.allowlists[dep] = identities
	}

	return p, nil
}

// Known reports whether the department is a valid routing target at all.
func (p *Policy) Known(department string) bool {
	return p.departments[department]
}

// Requires reports whether requests for the department must pass the gate.
func (p *Policy) Requires(department string) bool {
	_, ok := p.allowlists[department]
	return ok
}

// IsAuthorized implements Gate using the configured allowlists. Unknown
// departments are rejected; public departments admit anyone.
func (p *Policy) IsAuthorized(ctx context.Context, identity, department string) (bool, error) {
	if !p.departments[department] {
		return false, nil
	}
	list, restricted := p.allowlists[department]
	if !restricted {
		return true, nil
	}
	return list[identity], nil
}
