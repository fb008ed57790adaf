package account

import (
	"sort"
)

// Principals is a set of principal identifiers.
type Principals map[string]struct{}

// NewPrincipals returns a set holding ids; empty strings are dropped.
func NewPrincipals(ids ...string) Principals {
	p := make(Principals, len(ids))
	for _, id := range ids {
		p.Add(id)
	}
	return p
}

// Add inserts id and reports whether it was not present before.
func (p Principals) Add(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := p[id]; ok {
		return false
	}
	p[id] = struct{}{}
	return true
}

// Has reports membership.
func (p Principals) Has(id string) bool {
	_, ok := p[id]
	return ok
}

// Len returns the number of members.
func (p Principals) Len() int { return len(p) }

// Clone returns a copy; a nil set clones to an empty one.
func (p Principals) Clone() Principals {
	c := make(Principals, len(p))
	for id := range p {
		c[id] = struct{}{}
	}
	return c
}

// Without returns a copy of p lacking id.
func (p Principals) Without(id string) Principals {
	c := p.Clone()
	delete(c, id)
	return c
}

// Minus returns the members of p that are not in o.
func (p Principals) Minus(o Principals) Principals {
	out := make(Principals)
	for id := range p {
		if !o.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Equal reports set equality. nil equals empty.
func (p Principals) Equal(o Principals) bool {
	if len(p) != len(o) {
		return false
	}
	for id := range p {
		if !o.Has(id) {
			return false
		}
	}
	return true
}

// Sorted returns the members in lexical order.
func (p Principals) Sorted() []string {
	out := make([]string, 0, len(p))
	for id := range p {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Diff computes the grants and revocations that turn old into next.
func Diff(old, next Principals) (granted, revoked Principals) {
	return next.Minus(old), old.Minus(next)
}
