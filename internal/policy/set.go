package policy

import (
	"github.com/mlevins/cleargate/internal/model"
)

// ActionPolicy is one per-action policy record. Immutable once part of
// a loaded Set.
type ActionPolicy struct {
	Action           string
	RiskTier         model.RiskTier
	RequiredRole     model.Role
	RoleMatch        RoleMatch
	MinReputation    *float64
	RequiresApproval bool
	Allowlist        []string
}

// RoleMatch selects the comparison semantics for RequiredRole.
type RoleMatch string

const (
	// MatchAtLeast accepts any role ranking at or above RequiredRole.
	MatchAtLeast RoleMatch = "at_least"
	// MatchExact accepts only RequiredRole itself.
	MatchExact RoleMatch = "exact"
)

// Allows reports whether role satisfies the policy's role requirement.
func (p ActionPolicy) Allows(role model.Role) bool {
	if p.RoleMatch == MatchExact {
		return role == p.RequiredRole
	}
	return role.AtLeast(p.RequiredRole)
}

// Allowlisted reports whether the policy admits the given subject
// reference. An empty allowlist admits every subject.
func (p ActionPolicy) Allowlisted(subjectRef string) bool {
	if len(p.Allowlist) == 0 {
		return true
	}
	for _, s := range p.Allowlist {
		if s == subjectRef {
			return true
		}
	}
	return false
}

// Set is one immutable, versioned collection of action policies. A Set
// is never mutated after construction; reload replaces the whole Set by
// atomic pointer swap so concurrent readers never observe a mixed view.
//
// Deny-by-default is structural: an action absent from byAction simply
// has no policy, and the engine denies on a failed Lookup. There is no
// field that could disable this.
type Set struct {
	Version    int
	SourceHash string
	byAction   map[string]ActionPolicy
}

// NewSet builds a Set from validated policies. Callers are expected to
// have run validation; duplicate actions overwrite silently here.
func NewSet(version int, sourceHash string, policies []ActionPolicy) *Set {
	m := make(map[string]ActionPolicy, len(policies))
	for _, p := range policies {
		m[p.Action] = p
	}
	return &Set{Version: version, SourceHash: sourceHash, byAction: m}
}

// Lookup returns the policy record for action, if one exists.
func (s *Set) Lookup(action string) (ActionPolicy, bool) {
	p, ok := s.byAction[action]
	return p, ok
}

// Len returns the number of action policies in the set.
func (s *Set) Len() int {
	return len(s.byAction)
}
