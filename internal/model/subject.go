package model

import (
	"fmt"
	"strings"
	"time"
)

// SubjectKind tags the variant of an authenticated actor.
type SubjectKind string

const (
	SubjectHuman   SubjectKind = "human"
	SubjectAgent   SubjectKind = "agent"
	SubjectService SubjectKind = "service"
)

// ParseSubjectKind maps a string to a SubjectKind. Unknown values are rejected.
func ParseSubjectKind(s string) (SubjectKind, bool) {
	switch k := SubjectKind(s); k {
	case SubjectHuman, SubjectAgent, SubjectService:
		return k, true
	}
	return "", false
}

// Subject is the verified identity a decision is made for. It is produced
// only by the upstream authentication boundary; nothing in a request body
// is ever promoted into a Subject.
//
// Reputation is optional. ReputationAt records when the value was computed
// so the engine can refuse values staler than its configured bound.
type Subject struct {
	Kind         SubjectKind
	ID           string
	Role         Role
	Reputation   *float64
	ReputationAt time.Time
}

// Valid reports whether the subject carries a usable identity.
func (s Subject) Valid() bool {
	if s.ID == "" {
		return false
	}
	if _, ok := ParseSubjectKind(string(s.Kind)); !ok {
		return false
	}
	_, ok := ParseRole(string(s.Role))
	return ok
}

// String renders the canonical "kind:id" form used in decisions and audit.
func (s Subject) String() string {
	return string(s.Kind) + ":" + s.ID
}

// ParseSubjectRef splits a canonical "kind:id" reference.
func ParseSubjectRef(ref string) (SubjectKind, string, error) {
	kind, id, ok := strings.Cut(ref, ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("malformed subject reference %q", ref)
	}
	k, ok := ParseSubjectKind(kind)
	if !ok {
		return "", "", fmt.Errorf("unknown subject kind %q", kind)
	}
	return k, id, nil
}
