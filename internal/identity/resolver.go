// Package identity is the boundary to the upstream credential system.
// The governance engine never trusts subject or role fields in request
// bodies; the only identity it acts on is the verified triple produced
// by the authenticating layer in front of it.
package identity

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mlevins/cleargate/internal/model"
)

// Headers injected by the upstream authentication proxy. They are
// trusted because the deployment guarantees nothing reaches this
// service without passing through that proxy.
const (
	HeaderSubject      = "X-Cleargate-Subject"
	HeaderKind         = "X-Cleargate-Subject-Kind"
	HeaderRole         = "X-Cleargate-Role"
	HeaderReputation   = "X-Cleargate-Reputation"
	HeaderReputationAt = "X-Cleargate-Reputation-At"
)

// Resolver extracts the verified subject for a request.
type Resolver interface {
	Resolve(r *http.Request) (model.Subject, error)
}

// HeaderResolver reads the verified identity headers. Any missing or
// malformed field is an error; callers resolve that to a deny.
type HeaderResolver struct{}

var _ Resolver = HeaderResolver{}

func (HeaderResolver) Resolve(r *http.Request) (model.Subject, error) {
	id := r.Header.Get(HeaderSubject)
	if id == "" {
		return model.Subject{}, fmt.Errorf("missing %s header", HeaderSubject)
	}

	kind, ok := model.ParseSubjectKind(r.Header.Get(HeaderKind))
	if !ok {
		return model.Subject{}, fmt.Errorf("unknown subject kind %q", r.Header.Get(HeaderKind))
	}

	role, ok := model.ParseRole(r.Header.Get(HeaderRole))
	if !ok {
		return model.Subject{}, fmt.Errorf("unknown role %q", r.Header.Get(HeaderRole))
	}

	sub := model.Subject{Kind: kind, ID: id, Role: role}

	if rep := r.Header.Get(HeaderReputation); rep != "" {
		v, err := strconv.ParseFloat(rep, 64)
		if err != nil {
			return model.Subject{}, fmt.Errorf("malformed reputation %q: %w", rep, err)
		}
		at, err := time.Parse(time.RFC3339, r.Header.Get(HeaderReputationAt))
		if err != nil {
			return model.Subject{}, fmt.Errorf("malformed reputation timestamp: %w", err)
		}
		sub.Reputation = &v
		sub.ReputationAt = at
	}

	return sub, nil
}

// Static resolves every request to a fixed subject. Test and local use.
type Static struct {
	Subject model.Subject
}

var _ Resolver = Static{}

func (s Static) Resolve(*http.Request) (model.Subject, error) {
	if !s.Subject.Valid() {
		return model.Subject{}, fmt.Errorf("static resolver holds invalid subject")
	}
	return s.Subject, nil
}
