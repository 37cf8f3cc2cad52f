package enforce

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mlevins/cleargate/internal/engine"
	"github.com/mlevins/cleargate/internal/identity"
	"github.com/mlevins/cleargate/internal/model"
	"github.com/mlevins/cleargate/internal/policy"
	"github.com/mlevins/cleargate/internal/store"
)

const guardPolicyYAML = `
version: 1
policies:
  - action: report.generate
    risk: low
    required_role: user
  - action: resource.delete
    risk: high
    required_role: admin
    requires_approval: true
`

func newGuardEngine(t *testing.T) *engine.Engine {
	t.Helper()
	set, err := policy.Parse([]byte(guardPolicyYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return engine.New(policy.NewStore(set), store.NewMemory(), nil, 0, nil)
}

func TestGuard(t *testing.T) {
	eng := newGuardEngine(t)
	ctx := context.Background()
	sub := model.Subject{Kind: model.SubjectHuman, ID: "u1", Role: model.RoleAdmin}

	if err := Guard(ctx, eng, sub, "report.generate", "r1"); err != nil {
		t.Errorf("allowed action blocked: %v", err)
	}

	err := Guard(ctx, eng, sub, "resource.delete", "r2")
	var ge *Error
	if !errors.As(err, &ge) {
		t.Fatalf("error type = %T", err)
	}
	if ge.Decision.Result != model.RequireApproval || ge.Decision.DecisionID == "" {
		t.Errorf("guard decision: %+v", ge.Decision)
	}

	if err := Guard(ctx, eng, sub, "unknown.op", "r3"); err == nil {
		t.Error("unknown action allowed")
	}
}

func TestMiddleware(t *testing.T) {
	eng := newGuardEngine(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("done"))
	})

	admin := identity.Static{Subject: model.Subject{Kind: model.SubjectHuman, ID: "u1", Role: model.RoleAdmin}}
	user := identity.Static{Subject: model.Subject{Kind: model.SubjectHuman, ID: "u2", Role: model.RoleUser}}

	tests := []struct {
		name       string
		resolver   identity.Resolver
		action     string
		wantStatus int
	}{
		{"allow passes through", admin, "report.generate", http.StatusOK},
		{"approval gated yields 202", admin, "resource.delete", http.StatusAccepted},
		{"role mismatch yields 403", user, "resource.delete", http.StatusForbidden},
		{"unknown action yields 403", admin, "nothing.here", http.StatusForbidden},
		{"unresolvable identity yields 403", identity.Static{}, "report.generate", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Middleware(eng, tt.resolver, tt.action, next)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest("POST", "/op", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				return
			}

			var body Refusal
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("refusal body: %v", err)
			}
			if body.DecisionID == "" {
				t.Error("refusal missing decision_id")
			}
			if tt.wantStatus == http.StatusAccepted && body.Hint == "" {
				t.Error("202 refusal missing approval hint")
			}
		})
	}
}
