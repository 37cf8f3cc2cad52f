package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mlevins/cleargate/internal/audit"
	"github.com/mlevins/cleargate/internal/model"
	"github.com/mlevins/cleargate/internal/policy"
	"github.com/mlevins/cleargate/internal/store"
)

const testPolicyYAML = `
version: 7
policies:
  - action: resource.delete
    risk: high
    required_role: admin
    requires_approval: true
  - action: report.generate
    risk: low
    required_role: user
  - action: mission.execute
    risk: medium
    required_role: agent
    min_reputation: 0.6
  - action: deploy.promote
    risk: critical
    required_role: operator
    role_match: exact
    requires_approval: true
  - action: vault.open
    risk: critical
    required_role: admin
    allowlist: ["human:root-1"]
`

type memSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memSink) Record(_ context.Context, e audit.Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return "mem", nil
}

func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type failingSink struct{}

func (failingSink) Record(context.Context, audit.Entry) (string, error) {
	return "", errors.New("audit backend down")
}

func newTestEngine(t *testing.T) (*Engine, store.Store, *memSink) {
	t.Helper()
	set, err := policy.Parse([]byte(testPolicyYAML))
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}
	st := store.NewMemory()
	sink := &memSink{}
	return New(policy.NewStore(set), st, sink, 0, nil), st, sink
}

func admin() model.Subject {
	return model.Subject{Kind: model.SubjectHuman, ID: "u1", Role: model.RoleAdmin}
}

func TestDecideApprovalGatedAction(t *testing.T) {
	e, st, sink := newTestEngine(t)
	ctx := context.Background()

	// Scenario: admin on an approval-gated high-risk action.
	d := e.Decide(ctx, admin(), "resource.delete", "req-1", nil)
	if d.Result != model.RequireApproval {
		t.Errorf("result = %s, want REQUIRE_APPROVAL", d.Result)
	}
	if d.RiskTier != model.RiskHigh {
		t.Errorf("risk = %s, want high", d.RiskTier)
	}
	if d.PolicyVersion != 7 {
		t.Errorf("policy_version = %d, want 7", d.PolicyVersion)
	}

	// The decision is durable and audited before return.
	if _, err := st.GetDecision(ctx, d.DecisionID); err != nil {
		t.Errorf("decision not persisted: %v", err)
	}
	if sink.len() != 1 {
		t.Errorf("audit entries = %d, want 1", sink.len())
	}
}

func TestDecideRoleMismatch(t *testing.T) {
	e, _, _ := newTestEngine(t)

	sub := model.Subject{Kind: model.SubjectHuman, ID: "u1", Role: model.RoleUser}
	d := e.Decide(context.Background(), sub, "resource.delete", "req-2", nil)
	if d.Result != model.Deny {
		t.Errorf("result = %s, want DENY", d.Result)
	}
	if want := "role user does not satisfy required role (at least admin)"; d.Reason != want {
		t.Errorf("reason = %q, want %q", d.Reason, want)
	}
}

func TestDecideDenyByDefault(t *testing.T) {
	e, _, _ := newTestEngine(t)

	d := e.Decide(context.Background(), admin(), "unknown.action", "req-3", nil)
	if d.Result != model.Deny {
		t.Errorf("result = %s, want DENY", d.Result)
	}
	if want := `no policy found for "unknown.action" (deny-by-default)`; d.Reason != want {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestDecideRiskInjectionImpossible(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	// Whatever risk-like values the caller smuggles into context, the
	// decision's risk tier comes from the matched policy alone.
	for _, reqCtx := range []map[string]string{
		nil,
		{"risk": "low"},
		{"risk_tier": "low", "risk": "none", "tier": "0"},
	} {
		d := e.Decide(ctx, admin(), "resource.delete", "req-4", reqCtx)
		if d.RiskTier != model.RiskHigh {
			t.Errorf("context %v moved risk to %s", reqCtx, d.RiskTier)
		}
	}
}

func TestDecideMetadataDetachedFromCaller(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	reqCtx := map[string]string{"origin": "ci"}
	d := e.Decide(ctx, admin(), "report.generate", "req-m", reqCtx)

	// Mutating the caller's map after the fact must not reach the
	// persisted record.
	reqCtx["origin"] = "tampered"
	reqCtx["extra"] = "x"

	stored, err := st.GetDecision(ctx, d.DecisionID)
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if stored.Metadata["origin"] != "ci" || len(stored.Metadata) != 1 {
		t.Errorf("stored metadata changed under caller mutation: %v", stored.Metadata)
	}
}

func TestDecideExactRoleMatch(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	op := model.Subject{Kind: model.SubjectHuman, ID: "o1", Role: model.RoleOperator}
	if d := e.Decide(ctx, op, "deploy.promote", "r", nil); d.Result != model.RequireApproval {
		t.Errorf("operator on exact-match action: %s", d.Result)
	}

	// admin outranks operator but exact match refuses it.
	if d := e.Decide(ctx, admin(), "deploy.promote", "r", nil); d.Result != model.Deny {
		t.Errorf("admin on exact operator action: %s, want DENY", d.Result)
	}
}

func TestDecideReputation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	rep := func(v float64, at time.Time) model.Subject {
		return model.Subject{Kind: model.SubjectAgent, ID: "a1", Role: model.RoleAgent, Reputation: &v, ReputationAt: at}
	}

	now := time.Now()

	if d := e.Decide(ctx, rep(0.8, now), "mission.execute", "r", nil); d.Result != model.Allow {
		t.Errorf("good reputation: %s (%s)", d.Result, d.Reason)
	}
	if d := e.Decide(ctx, rep(0.4, now), "mission.execute", "r", nil); d.Result != model.Deny {
		t.Errorf("low reputation: %s", d.Result)
	}

	absent := model.Subject{Kind: model.SubjectAgent, ID: "a1", Role: model.RoleAgent}
	if d := e.Decide(ctx, absent, "mission.execute", "r", nil); d.Result != model.Deny {
		t.Errorf("absent reputation: %s", d.Result)
	}

	// Stale reputation is treated as absent.
	stale := rep(0.9, now.Add(-time.Hour))
	if d := e.Decide(ctx, stale, "mission.execute", "r", nil); d.Result != model.Deny {
		t.Errorf("stale reputation: %s", d.Result)
	}
}

func TestDecideAllowlist(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	listed := model.Subject{Kind: model.SubjectHuman, ID: "root-1", Role: model.RoleAdmin}
	if d := e.Decide(ctx, listed, "vault.open", "r", nil); d.Result != model.Allow {
		t.Errorf("allowlisted subject: %s (%s)", d.Result, d.Reason)
	}

	other := model.Subject{Kind: model.SubjectHuman, ID: "root-2", Role: model.RoleAdmin}
	if d := e.Decide(ctx, other, "vault.open", "r", nil); d.Result != model.Deny {
		t.Errorf("unlisted subject: %s", d.Result)
	}
}

func TestDecideInvalidSubjectDenies(t *testing.T) {
	e, _, _ := newTestEngine(t)

	bad := model.Subject{Kind: "robot", ID: "x", Role: model.RoleAdmin}
	d := e.Decide(context.Background(), bad, "report.generate", "r", nil)
	if d.Result != model.Deny {
		t.Errorf("invalid subject: %s, want DENY", d.Result)
	}
}

func TestDecideIdempotentOverSameSnapshot(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	a := e.Decide(ctx, admin(), "resource.delete", "req-same", nil)
	b := e.Decide(ctx, admin(), "resource.delete", "req-same", nil)

	if a.Result != b.Result || a.Reason != b.Reason || a.RiskTier != b.RiskTier || a.PolicyVersion != b.PolicyVersion {
		t.Errorf("identical inputs diverged: %+v vs %+v", a, b)
	}
	if a.DecisionID == b.DecisionID {
		t.Error("two decide calls shared a decision_id")
	}
}

func TestDecideSurvivesAuditFailure(t *testing.T) {
	set, err := policy.Parse([]byte(testPolicyYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	st := store.NewMemory()
	e := New(policy.NewStore(set), st, failingSink{}, 0, nil)

	d := e.Decide(context.Background(), admin(), "report.generate", "req-9", nil)
	if d.Result != model.Allow {
		t.Errorf("result with failing audit = %s, want ALLOW", d.Result)
	}
	if _, err := st.GetDecision(context.Background(), d.DecisionID); err != nil {
		t.Errorf("decision lost on audit failure: %v", err)
	}
}

func TestDecideConcurrent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := e.Decide(ctx, admin(), "report.generate", "req-c", nil)
			if d.Result != model.Allow {
				t.Errorf("concurrent decide = %s", d.Result)
			}
		}()
	}
	wg.Wait()
}
