package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mlevins/cleargate/internal/audit"
	"github.com/mlevins/cleargate/internal/identity"
)

const serverPolicyYAML = `
version: 1
policies:
  - action: resource.delete
    risk: high
    required_role: admin
    requires_approval: true
  - action: report.generate
    risk: low
    required_role: user
  - action: policy.reload
    risk: high
    required_role: admin
    role_match: exact
`

type testServer struct {
	srv       *Server
	http      *httptest.Server
	policyP   string
	auditPath string
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	dir := t.TempDir()

	policyPath := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte(serverPolicyYAML), 0600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	cfg.PolicyPath = policyPath
	cfg.AuditLogPath = filepath.Join(dir, "audit.jsonl")

	srv, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return &testServer{srv: srv, http: ts, policyP: policyPath, auditPath: cfg.AuditLogPath}
}

func adminHeaders(r *http.Request) {
	r.Header.Set(identity.HeaderSubject, "u1")
	r.Header.Set(identity.HeaderKind, "human")
	r.Header.Set(identity.HeaderRole, "admin")
}

func userHeaders(r *http.Request) {
	r.Header.Set(identity.HeaderSubject, "u2")
	r.Header.Set(identity.HeaderKind, "human")
	r.Header.Set(identity.HeaderRole, "user")
}

func (ts *testServer) post(t *testing.T, path string, body any, headers func(*http.Request)) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.http.URL+path, bytes.NewReader(b))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers != nil {
		headers(req)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func (ts *testServer) get(t *testing.T, path string, headers func(*http.Request)) (*http.Response, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, ts.http.URL+path, nil)
	if headers != nil {
		headers(req)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestDecideEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, body := ts.post(t, "/governance/decide", map[string]any{
		"request_id": "req-1",
		"action":     "resource.delete",
	}, adminHeaders)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["result"] != "REQUIRE_APPROVAL" {
		t.Errorf("result = %v", body["result"])
	}
	if body["risk"] != "high" {
		t.Errorf("risk = %v", body["risk"])
	}
	if id, _ := body["decision_id"].(string); id == "" || body["request_id"] != "req-1" {
		t.Errorf("envelope: %v", body)
	}
}

func TestDecideIgnoresCallerRisk(t *testing.T) {
	ts := newTestServer(t, Config{})

	// A risk field in the body and in the context must change nothing.
	resp, body := ts.post(t, "/governance/decide", map[string]any{
		"request_id": "req-2",
		"action":     "resource.delete",
		"risk":       "low",
		"context":    map[string]any{"risk": "low", "risk_tier": "low"},
	}, adminHeaders)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["risk"] != "high" {
		t.Errorf("caller moved risk to %v", body["risk"])
	}
}

func TestDecideRoleMismatch(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, body := ts.post(t, "/governance/decide", map[string]any{
		"request_id": "req-3",
		"action":     "resource.delete",
	}, userHeaders)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["result"] != "DENY" {
		t.Errorf("result = %v", body["result"])
	}
}

func TestDecideUnknownActionDenies(t *testing.T) {
	ts := newTestServer(t, Config{})

	_, body := ts.post(t, "/governance/decide", map[string]any{
		"request_id": "req-4",
		"action":     "unknown.action",
	}, adminHeaders)

	if body["result"] != "DENY" {
		t.Errorf("result = %v", body["result"])
	}
}

func TestDecideUnverifiedIdentityDenies(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, body := ts.post(t, "/governance/decide", map[string]any{
		"request_id": "req-5",
		"action":     "report.generate",
		"subject":    "human:u1",
		"role":       "admin",
	}, nil) // no verified headers; body identity must not be trusted

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["result"] != "DENY" {
		t.Errorf("result = %v, want DENY", body["result"])
	}
}

func decideFor(t *testing.T, ts *testServer, action string) string {
	t.Helper()
	_, body := ts.post(t, "/governance/decide", map[string]any{"action": action}, adminHeaders)
	id, _ := body["decision_id"].(string)
	if id == "" {
		t.Fatalf("no decision_id in %v", body)
	}
	return id
}

func TestApprovalRoundTripOverHTTP(t *testing.T) {
	ts := newTestServer(t, Config{})
	decisionID := decideFor(t, ts, "resource.delete")

	resp, grant := ts.post(t, "/governance/approvals/request", map[string]any{
		"decision_id": decisionID,
		"reason":      "cleanup",
	}, adminHeaders)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("request status = %d, want 201", resp.StatusCode)
	}
	approvalID, _ := grant["approval_id"].(string)
	token, _ := grant["token"].(string)
	if approvalID == "" || token == "" {
		t.Fatalf("grant = %v", grant)
	}
	if grant["expires_in_seconds"].(float64) <= 0 {
		t.Errorf("expires_in_seconds = %v", grant["expires_in_seconds"])
	}

	resp, conf := ts.post(t, "/governance/approvals/confirm", map[string]any{
		"approval_id":   approvalID,
		"confirm_token": token,
		"approved":      true,
	}, adminHeaders)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm status = %d, want 200: %v", resp.StatusCode, conf)
	}
	if conf["status"] != "APPROVED" || conf["approved_by"] != "human:u1" {
		t.Errorf("confirm body = %v", conf)
	}

	// Approval status is visible through the decision lookup.
	resp, dec := ts.get(t, "/governance/decisions/"+decisionID, adminHeaders)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lookup status = %d", resp.StatusCode)
	}
	appr, ok := dec["approval"].(map[string]any)
	if !ok {
		t.Fatalf("no nested approval in %v", dec)
	}
	if appr["status"] != "APPROVED" {
		t.Errorf("nested status = %v", appr["status"])
	}

	// Replaying the consumed token is a 409.
	resp, _ = ts.post(t, "/governance/approvals/confirm", map[string]any{
		"approval_id":   approvalID,
		"confirm_token": token,
		"approved":      true,
	}, adminHeaders)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("replay status = %d, want 409", resp.StatusCode)
	}
}

func TestApprovalErrorMapping(t *testing.T) {
	ts := newTestServer(t, Config{})
	decisionID := decideFor(t, ts, "resource.delete")

	// 404 for an unknown decision.
	resp, _ := ts.post(t, "/governance/approvals/request", map[string]any{
		"decision_id": "not-a-decision",
	}, adminHeaders)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown decision status = %d, want 404", resp.StatusCode)
	}

	// 409 for a decision that never required approval.
	allowID := decideFor(t, ts, "report.generate")
	resp, _ = ts.post(t, "/governance/approvals/request", map[string]any{
		"decision_id": allowID,
	}, adminHeaders)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("non-gated status = %d, want 409", resp.StatusCode)
	}

	// 403 for a wrong token.
	_, grant := ts.post(t, "/governance/approvals/request", map[string]any{
		"decision_id": decisionID,
	}, adminHeaders)
	resp, _ = ts.post(t, "/governance/approvals/confirm", map[string]any{
		"approval_id":   grant["approval_id"],
		"confirm_token": "guessed",
		"approved":      true,
	}, adminHeaders)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("wrong token status = %d, want 403", resp.StatusCode)
	}

	// 404 for an unknown approval.
	resp, _ = ts.post(t, "/governance/approvals/confirm", map[string]any{
		"approval_id":   "not-an-approval",
		"confirm_token": "x",
	}, adminHeaders)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown approval status = %d, want 404", resp.StatusCode)
	}

	// 404 for an unknown decision lookup.
	resp, _ = ts.get(t, "/governance/decisions/nope", adminHeaders)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown decision lookup = %d, want 404", resp.StatusCode)
	}
}

func TestApprovalExpiryOverHTTP(t *testing.T) {
	ts := newTestServer(t, Config{ApprovalTTL: time.Nanosecond})
	decisionID := decideFor(t, ts, "resource.delete")

	_, grant := ts.post(t, "/governance/approvals/request", map[string]any{
		"decision_id": decisionID,
	}, adminHeaders)

	time.Sleep(5 * time.Millisecond)

	resp, _ := ts.post(t, "/governance/approvals/confirm", map[string]any{
		"approval_id":   grant["approval_id"],
		"confirm_token": grant["token"],
		"approved":      true,
	}, adminHeaders)
	if resp.StatusCode != http.StatusGone {
		t.Errorf("expired confirm status = %d, want 410", resp.StatusCode)
	}
}

func TestPolicyReloadEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{})

	// The reload endpoint is itself governed: a user gets 403.
	resp, body := ts.post(t, "/governance/policy/reload", map[string]any{}, userHeaders)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("user reload status = %d, want 403", resp.StatusCode)
	}
	if id, _ := body["decision_id"].(string); id == "" {
		t.Error("refusal missing decision_id")
	}

	// Malformed replacement file is rejected wholesale.
	if err := os.WriteFile(ts.policyP, []byte("version: 2\npolicies:\n  - action: a\n    risk: wild\n    required_role: user\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, _ = ts.post(t, "/governance/policy/reload", map[string]any{}, adminHeaders)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("malformed reload status = %d, want 422", resp.StatusCode)
	}
	if ts.srv.policies.Version() != 1 {
		t.Errorf("active version = %d after rejected reload", ts.srv.policies.Version())
	}

	// A valid advancing file applies.
	next := strings.Replace(serverPolicyYAML, "version: 1", "version: 2", 1)
	if err := os.WriteFile(ts.policyP, []byte(next), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, body = ts.post(t, "/governance/policy/reload", map[string]any{}, adminHeaders)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reload status = %d: %v", resp.StatusCode, body)
	}
	if body["policy_version"].(float64) != 2 {
		t.Errorf("policy_version = %v, want 2", body["policy_version"])
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, body := ts.get(t, "/healthz", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz = %d %v", resp.StatusCode, body)
	}
}

func TestAuditChainStaysValidUnderTraffic(t *testing.T) {
	ts := newTestServer(t, Config{})

	for i := 0; i < 5; i++ {
		ts.post(t, "/governance/decide", map[string]any{
			"request_id": fmt.Sprintf("req-%d", i),
			"action":     "report.generate",
		}, adminHeaders)
	}
	decisionID := decideFor(t, ts, "resource.delete")
	_, grant := ts.post(t, "/governance/approvals/request", map[string]any{"decision_id": decisionID}, adminHeaders)
	ts.post(t, "/governance/approvals/confirm", map[string]any{
		"approval_id":   grant["approval_id"],
		"confirm_token": grant["token"],
		"approved":      true,
	}, adminHeaders)

	result := audit.Verify(ts.auditPath)
	if !result.Valid {
		t.Fatalf("audit chain invalid: %s (line %d)", result.Error, result.ErrorLine)
	}
	if result.Lines < 8 {
		t.Errorf("audit lines = %d, want at least 8", result.Lines)
	}
}
