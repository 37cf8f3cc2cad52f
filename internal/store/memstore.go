package store

import (
	"context"
	"sync"
	"time"

	"github.com/mlevins/cleargate/internal/model"
)

// Memory is the in-memory Store used by tests and single-process
// deployments that accept losing history on restart.
type Memory struct {
	mu        sync.Mutex
	decisions map[string]model.Decision
	approvals map[string]model.Approval
	order     []string // approval IDs in insertion order
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		decisions: make(map[string]model.Decision),
		approvals: make(map[string]model.Approval),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) PutDecision(_ context.Context, d model.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[d.DecisionID] = d
	return nil
}

func (m *Memory) GetDecision(_ context.Context, decisionID string) (model.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[decisionID]
	if !ok {
		return model.Decision{}, model.ErrDecisionNotFound
	}
	return d, nil
}

func (m *Memory) PutApproval(_ context.Context, a model.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.approvals[a.ApprovalID]; !exists {
		m.order = append(m.order, a.ApprovalID)
	}
	m.approvals[a.ApprovalID] = a
	return nil
}

func (m *Memory) GetApproval(_ context.Context, approvalID string) (model.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[approvalID]
	if !ok {
		return model.Approval{}, model.ErrApprovalNotFound
	}
	return a, nil
}

func (m *Memory) GetApprovalByDecision(_ context.Context, decisionID string) (model.Approval, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		if a := m.approvals[m.order[i]]; a.DecisionID == decisionID {
			return a, true, nil
		}
	}
	return model.Approval{}, false, nil
}

func (m *Memory) ListApprovals(_ context.Context, status model.ApprovalStatus) ([]model.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Approval
	for _, id := range m.order {
		if a := m.approvals[id]; a.Status == status {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) TransitionApproval(_ context.Context, approvalID string, to model.ApprovalStatus, approvedBy string, resolvedAt time.Time) (model.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvals[approvalID]
	if !ok {
		return model.Approval{}, model.ErrApprovalNotFound
	}
	if a.Status != model.ApprovalPending {
		return a, model.ErrAlreadyConsumed
	}

	a.Status = to
	a.ApprovedBy = approvedBy
	a.ResolvedAt = &resolvedAt
	m.approvals[approvalID] = a
	return a, nil
}

func (m *Memory) Close() error { return nil }
