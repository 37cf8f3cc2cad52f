// Package store abstracts the durable records behind the governance
// engine: write-once decisions and single-transition approvals.
package store

import (
	"context"
	"time"

	"github.com/mlevins/cleargate/internal/model"
)

// Store is the durable record store. Two implementations exist: an
// in-memory store for tests and single-process use, and a sqlite store
// for deployments that need decisions to survive restarts.
type Store interface {
	// PutDecision persists a write-once decision record.
	PutDecision(ctx context.Context, d model.Decision) error
	// GetDecision returns model.ErrDecisionNotFound for unknown IDs.
	GetDecision(ctx context.Context, decisionID string) (model.Decision, error)

	// PutApproval persists a new approval record.
	PutApproval(ctx context.Context, a model.Approval) error
	// GetApproval returns model.ErrApprovalNotFound for unknown IDs.
	GetApproval(ctx context.Context, approvalID string) (model.Approval, error)
	// GetApprovalByDecision returns the newest approval for a decision, if any.
	GetApprovalByDecision(ctx context.Context, decisionID string) (model.Approval, bool, error)
	// ListApprovals returns approvals in the given status, oldest first.
	ListApprovals(ctx context.Context, status model.ApprovalStatus) ([]model.Approval, error)

	// TransitionApproval performs the read-compare-write for an approval
	// state change as one atomic operation, guarded by the current status
	// being PENDING. Exactly one of any set of concurrent callers wins;
	// the rest receive model.ErrAlreadyConsumed together with the record
	// as it stood after the winning transition.
	TransitionApproval(ctx context.Context, approvalID string, to model.ApprovalStatus, approvedBy string, resolvedAt time.Time) (model.Approval, error)

	Close() error
}
