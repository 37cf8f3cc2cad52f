// Package approval manages the lifecycle of approval records and their
// one-time confirmation tokens. An approval transitions out of PENDING
// exactly once, by confirmation or by expiry, and the transition is a
// conditional update at the store layer, so concurrent confirmations
// have exactly one winner.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mlevins/cleargate/internal/audit"
	"github.com/mlevins/cleargate/internal/metrics"
	"github.com/mlevins/cleargate/internal/model"
	"github.com/mlevins/cleargate/internal/store"
)

// DefaultTTL bounds how long a pending approval can be confirmed.
const DefaultTTL = 5 * time.Minute

// Service manages approval records and one-time tokens.
type Service struct {
	store store.Store
	sink  audit.Sink
	ttl   time.Duration
	now   func() time.Time
}

// Grant is the single, final disclosure of a raw confirmation token.
type Grant struct {
	ApprovalID string
	Token      string
	ExpiresAt  time.Time
}

// NewService creates a Service. A ttl of zero selects DefaultTTL.
func NewService(st store.Store, sink audit.Sink, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{store: st, sink: sink, ttl: ttl, now: time.Now}
}

// Request creates a PENDING approval for a REQUIRE_APPROVAL decision
// and returns the raw one-time token. Only the token's sha256 digest is
// stored; the raw value is never retained or logged.
func (s *Service) Request(ctx context.Context, decisionID, requestedBy, reason string) (Grant, error) {
	dec, err := s.store.GetDecision(ctx, decisionID)
	if err != nil {
		return Grant{}, err
	}
	if dec.Result != model.RequireApproval {
		return Grant{}, fmt.Errorf("%w: decision %s resolved %s", model.ErrNotApprovalGated, decisionID, dec.Result)
	}

	raw, hash, err := newToken()
	if err != nil {
		return Grant{}, err
	}

	now := s.now().UTC()
	a := model.Approval{
		ApprovalID:  uuid.NewString(),
		DecisionID:  decisionID,
		Status:      model.ApprovalPending,
		TokenHash:   hash,
		RequestedBy: requestedBy,
		Reason:      reason,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.store.PutApproval(ctx, a); err != nil {
		return Grant{}, fmt.Errorf("persist approval: %w", err)
	}

	s.mirror(ctx, audit.Entry{
		Kind:       audit.KindApprovalRequested,
		DecisionID: decisionID,
		ApprovalID: a.ApprovalID,
		Subject:    requestedBy,
		Action:     dec.Action,
		Outcome:    string(model.ApprovalPending),
		Reason:     reason,
	})
	metrics.ApprovalTransitions.WithLabelValues(string(model.ApprovalPending)).Inc()

	return Grant{ApprovalID: a.ApprovalID, Token: raw, ExpiresAt: a.ExpiresAt}, nil
}

// Confirm resolves a pending approval. The presented token is hashed
// and compared in constant time against the stored digest. Expiry is
// enforced lazily here against the wall clock, regardless of whatever
// status a sweep last observed.
func (s *Service) Confirm(ctx context.Context, approvalID, presentedToken string, approved bool, approvedBy string) (model.Approval, error) {
	a, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return model.Approval{}, err
	}

	if !tokenMatches(presentedToken, a.TokenHash) {
		return model.Approval{}, model.ErrTokenInvalid
	}

	// Expiry outranks replay: a record the sweeper already marked
	// EXPIRED is a lifecycle event, not token reuse. Only a record that
	// was actually resolved by a confirmation reports as consumed.
	switch a.Status {
	case model.ApprovalExpired:
		return a, model.ErrTokenExpired
	case model.ApprovalApproved, model.ApprovalDenied:
		return a, model.ErrAlreadyConsumed
	}

	now := s.now().UTC()
	if a.Expired(now) {
		expired, terr := s.store.TransitionApproval(ctx, approvalID, model.ApprovalExpired, "", now)
		if terr == nil {
			s.recordTransition(ctx, expired, "deadline passed before confirmation")
		}
		return expired, model.ErrTokenExpired
	}

	to := model.ApprovalApproved
	if !approved {
		to = model.ApprovalDenied
	}

	resolved, err := s.store.TransitionApproval(ctx, approvalID, to, approvedBy, now)
	if err != nil {
		// A concurrent confirm or sweep won the conditional update.
		// Classify against the state the winner left behind.
		if resolved.Status == model.ApprovalExpired {
			return resolved, model.ErrTokenExpired
		}
		return resolved, err
	}

	s.recordTransition(ctx, resolved, "confirmed by "+approvedBy)
	return resolved, nil
}

// Get returns the approval record for lookups; the token digest is
// stripped by JSON marshaling, never by this method.
func (s *Service) Get(ctx context.Context, approvalID string) (model.Approval, error) {
	return s.store.GetApproval(ctx, approvalID)
}

// ForDecision returns the newest approval attached to a decision.
func (s *Service) ForDecision(ctx context.Context, decisionID string) (model.Approval, bool, error) {
	return s.store.GetApprovalByDecision(ctx, decisionID)
}

// Pending lists approvals still awaiting confirmation.
func (s *Service) Pending(ctx context.Context) ([]model.Approval, error) {
	return s.store.ListApprovals(ctx, model.ApprovalPending)
}

// Sweep marks overdue PENDING approvals EXPIRED. The sweep is advisory
// only: Confirm re-checks the clock and remains authoritative.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	pending, err := s.store.ListApprovals(ctx, model.ApprovalPending)
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	swept := 0
	for _, a := range pending {
		if !a.Expired(now) {
			continue
		}
		expired, err := s.store.TransitionApproval(ctx, a.ApprovalID, model.ApprovalExpired, "", now)
		if err != nil {
			continue // lost to a concurrent confirm; that transition audits itself
		}
		s.recordTransition(ctx, expired, "expired by sweep")
		swept++
	}
	return swept, nil
}

// RunSweeper runs Sweep on the given interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Service) recordTransition(ctx context.Context, a model.Approval, reason string) {
	s.mirror(ctx, audit.Entry{
		Kind:       audit.KindApprovalTransition,
		DecisionID: a.DecisionID,
		ApprovalID: a.ApprovalID,
		Subject:    a.ApprovedBy,
		Outcome:    string(a.Status),
		Reason:     reason,
	})
	metrics.ApprovalTransitions.WithLabelValues(string(a.Status)).Inc()
}

func (s *Service) mirror(ctx context.Context, e audit.Entry) {
	if s.sink == nil {
		return
	}
	s.sink.Record(ctx, e)
}
