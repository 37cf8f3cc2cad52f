// Package engine orchestrates policy lookup, role and reputation checks,
// and audit mirroring into a single Decide operation. Decide is a pure
// function over one immutable policy snapshot plus bounded store writes,
// so it is safe under unbounded concurrent invocation without locking.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/mlevins/cleargate/internal/audit"
	"github.com/mlevins/cleargate/internal/metrics"
	"github.com/mlevins/cleargate/internal/model"
	"github.com/mlevins/cleargate/internal/policy"
	"github.com/mlevins/cleargate/internal/store"
)

// DefaultReputationMaxAge bounds how stale a cached reputation value may
// be before a decision treats it as absent.
const DefaultReputationMaxAge = 15 * time.Minute

// Engine answers governance decision requests. It is the only component
// callers invoke directly for decisions.
type Engine struct {
	policies *policy.Store
	store    store.Store
	sink     audit.Sink
	repAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Engine. A repMaxAge of zero selects DefaultReputationMaxAge.
func New(policies *policy.Store, st store.Store, sink audit.Sink, repMaxAge time.Duration, logger *slog.Logger) *Engine {
	if repMaxAge <= 0 {
		repMaxAge = DefaultReputationMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policies: policies,
		store:    st,
		sink:     sink,
		repAge:   repMaxAge,
		logger:   logger,
		now:      time.Now,
	}
}

// Decide evaluates one action request against the active policy snapshot
// and returns exactly one Decision. Every branch, including every deny,
// produces a persisted decision record and an audit entry.
//
// The risk tier in the returned Decision is read once from the matched
// policy and copied verbatim. reqCtx is carried as opaque metadata and
// never consulted for risk.
func (e *Engine) Decide(ctx context.Context, sub model.Subject, action, requestID string, reqCtx map[string]string) model.Decision {
	start := e.now()
	snap := e.policies.Snapshot()

	result, risk, reason := e.evaluate(snap, sub, action)

	d := model.Decision{
		DecisionID:    uuid.NewString(),
		RequestID:     requestID,
		Subject:       sub.String(),
		Role:          sub.Role,
		Action:        action,
		RiskTier:      risk,
		Result:        result,
		Reason:        reason,
		PolicyVersion: snap.Version,
		CreatedAt:     start.UTC(),
		Metadata:      maps.Clone(reqCtx),
	}

	// The computed outcome is never discarded over a slow or failed
	// store or audit write; degradation is logged and counted instead.
	if err := e.store.PutDecision(ctx, d); err != nil {
		e.logger.Warn("decision record not persisted",
			"decision_id", d.DecisionID, "action", action, "err", err)
	}

	elapsed := e.now().Sub(start)
	if e.sink != nil {
		e.sink.Record(ctx, audit.Entry{
			Kind:          audit.KindDecision,
			RequestID:     requestID,
			DecisionID:    d.DecisionID,
			Subject:       d.Subject,
			Action:        action,
			Outcome:       string(result),
			Reason:        reason,
			Risk:          string(risk),
			PolicyVersion: snap.Version,
			PolicyHash:    snap.SourceHash,
			DurationMS:    elapsed.Milliseconds(),
		})
	}

	metrics.DecisionsTotal.WithLabelValues(string(result)).Inc()
	metrics.DecideDuration.Observe(elapsed.Seconds())

	return d
}

// evaluate runs the fail-closed decision algorithm against one snapshot.
func (e *Engine) evaluate(snap *policy.Set, sub model.Subject, action string) (model.Result, model.RiskTier, string) {
	pol, ok := snap.Lookup(action)
	if !ok {
		return model.Deny, model.RiskLow, fmt.Sprintf("no policy found for %q (deny-by-default)", action)
	}

	// Risk is fixed here and nowhere else.
	risk := pol.RiskTier

	if !sub.Valid() {
		return model.Deny, risk, "unverified subject identity"
	}

	if !pol.Allowlisted(sub.String()) {
		return model.Deny, risk, fmt.Sprintf("subject %s not on allowlist for %s", sub, action)
	}

	if !pol.Allows(sub.Role) {
		verb := "at least"
		if pol.RoleMatch == policy.MatchExact {
			verb = "exactly"
		}
		return model.Deny, risk, fmt.Sprintf("role %s does not satisfy required role (%s %s)", sub.Role, verb, pol.RequiredRole)
	}

	if pol.MinReputation != nil {
		if reason, ok := e.checkReputation(sub, *pol.MinReputation); !ok {
			return model.Deny, risk, reason
		}
	}

	// Approval gating overrides every other passing check; an
	// approval-gated action is never returned as ALLOW directly.
	if pol.RequiresApproval {
		return model.RequireApproval, risk, fmt.Sprintf("%s risk action requires human approval", risk)
	}

	return model.Allow, risk, "policy checks passed"
}

func (e *Engine) checkReputation(sub model.Subject, min float64) (string, bool) {
	if sub.Reputation == nil {
		return "reputation required but not supplied", false
	}
	if sub.ReputationAt.IsZero() || e.now().Sub(sub.ReputationAt) > e.repAge {
		return fmt.Sprintf("reputation staler than %s bound", e.repAge), false
	}
	if *sub.Reputation < min {
		return fmt.Sprintf("reputation %.2f below threshold %.2f", *sub.Reputation, min), false
	}
	return "", true
}

// Lookup returns a previously persisted decision.
func (e *Engine) Lookup(ctx context.Context, decisionID string) (model.Decision, error) {
	return e.store.GetDecision(ctx, decisionID)
}

// PolicyVersion exposes the active policy version for health reporting.
func (e *Engine) PolicyVersion() int {
	return e.policies.Version()
}
