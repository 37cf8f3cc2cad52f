package model

import "errors"

// Error taxonomy for the governance control path. Decision-time faults
// (missing policy, role or reputation shortfalls) surface externally as
// DENY decisions, not errors; these sentinels exist so internal callers
// and the HTTP layer can tell lifecycle events, protocol misuse, and
// attack attempts apart.
var (
	ErrPolicyNotFound         = errors.New("no policy found for action")
	ErrInvalidRole            = errors.New("role does not satisfy policy")
	ErrInsufficientReputation = errors.New("reputation below policy threshold")

	ErrTokenInvalid    = errors.New("confirmation token does not match")
	ErrTokenExpired    = errors.New("approval expired")
	ErrAlreadyConsumed = errors.New("approval already consumed")

	ErrApprovalNotFound = errors.New("approval not found")
	ErrDecisionNotFound = errors.New("decision not found")
	ErrNotApprovalGated = errors.New("decision does not require approval")

	ErrPolicyReloadRejected = errors.New("policy reload rejected")
)
