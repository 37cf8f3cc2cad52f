package model

import "time"

// RiskTier classifies the severity of a governed action.
// It is intrinsic to the matched policy and is never derived
// from anything the caller supplies.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// TierRank maps risk tiers to comparable integers.
var TierRank = map[RiskTier]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// ParseRiskTier maps a string to a RiskTier. Unknown values are rejected.
func ParseRiskTier(s string) (RiskTier, bool) {
	t := RiskTier(s)
	_, ok := TierRank[t]
	return t, ok
}

// Role is the verified role of a subject, resolved upstream of this
// subsystem. Roles form a total order: admin > operator > user > agent.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleUser     Role = "user"
	RoleAgent    Role = "agent"
)

// RoleRank maps roles to comparable integers for at-least semantics.
var RoleRank = map[Role]int{
	RoleAgent:    0,
	RoleUser:     1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// ParseRole maps a string to a Role. Unknown values are rejected,
// which downstream resolves to a deny.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	_, ok := RoleRank[r]
	return r, ok
}

// AtLeast reports whether r ranks at or above required.
func (r Role) AtLeast(required Role) bool {
	return RoleRank[r] >= RoleRank[required]
}

// Result is the outcome of a governance decision.
type Result string

const (
	Allow           Result = "ALLOW"
	Deny            Result = "DENY"
	RequireApproval Result = "REQUIRE_APPROVAL"
)

// Decision is the write-once record produced by every Decide call.
// RiskTier is always copied verbatim from the matched policy.
type Decision struct {
	DecisionID    string            `json:"decision_id"`
	RequestID     string            `json:"request_id"`
	Subject       string            `json:"subject"`
	Role          Role              `json:"role"`
	Action        string            `json:"action"`
	RiskTier      RiskTier          `json:"risk"`
	Result        Result            `json:"result"`
	Reason        string            `json:"reason"`
	PolicyVersion int               `json:"policy_version"`
	CreatedAt     time.Time         `json:"created_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ApprovalStatus is the lifecycle state of an approval record.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalDenied   ApprovalStatus = "DENIED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

// Terminal reports whether the status permits no further transition.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalDenied || s == ApprovalExpired
}

// Approval is a time-boxed, single-use authorization record gating a
// REQUIRE_APPROVAL decision. TokenHash is the only representation of
// the confirmation token at rest; the raw token is disclosed exactly
// once, in the response that created the approval.
type Approval struct {
	ApprovalID  string         `json:"approval_id"`
	DecisionID  string         `json:"decision_id"`
	Status      ApprovalStatus `json:"status"`
	TokenHash   string         `json:"-"`
	RequestedBy string         `json:"requested_by"`
	Reason      string         `json:"reason,omitempty"`
	ApprovedBy  string         `json:"approved_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

// Expired reports whether the approval deadline has passed at now.
func (a Approval) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}
