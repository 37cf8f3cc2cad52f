package audit

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Kind distinguishes the event classes recorded in the audit log.
const (
	KindDecision           = "decision"
	KindApprovalRequested  = "approval_requested"
	KindApprovalTransition = "approval_transition"
	KindPolicyReload       = "policy_reload"
)

// Entry is one line in the hash-chained JSONL audit log.
// All fields are scalars or structs (no map[string]any) to guarantee
// deterministic json.Marshal field order for reproducible hashing.
type Entry struct {
	AuditID       string `json:"audit_id"`
	Timestamp     string `json:"ts"`
	Kind          string `json:"kind"`
	RequestID     string `json:"request_id,omitempty"`
	DecisionID    string `json:"decision_id,omitempty"`
	ApprovalID    string `json:"approval_id,omitempty"`
	Subject       string `json:"subject,omitempty"`
	Action        string `json:"action,omitempty"`
	Outcome       string `json:"outcome"`
	Reason        string `json:"reason,omitempty"`
	Risk          string `json:"risk,omitempty"`
	PolicyVersion int    `json:"policy_version,omitempty"`
	PolicyHash    string `json:"policy_hash,omitempty"`
	DurationMS    int64  `json:"duration_ms,omitempty"`
	PrevHash      string `json:"prev_hash"`
}
