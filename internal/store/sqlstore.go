package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mlevins/cleargate/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	decision_id    TEXT PRIMARY KEY,
	request_id     TEXT NOT NULL,
	subject        TEXT NOT NULL,
	role           TEXT NOT NULL,
	action         TEXT NOT NULL,
	risk           TEXT NOT NULL,
	result         TEXT NOT NULL,
	reason         TEXT NOT NULL,
	policy_version INTEGER NOT NULL,
	created_at     TEXT NOT NULL,
	metadata       TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS approvals (
	approval_id  TEXT PRIMARY KEY,
	decision_id  TEXT NOT NULL,
	status       TEXT NOT NULL,
	token_hash   TEXT NOT NULL,
	requested_by TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	approved_by  TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	expires_at   TEXT NOT NULL,
	resolved_at  TEXT
);

CREATE INDEX IF NOT EXISTS idx_approvals_decision ON approvals(decision_id, created_at);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
`

// SQL is the sqlite-backed Store.
type SQL struct {
	db *sql.DB
}

var _ Store = (*SQL)(nil)

// OpenSQLite opens (or creates) a sqlite store at the given DSN and
// applies the schema.
func OpenSQLite(dsn string) (*SQL, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	// Serialized writes keep the conditional approval update atomic.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQL{db: db}, nil
}

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) PutDecision(ctx context.Context, d model.Decision) error {
	meta := "{}"
	if len(d.Metadata) > 0 {
		b, err := json.Marshal(d.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (decision_id, request_id, subject, role, action, risk, result, reason, policy_version, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DecisionID, d.RequestID, d.Subject, string(d.Role), d.Action, string(d.RiskTier),
		string(d.Result), d.Reason, d.PolicyVersion, d.CreatedAt.UTC().Format(time.RFC3339Nano), meta)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (s *SQL) GetDecision(ctx context.Context, decisionID string) (model.Decision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT decision_id, request_id, subject, role, action, risk, result, reason, policy_version, created_at, metadata
		FROM decisions WHERE decision_id = ?`, decisionID)

	var d model.Decision
	var role, risk, result, createdAt, meta string
	if err := row.Scan(&d.DecisionID, &d.RequestID, &d.Subject, &role, &d.Action, &risk,
		&result, &d.Reason, &d.PolicyVersion, &createdAt, &meta); err != nil {
		if err == sql.ErrNoRows {
			return model.Decision{}, model.ErrDecisionNotFound
		}
		return model.Decision{}, fmt.Errorf("select decision: %w", err)
	}

	d.Role = model.Role(role)
	d.RiskTier = model.RiskTier(risk)
	d.Result = model.Result(result)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		d.CreatedAt = t
	}
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &d.Metadata)
	}
	return d, nil
}

func (s *SQL) PutApproval(ctx context.Context, a model.Approval) error {
	var resolved any
	if a.ResolvedAt != nil {
		resolved = a.ResolvedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, decision_id, status, token_hash, requested_by, reason, approved_by, created_at, expires_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ApprovalID, a.DecisionID, string(a.Status), a.TokenHash, a.RequestedBy, a.Reason,
		a.ApprovedBy, a.CreatedAt.UTC().Format(time.RFC3339Nano), a.ExpiresAt.UTC().Format(time.RFC3339Nano), resolved)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *SQL) GetApproval(ctx context.Context, approvalID string) (model.Approval, error) {
	return s.scanApproval(s.db.QueryRowContext(ctx, selectApproval+` WHERE approval_id = ?`, approvalID))
}

func (s *SQL) GetApprovalByDecision(ctx context.Context, decisionID string) (model.Approval, bool, error) {
	a, err := s.scanApproval(s.db.QueryRowContext(ctx,
		selectApproval+` WHERE decision_id = ? ORDER BY created_at DESC LIMIT 1`, decisionID))
	if err != nil {
		if err == model.ErrApprovalNotFound {
			return model.Approval{}, false, nil
		}
		return model.Approval{}, false, err
	}
	return a, true, nil
}

func (s *SQL) ListApprovals(ctx context.Context, status model.ApprovalStatus) ([]model.Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		selectApproval+` WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("select approvals: %w", err)
	}
	defer rows.Close()

	var out []model.Approval
	for rows.Next() {
		a, err := scanApprovalRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TransitionApproval is a conditional update guarded by status=PENDING.
// RowsAffected tells the winner from the losers without a read-modify-write
// race.
func (s *SQL) TransitionApproval(ctx context.Context, approvalID string, to model.ApprovalStatus, approvedBy string, resolvedAt time.Time) (model.Approval, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, approved_by = ?, resolved_at = ?
		WHERE approval_id = ? AND status = ?`,
		string(to), approvedBy, resolvedAt.UTC().Format(time.RFC3339Nano),
		approvalID, string(model.ApprovalPending))
	if err != nil {
		return model.Approval{}, fmt.Errorf("transition approval: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return model.Approval{}, fmt.Errorf("rows affected: %w", err)
	}

	cur, getErr := s.GetApproval(ctx, approvalID)
	if n == 0 {
		if getErr != nil {
			return model.Approval{}, getErr
		}
		return cur, model.ErrAlreadyConsumed
	}
	return cur, getErr
}

const selectApproval = `
	SELECT approval_id, decision_id, status, token_hash, requested_by, reason, approved_by, created_at, expires_at, resolved_at
	FROM approvals`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQL) scanApproval(row rowScanner) (model.Approval, error) {
	a, err := scanApprovalRow(row)
	if err == sql.ErrNoRows {
		return model.Approval{}, model.ErrApprovalNotFound
	}
	return a, err
}

func scanApprovalRow(row rowScanner) (model.Approval, error) {
	var a model.Approval
	var status, createdAt, expiresAt string
	var resolvedAt sql.NullString

	if err := row.Scan(&a.ApprovalID, &a.DecisionID, &status, &a.TokenHash, &a.RequestedBy,
		&a.Reason, &a.ApprovedBy, &createdAt, &expiresAt, &resolvedAt); err != nil {
		return model.Approval{}, err
	}

	a.Status = model.ApprovalStatus(status)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		a.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, expiresAt); err == nil {
		a.ExpiresAt = t
	}
	if resolvedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, resolvedAt.String); err == nil {
			a.ResolvedAt = &t
		}
	}
	return a, nil
}
