package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mlevins/cleargate/internal/metrics"
	"github.com/mlevins/cleargate/internal/model"
)

// decideRequest is the decision endpoint body. Subject and Role are
// accepted for wire compatibility but never consulted: the decision is
// made for the identity the upstream authentication boundary verified.
// Context is carried as opaque metadata; a risk-like field in it has no
// effect on the decision.
type decideRequest struct {
	RequestID string         `json:"request_id"`
	Subject   string         `json:"subject"`
	Role      string         `json:"role"`
	Action    string         `json:"action"`
	Context   map[string]any `json:"context"`
}

type decideResponse struct {
	DecisionID    string    `json:"decision_id"`
	RequestID     string    `json:"request_id"`
	Result        string    `json:"result"`
	Reason        string    `json:"reason"`
	Risk          string    `json:"risk"`
	PolicyVersion int       `json:"policy_version"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	// An unresolvable identity is not an HTTP error: the decision
	// endpoint always answers 200, and the zero subject fails closed.
	sub, err := s.resolver.Resolve(r)
	if err != nil {
		s.logger.Warn("identity resolution failed", "request_id", req.RequestID, "err", err)
		sub = model.Subject{}
	}

	d := s.engine.Decide(r.Context(), sub, req.Action, req.RequestID, flatten(req.Context))

	writeJSON(w, http.StatusOK, decideResponse{
		DecisionID:    d.DecisionID,
		RequestID:     d.RequestID,
		Result:        string(d.Result),
		Reason:        d.Reason,
		Risk:          string(d.RiskTier),
		PolicyVersion: d.PolicyVersion,
		CreatedAt:     d.CreatedAt,
	})
}

type approvalRequestBody struct {
	DecisionID  string `json:"decision_id"`
	RequestedBy string `json:"requested_by"`
	Reason      string `json:"reason"`
}

type approvalRequestResponse struct {
	ApprovalID       string    `json:"approval_id"`
	Token            string    `json:"token"`
	ExpiresInSeconds int       `json:"expires_in_seconds"`
	ExpiresAt        time.Time `json:"expires_at"`
}

func (s *Server) handleApprovalRequest(w http.ResponseWriter, r *http.Request) {
	var req approvalRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	requestedBy := req.RequestedBy
	if sub, err := s.resolver.Resolve(r); err == nil {
		requestedBy = sub.String()
	}

	grant, err := s.approvals.Request(r.Context(), req.DecisionID, requestedBy, req.Reason)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, approvalRequestResponse{
		ApprovalID:       grant.ApprovalID,
		Token:            grant.Token,
		ExpiresInSeconds: int(time.Until(grant.ExpiresAt).Round(time.Second).Seconds()),
		ExpiresAt:        grant.ExpiresAt,
	})
}

type approvalConfirmBody struct {
	ApprovalID   string `json:"approval_id"`
	ConfirmToken string `json:"confirm_token"`
	Approved     bool   `json:"approved"`
}

type approvalConfirmResponse struct {
	Status     string     `json:"status"`
	DecisionID string     `json:"decision_id"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
}

func (s *Server) handleApprovalConfirm(w http.ResponseWriter, r *http.Request) {
	var req approvalConfirmBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	approvedBy := "unknown"
	if sub, err := s.resolver.Resolve(r); err == nil {
		approvedBy = sub.String()
	}

	a, err := s.approvals.Confirm(r.Context(), req.ApprovalID, req.ConfirmToken, req.Approved, approvedBy)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, approvalConfirmResponse{
		Status:     string(a.Status),
		DecisionID: a.DecisionID,
		ApprovedBy: a.ApprovedBy,
		ApprovedAt: a.ResolvedAt,
	})
}

// decisionView is a Decision plus its approval state, if any.
type decisionView struct {
	model.Decision
	Approval *approvalView `json:"approval,omitempty"`
}

type approvalView struct {
	ApprovalID string     `json:"approval_id"`
	Status     string     `json:"status"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	decisionID := mux.Vars(r)["decision_id"]

	d, err := s.engine.Lookup(r.Context(), decisionID)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	view := decisionView{Decision: d}
	if a, ok, err := s.approvals.ForDecision(r.Context(), decisionID); err == nil && ok {
		view.Approval = &approvalView{
			ApprovalID: a.ApprovalID,
			Status:     string(a.Status),
			ExpiresAt:  a.ExpiresAt,
			ApprovedBy: a.ApprovedBy,
			ResolvedAt: a.ResolvedAt,
		}
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if err := s.ReloadPolicy(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "reloaded",
		"policy_version": s.policies.Version(),
	})
}

// ReloadPolicy swaps in the policy file, counting the outcome. A
// rejected file leaves the active set untouched.
func (s *Server) ReloadPolicy() error {
	if s.cfg.PolicyPath == "" {
		return fmt.Errorf("no policy file configured")
	}
	if err := s.policies.Reload(s.cfg.PolicyPath); err != nil {
		metrics.PolicyReloads.WithLabelValues("rejected").Inc()
		s.logger.Warn("policy reload rejected; prior set stays active",
			"path", s.cfg.PolicyPath, "active_version", s.policies.Version(), "err", err)
		return err
	}
	metrics.PolicyReloads.WithLabelValues("applied").Inc()
	s.logger.Info("policy reloaded", "version", s.policies.Version())
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"policy_version": s.policies.Version(),
	})
}

// writeMappedError translates the error taxonomy to HTTP statuses:
// 403 invalid token, 409 replay or protocol misuse, 410 expiry,
// 404 unknown records.
func writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrTokenInvalid):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, model.ErrAlreadyConsumed), errors.Is(err, model.ErrNotApprovalGated):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrTokenExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, model.ErrApprovalNotFound), errors.Is(err, model.ErrDecisionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// flatten coerces the request context into string metadata for the
// decision record. Values are recorded, never interpreted.
func flatten(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}
