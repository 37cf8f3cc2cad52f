// Package enforce is the thin call-site contract every protected
// operation honors: decide first, refuse with the decision ID on DENY,
// answer 202 with approval instructions on REQUIRE_APPROVAL, and only
// then perform the effect. Approval never auto-executes anything; the
// caller re-submits and the request is re-evaluated.
package enforce

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/mlevins/cleargate/internal/engine"
	"github.com/mlevins/cleargate/internal/identity"
	"github.com/mlevins/cleargate/internal/model"
)

// Refusal is the body returned when a protected operation is blocked.
type Refusal struct {
	Message    string `json:"message"`
	DecisionID string `json:"decision_id"`
	Hint       string `json:"hint,omitempty"`
}

// Error is returned by Guard for non-HTTP call sites.
type Error struct {
	Decision model.Decision
}

func (e *Error) Error() string {
	return fmt.Sprintf("blocked (%s): %s [decision_id=%s]", e.Decision.Result, e.Decision.Reason, e.Decision.DecisionID)
}

// Guard runs a decision for one protected effect and returns nil only
// on ALLOW. DENY and REQUIRE_APPROVAL come back as *Error carrying the
// full decision, so callers can surface the decision ID.
func Guard(ctx context.Context, eng *engine.Engine, sub model.Subject, action, requestID string) error {
	d := eng.Decide(ctx, sub, action, requestID, nil)
	if d.Result == model.Allow {
		return nil
	}
	return &Error{Decision: d}
}

// Middleware wraps an HTTP handler for one protected action.
// REQUIRE_APPROVAL answers 202 with the approval hint; DENY answers 403.
func Middleware(eng *engine.Engine, resolver identity.Resolver, action string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		sub, err := resolver.Resolve(r)
		if err != nil {
			// An unresolvable identity still produces a deny decision
			// so the refusal carries a retrievable decision_id.
			sub = model.Subject{}
		}

		d := eng.Decide(r.Context(), sub, action, requestID, nil)
		switch d.Result {
		case model.Allow:
			next.ServeHTTP(w, r)
		case model.RequireApproval:
			writeRefusal(w, http.StatusAccepted, Refusal{
				Message:    d.Reason,
				DecisionID: d.DecisionID,
				Hint:       "request an approval via POST /governance/approvals/request, then re-submit",
			})
		default:
			writeRefusal(w, http.StatusForbidden, Refusal{
				Message:    d.Reason,
				DecisionID: d.DecisionID,
			})
		}
	})
}

func writeRefusal(w http.ResponseWriter, status int, body Refusal) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
