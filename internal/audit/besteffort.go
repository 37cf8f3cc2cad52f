package audit

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/mlevins/cleargate/internal/metrics"
)

// BestEffort wraps a Sink with bounded retries. Audit durability is
// best-effort relative to the primary control path: a decision that has
// already been computed must never be discarded or retried because its
// audit write failed. On exhaustion BestEffort emits a structured
// degraded-audit warning and a metric, then reports success upward.
type BestEffort struct {
	next     Sink
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// NewBestEffort wraps next with up to attempts tries per record,
// sleeping backoff plus jitter between tries.
func NewBestEffort(next Sink, attempts int, backoff time.Duration, logger *slog.Logger) *BestEffort {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BestEffort{next: next, attempts: attempts, backoff: backoff, logger: logger}
}

var _ Sink = (*BestEffort)(nil)

// Record appends the entry, retrying transient failures. It never
// returns an error: callers on the decision path must not observe
// audit degradation as a fault.
func (b *BestEffort) Record(ctx context.Context, e Entry) (string, error) {
	var lastErr error
	for i := 0; i < b.attempts; i++ {
		if i > 0 {
			// Jittered linear backoff keeps retry bursts decorrelated.
			sleep := b.backoff + time.Duration(rand.Int63n(int64(b.backoff)+1))
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				b.degraded(e, ctx.Err())
				return "", nil
			}
		}

		id, err := b.next.Record(ctx, e)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}

	b.degraded(e, lastErr)
	return "", nil
}

func (b *BestEffort) degraded(e Entry, err error) {
	metrics.AuditWriteFailures.Inc()
	b.logger.Warn("degraded audit: entry dropped after retries",
		"kind", e.Kind,
		"decision_id", e.DecisionID,
		"approval_id", e.ApprovalID,
		"attempts", b.attempts,
		"err", err,
	)
}
