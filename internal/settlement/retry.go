package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/Oniqq60/task_system_control/settlement/internal/ledger"
)

// RetryPolicy decides which ledger failures the Coordinator retries on its
// own. Only Unavailable failures that happened before broadcast qualify:
// anything that may have reached the network is left to reconciliation.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) shouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	var lerr *ledger.Error
	if !errors.As(err, &lerr) {
		return false
	}
	return lerr.Kind == ledger.Unavailable && !lerr.Broadcast()
}

func withRetry[T any](ctx context.Context, policy RetryPolicy, call func(context.Context) (T, error)) (T, error) {
	for attempt := 1; ; attempt++ {
		result, err := call(ctx)
		if err == nil || !policy.shouldRetry(err, attempt) {
			return result, err
		}
		select {
		case <-ctx.Done():
			return result, err
		case <-time.After(policy.Backoff * time.Duration(attempt)):
		}
	}
}
