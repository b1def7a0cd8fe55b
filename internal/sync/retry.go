package sync

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"onecache/internal/graph"
	"onecache/internal/ratelimit"
)

// errCancelled marks a cooperative stop requested through the registry.
var errCancelled = errors.New("sync cancelled")

// callRemote applies the retry policy to one remote operation and feeds
// its outcomes back to the limiter. Pacing is not done here: the source
// acquires a limiter slot per request it sends, so multi-request
// operations stay inside the allowed rate.
//
// Rate-limit responses feed the limiter and are retried without limit —
// they are expected and self-healing, never a failure. Auth errors abort
// immediately. Everything else decays the limiter and is retried with
// exponential backoff up to maxAttempts before the error is returned for
// per-item accounting.
func callRemote[T any](ctx context.Context, lim *ratelimit.Limiter, maxAttempts int, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			lim.OnSuccess()
			return result, nil
		}

		var rle *graph.RateLimitError
		if errors.As(err, &rle) {
			lim.OnRateLimited(rle.RetryAfter)
			continue
		}
		var ae *graph.AuthError
		if errors.As(err, &ae) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		lim.OnTransientError()
		attempts++
		if attempts >= maxAttempts {
			return zero, err
		}

		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
