package outbox

import (
	"context"
	"time"
)

// Default retry policy: three attempts, waiting 2s then 4s.
const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 2 * time.Second
)

// Retry runs an operation a bounded number of times with exponential
// backoff. The wait after the n-th failure is BaseDelay * 2^(n-1).
type Retry struct {
	Attempts  int
	BaseDelay time.Duration
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetry returns the standard policy.
func DefaultRetry() Retry {
	return Retry{Attempts: DefaultAttempts, BaseDelay: DefaultBaseDelay}
}

// Do calls fn until it succeeds, the attempts run out, or ctx is done. It
// returns how many times fn ran and the last error.
func (r Retry) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	attempts := max(r.Attempts, 1)
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for n := 1; ; n++ {
		if err = fn(ctx); err == nil {
			return n, nil
		}
		if n == attempts {
			return n, err
		}
		if serr := sleep(ctx, r.delay(n)); serr != nil {
			return n, serr
		}
	}
}

// delay returns the wait after the n-th failed attempt.
func (r Retry) delay(n int) time.Duration {
	return r.BaseDelay << (n - 1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
