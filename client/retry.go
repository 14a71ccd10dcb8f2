package client

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultRetryBase   = 250 * time.Millisecond
	defaultRetryMax    = 30 * time.Second
	defaultTimeout     = 30 * time.Second
)

// backoffDelay returns the wait before generic retry n (1-based), doubling
// from base and capped at max. Waits driven by a Retry-After hint do not
// advance n, so the schedule resumes where it left off.
func backoffDelay(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(base) * math.Pow(2, float64(n-1))
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// retryAfterHint parses a Retry-After header, either delay seconds or an
// HTTP date. The bool reports whether a usable hint was present.
func retryAfterHint(h http.Header, now time.Time) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

// sleepContext waits for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
