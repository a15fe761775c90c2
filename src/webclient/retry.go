package webclient

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// Policy bounds retries of transient HTTP failures.
type Policy struct {
	// Attempts is the total number of tries (default 1).
	Attempts int
	// Initial is the first backoff (default 2s). It doubles up to Max.
	Initial time.Duration
	// Max caps both the backoff and a server's Retry-After (default 30s).
	Max time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Initial <= 0 {
		p.Initial = 2 * time.Second
	}
	if p.Max <= 0 {
		p.Max = 30 * time.Second
	}
	return p
}

// Delay returns the wait after failed attempt n (zero-based).
func (p Policy) Delay(n int) time.Duration {
	p = p.withDefaults()
	d := p.Initial
	for i := 0; i < n && d < p.Max; i++ {
		d *= 2
	}
	return min(d, p.Max)
}

// Reply is the outcome of one attempt.
type Reply struct {
	Status int
	Body   []byte
	// RetryAfter is the server's requested wait, zero when absent.
	RetryAfter time.Duration
}

// AttemptFunc performs one request.
type AttemptFunc func() (Reply, error)

// Retryable reports whether a status code is worth another attempt.
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// Do runs fn until it returns a non-retryable reply, attempts run out or ctx
// ends. The last reply and error are returned. A Retry-After longer than the
// backoff is honoured up to Policy.Max.
func Do(ctx context.Context, p Policy, fn AttemptFunc) (Reply, error) {
	p = p.withDefaults()
	var (
		reply Reply
		err   error
	)
	for i := 0; i < p.Attempts; i++ {
		reply, err = fn()
		if err == nil && !Retryable(reply.Status) {
			return reply, nil
		}
		if i == p.Attempts-1 {
			break
		}
		wait := max(p.Delay(i), min(reply.RetryAfter, p.Max))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return reply, ctx.Err()
		case <-t.C:
		}
	}
	return reply, err
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
