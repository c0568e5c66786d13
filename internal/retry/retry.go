// Package retry provides bounded retries with pluggable backoff and sleep,
// so that settle delays and backoff waits can be skipped in tests.
package retry

import (
	"context"
	"errors"
	"time"
)

// Backoff returns the wait before the given retry (attempt starts at 1).
type Backoff func(attempt int) time.Duration

// ConstantBackoff returns a backoff function that always returns the same duration.
func ConstantBackoff(d time.Duration) Backoff {
	return func(_ int) time.Duration {
		return d
	}
}

// LinearBackoff waits base, 2*base, 3*base, ...
func LinearBackoff(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return time.Duration(attempt) * base
	}
}

// ExponentialBackoff doubles the wait on each attempt.
func ExponentialBackoff(initial time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return initial * time.Duration(1<<uint(attempt-1))
	}
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
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

// NoSleep returns immediately; for tests.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// Policy bounds a retry loop.
type Policy struct {
	Attempts int
	Backoff  Backoff
	Sleep    SleepFunc
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that Do stops retrying immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// exhausted, or ctx is done. fn receives the 1-based attempt number. The last
// error is returned with any Permanent wrapper removed.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}
		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}
