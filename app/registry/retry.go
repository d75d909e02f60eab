package registry

// Retry engine state machine. The transition function is pure, it sees only the
// classified outcome of the last attempt and the accumulated progress, which makes
// the whole failure-handling policy testable without any network.

import (
	"context"
	"math/rand"
	"time"
)

// opState is the state of one logical upstream operation
type opState int8

const (
	stateAttempt opState = iota
	stateSuccess
	stateAuthRetry
	stateRedirect
	stateBackoff
	stateAuthFailed
	stateExhausted
)

// retryPolicy bounds the engine, injected from service settings
type retryPolicy struct {
	maxAttempts int
	base        time.Duration // first backoff delay
	cap         time.Duration // upper bound for any single delay
}

// retryProgress is the mutable part of the operation state, local to one request
type retryProgress struct {
	attempt     int
	authRetried bool
}

// transition decides the next state from the outcome of the finished attempt.
// Rules: one auth retry per operation, redirects handed to the fallback handler,
// rate limits and transport failures backed off until the attempts budget is spent.
func transition(p retryProgress, kind outcomeKind, pol retryPolicy) (opState, retryProgress) {
	switch kind {
	case outcomeSuccess:
		return stateSuccess, p

	case outcomeUnauthorized:
		if p.authRetried {
			// second 401 after a successful token exchange is terminal
			return stateAuthFailed, p
		}
		p.authRetried = true
		return stateAuthRetry, p

	case outcomeRedirect:
		// the attempt which produced the redirect counts against the budget too
		p.attempt++
		return stateRedirect, p

	case outcomeRateLimited, outcomeTransport:
		if p.attempt+1 >= pol.maxAttempts {
			return stateExhausted, p
		}
		p.attempt++
		return stateBackoff, p
	}

	return stateExhausted, p
}

// backoffDelay computes the sleep before attempt n: base * 2^(n-1) plus up to 50%
// random jitter, never above the policy cap. Delays are non-decreasing until capped.
func backoffDelay(pol retryPolicy, attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := pol.base << uint(attempt-1)
	if d > pol.cap || d <= 0 { // shift may overflow on absurd attempt numbers
		d = pol.cap
	}

	jitter := time.Duration(rnd() * float64(d) * 0.5)
	if d+jitter > pol.cap {
		return pol.cap
	}
	return d + jitter
}

// sleepBackoff waits out the delay or aborts when the client went away
func sleepBackoff(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitterSource is the default randomness for backoff jitter, replaced in tests
var jitterSource = rand.Float64
