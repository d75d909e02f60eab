package registry

// Proxy is the upstream request pipeline of the mirror: resolve -> authorize ->
// attempt/backoff cycles -> classified response for the relay. One Proxy instance
// serves all inbound requests, per-request state never leaves Execute.

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	log "github.com/go-pkgz/lgr"
)

const (
	defaultMaxAttempts = 4
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 10 * time.Second
)

// Settings define proxy behavior, filled from service options once at start
type Settings struct {

	// Catalog of upstream registries, nil means the built-in default set
	Catalog *Catalog

	// MaxAttempts bounds outbound attempts per logical operation including CDN fallbacks
	MaxAttempts int

	// BackoffBase is the first retry delay, doubled each attempt up to BackoffCap
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// APITimeout applied to manifest and misc calls, BlobTimeout to layer downloads
	APITimeout  time.Duration
	BlobTimeout time.Duration

	// UserAgents rotated across retry attempts, defaults to docker-client signatures
	UserAgents []string

	// TokenTTL is the cache lifetime for tokens without explicit expires_in
	TokenTTL time.Duration
}

// Proxy is the main instance of the upstream pipeline
type Proxy struct {
	settings   Settings
	executor   *executor
	negotiator *negotiator
	l          log.L
}

// NewProxy creates the pipeline with given docker hub credentials, empty login
// means anonymous hub access
func NewProxy(login, password string, settings Settings, l log.L) (*Proxy, error) {
	if l == nil {
		l = log.Default()
	}
	if settings.Catalog == nil {
		settings.Catalog = DefaultCatalog()
	}
	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = defaultMaxAttempts
	}
	if settings.BackoffBase <= 0 {
		settings.BackoffBase = defaultBackoffBase
	}
	if settings.BackoffCap < settings.BackoffBase {
		settings.BackoffCap = defaultBackoffCap
	}

	e := newExecutor(settings.APITimeout, settings.BlobTimeout, settings.UserAgents)

	n, err := newNegotiator(login, password, settings.TokenTTL, e.apiClient, l)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create auth negotiator")
	}

	if login == "" {
		l.Logf("[WARN] no docker hub credentials provided, using anonymous hub access")
	}

	return &Proxy{settings: settings, executor: e, negotiator: n, l: l}, nil
}

// Catalog exposes the registry catalog for path resolution at the server layer
func (p *Proxy) Catalog() *Catalog {
	return p.settings.Catalog
}

// Execute runs the retry state machine for one resolved request and returns the
// upstream response to relay. When both response and error are non-nil the response
// still carries the most informative upstream status/headers for the client while
// the error classifies the failure for logging and status mapping.
// The caller owns the returned response body.
func (p *Proxy) Execute(ctx context.Context, rr ResolvedRequest, inHeaders http.Header, body io.Reader) (*http.Response, error) {
	pol := p.policyFor(rr)

	bearer := ""
	if tok, err := p.negotiator.preAuthorize(ctx, rr); err != nil {
		// anonymous access may still succeed, the challenge path will decide
		p.l.Logf("[WARN] pre-authentication for %s failed: %v", rr.Registry.ID, err)
	} else {
		bearer = tok
	}

	prog := retryProgress{}
	for {
		out := p.executor.do(ctx, rr, inHeaders, body, bearer, prog.attempt)

		var state opState
		state, prog = transition(prog, out.kind, pol)

		switch state {
		case stateSuccess:
			return out.resp, nil

		case stateAuthRetry:
			if rr.Method != http.MethodGet && rr.Method != http.MethodHead {
				// streamed request body is spent, replay impossible, relay the 401
				return out.resp, ErrAuthFailed
			}
			tok, err := p.negotiator.challengeAuthorize(ctx, rr, out.resp)
			closeBody(out.resp)
			if err != nil {
				return nil, err
			}
			bearer = tok
			continue

		case stateAuthFailed:
			p.l.Logf("[WARN] %s %s unauthorized again after token exchange", rr.Method, rr.Path)
			return out.resp, ErrAuthFailed

		case stateRedirect:
			budget := pol.maxAttempts - prog.attempt
			if budget < 1 {
				// redirect arrived on the last budgeted attempt, nothing left to follow it with
				return p.exhausted(ctx, rr, out, errors.Wrap(ErrRedirectExhausted, "no attempts left for redirect"))
			}
			resp, used, err := p.executor.followRedirect(ctx, rr, out.location, inHeaders, prog.attempt, budget, p.l)
			if err == nil {
				return resp, nil
			}
			p.l.Logf("[WARN] %s %s: %v", rr.Method, rr.Path, err)

			prog.attempt += used
			if prog.attempt >= pol.maxAttempts {
				return p.exhausted(ctx, rr, out, err)
			}
			if slErr := p.backoff(ctx, pol, prog); slErr != nil {
				return nil, slErr
			}
			continue

		case stateBackoff:
			p.noteFailure(rr, out)
			closeBody(out.resp)
			if slErr := p.backoff(ctx, pol, prog); slErr != nil {
				return nil, slErr
			}
			continue

		case stateExhausted:
			p.noteFailure(rr, out)
			return p.exhausted(ctx, rr, out, out.err)
		}
	}
}

// policyFor derives the retry policy for one request. Methods carrying a streamed
// body can not be replayed, they get a single attempt.
func (p *Proxy) policyFor(rr ResolvedRequest) retryPolicy {
	pol := retryPolicy{maxAttempts: p.settings.MaxAttempts, base: p.settings.BackoffBase, cap: p.settings.BackoffCap}
	if rr.Method != http.MethodGet && rr.Method != http.MethodHead {
		pol.maxAttempts = 1
	}
	return pol
}

// backoff sleeps out the exponential delay for the current attempt,
// interrupted when the client connection gone
func (p *Proxy) backoff(ctx context.Context, pol retryPolicy, prog retryProgress) error {
	delay := backoffDelay(pol, prog.attempt, jitterSource)
	p.l.Logf("[DEBUG] backoff attempt %d, sleep %v", prog.attempt, delay)
	return sleepBackoff(ctx, delay)
}

// noteFailure logs the failed attempt, rate-limit headers get extracted in detail
// so throttled pulls are diagnosable from the log alone
func (p *Proxy) noteFailure(rr ResolvedRequest, out attemptOutcome) {
	switch out.kind {
	case outcomeRateLimited:
		p.l.Logf("[WARN] rate limited by %s on %s %s, status %d, %s",
			rr.Registry.ID, rr.Method, rr.Path, out.resp.StatusCode, RateLimitDetails(out.resp.Header))
	case outcomeTransport:
		if out.resp != nil {
			p.l.Logf("[WARN] upstream %s answered %d on %s %s", rr.Registry.ID, out.resp.StatusCode, rr.Method, rr.Path)
			return
		}
		p.l.Logf("[WARN] transport failure to %s on %s %s: %v", rr.Registry.ID, rr.Method, rr.Path, out.err)
	}
}

// exhausted makes the best-effort last attempt directly against the primary host with
// a minimal header set, then gives up with the most informative response available
func (p *Proxy) exhausted(ctx context.Context, rr ResolvedRequest, out attemptOutcome, cause error) (*http.Response, error) {
	if resp, err := p.lastResort(ctx, rr); err == nil {
		closeBody(out.resp)
		return resp, nil
	}

	err := ErrRetryExhausted
	if errors.Is(cause, ErrRedirectExhausted) {
		err = cause
	}

	resp := out.resp
	if out.kind == outcomeRedirect {
		// the pending answer is a redirect to a dead storage host, relaying it would
		// send the client to a url we already know fails
		closeBody(resp)
		resp = nil
	}
	// resp may also be nil after pure transport failures, the handler maps both to 502/504
	return resp, errors.Wrapf(err, "%s %s against %s", rr.Method, rr.Path, rr.Registry.ID)
}

// lastResort issues one plain request, no auth, no docker header profile.
// Only replayable methods qualify, a spent request body can't be sent again.
func (p *Proxy) lastResort(ctx context.Context, rr ResolvedRequest) (*http.Response, error) {
	if rr.Method != http.MethodGet && rr.Method != http.MethodHead {
		return nil, errors.Errorf("no last resort for %s", rr.Method)
	}

	req, err := http.NewRequestWithContext(ctx, rr.Method, buildURL(rr.Registry.PrimaryHost, rr.Path, rr.Query), http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.executor.userAgent(0))
	req.Header.Set("Accept", "*/*")

	resp, err := p.executor.clientFor(rr.Kind).Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode >= 300 && resp.StatusCode < 400) {
		_ = resp.Body.Close()
		return nil, errors.Errorf("last resort attempt answered %d", resp.StatusCode)
	}

	p.l.Logf("[INFO] last resort attempt succeeded for %s %s", rr.Method, rr.Path)
	return resp, nil
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}
