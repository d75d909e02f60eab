package registry

// Manual redirect following with CDN fallback. Registries answer blob requests with 30x
// to pre-signed storage urls, those must be fetched without the registry Authorization
// header. When the storage host misbehaves the same path is retried against the ordered
// list of alternate hosts from the registry descriptor.

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	log "github.com/go-pkgz/lgr"
)

// followRedirect chases a single redirect target and, for blob requests, walks the
// alternate host list on failure. Every outbound call consumes one unit of budget,
// the count of used units reported back to the retry engine.
func (e *executor) followRedirect(ctx context.Context, rr ResolvedRequest, location string, inHeaders http.Header,
	attempt, budget int, l log.L) (resp *http.Response, used int, err error) {

	target, parseErr := url.Parse(location)
	if parseErr != nil {
		return nil, 0, errors.Wrapf(ErrRedirectExhausted, "malformed redirect location %q", location)
	}

	result := new(multierror.Error)

	targets := []string{target.String()}
	if rr.Kind == KindBlob {
		for _, host := range rr.Registry.AliasHosts {
			alt := *target
			alt.Host = host
			targets = append(targets, alt.String())
		}
	}

	for _, t := range targets {
		if used >= budget {
			break
		}
		used++

		attemptResp, attemptErr := e.redirectAttempt(ctx, rr, t, inHeaders, attempt)
		if attemptErr == nil {
			return attemptResp, used, nil
		}
		l.Logf("[WARN] redirect target failed, host %s: %v", hostOf(t), attemptErr)
		result = multierror.Append(result, attemptErr)
	}

	return nil, used, errors.Wrapf(ErrRedirectExhausted, "%v", result.ErrorOrNil())
}

// redirectAttempt fetches one redirect target. The Authorization header is dropped,
// pre-signed storage urls carry their own credentials in the query and some CDNs
// reject requests with registry bearer attached. Range survives so interrupted
// layer downloads resume properly.
func (e *executor) redirectAttempt(ctx context.Context, rr ResolvedRequest, target string, inHeaders http.Header, attempt int) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, rr.Method, target, http.NoBody)
	if err != nil {
		return nil, err
	}

	req.Header = e.prepareHeaders(inHeaders, rr.Kind, attempt)
	req.Header.Del("Authorization")

	resp, err := e.clientFor(rr.Kind).Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		_ = resp.Body.Close()
		return nil, errors.Errorf("storage host answered %d", resp.StatusCode)
	}
	return resp, nil
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Host
	}
	// crude fallback for logging only
	if i := strings.Index(rawURL, "://"); i >= 0 {
		rest := rawURL[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			return rest[:j]
		}
		return rest
	}
	return rawURL
}
