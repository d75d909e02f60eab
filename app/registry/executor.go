package registry

// Upstream executor issues a single outbound attempt and classifies the result.
// Redirects are never followed by the http client here, the fallback handler
// deals with them manually to control which headers cross to CDN hosts.

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// outcomeKind is classification of one upstream attempt
type outcomeKind int8

const (
	outcomeSuccess outcomeKind = iota
	outcomeRedirect
	outcomeRateLimited
	outcomeUnauthorized
	outcomeTransport
)

// attemptOutcome carries the classified result of one outbound call.
// resp is set for every kind except pure transport failures and must be
// closed or relayed by the caller.
type attemptOutcome struct {
	kind     outcomeKind
	resp     *http.Response
	location string
	err      error
}

// hop-by-hop headers never forwarded in either direction,
// https://datatracker.ietf.org/doc/html/rfc2616#section-13.5.1
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

const (
	acceptManifests = "application/vnd.docker.distribution.manifest.v2+json, " +
		"application/vnd.docker.distribution.manifest.list.v2+json, " +
		"application/vnd.oci.image.manifest.v1+json, application/vnd.oci.image.index.v1+json, " +
		"application/json"
	acceptBlobs = "application/octet-stream, application/vnd.docker.image.rootfs.diff.tar.gzip, " +
		"application/vnd.oci.image.layer.v1.tar+gzip"

	apiVersionHeader = "Docker-Distribution-Api-Version"
	apiVersionValue  = "registry/2.0"
)

// defaultUserAgents rotated between attempts, some registries throttle by the exact
// client signature so each retry looks like a different docker daemon
var defaultUserAgents = []string{
	"docker/20.10.12 go/go1.16.12 git-commit/459d0df kernel/5.10.47 os/linux arch/amd64 UpstreamClient(Docker-Client/20.10.12 (linux))",
	"docker/24.0.7 go/go1.20.10 git-commit/311b9ff kernel/6.1.0 os/linux arch/amd64 UpstreamClient(Docker-Client/24.0.7 (linux))",
	"docker/23.0.3 go/go1.19.7 git-commit/3e7cbfd kernel/5.15.0 os/linux arch/arm64 UpstreamClient(Docker-Client/23.0.3 (linux))",
}

// executor holds a pair of http clients with different timeout policy, blob layers
// can be gigabytes so their client allowed a far longer deadline than api calls
type executor struct {
	apiClient  *http.Client
	blobClient *http.Client
	userAgents []string
}

func newExecutor(apiTimeout, blobTimeout time.Duration, userAgents []string) *executor {
	if apiTimeout <= 0 {
		apiTimeout = 30 * time.Second
	}
	if blobTimeout <= 0 {
		blobTimeout = 5 * time.Minute
	}
	if len(userAgents) == 0 {
		userAgents = defaultUserAgents
	}

	noRedirect := func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse }

	return &executor{
		apiClient:  &http.Client{Timeout: apiTimeout, CheckRedirect: noRedirect},
		blobClient: &http.Client{Timeout: blobTimeout, CheckRedirect: noRedirect},
		userAgents: userAgents,
	}
}

// clientFor picks the http client by request kind
func (e *executor) clientFor(kind RequestKind) *http.Client {
	if kind == KindBlob {
		return e.blobClient
	}
	return e.apiClient
}

// userAgent returns the agent string for given attempt number, rotating over the list
func (e *executor) userAgent(attempt int) string {
	return e.userAgents[attempt%len(e.userAgents)]
}

// buildURL assembles the upstream url, host may carry an explicit scheme
// (tests run against plain http mocks), https assumed without one
func buildURL(host, path, query string) string {
	u := host
	if !strings.Contains(u, "://") {
		u = "https://" + u
	}
	u += path
	if query != "" {
		u += "?" + query
	}
	return u
}

// do issues one attempt against the registry primary host with the prepared header set,
// the inbound body is streamed through without buffering
func (e *executor) do(ctx context.Context, rr ResolvedRequest, inHeaders http.Header, body io.Reader, bearer string, attempt int) attemptOutcome {
	req, err := http.NewRequestWithContext(ctx, rr.Method, buildURL(rr.Registry.PrimaryHost, rr.Path, rr.Query), body)
	if err != nil {
		return attemptOutcome{kind: outcomeTransport, err: err}
	}

	req.Header = e.prepareHeaders(inHeaders, rr.Kind, attempt)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := e.clientFor(rr.Kind).Do(req)
	if err != nil {
		return attemptOutcome{kind: outcomeTransport, err: err}
	}
	return classifyResponse(resp)
}

// prepareHeaders filters the inbound header set and applies a docker-client compatible
// profile. Range and Accept of the client survive, the client's own Authorization does not,
// upstream auth is the negotiator's business.
func (e *executor) prepareHeaders(in http.Header, kind RequestKind, attempt int) http.Header {
	out := http.Header{}
	for k, vv := range in {
		if isHopByHop(k) || strings.EqualFold(k, "Authorization") || strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vv {
			out.Add(k, v)
		}
	}

	out.Set("User-Agent", e.userAgent(attempt))
	out.Set(apiVersionHeader, apiVersionValue)
	out.Set("Accept-Encoding", "gzip")

	if out.Get("Accept") == "" {
		if kind == KindBlob {
			out.Set("Accept", acceptBlobs)
		} else {
			out.Set("Accept", acceptManifests)
		}
	}
	return out
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// classifyResponse maps the upstream response to an outcome the retry engine understands
func classifyResponse(resp *http.Response) attemptOutcome {
	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400 && resp.Header.Get("Location") != "":
		location := resp.Header.Get("Location")
		_ = resp.Body.Close()
		return attemptOutcome{kind: outcomeRedirect, resp: resp, location: location}

	case resp.StatusCode == http.StatusTooManyRequests:
		return attemptOutcome{kind: outcomeRateLimited, resp: resp}

	case resp.StatusCode == http.StatusForbidden && HasRateLimit(resp.Header):
		return attemptOutcome{kind: outcomeRateLimited, resp: resp}

	case resp.StatusCode == http.StatusUnauthorized:
		return attemptOutcome{kind: outcomeUnauthorized, resp: resp}

	case resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout:
		return attemptOutcome{kind: outcomeTransport, resp: resp}
	}

	// everything else, including upstream 404s, relayed to the client verbatim
	return attemptOutcome{kind: outcomeSuccess, resp: resp}
}

// rateLimitHeaders are emitted by docker hub on throttled pulls,
// extracted to the diagnostic log when a pull hits the limit
var rateLimitHeaders = []string{"RateLimit-Limit", "RateLimit-Remaining", "RateLimit-Reset", "Retry-After", "Docker-RateLimit-Source"}

// HasRateLimit reports whether the header set carries any rate-limit diagnostics
func HasRateLimit(h http.Header) bool {
	for _, name := range rateLimitHeaders {
		if h.Get(name) != "" {
			return true
		}
	}
	return false
}

// RateLimitDetails formats present rate-limit headers for logging
func RateLimitDetails(h http.Header) string {
	var parts []string
	for _, name := range rateLimitHeaders {
		if v := h.Get(name); v != "" {
			parts = append(parts, name+"="+v)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}
