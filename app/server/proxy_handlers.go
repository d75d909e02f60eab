package server

// Proxy handlers: the thin relay between inbound docker clients and the upstream
// pipeline. All the hard failure handling lives in the registry package, here the
// classified result is just mapped to a client-visible response and streamed out.

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/zebox/registry-mirror/app/registry"

	log "github.com/go-pkgz/lgr"
)

// targetRegistryHeader lets clients of the native /v2/ shape select an upstream,
// value is a catalog alias or an upstream host name
const targetRegistryHeader = "X-Target-Registry"

// hop-by-hop and connection-management headers never relayed back to the client
var skipRelayHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

type proxyHandlers struct {
	proxy proxyService
	l     log.L
}

// apiVersionCtrl answers the /v2/ capability probe locally, no upstream round trip
// and no auth, docker daemons call it before every pull
func (ph *proxyHandlers) apiVersionCtrl(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{}"))
}

// proxyCtrl resolves the inbound path, drives the upstream pipeline and relays
// the result. Any method accepted, the request body streamed through.
func (ph *proxyHandlers) proxyCtrl(w http.ResponseWriter, r *http.Request) {
	rr, err := ph.proxy.Catalog().Resolve(r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get(targetRegistryHeader))
	if err != nil {
		SendErrorJSON(w, r, ph.l, http.StatusNotFound, err, "unknown registry path")
		return
	}

	if rr.IsProbe() {
		ph.apiVersionCtrl(w, r)
		return
	}

	ph.l.Logf("[DEBUG] %s %s -> %s%s kind=%s", r.Method, r.URL.Path, rr.Registry.PrimaryHost, rr.Path, rr.Kind)

	resp, err := ph.proxy.Execute(r.Context(), rr, r.Header, requestBody(r))
	if resp == nil {
		ph.sendFailure(w, r, err)
		return
	}
	if err != nil {
		// exhausted or auth-failed but upstream status available, relay it as the
		// most informative answer
		ph.l.Logf("[WARN] relay upstream failure status %d for %s %s: %v", resp.StatusCode, r.Method, r.URL.Path, err)
	}

	ph.relay(w, r, resp)
}

// relay streams upstream status, filtered headers and body back to the client,
// memory use is independent from the blob size
func (ph *proxyHandlers) relay(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()

	for k, vv := range resp.Header {
		if skipRelay(k) {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}

	if registry.HasRateLimit(resp.Header) && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests) {
		// diagnostic only, the client-visible response is not altered
		ph.l.Logf("[WARN] rate limit relayed to client %s, %s", r.RemoteAddr, registry.RateLimitDetails(resp.Header))
	}

	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// client gone or upstream stream broke mid-flight, nothing to answer anymore
		ph.l.Logf("[DEBUG] relay interrupted for %s %s: %v", r.Method, r.URL.Path, err)
	}
}

// sendFailure maps pipeline errors without any upstream response to client statuses
func (ph *proxyHandlers) sendFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrAuthFailed):
		SendErrorJSON(w, r, ph.l, http.StatusUnauthorized, err, "upstream authentication failed")
	case errors.Is(err, registry.ErrRedirectExhausted):
		SendErrorJSON(w, r, ph.l, http.StatusBadGateway, err, "all upstream hosts failed")
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		SendErrorJSON(w, r, ph.l, http.StatusGatewayTimeout, err, "upstream timed out")
	case errors.Is(err, context.Canceled):
		// client dropped the connection, response won't be read anyway
		ph.l.Logf("[DEBUG] client %s gone during %s %s", r.RemoteAddr, r.Method, r.URL.Path)
	default:
		SendErrorJSON(w, r, ph.l, http.StatusBadGateway, err, "upstream request failed")
	}
}

// requestBody passes the inbound body through for methods which may carry one
func requestBody(r *http.Request) io.Reader {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.ContentLength == 0 {
		return nil
	}
	return r.Body
}

func skipRelay(name string) bool {
	for _, h := range skipRelayHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var te timeout
	return errors.As(err, &te) && te.Timeout()
}
