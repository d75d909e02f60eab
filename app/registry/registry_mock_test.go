package registry

// This is mock implementation of the upstream side for use in unit tests: a docker
// registry V2 api endpoint, a bearer token endpoint and storage (CDN) hosts.

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

const (
	mockToken        = "mock-bearer-token"
	mockManifestBody = `{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.v2+json"}`
	mockBlobBody     = "mock-layer-bytes"
)

// MockUpstream represent an upstream registry with its token endpoint
type MockUpstream struct {
	Registry *httptest.Server
	Auth     *httptest.Server

	requireToken   bool
	rejectBearer   bool
	tokenExpiresIn int
	rateLimitFirst int // answer 429 to the first N registry calls
	failFirst      int // answer 503 to the first N registry calls
	alwaysStatus   int // when set every registry call answered with this status
	redirectTo     string

	registryCalls int32
	exchangeCalls int32

	mu          sync.Mutex
	userAgents  []string
	authHeaders []string

	t testing.TB
}

type MockUpstreamOptions func(option *MockUpstream)

// TokenAuth makes the registry demand a bearer token via WWW-Authenticate challenge
func TokenAuth() MockUpstreamOptions {
	return func(m *MockUpstream) { m.requireToken = true }
}

// RejectBearer makes the registry answer 401 with a challenge even for valid tokens
func RejectBearer() MockUpstreamOptions {
	return func(m *MockUpstream) {
		m.requireToken = true
		m.rejectBearer = true
	}
}

// TokenExpiresIn sets the expires_in value reported by the token endpoint
func TokenExpiresIn(seconds int) MockUpstreamOptions {
	return func(m *MockUpstream) { m.tokenExpiresIn = seconds }
}

// RateLimitFirst answers 429 with hub-style diagnostic headers to the first n calls
func RateLimitFirst(n int) MockUpstreamOptions {
	return func(m *MockUpstream) { m.rateLimitFirst = n }
}

// FailFirst answers 503 to the first n calls
func FailFirst(n int) MockUpstreamOptions {
	return func(m *MockUpstream) { m.failFirst = n }
}

// AlwaysStatus pins every registry answer to the given status
func AlwaysStatus(status int) MockUpstreamOptions {
	return func(m *MockUpstream) { m.alwaysStatus = status }
}

// RedirectBlobsTo makes blob requests answer 307 with the given location
func RedirectBlobsTo(location string) MockUpstreamOptions {
	return func(m *MockUpstream) { m.redirectTo = location }
}

// NewMockUpstream creates the upstream mock with its own token endpoint
func NewMockUpstream(t testing.TB, opts ...MockUpstreamOptions) *MockUpstream {
	t.Helper()
	m := &MockUpstream{t: t}

	for _, opt := range opts {
		opt(m)
	}

	m.Auth = httptest.NewServer(http.HandlerFunc(m.tokenHandler))
	m.Registry = httptest.NewServer(http.HandlerFunc(m.registryHandler))

	t.Cleanup(func() {
		m.Registry.Close()
		m.Auth.Close()
	})
	return m
}

// Descriptor builds catalog descriptor pointing to the mock, preAuth controls whether
// the auth endpoint is known upfront or discovered from the 401 challenge
func (m *MockUpstream) Descriptor(preAuth bool) Descriptor {
	d := Descriptor{ID: "mock", PrimaryHost: m.Registry.URL, DefaultNamespace: "library"}
	if preAuth {
		d.RequiresAuth = true
		d.AuthServer = m.Auth.URL + "/token"
		d.AuthService = "registry.mock.local"
	}
	return d
}

// RegistryCalls reports the number of requests the registry endpoint has seen
func (m *MockUpstream) RegistryCalls() int { return int(atomic.LoadInt32(&m.registryCalls)) }

// ExchangeCalls reports the number of token exchanges performed
func (m *MockUpstream) ExchangeCalls() int { return int(atomic.LoadInt32(&m.exchangeCalls)) }

// SeenUserAgents returns User-Agent values of registry calls in order
func (m *MockUpstream) SeenUserAgents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.userAgents...)
}

// SeenAuthHeaders returns Authorization values of registry calls in order, empty
// string recorded for calls without the header
func (m *MockUpstream) SeenAuthHeaders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.authHeaders...)
}

func (m *MockUpstream) registryHandler(w http.ResponseWriter, r *http.Request) {
	call := atomic.AddInt32(&m.registryCalls, 1)

	m.mu.Lock()
	m.userAgents = append(m.userAgents, r.Header.Get("User-Agent"))
	m.authHeaders = append(m.authHeaders, r.Header.Get("Authorization"))
	m.mu.Unlock()

	if m.requireToken && (m.rejectBearer || r.Header.Get("Authorization") != "Bearer "+mockToken) {
		w.Header().Set("Www-Authenticate",
			fmt.Sprintf(`Bearer realm=%q,service="registry.mock.local",scope="repository:library/alpine:pull"`, m.Auth.URL+"/token"))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if int(call) <= m.rateLimitFirst {
		w.Header().Set("RateLimit-Limit", "100;w=21600")
		w.Header().Set("RateLimit-Remaining", "0;w=21600")
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	if int(call) <= m.failFirst {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	if m.alwaysStatus != 0 {
		w.WriteHeader(m.alwaysStatus)
		return
	}

	switch {
	case strings.Contains(r.URL.Path, "/manifests/"):
		w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")
		w.Header().Set("Docker-Content-Digest", "sha256:1111111111111111111111111111111111111111111111111111111111111111")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(mockManifestBody))

	case strings.Contains(r.URL.Path, "/blobs/"):
		if m.redirectTo != "" {
			w.Header().Set("Location", m.redirectTo)
			w.WriteHeader(http.StatusTemporaryRedirect)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(mockBlobBody))

	default:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
	}
}

func (m *MockUpstream) tokenHandler(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&m.exchangeCalls, 1)

	if service := r.URL.Query().Get("service"); service != "registry.mock.local" {
		m.t.Errorf("unexpected service in token request: %q", service)
	}

	w.Header().Set("Content-Type", "application/json")
	if m.tokenExpiresIn > 0 {
		fmt.Fprintf(w, `{"token":%q,"expires_in":%d}`, mockToken, m.tokenExpiresIn)
		return
	}
	fmt.Fprintf(w, `{"token":%q}`, mockToken)
}

// mockStorage is a standalone storage (CDN) host for blob redirect tests
type mockStorage struct {
	server *httptest.Server
	status int
	calls  int32

	mu          sync.Mutex
	authHeaders []string
	ranges      []string
}

func newMockStorage(t testing.TB, status int) *mockStorage {
	s := &mockStorage{status: status}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.calls, 1)
		s.mu.Lock()
		s.authHeaders = append(s.authHeaders, r.Header.Get("Authorization"))
		s.ranges = append(s.ranges, r.Header.Get("Range"))
		s.mu.Unlock()

		if s.status >= 300 {
			w.WriteHeader(s.status)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(s.status)
		_, _ = w.Write([]byte(mockBlobBody))
	}))
	t.Cleanup(s.server.Close)
	return s
}

// Host returns host:port of the storage server for use in alias host lists
func (s *mockStorage) Host() string {
	return strings.TrimPrefix(s.server.URL, "http://")
}

func (s *mockStorage) Calls() int { return int(atomic.LoadInt32(&s.calls)) }

func (s *mockStorage) SeenAuthHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.authHeaders...)
}

func (s *mockStorage) SeenRanges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}
