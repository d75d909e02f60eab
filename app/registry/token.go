package registry

// Token negotiation for upstream registries. If an upstream requires authentication it
// answers 401 with a WWW-Authenticate header describing how to obtain a Bearer token.
// The negotiator performs the exchange, caches tokens per (registry, scope) and makes sure
// concurrent requests for the same scope coalesce to a single outbound exchange call.
// More details by link https://docs.docker.com/registry/spec/auth/token/

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docker/distribution/registry/client/auth/challenge"
	cache "github.com/go-pkgz/expirable-cache"
	"github.com/go-pkgz/repeater"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	log "github.com/go-pkgz/lgr"
)

const (
	// fallback lifetime for tokens when auth server doesn't report expires_in
	defaultTokenTTL = 60 * time.Second

	// bound for the token cache, evicts rarely used scopes under pressure
	maxCachedTokens = 1000

	exchangeRetries = 3
	exchangeDelay   = 300 * time.Millisecond
)

// clientToken is Bearer token representing authorized access for a client.
// For compatibility with OAuth 2.0 a token may arrive under the name access_token,
// when both specified they should be equivalent.
type clientToken struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (ct clientToken) value() string {
	if ct.Token != "" {
		return ct.Token
	}
	return ct.AccessToken
}

// authChallenge is parsed data of a Bearer WWW-Authenticate header
type authChallenge struct {
	realm   string
	service string
	scope   string
}

// negotiator obtains and caches upstream bearer tokens. The token cache is the only
// state shared between requests, writes go through the single-flight group so many
// blob pulls of the same image issue one exchange call.
type negotiator struct {
	login    string // docker hub credentials, anonymous exchange when empty
	password string

	tokenTTL time.Duration
	tokens   cache.Cache
	group    singleflight.Group
	client   *http.Client
	l        log.L
}

// newNegotiator creates negotiator with given hub credentials, ttl applied to tokens
// without explicit expires_in from the auth server
func newNegotiator(login, password string, tokenTTL time.Duration, client *http.Client, l log.L) (*negotiator, error) {
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if l == nil {
		l = log.Default()
	}

	tokens, err := cache.NewCache(cache.MaxKeys(maxCachedTokens), cache.TTL(tokenTTL), cache.LRU())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create token cache")
	}

	return &negotiator{login: login, password: password, tokenTTL: tokenTTL, tokens: tokens, client: client, l: l}, nil
}

// preAuthorize returns a bearer value to attach before the first upstream attempt.
// Applies to registries with a known auth endpoint and only for manifest/blob surfaces,
// removes one 401 round trip on the common pull path. Empty result means "go anonymous".
func (n *negotiator) preAuthorize(ctx context.Context, rr ResolvedRequest) (string, error) {
	d := rr.Registry
	if !d.RequiresAuth || d.AuthServer == "" || rr.Kind == KindOther || rr.Repo == "" {
		return "", nil
	}

	ch := authChallenge{realm: d.AuthServer, service: d.AuthService, scope: scopeForRequest(rr)}
	return n.fetchToken(ctx, d, ch)
}

// challengeAuthorize handles the 401 path, parses WWW-Authenticate of the upstream
// response and exchanges it for a bearer value
func (n *negotiator) challengeAuthorize(ctx context.Context, rr ResolvedRequest, resp *http.Response) (string, error) {
	ch, err := parseChallenge(resp)
	if err != nil {
		return "", err
	}
	if ch.scope == "" {
		ch.scope = scopeForRequest(rr)
	}
	return n.fetchToken(ctx, rr.Registry, ch)
}

// parseChallenge extracts bearer realm/service/scope from a 401 response
func parseChallenge(resp *http.Response) (authChallenge, error) {
	for _, c := range challenge.ResponseChallenges(resp) {
		if !strings.EqualFold(c.Scheme, "bearer") {
			continue
		}
		ch := authChallenge{
			realm:   c.Parameters["realm"],
			service: c.Parameters["service"],
			scope:   c.Parameters["scope"],
		}
		if ch.realm == "" {
			return ch, errors.Wrap(ErrAuthFailed, "bearer challenge without realm")
		}
		return ch, nil
	}
	return authChallenge{}, errors.Wrap(ErrAuthFailed, "no bearer challenge in upstream response")
}

// fetchToken returns cached token for (registry, scope) or performs the exchange.
// Concurrent callers missing the cache for the same key share one outbound call and
// all observe the same token or the same failure.
func (n *negotiator) fetchToken(ctx context.Context, d Descriptor, ch authChallenge) (string, error) {
	key := d.ID + ":" + ch.scope

	if v, ok := n.tokens.Get(key); ok {
		return v.(string), nil
	}

	v, err, _ := n.group.Do(key, func() (interface{}, error) {
		// the flight winner could have filled the cache already
		if v, ok := n.tokens.Get(key); ok {
			return v, nil
		}

		ct, exErr := n.exchange(ctx, d, ch)
		if exErr != nil {
			return nil, exErr
		}

		ttl := n.tokenTTL
		if ct.ExpiresIn > 0 {
			ttl = time.Duration(ct.ExpiresIn) * time.Second
		}
		n.tokens.Set(key, ct.value(), ttl)
		return ct.value(), nil
	})

	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// exchange calls the token endpoint, GET {realm}?service=...&scope=...[&account=...],
// transient failures repeated a few times before reporting ErrAuthFailed
func (n *negotiator) exchange(ctx context.Context, d Descriptor, ch authChallenge) (ct clientToken, err error) {
	u, err := url.Parse(ch.realm)
	if err != nil {
		return ct, errors.Wrapf(ErrAuthFailed, "malformed token realm %q", ch.realm)
	}

	q := u.Query()
	if ch.service != "" {
		q.Set("service", ch.service)
	}
	if ch.scope != "" {
		q.Set("scope", ch.scope)
	}
	withCredentials := n.login != "" && d.ID == "docker"
	if withCredentials {
		q.Set("account", n.login)
	}
	u.RawQuery = q.Encode()

	n.l.Logf("[DEBUG] token exchange for %s scope %q anonymous=%v", d.ID, ch.scope, !withCredentials)

	doExchange := func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
		if reqErr != nil {
			return reqErr
		}
		if withCredentials {
			req.SetBasicAuth(n.login, n.password)
		}

		resp, respErr := n.client.Do(req)
		if respErr != nil {
			return respErr
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("token endpoint answered %d", resp.StatusCode)
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
		if readErr != nil {
			return readErr
		}
		if jsonErr := json.Unmarshal(body, &ct); jsonErr != nil {
			return errors.Wrap(jsonErr, "malformed token response")
		}
		if ct.value() == "" {
			return errors.New("token response without token value")
		}
		return nil
	}

	if err = repeater.NewDefault(exchangeRetries, exchangeDelay).Do(ctx, doExchange); err != nil {
		return ct, errors.Wrapf(ErrAuthFailed, "token exchange with %s failed: %v", ch.realm, err)
	}
	return ct, nil
}

// scopeForRequest builds the registry token scope for a repository operation,
// mutating verbs ask for push access as well
func scopeForRequest(rr ResolvedRequest) string {
	if rr.Repo == "" {
		return ""
	}
	actions := "pull"
	switch rr.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		actions = "pull,push"
	}
	return "repository:" + rr.Repo + ":" + actions
}
