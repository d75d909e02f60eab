package registry

import (
	"github.com/pkg/errors"
)

// Error kinds surfaced by the proxy pipeline. The server layer maps each kind to the
// http status answered to the originating client, nothing here terminates the process.
var (
	// ErrUnresolvedPath returned by the resolver when no alias or default registry
	// matches inbound request, client gets 404 without any outbound call
	ErrUnresolvedPath = errors.New("no registry matches the request path")

	// ErrAuthFailed returned when the token exchange failed or upstream answered 401
	// again after a successful exchange
	ErrAuthFailed = errors.New("upstream authentication failed")

	// ErrRedirectExhausted returned when a redirect target and all alternate CDN hosts failed
	ErrRedirectExhausted = errors.New("redirect target and all fallback hosts failed")

	// ErrRetryExhausted returned when the bounded attempts budget spent without success
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)
