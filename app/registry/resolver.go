package registry

// Path resolver recognizes the two inbound request shapes and turns them into
// upstream request descriptions. It pure, no I/O here.

import (
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// RequestKind classifies upstream request for timeout and fallback policy
type RequestKind int8

const (
	// KindOther covers version check, tags listing and other api calls
	KindOther RequestKind = iota

	// KindManifest is request to /v2/<name>/manifests/<reference>
	KindManifest

	// KindBlob is request to /v2/<name>/blobs/<digest>, may be gigabytes large
	KindBlob
)

// String makes kinds readable in logs
func (k RequestKind) String() string {
	switch k {
	case KindManifest:
		return "manifest"
	case KindBlob:
		return "blob"
	}
	return "other"
}

// ResolvedRequest is the outcome of path resolution, created per inbound request
// and owned by the handling goroutine until the response relayed
type ResolvedRequest struct {
	Registry Descriptor
	Path     string // upstream path, always with the /v2 prefix
	Query    string // raw query passed to upstream verbatim
	Method   string
	Kind     RequestKind
	Repo     string // repository name, used for building token scope
}

// Resolve maps inbound method/path to an upstream request. Two shapes are recognized:
// aliased form '/{alias}/{rest...}' where alias is a catalog entry, and native
// '/v2/...' form where the registry selected by the hostHint (a catalog alias or
// an upstream host name) falling back to the catalog default.
func (c *Catalog) Resolve(method, path, query, hostHint string) (ResolvedRequest, error) {
	res := ResolvedRequest{Method: method, Query: query}

	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return res, errors.Wrapf(ErrUnresolvedPath, "empty path")
	}

	segments := strings.Split(trimmed, "/")

	if segments[0] == "v2" {
		res.Registry = c.Default()
		if hostHint != "" {
			d, ok := c.Lookup(hostHint)
			if !ok {
				d, ok = c.LookupHost(hostHint)
			}
			if !ok {
				return res, errors.Wrapf(ErrUnresolvedPath, "unknown registry hint %q", hostHint)
			}
			res.Registry = d
		}
		return classify(res, segments[1:])
	}

	// aliased form, first segment selects the registry
	d, ok := c.Lookup(segments[0])
	if !ok {
		return res, errors.Wrapf(ErrUnresolvedPath, "unknown registry alias %q", segments[0])
	}
	res.Registry = d

	rest := segments[1:]
	if len(rest) == 0 {
		return res, errors.Wrapf(ErrUnresolvedPath, "no path after alias %q", segments[0])
	}

	// tolerate clients which keep the /v2 prefix after the alias
	if rest[0] == "v2" {
		rest = rest[1:]
	}
	return classify(res, rest)
}

// classify fills kind, repo name and the upstream path from path segments following /v2
func classify(res ResolvedRequest, rest []string) (ResolvedRequest, error) {
	if len(rest) == 0 || (len(rest) == 1 && rest[0] == "") {
		// the capability probe GET /v2/
		res.Path = "/v2/"
		return res, nil
	}

	// look for the /v2/<name>/manifests/<ref> and /v2/<name>/blobs/<digest> markers
	marker := -1
	for i := 1; i < len(rest)-1; i++ {
		if rest[i] == "manifests" || rest[i] == "blobs" {
			marker = i
		}
	}

	if marker > 0 {
		repo := strings.Join(rest[:marker], "/")
		ref := strings.Join(rest[marker+1:], "/")

		switch rest[marker] {
		case "manifests":
			res.Kind = KindManifest
		case "blobs":
			// the upload API lives under blobs/uploads/ but has no digest in the path
			if rest[marker+1] == "uploads" {
				res.Kind = KindOther
				break
			}
			res.Kind = KindBlob
			if _, err := digest.Parse(ref); err != nil {
				return res, errors.Wrapf(ErrUnresolvedPath, "malformed blob digest %q", ref)
			}
		}

		// bare official images pulled as 'ubuntu' live under the 'library' namespace on the hub
		if res.Registry.DefaultNamespace != "" && !strings.Contains(repo, "/") {
			repo = res.Registry.DefaultNamespace + "/" + repo
		}
		res.Repo = repo
		res.Path = "/v2/" + repo + "/" + strings.Join(rest[marker:], "/")
		return res, nil
	}

	res.Path = "/v2/" + strings.Join(rest, "/")
	return res, nil
}

// IsProbe reports the /v2/ capability check which answered locally without auth
func (rr ResolvedRequest) IsProbe() bool {
	return rr.Path == "/v2/"
}
