package registry

// This package implements the upstream side of a pull-through mirror for docker image registries.
// It talks to upstream instances of the docker registry HTTP API V2 protocol,
// detailed protocol description: https://docs.docker.com/registry/spec/api

import (
	"strings"

	"github.com/pkg/errors"
)

// Descriptor describes one upstream registry known to the mirror. Descriptors are
// read-only after the catalog is built and shared by all requests.
type Descriptor struct {

	// ID is short alias used as the first path segment of aliased requests, e.g. 'docker', 'quay'
	ID string `json:"id" yaml:"id"`

	// PrimaryHost is fqdn of the upstream registry API endpoint
	PrimaryHost string `json:"host" yaml:"host"`

	// AliasHosts are alternate (CDN) hosts tried in order for blob downloads
	// when the primary target fails
	AliasHosts []string `json:"alias_hosts" yaml:"alias_hosts"`

	// RequiresAuth marks registries which always demand a bearer token for pull
	RequiresAuth bool `json:"requires_auth" yaml:"requires_auth"`

	// AuthServer is the token endpoint used for pre-authentication, when empty
	// the realm from a WWW-Authenticate challenge is used instead
	AuthServer string `json:"auth_server" yaml:"auth_server"`

	// AuthService is the 'service' value expected by AuthServer
	AuthService string `json:"auth_service" yaml:"auth_service"`

	// DefaultNamespace prepends to single-segment repository names,
	// 'library' for the official docker hub images
	DefaultNamespace string `json:"default_namespace" yaml:"default_namespace"`
}

// Catalog is an immutable set of upstream registry descriptors with a lookup by alias.
// It built once at startup and injected to the proxy service and the path resolver.
type Catalog struct {
	registries map[string]Descriptor
	defaultID  string
}

// dockerHubHost is the real API endpoint behind the 'docker.io' convenience name
const dockerHubHost = "registry-1.docker.io"

// NewCatalog creates catalog from a set of descriptors, defaultID selects the registry
// used for native /v2/ requests without explicit registry hint
func NewCatalog(registries []Descriptor, defaultID string) (*Catalog, error) {
	if len(registries) == 0 {
		return nil, errors.New("catalog registries list is empty")
	}

	c := &Catalog{registries: make(map[string]Descriptor, len(registries)), defaultID: defaultID}
	for _, d := range registries {
		if d.ID == "" || d.PrimaryHost == "" {
			return nil, errors.Errorf("registry descriptor requires both id and host, got %+v", d)
		}
		if _, ok := c.registries[d.ID]; ok {
			return nil, errors.Errorf("duplicate registry alias %q", d.ID)
		}
		c.registries[d.ID] = d
	}

	if _, ok := c.registries[defaultID]; !ok {
		return nil, errors.Errorf("default registry %q not present in catalog", defaultID)
	}
	return c, nil
}

// DefaultDescriptors returns the built-in registry set. Hosts match the common public
// registries, the docker hub entry carries auth endpoint data for pre-authentication.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			ID:               "docker",
			PrimaryHost:      dockerHubHost,
			AliasHosts:       []string{"registry.docker-cn.com", "production.cloudflare.docker.com"},
			RequiresAuth:     true,
			AuthServer:       "https://auth.docker.io/token",
			AuthService:      "registry.docker.io",
			DefaultNamespace: "library",
		},
		{ID: "quay", PrimaryHost: "quay.io"},
		{ID: "gcr", PrimaryHost: "gcr.io"},
		{ID: "k8s-gcr", PrimaryHost: "k8s.gcr.io"},
		{ID: "registry-k8s", PrimaryHost: "registry.k8s.io"},
		{ID: "ghcr", PrimaryHost: "ghcr.io"},
		{ID: "cloudsmith", PrimaryHost: "docker.cloudsmith.io"},
		{ID: "nvcr", PrimaryHost: "nvcr.io"},
		{ID: "gitlab", PrimaryHost: "registry.gitlab.com"},
	}
}

// DefaultCatalog builds catalog from the built-in descriptors with docker hub as default
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultDescriptors(), "docker")

	// static data, can't fail
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup finds descriptor by alias name
func (c *Catalog) Lookup(alias string) (Descriptor, bool) {
	d, ok := c.registries[alias]
	return d, ok
}

// LookupHost finds descriptor by upstream host name, either primary or the
// 'docker.io' style convenience name
func (c *Catalog) LookupHost(host string) (Descriptor, bool) {
	host = strings.ToLower(strings.TrimSpace(host))
	for _, d := range c.registries {
		if d.PrimaryHost == host {
			return d, true
		}
		if d.ID == "docker" && host == "docker.io" {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Default returns descriptor for native /v2/ requests without a registry hint
func (c *Catalog) Default() Descriptor {
	return c.registries[c.defaultID]
}

// IDs returns all known aliases, order is not defined
func (c *Catalog) IDs() (res []string) {
	for id := range c.registries {
		res = append(res, id)
	}
	return res
}
