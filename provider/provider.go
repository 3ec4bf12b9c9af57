// Package provider lists the tags of a source repository from each upstream registry API
package provider

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GlueOps/mirror-registry/internal/auth"
	"github.com/GlueOps/mirror-registry/internal/reghttp"
	"github.com/GlueOps/mirror-registry/types/tag"
)

// Registry identifiers with a built in provider
const (
	DockerHubRegistry = "docker.io"
	QuayRegistry      = "quay.io"
	GHCRRegistry      = "ghcr.io"
	ECRPublicRegistry = "public.ecr.aws"
	K8sRegistry       = "registry.k8s.io"
	GCRRegistry       = "gcr.io"
	K8sGCRRegistry    = "k8s.gcr.io"
)

// pageSize is requested from every paginated API
const pageSize = 100

// Provider lists the tags of a repository that match the request patterns
type Provider interface {
	ListTags(ctx context.Context, req Request) ([]string, error)
}

// Request selects the tags to list
type Request struct {
	Registry   string // registry host, used by providers serving more than one host
	Repository string // path within the registry, e.g. "library/nginx"
	Token      string // bearer token, empty for anonymous
	Patterns   []tag.Selector
	Cutoff     time.Time // zero disables the recency bound
}

// Opt configures a provider
type Opt func(*base)

type base struct {
	client  *reghttp.Client
	log     *logrus.Logger
	baseURL string
	auth    auth.Auth
}

func newBase(client *reghttp.Client, defURL string, opts []Opt) base {
	b := base{
		client:  client,
		log:     &logrus.Logger{Out: io.Discard},
		baseURL: defURL,
	}
	if b.client == nil {
		b.client = reghttp.New()
	}
	for _, opt := range opts {
		opt(&b)
	}
	b.baseURL = strings.TrimSuffix(b.baseURL, "/")
	return b
}

// WithBaseURL overrides the API endpoint, e.g. for a test server
func WithBaseURL(u string) Opt {
	return func(b *base) {
		if u != "" {
			b.baseURL = u
		}
	}
}

// WithAuth answers registry challenges for providers using the registry API
func WithAuth(a auth.Auth) Opt {
	return func(b *base) {
		b.auth = a
	}
}

// WithLog injects a logrus Logger
func WithLog(log *logrus.Logger) Opt {
	return func(b *base) {
		if log != nil {
			b.log = log
		}
	}
}

// Matcher selects a provider for hosts without an exact entry
type Matcher func(host string) bool

type matchEntry struct {
	match Matcher
	p     Provider
}

// Registry is the lookup table from registry identifier to provider
type Registry struct {
	mu       sync.RWMutex
	exact    map[string]Provider
	matchers []matchEntry
}

// NewRegistry returns a table with the built in providers sharing one HTTP client
func NewRegistry(client *reghttp.Client, opts ...Opt) *Registry {
	r := NewEmptyRegistry()
	r.Register(DockerHubRegistry, NewDockerHub(client, opts...))
	r.Register(QuayRegistry, NewQuay(client, opts...))
	r.Register(GHCRRegistry, NewGHCR(client, opts...))
	r.Register(ECRPublicRegistry, NewECRPublic(client, opts...))
	for _, host := range []string{K8sRegistry, GCRRegistry, K8sGCRRegistry} {
		r.Register(host, NewGCR(client, host, opts...))
	}
	return r
}

// NewEmptyRegistry returns a table without any providers
func NewEmptyRegistry() *Registry {
	return &Registry{
		exact: map[string]Provider{},
	}
}

// Register adds or replaces the provider for a registry identifier
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[strings.ToLower(name)] = p
}

// RegisterMatcher adds a provider for hosts accepted by fn, checked after exact entries in the order added
func (r *Registry) RegisterMatcher(fn Matcher, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matchers = append(r.matchers, matchEntry{match: fn, p: p})
}

// Lookup returns the provider for a registry host
func (r *Registry) Lookup(host string) (Provider, bool) {
	host = strings.ToLower(host)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.exact[host]; ok {
		return p, true
	}
	for _, m := range r.matchers {
		if m.match(host) {
			return m.p, true
		}
	}
	return nil, false
}

// parseTime returns the zero time when the value is empty or does not parse
func parseTime(layout, value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(layout, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
