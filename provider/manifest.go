package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	// crypto libraries included for go-digest
	_ "crypto/sha256"
	_ "crypto/sha512"

	dockerManifestList "github.com/docker/distribution/manifest/manifestlist"
	dockerSchema2 "github.com/docker/distribution/manifest/schema2"
	"github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/GlueOps/mirror-registry/internal/reghttp"
	"github.com/GlueOps/mirror-registry/types/ref"
)

// LiteralChecker decides whether a literal tag from the configuration exists upstream
type LiteralChecker interface {
	Exists(ctx context.Context, registry, repository, tag string) (bool, error)
}

// ExistsAll trusts every literal tag without a request
type ExistsAll struct{}

// Exists always returns true
func (ExistsAll) Exists(ctx context.Context, registry, repository, tag string) (bool, error) {
	return true, nil
}

var manifestAccept = []string{
	ociv1.MediaTypeImageIndex,
	ociv1.MediaTypeImageManifest,
	dockerManifestList.MediaTypeManifestList,
	dockerSchema2.MediaTypeManifest,
}

// ManifestChecker verifies a literal tag with a manifest HEAD request, the manifest content is never read
type ManifestChecker struct {
	base
	mu    sync.Mutex
	plain map[string]bool
}

// NewManifestChecker returns a checker using the registry API of each host
func NewManifestChecker(client *reghttp.Client, opts ...Opt) *ManifestChecker {
	return &ManifestChecker{
		base:  newBase(client, "", opts),
		plain: map[string]bool{},
	}
}

// SetPlainHTTP sends requests for a host without TLS
func (m *ManifestChecker) SetPlainHTTP(host string, plain bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plain[host] = plain
}

// Exists returns true when the registry returns a manifest for the tag, false on a 404
func (m *ManifestChecker) Exists(ctx context.Context, registry, repository, tag string) (bool, error) {
	u := m.manifestURL(registry, repository, tag)
	resp, err := m.client.Do(ctx, reghttp.Req{
		Method:  http.MethodHead,
		URL:     u,
		Headers: http.Header{"Accept": []string{strings.Join(manifestAccept, ", ")}},
		Auth:    m.auth,
	})
	if err != nil {
		return false, fmt.Errorf("manifest head %s: %w", u, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if dh := resp.Header.Get("Docker-Content-Digest"); dh != "" {
			dig, err := digest.Parse(dh)
			if err != nil {
				m.log.WithFields(logrus.Fields{
					"url":    u,
					"digest": dh,
					"err":    err,
				}).Debug("Invalid digest header")
			} else {
				m.log.WithFields(logrus.Fields{
					"url":    u,
					"digest": dig.String(),
				}).Debug("Manifest found")
			}
		}
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("manifest head %s: %w", u, reghttp.HTTPError(resp.StatusCode))
	}
}

func (m *ManifestChecker) manifestURL(registry, repository, tag string) string {
	if m.baseURL != "" {
		return fmt.Sprintf("%s/v2/%s/manifests/%s", m.baseURL, repository, tag)
	}
	host := registry
	if host == ref.DockerRegistry || host == ref.DockerRegistryLegacy {
		host = ref.DockerRegistryDNS
	}
	m.mu.Lock()
	scheme := "https"
	if m.plain[registry] {
		scheme = "http"
	}
	m.mu.Unlock()
	return fmt.Sprintf("%s://%s/v2/%s/manifests/%s", scheme, host, repository, tag)
}
