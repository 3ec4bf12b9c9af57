package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/GlueOps/mirror-registry/internal/reghttp"
	"github.com/GlueOps/mirror-registry/types"
)

const ghcrURL = "https://api.github.com"

// GHCR lists package versions from the GitHub packages API, newest first
type GHCR struct {
	base
}

type ghcrVersion struct {
	CreatedAt string `json:"created_at"`
	Metadata  struct {
		Container struct {
			Tags []string `json:"tags"`
		} `json:"container"`
	} `json:"metadata"`
}

// NewGHCR returns the ghcr.io provider
func NewGHCR(client *reghttp.Client, opts ...Opt) *GHCR {
	return &GHCR{base: newBase(client, ghcrURL, opts)}
}

// ListTags requests pages until an empty page or the cutoff.
// The repository is "{org}/{package}", a package containing a slash is escaped as a single path segment.
func (g *GHCR) ListTags(ctx context.Context, req Request) ([]string, error) {
	s := newScanner(req, StopAtCutoff)
	org, pkg, ok := strings.Cut(req.Repository, "/")
	if !ok || org == "" || pkg == "" {
		return s.tags, fmt.Errorf("%w: ghcr repository %q must be org/package", types.ErrProviderFetch, req.Repository)
	}
	for page := 1; ; page++ {
		u := fmt.Sprintf("%s/orgs/%s/packages/container/%s/versions?per_page=%d&page=%d",
			g.baseURL, url.PathEscape(org), url.PathEscape(pkg), pageSize, page)
		var versions []ghcrVersion
		_, err := g.client.GetJSON(ctx, reghttp.Req{URL: u, Token: req.Token}, &versions)
		if err != nil {
			return s.tags, fetchErr(g.log, GHCRRegistry, req, page, err)
		}
		if len(versions) == 0 {
			break
		}
		stop := false
		for _, v := range versions {
			// untagged versions only advance the cutoff
			if !s.add(parseTime(time.RFC3339Nano, v.CreatedAt), v.Metadata.Container.Tags...) {
				stop = true
				break
			}
		}
		if stop {
			break
		}
	}
	return s.tags, nil
}
