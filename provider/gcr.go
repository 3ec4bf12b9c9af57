package provider

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/GlueOps/mirror-registry/internal/reghttp"
)

// GCR lists tags from the Google registry tag list extension used by gcr.io and registry.k8s.io.
// The listing is returned in a single response.
type GCR struct {
	base
	host string
}

type gcrManifest struct {
	Tags           []string `json:"tag"`
	TimeUploadedMs string   `json:"timeUploadedMs"`
	uploaded       time.Time
	digest         string
}

type gcrList struct {
	Name     string                 `json:"name"`
	Tags     []string               `json:"tags"`
	Manifest map[string]gcrManifest `json:"manifest"`
}

// NewGCR returns a provider for a Google hosted registry
func NewGCR(client *reghttp.Client, host string, opts ...Opt) *GCR {
	return &GCR{
		base: newBase(client, "https://"+host, opts),
		host: host,
	}
}

// ListTags matches every tag of each manifest uploaded after the cutoff
func (g *GCR) ListTags(ctx context.Context, req Request) ([]string, error) {
	s := newScanner(req, SkipBeforeCutoff)
	u := fmt.Sprintf("%s/v2/%s/tags/list", g.baseURL, req.Repository)
	var resp gcrList
	_, err := g.client.GetJSON(ctx, reghttp.Req{URL: u, Token: req.Token}, &resp)
	if err != nil {
		return s.tags, fetchErr(g.log, g.host, req, 1, err)
	}
	// sort newest first so the output does not depend on map order
	manifests := make([]gcrManifest, 0, len(resp.Manifest))
	for dig, m := range resp.Manifest {
		if len(m.Tags) == 0 {
			continue
		}
		m.digest = dig
		if ms, err := strconv.ParseInt(m.TimeUploadedMs, 10, 64); err == nil {
			m.uploaded = time.UnixMilli(ms).UTC()
		}
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool {
		if !manifests[i].uploaded.Equal(manifests[j].uploaded) {
			return manifests[i].uploaded.After(manifests[j].uploaded)
		}
		return manifests[i].digest < manifests[j].digest
	})
	for _, m := range manifests {
		s.add(m.uploaded, m.Tags...)
	}
	return s.tags, nil
}
