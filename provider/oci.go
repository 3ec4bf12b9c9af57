package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/GlueOps/mirror-registry/internal/httplink"
	"github.com/GlueOps/mirror-registry/internal/reghttp"
	"github.com/GlueOps/mirror-registry/types"
)

// OCI lists tags with the distribution API, used for any host configured with the oci api.
// The API has no timestamps so the cutoff is not applied.
type OCI struct {
	base
	host string
}

type ociTagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// NewOCI returns a provider for a registry host, plainHTTP disables TLS
func NewOCI(client *reghttp.Client, host string, plainHTTP bool, opts ...Opt) *OCI {
	scheme := "https://"
	if plainHTTP {
		scheme = "http://"
	}
	return &OCI{
		base: newBase(client, scheme+host, opts),
		host: host,
	}
}

// ListTags follows the Link header until the last page
func (o *OCI) ListTags(ctx context.Context, req Request) ([]string, error) {
	s := newScanner(req, SkipBeforeCutoff)
	u := fmt.Sprintf("%s/v2/%s/tags/list?n=%d", o.baseURL, req.Repository, pageSize)
	for page := 1; u != ""; page++ {
		var resp ociTagList
		hdr, err := o.client.GetJSON(ctx, reghttp.Req{URL: u, Token: req.Token, Auth: o.auth}, &resp)
		if err != nil {
			return s.tags, fetchErr(o.log, o.host, req, page, err)
		}
		for _, t := range resp.Tags {
			s.add(time.Time{}, t)
		}
		next, err := nextLink(u, hdr.Values("Link"))
		if err != nil {
			return s.tags, fetchErr(o.log, o.host, req, page, err)
		}
		u = next
	}
	return s.tags, nil
}

// nextLink resolves the rel=next link against the current url, empty when there is no next page
func nextLink(cur string, headers []string) (string, error) {
	if len(headers) == 0 {
		return "", nil
	}
	links, err := httplink.Parse(headers)
	if err != nil {
		return "", err
	}
	link, err := links.Get("rel", "next")
	if errors.Is(err, types.ErrNotFound) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	curURL, err := url.Parse(cur)
	if err != nil {
		return "", err
	}
	nextURL, err := url.Parse(link.URI)
	if err != nil {
		return "", err
	}
	return curURL.ResolveReference(nextURL).String(), nil
}
