package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/GlueOps/mirror-registry/internal/reghttp"
	"github.com/GlueOps/mirror-registry/types"
	"github.com/GlueOps/mirror-registry/types/tag"
)

const ecrPublicURL = "https://api.us-east-1.gallery.ecr.aws"

// ECRPublic lists tags from the public ECR gallery, the feed is unordered so every page is scanned
type ECRPublic struct {
	base
}

type ecrPublicReq struct {
	RegistryAliasName string `json:"registryAliasName"`
	RepositoryName    string `json:"repositoryName"`
	MaxResults        int    `json:"maxResults"`
	NextToken         string `json:"nextToken,omitempty"`
}

type ecrPublicPage struct {
	NextToken       string `json:"nextToken"`
	ImageTagDetails []struct {
		ImageTag  string `json:"imageTag"`
		CreatedAt string `json:"createdAt"`
	} `json:"imageTagDetails"`
}

// NewECRPublic returns the public.ecr.aws provider
func NewECRPublic(client *reghttp.Client, opts ...Opt) *ECRPublic {
	return &ECRPublic{base: newBase(client, ecrPublicURL, opts)}
}

// ListTags posts describeImageTags until no next token is returned.
// The repository is "{alias}/{name}" where name may contain slashes.
func (e *ECRPublic) ListTags(ctx context.Context, req Request) ([]string, error) {
	s := newScanner(req, SkipBeforeCutoff)
	alias, name, ok := strings.Cut(req.Repository, "/")
	if !ok || alias == "" || name == "" {
		return s.tags, fmt.Errorf("%w: public ecr repository %q must be alias/name", types.ErrProviderFetch, req.Repository)
	}
	body := ecrPublicReq{
		RegistryAliasName: alias,
		RepositoryName:    name,
		MaxResults:        pageSize,
	}
	for page := 1; ; page++ {
		b, err := json.Marshal(body)
		if err != nil {
			return s.tags, err
		}
		var resp ecrPublicPage
		_, err = e.client.GetJSON(ctx, reghttp.Req{
			Method:  http.MethodPost,
			URL:     e.baseURL + "/describeImageTags",
			Headers: http.Header{"Content-Type": []string{"application/json"}},
			Body:    b,
			Token:   req.Token,
		}, &resp)
		if err != nil {
			return s.tags, fetchErr(e.log, ECRPublicRegistry, req, page, err)
		}
		records := make([]tag.Record, 0, len(resp.ImageTagDetails))
		for _, d := range resp.ImageTagDetails {
			records = append(records, tag.Record{Name: d.ImageTag, Time: parseTime(time.RFC3339Nano, d.CreatedAt)})
		}
		s.scanPage(records)
		if resp.NextToken == "" {
			break
		}
		body.NextToken = resp.NextToken
	}
	return s.tags, nil
}
