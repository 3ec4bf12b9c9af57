package provider

import (
	"context"
	"fmt"

	"github.com/GlueOps/mirror-registry/internal/reghttp"
	"github.com/GlueOps/mirror-registry/types/tag"
)

const (
	quayURL = "https://quay.io"
	// quayTime is the RFC 1123 variant with a numeric zone used by the Quay API
	quayTime = "Mon, 02 Jan 2006 15:04:05 -0700"
)

// Quay lists tags from the quay.io API, newest first
type Quay struct {
	base
}

type quayPage struct {
	HasAdditional bool `json:"has_additional"`
	Page          int  `json:"page"`
	Tags          []struct {
		Name         string `json:"name"`
		LastModified string `json:"last_modified"`
	} `json:"tags"`
}

// NewQuay returns the quay.io provider
func NewQuay(client *reghttp.Client, opts ...Opt) *Quay {
	return &Quay{base: newBase(client, quayURL, opts)}
}

// ListTags increments the page while more results are available and the cutoff is not crossed
func (q *Quay) ListTags(ctx context.Context, req Request) ([]string, error) {
	s := newScanner(req, StopAtCutoff)
	for page := 1; ; page++ {
		u := fmt.Sprintf("%s/api/v1/repository/%s/tag?limit=%d&page=%d", q.baseURL, req.Repository, pageSize, page)
		var resp quayPage
		_, err := q.client.GetJSON(ctx, reghttp.Req{URL: u, Token: req.Token}, &resp)
		if err != nil {
			return s.tags, fetchErr(q.log, QuayRegistry, req, page, err)
		}
		records := make([]tag.Record, 0, len(resp.Tags))
		for _, t := range resp.Tags {
			records = append(records, tag.Record{Name: t.Name, Time: parseTime(quayTime, t.LastModified)})
		}
		if !s.scanPage(records) || !resp.HasAdditional {
			break
		}
	}
	return s.tags, nil
}
