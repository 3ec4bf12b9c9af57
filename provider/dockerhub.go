package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/GlueOps/mirror-registry/internal/reghttp"
	"github.com/GlueOps/mirror-registry/types/tag"
)

const dockerHubURL = "https://hub.docker.com"

// DockerHub lists tags from the Hub API, newest first
type DockerHub struct {
	base
}

type dockerHubPage struct {
	Next    string `json:"next"`
	Results []struct {
		Name        string `json:"name"`
		LastUpdated string `json:"last_updated"`
	} `json:"results"`
}

// NewDockerHub returns the Docker Hub provider
func NewDockerHub(client *reghttp.Client, opts ...Opt) *DockerHub {
	return &DockerHub{base: newBase(client, dockerHubURL, opts)}
}

// ListTags follows the next links until the cutoff is crossed
func (d *DockerHub) ListTags(ctx context.Context, req Request) ([]string, error) {
	s := newScanner(req, StopAtCutoff)
	u := fmt.Sprintf("%s/v2/repositories/%s/tags?page_size=%d", d.baseURL, req.Repository, pageSize)
	for page := 1; u != ""; page++ {
		var resp dockerHubPage
		_, err := d.client.GetJSON(ctx, reghttp.Req{URL: u, Token: req.Token}, &resp)
		if err != nil {
			return s.tags, fetchErr(d.log, DockerHubRegistry, req, page, err)
		}
		records := make([]tag.Record, 0, len(resp.Results))
		for _, r := range resp.Results {
			records = append(records, tag.Record{Name: r.Name, Time: parseTime(time.RFC3339Nano, r.LastUpdated)})
		}
		if !s.scanPage(records) {
			break
		}
		u = resp.Next
	}
	return s.tags, nil
}
