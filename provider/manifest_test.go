package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/GlueOps/mirror-registry/types"
)

func TestManifestChecker(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !strings.Contains(r.Header.Get("Accept"), "application/vnd.oci.image.index.v1+json") {
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
		switch r.URL.Path {
		case "/v2/library/nginx/manifests/1.25.3":
			w.Header().Set("Docker-Content-Digest", "sha256:0000000000000000000000000000000000000000000000000000000000000000")
			w.WriteHeader(http.StatusOK)
		case "/v2/library/nginx/manifests/bad-digest":
			w.Header().Set("Docker-Content-Digest", "not-a-digest")
			w.WriteHeader(http.StatusOK)
		case "/v2/library/nginx/manifests/private":
			w.WriteHeader(http.StatusForbidden)
		case "/v2/library/nginx/manifests/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()
	m := NewManifestChecker(testClient(), WithBaseURL(ts.URL))
	tests := []struct {
		tag    string
		exists bool
		err    error
	}{
		{tag: "1.25.3", exists: true},
		{tag: "bad-digest", exists: true},
		{tag: "missing"},
		{tag: "private", err: types.ErrUnauthorized},
		{tag: "broken", err: types.ErrHTTPStatus},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			exists, err := m.Exists(context.Background(), "docker.io", "library/nginx", tt.tag)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Errorf("expected error %v, received %v", tt.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if exists != tt.exists {
				t.Errorf("exists, expected %t, received %t", tt.exists, exists)
			}
		})
	}
}

func TestManifestURL(t *testing.T) {
	t.Parallel()
	m := NewManifestChecker(testClient())
	m.SetPlainHTTP("localhost:5000", true)
	tests := []struct {
		registry string
		expect   string
	}{
		{registry: "docker.io", expect: "https://registry-1.docker.io/v2/library/alpine/manifests/3"},
		{registry: "quay.io", expect: "https://quay.io/v2/library/alpine/manifests/3"},
		{registry: "localhost:5000", expect: "http://localhost:5000/v2/library/alpine/manifests/3"},
	}
	for _, tt := range tests {
		t.Run(tt.registry, func(t *testing.T) {
			if u := m.manifestURL(tt.registry, "library/alpine", "3"); u != tt.expect {
				t.Errorf("expected %s, received %s", tt.expect, u)
			}
		})
	}
	ok, err := ExistsAll{}.Exists(context.Background(), "docker.io", "library/alpine", "3")
	if !ok || err != nil {
		t.Errorf("ExistsAll returned %t, %v", ok, err)
	}
}
