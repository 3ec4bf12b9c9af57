package reghttp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/GlueOps/mirror-registry/internal/auth"
	"github.com/GlueOps/mirror-registry/types"
)

func TestHTTPError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status int
		expect error
	}{
		{http.StatusUnauthorized, types.ErrUnauthorized},
		{http.StatusForbidden, types.ErrUnauthorized},
		{http.StatusNotFound, types.ErrNotFound},
		{http.StatusTooManyRequests, types.ErrRateLimit},
		{http.StatusInternalServerError, types.ErrHTTPStatus},
		{http.StatusBadGateway, types.ErrHTTPStatus},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := HTTPError(tt.status)
			if !errors.Is(err, tt.expect) {
				t.Errorf("status %d returned %v, expected %v", tt.status, err, tt.expect)
			}
		})
	}
}

func TestWithHTTPClient(t *testing.T) {
	t.Parallel()
	tr := &http.Transport{}
	h := &http.Client{Transport: tr}
	c := New(WithHTTPClient(h), WithTimeout(5*time.Second))
	if h.Timeout != 0 {
		t.Errorf("caller's client was modified, timeout %s", h.Timeout)
	}
	if c.httpClient == h || c.httpClient.Transport != tr {
		t.Errorf("client was not copied with its transport")
	}
	if c.httpClient.Timeout != 5*time.Second {
		t.Errorf("timeout, expected 5s, received %s", c.httpClient.Timeout)
	}
	c = New(WithHTTPClient(h))
	if c.httpClient.Timeout != DefaultTimeout || h.Timeout != 0 {
		t.Errorf("default timeout, received %s, caller %s", c.httpClient.Timeout, h.Timeout)
	}
}

func TestGetJSON(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	useragent := "regmirror/test"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != useragent {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/private":
			if r.Header.Get("Authorization") != "Bearer secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"name":"private"}`))
		case "/public":
			if r.Header.Get("Accept") != "application/json" {
				w.WriteHeader(http.StatusNotAcceptable)
				return
			}
			_, _ = w.Write([]byte(`{"name":"public"}`))
		case "/broken":
			_, _ = w.Write([]byte(`{"name":`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()
	c := New(WithUserAgent(useragent), WithDelay(0))
	var body struct {
		Name string `json:"name"`
	}
	_, err := c.GetJSON(ctx, Req{URL: ts.URL + "/public"}, &body)
	if err != nil || body.Name != "public" {
		t.Errorf("public request returned %v, %v", body, err)
	}
	_, err = c.GetJSON(ctx, Req{URL: ts.URL + "/private", Token: "secret"}, &body)
	if err != nil || body.Name != "private" {
		t.Errorf("private request returned %v, %v", body, err)
	}
	_, err = c.GetJSON(ctx, Req{URL: ts.URL + "/private"}, &body)
	if !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("private request without a token returned %v", err)
	}
	_, err = c.GetJSON(ctx, Req{URL: ts.URL + "/missing"}, &body)
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("missing request returned %v", err)
	}
	_, err = c.GetJSON(ctx, Req{URL: ts.URL + "/broken"}, &body)
	if err == nil {
		t.Errorf("broken json did not fail")
	}
}

func TestDelay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	delay := 40 * time.Millisecond
	c := New(WithDelay(delay))
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Do(ctx, Req{URL: ts.URL})
			if err != nil {
				t.Errorf("request failed: %v", err)
				return
			}
			resp.Body.Close()
		}()
	}
	wg.Wait()
	// three paced requests need at least two delays
	if elapsed := time.Since(start); elapsed < 2*delay {
		t.Errorf("requests were not spaced, elapsed %v", elapsed)
	}
	// other hosts are not delayed
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer other.Close()
	start = time.Now()
	resp, err := c.Do(ctx, Req{URL: other.URL})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if elapsed := time.Since(start); elapsed >= delay {
		t.Errorf("first request to a new host was delayed %v", elapsed)
	}
}

func TestDelayCanceled(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	c := New(WithDelay(time.Hour))
	resp, err := c.Do(context.Background(), Req{URL: ts.URL})
	if err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	resp.Body.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Do(ctx, Req{URL: ts.URL})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("paced request on a canceled context returned %v", err)
	}
}

func TestChallenge(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "pass" {
			w.Header().Set("WWW-Authenticate", `Basic realm="test"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	c := New(WithDelay(0))
	a := auth.New(auth.WithCreds(func(host string) auth.Cred {
		return auth.Cred{User: "user", Password: "pass"}
	}))
	resp, err := c.Do(context.Background(), Req{Method: http.MethodHead, URL: ts.URL + "/v2/", Auth: a})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unexpected status: %d", resp.StatusCode)
	}
}
