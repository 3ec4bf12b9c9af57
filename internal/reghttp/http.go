// Package reghttp is the HTTP client shared by the registry tag providers.
// Requests to the same host are spaced by a minimum delay across all goroutines.
package reghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GlueOps/mirror-registry/internal/auth"
	"github.com/GlueOps/mirror-registry/internal/throttle"
)

const (
	// DefaultDelay is the minimum time between two requests to the same host
	DefaultDelay = 500 * time.Millisecond
	// DefaultTimeout bounds each request
	DefaultTimeout = 30 * time.Second
	// DefaultUserAgent is sent when no other agent is configured
	DefaultUserAgent = "regmirror"
	// maximum size of an error body included in logs
	errBodyLimit = 1024
)

// Client paces and authenticates registry API requests
type Client struct {
	httpClient *http.Client
	userAgent  string
	delay      time.Duration
	log        *logrus.Logger
	mu         sync.Mutex
	hosts      map[string]*hostPace
	sleep      func(ctx context.Context, d time.Duration) error
}

type hostPace struct {
	thr  *throttle.Throttle
	last time.Time
}

// Opt configures a Client
type Opt func(*Client)

// Req is a single API request
type Req struct {
	Method  string
	URL     string
	Token   string // bearer token, empty for anonymous
	Headers http.Header
	Body    []byte
	Auth    auth.Auth // challenge based auth, used when Token is empty
}

// New returns a Client
func New(opts ...Opt) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		userAgent:  DefaultUserAgent,
		delay:      DefaultDelay,
		log:        &logrus.Logger{Out: io.Discard},
		hosts:      map[string]*hostPace{},
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHTTPClient uses a copy of a specific http client, the timeout is applied to the copy when unset
func WithHTTPClient(h *http.Client) Opt {
	return func(c *Client) {
		if h == nil {
			return
		}
		hc := *h
		if hc.Timeout == 0 {
			hc.Timeout = c.httpClient.Timeout
		}
		c.httpClient = &hc
	}
}

// WithDelay sets the minimum spacing of requests to a host
func WithDelay(d time.Duration) Opt {
	return func(c *Client) {
		if d >= 0 {
			c.delay = d
		}
	}
}

// WithTimeout sets the per request timeout
func WithTimeout(d time.Duration) Opt {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header
func WithUserAgent(ua string) Opt {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithLog injects a logrus Logger
func WithLog(log *logrus.Logger) Opt {
	return func(c *Client) {
		c.log = log
	}
}

// HTTPClient returns the underlying client, used for token requests
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Do sends a request after the host delay, answering a single auth challenge when req.Auth is set.
// The caller must close the body of the returned response.
func (c *Client) Do(ctx context.Context, req Req) (*http.Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || req.Auth == nil || req.Token != "" {
		return resp, nil
	}
	// retry once after processing the challenge
	errAuth := req.Auth.HandleResponse(resp)
	if errAuth != nil {
		c.log.WithFields(logrus.Fields{
			"url": req.URL,
			"err": errAuth,
		}).Debug("Failed to handle auth challenge")
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return c.send(ctx, req)
}

// GetJSON sends a request and decodes a 2xx JSON response into v
func (c *Client) GetJSON(ctx context.Context, req Req, v interface{}) (http.Header, error) {
	if req.Headers == nil {
		req.Headers = http.Header{}
	}
	if req.Headers.Get("Accept") == "" {
		req.Headers.Set("Accept", "application/json")
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		c.log.WithFields(logrus.Fields{
			"url":    req.URL,
			"status": resp.StatusCode,
			"body":   string(body),
		}).Debug("Unexpected response")
		return resp.Header, fmt.Errorf("request to %s failed: %w", req.URL, HTTPError(resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.Header, fmt.Errorf("failed to decode response from %s: %w", req.URL, err)
	}
	return resp.Header, nil
}

func (c *Client) send(ctx context.Context, req Req) (*http.Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		hReq.Header[k] = v
	}
	hReq.Header.Set("User-Agent", c.userAgent)
	if req.Token != "" {
		hReq.Header.Set("Authorization", "Bearer "+req.Token)
	} else if req.Auth != nil {
		if err := req.Auth.UpdateRequest(hReq); err != nil {
			c.log.WithFields(logrus.Fields{
				"url": req.URL,
				"err": err,
			}).Debug("Failed to add auth")
		}
	}
	if err := c.wait(ctx, hReq.URL.Host); err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{
		"method": req.Method,
		"url":    req.URL,
	}).Debug("Sending request")
	return c.httpClient.Do(hReq)
}

// wait blocks until the host delay has passed since the previous request to the host
func (c *Client) wait(ctx context.Context, host string) error {
	c.mu.Lock()
	hp, ok := c.hosts[host]
	if !ok {
		hp = &hostPace{thr: throttle.New(1)}
		c.hosts[host] = hp
	}
	c.mu.Unlock()

	if err := hp.thr.Acquire(ctx); err != nil {
		return err
	}
	defer hp.thr.Release(ctx)
	if !hp.last.IsZero() {
		if d := c.delay - time.Since(hp.last); d > 0 {
			if err := c.sleep(ctx, d); err != nil {
				return err
			}
		}
	}
	hp.last = time.Now()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
