// Package auth answers registry WWW-Authenticate challenges with Basic or Bearer credentials
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GlueOps/mirror-registry/types"
)

const defaultClientID = "regmirror"

// tokens are required to last at least 60 seconds to support older docker clients
const minTokenLife = 60

var (
	// ErrEmptyChallenge when a 401 response has no WWW-Authenticate header
	ErrEmptyChallenge = errors.New("empty challenge header")
	// ErrInvalidChallenge indicates an issue with the received challenge in the WWW-Authenticate header
	ErrInvalidChallenge = errors.New("invalid challenge header")
	// ErrNoNewChallenge indicates a challenge update did not result in any change
	ErrNoNewChallenge = errors.New("no new challenge")
	// ErrParseFailure indicates the WWW-Authenticate header could not be parsed
	ErrParseFailure = errors.New("parse failure")
	// ErrUnsupported when the response is not a 401 challenge
	ErrUnsupported = errors.New("unsupported response")
)

// Cred is the login for a registry host
type Cred struct {
	User, Password, Token string

	// RefreshToken is exchanged for an access token with the refresh_token grant
	RefreshToken string
}

// CredsFn returns the credentials for a host, empty when anonymous
type CredsFn func(host string) Cred

// Auth tracks challenges per host and adds the matching Authorization header to requests
type Auth interface {
	HandleResponse(*http.Response) error
	UpdateRequest(*http.Request) error
}

// Challenge is the parsed content of a WWW-Authenticate header
type Challenge struct {
	AuthType string
	Params   map[string]string
}

// Handler handles the challenges of one auth type on one host
type Handler interface {
	ProcessChallenge(Challenge) error
	GenerateAuth(context.Context) (string, error)
}

// HandlerBuild creates a handler for a host
type HandlerBuild func(client *http.Client, clientID, host string, cred Cred) Handler

// Opt configures New
type Opt func(*auth)

type auth struct {
	httpClient *http.Client
	clientID   string
	credsFn    CredsFn
	hbs        map[string]HandlerBuild
	hs         map[string]map[string]Handler // host, auth type
	authTypes  []string
	log        *logrus.Logger
	mu         sync.Mutex
}

// New creates an Auth with Basic and Bearer handlers
func New(opts ...Opt) Auth {
	a := &auth{
		httpClient: &http.Client{},
		clientID:   defaultClientID,
		credsFn:    func(string) Cred { return Cred{} },
		hbs:        map[string]HandlerBuild{},
		hs:         map[string]map[string]Handler{},
		log:        &logrus.Logger{Out: io.Discard},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.addHandler("basic", NewBasicHandler)
	a.addHandler("bearer", NewBearerHandler)
	return a
}

// WithCreds provides the credential lookup
func WithCreds(f CredsFn) Opt {
	return func(a *auth) {
		if f != nil {
			a.credsFn = f
		}
	}
}

// WithHTTPClient sets the client used for token requests
func WithHTTPClient(h *http.Client) Opt {
	return func(a *auth) {
		if h != nil {
			a.httpClient = h
		}
	}
}

// WithClientID sets the client_id sent with token requests
func WithClientID(clientID string) Opt {
	return func(a *auth) {
		a.clientID = clientID
	}
}

// WithLog injects a logrus Logger
func WithLog(log *logrus.Logger) Opt {
	return func(a *auth) {
		a.log = log
	}
}

func (a *auth) addHandler(authType string, hb HandlerBuild) {
	at := strings.ToLower(authType)
	if _, ok := a.hbs[at]; !ok {
		a.authTypes = append(a.authTypes, at)
	}
	a.hbs[at] = hb
}

// HandleResponse processes a 401 response, returning nil when a retry with updated auth may succeed
func (a *auth) HandleResponse(resp *http.Response) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if resp.StatusCode != http.StatusUnauthorized {
		return ErrUnsupported
	}
	host := resp.Request.URL.Host
	cl, err := ParseAuthHeaders(resp.Header.Values("WWW-Authenticate"))
	if err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{
		"host":      host,
		"challenge": cl,
	}).Debug("Auth request parsed")
	if len(cl) < 1 {
		return ErrEmptyChallenge
	}
	good := false
	for _, c := range cl {
		hb, ok := a.hbs[c.AuthType]
		if !ok {
			a.log.WithFields(logrus.Fields{
				"authtype": c.AuthType,
			}).Warn("Unsupported auth type")
			continue
		}
		if _, ok := a.hs[host]; !ok {
			a.hs[host] = map[string]Handler{}
		}
		h, ok := a.hs[host][c.AuthType]
		if !ok {
			h = hb(a.httpClient, a.clientID, host, a.credsFn(host))
			if h == nil {
				continue
			}
			a.hs[host][c.AuthType] = h
		}
		err := h.ProcessChallenge(c)
		switch {
		case err == nil:
			good = true
		case errors.Is(err, ErrNoNewChallenge):
			// another request may have already updated the handler
			prev := resp.Request.Header.Get("Authorization")
			ah, err := h.GenerateAuth(resp.Request.Context())
			if err == nil && prev != ah {
				good = true
			}
		default:
			return err
		}
	}
	if !good {
		return types.ErrUnauthorized
	}
	return nil
}

// UpdateRequest adds the Authorization header when a handler exists for the host
func (a *auth) UpdateRequest(req *http.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	host := req.URL.Host
	if a.hs[host] == nil {
		return nil
	}
	var err error
	for _, at := range a.authTypes {
		h := a.hs[host][at]
		if h == nil {
			continue
		}
		var ah string
		ah, err = h.GenerateAuth(req.Context())
		if err != nil {
			a.log.WithFields(logrus.Fields{
				"err":      err,
				"host":     host,
				"authtype": at,
			}).Debug("Failed to generate auth")
			continue
		}
		req.Header.Set("Authorization", ah)
		return nil
	}
	return err
}

// ParseAuthHeaders parses each WWW-Authenticate header value
func ParseAuthHeaders(ahl []string) ([]Challenge, error) {
	cl := []Challenge{}
	for _, ah := range ahl {
		c, err := ParseAuthHeader(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to parse challenge header %q: %w", ah, err)
		}
		cl = append(cl, c...)
	}
	return cl, nil
}

// ParseAuthHeader parses a single WWW-Authenticate value, e.g.
// Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/nginx:pull"
func ParseAuthHeader(ah string) ([]Challenge, error) {
	cl := []Challenge{}
	s := challengeScanner{s: ah}
	for {
		s.skip(" \t\r\n,")
		if s.done() {
			return cl, nil
		}
		name := s.token()
		if name == "" {
			return nil, ErrParseFailure
		}
		s.skip(" \t")
		if !s.done() && s.peek() == '=' {
			// a parameter of the current challenge
			if len(cl) == 0 {
				return nil, ErrParseFailure
			}
			s.pos++
			s.skip(" \t")
			val, err := s.value()
			if err != nil {
				return nil, err
			}
			cl[len(cl)-1].Params[strings.ToLower(name)] = val
			s.skip(" \t\r\n")
			if !s.done() && s.peek() != ',' {
				return nil, ErrParseFailure
			}
			continue
		}
		cl = append(cl, Challenge{AuthType: strings.ToLower(name), Params: map[string]string{}})
	}
}

type challengeScanner struct {
	s   string
	pos int
}

func (c *challengeScanner) done() bool { return c.pos >= len(c.s) }
func (c *challengeScanner) peek() byte { return c.s[c.pos] }

func (c *challengeScanner) skip(chars string) {
	for !c.done() && strings.IndexByte(chars, c.s[c.pos]) >= 0 {
		c.pos++
	}
}

func (c *challengeScanner) token() string {
	start := c.pos
	for !c.done() && strings.IndexByte(" \t\r\n,=\"", c.s[c.pos]) < 0 {
		c.pos++
	}
	return c.s[start:c.pos]
}

func (c *challengeScanner) value() (string, error) {
	if c.done() {
		return "", nil
	}
	if c.peek() != '"' {
		return c.token(), nil
	}
	c.pos++
	var sb strings.Builder
	for !c.done() {
		b := c.s[c.pos]
		c.pos++
		switch b {
		case '\\':
			if c.done() {
				return "", ErrParseFailure
			}
			sb.WriteByte(c.s[c.pos])
			c.pos++
		case '"':
			return sb.String(), nil
		default:
			sb.WriteByte(b)
		}
	}
	return "", ErrParseFailure
}

// BasicHandler supports Basic auth type requests
type BasicHandler struct {
	realm string
	cred  Cred
}

// NewBasicHandler creates a new BasicHandler
func NewBasicHandler(client *http.Client, clientID, host string, cred Cred) Handler {
	return &BasicHandler{cred: cred}
}

// ProcessChallenge tracks the realm of a Basic challenge
func (b *BasicHandler) ProcessChallenge(c Challenge) error {
	realm, ok := c.Params["realm"]
	if !ok {
		return ErrInvalidChallenge
	}
	if b.realm != realm {
		b.realm = realm
		return nil
	}
	return ErrNoNewChallenge
}

// GenerateAuth returns the base64 encoded user and password
func (b *BasicHandler) GenerateAuth(ctx context.Context) (string, error) {
	if b.cred.User == "" || b.cred.Password == "" {
		return "", fmt.Errorf("no basic credentials: %w", types.ErrNotFound)
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(b.cred.User+":"+b.cred.Password)), nil
}

// BearerHandler supports Bearer auth type requests
type BearerHandler struct {
	client         *http.Client
	clientID       string
	realm, service string
	cred           Cred
	scopes         []string
	token          BearerToken
}

// BearerToken is the json response from a token server
type BearerToken struct {
	Token        string    `json:"token"`
	AccessToken  string    `json:"access_token"`
	ExpiresIn    int       `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
	RefreshToken string    `json:"refresh_token"`
	Scope        string    `json:"scope"`
}

// NewBearerHandler creates a new BearerHandler
func NewBearerHandler(client *http.Client, clientID, host string, cred Cred) Handler {
	return &BearerHandler{
		client:   client,
		clientID: clientID,
		cred:     cred,
		scopes:   []string{},
		token:    BearerToken{RefreshToken: cred.RefreshToken},
	}
}

// ProcessChallenge records the realm, service, and scope of a Bearer challenge
func (b *BearerHandler) ProcessChallenge(c Challenge) error {
	realm, ok := c.Params["realm"]
	if !ok {
		return ErrInvalidChallenge
	}
	service := c.Params["service"]
	scope := c.Params["scope"]
	existing := b.scopeExists(scope)
	if b.realm == realm && b.service == service && existing && (b.token.Token == "" || !b.isExpired()) {
		return ErrNoNewChallenge
	}
	if b.realm == "" {
		b.realm = realm
	} else if b.realm != realm {
		return ErrInvalidChallenge
	}
	if b.service == "" {
		b.service = service
	} else if b.service != service {
		return ErrInvalidChallenge
	}
	if !existing {
		b.scopes = append(b.scopes, scope)
	}
	// scopes changed, request a new token
	b.token.Token = ""
	return nil
}

// GenerateAuth returns a cached token or requests a new one from the realm
func (b *BearerHandler) GenerateAuth(ctx context.Context) (string, error) {
	if b.token.Token != "" && !b.isExpired() {
		return "Bearer " + b.token.Token, nil
	}
	// an API token from the credential bundle is used directly
	if b.cred.Token != "" {
		return "Bearer " + b.cred.Token, nil
	}
	err := b.tryPost(ctx)
	if err == nil {
		return "Bearer " + b.token.Token, nil
	} else if !errors.Is(err, types.ErrUnauthorized) {
		return "", err
	}
	err = b.tryGet(ctx)
	if err == nil {
		return "Bearer " + b.token.Token, nil
	}
	return "", err
}

func (b *BearerHandler) isExpired() bool {
	if b.token.IssuedAt.IsZero() {
		return true
	}
	return !time.Now().Before(b.token.IssuedAt.Add(time.Duration(b.token.ExpiresIn) * time.Second))
}

func (b *BearerHandler) tryGet(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.realm, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Add("client_id", b.clientID)
	q.Add("offline_token", "true")
	if b.service != "" {
		q.Add("service", b.service)
	}
	for _, s := range b.scopes {
		q.Add("scope", s)
	}
	if b.cred.User != "" && b.cred.Password != "" {
		q.Add("account", b.cred.User)
		req.SetBasicAuth(b.cred.User, b.cred.Password)
	}
	req.URL.RawQuery = q.Encode()
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return b.validateResponse(resp)
}

func (b *BearerHandler) tryPost(ctx context.Context) error {
	form := url.Values{}
	if len(b.scopes) > 0 {
		form.Set("scope", strings.Join(b.scopes, " "))
	}
	if b.service != "" {
		form.Set("service", b.service)
	}
	form.Set("client_id", b.clientID)
	if b.token.RefreshToken != "" {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", b.token.RefreshToken)
	} else if b.cred.User != "" && b.cred.Password != "" {
		form.Set("grant_type", "password")
		form.Set("username", b.cred.User)
		form.Set("password", b.cred.Password)
	} else {
		// anonymous tokens are only available with a get
		return types.ErrUnauthorized
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.realm, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return b.validateResponse(resp)
}

func (b *BearerHandler) scopeExists(search string) bool {
	if search == "" {
		return true
	}
	for _, scope := range b.scopes {
		if scope == search {
			return true
		}
	}
	return false
}

func (b *BearerHandler) validateResponse(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("token request to %s returned %d: %w", b.realm, resp.StatusCode, types.ErrUnauthorized)
	}
	var tok BearerToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return err
	}
	if tok.AccessToken != "" {
		tok.Token = tok.AccessToken
	}
	if tok.Token == "" {
		return fmt.Errorf("token response from %s is empty: %w", b.realm, types.ErrUnauthorized)
	}
	if tok.ExpiresIn < minTokenLife {
		tok.ExpiresIn = minTokenLife
	}
	if tok.IssuedAt.IsZero() {
		tok.IssuedAt = time.Now().UTC()
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = b.token.RefreshToken
	}
	b.token = tok
	return nil
}
