// Package ecrlogin fetches docker login credentials for private ECR registries
package ecrlogin

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/GlueOps/mirror-registry/provider"
	"github.com/GlueOps/mirror-registry/types"
)

// refreshBuffer is how close to expiry a cached token is considered stale
const refreshBuffer = 5 * time.Minute

// API is the subset of the ECR client used to log in
type API interface {
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// ClientFn returns a client for a region
type ClientFn func(ctx context.Context, region string) (API, error)

// Login is a username and password accepted by docker login
type Login struct {
	Username string
	Password string
	Expires  time.Time
}

// TokenProvider caches one login per registry host
type TokenProvider struct {
	mu        sync.Mutex
	newClient ClientFn
	logins    map[string]Login
	log       *logrus.Logger
	now       func() time.Time
}

// Opt configures a TokenProvider
type Opt func(*TokenProvider)

// WithClientFn replaces the AWS client constructor
func WithClientFn(fn ClientFn) Opt {
	return func(tp *TokenProvider) {
		if fn != nil {
			tp.newClient = fn
		}
	}
}

// WithLog injects a logrus Logger
func WithLog(log *logrus.Logger) Opt {
	return func(tp *TokenProvider) {
		if log != nil {
			tp.log = log
		}
	}
}

// WithClock sets the time source used for expiry checks
func WithClock(now func() time.Time) Opt {
	return func(tp *TokenProvider) {
		if now != nil {
			tp.now = now
		}
	}
}

// New returns a TokenProvider using the default AWS credential chain
func New(opts ...Opt) *TokenProvider {
	tp := &TokenProvider{
		newClient: defaultClient,
		logins:    map[string]Login{},
		log:       &logrus.Logger{Out: io.Discard},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(tp)
	}
	return tp
}

func defaultClient(ctx context.Context, region string) (API, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return ecr.NewFromConfig(cfg), nil
}

// Get returns a login for an ECR registry host, reusing a cached login until it nears expiry
func (tp *TokenProvider) Get(ctx context.Context, host string) (Login, error) {
	account, region, ok := provider.ParseECRHost(host)
	if !ok {
		return Login{}, fmt.Errorf("%w: %s is not an ecr registry", types.ErrUnknownRegistry, host)
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if l, ok := tp.logins[host]; ok && (l.Expires.IsZero() || l.Expires.Sub(tp.now()) > refreshBuffer) {
		return l, nil
	}
	api, err := tp.newClient(ctx, region)
	if err != nil {
		return Login{}, fmt.Errorf("%w: %s: %w", types.ErrAuth, host, err)
	}
	out, err := api.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{
		RegistryIds: []string{account},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			tp.log.WithFields(logrus.Fields{
				"registry": host,
				"code":     apiErr.ErrorCode(),
				"message":  apiErr.ErrorMessage(),
			}).Debug("ECR authorization rejected")
		}
		return Login{}, fmt.Errorf("%w: %s: %w", types.ErrAuth, host, err)
	}
	if len(out.AuthorizationData) == 0 {
		return Login{}, fmt.Errorf("%w: %s: no authorization data returned", types.ErrAuth, host)
	}
	data := out.AuthorizationData[0]
	l, err := decodeToken(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return Login{}, fmt.Errorf("%w: %s: %w", types.ErrAuth, host, err)
	}
	l.Expires = aws.ToTime(data.ExpiresAt)
	tp.logins[host] = l
	tp.log.WithFields(logrus.Fields{
		"registry": host,
		"expires":  l.Expires,
	}).Debug("ECR login refreshed")
	return l, nil
}

// decodeToken splits the base64 "user:password" authorization token
func decodeToken(token string) (Login, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return Login{}, fmt.Errorf("failed to decode authorization token: %w", err)
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok || user == "" || pass == "" {
		return Login{}, fmt.Errorf("authorization token is not user:password")
	}
	return Login{Username: user, Password: pass}, nil
}
