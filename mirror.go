// Package mirror resolves the tags of configured source images and republishes them to destination registries
package mirror

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GlueOps/mirror-registry/config"
	"github.com/GlueOps/mirror-registry/internal/auth"
	"github.com/GlueOps/mirror-registry/internal/ecrlogin"
	"github.com/GlueOps/mirror-registry/internal/reghttp"
	"github.com/GlueOps/mirror-registry/internal/version"
	"github.com/GlueOps/mirror-registry/provider"
	"github.com/GlueOps/mirror-registry/types"
)

// DefaultUserAgent is the product name sent to registries, the build version is appended
const DefaultUserAgent = "regmirror"

// ECRLogin returns docker credentials for a private ECR registry
type ECRLogin interface {
	Get(ctx context.Context, host string) (ecrlogin.Login, error)
}

// Mirror holds everything a run needs, built once in the entry point
type Mirror struct {
	conf      *config.Config
	creds     *config.Credentials
	docker    *config.DockerCreds
	client    *reghttp.Client
	providers *provider.Registry
	manifest  provider.LiteralChecker
	engine    Engine
	ecr       ECRLogin
	log       *logrus.Logger
	clock     func() time.Time
	userAgent string
}

// Opt configures a Mirror
type Opt func(*Mirror)

// New returns a Mirror for a loaded configuration
func New(conf *config.Config, opts ...Opt) (*Mirror, error) {
	if conf == nil {
		return nil, fmt.Errorf("%w: configuration", types.ErrMissingInput)
	}
	m := &Mirror{
		conf:      conf,
		creds:     config.CredentialsNew(),
		log:       &logrus.Logger{Out: io.Discard},
		clock:     time.Now,
		userAgent: version.GetInfo().UserAgent(DefaultUserAgent),
	}
	if conf.UserAgent != "" {
		m.userAgent = conf.UserAgent
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.client == nil {
		delay := config.DefaultRequestDelay
		if conf.RequestDelay != nil {
			delay = *conf.RequestDelay
		}
		m.client = reghttp.New(
			reghttp.WithDelay(delay),
			reghttp.WithUserAgent(m.userAgent),
			reghttp.WithLog(m.log),
		)
	}
	regAuth := auth.New(
		auth.WithCreds(m.authCred),
		auth.WithHTTPClient(m.client.HTTPClient()),
		auth.WithClientID(DefaultUserAgent),
		auth.WithLog(m.log),
	)
	if m.providers == nil {
		m.providers = provider.NewRegistry(m.client, provider.WithLog(m.log))
		m.providers.RegisterMatcher(provider.IsECRHost, provider.NewECR(nil, provider.WithLog(m.log)))
	}
	for name, rc := range conf.Registries {
		if rc.API == config.APIOCI {
			m.providers.Register(name, provider.NewOCI(m.client, name, rc.PlainHTTP(),
				provider.WithAuth(regAuth), provider.WithLog(m.log)))
			m.log.WithFields(logrus.Fields{
				"registry":  name,
				"plainHTTP": rc.PlainHTTP(),
			}).Debug("Registered OCI tag provider")
		}
	}
	if m.manifest == nil {
		mc := provider.NewManifestChecker(m.client, provider.WithAuth(regAuth), provider.WithLog(m.log))
		for name, rc := range conf.Registries {
			mc.SetPlainHTTP(name, rc.PlainHTTP())
		}
		m.manifest = mc
	}
	if m.ecr == nil && conf.ECRLogin {
		m.ecr = ecrlogin.New(ecrlogin.WithLog(m.log))
	}
	return m, nil
}

// Config returns the configuration of the mirror
func (m *Mirror) Config() *config.Config {
	return m.conf
}

// WithCredentials sets the registry credential bundle
func WithCredentials(c *config.Credentials) Opt {
	return func(m *Mirror) {
		if c != nil {
			m.creds = c
		}
	}
}

// WithDockerCreds adds docker's config as a fallback for registry challenges
func WithDockerCreds(d *config.DockerCreds) Opt {
	return func(m *Mirror) {
		m.docker = d
	}
}

// WithEngine sets the container engine used by Run
func WithEngine(e Engine) Opt {
	return func(m *Mirror) {
		m.engine = e
	}
}

// WithProviders replaces the default tag provider table
func WithProviders(r *provider.Registry) Opt {
	return func(m *Mirror) {
		m.providers = r
	}
}

// WithLiteralChecker replaces the manifest request used by literal_check=manifest
func WithLiteralChecker(lc provider.LiteralChecker) Opt {
	return func(m *Mirror) {
		m.manifest = lc
	}
}

// WithECRLogin replaces the ECR token source used when ecr_login is enabled
func WithECRLogin(e ECRLogin) Opt {
	return func(m *Mirror) {
		m.ecr = e
	}
}

// WithHTTPClient shares a paced client, e.g. between repeated scheduled runs
func WithHTTPClient(c *reghttp.Client) Opt {
	return func(m *Mirror) {
		m.client = c
	}
}

// WithClock sets the time source for the recency cutoff
func WithClock(now func() time.Time) Opt {
	return func(m *Mirror) {
		if now != nil {
			m.clock = now
		}
	}
}

// WithLog injects a logrus Logger
func WithLog(log *logrus.Logger) Opt {
	return func(m *Mirror) {
		if log != nil {
			m.log = log
		}
	}
}

// WithUserAgent overrides the User-Agent header
func WithUserAgent(ua string) Opt {
	return func(m *Mirror) {
		if ua != "" {
			m.userAgent = ua
		}
	}
}

// authCred answers registry challenges from the bundle, then docker's config
func (m *Mirror) authCred(host string) auth.Cred {
	a, ok := config.EngineAuth(m.creds, m.docker, host)
	if !ok {
		return auth.Cred{}
	}
	return auth.Cred{User: a.Username, Password: a.Password, RefreshToken: a.IdentityToken}
}
