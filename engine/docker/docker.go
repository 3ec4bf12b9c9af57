// Package docker pulls, tags, and pushes images through the Docker engine API
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	// crypto libraries included for go-digest
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	mirror "github.com/GlueOps/mirror-registry"
	"github.com/GlueOps/mirror-registry/config"
	"github.com/GlueOps/mirror-registry/types"
	"github.com/GlueOps/mirror-registry/types/ref"
)

// API is the subset of the docker client used by the engine
type API interface {
	RegistryLogin(ctx context.Context, auth registry.AuthConfig) (registry.AuthenticateOKBody, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageTag(ctx context.Context, source, target string) error
	ImagePush(ctx context.Context, image string, options image.PushOptions) (io.ReadCloser, error)
	Close() error
}

// AuthFunc returns a stored login for a registry, used when Login was not called for it
type AuthFunc func(registry string) (config.Auth, bool)

// Engine implements the container engine of a mirror run on a Docker daemon
type Engine struct {
	api   API
	host  string
	authF AuthFunc
	log   *logrus.Logger
	mu    sync.Mutex
	auths map[string]registry.AuthConfig

	// rejected registries are accessed anonymously after a failed login
	rejected map[string]bool
}

// Opt configures the Engine
type Opt func(*Engine)

// pushResult is the aux message at the end of a push
type pushResult struct {
	Tag    string
	Digest string
	Size   int
}

// New connects to the Docker daemon from the environment unless an API is provided
func New(opts ...Opt) (*Engine, error) {
	e := &Engine{
		log:      &logrus.Logger{Out: io.Discard},
		auths:    map[string]registry.AuthConfig{},
		rejected: map[string]bool{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.api == nil {
		copts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if e.host != "" {
			copts = append(copts, client.WithHost(e.host))
		}
		c, err := client.NewClientWithOpts(copts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		e.api = c
	}
	return e, nil
}

// WithAPI uses an existing docker client
func WithAPI(api API) Opt {
	return func(e *Engine) {
		e.api = api
	}
}

// WithHost overrides DOCKER_HOST
func WithHost(host string) Opt {
	return func(e *Engine) {
		e.host = host
	}
}

// WithAuthFunc sets the fallback for registries without a login
func WithAuthFunc(fn AuthFunc) Opt {
	return func(e *Engine) {
		e.authF = fn
	}
}

// WithLog injects a logrus Logger
func WithLog(log *logrus.Logger) Opt {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// Close releases the docker client
func (e *Engine) Close() error {
	return e.api.Close()
}

// Login verifies the credentials with the daemon and keeps them for later pulls and pushes.
// After a rejected login the registry is accessed anonymously until a login succeeds.
func (e *Engine) Login(ctx context.Context, username, password, host string) error {
	name := config.RegistryName(host)
	ac := registry.AuthConfig{
		Username:      username,
		Password:      password,
		ServerAddress: serverAddress(name),
	}
	resp, err := e.api.RegistryLogin(ctx, ac)
	if err != nil {
		e.reject(name)
		return fmt.Errorf("%w: %s: %w", types.ErrAuth, host, err)
	}
	if mirror.HasErrorKeyword(resp.Status) {
		e.reject(name)
		return fmt.Errorf("%w: %s: %s", types.ErrAuth, host, resp.Status)
	}
	if resp.IdentityToken != "" {
		ac.Password = ""
		ac.IdentityToken = resp.IdentityToken
	}
	e.mu.Lock()
	e.auths[name] = ac
	delete(e.rejected, name)
	e.mu.Unlock()
	e.log.WithFields(logrus.Fields{
		"registry": name,
		"status":   resp.Status,
	}).Debug("Registry login")
	return nil
}

func (e *Engine) reject(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.auths, name)
	e.rejected[name] = true
}

// Pull fetches image:tag, failures wrap ErrImageNotFound
func (e *Engine) Pull(ctx context.Context, img, tag string) error {
	refStr := img + ":" + tag
	auth, err := e.registryAuth(img)
	if err != nil {
		return err
	}
	rc, err := e.api.ImagePull(ctx, refStr, image.PullOptions{RegistryAuth: auth})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", types.ErrImageNotFound, refStr, err)
	}
	out, _, err := e.readStream(rc)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", types.ErrImageNotFound, refStr, err)
	}
	e.log.WithFields(logrus.Fields{
		"image":  refStr,
		"status": lastLine(out),
	}).Debug("Pulled image")
	return nil
}

// Tag adds destination:tag to the local image:tag
func (e *Engine) Tag(ctx context.Context, img, destination, tag string) error {
	return e.api.ImageTag(ctx, img+":"+tag, destination+":"+tag)
}

// Push uploads destination:tag and returns the status text of the daemon.
// Failures reported in the stream wrap ErrPushFailed.
func (e *Engine) Push(ctx context.Context, destination, tag string) (string, error) {
	refStr := destination + ":" + tag
	auth, err := e.registryAuth(destination)
	if err != nil {
		return "", err
	}
	rc, err := e.api.ImagePush(ctx, refStr, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", types.ErrPushFailed, refStr, err)
	}
	out, result, err := e.readStream(rc)
	if err != nil {
		return out, fmt.Errorf("%w: %s: %w", types.ErrPushFailed, refStr, err)
	}
	if result.Digest != "" {
		dig, err := digest.Parse(result.Digest)
		if err != nil {
			return out, fmt.Errorf("%w: %s: invalid digest %q: %w", types.ErrPushFailed, refStr, result.Digest, err)
		}
		e.log.WithFields(logrus.Fields{
			"image":  refStr,
			"digest": dig.String(),
			"size":   result.Size,
		}).Debug("Pushed image")
	}
	return out, nil
}

// readStream drains a progress stream, returning its text and the aux push result.
// An error message in the stream is returned as the error.
func (e *Engine) readStream(rc io.ReadCloser) (string, pushResult, error) {
	defer rc.Close()
	var sb strings.Builder
	var result pushResult
	err := jsonmessage.DisplayJSONMessagesStream(rc, &sb, 0, false, func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil {
			return
		}
		if err := json.Unmarshal(*msg.Aux, &result); err != nil {
			e.log.WithFields(logrus.Fields{
				"aux": string(*msg.Aux),
				"err": err,
			}).Debug("Unknown aux message")
		}
	})
	return sb.String(), result, err
}

// registryAuth encodes the login for the registry of an image, empty when anonymous
func (e *Engine) registryAuth(img string) (string, error) {
	r, err := ref.New(img)
	if err != nil {
		return "", err
	}
	name := config.RegistryName(r.Registry)
	e.mu.Lock()
	ac, ok := e.auths[name]
	rejected := e.rejected[name]
	e.mu.Unlock()
	if rejected {
		return "", nil
	}
	if !ok && e.authF != nil {
		if a, found := e.authF(name); found {
			ac = registry.AuthConfig{
				Username:      a.Username,
				Password:      a.Password,
				ServerAddress: serverAddress(name),
			}
			if a.IdentityToken != "" {
				ac.Password = ""
				ac.IdentityToken = a.IdentityToken
			}
			ok = true
		}
	}
	if !ok {
		return "", nil
	}
	return registry.EncodeAuthConfig(ac)
}

func serverAddress(name string) string {
	if name == ref.DockerRegistry {
		return config.DockerRegistryAuth
	}
	return name
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}
