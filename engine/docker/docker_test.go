package docker

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"

	mirror "github.com/GlueOps/mirror-registry"
	"github.com/GlueOps/mirror-registry/config"
	"github.com/GlueOps/mirror-registry/types"
)

var _ mirror.Engine = (*Engine)(nil)

var testDigest = "sha256:" + strings.Repeat("a", 64)

type fakeAPI struct {
	mu       sync.Mutex
	loginErr error
	loginTok string
	loginMsg string
	logins   []registry.AuthConfig
	pullErr  error
	pullOut  string
	pulls    map[string]string
	tags     []string
	pushOut  string
	pushes   map[string]string
	closed   bool
}

func (f *fakeAPI) RegistryLogin(ctx context.Context, auth registry.AuthConfig) (registry.AuthenticateOKBody, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, auth)
	if f.loginErr != nil {
		return registry.AuthenticateOKBody{}, f.loginErr
	}
	status := "Login Succeeded"
	if f.loginMsg != "" {
		status = f.loginMsg
	}
	return registry.AuthenticateOKBody{Status: status, IdentityToken: f.loginTok}, nil
}

func (f *fakeAPI) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pulls == nil {
		f.pulls = map[string]string{}
	}
	f.pulls[refStr] = options.RegistryAuth
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader(f.pullOut)), nil
}

func (f *fakeAPI) ImageTag(ctx context.Context, source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, source+" "+target)
	return nil
}

func (f *fakeAPI) ImagePush(ctx context.Context, refStr string, options image.PushOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushes == nil {
		f.pushes = map[string]string{}
	}
	f.pushes[refStr] = options.RegistryAuth
	return io.NopCloser(strings.NewReader(f.pushOut)), nil
}

func (f *fakeAPI) Close() error {
	f.closed = true
	return nil
}

const pullStream = `{"status":"Pulling from myorg/app","id":"v1"}
{"status":"Pull complete","progressDetail":{},"id":"4abcf2066143"}
{"status":"Digest: sha256:aaaa"}
{"status":"Status: Downloaded newer image for myorg/app:v1"}
`

func decodeAuth(t *testing.T, enc string) registry.AuthConfig {
	t.Helper()
	if enc == "" {
		return registry.AuthConfig{}
	}
	ac, err := registry.DecodeAuthConfig(enc)
	if err != nil {
		t.Fatalf("failed to decode auth: %v", err)
	}
	return *ac
}

func TestPull(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{pullOut: pullStream}
	authF := func(name string) (config.Auth, bool) {
		if name == "docker.io" {
			return config.Auth{Username: "hubuser", Password: "hubpass"}, true
		}
		return config.Auth{}, false
	}
	e, err := New(WithAPI(api), WithAuthFunc(authF))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	ctx := context.Background()
	if err := e.Login(ctx, "mirror", "secret", "reg.example.com"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	for _, img := range []string{"reg.example.com/org/app", "docker.io/myorg/app", "quay.io/org/app"} {
		if err := e.Pull(ctx, img, "v1"); err != nil {
			t.Errorf("pull %s failed: %v", img, err)
		}
	}
	tests := []struct {
		ref    string
		user   string
		server string
	}{
		{ref: "reg.example.com/org/app:v1", user: "mirror", server: "reg.example.com"},
		{ref: "docker.io/myorg/app:v1", user: "hubuser", server: config.DockerRegistryAuth},
		{ref: "quay.io/org/app:v1"},
	}
	for _, tt := range tests {
		enc, ok := api.pulls[tt.ref]
		if !ok {
			t.Errorf("missing pull of %s", tt.ref)
			continue
		}
		ac := decodeAuth(t, enc)
		if ac.Username != tt.user || ac.ServerAddress != tt.server {
			t.Errorf("%s auth, expected %s@%s, received %s@%s", tt.ref, tt.user, tt.server, ac.Username, ac.ServerAddress)
		}
	}
	if err := e.Close(); err != nil || !api.closed {
		t.Errorf("close failed: %v", err)
	}
}

func TestPullIdentityToken(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	user := "00000000-0000-0000-0000-000000000000"
	cf := `{"auths":{"myacr.azurecr.io":{"auth":"` + base64.StdEncoding.EncodeToString([]byte(user+":")) + `","identitytoken":"refresh-tok"}}}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(cf), 0600); err != nil {
		t.Fatalf("failed to write docker config: %v", err)
	}
	dockerCreds, err := config.DockerLoad(dir)
	if err != nil {
		t.Fatalf("failed to load docker config: %v", err)
	}
	api := &fakeAPI{pullOut: pullStream, pushOut: `{"status":"v1: digest: ` + testDigest + ` size: 528"}`}
	e, err := New(WithAPI(api), WithAuthFunc(func(name string) (config.Auth, bool) {
		return config.EngineAuth(config.CredentialsNew(), dockerCreds, name)
	}))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	ctx := context.Background()
	if err := e.Pull(ctx, "myacr.azurecr.io/app", "v1"); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if _, err := e.Push(ctx, "myacr.azurecr.io/app", "v1"); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	for name, enc := range map[string]string{"pull": api.pulls["myacr.azurecr.io/app:v1"], "push": api.pushes["myacr.azurecr.io/app:v1"]} {
		ac := decodeAuth(t, enc)
		if ac.IdentityToken != "refresh-tok" || ac.Password != "" || ac.Username != user {
			t.Errorf("%s auth, expected identity token login, received %+v", name, ac)
		}
		if ac.ServerAddress != "myacr.azurecr.io" {
			t.Errorf("%s server, expected myacr.azurecr.io, received %s", name, ac.ServerAddress)
		}
	}
}

func TestPullErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		api    *fakeAPI
		expect string
	}{
		{
			name:   "stream",
			api:    &fakeAPI{pullOut: `{"status":"Pulling from myorg/app","id":"v9"}` + "\n" + `{"errorDetail":{"message":"manifest unknown"},"error":"manifest unknown"}` + "\n"},
			expect: "manifest unknown",
		},
		{
			name:   "request",
			api:    &fakeAPI{pullErr: errors.New("no such host")},
			expect: "no such host",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, err := New(WithAPI(tt.api))
			if err != nil {
				t.Fatalf("failed to create engine: %v", err)
			}
			err = e.Pull(context.Background(), "docker.io/myorg/app", "v9")
			if !errors.Is(err, types.ErrImageNotFound) {
				t.Fatalf("expected image not found, received %v", err)
			}
			if !strings.Contains(err.Error(), tt.expect) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.expect)
			}
		})
	}
}

func TestPush(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		stream    string
		expectErr bool
		contains  string
	}{
		{
			name: "pushed",
			stream: `{"status":"The push refers to repository [reg.example.com/myorg/app]"}
{"status":"Pushed","progressDetail":{},"id":"4abcf2066143"}
{"status":"v1: digest: ` + testDigest + ` size: 528"}
{"progressDetail":{},"aux":{"Tag":"v1","Digest":"` + testDigest + `","Size":528}}
`,
			contains: "digest: " + testDigest,
		},
		{
			name: "denied",
			stream: `{"status":"The push refers to repository [reg.example.com/myorg/app]"}
{"errorDetail":{"message":"denied: requested access to the resource is denied"},"error":"denied: requested access to the resource is denied"}
`,
			expectErr: true,
			contains:  "The push refers",
		},
		{
			name:      "invalid digest",
			stream:    `{"progressDetail":{},"aux":{"Tag":"v1","Digest":"sha256:zz","Size":1}}` + "\n",
			expectErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api := &fakeAPI{pushOut: tt.stream}
			e, err := New(WithAPI(api))
			if err != nil {
				t.Fatalf("failed to create engine: %v", err)
			}
			out, err := e.Push(context.Background(), "reg.example.com/myorg/app", "v1")
			if tt.expectErr && !errors.Is(err, types.ErrPushFailed) {
				t.Errorf("expected push failed, received %v", err)
			} else if !tt.expectErr && err != nil {
				t.Errorf("push failed: %v", err)
			}
			if !strings.Contains(out, tt.contains) {
				t.Errorf("output %q does not contain %q", out, tt.contains)
			}
			if _, ok := api.pushes["reg.example.com/myorg/app:v1"]; !ok {
				t.Errorf("missing push request: %v", api.pushes)
			}
		})
	}
}

func TestLogin(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{loginErr: errors.New("unauthorized: incorrect username or password")}
	e, err := New(WithAPI(api))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	ctx := context.Background()
	if err := e.Login(ctx, "u", "bad", "docker.io"); !errors.Is(err, types.ErrAuth) {
		t.Errorf("expected auth error, received %v", err)
	}
	if len(api.logins) != 1 || api.logins[0].ServerAddress != config.DockerRegistryAuth {
		t.Errorf("unexpected login request: %+v", api.logins)
	}

	api.loginErr = nil
	api.loginMsg = "unauthorized: access denied"
	if err := e.Login(ctx, "u", "p", "quay.io"); !errors.Is(err, types.ErrAuth) {
		t.Errorf("expected auth error from the status message, received %v", err)
	}

	api.loginMsg = ""
	api.loginTok = "idtoken"
	api.pushOut = `{"status":"Pushed"}` + "\n"
	if err := e.Login(ctx, "u", "p", "https://ghcr.io"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := e.Push(ctx, "ghcr.io/org/app", "v1"); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	ac := decodeAuth(t, api.pushes["ghcr.io/org/app:v1"])
	if ac.IdentityToken != "idtoken" || ac.Password != "" || ac.Username != "u" {
		t.Errorf("push auth, received %+v", ac)
	}
}

func TestLoginRejected(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{pullOut: pullStream, loginErr: errors.New("unauthorized: incorrect username or password")}
	authF := func(name string) (config.Auth, bool) {
		return config.Auth{Username: "mirror", Password: "stale"}, name == "reg.example.com"
	}
	e, err := New(WithAPI(api), WithAuthFunc(authF))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	ctx := context.Background()
	if err := e.Login(ctx, "mirror", "stale", "reg.example.com"); !errors.Is(err, types.ErrAuth) {
		t.Fatalf("expected auth error, received %v", err)
	}
	if err := e.Pull(ctx, "reg.example.com/org/app", "v1"); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if enc := api.pulls["reg.example.com/org/app:v1"]; enc != "" {
		t.Errorf("rejected login was sent with the pull: %+v", decodeAuth(t, enc))
	}

	api.loginErr = nil
	if err := e.Login(ctx, "mirror", "fresh", "reg.example.com"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if err := e.Pull(ctx, "reg.example.com/org/app", "v2"); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if ac := decodeAuth(t, api.pulls["reg.example.com/org/app:v2"]); ac.Password != "fresh" {
		t.Errorf("pull after login, received %+v", ac)
	}
}

func TestTag(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	e, err := New(WithAPI(api))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if err := e.Tag(context.Background(), "docker.io/myorg/app", "reg.example.com/myorg/app", "v1"); err != nil {
		t.Fatalf("tag failed: %v", err)
	}
	if len(api.tags) != 1 || api.tags[0] != "docker.io/myorg/app:v1 reg.example.com/myorg/app:v1" {
		t.Errorf("unexpected tag requests: %v", api.tags)
	}
}
