package config

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/GlueOps/mirror-registry/types"
)

// DefaultSecretEnv holds the base64 encoded credential bundle
const DefaultSecretEnv = "SECRET_BASE64"

// Auth is the login for one registry
type Auth struct {
	Name     string   `json:"name"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	Email    string   `json:"email,omitempty"`
	APIAuth  *APIAuth `json:"api_auth,omitempty"`

	// IdentityToken is an OAuth refresh token that replaces the password
	IdentityToken string `json:"identitytoken,omitempty"`
}

// APIAuth is a separate login for the tag listing API, e.g. a GitHub token for ghcr.io
type APIAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token returns the bearer token for tag API requests, the api_auth password is preferred
func (a Auth) Token() string {
	if a.APIAuth != nil && a.APIAuth.Password != "" {
		return a.APIAuth.Password
	}
	return a.Password
}

// Credentials is the set of registry logins, at most one per registry
type Credentials struct {
	Auths  []Auth `json:"auths"`
	byName map[string]Auth
}

// CredentialsNew returns an empty set, all requests are anonymous
func CredentialsNew() *Credentials {
	return &Credentials{
		Auths:  []Auth{},
		byName: map[string]Auth{},
	}
}

// CredentialsParse decodes a base64 encoded JSON bundle
func CredentialsParse(encoded string) (*Credentials, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidCredentials, err)
	}
	c := CredentialsNew()
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidCredentials, err)
	}
	for i, a := range c.Auths {
		name := RegistryName(a.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: auths[%d] has no name", types.ErrInvalidCredentials, i)
		}
		if _, ok := c.byName[name]; ok {
			return nil, fmt.Errorf("%w: duplicate entry for %s", types.ErrInvalidCredentials, name)
		}
		c.Auths[i].Name = name
		c.byName[name] = c.Auths[i]
	}
	return c, nil
}

// CredentialsLoadEnv reads the bundle from an environment variable, an unset variable returns an empty set
func CredentialsLoadEnv(name string) (*Credentials, error) {
	if name == "" {
		name = DefaultSecretEnv
	}
	val, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(val) == "" {
		return CredentialsNew(), nil
	}
	return CredentialsParse(val)
}

// CredentialsLoadFile reads the bundle from a file
func CredentialsLoadFile(filename string) (*Credentials, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidCredentials, err)
	}
	return CredentialsParse(string(b))
}

// Get returns the login for a registry
func (c *Credentials) Get(registry string) (Auth, bool) {
	if c == nil {
		return Auth{}, false
	}
	a, ok := c.byName[RegistryName(registry)]
	return a, ok
}

// Token returns the tag API token for a registry, empty for anonymous access
func (c *Credentials) Token(registry string) string {
	a, ok := c.Get(registry)
	if !ok {
		return ""
	}
	return a.Token()
}

// Names returns the sorted registry names in the set
func (c *Credentials) Names() []string {
	if c == nil {
		return []string{}
	}
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
