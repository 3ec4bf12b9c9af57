package config

import (
	"fmt"

	dockercfg "github.com/docker/cli/cli/config"
	"github.com/docker/cli/cli/config/configfile"

	"github.com/GlueOps/mirror-registry/types"
	"github.com/GlueOps/mirror-registry/types/ref"
)

// DockerRegistryAuth is the name used in docker's config for Hub
const DockerRegistryAuth = "https://index.docker.io/v1/"

// DockerCreds reads logins from the docker CLI configuration, including credential helpers
type DockerCreds struct {
	cf *configfile.ConfigFile
}

// DockerLoad reads the docker config from dir, an empty dir uses $DOCKER_CONFIG or ~/.docker
func DockerLoad(dir string) (*DockerCreds, error) {
	if dir == "" {
		dir = dockercfg.Dir()
	}
	cf, err := dockercfg.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load docker config: %v", types.ErrInvalidCredentials, err)
	}
	return &DockerCreds{cf: cf}, nil
}

// Get returns the docker login for a registry
func (d *DockerCreds) Get(registry string) (Auth, bool) {
	if d == nil || d.cf == nil {
		return Auth{}, false
	}
	name := RegistryName(registry)
	key := name
	if name == ref.DockerRegistry {
		key = DockerRegistryAuth
	}
	ac, err := d.cf.GetAuthConfig(key)
	if err != nil {
		return Auth{}, false
	}
	if ac.Username == "" && ac.Password == "" && ac.IdentityToken == "" {
		return Auth{}, false
	}
	return Auth{
		Name:          name,
		Username:      ac.Username,
		Password:      ac.Password,
		IdentityToken: ac.IdentityToken,
	}, true
}

// EngineAuth returns the login used by the container engine, the bundle entry is preferred over docker's config
func EngineAuth(c *Credentials, d *DockerCreds, registry string) (Auth, bool) {
	if a, ok := c.Get(registry); ok {
		return a, true
	}
	return d.Get(registry)
}
