// Package ref parses the image references used in a mirror configuration
package ref

import (
	"fmt"
	"strings"

	"github.com/docker/distribution/reference"

	"github.com/GlueOps/mirror-registry/types"
)

const (
	// DockerRegistry is the name resolved in docker images on Hub
	DockerRegistry = "docker.io"
	// DockerRegistryDNS is the host to connect to for Hub
	DockerRegistryDNS = "registry-1.docker.io"
	// DockerRegistryLegacy is the legacy index name for Hub
	DockerRegistryLegacy = "index.docker.io"
)

// Ref is a reference to a source repository.
// Registry and Repository are normalized the way docker normalizes names,
// Name is the repository path as written in the configuration, used to build destinations.
type Ref struct {
	Reference  string // unparsed string
	Registry   string // server, host:port
	Repository string // normalized path on server, "library/nginx"
	Name       string // path as written without the registry, "nginx"
	Tag        string
}

// New parses an image reference, a missing registry defaults to Docker Hub
func New(image string) (Ref, error) {
	ret := Ref{
		Reference: image,
	}
	if image == "" {
		return ret, fmt.Errorf("%w: empty reference", types.ErrInvalidReference)
	}
	normalized := image
	domain, rest, explicit := splitDomain(image)
	if explicit && domain == DockerRegistryDNS {
		normalized = DockerRegistry + "/" + rest
	}
	parsed, err := reference.ParseNormalizedNamed(normalized)
	if err != nil {
		return ret, fmt.Errorf("%w: %s: %v", types.ErrInvalidReference, image, err)
	}
	if _, ok := parsed.(reference.Digested); ok {
		return ret, fmt.Errorf("%w: digests are not supported: %s", types.ErrInvalidReference, image)
	}
	ret.Registry = reference.Domain(parsed)
	ret.Repository = reference.Path(parsed)
	if tagged, ok := parsed.(reference.Tagged); ok {
		ret.Tag = tagged.Tag()
		rest = strings.TrimSuffix(rest, ":"+ret.Tag)
	}
	ret.Name = rest
	return ret, nil
}

// CommonName outputs a parsable name from a reference
func (r Ref) CommonName() string {
	if r.Repository == "" {
		return ""
	}
	cn := r.Registry + "/" + r.Repository
	if r.Tag != "" {
		cn = cn + ":" + r.Tag
	}
	return cn
}

// Source returns the image name to pull from, without a tag
func (r Ref) Source() string {
	return r.Registry + "/" + r.Repository
}

// SetTag returns a copy of the reference with the tag changed
func (r Ref) SetTag(tag string) Ref {
	r.Tag = tag
	return r
}

// Destination returns the reference for a mirrored tag: {registry}/{prefix/}{name}:{tag}
func (r Ref) Destination(registry, prefix, tag string) string {
	registry = strings.TrimSuffix(registry, "/")
	prefix = strings.Trim(prefix, "/")
	dest := registry + "/"
	if prefix != "" {
		dest = dest + prefix + "/"
	}
	dest = dest + r.Name
	if tag != "" {
		dest = dest + ":" + tag
	}
	return dest
}

// splitDomain returns the first path segment when it names a registry host
func splitDomain(image string) (string, string, bool) {
	i := strings.IndexRune(image, '/')
	if i < 0 {
		return "", image, false
	}
	first := image[:i]
	if first != "localhost" && !strings.ContainsAny(first, ".:") && strings.ToLower(first) == first {
		return "", image, false
	}
	return first, image[i+1:], true
}
