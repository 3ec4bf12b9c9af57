package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/GlueOps/mirror-registry/types"
	"github.com/GlueOps/mirror-registry/types/ref"
)

// AuthPolicy selects the behavior when a registry login fails
type AuthPolicy string

// FailurePolicy selects the behavior when a pull or push fails
type FailurePolicy string

// LiteralCheck selects how literal tags are verified before mirroring
type LiteralCheck string

const (
	// AuthAbort stops the run on the first failed login
	AuthAbort AuthPolicy = "abort"
	// AuthContinue logs the failed login and continues anonymously
	AuthContinue AuthPolicy = "continue"

	// FailureSkip logs the failure and continues with the next tag
	FailureSkip FailurePolicy = "skip"
	// FailureAbort stops the run
	FailureAbort FailurePolicy = "abort"

	// LiteralNone trusts literal tags without a request
	LiteralNone LiteralCheck = "none"
	// LiteralManifest keeps a literal tag only when the registry returns its manifest
	LiteralManifest LiteralCheck = "manifest"

	// APIOCI lists tags with the distribution tag list API
	APIOCI = "oci"
)

// Policy groups the failure handling settings
type Policy struct {
	AuthFailure  AuthPolicy    `yaml:"auth_failure" json:"auth_failure"`
	PullFailure  FailurePolicy `yaml:"pull_failure" json:"pull_failure"`
	PushFailure  FailurePolicy `yaml:"push_failure" json:"push_failure"`
	LiteralCheck LiteralCheck  `yaml:"literal_check" json:"literal_check"`
}

func (p *Policy) setDefaults() {
	if p.AuthFailure == "" {
		p.AuthFailure = AuthAbort
	}
	if p.PullFailure == "" {
		p.PullFailure = FailureSkip
	}
	if p.PushFailure == "" {
		p.PushFailure = FailureSkip
	}
	if p.LiteralCheck == "" {
		p.LiteralCheck = LiteralNone
	}
}

// Validate rejects unknown policy values
func (p Policy) Validate() error {
	switch p.AuthFailure {
	case AuthAbort, AuthContinue:
	default:
		return fmt.Errorf("%w: unknown auth_failure policy %q", types.ErrConfig, p.AuthFailure)
	}
	for name, fp := range map[string]FailurePolicy{"pull_failure": p.PullFailure, "push_failure": p.PushFailure} {
		switch fp {
		case FailureSkip, FailureAbort:
		default:
			return fmt.Errorf("%w: unknown %s policy %q", types.ErrConfig, name, fp)
		}
	}
	return p.LiteralCheck.validate(false)
}

func (l LiteralCheck) validate(allowEmpty bool) error {
	switch l {
	case LiteralNone, LiteralManifest:
		return nil
	case "":
		if allowEmpty {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown literal_check %q", types.ErrConfig, l)
}

// TLSConf specifies whether TLS is enabled for a host
type TLSConf int

const (
	// TLSUndefined indicates TLS is not passed, defaults to Enabled
	TLSUndefined TLSConf = iota
	// TLSEnabled uses TLS (https) for the connection
	TLSEnabled
	// TLSDisabled does not use TLS (http)
	TLSDisabled
)

// MarshalJSON converts to a json string using MarshalText
func (t TLSConf) MarshalJSON() ([]byte, error) {
	s, err := t.MarshalText()
	if err != nil {
		return []byte(""), err
	}
	return json.Marshal(string(s))
}

// MarshalText converts TLSConf to a string
func (t TLSConf) MarshalText() ([]byte, error) {
	var s string
	switch t {
	default:
		s = ""
	case TLSEnabled:
		s = "enabled"
	case TLSDisabled:
		s = "disabled"
	}
	return []byte(s), nil
}

// UnmarshalText converts TLSConf from a string
func (t *TLSConf) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	default:
		return fmt.Errorf("unknown TLS value \"%s\"", b)
	case "":
		*t = TLSUndefined
	case "enabled":
		*t = TLSEnabled
	case "disabled":
		*t = TLSDisabled
	}
	return nil
}

// UnmarshalYAML converts TLSConf from a yaml string
func (t *TLSConf) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return t.UnmarshalText([]byte(s))
}

// RegistryConf overrides settings for a single registry host
type RegistryConf struct {
	API          string       `yaml:"api" json:"api,omitempty"`
	LiteralCheck LiteralCheck `yaml:"literal_check" json:"literal_check,omitempty"`
	TLS          TLSConf      `yaml:"tls" json:"tls,omitempty"`
}

// Validate rejects unknown values
func (rc RegistryConf) Validate() error {
	switch rc.API {
	case "", APIOCI:
	default:
		return fmt.Errorf("%w: unknown api %q", types.ErrConfig, rc.API)
	}
	return rc.LiteralCheck.validate(true)
}

// PlainHTTP is true when TLS is disabled for the registry
func (rc RegistryConf) PlainHTTP() bool {
	return rc.TLS == TLSDisabled
}

// RegistryName normalizes a registry name from configuration, credentials, or docker's config
func RegistryName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, "https://")
	name = strings.TrimPrefix(name, "http://")
	if i := strings.Index(name, "/"); i >= 0 {
		name = name[:i]
	}
	switch name {
	case ref.DockerRegistryDNS, ref.DockerRegistryLegacy:
		return ref.DockerRegistry
	}
	return name
}
