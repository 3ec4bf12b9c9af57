// Package config loads the mirror configuration file and registry credentials
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/GlueOps/mirror-registry/internal/timespan"
	"github.com/GlueOps/mirror-registry/pkg/template"
	"github.com/GlueOps/mirror-registry/types"
	"github.com/GlueOps/mirror-registry/types/ref"
	"github.com/GlueOps/mirror-registry/types/tag"
)

const (
	// DefaultParallel is the number of images processed concurrently
	DefaultParallel = 1
	// DefaultRequestDelay is the minimum spacing of tag API requests to a host
	DefaultRequestDelay = 500 * time.Millisecond
)

// Config is the parsed configuration file
type Config struct {
	Version               int                     `yaml:"version" json:"version"`
	Images                []ConfigImage           `yaml:"images" json:"images"`
	DestinationRegistries []string                `yaml:"destination_registries" json:"destination_registries"`
	RepoPrefix            string                  `yaml:"repo_prefix" json:"repo_prefix"`
	TimeSpan              string                  `yaml:"time_span" json:"time_span"`
	Parallel              int                     `yaml:"parallel" json:"parallel"`
	RunTimeout            time.Duration           `yaml:"run_timeout" json:"run_timeout"`
	RequestDelay          *time.Duration          `yaml:"request_delay" json:"request_delay"`
	Schedule              string                  `yaml:"schedule" json:"schedule"`
	Policy                Policy                  `yaml:"policy" json:"policy"`
	Registries            map[string]RegistryConf `yaml:"registries" json:"registries"`
	ECRLogin              bool                    `yaml:"ecr_login" json:"ecr_login"`
	UserAgent             string                  `yaml:"user_agent" json:"user_agent"`
}

// ConfigImage is a source repository and the tags to mirror from it
type ConfigImage struct {
	Image string   `yaml:"image" json:"image"`
	Tags  []string `yaml:"tags" json:"tags"`
}

// ConfigNew creates an empty configuration
func ConfigNew() *Config {
	c := Config{
		Images:                []ConfigImage{},
		DestinationRegistries: []string{},
		Registries:            map[string]RegistryConf{},
	}
	return &c
}

// ConfigLoadReader reads the config from an io.Reader
func ConfigLoadReader(r io.Reader) (*Config, error) {
	c := ConfigNew()
	if err := yaml.NewDecoder(r).Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", types.ErrConfig, err)
	}
	// verify loaded version is not higher than supported version
	if c.Version > 1 {
		return c, types.ErrUnsupportedConfigVersion
	}
	if err := configExpandTemplates(c); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrConfig, err)
	}
	configSetDefaults(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ConfigLoadFile loads the config from a specified filename
func ConfigLoadFile(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrConfig, err)
	}
	defer file.Close()
	return ConfigLoadReader(file)
}

// Validate checks every value that would otherwise fail after network activity has started
func (c *Config) Validate() error {
	if len(c.Images) == 0 {
		return fmt.Errorf("%w: images", types.ErrMissingInput)
	}
	if len(c.DestinationRegistries) == 0 {
		return fmt.Errorf("%w: destination_registries", types.ErrMissingInput)
	}
	for _, d := range c.DestinationRegistries {
		if d == "" || strings.ContainsAny(d, " \t@") {
			return fmt.Errorf("%w: invalid destination registry %q", types.ErrConfig, d)
		}
	}
	if _, err := timespan.Validate(c.TimeSpan); err != nil {
		return err
	}
	if c.Parallel < 1 {
		return fmt.Errorf("%w: parallel must be at least 1, received %d", types.ErrConfig, c.Parallel)
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	for name, rc := range c.Registries {
		if err := rc.Validate(); err != nil {
			return fmt.Errorf("registry %s: %w", name, err)
		}
	}
	for i, img := range c.Images {
		if _, err := ref.New(img.Image); err != nil {
			return fmt.Errorf("images[%d]: %w", i, err)
		}
		if len(img.Tags) == 0 {
			return fmt.Errorf("%w: images[%d] %s has no tags", types.ErrMissingInput, i, img.Image)
		}
		if _, _, err := tag.Split(img.Tags); err != nil {
			return fmt.Errorf("images[%d] %s: %w", i, img.Image, err)
		}
	}
	return nil
}

// Registry returns the settings for a registry with the global policy applied
func (c *Config) Registry(name string) RegistryConf {
	rc, ok := c.Registries[RegistryName(name)]
	if !ok {
		rc = RegistryConf{}
	}
	if rc.LiteralCheck == "" {
		rc.LiteralCheck = c.Policy.LiteralCheck
	}
	return rc
}

// expand templates in various parts of the config
func configExpandTemplates(c *Config) error {
	for i := range c.Images {
		val, err := template.String(c.Images[i].Image, nil)
		if err != nil {
			return err
		}
		c.Images[i].Image = strings.TrimSpace(val)
	}
	for i := range c.DestinationRegistries {
		val, err := template.String(c.DestinationRegistries[i], nil)
		if err != nil {
			return err
		}
		c.DestinationRegistries[i] = strings.TrimSuffix(strings.TrimSpace(val), "/")
	}
	val, err := template.String(c.RepoPrefix, nil)
	if err != nil {
		return err
	}
	c.RepoPrefix = strings.Trim(strings.TrimSpace(val), "/")
	return nil
}

// apply top level defaults
func configSetDefaults(c *Config) {
	if c.Parallel == 0 {
		c.Parallel = DefaultParallel
	}
	if c.RequestDelay == nil {
		d := DefaultRequestDelay
		c.RequestDelay = &d
	}
	c.Policy.setDefaults()
	// registry keys are normalized so lookups by host match
	regs := map[string]RegistryConf{}
	for name, rc := range c.Registries {
		regs[RegistryName(name)] = rc
	}
	c.Registries = regs
}
