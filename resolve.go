package mirror

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/GlueOps/mirror-registry/config"
	"github.com/GlueOps/mirror-registry/internal/timespan"
	"github.com/GlueOps/mirror-registry/provider"
	"github.com/GlueOps/mirror-registry/types"
	"github.com/GlueOps/mirror-registry/types/ref"
	"github.com/GlueOps/mirror-registry/types/tag"
)

// ImageSpec is a source image and its tag selectors
type ImageSpec struct {
	Image string
	Tags  []string
}

// ImageSpecs returns the images of a configuration in order
func ImageSpecs(conf *config.Config) []ImageSpec {
	specs := make([]ImageSpec, 0, len(conf.Images))
	for _, img := range conf.Images {
		specs = append(specs, ImageSpec{Image: img.Image, Tags: img.Tags})
	}
	return specs
}

// ResolvedTagSet is the result of resolving one image
type ResolvedTagSet struct {
	Image    ref.Ref
	Literals []string // literal selectors kept, in selector order
	Matched  []string // pattern matches, in discovery order
	Partial  error    // provider failure, Matched holds the tags listed before it
}

// Tags returns the literals followed by the matched tags, duplicates are not removed
func (r ResolvedTagSet) Tags() []string {
	tags := make([]string, 0, len(r.Literals)+len(r.Matched))
	tags = append(tags, r.Literals...)
	tags = append(tags, r.Matched...)
	return tags
}

// Unique returns Tags with duplicates removed, keeping the first occurrence
func (r ResolvedTagSet) Unique() []string {
	seen := map[string]bool{}
	tags := []string{}
	for _, t := range r.Tags() {
		if seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	return tags
}

// Resolve returns the tags of an image selected by literals and patterns within the time span.
// Configuration errors are returned before any request.
// An unknown registry or a failed listing only reduces the pattern matches.
func (m *Mirror) Resolve(ctx context.Context, spec ImageSpec) (ResolvedTagSet, error) {
	r, err := ref.New(spec.Image)
	if err != nil {
		return ResolvedTagSet{}, err
	}
	set := ResolvedTagSet{
		Image:    r,
		Literals: []string{},
		Matched:  []string{},
	}
	literals, patterns, err := tag.Split(spec.Tags)
	if err != nil {
		return set, fmt.Errorf("%s: %w", spec.Image, err)
	}
	cutoff, err := timespan.Cutoff(m.conf.TimeSpan, m.clock())
	if err != nil {
		return set, err
	}
	set.Literals = m.checkLiterals(ctx, r, literals)
	if len(patterns) == 0 {
		return set, nil
	}

	p, ok := m.providers.Lookup(r.Registry)
	if !ok {
		m.log.WithFields(logrus.Fields{
			"image":    spec.Image,
			"registry": r.Registry,
			"err":      types.ErrUnknownRegistry,
		}).Warn("Skipping tag patterns")
		return set, nil
	}
	m.log.WithFields(logrus.Fields{
		"image":    spec.Image,
		"patterns": len(patterns),
		"cutoff":   cutoff,
	}).Debug("Listing tags")
	matched, err := p.ListTags(ctx, provider.Request{
		Registry:   r.Registry,
		Repository: r.Repository,
		Token:      m.creds.Token(r.Registry),
		Patterns:   patterns,
		Cutoff:     cutoff,
	})
	if matched != nil {
		set.Matched = matched
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return set, err
		}
		set.Partial = err
		m.log.WithFields(logrus.Fields{
			"image":   spec.Image,
			"matched": len(set.Matched),
			"err":     err,
		}).Warn("Tag listing incomplete")
	}
	m.log.WithFields(logrus.Fields{
		"image": spec.Image,
		"tags":  set.Tags(),
	}).Info("Resolved tags")
	return set, nil
}

// ResolveAll resolves images with up to parallel workers, results are in the order of specs
func (m *Mirror) ResolveAll(ctx context.Context, specs []ImageSpec) ([]ResolvedTagSet, error) {
	results := make([]ResolvedTagSet, len(specs))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(m.parallel())
	for i, spec := range specs {
		i, spec := i, spec
		eg.Go(func() error {
			set, err := m.Resolve(ctx, spec)
			if err != nil {
				return err
			}
			results[i] = set
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// checkLiterals applies the literal_check strategy of the registry
func (m *Mirror) checkLiterals(ctx context.Context, r ref.Ref, literals []string) []string {
	if len(literals) == 0 || m.conf.Registry(r.Registry).LiteralCheck != config.LiteralManifest || m.manifest == nil {
		return literals
	}
	kept := []string{}
	for _, lit := range literals {
		exists, err := m.manifest.Exists(ctx, r.Registry, r.Repository, lit)
		if err != nil {
			m.log.WithFields(logrus.Fields{
				"image": r.CommonName(),
				"tag":   lit,
				"err":   err,
			}).Warn("Literal tag check failed, keeping tag")
			kept = append(kept, lit)
			continue
		}
		if !exists {
			m.log.WithFields(logrus.Fields{
				"image": r.CommonName(),
				"tag":   lit,
			}).Info("Literal tag not found, skipping")
			continue
		}
		kept = append(kept, lit)
	}
	return kept
}

func (m *Mirror) parallel() int {
	if m.conf.Parallel < 1 {
		return config.DefaultParallel
	}
	return m.conf.Parallel
}
