package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/GlueOps/mirror-registry/config"
	"github.com/GlueOps/mirror-registry/provider"
	"github.com/GlueOps/mirror-registry/types"
	"github.com/GlueOps/mirror-registry/types/ref"
)

// ErrorKeywords mark a failure in an engine status message
var ErrorKeywords = []string{"error", "permission_denied", "denied", "errorDetail", "fail", "unauthorized"}

// HasErrorKeyword reports whether msg contains any of ErrorKeywords
func HasErrorKeyword(msg string) bool {
	for _, k := range ErrorKeywords {
		if strings.Contains(msg, k) {
			return true
		}
	}
	return false
}

// Engine pulls, tags, and pushes images, implemented by engine/docker
type Engine interface {
	Login(ctx context.Context, username, password, registry string) error
	Pull(ctx context.Context, image, tag string) error
	Tag(ctx context.Context, image, destination, tag string) error
	Push(ctx context.Context, destination, tag string) (string, error)
}

// Failure is a single failed step of a run
type Failure struct {
	Registry    string `json:"registry,omitempty"`
	Image       string `json:"image,omitempty"`
	Tag         string `json:"tag,omitempty"`
	Destination string `json:"destination,omitempty"`
	Err         error  `json:"-"`
}

// Report summarizes a run
type Report struct {
	mu       sync.Mutex
	Images   int       `json:"images"`
	Resolved int       `json:"resolved"`
	Pulled   int       `json:"pulled"`
	Pushed   int       `json:"pushed"`
	Failures []Failure `json:"failures"`
}

func (r *Report) add(images, resolved, pulled, pushed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Images += images
	r.Resolved += resolved
	r.Pulled += pulled
	r.Pushed += pushed
}

func (r *Report) fail(f Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failures = append(r.Failures, f)
}

// Log writes the summary and each failure
func (r *Report) Log(log *logrus.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.Failures {
		log.WithFields(logrus.Fields{
			"registry":    f.Registry,
			"image":       f.Image,
			"tag":         f.Tag,
			"destination": f.Destination,
			"err":         f.Err,
		}).Warn("Mirror failure")
	}
	log.WithFields(logrus.Fields{
		"images":   r.Images,
		"resolved": r.Resolved,
		"pulled":   r.Pulled,
		"pushed":   r.Pushed,
		"failures": len(r.Failures),
	}).Info("Mirror summary")
}

// Destination returns {registry}/{prefix/}{repoName}:{tag}
func Destination(registry, prefix, repoName, tag string) string {
	return ref.Ref{Name: repoName}.Destination(registry, prefix, tag)
}

// Run logs in to every registry, then resolves and mirrors each image
func (m *Mirror) Run(ctx context.Context) (*Report, error) {
	rep := &Report{Failures: []Failure{}}
	if m.engine == nil {
		return rep, fmt.Errorf("%w: container engine", types.ErrMissingInput)
	}
	if m.conf.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.conf.RunTimeout)
		defer cancel()
	}
	if err := m.login(ctx, rep); err != nil {
		return rep, err
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(m.parallel())
	for _, spec := range ImageSpecs(m.conf) {
		spec := spec
		eg.Go(func() error {
			set, err := m.Resolve(ctx, spec)
			if err != nil {
				return err
			}
			if set.Partial != nil {
				rep.fail(Failure{Image: spec.Image, Err: set.Partial})
			}
			return m.MirrorImage(ctx, set, rep)
		})
	}
	err := eg.Wait()
	return rep, err
}

// MirrorImage pulls each tag once and pushes it to every destination registry.
// Failures follow the pull_failure and push_failure policies.
func (m *Mirror) MirrorImage(ctx context.Context, set ResolvedTagSet, rep *Report) error {
	if rep == nil {
		rep = &Report{}
	}
	if m.engine == nil {
		return fmt.Errorf("%w: container engine", types.ErrMissingInput)
	}
	tags := set.Unique()
	rep.add(1, len(tags), 0, 0)
	src := set.Image.Source()
	for _, t := range tags {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.engine.Pull(ctx, src, t); err != nil {
			if !errors.Is(err, types.ErrImageNotFound) {
				err = fmt.Errorf("%w: %s:%s: %w", types.ErrImageNotFound, src, t, err)
			}
			m.log.WithFields(logrus.Fields{
				"image": src,
				"tag":   t,
				"err":   err,
			}).Error("Failed to pull image")
			rep.fail(Failure{Image: src, Tag: t, Err: err})
			if m.conf.Policy.PullFailure == config.FailureAbort {
				return err
			}
			continue
		}
		rep.add(0, 0, 1, 0)
		for _, dest := range m.conf.DestinationRegistries {
			if err := ctx.Err(); err != nil {
				return err
			}
			target := Destination(dest, m.conf.RepoPrefix, set.Image.Name, "")
			err := m.push(ctx, src, target, t)
			if err != nil {
				m.log.WithFields(logrus.Fields{
					"image":       src,
					"tag":         t,
					"destination": target,
					"err":         err,
				}).Error("Failed to push image")
				rep.fail(Failure{Image: src, Tag: t, Destination: target, Err: err})
				if m.conf.Policy.PushFailure == config.FailureAbort {
					return err
				}
				continue
			}
			rep.add(0, 0, 0, 1)
			m.log.WithFields(logrus.Fields{
				"image":       src,
				"tag":         t,
				"destination": target,
			}).Info("Mirrored image")
		}
	}
	return nil
}

func (m *Mirror) push(ctx context.Context, src, target, t string) error {
	if err := m.engine.Tag(ctx, src, target, t); err != nil {
		return fmt.Errorf("%w: tag %s:%s: %w", types.ErrPushFailed, target, t, err)
	}
	result, err := m.engine.Push(ctx, target, t)
	if err != nil {
		if errors.Is(err, types.ErrPushFailed) {
			return err
		}
		return fmt.Errorf("%w: %s:%s: %w", types.ErrPushFailed, target, t, err)
	}
	if pushResultFailed(result, target, t) {
		return fmt.Errorf("%w: %s:%s: %s", types.ErrPushFailed, target, t, strings.TrimSpace(result))
	}
	return nil
}

// pushResultFailed scans push output for error keywords.
// The repository and tag are echoed in the progress lines and are removed first.
func pushResultFailed(result, target, tag string) bool {
	result = strings.ReplaceAll(result, target, "")
	if tag != "" {
		result = strings.ReplaceAll(result, tag, "")
	}
	return HasErrorKeyword(result)
}

// login authenticates the engine with each bundle entry and any ECR destination
func (m *Mirror) login(ctx context.Context, rep *Report) error {
	for _, name := range m.creds.Names() {
		a, _ := m.creds.Get(name)
		if err := m.loginOne(ctx, rep, name, a.Username, a.Password); err != nil {
			return err
		}
	}
	if !m.conf.ECRLogin || m.ecr == nil {
		return nil
	}
	for _, dest := range m.conf.DestinationRegistries {
		host, _, _ := strings.Cut(dest, "/")
		if !provider.IsECRHost(host) {
			continue
		}
		if _, ok := m.creds.Get(host); ok {
			continue
		}
		l, err := m.ecr.Get(ctx, host)
		if err != nil {
			if !errors.Is(err, types.ErrAuth) {
				err = fmt.Errorf("%w: %s: %w", types.ErrAuth, host, err)
			}
			if ferr := m.authFailed(rep, host, err); ferr != nil {
				return ferr
			}
			continue
		}
		if err := m.loginOne(ctx, rep, host, l.Username, l.Password); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror) loginOne(ctx context.Context, rep *Report, registry, user, pass string) error {
	err := m.engine.Login(ctx, user, pass, registry)
	if err == nil {
		m.log.WithFields(logrus.Fields{
			"registry": registry,
			"user":     user,
		}).Debug("Logged in")
		return nil
	}
	if !errors.Is(err, types.ErrAuth) {
		err = fmt.Errorf("%w: %s: %w", types.ErrAuth, registry, err)
	}
	return m.authFailed(rep, registry, err)
}

// authFailed records a failed login, returning the error when the policy aborts the run
func (m *Mirror) authFailed(rep *Report, registry string, err error) error {
	m.log.WithFields(logrus.Fields{
		"registry": registry,
		"err":      err,
	}).Error("Registry login failed")
	rep.fail(Failure{Registry: registry, Err: err})
	if m.conf.Policy.AuthFailure == config.AuthContinue {
		return nil
	}
	return err
}
