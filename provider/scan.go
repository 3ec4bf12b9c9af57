package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GlueOps/mirror-registry/types"
	"github.com/GlueOps/mirror-registry/types/tag"
)

// CutoffMode controls how records older than the cutoff are handled
type CutoffMode int

const (
	// StopAtCutoff ends the listing at the first record older than the cutoff, for feeds sorted newest first
	StopAtCutoff CutoffMode = iota
	// SkipBeforeCutoff ignores old records and scans the entire feed
	SkipBeforeCutoff
)

// String returns the mode name
func (m CutoffMode) String() string {
	switch m {
	case StopAtCutoff:
		return "stop"
	case SkipBeforeCutoff:
		return "skip"
	default:
		return "unknown"
	}
}

// scanner accumulates matching tags across pages
type scanner struct {
	patterns []tag.Selector
	cutoff   time.Time
	mode     CutoffMode
	tags     []string
}

func newScanner(req Request, mode CutoffMode) *scanner {
	return &scanner{
		patterns: req.Patterns,
		cutoff:   req.Cutoff,
		mode:     mode,
		tags:     []string{},
	}
}

// add processes the names that share one timestamp, returning false when the scan should stop
func (s *scanner) add(t time.Time, names ...string) bool {
	if !t.IsZero() && !s.cutoff.IsZero() && t.Before(s.cutoff) {
		// old records are never returned, only the mode decides whether the scan continues
		return s.mode == SkipBeforeCutoff
	}
	for _, name := range names {
		if name != "" && tag.MatchAny(name, s.patterns) {
			s.tags = append(s.tags, name)
		}
	}
	return true
}

// scanPage processes one page of records in order, returning false when the scan should stop
func (s *scanner) scanPage(records []tag.Record) bool {
	for _, r := range records {
		if !s.add(r.Time, r.Name) {
			return false
		}
	}
	return true
}

// fetchErr wraps a failed page request, results collected before the failure are still returned
func fetchErr(log *logrus.Logger, registry string, req Request, page int, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	log.WithFields(logrus.Fields{
		"registry":   registry,
		"repository": req.Repository,
		"page":       page,
		"err":        err,
	}).Debug("Tag listing failed")
	return fmt.Errorf("%w: %s/%s page %d: %w", types.ErrProviderFetch, registry, req.Repository, page, err)
}
