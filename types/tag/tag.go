// Package tag classifies tag selectors and holds the normalized tag records returned by registries
package tag

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/GlueOps/mirror-registry/types"
)

// Metachars are the characters that turn a selector into a pattern
const Metachars = `*+?[]{}()|^$\`

// Kind identifies a selector as a literal tag name or a pattern
type Kind int

const (
	// Literal selectors name a single tag
	Literal Kind = iota
	// Pattern selectors are full string regular expressions
	Pattern
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case Literal:
		return "literal"
	case Pattern:
		return "pattern"
	default:
		return "unknown"
	}
}

// Selector is a parsed tag selector from the configuration
type Selector struct {
	Kind  Kind
	Value string
	re    *regexp.Regexp
}

// Record is a tag returned by a registry listing.
// A zero Time indicates the registry did not provide one.
type Record struct {
	Name string
	Time time.Time
}

// Classify returns Pattern when the selector contains any regex metacharacter
func Classify(selector string) Kind {
	if strings.ContainsAny(selector, Metachars) {
		return Pattern
	}
	return Literal
}

// Parse classifies a selector and compiles patterns anchored at both ends
func Parse(selector string) (Selector, error) {
	s := Selector{
		Kind:  Classify(selector),
		Value: selector,
	}
	if s.Kind == Pattern {
		re, err := regexp.Compile("^(?:" + selector + ")$")
		if err != nil {
			return s, fmt.Errorf("%w: %q: %v", types.ErrInvalidPattern, selector, err)
		}
		s.re = re
	}
	return s, nil
}

// Split separates selectors into literal names and patterns, each keeping the configured order
func Split(selectors []string) ([]string, []Selector, error) {
	literals := []string{}
	patterns := []Selector{}
	for _, sel := range selectors {
		s, err := Parse(sel)
		if err != nil {
			return nil, nil, err
		}
		if s.Kind == Literal {
			literals = append(literals, s.Value)
		} else {
			patterns = append(patterns, s)
		}
	}
	return literals, patterns, nil
}

// Match reports whether the full tag name matches the selector
func (s Selector) Match(name string) bool {
	if s.Kind == Literal || s.re == nil {
		return s.Value == name
	}
	return s.re.MatchString(name)
}

// String returns the selector as configured
func (s Selector) String() string {
	return s.Value
}

// MatchAny reports whether the name matches at least one of the patterns
func MatchAny(name string, patterns []Selector) bool {
	for _, p := range patterns {
		if p.Match(name) {
			return true
		}
	}
	return false
}
