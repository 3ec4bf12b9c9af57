// Package httplink parses the RFC 8288 Link header used for paginated tag listings
package httplink

import (
	"errors"
	"fmt"
	"strings"

	"github.com/GlueOps/mirror-registry/types"
)

// Link is a single entry from a Link header
type Link struct {
	URI   string
	Param map[string]string
}

// Links is the list of entries from one or more Link headers, in header order
type Links []Link

var errParse = errors.New("link header parse failure")

// Parse extracts the links from a list of Link header values
func Parse(headers []string) (Links, error) {
	links := Links{}
	for _, h := range headers {
		p := parser{s: h}
		hl, err := p.parse()
		if err != nil {
			return nil, fmt.Errorf("%w: %q at position %d", err, h, p.pos)
		}
		links = append(links, hl...)
	}
	return links, nil
}

// Get returns the first link with a matching parameter, e.g. Get("rel", "next")
func (links Links) Get(parm, val string) (Link, error) {
	parm = strings.ToLower(parm)
	for _, l := range links {
		if v, ok := l.Param[parm]; ok && v == val {
			return l, nil
		}
	}
	return Link{}, fmt.Errorf("link with %s=%s: %w", parm, val, types.ErrNotFound)
}

type parser struct {
	s   string
	pos int
}

func (p *parser) parse() (Links, error) {
	links := Links{}
	for {
		p.skipSpace()
		if p.done() {
			return links, nil
		}
		uri, err := p.uri()
		if err != nil {
			return nil, err
		}
		link := Link{URI: uri, Param: map[string]string{}}
		for {
			p.skipSpace()
			if p.done() {
				return append(links, link), nil
			}
			c := p.s[p.pos]
			p.pos++
			if c == ',' {
				links = append(links, link)
				break
			}
			if c != ';' {
				return nil, errParse
			}
			name, val, err := p.param()
			if err != nil {
				return nil, err
			}
			if _, ok := link.Param[name]; !ok {
				link.Param[name] = val
			}
		}
	}
}

func (p *parser) uri() (string, error) {
	if p.s[p.pos] == '<' {
		end := strings.IndexByte(p.s[p.pos:], '>')
		if end < 0 {
			return "", errParse
		}
		uri := p.s[p.pos+1 : p.pos+end]
		p.pos += end + 1
		return uri, nil
	}
	start := p.pos
	for !p.done() {
		c := p.s[p.pos]
		if isSpace(c) || c == ';' || c == ',' {
			break
		}
		if c == '\\' || c == '"' || c == '<' || c == '>' {
			return "", errParse
		}
		p.pos++
	}
	if p.pos == start {
		return "", errParse
	}
	return p.s[start:p.pos], nil
}

func (p *parser) param() (string, string, error) {
	p.skipSpace()
	start := p.pos
	for !p.done() && isTokenChar(p.s[p.pos]) {
		p.pos++
	}
	// extended parameters end with a star
	if !p.done() && p.s[p.pos] == '*' {
		p.pos++
	}
	name := strings.ToLower(p.s[start:p.pos])
	if name == "" {
		return "", "", errParse
	}
	p.skipSpace()
	if p.done() || p.s[p.pos] == ';' || p.s[p.pos] == ',' {
		return name, "", nil
	}
	if p.s[p.pos] != '=' {
		return "", "", errParse
	}
	p.pos++
	p.skipSpace()
	if p.done() {
		return name, "", nil
	}
	var val string
	if p.s[p.pos] == '"' {
		var sb strings.Builder
		p.pos++
		closed := false
		for !p.done() {
			c := p.s[p.pos]
			p.pos++
			if c == '\\' {
				if p.done() {
					return "", "", errParse
				}
				sb.WriteByte(p.s[p.pos])
				p.pos++
				continue
			}
			if c == '"' {
				closed = true
				break
			}
			sb.WriteByte(c)
		}
		if !closed {
			return "", "", errParse
		}
		val = sb.String()
	} else {
		vStart := p.pos
		for !p.done() {
			c := p.s[p.pos]
			if isSpace(c) || c == ';' || c == ',' {
				break
			}
			if c == '\\' || c == '"' || c == '<' || c == '>' || c == '=' {
				return "", "", errParse
			}
			p.pos++
		}
		val = p.s[vStart:p.pos]
	}
	// a value must be followed by a separator
	p.skipSpace()
	if !p.done() && p.s[p.pos] != ';' && p.s[p.pos] != ',' {
		return "", "", errParse
	}
	return name, val, nil
}

func (p *parser) skipSpace() {
	for !p.done() && isSpace(p.s[p.pos]) {
		p.pos++
	}
}

func (p *parser) done() bool {
	return p.pos >= len(p.s)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func isTokenChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.'
}
