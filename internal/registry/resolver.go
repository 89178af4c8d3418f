package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// IdentityResolver attributes a call-site hint (a class or package name,
// resource path or similar token supplied by the host) to an extension id.
type IdentityResolver interface {
	ResolveOwner(hint string) (string, bool)
}

// ResolverFunc adapts a function to IdentityResolver.
type ResolverFunc func(hint string) (string, bool)

func (f ResolverFunc) ResolveOwner(hint string) (string, bool) { return f(hint) }

type patternRule struct {
	pattern string
	g       glob.Glob
	owner   string
}

// PatternResolver maps glob patterns over hints to extension ids, e.g.
// "xaero.*" → "xaeros_minimap". '.' and '/' are separators, so '*' stays
// within one segment and '**' crosses segments. Longer patterns are tried
// first so the most specific rule wins.
type PatternResolver struct {
	rules []patternRule
}

// NewPatternResolver compiles patterns (pattern → extension id).
func NewPatternResolver(patterns map[string]string) (*PatternResolver, error) {
	r := &PatternResolver{rules: make([]patternRule, 0, len(patterns))}
	for pattern, owner := range patterns {
		g, err := glob.Compile(pattern, '.', '/')
		if err != nil {
			return nil, fmt.Errorf("compiling owner pattern %q: %w", pattern, err)
		}
		r.rules = append(r.rules, patternRule{pattern: pattern, g: g, owner: strings.ToLower(owner)})
	}
	sort.Slice(r.rules, func(i, j int) bool {
		if len(r.rules[i].pattern) != len(r.rules[j].pattern) {
			return len(r.rules[i].pattern) > len(r.rules[j].pattern)
		}
		return r.rules[i].pattern < r.rules[j].pattern
	})
	return r, nil
}

// ResolveOwner returns the owner of the first matching rule.
func (r *PatternResolver) ResolveOwner(hint string) (string, bool) {
	for _, rule := range r.rules {
		if rule.g.Match(hint) {
			return rule.owner, true
		}
	}
	return "", false
}
