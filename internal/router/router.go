// Package router implements RouteRegistry: an ordered list of
// (pattern, handler, match_kind) entries with first-match-wins semantics,
// used by both the homeserver-facing and bridge-facing services to map a
// request path onto a handler function.
package router

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/n42/bridgemgr/internal/apperr"
)

// MatchKind selects how a registered pattern is compared against an
// inbound path.
type MatchKind int

const (
	Exact MatchKind = iota
	Prefix
	Regex
)

// Handler is the function value invoked once a route matches. It receives
// the caller's context and the matched path, and returns an opaque value
// (bridgeservice and homeserverservice return a route-key string that their
// Dispatch switches on; the registry itself is payload-agnostic).
type Handler func(ctx context.Context, path string) (interface{}, error)

type entry struct {
	pattern string
	kind    MatchKind
	handler Handler
	re      *regexp.Regexp
}

// Registry is an ordered, first-match-wins route table. Registration order
// is the match-priority order.
type Registry struct {
	entries  []entry
	fallback Handler
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Register adds a route. For Regex patterns, the pattern is compiled
// immediately; an invalid regex is a programmer error and panics
// (fail-fast at startup, per the registration-time validation invariant).
func (r *Registry) Register(pattern string, kind MatchKind, handler Handler) {
	e := entry{pattern: pattern, kind: kind, handler: handler}
	if kind == Regex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			panic(fmt.Sprintf("router: invalid regex pattern %q: %v", pattern, err))
		}
		e.re = re
	}
	r.entries = append(r.entries, e)
}

// RegisterFallback sets the handler used when no registered route matches.
func (r *Registry) RegisterFallback(handler Handler) {
	r.fallback = handler
}

// MatchOrFallback returns the first handler (in registration order) whose
// pattern matches path, or the fallback handler if none match and one is
// configured, or a RouteNotFound error otherwise.
func (r *Registry) MatchOrFallback(path string) (Handler, error) {
	for _, e := range r.entries {
		if e.matches(path) {
			return e.handler, nil
		}
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, apperr.New(apperr.RouteNotFound, fmt.Sprintf("no route registered for path %q", path))
}

func (e entry) matches(path string) bool {
	switch e.kind {
	case Exact:
		return path == e.pattern
	case Prefix:
		return strings.HasPrefix(path, e.pattern)
	case Regex:
		return e.re.MatchString(path)
	default:
		return false
	}
}
