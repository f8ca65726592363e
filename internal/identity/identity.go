// Package identity implements bidirectional rewriting of Matrix user ids
// between the homeserver-visible namespaced form and the bridge-visible
// plain form, including the deep JSON traversal used both by the resolver
// (scanning transaction events for a bridge hint) and by RequestContext
// (rewriting outbound bodies).
package identity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/n42/bridgemgr/internal/apperr"
)

// Direction names which side of the translation a username is being
// converted to.
type Direction string

const (
	ToBridge     Direction = "bridge"
	ToHomeserver Direction = "homeserver"
)

// maxWalkDepth bounds the recursive JSON traversal (one recursive call per
// nesting level); bodies nested deeper than this fail BadRequest rather than
// recursing further.
const maxWalkDepth = 64

// Encoded is a parsed namespaced username: @<NS><bridge_type>_<bridge_id>__<bridge_username>:<homeserver>.
type Encoded struct {
	Raw            string // the exact substring that matched, for replacing in place
	BridgeType     string
	BridgeID       string // the orchestrator id
	BridgeUsername string
	Homeserver     string
}

// Translator holds the compiled namespace regex for one multiplexer
// configuration (the namespace prefix never changes at runtime).
type Translator struct {
	namespace string
	anchored  *regexp.Regexp
	substring *regexp.Regexp
	plainMXID *regexp.Regexp
}

// New compiles the namespace regex. namespace is the fixed prefix (e.g.
// "_bridge_manager__") shared by every encoded username.
func New(namespace string) *Translator {
	quoted := regexp.QuoteMeta(namespace)
	return &Translator{
		namespace: namespace,
		anchored: regexp.MustCompile(
			`^@` + quoted + `(?P<bridge_type>[^_]+)_(?P<bridge_id>.+?)__(?P<bridge_username>[^:]+):(?P<homeserver>[^:]+)$`,
		),
		substring: regexp.MustCompile(
			`@` + quoted + `[^_]+_.+?__[^:@\s"]+:[a-zA-Z0-9.\-]+`,
		),
		plainMXID: regexp.MustCompile(`^@([^:@\s]+):([a-zA-Z0-9.\-]+)$`),
	}
}

// ParseEncoded parses u as a full encoded username, returning ok=false if it
// does not match. Parsing is exact by named groups, per the wire invariant.
func (t *Translator) ParseEncoded(u string) (*Encoded, bool) {
	m := t.anchored.FindStringSubmatch(u)
	if m == nil {
		return nil, false
	}
	names := t.anchored.SubexpNames()
	enc := &Encoded{Raw: m[0]}
	for i, name := range names {
		switch name {
		case "bridge_type":
			enc.BridgeType = m[i]
		case "bridge_id":
			enc.BridgeID = m[i]
		case "bridge_username":
			enc.BridgeUsername = m[i]
		case "homeserver":
			enc.Homeserver = m[i]
		}
	}
	return enc, true
}

// FindEncodedSubstring locates the first encoded username embedded anywhere
// in s, e.g. a matrix.to mention inside formatted_body. Returns ok=false if
// none is present.
func (t *Translator) FindEncodedSubstring(s string) (*Encoded, bool) {
	match := t.substring.FindString(s)
	if match == "" {
		return nil, false
	}
	return t.ParseEncoded(match)
}

// Encode builds the namespaced username for a given bridge context.
func (t *Translator) Encode(bridgeType, orchestratorID, local, homeserver string) string {
	return fmt.Sprintf("@%s%s_%s__%s:%s", t.namespace, bridgeType, orchestratorID, local, homeserver)
}

// Context carries the bridge identity needed to translate in the
// plain-to-encoded direction; the encoded-to-plain direction needs none of
// it, since the encoding is self-describing.
type Context struct {
	BridgeType     string
	OrchestratorID string
}

// TranslateUsername rewrites u between encoded and plain form. Converting
// to=bridge strips the namespace down to the plain @local:server form the
// bridge process expects; to=homeserver re-encodes a plain username using
// ctx's bridge identity. A string that is already in the target form, or
// that is not a Matrix user id at all, passes through unchanged.
func (t *Translator) TranslateUsername(u string, to Direction, ctx Context) (string, error) {
	switch to {
	case ToBridge:
		if enc, ok := t.ParseEncoded(u); ok {
			return fmt.Sprintf("@%s:%s", enc.BridgeUsername, enc.Homeserver), nil
		}
		return u, nil
	case ToHomeserver:
		if _, ok := t.ParseEncoded(u); ok {
			return u, nil
		}
		m := t.plainMXID.FindStringSubmatch(u)
		if m == nil {
			return u, nil
		}
		return t.Encode(ctx.BridgeType, ctx.OrchestratorID, m[1], m[2]), nil
	default:
		return "", apperr.New(apperr.Internal, fmt.Sprintf("unknown translate direction %q", to))
	}
}

// RewriteUsernamesInBody deep-copies body and rewrites every string value
// that looks like a Matrix user id, recursively through maps and slices.
// Shape is preserved: same keys, same list lengths, non-string scalars
// untouched. Traversal deeper than maxWalkDepth fails BadRequest.
func (t *Translator) RewriteUsernamesInBody(body interface{}, to Direction, ctx Context) (interface{}, error) {
	return t.rewriteValue(body, to, ctx, 0)
}

func (t *Translator) rewriteValue(v interface{}, to Direction, ctx Context, depth int) (interface{}, error) {
	if depth > maxWalkDepth {
		return nil, apperr.New(apperr.BadRequest, "request body nesting exceeds maximum depth")
	}
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			rewritten, err := t.rewriteValue(child, to, ctx, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = rewritten
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			rewritten, err := t.rewriteValue(child, to, ctx, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = rewritten
		}
		return out, nil
	case string:
		rewritten, err := t.TranslateUsername(val, to, ctx)
		if err != nil {
			return nil, err
		}
		return rewritten, nil
	default:
		return v, nil
	}
}

// CollectNamespacedStrings walks body (as RewriteUsernamesInBody does) and
// returns every string starting with the namespace prefix, plus the first
// encoded username embedded in any other string, for the resolver's
// transaction-events strategy. Order follows traversal order (map entries
// in Go's unspecified map iteration order); callers use the first match.
func (t *Translator) CollectNamespacedStrings(body interface{}) ([]string, error) {
	var out []string
	if err := t.collectInto(body, 0, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Translator) collectInto(v interface{}, depth int, out *[]string) error {
	if depth > maxWalkDepth {
		return apperr.New(apperr.BadRequest, "request body nesting exceeds maximum depth")
	}
	switch val := v.(type) {
	case map[string]interface{}:
		for _, child := range val {
			if err := t.collectInto(child, depth+1, out); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, child := range val {
			if err := t.collectInto(child, depth+1, out); err != nil {
				return err
			}
		}
	case string:
		if strings.HasPrefix(val, "@"+t.namespace) {
			*out = append(*out, val)
		} else if _, ok := t.FindEncodedSubstring(val); ok {
			match := t.substring.FindString(val)
			*out = append(*out, match)
		}
	}
	return nil
}
