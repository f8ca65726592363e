// Package requestctx implements RequestContext: the immutable, per-request
// snapshot of an inbound HTTP call plus its resolved bridge/homeserver and
// the audit-log row tracking its lifecycle (created -> outbound_logged? ->
// response_logged -> terminal).
package requestctx

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/n42/bridgemgr/internal/apperr"
	"github.com/n42/bridgemgr/internal/identity"
	"github.com/n42/bridgemgr/internal/metrics"
	"github.com/n42/bridgemgr/internal/resolver"
	"github.com/n42/bridgemgr/internal/store"
)

// Context is the immutable snapshot of one inbound request plus whatever
// resolution managed to discover.
type Context struct {
	RequestID     int64
	CorrelationID string

	Source  resolver.Source
	Method  string
	Path    string
	Headers http.Header
	Query   url.Values
	BodyRaw []byte
	Body    interface{}

	Bridge                *store.Bridge
	BridgeDiscoveryMethod resolver.Method
	Homeserver            *store.Homeserver
	DiscoveryError        string

	store    *store.Store
	identity *identity.Translator
}

// EventsEmpty reports whether the parsed body has an "events" array with
// zero elements, the special case the AS spec wants answered 200 {} rather
// than treated as a routing failure.
func (c *Context) EventsEmpty() bool {
	m, ok := c.Body.(map[string]interface{})
	if !ok {
		return false
	}
	events, ok := m["events"].([]interface{})
	if !ok {
		return false
	}
	return len(events) == 0
}

// IsTransactionsPath reports whether this request targets the AS
// transactions endpoint, used by Ingress's empty-events special case.
func (c *Context) IsTransactionsPath() bool {
	return strings.Contains(c.Path, "transactions/")
}

// identityContext builds the bridge-identity context TranslateUsername and
// RewriteUsernamesInBody need; callable only once a bridge is resolved.
func (c *Context) identityContext() (identity.Context, error) {
	if c.Bridge == nil {
		return identity.Context{}, apperr.New(apperr.Internal, "no resolved bridge to translate usernames against")
	}
	return identity.Context{BridgeType: c.Bridge.BridgeService, OrchestratorID: c.Bridge.OrchestratorID}, nil
}

// TranslateUsername applies the encoded/plain rewrite for the resolved
// bridge's identity.
func (c *Context) TranslateUsername(u string, to identity.Direction) (string, error) {
	idCtx, err := c.identityContext()
	if err != nil {
		return "", err
	}
	return c.identity.TranslateUsername(u, to, idCtx)
}

// RewriteUsernamesInBody deep-copies and rewrites every username-shaped
// string in the parsed body. Without a resolved bridge it returns the parsed
// body itself, neither copied nor rewritten.
func (c *Context) RewriteUsernamesInBody(to identity.Direction) (interface{}, error) {
	idCtx, err := c.identityContext()
	if err != nil {
		return c.Body, nil
	}
	return c.identity.RewriteUsernamesInBody(c.Body, to, idCtx)
}

// LogOutboundRequest records the outbound payload sent to the resolved
// target.
func (c *Context) LogOutboundRequest(ctx context.Context, outbound interface{}) error {
	raw, err := json.Marshal(outbound)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal outbound request for audit log", err)
	}
	return c.store.Requests.LogOutbound(ctx, c.RequestID, raw)
}

// LogResponse records the final response, closing out the audit row.
func (c *Context) LogResponse(ctx context.Context, response interface{}, status int) error {
	raw, err := json.Marshal(response)
	if err != nil {
		raw = []byte(`{}`)
	}
	return c.store.Requests.LogResponse(ctx, c.RequestID, raw, status)
}

// BuildParams carries everything Builder.Build needs from the HTTP layer.
type BuildParams struct {
	Source  resolver.Source
	Method  string
	Path    string
	Headers http.Header
	Query   url.Values
	Body    io.Reader
}

// Builder constructs Context values, wiring together resolver, identity
// translation, and the audit-log Store.
type Builder struct {
	store      *store.Store
	resolver   *resolver.Resolver
	identity   *identity.Translator
	homeserver *store.Homeserver
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewBuilder wires a Builder. homeserver is the single Matrix homeserver
// this Multiplexer fronts, loaded once at startup.
func NewBuilder(st *store.Store, res *resolver.Resolver, idt *identity.Translator, homeserver *store.Homeserver, logger *slog.Logger) *Builder {
	return &Builder{store: st, resolver: res, identity: idt, homeserver: homeserver, logger: logger}
}

// SetMetrics wires the Prometheus collector this Builder reports resolver
// strategy hits through. Optional; a nil handle is a silent no-op.
func (b *Builder) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}

// Build drains and parses the body, resolves bridge/homeserver, and
// persists the initial Request audit row. If resolution fails, Build still
// returns a non-nil Context (with RequestID populated) alongside the
// error, so Ingress can apply the empty-events special case and still
// close out the audit row.
func (b *Builder) Build(ctx context.Context, p BuildParams) (*Context, error) {
	bodyRaw, _ := io.ReadAll(p.Body)

	var parsed interface{}
	_ = json.Unmarshal(bodyRaw, &parsed) // tolerate non-JSON bodies; parsed stays nil

	rc := &Context{
		CorrelationID: uuid.NewString(),
		Source:        p.Source,
		Method:        p.Method,
		Path:          p.Path,
		Headers:       p.Headers,
		Query:         p.Query,
		BodyRaw:       bodyRaw,
		Body:          parsed,
		Homeserver:    b.homeserver,
		store:         b.store,
		identity:      b.identity,
	}

	bridge, method, resolveErr := b.resolver.Resolve(ctx, resolver.Input{
		Source:    p.Source,
		Path:      p.Path,
		AuthToken: bearerToken(p.Headers),
		Query:     p.Query,
		Body:      parsed,
	})

	var discoveryErr string
	if resolveErr != nil {
		discoveryErr = resolveErr.Error()
		if b.logger != nil {
			b.logger.Info("bridge resolution failed", "path", p.Path, "source", p.Source, "error", discoveryErr)
		}
	} else {
		rc.Bridge = bridge
		rc.BridgeDiscoveryMethod = method
		if b.metrics != nil {
			b.metrics.RecordResolverHit(method.String())
		}
	}
	rc.DiscoveryError = discoveryErr

	createParams := store.CreateParams{
		InboundAt:      time.Now(),
		Source:         string(p.Source),
		Method:         p.Method,
		Path:           p.Path,
		InboundRequest: inboundJSON(bodyRaw, parsed),
	}
	if bridge != nil {
		createParams.BridgeID = nullInt64(bridge.ID)
		createParams.BridgeDiscoveryMethod = nullString(method.String())
	}
	if b.homeserver != nil {
		createParams.HomeserverID = nullInt64(b.homeserver.ID)
	}
	if discoveryErr != "" {
		createParams.DiscoveryError = nullString(discoveryErr)
	}

	row, createErr := b.store.Requests.Create(ctx, createParams)
	if createErr != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to persist request audit row", createErr)
	}
	rc.RequestID = row.ID

	if resolveErr != nil {
		return rc, resolveErr
	}
	return rc, nil
}

func inboundJSON(raw []byte, parsed interface{}) json.RawMessage {
	if parsed != nil {
		return json.RawMessage(raw)
	}
	if len(raw) == 0 {
		return json.RawMessage(`null`)
	}
	encoded, err := json.Marshal(string(raw))
	if err != nil {
		return json.RawMessage(`null`)
	}
	return json.RawMessage(encoded)
}
