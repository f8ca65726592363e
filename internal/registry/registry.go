// Package registry implements BridgeRegistry: it materializes a Bridge row
// into a live, cached BridgeService handle, selecting the concrete service
// variant by bridge_service type. The concrete variants themselves live in
// internal/bridgeservice and are wired in at startup via RegisterBuilder or
// RegisterDefaultBuilder,
// keeping this package free of any dependency on a specific platform.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/n42/bridgemgr/internal/apperr"
	"github.com/n42/bridgemgr/internal/httpmsg"
	"github.com/n42/bridgemgr/internal/metrics"
	"github.com/n42/bridgemgr/internal/requestctx"
	"github.com/n42/bridgemgr/internal/store"
)

// BridgeService is the live, routable handle for one running bridge
// process. Concrete implementations are immutable once built: bridge
// identity, bridge URL, and the shared HomeserverService handle do not
// change for the lifetime of the cached entry.
type BridgeService interface {
	Bridge() *store.Bridge

	// Dispatch handles a bridge-sourced Client-Server API call: the bridge
	// calling out through the Multiplexer to the real homeserver.
	Dispatch(ctx context.Context, rc *requestctx.Context) (*httpmsg.Response, error)

	// Send forwards a homeserver-sourced call straight to this bridge
	// process (transactions, user/room queries), authenticating with the
	// bridge's own hs_token.
	Send(ctx context.Context, method, path string, headers http.Header, query url.Values, body []byte) (*httpmsg.Response, error)
}

// Builder constructs a concrete BridgeService for a bridge row. At most one
// builder is registered per bridge_service value (e.g. "whatsapp", "discord");
// values without one use the default builder.
type Builder func(bridge *store.Bridge) (BridgeService, error)

type cacheKey struct {
	kind string
	key  string
}

// Registry resolves any of {as_token, bridge_id, orchestrator_id,
// (owner, service)} into a cached BridgeService handle.
type Registry struct {
	bridges        *store.BridgeStore
	builders       map[string]Builder
	defaultBuilder Builder
	metrics        *metrics.Metrics

	mu    sync.RWMutex
	cache map[cacheKey]BridgeService
}

// New returns an empty Registry backed by the given BridgeStore.
func New(bridges *store.BridgeStore) *Registry {
	return &Registry{
		bridges:  bridges,
		builders: make(map[string]Builder),
		cache:    make(map[cacheKey]BridgeService),
	}
}

// RegisterBuilder wires a concrete BridgeService constructor for a
// bridge_service type. Call during startup wiring, before serving traffic.
func (r *Registry) RegisterBuilder(bridgeServiceType string, builder Builder) {
	r.builders[bridgeServiceType] = builder
}

// RegisterDefaultBuilder wires the fallback constructor used for any
// bridge_service value without a dedicated builder. Every platform this
// Multiplexer fronts speaks the same Client-Server/Application-Service
// forwarding protocol (the platform-specific behavior lives in the bridge
// process itself, out of this repo's scope), so internal/app registers one
// generalized bridgeservice.Service builder as the default and no
// per-bridge_service builders; new platforms need no code of their own.
func (r *Registry) RegisterDefaultBuilder(builder Builder) {
	r.defaultBuilder = builder
}

// SetMetrics wires the Prometheus collectors this Registry reports the
// bridgemgr_bridges_cached gauge through. Optional; a nil or unset metrics
// handle is a silent no-op, matching the other services' optional hooks.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// ByASToken resolves a bridge by the secret token it presents upstream.
func (r *Registry) ByASToken(ctx context.Context, asToken string) (BridgeService, error) {
	return r.resolve(cacheKey{"as_token", asToken}, func() (*store.Bridge, error) {
		return r.bridges.GetByASToken(ctx, asToken)
	})
}

// ByID resolves a bridge by primary key.
func (r *Registry) ByID(ctx context.Context, id int64) (BridgeService, error) {
	return r.resolve(cacheKey{"id", fmt.Sprintf("%d", id)}, func() (*store.Bridge, error) {
		return r.bridges.GetByID(ctx, id)
	})
}

// ByOrchestratorID resolves a bridge by the opaque id embedded in encoded
// Matrix usernames.
func (r *Registry) ByOrchestratorID(ctx context.Context, orchestratorID string) (BridgeService, error) {
	return r.resolve(cacheKey{"orchestrator_id", orchestratorID}, func() (*store.Bridge, error) {
		return r.bridges.GetByOrchestratorID(ctx, orchestratorID)
	})
}

// ByOwnerAndService resolves a bridge by its owning Matrix user and
// bridge_service type; backs the legacy resolver fallback strategy.
func (r *Registry) ByOwnerAndService(ctx context.Context, owner, service string) (BridgeService, error) {
	return r.resolve(cacheKey{"owner_service", owner + "|" + service}, func() (*store.Bridge, error) {
		return r.bridges.GetByOwnerAndService(ctx, owner, service)
	})
}

// CacheSize returns the number of distinct bridges currently cached (a
// bridge caches under up to four keys, so this counts unique bridge ids,
// not cache entries). Used by the /health endpoint's bridges_count field.
func (r *Registry) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cacheSizeLocked()
}

func (r *Registry) cacheSizeLocked() int {
	seen := make(map[int64]struct{}, len(r.cache))
	for _, svc := range r.cache {
		seen[svc.Bridge().ID] = struct{}{}
	}
	return len(seen)
}

// InvalidateByID drops every cache entry for a bridge, regardless of which
// key it was cached under. Callers must invoke this after any soft-delete
// or status update so stale handles are never served.
func (r *Registry) InvalidateByID(bridgeID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, svc := range r.cache {
		if svc.Bridge().ID == bridgeID {
			delete(r.cache, k)
		}
	}
	r.bridges.InvalidateCache()
	if r.metrics != nil {
		r.metrics.SetBridgesCached(r.cacheSizeLocked())
	}
}

func (r *Registry) resolve(key cacheKey, lookup func() (*store.Bridge, error)) (BridgeService, error) {
	r.mu.RLock()
	if svc, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return svc, nil
	}
	r.mu.RUnlock()

	bridge, err := lookup()
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "bridge lookup failed", err)
	}
	if bridge == nil {
		return nil, apperr.New(apperr.BridgeNotFound, "no matching bridge")
	}

	builder, ok := r.builders[bridge.BridgeService]
	if !ok {
		builder = r.defaultBuilder
	}
	if builder == nil {
		return nil, apperr.New(apperr.BridgeNotFound,
			fmt.Sprintf("no service builder registered for bridge_service %q", bridge.BridgeService))
	}
	svc, err := builder(bridge)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to build bridge service handle", err)
	}

	r.mu.Lock()
	r.cacheAllKeysFor(bridge, svc)
	if r.metrics != nil {
		r.metrics.SetBridgesCached(r.cacheSizeLocked())
	}
	r.mu.Unlock()

	return svc, nil
}

func (r *Registry) cacheAllKeysFor(bridge *store.Bridge, svc BridgeService) {
	r.cache[cacheKey{"as_token", bridge.ASToken}] = svc
	r.cache[cacheKey{"id", fmt.Sprintf("%d", bridge.ID)}] = svc
	r.cache[cacheKey{"orchestrator_id", bridge.OrchestratorID}] = svc
	r.cache[cacheKey{"owner_service", bridge.OwnerMatrixUsername + "|" + bridge.BridgeService}] = svc
}
