// Package homeserverservice implements HomeserverService: the side of the
// Multiplexer that answers Application Service traffic arriving from the
// Matrix homeserver and forwards it on to whichever bridge owns it.
//
// Grounded on original_source/bridge_manager/appservice/homeserver_service.py,
// generalized from its fixed path_mapper dict into the ordered RouteRegistry
// used elsewhere in this module.
package homeserverservice

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/n42/bridgemgr/internal/apperr"
	"github.com/n42/bridgemgr/internal/httpmsg"
	"github.com/n42/bridgemgr/internal/identity"
	"github.com/n42/bridgemgr/internal/metrics"
	"github.com/n42/bridgemgr/internal/registry"
	"github.com/n42/bridgemgr/internal/requestctx"
	"github.com/n42/bridgemgr/internal/router"
	"github.com/n42/bridgemgr/internal/store"
)

const (
	routePing         = "ping"
	routeUsers        = "users"
	routeTransactions = "transactions"
)

// Service answers homeserver-sourced AS traffic and forwards transactions
// and user queries to the owning bridge.
type Service struct {
	homeserver *store.Homeserver
	asToken    string
	registry   *registry.Registry
	identity   *identity.Translator
	client     *http.Client
	routes     *router.Registry
	metrics    *metrics.Metrics
}

// New wires a Service. asToken is this Multiplexer's own AS registration
// token, sent as the bearer token on every Send to the homeserver;
// outboundTimeout bounds every call this Service makes on behalf of an
// inbound request.
func New(homeserver *store.Homeserver, asToken string, reg *registry.Registry, idt *identity.Translator, outboundTimeout time.Duration) *Service {
	s := &Service{
		homeserver: homeserver,
		asToken:    asToken,
		registry:   reg,
		identity:   idt,
		client:     &http.Client{Timeout: outboundTimeout},
		routes:     router.New(),
	}
	s.routes.Register("_matrix/app/v1/ping", router.Exact, s.routeKey(routePing))
	s.routes.Register("_matrix/app/v1/users/", router.Prefix, s.routeKey(routeUsers))
	s.routes.Register("_matrix/app/v1/transactions/", router.Prefix, s.routeKey(routeTransactions))
	return s
}

// SetMetrics wires the Prometheus collector outbound calls to the
// homeserver report latency through. Optional; a nil handle is a no-op.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Service) routeKey(key string) router.Handler {
	return func(ctx context.Context, path string) (interface{}, error) {
		return key, nil
	}
}

// Dispatch answers one homeserver-sourced request. rc.Bridge, when present,
// is the bridge already resolved by BridgeResolver for this path.
func (s *Service) Dispatch(ctx context.Context, rc *requestctx.Context) (*httpmsg.Response, error) {
	handler, err := s.routes.MatchOrFallback(rc.Path)
	if err != nil {
		return nil, err
	}
	key, _ := handler(ctx, rc.Path)

	switch key.(string) {
	case routePing:
		return s.handlePing()
	case routeUsers:
		return s.handleUsers(ctx, rc)
	case routeTransactions:
		return s.handleTransactions(ctx, rc)
	default:
		return nil, apperr.New(apperr.Internal, fmt.Sprintf("unreachable route key %q", key))
	}
}

// handlePing answers the AS liveness probe locally; per the AS spec this is
// never forwarded to a bridge.
func (s *Service) handlePing() (*httpmsg.Response, error) {
	return httpmsg.JSON(http.StatusOK, []byte("{}")), nil
}

// handleUsers rewrites the encoded username embedded in the path to its
// plain bridge-visible form and forwards the query to the owning bridge.
func (s *Service) handleUsers(ctx context.Context, rc *requestctx.Context) (*httpmsg.Response, error) {
	if rc.Bridge == nil {
		return nil, apperr.New(apperr.BridgeNotFound, "no bridge resolved for users query")
	}
	enc, ok := s.identity.FindEncodedSubstring(rc.Path)
	if !ok {
		return nil, apperr.New(apperr.BadRequest, "path does not contain an encoded username")
	}
	plainPath := strings.Replace(rc.Path, enc.Raw, fmt.Sprintf("@%s:%s", enc.BridgeUsername, enc.Homeserver), 1)

	svc, err := s.registry.ByID(ctx, rc.Bridge.ID)
	if err != nil {
		return nil, err
	}
	return svc.Send(ctx, rc.Method, plainPath, rc.Headers, rc.Query, rc.BodyRaw)
}

// handleTransactions forwards an AS transaction's events unchanged to the
// owning bridge; no body rewrite is required since bridges accept
// namespace-encoded usernames inside events natively.
func (s *Service) handleTransactions(ctx context.Context, rc *requestctx.Context) (*httpmsg.Response, error) {
	if rc.Bridge == nil {
		return nil, apperr.New(apperr.BridgeNotFound, "no bridge resolved for transaction")
	}
	svc, err := s.registry.ByID(ctx, rc.Bridge.ID)
	if err != nil {
		return nil, err
	}
	return svc.Send(ctx, rc.Method, rc.Path, rc.Headers, rc.Query, rc.BodyRaw)
}

// Send forwards a request to the real homeserver, authenticating with this
// Multiplexer's AS token. Used by BridgeService's default Client-Server API
// handlers to talk upstream.
func (s *Service) Send(ctx context.Context, method, path string, headers http.Header, query url.Values, body []byte) (*httpmsg.Response, error) {
	target := strings.TrimRight(s.homeserver.URL, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, httpmsg.NewBodyReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "build homeserver request", err)
	}
	httpmsg.CopyHeaders(req.Header, headers)
	req.Header.Del("Content-Length")
	req.Header.Set("Authorization", "Bearer "+s.asToken)

	start := time.Now()
	resp, err := s.client.Do(req)
	if s.metrics != nil {
		s.metrics.ObserveOutboundLatency(metrics.TargetHomeserver, time.Since(start))
	}
	if err != nil {
		if httpmsg.IsTimeout(err) {
			return nil, apperr.Wrap(apperr.Timeout, "homeserver request timed out", err)
		}
		return nil, apperr.Wrap(apperr.Upstream, "homeserver request failed", err)
	}
	out, err := httpmsg.ReadResponse(resp)
	if err != nil {
		return nil, apperr.Wrap(apperr.Upstream, "read homeserver response", err)
	}
	return out, nil
}
