// Package bridgeservice implements BridgeService: the side of the
// Multiplexer that answers Client-Server API traffic placed by a bridge
// process and forwards it to the real homeserver, plus the handful of
// Application-Service endpoints (ping, room send, createRoom) that also
// update routing state as a side effect.
//
// Grounded on original_source/bridge_manager/appservice/bridge_service.py
// (per-platform dispatch, send_request, ping) and common_handlers.py (the
// generalized default Client-Server API handlers and the repository-backed
// ping/room_send/createRoom side effects, preferred here over
// bridge_service.py's older in-memory TRANSACTION_ID_TO_BRIDGE_MAPPER).
package bridgeservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/n42/bridgemgr/internal/apperr"
	"github.com/n42/bridgemgr/internal/homeserverservice"
	"github.com/n42/bridgemgr/internal/httpmsg"
	"github.com/n42/bridgemgr/internal/metrics"
	"github.com/n42/bridgemgr/internal/requestctx"
	"github.com/n42/bridgemgr/internal/router"
	"github.com/n42/bridgemgr/internal/store"
)

const (
	routePing       = "ping"
	routeAvatarURL  = "avatar_url"
	routeRoomSend   = "room_send"
	routeCreateRoom = "create_room"
	routeDefault    = "default"
)

var (
	avatarURLUserIDRe = regexp.MustCompile(`/profile/(@[^/]+)/`)
	roomSendRoomIDRe  = regexp.MustCompile(`/rooms/([^/]+)/send/`)
)

// Service is the shared Client-Server API forwarding logic used by every
// concrete per-platform bridge service. Immutable once built.
type Service struct {
	bridge           *store.Bridge
	homeserver       *homeserverservice.Service
	txnMappings      *store.TransactionMappingStore
	roomMappings     *store.RoomBridgeMappingStore
	asRegistrationID string
	namespacePattern *regexp.Regexp
	client           *http.Client
	routes           *router.Registry
	logger           *slog.Logger
	metrics          *metrics.Metrics
}

// New wires a Service for one running bridge process. namespace is the
// Multiplexer's fixed encoded-username prefix (e.g. "_bridge_manager__"),
// used to locate and rewrite the stand-in appservice id segment in ping
// paths; asRegistrationID is the real AS registration id it is rewritten to.
func New(
	bridge *store.Bridge,
	hs *homeserverservice.Service,
	txnMappings *store.TransactionMappingStore,
	roomMappings *store.RoomBridgeMappingStore,
	namespace, asRegistrationID string,
	outboundTimeout time.Duration,
	logger *slog.Logger,
) *Service {
	s := &Service{
		bridge:           bridge,
		homeserver:       hs,
		txnMappings:      txnMappings,
		roomMappings:     roomMappings,
		asRegistrationID: asRegistrationID,
		namespacePattern: regexp.MustCompile(regexp.QuoteMeta(namespace) + `[^/]+`),
		client:           &http.Client{Timeout: outboundTimeout},
		routes:           router.New(),
		logger:           logger,
	}
	s.registerRoutes()
	return s
}

func (s *Service) registerRoutes() {
	reg := func(pattern string, kind router.MatchKind, key string) {
		s.routes.Register(pattern, kind, func(ctx context.Context, path string) (interface{}, error) {
			return key, nil
		})
	}

	reg(`^_matrix/client/v1/appservice/[^/]+/ping$`, router.Regex, routePing)
	reg(`^_matrix/client/v3/profile/[^/]+/avatar_url$`, router.Regex, routeAvatarURL)
	reg(`^_matrix/client/v3/rooms/[^/]+/send/[^/]+/[^/]+$`, router.Regex, routeRoomSend)
	reg("_matrix/client/v3/createRoom", router.Exact, routeCreateRoom)

	// Every other standard Client-Server endpoint the bridge calls shares
	// the generic forwarding behavior: versions, whoami, media/config,
	// register, profile/*/displayname, media/download, media/upload,
	// rooms/*/join, rooms/*/state, rooms/*/state/*, rooms/*/members,
	// capabilities.
	for _, pattern := range []string{
		`^_matrix/client/versions$`,
		`^_matrix/client/v3/account/whoami$`,
		`^_matrix/client/v1/media/config$`,
		`^_matrix/client/v3/register$`,
		`^_matrix/client/v3/profile/[^/]+/displayname$`,
		`^_matrix/client/v1/media/download/.*$`,
		`^_matrix/client/v1/media/upload$`,
		`^_matrix/client/v3/rooms/[^/]+/join$`,
		`^_matrix/client/v3/rooms/[^/]+/state$`,
		`^_matrix/client/v3/rooms/[^/]+/state/.*$`,
		`^_matrix/client/v3/rooms/[^/]+/members$`,
		`^_matrix/client/v3/capabilities$`,
	} {
		reg(pattern, router.Regex, routeDefault)
	}
}

// Bridge returns the bridge this handle was built for.
func (s *Service) Bridge() *store.Bridge { return s.bridge }

// SetMetrics wires the Prometheus collector outbound calls to this bridge
// report latency through. Optional; a nil handle is a silent no-op.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Dispatch answers one bridge-sourced Client-Server API call.
func (s *Service) Dispatch(ctx context.Context, rc *requestctx.Context) (*httpmsg.Response, error) {
	handler, err := s.routes.MatchOrFallback(rc.Path)
	if err != nil {
		return nil, err
	}
	key, _ := handler(ctx, rc.Path)

	switch key.(string) {
	case routePing:
		return s.handlePing(ctx, rc)
	case routeAvatarURL:
		return s.handleAvatarURL(ctx, rc)
	case routeRoomSend:
		return s.handleRoomSend(ctx, rc)
	case routeCreateRoom:
		return s.handleCreateRoom(ctx, rc)
	default:
		return s.forwardDefault(ctx, rc)
	}
}

// handlePing requires transaction_id, upserts the routing anchor before
// forwarding, and rewrites the stand-in appservice id in the path to this
// Multiplexer's real AS registration id.
func (s *Service) handlePing(ctx context.Context, rc *requestctx.Context) (*httpmsg.Response, error) {
	body, _ := rc.Body.(map[string]interface{})
	txnID, _ := body["transaction_id"].(string)
	if txnID == "" {
		return nil, apperr.New(apperr.BadRequest, "ping body missing transaction_id")
	}

	if err := s.txnMappings.Upsert(ctx, txnID, s.bridge.ASToken, s.bridge.ID); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "upsert transaction mapping", err)
	}

	path := s.namespacePattern.ReplaceAllString(rc.Path, s.asRegistrationID)
	return s.homeserver.Send(ctx, rc.Method, path, stripContentLength(rc.Headers), rc.Query, rc.BodyRaw)
}

// handleAvatarURL injects user_id for PUT requests, per AS impersonation.
func (s *Service) handleAvatarURL(ctx context.Context, rc *requestctx.Context) (*httpmsg.Response, error) {
	query := cloneQuery(rc.Query)
	if rc.Method == http.MethodPut {
		if m := avatarURLUserIDRe.FindStringSubmatch(rc.Path); m != nil {
			query.Set("user_id", m[1])
		}
	}
	return s.homeserver.Send(ctx, rc.Method, rc.Path, stripContentLength(rc.Headers), query, rc.BodyRaw)
}

// handleRoomSend forwards the send, then records the room-bridge mapping on
// success. A mapping failure is logged but never fails the request.
func (s *Service) handleRoomSend(ctx context.Context, rc *requestctx.Context) (*httpmsg.Response, error) {
	resp, err := s.homeserver.Send(ctx, rc.Method, rc.Path, stripContentLength(rc.Headers), rc.Query, rc.BodyRaw)
	if err != nil {
		return nil, err
	}
	if m := roomSendRoomIDRe.FindStringSubmatch(rc.Path); m != nil {
		if uerr := s.roomMappings.Upsert(ctx, m[1], s.bridge.ID); uerr != nil && s.logger != nil {
			s.logger.Warn("failed to store room-bridge mapping", "room_id", m[1], "error", uerr)
		}
	}
	return resp, nil
}

// handleCreateRoom forwards room creation, then parses room_id out of the
// response to record the room-bridge mapping.
func (s *Service) handleCreateRoom(ctx context.Context, rc *requestctx.Context) (*httpmsg.Response, error) {
	resp, err := s.homeserver.Send(ctx, rc.Method, rc.Path, stripContentLength(rc.Headers), rc.Query, rc.BodyRaw)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		RoomID string `json:"room_id"`
	}
	if jerr := json.Unmarshal(resp.Body, &parsed); jerr == nil && parsed.RoomID != "" {
		if uerr := s.roomMappings.Upsert(ctx, parsed.RoomID, s.bridge.ID); uerr != nil && s.logger != nil {
			s.logger.Warn("failed to store room-bridge mapping for created room", "room_id", parsed.RoomID, "error", uerr)
		}
	}
	return resp, nil
}

// forwardDefault implements the shared default handler for every standard
// Client-Server endpoint: strip content-length, preserve query params,
// forward the body unchanged, and let the caller log the audit transition.
func (s *Service) forwardDefault(ctx context.Context, rc *requestctx.Context) (*httpmsg.Response, error) {
	return s.homeserver.Send(ctx, rc.Method, rc.Path, stripContentLength(rc.Headers), rc.Query, rc.BodyRaw)
}

// Send forwards a homeserver-sourced call straight to this bridge process,
// authenticating with the bridge's own hs_token. Used by HomeserverService
// to deliver transactions and user/room queries.
func (s *Service) Send(ctx context.Context, method, path string, headers http.Header, query url.Values, body []byte) (*httpmsg.Response, error) {
	target := fmt.Sprintf("http://%s:%d/%s", s.bridge.IP, s.bridge.Port, strings.TrimLeft(path, "/"))
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, httpmsg.NewBodyReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "build bridge request", err)
	}
	httpmsg.CopyHeaders(req.Header, headers)
	req.Header.Del("Content-Length")
	hsToken := ""
	if s.bridge.HSToken.Valid {
		hsToken = s.bridge.HSToken.String
	}
	req.Header.Set("Authorization", "Bearer "+hsToken)

	start := time.Now()
	resp, err := s.client.Do(req)
	if s.metrics != nil {
		s.metrics.ObserveOutboundLatency(metrics.TargetBridge, time.Since(start))
	}
	if err != nil {
		if httpmsg.IsTimeout(err) {
			return nil, apperr.Wrap(apperr.Timeout, "bridge request timed out", err)
		}
		return nil, apperr.Wrap(apperr.Upstream, "bridge request failed", err)
	}
	out, err := httpmsg.ReadResponse(resp)
	if err != nil {
		return nil, apperr.Wrap(apperr.Upstream, "read bridge response", err)
	}
	return out, nil
}

func stripContentLength(h http.Header) http.Header {
	out := http.Header{}
	httpmsg.CopyHeaders(out, h)
	out.Del("Content-Length")
	return out
}

func cloneQuery(q url.Values) url.Values {
	out := url.Values{}
	for k, vs := range q {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
