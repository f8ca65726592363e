// Package ingress implements the two HTTP catch-all mounts that front the
// Multiplexer: /homeserver/* for Matrix-homeserver-sourced Application
// Service traffic, and /bridge/* for bridge-sourced Client-Server API
// traffic. Ingress builds the RequestContext, dispatches to the resolved
// service, and maps every error to an HTTP response, always attempting to
// close out the audit row.
//
// Grounded on original_source/bridge_manager/appservice/appservice.py's
// top-level request handler, re-platformed onto chi's wildcard mount since
// both routes are a single arbitrary-path-tail catch-all.
package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/n42/bridgemgr/internal/apperr"
	"github.com/n42/bridgemgr/internal/homeserverservice"
	"github.com/n42/bridgemgr/internal/httpmsg"
	"github.com/n42/bridgemgr/internal/metrics"
	"github.com/n42/bridgemgr/internal/registry"
	"github.com/n42/bridgemgr/internal/requestctx"
	"github.com/n42/bridgemgr/internal/resolver"
)

// Ingress owns the two catch-all mounts and the services they dispatch to.
type Ingress struct {
	builder    *requestctx.Builder
	homeserver *homeserverservice.Service
	registry   *registry.Registry
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New wires an Ingress.
func New(builder *requestctx.Builder, hs *homeserverservice.Service, reg *registry.Registry, logger *slog.Logger) *Ingress {
	return &Ingress{builder: builder, homeserver: hs, registry: reg, logger: logger}
}

// SetMetrics wires the Prometheus collector every ingress request reports
// its source/outcome through. Optional; a nil handle is a silent no-op.
func (ig *Ingress) SetMetrics(m *metrics.Metrics) {
	ig.metrics = m
}

// Mount registers both catch-alls on r.
func (ig *Ingress) Mount(r chi.Router) {
	r.HandleFunc("/homeserver/*", ig.handle(resolver.SourceHomeserver))
	r.HandleFunc("/bridge/*", ig.handle(resolver.SourceBridge))
}

func (ig *Ingress) handle(source resolver.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		path := strings.TrimPrefix(chi.URLParam(r, "*"), "/")

		rc, err := ig.builder.Build(ctx, requestctx.BuildParams{
			Source:  source,
			Method:  r.Method,
			Path:    path,
			Headers: r.Header,
			Query:   r.URL.Query(),
			Body:    r.Body,
		})

		if err != nil && !isUnresolvedPing(source, rc) {
			ig.writeResolutionError(ctx, w, rc, err)
			return
		}

		resp, dispatchErr := ig.dispatch(ctx, source, rc)
		if dispatchErr != nil {
			ig.writeError(ctx, w, rc, dispatchErr)
			return
		}
		ig.writeResponse(ctx, w, rc, resp)
	}
}

// isUnresolvedPing reports whether a failed resolution should be ignored
// because the request is the AS liveness ping, which HomeserverService
// always answers locally with 200 {} regardless of whether any bridge could
// be identified for it.
func isUnresolvedPing(source resolver.Source, rc *requestctx.Context) bool {
	return source == resolver.SourceHomeserver && rc != nil && rc.Path == "_matrix/app/v1/ping"
}

// dispatch hands the request to the service matching its source: homeserver
// traffic always goes to the single HomeserverService; bridge traffic goes
// to whichever BridgeService the resolver found.
func (ig *Ingress) dispatch(ctx context.Context, source resolver.Source, rc *requestctx.Context) (*httpmsg.Response, error) {
	if source == resolver.SourceHomeserver {
		return ig.homeserver.Dispatch(ctx, rc)
	}
	if rc.Bridge == nil {
		return nil, apperr.New(apperr.BridgeNotFound, "no bridge resolved for this request")
	}
	svc, err := ig.registry.ByID(ctx, rc.Bridge.ID)
	if err != nil {
		return nil, err
	}
	return svc.Dispatch(ctx, rc)
}

// writeResolutionError handles a failed RequestContext.Build: the empty
// AS-transaction special case answers 200 {}, anything else maps through
// apperr.HTTPStatus. rc may be nil only if audit-row persistence itself
// failed; in every other case Build still returns a populated rc to log
// against.
func (ig *Ingress) writeResolutionError(ctx context.Context, w http.ResponseWriter, rc *requestctx.Context, err error) {
	if rc == nil {
		ig.recordRequest("", http.StatusInternalServerError)
		ig.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if apperr.KindOf(err) == apperr.BridgeNotFound && rc.Source == resolver.SourceHomeserver &&
		rc.IsTransactionsPath() && rc.EventsEmpty() {
		body := map[string]interface{}{}
		ig.logResponse(ctx, rc, body, http.StatusOK)
		ig.recordRequest(rc.Source, http.StatusOK)
		ig.writeJSON(w, http.StatusOK, body)
		return
	}

	ig.writeError(ctx, w, rc, err)
}

func (ig *Ingress) writeError(ctx context.Context, w http.ResponseWriter, rc *requestctx.Context, err error) {
	status := apperr.HTTPStatus(err)
	body := map[string]string{"error": err.Error()}
	ig.logResponse(ctx, rc, body, status)
	ig.recordRequest(sourceOf(rc), status)
	ig.writeJSON(w, status, body)
}

func (ig *Ingress) writeResponse(ctx context.Context, w http.ResponseWriter, rc *requestctx.Context, resp *httpmsg.Response) {
	ig.logResponse(ctx, rc, json.RawMessage(resp.Body), resp.StatusCode)
	ig.recordRequest(sourceOf(rc), resp.StatusCode)

	httpmsg.CopyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func sourceOf(rc *requestctx.Context) resolver.Source {
	if rc == nil {
		return ""
	}
	return rc.Source
}

// recordRequest reports one completed ingress call's source and outcome,
// bucketing the outcome the way a Prometheus dashboard alerts on it: 2xx/3xx
// as success, 4xx as a client error, everything else as a server error.
func (ig *Ingress) recordRequest(source resolver.Source, status int) {
	if ig.metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case status >= 500:
		outcome = "server_error"
	case status >= 400:
		outcome = "client_error"
	}
	ig.metrics.RecordRequest(string(source), outcome)
}

func (ig *Ingress) logResponse(ctx context.Context, rc *requestctx.Context, body interface{}, status int) {
	if rc == nil || rc.RequestID == 0 {
		return
	}
	if err := rc.LogResponse(ctx, body, status); err != nil && ig.logger != nil {
		ig.logger.Warn("failed to record response on audit row", "request_id", rc.RequestID, "error", err)
	}
}

func (ig *Ingress) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte(`{"error":"failed to marshal response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(raw)
}
