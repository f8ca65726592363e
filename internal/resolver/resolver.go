// Package resolver implements BridgeResolver: the ordered chain of
// resolution strategies that maps an inbound request onto its owning
// bridge. Strategies run in priority order; the first to produce a match
// wins, and a failure inside any one strategy is logged and treated as a
// non-match rather than aborting the chain.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/n42/bridgemgr/internal/apperr"
	"github.com/n42/bridgemgr/internal/identity"
	"github.com/n42/bridgemgr/internal/store"
)

// Source names which side of the Multiplexer received the inbound request.
type Source string

const (
	SourceHomeserver Source = "homeserver"
	SourceBridge     Source = "bridge"
)

// Method identifies which strategy produced a successful resolution; it is
// persisted on the Request audit row.
type Method int

const (
	MethodAuthToken Method = iota
	MethodQueryUserID
	MethodPathUsername
	MethodTransactionID
	MethodTransactionEvents
	MethodRoomID
	MethodBodyUsername
	MethodLegacyOwnerService
)

func (m Method) String() string {
	switch m {
	case MethodAuthToken:
		return "auth_token"
	case MethodQueryUserID:
		return "query_user_id"
	case MethodPathUsername:
		return "path_username"
	case MethodTransactionID:
		return "transaction_id"
	case MethodTransactionEvents:
		return "transaction_events"
	case MethodRoomID:
		return "room_id"
	case MethodBodyUsername:
		return "body_username"
	case MethodLegacyOwnerService:
		return "legacy_owner_service"
	default:
		return "unknown"
	}
}

const transactionsPathPrefix = "_matrix/app/v1/transactions/"

// Input is everything a strategy needs, already extracted from the
// inbound HTTP request by RequestContext.
type Input struct {
	Source    Source
	Path      string
	AuthToken string
	Query     url.Values
	Body      interface{}
}

// Resolver runs the ordered strategy chain against a Store.
type Resolver struct {
	bridges     *store.BridgeStore
	txMappings  *store.TransactionMappingStore
	roomMapping *store.RoomBridgeMappingStore
	identity    *identity.Translator
	logger      *slog.Logger

	strategies []namedStrategy
}

type namedStrategy struct {
	method Method
	fn     func(ctx context.Context, r *Resolver, in Input) (*store.Bridge, error)
}

// New builds a Resolver with the fixed, priority-ordered strategy chain.
func New(bridges *store.BridgeStore, txMappings *store.TransactionMappingStore, roomMapping *store.RoomBridgeMappingStore, idt *identity.Translator, logger *slog.Logger) *Resolver {
	r := &Resolver{
		bridges:     bridges,
		txMappings:  txMappings,
		roomMapping: roomMapping,
		identity:    idt,
		logger:      logger,
	}
	r.strategies = []namedStrategy{
		{MethodAuthToken, strategyAuthToken},
		{MethodQueryUserID, strategyQueryUserID},
		{MethodPathUsername, strategyPathUsername},
		{MethodTransactionID, strategyTransactionID},
		{MethodTransactionEvents, strategyTransactionEvents},
		{MethodRoomID, strategyRoomID},
		{MethodBodyUsername, strategyBodyUsername},
		{MethodLegacyOwnerService, strategyLegacyOwnerService},
	}
	return r
}

// Resolve runs every strategy in order and returns the first match. If no
// strategy matches, it fails with BridgeNotFound.
func (r *Resolver) Resolve(ctx context.Context, in Input) (*store.Bridge, Method, error) {
	for _, s := range r.strategies {
		bridge, err := r.tryStrategy(ctx, s, in)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("resolver strategy failed, trying next", "method", s.method.String(), "error", err)
			}
			continue
		}
		if bridge != nil {
			return bridge, s.method, nil
		}
	}
	return nil, 0, apperr.New(apperr.BridgeNotFound, "no resolver strategy matched this request")
}

// tryStrategy isolates a strategy's panics from the rest of the chain, per
// the invariant that an internal exception in one strategy never aborts
// resolution.
func (r *Resolver) tryStrategy(ctx context.Context, s namedStrategy, in Input) (bridge *store.Bridge, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s strategy: %v", s.method.String(), rec)
		}
	}()
	return s.fn(ctx, r, in)
}

func strategyAuthToken(ctx context.Context, r *Resolver, in Input) (*store.Bridge, error) {
	if in.Source != SourceBridge || in.AuthToken == "" {
		return nil, nil
	}
	return r.bridges.GetByASToken(ctx, in.AuthToken)
}

func strategyQueryUserID(ctx context.Context, r *Resolver, in Input) (*store.Bridge, error) {
	userID := in.Query.Get("user_id")
	if userID == "" {
		return nil, nil
	}
	enc, ok := r.identity.ParseEncoded(userID)
	if !ok {
		enc, ok = r.identity.FindEncodedSubstring(userID)
		if !ok {
			return nil, nil
		}
	}
	return r.bridges.GetByOrchestratorID(ctx, enc.BridgeID)
}

func strategyPathUsername(ctx context.Context, r *Resolver, in Input) (*store.Bridge, error) {
	if in.Source != SourceHomeserver {
		return nil, nil
	}
	enc, ok := r.identity.FindEncodedSubstring(in.Path)
	if !ok {
		return nil, nil
	}
	return r.bridges.GetByOrchestratorID(ctx, enc.BridgeID)
}

func strategyTransactionID(ctx context.Context, r *Resolver, in Input) (*store.Bridge, error) {
	if in.Source != SourceHomeserver {
		return nil, nil
	}
	txnID := transactionIDFromPath(in.Path)
	if txnID == "" {
		txnID = stringField(in.Body, "transaction_id")
	}
	if txnID == "" {
		return nil, nil
	}
	mapping, err := r.txMappings.GetByTransactionID(ctx, txnID)
	if err != nil || mapping == nil {
		return nil, err
	}
	if mapping.BridgeID.Valid {
		return r.bridges.GetByID(ctx, mapping.BridgeID.Int64)
	}
	if mapping.BridgeASToken.Valid {
		return r.bridges.GetByASToken(ctx, mapping.BridgeASToken.String)
	}
	return nil, nil
}

func strategyTransactionEvents(ctx context.Context, r *Resolver, in Input) (*store.Bridge, error) {
	if in.Source != SourceHomeserver || !strings.Contains(in.Path, "transactions/") {
		return nil, nil
	}
	events := eventsField(in.Body)
	if events == nil {
		return nil, nil
	}
	matches, err := r.identity.CollectNamespacedStrings(events)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	enc, ok := r.identity.ParseEncoded(matches[0])
	if !ok {
		enc, ok = r.identity.FindEncodedSubstring(matches[0])
		if !ok {
			return nil, nil
		}
	}
	return r.bridges.GetByOrchestratorID(ctx, enc.BridgeID)
}

func strategyRoomID(ctx context.Context, r *Resolver, in Input) (*store.Bridge, error) {
	if in.Source != SourceHomeserver || !strings.Contains(in.Path, "transactions/") {
		return nil, nil
	}
	for _, roomID := range roomIDsFromEvents(in.Body) {
		bridgeID, found, err := r.roomMapping.GetBridgeIDByRoomID(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if found {
			return r.bridges.GetByID(ctx, bridgeID)
		}
	}
	return nil, nil
}

func strategyBodyUsername(ctx context.Context, r *Resolver, in Input) (*store.Bridge, error) {
	if in.Body == nil {
		return nil, nil
	}
	matches, err := r.identity.CollectNamespacedStrings(in.Body)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	enc, ok := r.identity.ParseEncoded(matches[0])
	if !ok {
		enc, ok = r.identity.FindEncodedSubstring(matches[0])
		if !ok {
			return nil, nil
		}
	}
	return r.bridges.GetByOrchestratorID(ctx, enc.BridgeID)
}

// strategyLegacyOwnerService is retained for completeness but is, in
// practice, effectively unreachable once strategy 6 (room mapping) is
// populated for a given owner's traffic.
func strategyLegacyOwnerService(ctx context.Context, r *Resolver, in Input) (*store.Bridge, error) {
	owner := stringField(in.Body, "owner_username")
	if owner == "" {
		owner = stringField(in.Body, "user_id")
	}
	matches, err := r.identity.CollectNamespacedStrings(in.Body)
	if err != nil || len(matches) == 0 || owner == "" {
		return nil, err
	}
	enc, ok := r.identity.ParseEncoded(matches[0])
	if !ok {
		enc, ok = r.identity.FindEncodedSubstring(matches[0])
		if !ok {
			return nil, nil
		}
	}
	return r.bridges.GetByOwnerAndService(ctx, owner, enc.BridgeType)
}

func transactionIDFromPath(path string) string {
	idx := strings.Index(path, transactionsPathPrefix)
	if idx < 0 {
		return ""
	}
	rest := path[idx+len(transactionsPathPrefix):]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func stringField(body interface{}, key string) string {
	m, ok := body.(map[string]interface{})
	if !ok {
		return ""
	}
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func eventsField(body interface{}) interface{} {
	m, ok := body.(map[string]interface{})
	if !ok {
		return nil
	}
	return m["events"]
}

func roomIDsFromEvents(body interface{}) []string {
	events, ok := eventsField(body).([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, e := range events {
		em, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if roomID, ok := em["room_id"].(string); ok && roomID != "" {
			out = append(out, roomID)
		}
	}
	return out
}
