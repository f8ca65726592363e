package resolver

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/n42/bridgemgr/internal/apperr"
	"github.com/n42/bridgemgr/internal/identity"
	"github.com/n42/bridgemgr/internal/store"
)

const testNamespace = "_bridge_manager__"

func newTestResolver(t *testing.T) (*Resolver, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(
		store.NewBridgeStore(db),
		store.NewTransactionMappingStore(db),
		store.NewRoomBridgeMappingStore(db),
		identity.New(testNamespace),
		logger,
	)
	return r, mock, func() { db.Close() }
}

func bridgeColumnsList() []string {
	return []string{
		"id", "orchestrator_id", "bridge_service", "as_token", "hs_token", "ip", "port",
		"owner_matrix_username", "matrix_bot_username", "live_status", "ready_status",
		"status_updated_at", "bridge_management_room_id", "created_at", "updated_at", "deleted_at",
	}
}

func mockBridgeRow(id int64, orchestratorID, asToken, owner, service string) *sqlmock.Rows {
	return sqlmock.NewRows(bridgeColumnsList()).AddRow(
		id, orchestratorID, service, asToken, sql.NullString{String: "hstoken", Valid: true},
		"10.0.0.1", 8080, owner, sql.NullString{String: "bridgebot", Valid: true},
		sql.NullString{}, sql.NullString{}, sql.NullTime{}, sql.NullString{},
		time.Now(), sql.NullTime{}, sql.NullTime{},
	)
}

func TestResolver_AuthTokenStrategy(t *testing.T) {
	r, mock, done := newTestResolver(t)
	defer done()

	mock.ExpectQuery("SELECT .* FROM bridges WHERE as_token = \\$1 AND deleted_at IS NULL").
		WithArgs("as-abc").
		WillReturnRows(mockBridgeRow(1, "1", "as-abc", "@alice:example.org", "whatsapp"))

	bridge, method, err := r.Resolve(context.Background(), Input{
		Source:    SourceBridge,
		AuthToken: "as-abc",
		Query:     url.Values{},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if method != MethodAuthToken {
		t.Errorf("expected MethodAuthToken, got %v", method)
	}
	if bridge.ASToken != "as-abc" {
		t.Errorf("unexpected bridge: %+v", bridge)
	}
}

func TestResolver_QueryUserIDStrategy(t *testing.T) {
	r, mock, done := newTestResolver(t)
	defer done()

	mock.ExpectQuery("SELECT .* FROM bridges WHERE orchestrator_id = \\$1 AND deleted_at IS NULL").
		WithArgs("7").
		WillReturnRows(mockBridgeRow(1, "7", "as-abc", "@alice:example.org", "whatsapp"))

	q := url.Values{}
	q.Set("user_id", "@_bridge_manager__whatsapp_7__alice:example.org")

	bridge, method, err := r.Resolve(context.Background(), Input{
		Source: SourceHomeserver,
		Query:  q,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if method != MethodQueryUserID {
		t.Errorf("expected MethodQueryUserID, got %v", method)
	}
	if bridge.OrchestratorID != "7" {
		t.Errorf("unexpected bridge: %+v", bridge)
	}
}

func TestResolver_TransactionIDStrategy(t *testing.T) {
	r, mock, done := newTestResolver(t)
	defer done()

	txColumns := []string{"id", "transaction_id", "bridge_as_token", "bridge_id", "created_at"}
	mock.ExpectQuery("SELECT .* FROM transaction_mappings WHERE transaction_id = \\$1").
		WithArgs("tx42").
		WillReturnRows(sqlmock.NewRows(txColumns).AddRow(
			int64(1), "tx42", sql.NullString{String: "as-abc", Valid: true}, sql.NullInt64{Int64: 3, Valid: true}, time.Now(),
		))
	mock.ExpectQuery("SELECT .* FROM bridges WHERE id = \\$1 AND deleted_at IS NULL").
		WithArgs(int64(3)).
		WillReturnRows(mockBridgeRow(3, "7", "as-abc", "@alice:example.org", "whatsapp"))

	bridge, method, err := r.Resolve(context.Background(), Input{
		Source: SourceHomeserver,
		Path:   "_matrix/app/v1/transactions/tx42",
		Query:  url.Values{},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if method != MethodTransactionID {
		t.Errorf("expected MethodTransactionID, got %v", method)
	}
	if bridge.ID != 3 {
		t.Errorf("unexpected bridge: %+v", bridge)
	}
}

func TestResolver_RoomIDStrategy(t *testing.T) {
	r, mock, done := newTestResolver(t)
	defer done()

	// transaction id lookup misses, so the chain falls through to room_id.
	mock.ExpectQuery("SELECT .* FROM transaction_mappings WHERE transaction_id = \\$1").
		WithArgs("tx99").
		WillReturnRows(sqlmock.NewRows([]string{"id", "transaction_id", "bridge_as_token", "bridge_id", "created_at"}))

	roomColumns := []string{"id", "room_id", "bridge_id", "last_seen_at"}
	mock.ExpectQuery("SELECT .* FROM room_bridge_mappings WHERE room_id = \\$1").
		WithArgs("!room:example.org").
		WillReturnRows(sqlmock.NewRows(roomColumns).AddRow(int64(1), "!room:example.org", int64(3), time.Now()))
	mock.ExpectQuery("SELECT .* FROM bridges WHERE id = \\$1 AND deleted_at IS NULL").
		WithArgs(int64(3)).
		WillReturnRows(mockBridgeRow(3, "7", "as-abc", "@alice:example.org", "whatsapp"))

	var body interface{}
	_ = json.Unmarshal([]byte(`{"events":[{"room_id":"!room:example.org"}]}`), &body)

	bridge, method, err := r.Resolve(context.Background(), Input{
		Source: SourceHomeserver,
		Path:   "_matrix/app/v1/transactions/tx99",
		Query:  url.Values{},
		Body:   body,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if method != MethodRoomID {
		t.Errorf("expected MethodRoomID, got %v", method)
	}
	if bridge.ID != 3 {
		t.Errorf("unexpected bridge: %+v", bridge)
	}
}

func TestResolver_PriorityOrder_EarlierStrategyWins(t *testing.T) {
	r, mock, done := newTestResolver(t)
	defer done()

	// Only the auth-token query is queued: if the chain incorrectly fell
	// through to strategy 8, GetByOwnerAndService would issue a second
	// query sqlmock has no expectation for, and the test would fail on
	// ExpectationsWereMet instead of silently passing.
	mock.ExpectQuery("SELECT .* FROM bridges WHERE as_token = \\$1 AND deleted_at IS NULL").
		WithArgs("as-abc").
		WillReturnRows(mockBridgeRow(1, "7", "as-abc", "@alice:example.org", "whatsapp"))

	bridge, method, err := r.Resolve(context.Background(), Input{
		Source:    SourceBridge,
		AuthToken: "as-abc",
		Query:     url.Values{},
		Body: map[string]interface{}{
			"owner_username": "@alice:example.org",
			"mentions":       "@_bridge_manager__whatsapp_7__bob:example.org",
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if method != MethodAuthToken {
		t.Errorf("expected MethodAuthToken to win over MethodLegacyOwnerService, got %v", method)
	}
	if bridge.ASToken != "as-abc" {
		t.Errorf("unexpected bridge: %+v", bridge)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestResolver_LegacyOwnerServiceStrategy(t *testing.T) {
	r, mock, done := newTestResolver(t)
	defer done()

	// Strategy 7 (body username) is gated on the same namespaced-string
	// scan as strategy 8, and runs first: it must look up and miss before
	// the chain can reach strategyLegacyOwnerService.
	mock.ExpectQuery("SELECT .* FROM bridges WHERE orchestrator_id = \\$1 AND deleted_at IS NULL").
		WithArgs("7").
		WillReturnRows(sqlmock.NewRows(bridgeColumnsList()))
	mock.ExpectQuery("SELECT .* FROM bridges WHERE owner_matrix_username = \\$1 AND bridge_service = \\$2 AND deleted_at IS NULL").
		WithArgs("@alice:example.org", "whatsapp").
		WillReturnRows(mockBridgeRow(3, "7", "as-xyz", "@alice:example.org", "whatsapp"))

	bridge, method, err := r.Resolve(context.Background(), Input{
		Source: SourceHomeserver,
		Query:  url.Values{},
		Body: map[string]interface{}{
			"owner_username": "@alice:example.org",
			"mentions":       "@_bridge_manager__whatsapp_7__bob:example.org",
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if method != MethodLegacyOwnerService {
		t.Errorf("expected MethodLegacyOwnerService, got %v", method)
	}
	if bridge.ID != 3 {
		t.Errorf("unexpected bridge: %+v", bridge)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStrategyLegacyOwnerService_Direct(t *testing.T) {
	r, mock, done := newTestResolver(t)
	defer done()

	mock.ExpectQuery("SELECT .* FROM bridges WHERE owner_matrix_username = \\$1 AND bridge_service = \\$2 AND deleted_at IS NULL").
		WithArgs("@alice:example.org", "whatsapp").
		WillReturnRows(mockBridgeRow(3, "7", "as-xyz", "@alice:example.org", "whatsapp"))

	bridge, err := strategyLegacyOwnerService(context.Background(), r, Input{
		Body: map[string]interface{}{
			"owner_username": "@alice:example.org",
			"mentions":       "@_bridge_manager__whatsapp_7__bob:example.org",
		},
	})
	if err != nil {
		t.Fatalf("strategyLegacyOwnerService: %v", err)
	}
	if bridge == nil || bridge.ID != 3 {
		t.Errorf("unexpected bridge: %+v", bridge)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStrategyLegacyOwnerService_FallsBackToUserID(t *testing.T) {
	r, mock, done := newTestResolver(t)
	defer done()

	mock.ExpectQuery("SELECT .* FROM bridges WHERE owner_matrix_username = \\$1 AND bridge_service = \\$2 AND deleted_at IS NULL").
		WithArgs("@alice:example.org", "whatsapp").
		WillReturnRows(mockBridgeRow(3, "7", "as-xyz", "@alice:example.org", "whatsapp"))

	bridge, err := strategyLegacyOwnerService(context.Background(), r, Input{
		Body: map[string]interface{}{
			"user_id":  "@alice:example.org",
			"mentions": "@_bridge_manager__whatsapp_7__bob:example.org",
		},
	})
	if err != nil {
		t.Fatalf("strategyLegacyOwnerService: %v", err)
	}
	if bridge == nil || bridge.ID != 3 {
		t.Errorf("unexpected bridge, expected fallback to the user_id field: %+v", bridge)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestResolver_NoStrategyMatches(t *testing.T) {
	r, _, done := newTestResolver(t)
	defer done()

	_, _, err := r.Resolve(context.Background(), Input{
		Source: SourceHomeserver,
		Path:   "_matrix/app/v1/ping",
		Query:  url.Values{},
	})
	if apperr.KindOf(err) != apperr.BridgeNotFound {
		t.Errorf("expected BridgeNotFound, got %v", err)
	}
}
