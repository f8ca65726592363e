package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Bridge is a running bridge process fronted by this Multiplexer.
type Bridge struct {
	ID                     int64
	OrchestratorID         string
	BridgeService          string
	ASToken                string
	HSToken                sql.NullString
	IP                     string
	Port                   int
	OwnerMatrixUsername    string
	MatrixBotUsername      sql.NullString
	LiveStatus             sql.NullString
	ReadyStatus            sql.NullString
	StatusUpdatedAt        sql.NullTime
	BridgeManagementRoomID sql.NullString
	CreatedAt              time.Time
	UpdatedAt              sql.NullTime
	DeletedAt              sql.NullTime
}

// BridgeStore provides operations for the bridges table. Every read
// excludes soft-deleted rows, per the invariant that soft-deleted bridges
// are excluded from all resolution.
//
// GetByASToken and GetByOrchestratorID back the resolver's two hottest
// strategies (strategy 1 runs on every bridge-sourced call; strategy 2/3
// run on most homeserver-sourced ones), so both cache their result row
// in-process. UpdateStatus and SoftDelete drop the whole cache rather than
// tracking per-row invalidation keys, since bridge membership and status
// changes are rare next to the read volume; Create needs no invalidation
// since a row that didn't exist yet cannot already be cached.
type BridgeStore struct {
	db *sql.DB

	mu                    sync.RWMutex
	cacheByASToken        map[string]*Bridge
	cacheByOrchestratorID map[string]*Bridge
}

// NewBridgeStore wraps an existing connection, for wiring a store outside
// of Store.New (tests, or a handle shared with a transaction).
func NewBridgeStore(db *sql.DB) *BridgeStore {
	return &BridgeStore{
		db:                    db,
		cacheByASToken:        make(map[string]*Bridge),
		cacheByOrchestratorID: make(map[string]*Bridge),
	}
}

const bridgeColumns = `id, orchestrator_id, bridge_service, as_token, hs_token, ip, port,
	owner_matrix_username, matrix_bot_username, live_status, ready_status,
	status_updated_at, bridge_management_room_id, created_at, updated_at, deleted_at`

func scanBridge(scanner interface{ Scan(...interface{}) error }, b *Bridge) error {
	return scanner.Scan(
		&b.ID, &b.OrchestratorID, &b.BridgeService, &b.ASToken, &b.HSToken, &b.IP, &b.Port,
		&b.OwnerMatrixUsername, &b.MatrixBotUsername, &b.LiveStatus, &b.ReadyStatus,
		&b.StatusUpdatedAt, &b.BridgeManagementRoomID, &b.CreatedAt, &b.UpdatedAt, &b.DeletedAt,
	)
}

// Create inserts a new bridge row, as called by the (out-of-scope)
// orchestrator once it has launched the bridge process.
func (s *BridgeStore) Create(ctx context.Context, b *Bridge) (*Bridge, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO bridges (orchestrator_id, bridge_service, as_token, hs_token, ip, port,
			owner_matrix_username, matrix_bot_username, bridge_management_room_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+bridgeColumns,
		b.OrchestratorID, b.BridgeService, b.ASToken, b.HSToken, b.IP, b.Port,
		b.OwnerMatrixUsername, b.MatrixBotUsername, b.BridgeManagementRoomID,
	)
	out := &Bridge{}
	if err := scanBridge(row, out); err != nil {
		return nil, fmt.Errorf("create bridge: %w", err)
	}
	return out, nil
}

// GetByID retrieves a live (non-deleted) bridge by primary key.
func (s *BridgeStore) GetByID(ctx context.Context, id int64) (*Bridge, error) {
	return s.getOneWhere(ctx, "id = $1 AND deleted_at IS NULL", id)
}

// GetByASToken retrieves a live bridge by its unique AS token, serving a
// cached row when available.
func (s *BridgeStore) GetByASToken(ctx context.Context, asToken string) (*Bridge, error) {
	if b, ok := s.cacheGetASToken(asToken); ok {
		return b, nil
	}
	b, err := s.getOneWhere(ctx, "as_token = $1 AND deleted_at IS NULL", asToken)
	if err != nil || b == nil {
		return b, err
	}
	s.cachePut(b)
	return b, nil
}

// GetByOrchestratorID retrieves a live bridge by its orchestrator id
// (the opaque identifier embedded in encoded Matrix usernames), serving a
// cached row when available.
func (s *BridgeStore) GetByOrchestratorID(ctx context.Context, orchestratorID string) (*Bridge, error) {
	if b, ok := s.cacheGetOrchestratorID(orchestratorID); ok {
		return b, nil
	}
	b, err := s.getOneWhere(ctx, "orchestrator_id = $1 AND deleted_at IS NULL", orchestratorID)
	if err != nil || b == nil {
		return b, err
	}
	s.cachePut(b)
	return b, nil
}

func (s *BridgeStore) cacheGetASToken(asToken string) (*Bridge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.cacheByASToken[asToken]
	return b, ok
}

func (s *BridgeStore) cacheGetOrchestratorID(orchestratorID string) (*Bridge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.cacheByOrchestratorID[orchestratorID]
	return b, ok
}

// cachePut stores b under both its as_token and orchestrator_id keys,
// lazily initializing the cache maps so a BridgeStore built as a bare
// struct literal (as package-internal tests do) stays nil-safe.
func (s *BridgeStore) cachePut(b *Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cacheByASToken == nil {
		s.cacheByASToken = make(map[string]*Bridge)
	}
	if s.cacheByOrchestratorID == nil {
		s.cacheByOrchestratorID = make(map[string]*Bridge)
	}
	s.cacheByASToken[b.ASToken] = b
	s.cacheByOrchestratorID[b.OrchestratorID] = b
}

// InvalidateCache drops every cached row. Called internally after any
// mutation (UpdateStatus, SoftDelete), and externally by Registry whenever
// it drops a bridge's service handle, since a stale row cached here would
// otherwise hand the rebuilt service handle back the same stale data.
func (s *BridgeStore) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheByASToken = nil
	s.cacheByOrchestratorID = nil
}

// GetByOwnerAndService retrieves a live bridge owned by the given Matrix
// user for the given bridge_service type. Backs the legacy strategy 8
// resolution path.
func (s *BridgeStore) GetByOwnerAndService(ctx context.Context, owner, service string) (*Bridge, error) {
	return s.getOneWhere(ctx, "owner_matrix_username = $1 AND bridge_service = $2 AND deleted_at IS NULL", owner, service)
}

func (s *BridgeStore) getOneWhere(ctx context.Context, where string, args ...interface{}) (*Bridge, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+bridgeColumns+" FROM bridges WHERE "+where, args...)
	b := &Bridge{}
	if err := scanBridge(row, b); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get bridge: %w", err)
	}
	return b, nil
}

// ListByOwner returns all live bridges owned by a Matrix user.
func (s *BridgeStore) ListByOwner(ctx context.Context, owner string) ([]*Bridge, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+bridgeColumns+" FROM bridges WHERE owner_matrix_username = $1 AND deleted_at IS NULL ORDER BY id",
		owner)
	if err != nil {
		return nil, fmt.Errorf("list bridges by owner: %w", err)
	}
	defer rows.Close()

	var out []*Bridge
	for rows.Next() {
		b := &Bridge{}
		if err := scanBridge(rows, b); err != nil {
			return nil, fmt.Errorf("scan bridge: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateStatus records a live/ready health-check result for a bridge.
// Grounded on the orchestrator's check_bridge_status contract (out of
// scope here beyond exposing the Store method it calls).
func (s *BridgeStore) UpdateStatus(ctx context.Context, bridgeID int64, liveStatus, readyStatus string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bridges SET live_status = $2, ready_status = $3, status_updated_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, bridgeID, liveStatus, readyStatus)
	if err != nil {
		return fmt.Errorf("update bridge status: %w", err)
	}
	s.InvalidateCache()
	return nil
}

// SoftDelete marks a bridge deleted without cascading; callers that need
// the full cascade should use Store.SoftDeleteBridgeCascade instead.
func (s *BridgeStore) SoftDelete(ctx context.Context, bridgeID int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE bridges SET deleted_at = NOW() WHERE id = $1", bridgeID)
	if err != nil {
		return fmt.Errorf("soft delete bridge: %w", err)
	}
	s.InvalidateCache()
	return nil
}
