package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BridgeUserRegistration records that a Matrix user has been registered
// (logged in) against a specific bridge, and the management room the
// bridge created for that login. Supplemental to the distilled routing
// core: it is never consulted by resolution, only written/read by the
// bridge login flow.
type BridgeUserRegistration struct {
	ID                     int64
	BridgeID               int64
	MatrixUsername         string
	BridgeManagementRoomID sql.NullString
	CreatedAt              time.Time
}

// BridgeUserRegistrationStore provides operations for the
// bridge_user_registrations table.
type BridgeUserRegistrationStore struct {
	db *sql.DB
}

// NewBridgeUserRegistrationStore wraps an existing connection.
func NewBridgeUserRegistrationStore(db *sql.DB) *BridgeUserRegistrationStore {
	return &BridgeUserRegistrationStore{db: db}
}

const bridgeUserRegistrationColumns = "id, bridge_id, matrix_username, bridge_management_room_id, created_at"

func scanBridgeUserRegistration(scanner interface{ Scan(...interface{}) error }, r *BridgeUserRegistration) error {
	return scanner.Scan(&r.ID, &r.BridgeID, &r.MatrixUsername, &r.BridgeManagementRoomID, &r.CreatedAt)
}

// Create inserts a new bridge user registration. Callers are expected to
// check GetByBridgeAndUser first; a duplicate (bridge_id, matrix_username)
// pair is a UserAlreadyLoggedIn condition at the caller, not something
// this store silently upserts.
func (s *BridgeUserRegistrationStore) Create(ctx context.Context, r *BridgeUserRegistration) (*BridgeUserRegistration, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO bridge_user_registrations (bridge_id, matrix_username, bridge_management_room_id)
		VALUES ($1, $2, $3)
		RETURNING `+bridgeUserRegistrationColumns,
		r.BridgeID, r.MatrixUsername, r.BridgeManagementRoomID,
	)
	out := &BridgeUserRegistration{}
	if err := scanBridgeUserRegistration(row, out); err != nil {
		return nil, fmt.Errorf("create bridge user registration: %w", err)
	}
	return out, nil
}

// GetByBridgeAndUser looks up an existing registration for a (bridge,
// matrix user) pair.
func (s *BridgeUserRegistrationStore) GetByBridgeAndUser(ctx context.Context, bridgeID int64, matrixUsername string) (*BridgeUserRegistration, error) {
	r := &BridgeUserRegistration{}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+bridgeUserRegistrationColumns+" FROM bridge_user_registrations WHERE bridge_id = $1 AND matrix_username = $2",
		bridgeID, matrixUsername)
	if err := scanBridgeUserRegistration(row, r); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get bridge user registration: %w", err)
	}
	return r, nil
}

// GetByManagementRoomID looks up a registration by its unique bridge
// management room id.
func (s *BridgeUserRegistrationStore) GetByManagementRoomID(ctx context.Context, roomID string) (*BridgeUserRegistration, error) {
	r := &BridgeUserRegistration{}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+bridgeUserRegistrationColumns+" FROM bridge_user_registrations WHERE bridge_management_room_id = $1",
		roomID)
	if err := scanBridgeUserRegistration(row, r); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get bridge user registration by room: %w", err)
	}
	return r, nil
}

// ListByBridge returns every registration for a given bridge.
func (s *BridgeUserRegistrationStore) ListByBridge(ctx context.Context, bridgeID int64) ([]*BridgeUserRegistration, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+bridgeUserRegistrationColumns+" FROM bridge_user_registrations WHERE bridge_id = $1 ORDER BY id",
		bridgeID)
	if err != nil {
		return nil, fmt.Errorf("list bridge user registrations: %w", err)
	}
	defer rows.Close()

	var out []*BridgeUserRegistration
	for rows.Next() {
		r := &BridgeUserRegistration{}
		if err := scanBridgeUserRegistration(rows, r); err != nil {
			return nil, fmt.Errorf("scan bridge user registration: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteByBridgeID removes every registration for a bridge, outside any
// transaction. Store.SoftDeleteBridgeCascade removes the same rows with its
// own statement inside the cascade transaction.
func (s *BridgeUserRegistrationStore) DeleteByBridgeID(ctx context.Context, bridgeID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM bridge_user_registrations WHERE bridge_id = $1", bridgeID)
	if err != nil {
		return fmt.Errorf("delete bridge user registrations: %w", err)
	}
	return nil
}
