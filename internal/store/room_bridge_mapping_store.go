package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RoomBridgeMapping records the bridge responsible for a Matrix room_id,
// learned from observed outbound sends by that bridge. Upsert-only.
type RoomBridgeMapping struct {
	ID         int64
	RoomID     string
	BridgeID   int64
	LastSeenAt time.Time
}

// RoomBridgeMappingStore provides operations for the room_bridge_mappings table.
type RoomBridgeMappingStore struct {
	db *sql.DB
}

// NewRoomBridgeMappingStore wraps an existing connection.
func NewRoomBridgeMappingStore(db *sql.DB) *RoomBridgeMappingStore {
	return &RoomBridgeMappingStore{db: db}
}

const roomBridgeMappingColumns = "id, room_id, bridge_id, last_seen_at"

func scanRoomBridgeMapping(scanner interface{ Scan(...interface{}) error }, m *RoomBridgeMapping) error {
	return scanner.Scan(&m.ID, &m.RoomID, &m.BridgeID, &m.LastSeenAt)
}

// Upsert records (or refreshes) the bridge owning a room.
func (s *RoomBridgeMappingStore) Upsert(ctx context.Context, roomID string, bridgeID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_bridge_mappings (room_id, bridge_id, last_seen_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (room_id) DO UPDATE SET
			bridge_id = EXCLUDED.bridge_id,
			last_seen_at = NOW()
	`, roomID, bridgeID)
	if err != nil {
		return fmt.Errorf("upsert room bridge mapping: %w", err)
	}
	return nil
}

// GetBridgeIDByRoomID looks up the bridge owning a room.
func (s *RoomBridgeMappingStore) GetBridgeIDByRoomID(ctx context.Context, roomID string) (int64, bool, error) {
	m := &RoomBridgeMapping{}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+roomBridgeMappingColumns+" FROM room_bridge_mappings WHERE room_id = $1", roomID)
	if err := scanRoomBridgeMapping(row, m); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get room bridge mapping: %w", err)
	}
	return m.BridgeID, true, nil
}
