package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TransactionMapping associates a Matrix AS transaction id with the bridge
// that originated its ping. Upsert-only; last writer wins on a repeated
// transaction_id.
type TransactionMapping struct {
	ID            int64
	TransactionID string
	BridgeASToken sql.NullString
	BridgeID      sql.NullInt64
	CreatedAt     time.Time
}

// TransactionMappingStore provides operations for the transaction_mappings table.
type TransactionMappingStore struct {
	db *sql.DB
}

// NewTransactionMappingStore wraps an existing connection.
func NewTransactionMappingStore(db *sql.DB) *TransactionMappingStore {
	return &TransactionMappingStore{db: db}
}

const transactionMappingColumns = "id, transaction_id, bridge_as_token, bridge_id, created_at"

func scanTransactionMapping(scanner interface{ Scan(...interface{}) error }, m *TransactionMapping) error {
	return scanner.Scan(&m.ID, &m.TransactionID, &m.BridgeASToken, &m.BridgeID, &m.CreatedAt)
}

// Upsert records (or overwrites) the bridge that owns a transaction id.
// Must complete before any subsequent lookup for the same transaction_id
// can observe it, per the commit-before-forward discipline.
func (s *TransactionMappingStore) Upsert(ctx context.Context, transactionID, bridgeASToken string, bridgeID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transaction_mappings (transaction_id, bridge_as_token, bridge_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (transaction_id) DO UPDATE SET
			bridge_as_token = EXCLUDED.bridge_as_token,
			bridge_id = EXCLUDED.bridge_id
	`, transactionID, bridgeASToken, bridgeID)
	if err != nil {
		return fmt.Errorf("upsert transaction mapping: %w", err)
	}
	return nil
}

// GetByTransactionID looks up the bridge that owns a transaction id.
func (s *TransactionMappingStore) GetByTransactionID(ctx context.Context, transactionID string) (*TransactionMapping, error) {
	m := &TransactionMapping{}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+transactionMappingColumns+" FROM transaction_mappings WHERE transaction_id = $1", transactionID)
	if err := scanTransactionMapping(row, m); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get transaction mapping: %w", err)
	}
	return m, nil
}
