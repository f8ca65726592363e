// Package store implements the persistent tables the routing core depends
// on: homeservers, bridges, transaction mappings, room-bridge mappings, and
// the request audit log. A typed *Store struct per table wraps a shared
// *sql.DB, with Upsert/GetBy*/GetAll/Delete methods and a scanX helper
// reused between QueryRowContext and rows.Next() loops.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps the SQL connection and exposes typed repositories.
type Store struct {
	db *sql.DB

	Homeservers              *HomeserverStore
	Bridges                  *BridgeStore
	TransactionMappings      *TransactionMappingStore
	RoomBridgeMappings       *RoomBridgeMappingStore
	Requests                 *RequestStore
	BridgeUserRegistrations  *BridgeUserRegistrationStore
}

// New opens the database connection pool and wires up every repository.
func New(driverName, dataSourceName string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	s.Homeservers = NewHomeserverStore(db)
	s.Bridges = NewBridgeStore(db)
	s.TransactionMappings = NewTransactionMappingStore(db)
	s.RoomBridgeMappings = NewRoomBridgeMappingStore(db)
	s.Requests = NewRequestStore(db)
	s.BridgeUserRegistrations = NewBridgeUserRegistrationStore(db)

	return s, nil
}

// RunMigrations executes all pending database migrations, tracked by a
// schema_migrations table keyed on a numeric version parsed from each
// migration file's name prefix (NNNN_description.sql).
func (s *Store) RunMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current migration version: %w", err)
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%04d_", &version); err != nil {
			continue
		}

		if version <= currentVersion {
			continue
		}

		data, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced usage (transactions
// spanning multiple repositories, e.g. soft-delete cascade).
func (s *Store) DB() *sql.DB {
	return s.db
}

// SoftDeleteBridgeCascade soft-deletes a bridge by setting deleted_at, then
// hard-deletes its Request, TransactionMapping, RoomBridgeMapping and
// BridgeUserRegistration rows, all within one transaction, per the cascade
// invariant.
func (s *Store) SoftDeleteBridgeCascade(ctx context.Context, bridgeID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cascade delete: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE bridges SET deleted_at = NOW() WHERE id = $1", bridgeID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("soft delete bridge: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM requests WHERE bridge_id = $1", bridgeID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("cascade delete requests: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM transaction_mappings WHERE bridge_id = $1", bridgeID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("cascade delete transaction mappings: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM room_bridge_mappings WHERE bridge_id = $1", bridgeID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("cascade delete room bridge mappings: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM bridge_user_registrations WHERE bridge_id = $1", bridgeID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("cascade delete bridge user registrations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if s.Bridges != nil {
		s.Bridges.InvalidateCache()
	}
	return nil
}
