package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Homeserver is the identity of a Matrix homeserver this Multiplexer
// fronts. Immutable after creation.
type Homeserver struct {
	ID        int64
	URL       string
	Name      string
	HSToken   string
	CreatedAt time.Time
}

// HomeserverStore provides operations for the homeservers table.
type HomeserverStore struct {
	db *sql.DB
}

// NewHomeserverStore wraps an existing connection.
func NewHomeserverStore(db *sql.DB) *HomeserverStore {
	return &HomeserverStore{db: db}
}

const homeserverColumns = "id, url, name, hs_token, created_at"

func scanHomeserver(scanner interface{ Scan(...interface{}) error }, h *Homeserver) error {
	return scanner.Scan(&h.ID, &h.URL, &h.Name, &h.HSToken, &h.CreatedAt)
}

// Create inserts a new homeserver row.
func (s *HomeserverStore) Create(ctx context.Context, h *Homeserver) (*Homeserver, error) {
	out := &Homeserver{}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO homeservers (url, name, hs_token)
		VALUES ($1, $2, $3)
		RETURNING `+homeserverColumns,
		h.URL, h.Name, h.HSToken,
	).Scan(&out.ID, &out.URL, &out.Name, &out.HSToken, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create homeserver: %w", err)
	}
	return out, nil
}

// GetByID retrieves a homeserver by its primary key.
func (s *HomeserverStore) GetByID(ctx context.Context, id int64) (*Homeserver, error) {
	h := &Homeserver{}
	row := s.db.QueryRowContext(ctx, "SELECT "+homeserverColumns+" FROM homeservers WHERE id = $1", id)
	if err := scanHomeserver(row, h); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get homeserver by id: %w", err)
	}
	return h, nil
}

// GetByName retrieves a homeserver by its server name.
func (s *HomeserverStore) GetByName(ctx context.Context, name string) (*Homeserver, error) {
	h := &Homeserver{}
	row := s.db.QueryRowContext(ctx, "SELECT "+homeserverColumns+" FROM homeservers WHERE name = $1", name)
	if err := scanHomeserver(row, h); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get homeserver by name: %w", err)
	}
	return h, nil
}

// GetAll returns every homeserver row.
func (s *HomeserverStore) GetAll(ctx context.Context) ([]*Homeserver, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+homeserverColumns+" FROM homeservers ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list homeservers: %w", err)
	}
	defer rows.Close()

	var out []*Homeserver
	for rows.Next() {
		h := &Homeserver{}
		if err := scanHomeserver(rows, h); err != nil {
			return nil, fmt.Errorf("scan homeserver: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// EnsureSeeded creates the homeserver row described by url, name and hsToken if one with that
// name does not yet exist, returning the resulting row either way. Called
// once at startup so the routing core always has a Homeserver to resolve.
func (s *HomeserverStore) EnsureSeeded(ctx context.Context, url, name, hsToken string) (*Homeserver, error) {
	existing, err := s.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return s.Create(ctx, &Homeserver{URL: url, Name: name, HSToken: hsToken})
}
