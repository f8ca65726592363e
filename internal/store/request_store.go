package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Request is the audit record for a single inbound HTTP call. Exactly one
// row is created per inbound request, regardless of outcome.
type Request struct {
	ID                    int64
	InboundAt             time.Time
	OutboundAt            sql.NullTime
	ResponseAt            sql.NullTime
	Source                string
	BridgeID              sql.NullInt64
	HomeserverID          sql.NullInt64
	BridgeDiscoveryMethod sql.NullString
	DiscoveryError        sql.NullString
	Method                string
	Path                  string
	InboundRequest        json.RawMessage
	OutboundRequest       json.RawMessage
	Response              json.RawMessage
	ResponseStatus        sql.NullInt64
}

// RequestStore provides operations for the requests audit table.
type RequestStore struct {
	db *sql.DB
}

// NewRequestStore wraps an existing connection.
func NewRequestStore(db *sql.DB) *RequestStore {
	return &RequestStore{db: db}
}

const requestColumns = `id, inbound_at, outbound_at, response_at, source, bridge_id, homeserver_id,
	bridge_discovery_method, discovery_error, method, path, inbound_request, outbound_request,
	response, response_status`

func scanRequest(scanner interface{ Scan(...interface{}) error }, r *Request) error {
	// The JSON columns are scanned through []byte: database/sql cannot store
	// a NULL directly into a json.RawMessage, and outbound_request/response
	// stay NULL until LogOutbound/LogResponse fill them in.
	var inbound, outbound, response []byte
	if err := scanner.Scan(
		&r.ID, &r.InboundAt, &r.OutboundAt, &r.ResponseAt, &r.Source, &r.BridgeID, &r.HomeserverID,
		&r.BridgeDiscoveryMethod, &r.DiscoveryError, &r.Method, &r.Path, &inbound,
		&outbound, &response, &r.ResponseStatus,
	); err != nil {
		return err
	}
	r.InboundRequest = inbound
	r.OutboundRequest = outbound
	r.Response = response
	return nil
}

// CreateParams carries the fields known at request-creation time: before
// resolution succeeds or fails, only source/method/path/body and whatever
// resolution managed to determine are available.
type CreateParams struct {
	InboundAt             time.Time
	Source                string
	BridgeID              sql.NullInt64
	HomeserverID          sql.NullInt64
	BridgeDiscoveryMethod sql.NullString
	DiscoveryError        sql.NullString
	Method                string
	Path                  string
	InboundRequest        json.RawMessage
}

// Create inserts the initial Request row for an inbound call. Called
// exactly once per inbound HTTP request, after bridge resolution has been
// attempted and whatever its outcome, so the audit row exists even when
// resolution failed.
func (s *RequestStore) Create(ctx context.Context, p CreateParams) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO requests (inbound_at, source, bridge_id, homeserver_id, bridge_discovery_method,
			discovery_error, method, path, inbound_request)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+requestColumns,
		p.InboundAt, p.Source, p.BridgeID, p.HomeserverID, p.BridgeDiscoveryMethod,
		p.DiscoveryError, p.Method, p.Path, p.InboundRequest,
	)
	out := &Request{}
	if err := scanRequest(row, out); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return out, nil
}

// LogOutbound records the outbound request body/time sent to the resolved
// target (bridge or homeserver).
func (s *RequestStore) LogOutbound(ctx context.Context, id int64, outboundRequest json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE requests SET outbound_at = NOW(), outbound_request = $2 WHERE id = $1",
		id, outboundRequest)
	if err != nil {
		return fmt.Errorf("log outbound request: %w", err)
	}
	return nil
}

// LogResponse records the final response body/status for a request,
// closing out the audit row's lifecycle.
func (s *RequestStore) LogResponse(ctx context.Context, id int64, response json.RawMessage, status int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE requests SET response_at = NOW(), response = $2, response_status = $3 WHERE id = $1",
		id, response, status)
	if err != nil {
		return fmt.Errorf("log response: %w", err)
	}
	return nil
}

// GetByID retrieves a single request row, mainly for tests and debugging.
func (s *RequestStore) GetByID(ctx context.Context, id int64) (*Request, error) {
	r := &Request{}
	row := s.db.QueryRowContext(ctx, "SELECT "+requestColumns+" FROM requests WHERE id = $1", id)
	if err := scanRequest(row, r); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}
