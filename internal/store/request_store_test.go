package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestRequestStore_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now()
	body := json.RawMessage(`{"foo":"bar"}`)
	rows := sqlmock.NewRows(columnNames(requestColumns)).AddRow(
		int64(1), now, sql.NullTime{}, sql.NullTime{}, "homeserver", sql.NullInt64{}, sql.NullInt64{Int64: 1, Valid: true},
		sql.NullString{}, sql.NullString{}, "PUT", "/_matrix/app/v1/transactions/1",
		json.RawMessage(`{}`), json.RawMessage(nil), json.RawMessage(nil), sql.NullInt64{},
	)

	mock.ExpectQuery("INSERT INTO requests").
		WithArgs(now, "homeserver", sql.NullInt64{}, sql.NullInt64{Int64: 1, Valid: true}, sql.NullString{}, sql.NullString{},
			"PUT", "/_matrix/app/v1/transactions/1", body).
		WillReturnRows(rows)

	s := &RequestStore{db: db}
	got, err := s.Create(context.Background(), CreateParams{
		InboundAt:      now,
		Source:         "homeserver",
		HomeserverID:   sql.NullInt64{Int64: 1, Valid: true},
		Method:         "PUT",
		Path:           "/_matrix/app/v1/transactions/1",
		InboundRequest: body,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got.ID != 1 || got.Method != "PUT" {
		t.Errorf("unexpected request row: %+v", got)
	}
}

func TestRequestStore_LogOutbound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	body := json.RawMessage(`{"forwarded":true}`)
	mock.ExpectExec("UPDATE requests SET outbound_at").
		WithArgs(int64(1), body).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := &RequestStore{db: db}
	if err := s.LogOutbound(context.Background(), 1, body); err != nil {
		t.Fatalf("LogOutbound: %v", err)
	}
}

func TestRequestStore_LogResponse(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	body := json.RawMessage(`{}`)
	mock.ExpectExec("UPDATE requests SET response_at").
		WithArgs(int64(1), body, 200).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := &RequestStore{db: db}
	if err := s.LogResponse(context.Background(), 1, body, 200); err != nil {
		t.Fatalf("LogResponse: %v", err)
	}
}

func TestRequestStore_GetByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT .* FROM requests WHERE id = \\$1").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows(columnNames(requestColumns)))

	s := &RequestStore{db: db}
	got, err := s.GetByID(context.Background(), 99)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}
