package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestBridgeUserRegistrationStore_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(columnNames(bridgeUserRegistrationColumns)).
		AddRow(int64(1), int64(2), "@alice:example.org", sql.NullString{String: "!mgmt:example.org", Valid: true}, now)

	mock.ExpectQuery("INSERT INTO bridge_user_registrations").
		WithArgs(int64(2), "@alice:example.org", sql.NullString{String: "!mgmt:example.org", Valid: true}).
		WillReturnRows(rows)

	s := &BridgeUserRegistrationStore{db: db}
	got, err := s.Create(context.Background(), &BridgeUserRegistration{
		BridgeID:               2,
		MatrixUsername:         "@alice:example.org",
		BridgeManagementRoomID: sql.NullString{String: "!mgmt:example.org", Valid: true},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got.ID != 1 {
		t.Errorf("unexpected registration: %+v", got)
	}
}

func TestBridgeUserRegistrationStore_GetByBridgeAndUser_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT .* FROM bridge_user_registrations WHERE bridge_id = \\$1 AND matrix_username = \\$2").
		WithArgs(int64(2), "@bob:example.org").
		WillReturnRows(sqlmock.NewRows(columnNames(bridgeUserRegistrationColumns)))

	s := &BridgeUserRegistrationStore{db: db}
	got, err := s.GetByBridgeAndUser(context.Background(), 2, "@bob:example.org")
	if err != nil {
		t.Fatalf("GetByBridgeAndUser: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestBridgeUserRegistrationStore_DeleteByBridgeID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("DELETE FROM bridge_user_registrations WHERE bridge_id = \\$1").
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	s := &BridgeUserRegistrationStore{db: db}
	if err := s.DeleteByBridgeID(context.Background(), 2); err != nil {
		t.Fatalf("DeleteByBridgeID: %v", err)
	}
}
