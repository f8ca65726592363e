package homeserverservice

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/n42/bridgemgr/internal/apperr"
	"github.com/n42/bridgemgr/internal/httpmsg"
	"github.com/n42/bridgemgr/internal/identity"
	"github.com/n42/bridgemgr/internal/registry"
	"github.com/n42/bridgemgr/internal/requestctx"
	"github.com/n42/bridgemgr/internal/store"
)

const testNamespace = "_bridge_manager__"

type fakeBridgeService struct {
	bridge   *store.Bridge
	sendPath string
	sendResp *httpmsg.Response
}

func (f *fakeBridgeService) Bridge() *store.Bridge { return f.bridge }
func (f *fakeBridgeService) Dispatch(ctx context.Context, rc *requestctx.Context) (*httpmsg.Response, error) {
	return nil, nil
}
func (f *fakeBridgeService) Send(ctx context.Context, method, path string, headers http.Header, query url.Values, body []byte) (*httpmsg.Response, error) {
	f.sendPath = path
	return f.sendResp, nil
}

func bridgeColumnsList() []string {
	return []string{
		"id", "orchestrator_id", "bridge_service", "as_token", "hs_token", "ip", "port",
		"owner_matrix_username", "matrix_bot_username", "live_status", "ready_status",
		"status_updated_at", "bridge_management_room_id", "created_at", "updated_at", "deleted_at",
	}
}

func mockBridgeRow(id int64, orchestratorID, service string) *sqlmock.Rows {
	return sqlmock.NewRows(bridgeColumnsList()).AddRow(
		id, orchestratorID, service, "as-abc", sql.NullString{String: "hstoken", Valid: true},
		"10.0.0.1", 8080, "@alice:example.org", sql.NullString{String: "bot", Valid: true},
		sql.NullString{}, sql.NullString{}, sql.NullTime{}, sql.NullString{},
		time.Now(), sql.NullTime{}, sql.NullTime{},
	)
}

func newTestService(t *testing.T, homeserverURL string) *Service {
	t.Helper()
	hs := &store.Homeserver{ID: 1, URL: homeserverURL, Name: "example.org"}
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	reg := registry.New(store.NewBridgeStore(db))
	return New(hs, "as-token", reg, identity.New(testNamespace), 5*time.Second)
}

func TestDispatch_Ping_AnsweredLocally(t *testing.T) {
	svc := newTestService(t, "http://unused.invalid")
	rc := &requestctx.Context{Path: "_matrix/app/v1/ping", Method: "POST"}

	resp, err := svc.Dispatch(context.Background(), rc)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "{}" {
		t.Errorf("expected local 200 {}, got %d %q", resp.StatusCode, resp.Body)
	}
}

func TestDispatch_Users_RewritesPathAndForwards(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	mock.ExpectQuery("SELECT .* FROM bridges WHERE id = \\$1 AND deleted_at IS NULL").
		WithArgs(int64(7)).
		WillReturnRows(mockBridgeRow(7, "7", "whatsapp"))

	hs := &store.Homeserver{ID: 1, URL: "http://unused.invalid", Name: "example.org"}
	reg := registry.New(store.NewBridgeStore(db))
	svc := New(hs, "as-token", reg, identity.New(testNamespace), 5*time.Second)

	var fake *fakeBridgeService
	reg.RegisterBuilder("whatsapp", func(b *store.Bridge) (registry.BridgeService, error) {
		fake = &fakeBridgeService{bridge: b, sendResp: httpmsg.JSON(200, []byte(`{}`))}
		return fake, nil
	})

	rc := &requestctx.Context{
		Path:   "_matrix/app/v1/users/@_bridge_manager__whatsapp_7__whatsappbot:example.org",
		Method: "GET",
		Bridge: &store.Bridge{ID: 7, OrchestratorID: "7", BridgeService: "whatsapp"},
	}

	if _, err := svc.Dispatch(context.Background(), rc); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	want := "_matrix/app/v1/users/@whatsappbot:example.org"
	if fake == nil || fake.sendPath != want {
		t.Errorf("expected rewritten path %q, got %+v", want, fake)
	}
}

func TestDispatch_Users_NoBridgeResolved(t *testing.T) {
	svc := newTestService(t, "http://unused.invalid")
	rc := &requestctx.Context{Path: "_matrix/app/v1/users/@_bridge_manager__whatsapp_7__bot:example.org"}

	_, err := svc.Dispatch(context.Background(), rc)
	if apperr.KindOf(err) != apperr.BridgeNotFound {
		t.Errorf("expected BridgeNotFound, got %v", err)
	}
}

func TestDispatch_UnknownPath_RouteNotFound(t *testing.T) {
	svc := newTestService(t, "http://unused.invalid")
	rc := &requestctx.Context{Path: "_matrix/app/v1/rooms/%23foo"}

	_, err := svc.Dispatch(context.Background(), rc)
	if apperr.KindOf(err) != apperr.RouteNotFound {
		t.Errorf("expected RouteNotFound, got %v", err)
	}
}

func TestSend_AttachesASTokenAndForwards(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"versions":["v1.11"]}`))
	}))
	defer ts.Close()

	svc := newTestService(t, ts.URL)
	resp, err := svc.Send(context.Background(), "GET", "_matrix/client/versions", http.Header{}, url.Values{}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAuth != "Bearer as-token" {
		t.Errorf("expected AS token bearer auth, got %q", gotAuth)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSend_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	hs := &store.Homeserver{ID: 1, URL: ts.URL, Name: "example.org"}
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	svc := New(hs, "as-token", registry.New(store.NewBridgeStore(db)), identity.New(testNamespace), 5*time.Millisecond)

	_, err = svc.Send(context.Background(), "GET", "_matrix/client/versions", http.Header{}, url.Values{}, nil)
	if apperr.KindOf(err) != apperr.Timeout {
		t.Errorf("expected Timeout, got %v", err)
	}
}
