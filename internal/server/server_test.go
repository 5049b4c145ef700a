package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/auth"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/cache"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/database"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/flush"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/handler"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/ledger"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/mail"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/router"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/session"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/state"
)

type switchableStore struct {
	*database.MemoryStore
	failSave atomic.Bool
}

func (s *switchableStore) Save(ctx context.Context, kind state.Kind, owner string, value any) error {
	if s.failSave.Load() {
		return errors.New("database unavailable")
	}
	return s.MemoryStore.Save(ctx, kind, owner, value)
}

type testEnv struct {
	server   *Server
	app      *httptest.Server
	admin    *httptest.Server
	store    *switchableStore
	verifier *auth.Verifier
	user     auth.Principal
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	l := ledger.New()
	c := cache.New(l, cache.Config{Enabled: true})
	store := &switchableStore{MemoryStore: database.NewMemoryStore()}
	sessions := session.NewRegistry(time.Hour)
	writer := handler.NewStateWriter(c, store)
	coordinator := flush.NewCoordinator(c, l, store, flush.Config{})
	scheduler := flush.NewScheduler(coordinator, sessions, time.Hour, time.Hour)
	verifier := auth.NewVerifier("test-secret", "", nil)

	s := New(Deps{
		Sessions:    sessions,
		Router:      router.New(sessions, router.WithHandlers(handler.All(writer)...)),
		Verifier:    verifier,
		Cache:       c,
		Coordinator: coordinator,
		Scheduler:   scheduler,
		Mail:        mail.NewSweeper(l, store, 10, time.Hour, nil),
		Gateway:     store,
		AdminRole:   "ADMIN",
		SessionTTL:  time.Hour,
	})
	env := &testEnv{
		server:   s,
		app:      httptest.NewServer(s.AppHandler()),
		admin:    httptest.NewServer(s.AdminHandler()),
		store:    store,
		verifier: verifier,
		user:     auth.Principal{UserID: uuid.New(), Roles: []string{"USER"}},
	}
	t.Cleanup(func() {
		env.app.Close()
		env.admin.Close()
	})
	return env
}

func (e *testEnv) token(t *testing.T, p auth.Principal) string {
	t.Helper()
	token, err := e.verifier.Issue(p, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, url, token string, body any) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, url, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out response
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestCreateAndRefreshSession(t *testing.T) {
	e := newTestEnv(t)
	url := e.app.URL + "/api/v1/game-sessions"

	if status, _ := e.do(t, http.MethodPost, url, "", map[string]string{"game_save_id": uuid.NewString()}); status != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d", status)
	}
	if status, _ := e.do(t, http.MethodPost, url, e.token(t, e.user), map[string]string{}); status != http.StatusBadRequest {
		t.Fatalf("missing game save: status %d", status)
	}

	status, resp := e.do(t, http.MethodPost, url, e.token(t, e.user), map[string]string{"game_save_id": uuid.NewString()})
	if status != http.StatusCreated {
		t.Fatalf("create: status %d", status)
	}
	data := resp.Data.(map[string]any)
	id := data["session_id"].(string)
	if data["user_id"] != e.user.UserID.String() {
		t.Fatalf("session bound to %v", data["user_id"])
	}

	other := auth.Principal{UserID: uuid.New()}
	if status, _ := e.do(t, http.MethodPost, url+"/"+id+"/refresh", e.token(t, other), nil); status != http.StatusForbidden {
		t.Fatalf("foreign refresh: status %d", status)
	}
	if status, _ := e.do(t, http.MethodPost, url+"/"+uuid.NewString()+"/refresh", e.token(t, e.user), nil); status != http.StatusNotFound {
		t.Fatalf("unknown refresh: status %d", status)
	}
	status, resp = e.do(t, http.MethodPost, url+"/"+id+"/refresh", e.token(t, e.user), nil)
	if status != http.StatusOK || resp.Data.(map[string]any)["end_time"] == nil {
		t.Fatalf("refresh: status %d, %+v", status, resp)
	}
}

func (e *testEnv) createSession(t *testing.T) uuid.UUID {
	t.Helper()
	status, resp := e.do(t, http.MethodPost, e.app.URL+"/api/v1/game-sessions", e.token(t, e.user), map[string]string{"game_save_id": uuid.NewString()})
	if status != http.StatusCreated {
		t.Fatalf("create session: status %d", status)
	}
	return uuid.MustParse(resp.Data.(map[string]any)["session_id"].(string))
}

func (e *testEnv) dial(t *testing.T, sessionID uuid.UUID, p auth.Principal) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.app.URL, "http") + "/ws?session_id=" + sessionID.String()
	header := http.Header{"Authorization": {"Bearer " + e.token(t, p)}}
	return websocket.DefaultDialer.Dial(url, header)
}

func sendFrame(t *testing.T, conn *websocket.Conn, sessionID, userID uuid.UUID, eventType protocol.EventType, payload string) uuid.UUID {
	t.Helper()
	messageID := uuid.New()
	raw := fmt.Sprintf(`{"event_type":%q,"session_id":%q,"message_id":%q,"user_id":%q,"payload":%s}`,
		eventType, sessionID, messageID, userID, payload)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	return messageID
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return out
}

func TestWebsocketRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	sessionID := e.createSession(t)

	conn, resp, err := e.dial(t, sessionID, e.user)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	messageID := sendFrame(t, conn, sessionID, e.user.UserID, protocol.StageUpdate, `{"currentStage":10,"maxStage":20,"wave":3}`)
	ack := readFrame(t, conn)
	if ack["event_type"] != string(protocol.Ack) || ack["message_id"] != messageID.String() {
		t.Fatalf("expected ACK for %s, got %+v", messageID, ack)
	}

	messageID = sendFrame(t, conn, sessionID, e.user.UserID, protocol.CurrencyUpdate, `{"gold":-5}`)
	reject := readFrame(t, conn)
	if reject["event_type"] != string(protocol.Error) || reject["message_id"] != messageID.String() || reject["reason"] != "gold must be non-negative" {
		t.Fatalf("expected ERROR, got %+v", reject)
	}

	// storage failure while the cache is off: generic error, connection stays open
	e.server.Cache.SetEnabled(false)
	e.store.failSave.Store(true)
	messageID = sendFrame(t, conn, sessionID, e.user.UserID, protocol.CurrencyUpdate, `{"gold":5}`)
	internal := readFrame(t, conn)
	if internal["reason"] != protocol.ReasonInternal || internal["message_id"] != messageID.String() {
		t.Fatalf("expected internal ERROR, got %+v", internal)
	}
	e.store.failSave.Store(false)
	sendFrame(t, conn, sessionID, e.user.UserID, protocol.CurrencyUpdate, `{"gold":5}`)
	if next := readFrame(t, conn); next["event_type"] != string(protocol.Ack) {
		t.Fatalf("connection should survive a failed apply, got %+v", next)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := e.server.Sessions.Resolve(sessionID); errors.Is(err, session.ErrClosed) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session should be closed after the connection ends")
}

func TestWebsocketRejectsFramesForOtherSessions(t *testing.T) {
	e := newTestEnv(t)
	sessionID := e.createSession(t)
	victim, err := e.server.Sessions.Create(uuid.New(), uuid.New(), time.Hour)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	conn, resp, err := e.dial(t, sessionID, e.user)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	messageID := sendFrame(t, conn, victim.ID, victim.UserID, protocol.CurrencyUpdate, `{"gold":999}`)
	reply := readFrame(t, conn)
	if reply["event_type"] != string(protocol.Error) || reply["message_id"] != messageID.String() || reply["reason"] != protocol.ReasonInvalidSession {
		t.Fatalf("expected invalid session ERROR, got %+v", reply)
	}

	messageID = sendFrame(t, conn, sessionID, victim.UserID, protocol.CurrencyUpdate, `{"gold":999}`)
	reply = readFrame(t, conn)
	if reply["event_type"] != string(protocol.Error) || reply["message_id"] != messageID.String() || reply["reason"] != protocol.ReasonUserMismatch {
		t.Fatalf("expected user mismatch ERROR, got %+v", reply)
	}

	if _, ok := cache.GetAs[state.Currency](e.server.Cache, state.KindCurrency, victim.OwnerID.String()); ok {
		t.Fatal("another user's game save was written")
	}

	sendFrame(t, conn, sessionID, e.user.UserID, protocol.CurrencyUpdate, `{"gold":1}`)
	if next := readFrame(t, conn); next["event_type"] != string(protocol.Ack) {
		t.Fatalf("own frame should still be acked, got %+v", next)
	}
}

func TestWebsocketHandshakeRejections(t *testing.T) {
	e := newTestEnv(t)
	sessionID := e.createSession(t)

	tests := []struct {
		name      string
		sessionID uuid.UUID
		principal auth.Principal
		status    int
	}{
		{"unknown session", uuid.New(), e.user, http.StatusUnauthorized},
		{"other user", sessionID, auth.Principal{UserID: uuid.New()}, http.StatusForbidden},
	}
	for _, tt := range tests {
		conn, resp, err := e.dial(t, tt.sessionID, tt.principal)
		if err == nil {
			conn.Close()
			t.Fatalf("%s: dial should fail", tt.name)
		}
		if resp == nil || resp.StatusCode != tt.status {
			t.Fatalf("%s: expected status %d, got %+v", tt.name, tt.status, resp)
		}
		resp.Body.Close()
	}
}

func TestAdminEndpoints(t *testing.T) {
	e := newTestEnv(t)
	admin := e.token(t, auth.Principal{UserID: uuid.New(), Roles: []string{"ADMIN"}})

	if status, _ := e.do(t, http.MethodGet, e.admin.URL+"/admin/cache/status", e.token(t, e.user), nil); status != http.StatusForbidden {
		t.Fatalf("non-admin: status %d", status)
	}

	status, resp := e.do(t, http.MethodPost, e.admin.URL+"/admin/cache/toggle", admin, nil)
	if status != http.StatusOK || resp.Data.(map[string]any)["enabled"] != false {
		t.Fatalf("toggle: %d %+v", status, resp)
	}
	e.do(t, http.MethodPost, e.admin.URL+"/admin/cache/toggle", admin, nil)
	if !e.server.Cache.Enabled() {
		t.Fatal("second toggle should enable the cache")
	}

	e.server.Cache.Set(state.KindStage, "owner-1", state.Stage{Wave: 2})
	status, resp = e.do(t, http.MethodGet, e.admin.URL+"/admin/flush/candidates/stage", admin, nil)
	if status != http.StatusOK {
		t.Fatalf("candidates: %d", status)
	}
	if dirty := resp.Data.(map[string]any)["dirty"].([]any); len(dirty) != 1 || dirty[0] != "owner-1" {
		t.Fatalf("dirty %v", dirty)
	}
	if status, _ := e.do(t, http.MethodGet, e.admin.URL+"/admin/flush/candidates/wallet", admin, nil); status != http.StatusBadRequest {
		t.Fatalf("unknown kind: %d", status)
	}

	if status, _ := e.do(t, http.MethodPost, e.admin.URL+"/admin/cache/flush", admin, nil); status != http.StatusOK {
		t.Fatalf("flush: %d", status)
	}
	if e.store.Writes() != 1 {
		t.Fatalf("flush wrote %d records", e.store.Writes())
	}
	if stats := e.server.Coordinator.Stats()["STAGE"]; stats.Persisted != 1 || stats.Pending != 0 {
		t.Fatalf("flush stats %+v", stats)
	}
	if status, _ := e.do(t, http.MethodGet, e.admin.URL+"/admin/flush/stats", admin, nil); status != http.StatusOK {
		t.Fatalf("stats: %d", status)
	}

	past := time.Now().Add(-time.Minute)
	if status, _ := e.do(t, http.MethodPost, e.admin.URL+"/admin/mail", admin, map[string]any{"id": "m1", "expires_at": past}); status != http.StatusCreated {
		t.Fatalf("track mail: %d", status)
	}
	if status, _ := e.do(t, http.MethodPost, e.admin.URL+"/admin/mail", admin, map[string]any{"id": ""}); status != http.StatusBadRequest {
		t.Fatalf("invalid mail: %d", status)
	}
	status, resp = e.do(t, http.MethodPost, e.admin.URL+"/admin/mail/sweep", admin, nil)
	if status != http.StatusOK || resp.Data.(map[string]any)["deleted"] != float64(1) {
		t.Fatalf("sweep: %d %+v", status, resp)
	}
}
