package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"

	"github.com/edgard/replyhub/internal/chat"
	"github.com/edgard/replyhub/internal/chat/chattest"
	"github.com/edgard/replyhub/internal/config"
	"github.com/edgard/replyhub/internal/contacts"
	"github.com/edgard/replyhub/internal/database"
	"github.com/edgard/replyhub/internal/dispatch"
	apperr "github.com/edgard/replyhub/internal/errors"
	"github.com/edgard/replyhub/internal/events"
	"github.com/edgard/replyhub/internal/logger"
	"github.com/edgard/replyhub/internal/quota"
	"github.com/edgard/replyhub/internal/rules"
	"github.com/edgard/replyhub/internal/session"
)

const testSecret = "test-secret-0123456789"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{apperr.NewNotFound("rule", "x"), http.StatusNotFound},
		{apperr.NewCapacityExceeded(1, 1), http.StatusForbidden},
		{apperr.NewQuotaExceeded("text"), http.StatusPaymentRequired},
		{apperr.NewInvalidTransition("no"), http.StatusConflict},
		{apperr.NewSessionNotConnected("i", nil), http.StatusConflict},
		{apperr.NewValidationError("bad", nil), http.StatusBadRequest},
		{apperr.NewSendFailed(errors.New("x"), true), http.StatusBadGateway},
		{apperr.NewGenerationFailed(errors.New("x"), false), http.StatusBadGateway},
		{apperr.NewUnauthorizedError("no"), http.StatusUnauthorized},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

type testServer struct {
	srv    *Server
	auth   *Authenticator
	opener *chattest.Opener
	ledger *quota.Ledger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	log := logger.Discard()
	store := database.NewStore(db, log)
	opener := chattest.NewOpener()
	opener.AutoReady = true
	registry := chat.NewRegistry()
	registry.Register("whatsapp", opener)

	plans := map[string]config.PlanConfig{
		"free":  {InstanceLimit: 1, MessageCredits: 100, MediaCredits: 10},
		"empty": {InstanceLimit: 1},
	}
	hub := events.NewHub(32)
	ledger := quota.NewLedger(store, plans, "free", log)
	sessions := session.NewManager(store, registry, ledger, hub, session.Config{
		OpenTimeout: time.Second, SendTimeout: time.Second, MailboxSize: 8, DefaultPlatform: "whatsapp",
	}, log)
	contactSvc := contacts.NewService(store, "55", log)
	d := dispatch.NewDispatcher(store, sessions, ledger, contactSvc, nil, hub, log)

	srv := NewServer(config.HTTPConfig{Addr: ":0", JWTSecret: testSecret}, Deps{
		Sessions:   sessions,
		Rules:      rules.NewService(store, log),
		Dispatcher: d,
		Contacts:   contactSvc,
		Ledger:     ledger,
		Hub:        hub,
	}, log)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sessions.Shutdown(ctx)
		database.CloseDB(db)
	})
	return &testServer{srv: srv, auth: NewAuthenticator(testSecret), opener: opener, ledger: ledger}
}

func (ts *testServer) token(t *testing.T, owner string) string {
	t.Helper()
	tok, err := ts.auth.Sign(owner, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (ts *testServer) do(t *testing.T, owner, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, owner))
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func (ts *testServer) connectedInstance(t *testing.T, owner string) string {
	t.Helper()
	rec, body := ts.do(t, owner, http.MethodPost, "/api/v1/instances", map[string]any{"label": "main"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create instance status = %d, body = %s", rec.Code, rec.Body)
	}
	id, _ := body["id"].(string)
	deadline := time.Now().Add(3 * time.Second)
	for {
		_, got := ts.do(t, owner, http.MethodGet, "/api/v1/instances/"+id, nil)
		if got["state"] == string(database.StateConnected) {
			return id
		}
		if time.Now().After(deadline) {
			t.Fatalf("instance %s never connected, last = %v", id, got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAuthentication(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	expired, _ := ts.auth.Sign("t1", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))})
	foreign, _ := NewAuthenticator("another-secret-0123456789").Sign("t1", jwt.RegisteredClaims{})
	noTenant, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte(testSecret))
	subject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "t9"}).SignedString([]byte(testSecret))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired, want: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + foreign, want: http.StatusUnauthorized},
		{name: "no tenant", header: "Bearer " + noTenant, want: http.StatusUnauthorized},
		{name: "subject fallback", header: "Bearer " + subject, want: http.StatusOK},
		{name: "valid", header: "Bearer " + ts.token(t, "t1"), want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/quota", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			ts.srv.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestInstanceRoutes(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	id := ts.connectedInstance(t, "t1")

	rec, body := ts.do(t, "t1", http.MethodPost, "/api/v1/instances", map[string]any{"label": "second"})
	if rec.Code != http.StatusForbidden || errorCode(body) != apperr.CodeCapacityExceeded {
		t.Errorf("over-capacity create = %d %v", rec.Code, body)
	}
	rec, _ = ts.do(t, "t1", http.MethodPost, "/api/v1/instances", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("create without label = %d, want 400", rec.Code)
	}

	rec, body = ts.do(t, "t1", http.MethodGet, "/api/v1/instances", nil)
	if items, _ := body["items"].([]any); rec.Code != http.StatusOK || len(items) != 1 {
		t.Errorf("list = %d %v", rec.Code, body)
	}
	if rec, _ := ts.do(t, "t2", http.MethodGet, "/api/v1/instances/"+id, nil); rec.Code != http.StatusNotFound {
		t.Errorf("other tenant status = %d, want 404", rec.Code)
	}
	if rec, _ := ts.do(t, "t1", http.MethodDelete, "/api/v1/instances/"+id, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", rec.Code)
	}
	if rec, _ := ts.do(t, "t1", http.MethodGet, "/api/v1/instances/"+id, nil); rec.Code != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", rec.Code)
	}
}

func TestMessageRoutes(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.connectedInstance(t, "t1")

	rec, body := ts.do(t, "t1", http.MethodPost, "/api/v1/messages", map[string]any{
		"recipient": "11 98888-7777", "content": "hello",
	})
	if rec.Code != http.StatusCreated || body["status"] != string(database.StatusSent) {
		t.Fatalf("send = %d %v", rec.Code, body)
	}
	sentID, _ := body["id"].(string)

	rec, body = ts.do(t, "t1", http.MethodPost, "/api/v1/messages/"+sentID+"/cancel", nil)
	if rec.Code != http.StatusConflict || errorCode(body) != apperr.CodeInvalidTransition {
		t.Errorf("cancel sent = %d %v", rec.Code, body)
	}

	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec, body = ts.do(t, "t1", http.MethodPost, "/api/v1/messages", map[string]any{
		"recipient": "5511988887777", "content": "later", "scheduledFor": at,
	})
	if rec.Code != http.StatusAccepted || body["status"] != string(database.StatusPending) {
		t.Fatalf("schedule = %d %v", rec.Code, body)
	}
	scheduledID, _ := body["id"].(string)
	rec, body = ts.do(t, "t1", http.MethodPost, "/api/v1/messages/"+scheduledID+"/cancel", nil)
	if rec.Code != http.StatusOK || body["status"] != string(database.StatusCancelled) {
		t.Errorf("cancel scheduled = %d %v", rec.Code, body)
	}

	rec, _ = ts.do(t, "t1", http.MethodPost, "/api/v1/messages", map[string]any{"content": "no recipient"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("send without recipient = %d, want 400", rec.Code)
	}
	rec, _ = ts.do(t, "t1", http.MethodGet, "/api/v1/messages?limit=x", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rec.Code)
	}

	rec, body = ts.do(t, "t1", http.MethodGet, "/api/v1/messages?status=sent", nil)
	if rec.Code != http.StatusOK || body["total"] != float64(1) {
		t.Errorf("list sent = %d %v", rec.Code, body)
	}
	rec, body = ts.do(t, "t1", http.MethodGet, "/api/v1/messages/stats", nil)
	if rec.Code != http.StatusOK || body["total"] != float64(2) || body["cancelled"] != float64(1) {
		t.Errorf("stats = %d %v", rec.Code, body)
	}
	if rec, _ := ts.do(t, "t2", http.MethodGet, "/api/v1/messages/"+sentID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("other tenant get = %d, want 404", rec.Code)
	}

	rec, body = ts.do(t, "t1", http.MethodGet, "/api/v1/quota", nil)
	if rec.Code != http.StatusOK || body["messageCredits"] != float64(99) {
		t.Errorf("quota = %d %v", rec.Code, body)
	}

	rec, body = ts.do(t, "t1", http.MethodGet, "/api/v1/contacts", nil)
	if rec.Code != http.StatusOK || body["total"] != float64(1) {
		t.Errorf("contacts = %d %v", rec.Code, body)
	}
}

func TestSendWithoutCredits(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.connectedInstance(t, "t1")
	if _, err := ts.ledger.ApplyPlan(context.Background(), "t1", "empty"); err != nil {
		t.Fatal(err)
	}

	rec, body := ts.do(t, "t1", http.MethodPost, "/api/v1/messages", map[string]any{
		"recipient": "5511988887777", "content": "hi",
	})
	if rec.Code != http.StatusPaymentRequired || errorCode(body) != apperr.CodeQuotaExceeded {
		t.Errorf("send = %d %v", rec.Code, body)
	}
	msg, _ := body["message"].(map[string]any)
	if msg["status"] != string(database.StatusPending) {
		t.Errorf("message = %v, want pending", msg)
	}
	if len(ts.opener.Sent()) != 0 {
		t.Error("chat client was called")
	}
}

func TestRuleRoutes(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	id := ts.connectedInstance(t, "t1")

	rec, body := ts.do(t, "t1", http.MethodPost, "/api/v1/rules", map[string]any{
		"instanceId": id, "trigger": "price", "actionKind": "static-text", "payload": "R$9,90",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create rule = %d %v", rec.Code, body)
	}
	ruleID, _ := body["id"].(string)

	rec, body = ts.do(t, "t1", http.MethodPost, "/api/v1/rules", map[string]any{
		"instanceId": id, "trigger": "x", "actionKind": "webhook",
	})
	if rec.Code != http.StatusBadRequest || errorCode(body) != apperr.CodeValidation {
		t.Errorf("invalid rule = %d %v", rec.Code, body)
	}

	rec, body = ts.do(t, "t1", http.MethodPatch, "/api/v1/rules/"+ruleID, map[string]any{"active": false})
	if rec.Code != http.StatusOK || body["active"] != false {
		t.Errorf("update = %d %v", rec.Code, body)
	}
	rec, body = ts.do(t, "t1", http.MethodGet, "/api/v1/rules?instanceId="+id, nil)
	if items, _ := body["items"].([]any); rec.Code != http.StatusOK || len(items) != 1 {
		t.Errorf("list = %d %v", rec.Code, body)
	}
	if rec, _ := ts.do(t, "t1", http.MethodDelete, "/api/v1/rules/"+ruleID, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rec.Code)
	}
	if rec, _ := ts.do(t, "t1", http.MethodGet, "/api/v1/rules/"+ruleID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get deleted = %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.srv.Handler())
	t.Cleanup(httpSrv.Close)

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/v1/events/stream?access_token=" + ts.token(t, "t1")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	id := ts.connectedInstance(t, "t1")
	ts.do(t, "t2", http.MethodPost, "/api/v1/instances", map[string]any{"label": "other tenant"})

	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatal(err)
	}
	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if ev.OwnerID != "t1" {
			t.Fatalf("received another tenant's event: %+v", ev)
		}
		if ev.Kind == events.KindInstanceState && ev.InstanceID == id && ev.State == string(database.StateConnected) {
			return
		}
	}
}
