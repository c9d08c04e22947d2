package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/blob"
	"chatsync/internal/docstore"
	"chatsync/internal/models"
	"chatsync/internal/pubsub"
	"chatsync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type frame struct {
	Type           string               `json:"type"`
	State          service.SessionState `json:"state"`
	ConversationID string               `json:"conversation_id"`
	UserID         string               `json:"user_id"`
	IsTyping       bool                 `json:"is_typing"`
	Op             string               `json:"op"`
	Error          string               `json:"error"`
}

type env struct {
	srv      *httptest.Server
	hub      *Hub
	auth     *auth.Service
	users    *service.UserService
	contacts *service.ContactService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := docstore.NewMemory()
	broker := pubsub.NewLocal()
	authSvc := auth.NewService(store, broker, "test-secret", time.Minute, time.Hour)
	uploader := blob.NewUploader(blob.NewMemory("http://test"), 1<<20)
	users := service.NewUserService(store, authSvc, uploader)
	contacts := service.NewContactService(store, nil, "")
	hub := NewHub()
	deps := service.SessionDeps{
		Store:    store,
		Presence: hub,
		Users:    users,
		Contacts: contacts,
		Composer: service.NewComposer(store, uploader, nil, ""),
	}
	r := gin.New()
	r.GET("/ws", Serve(hub, authSvc, deps, nil))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		_ = broker.Close()
		_ = store.Close(context.Background())
	})
	return &env{srv: srv, hub: hub, auth: authSvc, users: users, contacts: contacts}
}

func (e *env) signUp(t *testing.T, name string) (models.User, auth.Tokens) {
	t.Helper()
	ctx := context.Background()
	u, err := e.users.Register(ctx, service.RegisterInput{Username: name, Email: name + "@example.com", Password: "pw1234"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	tokens, _, err := e.users.Login(ctx, name+"@example.com", "pw1234")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	return u, tokens
}

func (e *env) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, what string, ok func(frame) bool) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if ok(f) {
			return f
		}
	}
}

func authenticated(f frame) bool {
	return f.Type == TypeState && f.State.Phase == service.PhaseAuthenticated
}

func TestServe_RejectsMissingToken(t *testing.T) {
	e := newEnv(t)
	for _, path := range []string{"/ws", "/ws?token=garbage"} {
		resp, err := http.Get(e.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestServe_OpenSendAndTyping(t *testing.T) {
	e := newEnv(t)
	alice, at := e.signUp(t, "alice")
	bob, bt := e.signUp(t, "bob")
	chat, err := e.contacts.StartConversation(context.Background(), alice.ID, "bob")
	if err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}

	ac := e.dial(t, at.AccessToken)
	readUntil(t, ac, "alice index", func(f frame) bool { return authenticated(f) && len(f.State.Chats) == 1 })
	bc := e.dial(t, bt.AccessToken)
	readUntil(t, bc, "bob authenticated", authenticated)

	write(t, ac, Inbound{Type: TypeOpen, ConversationID: chat})
	f := readUntil(t, ac, "open conversation", func(f frame) bool { return f.State.Open != nil })
	if f.State.Open.ID != chat || f.State.Open.Counterpart == nil || f.State.Open.Counterpart.ID != bob.ID {
		t.Errorf("open = %+v", f.State.Open)
	}
	write(t, bc, Inbound{Type: TypeOpen, ConversationID: chat})
	readUntil(t, bc, "bob open", func(f frame) bool { return f.State.Open != nil })

	write(t, ac, Inbound{Type: TypeTyping, IsTyping: true})
	typing := readUntil(t, bc, "typing", func(f frame) bool { return f.Type == TypeTyping })
	if typing.UserID != alice.ID || typing.ConversationID != chat || !typing.IsTyping {
		t.Errorf("typing frame = %+v", typing)
	}

	write(t, ac, Inbound{Type: TypeSend, Text: "hi bob"})
	f = readUntil(t, bc, "message", func(f frame) bool { return f.State.Open != nil && len(f.State.Open.Messages) == 1 })
	if m := f.State.Open.Messages[0]; m.Text != "hi bob" || m.SenderID != alice.ID {
		t.Errorf("message = %+v", m)
	}

	if !e.hub.Online(alice.ID) || !e.hub.Online(bob.ID) {
		t.Error("both users should be online")
	}
}

func TestServe_InvalidFrames(t *testing.T) {
	e := newEnv(t)
	_, at := e.signUp(t, "alice")
	conn := e.dial(t, at.AccessToken)
	readUntil(t, conn, "authenticated", authenticated)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, "malformed error", func(f frame) bool { return f.Type == TypeError })

	write(t, conn, Inbound{Type: "bogus"})
	f := readUntil(t, conn, "validation error", func(f frame) bool { return f.Type == TypeError })
	if f.Op != "bogus" {
		t.Errorf("error op = %q, want bogus", f.Op)
	}

	write(t, conn, Inbound{Type: TypeOpen})
	readUntil(t, conn, "missing conversation id", func(f frame) bool { return f.Type == TypeError && f.Op == TypeOpen })

	write(t, conn, Inbound{Type: TypeSend, Text: "hi"})
	f = readUntil(t, conn, "no conversation", func(f frame) bool { return f.Type == TypeError && f.Op == TypeSend })
	if f.Error != service.ErrNoConversation.Error() {
		t.Errorf("error = %q, want %q", f.Error, service.ErrNoConversation)
	}
}

func TestServe_SignOutTearsDownSession(t *testing.T) {
	e := newEnv(t)
	alice, at := e.signUp(t, "alice")
	conn := e.dial(t, at.AccessToken)
	readUntil(t, conn, "authenticated", authenticated)

	if err := e.auth.SignOut(context.Background(), alice.ID, at.RefreshToken); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	f := readUntil(t, conn, "anonymous", func(f frame) bool {
		return f.Type == TypeState && f.State.Phase == service.PhaseAnonymous
	})
	if f.State.User != nil {
		t.Errorf("user after sign out = %+v", f.State.User)
	}
}
