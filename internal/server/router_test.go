package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/blob"
	"chatsync/internal/config"
	"chatsync/internal/docstore"
	"chatsync/internal/models"
	"chatsync/internal/pubsub"
	"chatsync/internal/service"
	"chatsync/internal/ws"

	"github.com/gin-gonic/gin"
)

type testServer struct {
	engine *gin.Engine
	store  *docstore.Memory
	blobs  *blob.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{Port: "0", JWTSecret: "secret", Env: "dev", AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7}
	store := docstore.NewMemory()
	broker := pubsub.NewLocal()
	blobs := blob.NewMemory("http://test")
	uploader := blob.NewUploader(blobs, 1<<20)
	authSvc := auth.NewService(store, broker, cfg.JWTSecret, time.Minute*time.Duration(cfg.AccessTokenTTLMinutes), 24*time.Hour*time.Duration(cfg.RefreshTokenTTLDays))
	hub := ws.NewHub()
	engine, stop := SetupRouter(cfg, Deps{
		Store:    store,
		Auth:     authSvc,
		Users:    service.NewUserService(store, authSvc, uploader),
		Contacts: service.NewContactService(store, nil, config.IndexWriteTransaction),
		Composer: service.NewComposer(store, uploader, nil, config.IndexWriteTransaction),
		Hub:      hub,
		Blobs:    blobs,
	})
	t.Cleanup(func() {
		stop()
		hub.Close()
		_ = broker.Close()
		_ = store.Close(context.Background())
	})
	return &testServer{engine: engine, store: store, blobs: blobs}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

type session struct {
	User         models.User `json:"user"`
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
}

func (s *testServer) signUp(t *testing.T, name string) session {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": name, "email": name + "@example.com", "password": "secret1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", name, w.Code, w.Body.String())
	}
	w = s.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": name + "@example.com", "password": "secret1"})
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", name, w.Code, w.Body.String())
	}
	var out session
	decode(t, w, &out)
	return out
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRegister_Validation(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		body gin.H
		want int
	}{
		{"bad email", gin.H{"username": "al", "email": "nope", "password": "secret1"}, http.StatusBadRequest},
		{"short password", gin.H{"username": "al", "email": "a@example.com", "password": "x"}, http.StatusBadRequest},
		{"missing username", gin.H{"email": "a@example.com", "password": "secret1"}, http.StatusBadRequest},
		{"ok", gin.H{"username": "al", "email": "a@example.com", "password": "secret1"}, http.StatusCreated},
		{"duplicate username", gin.H{"username": "al", "email": "b@example.com", "password": "secret1"}, http.StatusConflict},
		{"duplicate email", gin.H{"username": "bo", "email": "a@example.com", "password": "secret1"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/v1/auth/register", "", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRegister_MultipartAvatar(t *testing.T) {
	s := newTestServer(t)
	var body bytes.Buffer
	mwr := multipart.NewWriter(&body)
	_ = mwr.WriteField("username", "carol")
	_ = mwr.WriteField("email", "carol@example.com")
	_ = mwr.WriteField("password", "secret1")
	fw, _ := mwr.CreateFormFile("avatar", "me.bin")
	_, _ = fw.Write([]byte("avatar bytes"))
	_ = mwr.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", &body)
	req.Header.Set("Content-Type", mwr.FormDataContentType())
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	var out struct {
		User models.User `json:"user"`
	}
	decode(t, w, &out)
	if !strings.HasPrefix(out.User.Avatar, "http://test/blobs/images/") {
		t.Fatalf("avatar = %q", out.User.Avatar)
	}

	path := strings.TrimPrefix(out.User.Avatar, "http://test")
	w = s.do(t, http.MethodGet, path, "", nil)
	if w.Code != http.StatusOK || w.Body.String() != "avatar bytes" {
		t.Errorf("GET %s = %d %q", path, w.Code, w.Body.String())
	}
}

func TestLoginRefreshLogout(t *testing.T) {
	s := newTestServer(t)
	alice := s.signUp(t, "alice")

	w := s.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": "alice@example.com", "password": "wrong1"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d, want 401", w.Code)
	}

	w = s.do(t, http.MethodGet, "/api/v1/me", alice.AccessToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("me status = %d", w.Code)
	}
	var me struct {
		User models.User `json:"user"`
	}
	decode(t, w, &me)
	if me.User.ID != alice.User.ID {
		t.Errorf("me = %+v, want %s", me.User, alice.User.ID)
	}

	w = s.do(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refresh_token": alice.RefreshToken})
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d body %s", w.Code, w.Body.String())
	}
	var rotated session
	decode(t, w, &rotated)
	w = s.do(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refresh_token": alice.RefreshToken})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("reused refresh token status = %d, want 401", w.Code)
	}

	w = s.do(t, http.MethodPost, "/api/v1/auth/logout", rotated.AccessToken, gin.H{"refresh_token": rotated.RefreshToken})
	if w.Code != http.StatusNoContent {
		t.Errorf("logout status = %d, want 204", w.Code)
	}
	w = s.do(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refresh_token": rotated.RefreshToken})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("refresh after logout status = %d, want 401", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/api/v1/me", "/api/v1/conversations"} {
		if w := s.do(t, http.MethodGet, path, "", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want 401", path, w.Code)
		}
		if w := s.do(t, http.MethodGet, path, "garbage", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s with bad token status = %d, want 401", path, w.Code)
		}
	}
}

func TestConversationFlow(t *testing.T) {
	s := newTestServer(t)
	alice := s.signUp(t, "alice")
	bob := s.signUp(t, "bob")

	w := s.do(t, http.MethodGet, "/api/v1/users/search?username=bob", alice.AccessToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "bob@example.com") {
		t.Error("search result leaks email")
	}
	if w := s.do(t, http.MethodGet, "/api/v1/users/search?username=nobody", alice.AccessToken, nil); w.Code != http.StatusNotFound {
		t.Errorf("search unknown status = %d, want 404", w.Code)
	}

	if w := s.do(t, http.MethodPost, "/api/v1/conversations", alice.AccessToken, gin.H{"username": "nobody"}); w.Code != http.StatusNotFound {
		t.Errorf("start with unknown user status = %d, want 404", w.Code)
	}
	w = s.do(t, http.MethodPost, "/api/v1/conversations", alice.AccessToken, gin.H{"username": "bob"})
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d body %s", w.Code, w.Body.String())
	}
	var started struct {
		ID string `json:"id"`
	}
	decode(t, w, &started)

	path := "/api/v1/conversations/" + started.ID
	w = s.do(t, http.MethodPost, path+"/messages", alice.AccessToken, gin.H{"text": "hi"})
	if w.Code != http.StatusCreated {
		t.Fatalf("send status = %d body %s", w.Code, w.Body.String())
	}
	if w := s.do(t, http.MethodPost, path+"/messages", alice.AccessToken, gin.H{"text": "  "}); w.Code != http.StatusBadRequest {
		t.Errorf("empty message status = %d, want 400", w.Code)
	}

	w = s.do(t, http.MethodGet, "/api/v1/conversations", bob.AccessToken, nil)
	var list struct {
		Chats []service.ChatItem `json:"chats"`
	}
	decode(t, w, &list)
	if len(list.Chats) != 1 || list.Chats[0].LastMessage != "hi" || list.Chats[0].IsSeen {
		t.Errorf("bob chats = %+v", list.Chats)
	}

	if w := s.do(t, http.MethodPost, path+"/seen", bob.AccessToken, nil); w.Code != http.StatusNoContent {
		t.Errorf("seen status = %d, want 204", w.Code)
	}

	w = s.do(t, http.MethodGet, path, bob.AccessToken, nil)
	var detail struct {
		Messages    []models.Message   `json:"messages"`
		Block       service.BlockState `json:"block"`
		Counterpart *models.Profile    `json:"counterpart"`
	}
	decode(t, w, &detail)
	if len(detail.Messages) != 1 || detail.Counterpart == nil || detail.Block.Blocked() {
		t.Errorf("detail = %+v", detail)
	}

	// Bob blocks alice: alice can no longer send.
	if w := s.do(t, http.MethodPost, "/api/v1/users/"+alice.User.ID+"/block", bob.AccessToken, nil); w.Code != http.StatusOK {
		t.Fatalf("block status = %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, path+"/messages", alice.AccessToken, gin.H{"text": "still there?"}); w.Code != http.StatusForbidden {
		t.Errorf("send while blocked status = %d, want 403", w.Code)
	}
	w = s.do(t, http.MethodGet, path, alice.AccessToken, nil)
	detail.Counterpart = nil
	decode(t, w, &detail)
	if !detail.Block.IAmBlocked || detail.Counterpart != nil {
		t.Errorf("blocked detail = %+v", detail)
	}
	if w := s.do(t, http.MethodDelete, "/api/v1/users/"+alice.User.ID+"/block", bob.AccessToken, nil); w.Code != http.StatusOK {
		t.Errorf("unblock status = %d", w.Code)
	}

	carol := s.signUp(t, "carol")
	if w := s.do(t, http.MethodGet, path, carol.AccessToken, nil); w.Code != http.StatusForbidden {
		t.Errorf("outsider status = %d, want 403", w.Code)
	}
}

func TestSendImageMessage(t *testing.T) {
	s := newTestServer(t)
	alice := s.signUp(t, "alice")
	s.signUp(t, "bob")
	w := s.do(t, http.MethodPost, "/api/v1/conversations", alice.AccessToken, gin.H{"username": "bob"})
	var started struct {
		ID string `json:"id"`
	}
	decode(t, w, &started)

	var body bytes.Buffer
	mwr := multipart.NewWriter(&body)
	fw, _ := mwr.CreateFormFile("image", "pic.bin")
	_, _ = fw.Write([]byte("pixels"))
	_ = mwr.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+started.ID+"/messages", &body)
	req.Header.Set("Content-Type", mwr.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+alice.AccessToken)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Message models.Message `json:"message"`
	}
	decode(t, rec, &out)
	if out.Message.Img == "" || out.Message.Text != "" {
		t.Errorf("message = %+v", out.Message)
	}
}

func TestBlob_NotFound(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(t, http.MethodGet, "/blobs/images/missing", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
