package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatsync/internal/docstore"
	"chatsync/internal/models"
	"chatsync/internal/pubsub"

	"github.com/gin-gonic/gin"
)

func newService(t *testing.T) (*Service, *docstore.Memory) {
	t.Helper()
	store := docstore.NewMemory()
	broker := pubsub.NewLocal()
	t.Cleanup(func() {
		_ = broker.Close()
		_ = store.Close(context.Background())
	})
	return NewService(store, broker, "test-secret", 15*time.Minute, 24*time.Hour), store
}

func TestService_SignUpSignIn(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)

	id, err := s.SignUp(ctx, "Alice@Example.com ", "pw1234")
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if _, err := s.SignUp(ctx, "alice@example.com", "other"); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("SignUp() duplicate error = %v, want ErrEmailTaken", err)
	}

	tokens, err := s.SignIn(ctx, "alice@example.com", "pw1234")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if tokens.UserID != id {
		t.Errorf("SignIn() UserID = %v, want %v", tokens.UserID, id)
	}
	uid, err := s.Authenticate(tokens.AccessToken)
	if err != nil || uid != id {
		t.Errorf("Authenticate() = %v, %v; want %v", uid, err, id)
	}

	tests := []struct {
		name, email, password string
	}{
		{"wrong password", "alice@example.com", "nope"},
		{"unknown email", "bob@example.com", "pw1234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.SignIn(ctx, tt.email, tt.password); !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("SignIn() error = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestService_RefreshRotates(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)
	_, _ = s.SignUp(ctx, "a@x.io", "pw1234")
	first, err := s.SignIn(ctx, "a@x.io", "pw1234")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	second, err := s.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("Refresh() should rotate the refresh token")
	}
	if _, err := s.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Errorf("Refresh() with used token error = %v, want ErrInvalidRefreshToken", err)
	}
	if _, err := s.Refresh(ctx, "missing"); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Errorf("Refresh() with unknown token error = %v, want ErrInvalidRefreshToken", err)
	}
}

func TestService_SignOutRevokesAndNotifies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, _ := newService(t)
	id, _ := s.SignUp(ctx, "a@x.io", "pw1234")
	tokens, _ := s.SignIn(ctx, "a@x.io", "pw1234")

	events, err := s.Watch(ctx, id)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if ev := <-events; ev.UserID != id {
		t.Fatalf("first event = %+v, want signed in as %s", ev, id)
	}

	if err := s.SignOut(ctx, id, tokens.RefreshToken); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	select {
	case ev := <-events:
		if ev.UserID != "" {
			t.Errorf("event after SignOut = %+v, want signed out", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no auth event after SignOut")
	}
	if _, err := s.Refresh(ctx, tokens.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Errorf("Refresh() after SignOut error = %v, want ErrInvalidRefreshToken", err)
	}

	cancel()
	drained := make(chan struct{})
	go func() {
		for range events {
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("events not closed after context cancel")
	}
}

func TestService_PurgeSessions(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)
	now := time.Now().UTC()
	revoked := now.Add(-time.Minute)
	sessions := []models.RefreshSession{
		{Token: "live", UserID: "u", ExpiresAt: now.Add(time.Hour)},
		{Token: "expired", UserID: "u", ExpiresAt: now.Add(-time.Hour)},
		{Token: "revoked", UserID: "u", ExpiresAt: now.Add(time.Hour), RevokedAt: &revoked},
	}
	for _, sess := range sessions {
		_ = store.Set(ctx, docstore.Doc(models.CollectionSessions, sess.Token), sess)
	}

	n, err := s.PurgeSessions(ctx)
	if err != nil {
		t.Fatalf("PurgeSessions() error = %v", err)
	}
	if n != 2 {
		t.Errorf("PurgeSessions() = %d, want 2", n)
	}
	left, _ := store.List(ctx, models.CollectionSessions)
	if len(left) != 1 || left[0].Ref.ID != "live" {
		t.Errorf("remaining sessions = %+v, want only live", left)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	s, store := newService(t)
	id, _ := s.SignUp(ctx, "a@x.io", "pw1234")
	tokens, _ := s.SignIn(ctx, "a@x.io", "pw1234")
	_ = store.Set(ctx, docstore.Doc(models.CollectionUsers, id), models.User{ID: id, Username: "alice", Blocked: []string{}})
	orphan, _ := GenerateAccessToken("ghost", "test-secret", time.Minute)

	r := gin.New()
	r.GET("/me", Middleware(s), func(c *gin.Context) {
		c.String(http.StatusOK, GetUserID(c))
	})

	tests := []struct {
		name     string
		header   string
		query    string
		wantCode int
		wantBody string
	}{
		{"bearer header", "Bearer " + tokens.AccessToken, "", http.StatusOK, id},
		{"query token", "", "?token=" + tokens.AccessToken, http.StatusOK, id},
		{"missing token", "", "", http.StatusUnauthorized, ""},
		{"bad token", "Bearer nope", "", http.StatusUnauthorized, ""},
		{"no profile", "Bearer " + orphan, "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}
