package mongostore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"chatsync/internal/docstore"

	"github.com/google/uuid"
)

type doc struct {
	Username string   `json:"username"`
	Blocked  []string `json:"blocked"`
}

func newStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("skip: MONGO_URI not set")
	}
	s, err := Connect(context.Background(), uri, "chatsync_test", 2*time.Second)
	if err != nil {
		t.Skipf("skip: mongo not available: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	ref := docstore.Doc("users_"+uuid.NewString()[:8], "1")

	if _, err := s.Get(ctx, ref); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if err := s.Set(ctx, ref, doc{Username: "alice", Blocked: []string{}}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Update(ctx, ref, map[string]any{"blocked": []string{"2"}}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	snap, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	var d doc
	if err := snap.DataTo(&d); err != nil {
		t.Fatalf("DataTo() error = %v", err)
	}
	if d.Username != "alice" || len(d.Blocked) != 1 || d.Blocked[0] != "2" {
		t.Errorf("doc = %+v", d)
	}
	if snap.Version != 2 {
		t.Errorf("Version = %d, want 2", snap.Version)
	}
	got, err := s.Query(ctx, ref.Collection, "username", "alice")
	if err != nil || len(got) != 1 {
		t.Errorf("Query() = %d results, err %v; want 1", len(got), err)
	}
	_ = s.Delete(ctx, ref)
}
