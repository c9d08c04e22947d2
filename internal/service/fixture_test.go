package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/blob"
	"chatsync/internal/docstore"
	"chatsync/internal/events"
	"chatsync/internal/models"
	"chatsync/internal/pubsub"
)

type recorder struct {
	mu      sync.Mutex
	sent    []events.MessageSent
	started []events.ConversationStarted
}

func (r *recorder) MessageSent(_ context.Context, e events.MessageSent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, e)
}

func (r *recorder) ConversationStarted(_ context.Context, e events.ConversationStarted) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, e)
}

func (r *recorder) Close() error { return nil }

func (r *recorder) counts() (sent, started int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent), len(r.started)
}

type fixture struct {
	store    docstore.Store
	mem      *docstore.Memory
	auth     *auth.Service
	blobs    *blob.Memory
	users    *UserService
	contacts *ContactService
	composer *Composer
	events   *recorder
}

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()
	mem := docstore.NewMemory()
	return newFixtureWithStore(t, mode, mem, mem)
}

func newFixtureWithStore(t *testing.T, mode string, mem *docstore.Memory, store docstore.Store) *fixture {
	t.Helper()
	broker := pubsub.NewLocal()
	t.Cleanup(func() {
		_ = broker.Close()
		_ = mem.Close(context.Background())
	})
	blobs := blob.NewMemory("http://test")
	uploader := blob.NewUploader(blobs, 1<<20)
	authSvc := auth.NewService(store, broker, "test-secret", time.Minute, time.Hour)
	rec := &recorder{}
	return &fixture{
		store:    store,
		mem:      mem,
		auth:     authSvc,
		blobs:    blobs,
		users:    NewUserService(store, authSvc, uploader),
		contacts: NewContactService(store, rec, mode),
		composer: NewComposer(store, uploader, rec, mode),
		events:   rec,
	}
}

func (f *fixture) register(t *testing.T, username string) models.User {
	t.Helper()
	u, err := f.users.Register(context.Background(), RegisterInput{Username: username, Email: username + "@example.com", Password: "pw1234"})
	if err != nil {
		t.Fatalf("Register(%s) error = %v", username, err)
	}
	return u
}

func (f *fixture) startChat(t *testing.T, a, b models.User) string {
	t.Helper()
	id, err := f.contacts.StartConversation(context.Background(), a.ID, b.Username)
	if err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	return id
}

func (f *fixture) chat(t *testing.T, id string) models.Chat {
	t.Helper()
	snap, err := f.mem.Get(context.Background(), chatRef(id))
	if err != nil {
		t.Fatalf("Get(chat %s) error = %v", id, err)
	}
	var c models.Chat
	if err := snap.DataTo(&c); err != nil {
		t.Fatalf("DataTo() error = %v", err)
	}
	return c
}

func (f *fixture) entry(t *testing.T, userID, chatID string) (models.IndexEntry, bool) {
	t.Helper()
	uc, err := loadIndex(context.Background(), f.mem, userID)
	if err != nil {
		t.Fatalf("loadIndex(%s) error = %v", userID, err)
	}
	i := uc.Find(chatID)
	if i < 0 {
		return models.IndexEntry{}, false
	}
	return uc.Chats[i], true
}

func (f *fixture) count(t *testing.T, collection string) int {
	t.Helper()
	snaps, err := f.mem.List(context.Background(), collection)
	if err != nil {
		t.Fatalf("List(%s) error = %v", collection, err)
	}
	return len(snaps)
}

// flakyStore fails transactional writes to selected documents.
type flakyStore struct {
	docstore.Store
	mu   sync.Mutex
	fail map[docstore.Ref]bool
}

func newFlakyStore(inner docstore.Store) *flakyStore {
	return &flakyStore{Store: inner, fail: map[docstore.Ref]bool{}}
}

func (s *flakyStore) setFailing(ref docstore.Ref, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[ref] = on
}

var errInjected = errors.New("injected write failure")

type flakyTx struct {
	docstore.Tx
	s *flakyStore
}

func (t flakyTx) Set(ref docstore.Ref, v any) error {
	t.s.mu.Lock()
	fail := t.s.fail[ref]
	t.s.mu.Unlock()
	if fail {
		return errInjected
	}
	return t.Tx.Set(ref, v)
}

func (s *flakyStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	return s.Store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return fn(ctx, flakyTx{Tx: tx, s: s})
	})
}

func waitState(t *testing.T, s *Session, what string, ok func(SessionState) bool) SessionState {
	t.Helper()
	if st := s.State(); ok(st) {
		return st
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st, open := <-s.States():
			if !open {
				t.Fatalf("states closed while waiting for %s", what)
			}
			if ok(st) {
				return st
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s; last state %+v", what, s.State())
		}
	}
}
