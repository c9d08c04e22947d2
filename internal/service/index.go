package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatsync/internal/docstore"
	"chatsync/internal/feed"
	"chatsync/internal/models"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const hydrateConcurrency = 8

// Presence 报告用户是否在线。
type Presence interface {
	Online(userID string) bool
}

// ChatItem 是会话列表中的一行，附带对方的公开资料。
type ChatItem struct {
	ChatID      string          `json:"chatId"`
	ReceiverID  string          `json:"receiverId"`
	LastMessage string          `json:"lastMessage"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	IsSeen      bool            `json:"isSeen"`
	User        *models.Profile `json:"user,omitempty"`
	// Hidden 表示对方拉黑了当前用户，不展示其资料。
	Hidden bool `json:"hidden,omitempty"`
	// Unavailable 表示对方资料读取失败，条目仍然保留。
	Unavailable bool `json:"unavailable,omitempty"`
	Online      bool `json:"online"`
}

// Hydrate 并发读取每个条目对方的资料，全部完成后按 updatedAt 倒序返回。
func Hydrate(ctx context.Context, store docstore.Store, presence Presence, ownerID string, entries []models.IndexEntry) []ChatItem {
	profiles := make(map[string]*models.User)
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(hydrateConcurrency)
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		id := e.ReceiverID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		g.Go(func() error {
			u, err := loadUser(ctx, store, id)
			if err != nil {
				log.Warn().Err(err).Str("owner_id", ownerID).Str("user_id", id).Msg("load counterpart")
				return nil
			}
			mu.Lock()
			profiles[id] = &u
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	items := make([]ChatItem, 0, len(entries))
	for _, e := range entries {
		item := ChatItem{
			ChatID:      e.ChatID,
			ReceiverID:  e.ReceiverID,
			LastMessage: e.LastMessage,
			UpdatedAt:   e.UpdatedAt,
			IsSeen:      e.IsSeen,
		}
		u, ok := profiles[e.ReceiverID]
		switch {
		case !ok:
			item.Unavailable = true
		case u.HasBlocked(ownerID):
			item.Hidden = true
		default:
			p := u.Public()
			item.User = &p
		}
		if presence != nil && !item.Hidden {
			item.Online = presence.Online(e.ReceiverID)
		}
		items = append(items, item)
	}
	SortItems(items)
	return items
}

// SortItems 按 updatedAt 倒序排列，时间相同时按会话 ID 排列。
func SortItems(items []ChatItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].ChatID < items[j].ChatID
	})
}

// LoadIndex 一次性读取并补全 userID 的会话列表。
func LoadIndex(ctx context.Context, store docstore.Store, presence Presence, userID string) ([]ChatItem, error) {
	uc, err := loadIndex(ctx, store, userID)
	if err != nil {
		return nil, err
	}
	return Hydrate(ctx, store, presence, userID, uc.Chats), nil
}

// IndexStore 订阅 userchats/{id}，每次变化后补全资料并发布完整列表。
type IndexStore struct {
	userID string
	sub    *docstore.Subscription
	out    *feed.Latest[[]ChatItem]
	cancel context.CancelFunc
	done   chan struct{}
}

func OpenIndex(ctx context.Context, store docstore.Store, presence Presence, userID string) (*IndexStore, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub, err := store.Subscribe(ctx, indexRef(userID))
	if err != nil {
		cancel()
		return nil, err
	}
	s := &IndexStore{userID: userID, sub: sub, out: feed.NewLatest[[]ChatItem](), cancel: cancel, done: make(chan struct{})}
	go s.run(ctx, store, presence)
	return s, nil
}

func (s *IndexStore) run(ctx context.Context, store docstore.Store, presence Presence) {
	defer close(s.done)
	defer s.out.Close()
	for snap := range s.sub.C() {
		var entries []models.IndexEntry
		if snap.Exists {
			uc, err := decodeIndex(snap)
			if err != nil {
				log.Error().Err(err).Str("user_id", s.userID).Msg("decode index")
				continue
			}
			entries = uc.Chats
		}
		items := Hydrate(ctx, store, presence, s.userID, entries)
		if ctx.Err() != nil {
			return
		}
		s.out.Publish(items)
	}
}

// Updates 在列表变化时投递最新的完整列表，Close 后关闭。
func (s *IndexStore) Updates() <-chan []ChatItem { return s.out.C() }

// Close 停止订阅，返回后不会再有投递。
func (s *IndexStore) Close() {
	s.cancel()
	s.sub.Close()
	<-s.done
}
