package service

import (
	"context"
	"strings"
	"time"

	"chatsync/internal/config"
	"chatsync/internal/docstore"
	"chatsync/internal/events"
	"chatsync/internal/metrics"
	"chatsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ContactService 负责按用户名查找联系人并建立会话。
type ContactService struct {
	store  docstore.Store
	events events.Publisher
	mode   string
	now    func() time.Time
	newID  func() string
}

func NewContactService(store docstore.Store, pub events.Publisher, mode string) *ContactService {
	if pub == nil {
		pub = events.Nop{}
	}
	if mode == "" {
		mode = config.IndexWriteTransaction
	}
	return &ContactService{store: store, events: pub, mode: mode, now: time.Now, newID: uuid.NewString}
}

// SearchUser 按用户名精确匹配，返回对外公开的资料。
func (s *ContactService) SearchUser(ctx context.Context, username string) (models.Profile, error) {
	u, err := findUserByName(ctx, s.store, strings.TrimSpace(username))
	if err != nil {
		return models.Profile{}, err
	}
	return u.Public(), nil
}

// StartConversation 与 username 对应的用户建立会话并返回会话 ID。
// 双方任一列表中已有彼此的会话时返回已有 ID；只有对方列表里有时补回自己的条目。
func (s *ContactService) StartConversation(ctx context.Context, currentUserID, username string) (string, error) {
	target, err := findUserByName(ctx, s.store, strings.TrimSpace(username))
	if err != nil {
		return "", err
	}
	if target.ID == currentUserID {
		return "", ErrInvalidContact
	}
	mine, err := loadIndex(ctx, s.store, currentUserID)
	if err != nil {
		return "", err
	}
	if i := mine.FindByReceiver(target.ID); i >= 0 {
		return mine.Chats[i].ChatID, nil
	}
	theirs, err := loadIndex(ctx, s.store, target.ID)
	if err != nil {
		return "", err
	}
	if j := theirs.FindByReceiver(currentUserID); j >= 0 {
		return s.rejoin(ctx, currentUserID, target.ID, theirs.Chats[j])
	}

	now := s.now().UTC()
	chat := models.Chat{ID: s.newID(), Members: []string{currentUserID, target.ID}, CreatedAt: now, Messages: []models.Message{}}
	var id string
	if s.mode == config.IndexWriteDual {
		id, err = s.createSequential(ctx, chat, currentUserID, target.ID)
	} else {
		id, err = s.createAtomic(ctx, chat, currentUserID, target.ID)
	}
	if err != nil {
		return "", err
	}
	if id == chat.ID {
		metrics.ConversationsStarted.Inc()
		s.events.ConversationStarted(ctx, events.ConversationStarted{ConversationID: id, Members: chat.Members, CreatedAt: now})
	}
	return id, nil
}

func newEntry(chatID, counterpart string, at time.Time, seen bool) models.IndexEntry {
	return models.IndexEntry{ChatID: chatID, ReceiverID: counterpart, UpdatedAt: at, IsSeen: seen}
}

// rejoinEntry 根据对方的条目生成自己缺失的那一条。
func rejoinEntry(theirs models.IndexEntry, other string) models.IndexEntry {
	e := newEntry(theirs.ChatID, other, theirs.UpdatedAt, theirs.LastMessage == "")
	e.LastMessage = theirs.LastMessage
	return e
}

// rejoin 把对方已有的会话补进 me 的列表。
func (s *ContactService) rejoin(ctx context.Context, me, other string, theirs models.IndexEntry) (string, error) {
	id := theirs.ChatID
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		mine, err := txIndex(tx, me)
		if err != nil {
			return err
		}
		if i := mine.FindByReceiver(other); i >= 0 {
			id = mine.Chats[i].ChatID
			return nil
		}
		mine.Chats = append(mine.Chats, rejoinEntry(theirs, other))
		return tx.Set(indexRef(me), mine)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *ContactService) createAtomic(ctx context.Context, chat models.Chat, me, other string) (string, error) {
	id := chat.ID
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		mine, err := txIndex(tx, me)
		if err != nil {
			return err
		}
		if i := mine.FindByReceiver(other); i >= 0 {
			id = mine.Chats[i].ChatID
			return nil
		}
		theirs, err := txIndex(tx, other)
		if err != nil {
			return err
		}
		if j := theirs.FindByReceiver(me); j >= 0 {
			id = theirs.Chats[j].ChatID
			mine.Chats = append(mine.Chats, rejoinEntry(theirs.Chats[j], other))
			return tx.Set(indexRef(me), mine)
		}
		mine.Chats = append(mine.Chats, newEntry(chat.ID, other, chat.CreatedAt, true))
		theirs.Chats = append(theirs.Chats, newEntry(chat.ID, me, chat.CreatedAt, false))
		if err := tx.Set(chatRef(chat.ID), chat); err != nil {
			return err
		}
		if err := tx.Set(indexRef(me), mine); err != nil {
			return err
		}
		return tx.Set(indexRef(other), theirs)
	})
	return id, err
}

// createSequential 依次写入会话和双方列表，中途失败时由对账任务补齐。
func (s *ContactService) createSequential(ctx context.Context, chat models.Chat, me, other string) (string, error) {
	if err := s.store.Set(ctx, chatRef(chat.ID), chat); err != nil {
		return "", err
	}
	failed := map[string]error{}
	for _, p := range []struct {
		owner, counterpart string
		seen               bool
	}{{me, other, true}, {other, me, false}} {
		err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
			uc, err := txIndex(tx, p.owner)
			if err != nil {
				return err
			}
			if uc.Find(chat.ID) >= 0 {
				return nil
			}
			uc.Chats = append(uc.Chats, newEntry(chat.ID, p.counterpart, chat.CreatedAt, p.seen))
			return tx.Set(indexRef(p.owner), uc)
		})
		if err != nil {
			metrics.IndexWriteFailures.WithLabelValues(s.mode).Inc()
			log.Error().Err(err).Str("conversation_id", chat.ID).Str("user_id", p.owner).Msg("write index entry")
			failed[p.owner] = err
		}
	}
	if len(failed) > 0 {
		return chat.ID, &IndexUpdateError{ConversationID: chat.ID, Failed: failed}
	}
	return chat.ID, nil
}

// MarkSeen 把 userID 列表中该会话标记为已读。
func (s *ContactService) MarkSeen(ctx context.Context, userID, chatID string) error {
	return s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		uc, err := txIndex(tx, userID)
		if err != nil {
			return err
		}
		i := uc.Find(chatID)
		if i < 0 {
			return ErrNotFound
		}
		if uc.Chats[i].IsSeen {
			return nil
		}
		uc.Chats[i].IsSeen = true
		return tx.Set(indexRef(userID), uc)
	})
}

// Conversation 返回 userID 可见的会话内容。
func (s *ContactService) Conversation(ctx context.Context, userID, chatID string) (models.Chat, error) {
	snap, err := s.store.Get(ctx, chatRef(chatID))
	if err != nil {
		return models.Chat{}, err
	}
	var chat models.Chat
	if err := snap.DataTo(&chat); err != nil {
		return models.Chat{}, err
	}
	if !isMember(chat, userID) {
		return models.Chat{}, ErrNotMember
	}
	sortMessages(chat.Messages)
	return chat, nil
}
