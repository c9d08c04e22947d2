package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"chatsync/internal/blob"
	"chatsync/internal/config"
	"chatsync/internal/docstore"
	"chatsync/internal/events"
	"chatsync/internal/metrics"
	"chatsync/internal/models"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ImagePreview 是纯图片消息在会话列表中的预览文字。
const ImagePreview = "[image]"

type SendRequest struct {
	ConversationID string
	SenderID       string
	// ReceiverID 为空时取会话中的另一方。
	ReceiverID string
	Text       string
	Asset      *blob.Asset
	// Block 是打开会话时缓存的拉黑关系，发送时不重新读取。
	Block      BlockState
	OnProgress func(blob.Progress)
}

// Composer 负责发送消息：上传附件、追加消息、更新双方会话列表。
type Composer struct {
	store    docstore.Store
	uploader *blob.Uploader
	events   events.Publisher
	mode     string
	now      func() time.Time
}

func NewComposer(store docstore.Store, uploader *blob.Uploader, pub events.Publisher, mode string) *Composer {
	if pub == nil {
		pub = events.Nop{}
	}
	if mode == "" {
		mode = config.IndexWriteTransaction
	}
	return &Composer{store: store, uploader: uploader, events: pub, mode: mode, now: time.Now}
}

func (c *Composer) Send(ctx context.Context, req SendRequest) (models.Message, error) {
	msg, err := c.send(ctx, req)
	if err != nil {
		reason := failureReason(err)
		metrics.SendFailures.WithLabelValues(reason).Inc()
		log.Error().Err(err).
			Str("conversation_id", req.ConversationID).
			Str("sender_id", req.SenderID).
			Str("reason", reason).
			Msg("send message")
	}
	return msg, err
}

func (c *Composer) send(ctx context.Context, req SendRequest) (models.Message, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" && req.Asset == nil {
		return models.Message{}, ErrEmptyMessage
	}
	if req.Block.Blocked() {
		return models.Message{}, ErrBlocked
	}

	msg := models.Message{SenderID: req.SenderID, Text: text}
	if req.Asset != nil {
		up := c.uploader.Start(ctx, *req.Asset)
		for p := range up.Progress() {
			if req.OnProgress != nil {
				req.OnProgress(p)
			}
		}
		res, err := up.Wait()
		if err != nil {
			return models.Message{}, &UploadError{Name: req.Asset.Name, Err: err}
		}
		metrics.UploadBytes.Add(float64(len(req.Asset.Data)))
		msg.Img, msg.Thumb = res.URL, res.ThumbURL
	}

	chat, msg, err := c.appendMessage(ctx, req.ConversationID, msg)
	if err != nil {
		return models.Message{}, err
	}
	metrics.MessagesSent.Inc()

	receiver := req.ReceiverID
	if receiver == "" {
		receiver = chat.Counterpart(req.SenderID)
	}
	preview := text
	if preview == "" {
		preview = ImagePreview
	}
	idxErr := c.updateIndexes(ctx, req.ConversationID, req.SenderID, receiver, preview, msg.CreatedAt)

	c.events.MessageSent(ctx, events.MessageSent{
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		ReceiverID:     receiver,
		Seq:            msg.Seq,
		HasImage:       msg.Img != "",
		CreatedAt:      msg.CreatedAt,
	})
	return msg, idxErr
}

// appendMessage 在事务中追加消息：createdAt 严格递增，seq 连续递增。
func (c *Composer) appendMessage(ctx context.Context, chatID string, msg models.Message) (models.Chat, models.Message, error) {
	var chat models.Chat
	err := c.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		chat, err = txChat(tx, chatID)
		if err != nil {
			return err
		}
		if !isMember(chat, msg.SenderID) {
			return ErrNotMember
		}
		msg.CreatedAt = c.now().UTC()
		msg.Seq = 1
		if last, ok := chat.Last(); ok {
			if !msg.CreatedAt.After(last.CreatedAt) {
				msg.CreatedAt = last.CreatedAt.Add(time.Microsecond)
			}
			msg.Seq = last.Seq + 1
		}
		chat.Messages = append(chat.Messages, msg)
		return tx.Set(chatRef(chatID), chat)
	})
	return chat, msg, err
}

func isMember(chat models.Chat, userID string) bool {
	for _, m := range chat.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// applyEntry 更新 owner 列表中的会话条目，缺失时插入；不会让 updatedAt 倒退。
func applyEntry(uc *models.UserChats, chatID, counterpart, preview string, at time.Time, seen bool) {
	i := uc.Find(chatID)
	if i < 0 {
		uc.Chats = append(uc.Chats, models.IndexEntry{ChatID: chatID, ReceiverID: counterpart})
		i = len(uc.Chats) - 1
	} else if uc.Chats[i].UpdatedAt.After(at) {
		return
	}
	e := &uc.Chats[i]
	e.LastMessage = preview
	e.UpdatedAt = at
	e.IsSeen = seen
}

func (c *Composer) updateIndexes(ctx context.Context, chatID, sender, receiver, preview string, at time.Time) error {
	if c.mode == config.IndexWriteDual {
		return c.updateIndexesDual(ctx, chatID, sender, receiver, preview, at)
	}
	err := c.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		for _, p := range [][2]string{{sender, receiver}, {receiver, sender}} {
			owner, counterpart := p[0], p[1]
			uc, err := txIndex(tx, owner)
			if err != nil {
				return err
			}
			applyEntry(&uc, chatID, counterpart, preview, at, owner == sender)
			if err := tx.Set(indexRef(owner), uc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		metrics.IndexWriteFailures.WithLabelValues(c.mode).Inc()
		return &IndexUpdateError{ConversationID: chatID, Failed: map[string]error{sender: err, receiver: err}}
	}
	return nil
}

// updateIndexesDual 并发地各自更新两份会话列表，互不回滚。
func (c *Composer) updateIndexesDual(ctx context.Context, chatID, sender, receiver, preview string, at time.Time) error {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed = map[string]error{}
	)
	for _, p := range [][2]string{{sender, receiver}, {receiver, sender}} {
		owner, counterpart := p[0], p[1]
		g.Go(func() error {
			err := c.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
				uc, err := txIndex(tx, owner)
				if err != nil {
					return err
				}
				applyEntry(&uc, chatID, counterpart, preview, at, owner == sender)
				return tx.Set(indexRef(owner), uc)
			})
			if err != nil {
				metrics.IndexWriteFailures.WithLabelValues(c.mode).Inc()
				mu.Lock()
				failed[owner] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(failed) > 0 {
		return &IndexUpdateError{ConversationID: chatID, Failed: failed}
	}
	return nil
}

func failureReason(err error) string {
	var upErr *UploadError
	var idxErr *IndexUpdateError
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return "empty"
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.As(err, &upErr):
		return "upload"
	case errors.As(err, &idxErr):
		return "index"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotMember):
		return "not_member"
	default:
		return "store"
	}
}
