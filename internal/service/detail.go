package service

import (
	"context"
	"sort"

	"chatsync/internal/docstore"
	"chatsync/internal/feed"
	"chatsync/internal/models"

	"github.com/rs/zerolog/log"
)

func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].Seq < msgs[j].Seq
	})
}

// DetailCache 订阅当前打开的会话，发布按时间排序的消息列表。
type DetailCache struct {
	chatID string
	sub    *docstore.Subscription
	out    *feed.Latest[[]models.Message]
	done   chan struct{}
}

func OpenDetail(ctx context.Context, store docstore.Store, chatID string) (*DetailCache, error) {
	sub, err := store.Subscribe(ctx, chatRef(chatID))
	if err != nil {
		return nil, err
	}
	d := &DetailCache{chatID: chatID, sub: sub, out: feed.NewLatest[[]models.Message](), done: make(chan struct{})}
	go d.run()
	return d, nil
}

func (d *DetailCache) run() {
	defer close(d.done)
	defer d.out.Close()
	for snap := range d.sub.C() {
		msgs := []models.Message{}
		if snap.Exists {
			var chat models.Chat
			if err := snap.DataTo(&chat); err != nil {
				log.Error().Err(err).Str("conversation_id", d.chatID).Msg("decode conversation")
				continue
			}
			if chat.Messages != nil {
				msgs = chat.Messages
			}
		}
		sortMessages(msgs)
		d.out.Publish(msgs)
	}
}

func (d *DetailCache) ChatID() string { return d.chatID }

// Updates 投递最新的消息列表，Close 后关闭。
func (d *DetailCache) Updates() <-chan []models.Message { return d.out.C() }

// Close 解除订阅，返回后不会再有投递。
func (d *DetailCache) Close() {
	d.sub.Close()
	<-d.done
}
