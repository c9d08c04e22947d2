package service

import (
	"context"

	"chatsync/internal/docstore"
	"chatsync/internal/metrics"
	"chatsync/internal/models"

	"github.com/rs/zerolog/log"
)

// Reconciler 修复会话列表与会话内容之间的偏差：补齐缺失的条目，
// 并把落后于最后一条消息的条目更新到最新。
type Reconciler struct {
	store docstore.Store
}

func NewReconciler(store docstore.Store) *Reconciler {
	return &Reconciler{store: store}
}

// Run 扫描全部会话，返回修复的条目数量。
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	snaps, err := r.store.List(ctx, models.CollectionChats)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}
		var chat models.Chat
		if err := snap.DataTo(&chat); err != nil {
			log.Warn().Err(err).Str("ref", snap.Ref.String()).Msg("decode conversation")
			continue
		}
		if chat.ID == "" {
			chat.ID = snap.Ref.ID
		}
		sortMessages(chat.Messages)
		for _, owner := range chat.Members {
			ok, err := r.repair(ctx, chat, owner)
			if err != nil {
				log.Error().Err(err).Str("conversation_id", chat.ID).Str("user_id", owner).Msg("repair index entry")
				continue
			}
			if ok {
				repaired++
				metrics.IndexRepairs.Inc()
			}
		}
	}
	return repaired, nil
}

func (r *Reconciler) repair(ctx context.Context, chat models.Chat, owner string) (bool, error) {
	counterpart := chat.Counterpart(owner)
	changed := false
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		changed = false
		uc, err := txIndex(tx, owner)
		if err != nil {
			return err
		}
		i := uc.Find(chat.ID)
		last, hasLast := chat.Last()
		switch {
		case !hasLast && i < 0:
			creator := len(chat.Members) > 0 && chat.Members[0] == owner
			uc.Chats = append(uc.Chats, newEntry(chat.ID, counterpart, chat.CreatedAt, creator))
		case !hasLast:
			return nil
		case i < 0 || uc.Chats[i].UpdatedAt.Before(last.CreatedAt):
			preview := last.Text
			if preview == "" {
				preview = ImagePreview
			}
			applyEntry(&uc, chat.ID, counterpart, preview, last.CreatedAt, last.SenderID == owner)
		default:
			return nil
		}
		changed = true
		return tx.Set(indexRef(owner), uc)
	})
	return changed, err
}
