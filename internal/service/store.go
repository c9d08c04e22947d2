package service

import (
	"context"
	"errors"

	"chatsync/internal/docstore"
	"chatsync/internal/models"
)

func userRef(id string) docstore.Ref  { return docstore.Doc(models.CollectionUsers, id) }
func indexRef(id string) docstore.Ref { return docstore.Doc(models.CollectionUserChats, id) }
func chatRef(id string) docstore.Ref  { return docstore.Doc(models.CollectionChats, id) }

func loadUser(ctx context.Context, store docstore.Store, id string) (models.User, error) {
	snap, err := store.Get(ctx, userRef(id))
	if err != nil {
		return models.User{}, err
	}
	var u models.User
	if err := snap.DataTo(&u); err != nil {
		return models.User{}, err
	}
	return u, nil
}

func findUserByName(ctx context.Context, store docstore.Store, username string) (models.User, error) {
	snaps, err := store.Query(ctx, models.CollectionUsers, "username", username)
	if err != nil {
		return models.User{}, err
	}
	if len(snaps) == 0 {
		return models.User{}, ErrNotFound
	}
	var u models.User
	if err := snaps[0].DataTo(&u); err != nil {
		return models.User{}, err
	}
	return u, nil
}

func loadIndex(ctx context.Context, store docstore.Store, userID string) (models.UserChats, error) {
	snap, err := store.Get(ctx, indexRef(userID))
	if errors.Is(err, docstore.ErrNotFound) {
		return models.UserChats{Chats: []models.IndexEntry{}}, nil
	}
	if err != nil {
		return models.UserChats{}, err
	}
	return decodeIndex(snap)
}

// txIndex 在事务内读取会话列表，文档不存在时返回空列表。
func txIndex(tx docstore.Tx, userID string) (models.UserChats, error) {
	snap, err := tx.Get(indexRef(userID))
	if errors.Is(err, docstore.ErrNotFound) {
		return models.UserChats{Chats: []models.IndexEntry{}}, nil
	}
	if err != nil {
		return models.UserChats{}, err
	}
	return decodeIndex(snap)
}

func decodeIndex(snap docstore.Snapshot) (models.UserChats, error) {
	var uc models.UserChats
	if err := snap.DataTo(&uc); err != nil {
		return models.UserChats{}, err
	}
	if uc.Chats == nil {
		uc.Chats = []models.IndexEntry{}
	}
	return uc, nil
}

func txChat(tx docstore.Tx, chatID string) (models.Chat, error) {
	snap, err := tx.Get(chatRef(chatID))
	if err != nil {
		return models.Chat{}, err
	}
	var chat models.Chat
	if err := snap.DataTo(&chat); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}
