package service

import (
	"context"
	"errors"
	"strings"

	"chatsync/internal/auth"
	"chatsync/internal/blob"
	"chatsync/internal/docstore"
	"chatsync/internal/models"

	"github.com/rs/zerolog/log"
)

// UserService 封装注册、登录与个人资料相关的业务逻辑。
type UserService struct {
	store    docstore.Store
	auth     *auth.Service
	uploader *blob.Uploader
}

func NewUserService(store docstore.Store, authSvc *auth.Service, uploader *blob.Uploader) *UserService {
	return &UserService{store: store, auth: authSvc, uploader: uploader}
}

type RegisterInput struct {
	Username string
	Email    string
	Password string
	Avatar   *blob.Asset
}

func usernameRef(username string) docstore.Ref {
	return docstore.Doc(models.CollectionUsernames, strings.ToLower(username))
}

// Register 创建账号，并写入同一 ID 下的个人资料和空的会话列表。
// 头像先于账号上传，上传失败时什么都不创建。
func (s *UserService) Register(ctx context.Context, in RegisterInput) (models.User, error) {
	username := strings.TrimSpace(in.Username)
	if _, err := findUserByName(ctx, s.store, username); err == nil {
		return models.User{}, ErrUsernameTaken
	} else if !errors.Is(err, ErrNotFound) {
		return models.User{}, err
	}

	var avatar string
	if in.Avatar != nil {
		res, err := s.uploader.Put(ctx, *in.Avatar)
		if err != nil {
			return models.User{}, &UploadError{Name: in.Avatar.Name, Err: err}
		}
		avatar = res.URL
	}

	id, err := s.auth.SignUp(ctx, in.Email, in.Password)
	if err != nil {
		return models.User{}, err
	}
	user := models.User{
		ID:       id,
		Username: username,
		Email:    strings.ToLower(strings.TrimSpace(in.Email)),
		Avatar:   avatar,
		Blocked:  []string{},
	}
	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		if _, err := tx.Get(usernameRef(username)); err == nil {
			return ErrUsernameTaken
		} else if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		if err := tx.Set(usernameRef(username), map[string]string{"userId": id}); err != nil {
			return err
		}
		if err := tx.Set(userRef(id), user); err != nil {
			return err
		}
		return tx.Set(indexRef(id), models.UserChats{Chats: []models.IndexEntry{}})
	})
	if err != nil {
		if derr := s.auth.DeleteAccount(context.WithoutCancel(ctx), id, in.Email); derr != nil {
			log.Error().Err(derr).Str("user_id", id).Msg("rollback account")
		}
		return models.User{}, err
	}
	return user, nil
}

func (s *UserService) Login(ctx context.Context, email, password string) (auth.Tokens, models.User, error) {
	tokens, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		return auth.Tokens{}, models.User{}, err
	}
	user, err := loadUser(ctx, s.store, tokens.UserID)
	if err != nil {
		return auth.Tokens{}, models.User{}, err
	}
	return tokens, user, nil
}

func (s *UserService) Refresh(ctx context.Context, refreshToken string) (auth.Tokens, error) {
	return s.auth.Refresh(ctx, refreshToken)
}

func (s *UserService) Logout(ctx context.Context, userID, refreshToken string) error {
	return s.auth.SignOut(ctx, userID, refreshToken)
}

func (s *UserService) Get(ctx context.Context, id string) (models.User, error) {
	return loadUser(ctx, s.store, id)
}

// SetBlocked 把 targetID 加入或移出 userID 的拉黑列表，返回更新后的资料。
func (s *UserService) SetBlocked(ctx context.Context, userID, targetID string, blocked bool) (models.User, error) {
	if userID == targetID || targetID == "" {
		return models.User{}, ErrInvalidContact
	}
	if _, err := loadUser(ctx, s.store, targetID); err != nil {
		return models.User{}, err
	}
	var out models.User
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		snap, err := tx.Get(userRef(userID))
		if err != nil {
			return err
		}
		var u models.User
		if err := snap.DataTo(&u); err != nil {
			return err
		}
		switch {
		case blocked && !u.HasBlocked(targetID):
			u.Blocked = append(u.Blocked, targetID)
		case !blocked && u.HasBlocked(targetID):
			kept := make([]string, 0, len(u.Blocked))
			for _, id := range u.Blocked {
				if id != targetID {
					kept = append(kept, id)
				}
			}
			u.Blocked = kept
		default:
			out = u
			return nil
		}
		if u.Blocked == nil {
			u.Blocked = []string{}
		}
		out = u
		return tx.Set(userRef(userID), u)
	})
	if err != nil {
		return models.User{}, err
	}
	return out, nil
}

// UpdateAvatar 上传新头像并合并写入个人资料。
func (s *UserService) UpdateAvatar(ctx context.Context, userID string, a blob.Asset) (string, error) {
	res, err := s.uploader.Put(ctx, a)
	if err != nil {
		return "", &UploadError{Name: a.Name, Err: err}
	}
	if err := s.store.Update(ctx, userRef(userID), map[string]any{"avatar": res.URL}); err != nil {
		return "", err
	}
	return res.URL, nil
}
