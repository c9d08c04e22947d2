package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatsync/internal/docstore"
	"chatsync/internal/models"
	"chatsync/internal/pubsub"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmailTaken          = errors.New("email taken")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

// Tokens 是登录或刷新后签发的令牌对。
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
}

// Event 是登录状态变化，UserID 为空表示已登出。
type Event struct {
	UserID string `json:"userId"`
}

type Service struct {
	store      docstore.Store
	broker     pubsub.Broker
	secret     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewService(store docstore.Store, broker pubsub.Broker, secret string, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{store: store, broker: broker, secret: secret, accessTTL: accessTTL, refreshTTL: refreshTTL, now: time.Now}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func topic(userID string) string { return "auth:" + userID }

// SignUp 创建账号，邮箱与账号在同一事务中写入。
func (s *Service) SignUp(ctx context.Context, email, password string) (string, error) {
	email = normalizeEmail(email)
	hash, err := HashPassword(password)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		_, err := tx.Get(docstore.Doc(models.CollectionEmails, email))
		if err == nil {
			return ErrEmailTaken
		}
		if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		if err := tx.Set(docstore.Doc(models.CollectionEmails, email), models.EmailClaim{AccountID: id}); err != nil {
			return err
		}
		return tx.Set(docstore.Doc(models.CollectionAccounts, id), models.Account{
			ID:           id,
			Email:        email,
			PasswordHash: hash,
			CreatedAt:    s.now().UTC(),
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// DeleteAccount 删除账号及其邮箱占用，用于注册失败时回滚。
func (s *Service) DeleteAccount(ctx context.Context, id, email string) error {
	if err := s.store.Delete(ctx, docstore.Doc(models.CollectionEmails, normalizeEmail(email))); err != nil {
		return err
	}
	return s.store.Delete(ctx, docstore.Doc(models.CollectionAccounts, id))
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Tokens, error) {
	snap, err := s.store.Get(ctx, docstore.Doc(models.CollectionEmails, normalizeEmail(email)))
	if errors.Is(err, docstore.ErrNotFound) {
		return Tokens{}, ErrInvalidCredentials
	}
	if err != nil {
		return Tokens{}, err
	}
	var claim models.EmailClaim
	if err := snap.DataTo(&claim); err != nil {
		return Tokens{}, err
	}
	snap, err = s.store.Get(ctx, docstore.Doc(models.CollectionAccounts, claim.AccountID))
	if errors.Is(err, docstore.ErrNotFound) {
		return Tokens{}, ErrInvalidCredentials
	}
	if err != nil {
		return Tokens{}, err
	}
	var acc models.Account
	if err := snap.DataTo(&acc); err != nil {
		return Tokens{}, err
	}
	if !VerifyPassword(acc.PasswordHash, password) {
		return Tokens{}, ErrInvalidCredentials
	}

	tokens, sess, err := s.issue(acc.ID)
	if err != nil {
		return Tokens{}, err
	}
	if err := s.store.Set(ctx, docstore.Doc(models.CollectionSessions, sess.Token), sess); err != nil {
		return Tokens{}, err
	}
	s.publish(ctx, acc.ID, Event{UserID: acc.ID})
	return tokens, nil
}

func (s *Service) issue(userID string) (Tokens, models.RefreshSession, error) {
	at, err := GenerateAccessToken(userID, s.secret, s.accessTTL)
	if err != nil {
		return Tokens{}, models.RefreshSession{}, err
	}
	rt, err := GenerateRefreshToken()
	if err != nil {
		return Tokens{}, models.RefreshSession{}, err
	}
	now := s.now().UTC()
	sess := models.RefreshSession{Token: rt, UserID: userID, ExpiresAt: now.Add(s.refreshTTL), CreatedAt: now}
	return Tokens{AccessToken: at, RefreshToken: rt, UserID: userID}, sess, nil
}

// Refresh 校验旧刷新令牌并签发新令牌对（旋转刷新）。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	var result Tokens
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		ref := docstore.Doc(models.CollectionSessions, refreshToken)
		snap, err := tx.Get(ref)
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrInvalidRefreshToken
		}
		if err != nil {
			return err
		}
		var old models.RefreshSession
		if err := snap.DataTo(&old); err != nil {
			return err
		}
		now := s.now().UTC()
		if !old.Active(now) {
			return ErrInvalidRefreshToken
		}
		old.RevokedAt = &now
		if err := tx.Set(ref, old); err != nil {
			return err
		}
		tokens, sess, err := s.issue(old.UserID)
		if err != nil {
			return err
		}
		if err := tx.Set(docstore.Doc(models.CollectionSessions, sess.Token), sess); err != nil {
			return err
		}
		result = tokens
		return nil
	})
	if err != nil {
		return Tokens{}, err
	}
	return result, nil
}

// SignOut 吊销刷新令牌并通知该用户的所有连接。
func (s *Service) SignOut(ctx context.Context, userID, refreshToken string) error {
	if refreshToken != "" {
		ref := docstore.Doc(models.CollectionSessions, refreshToken)
		err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
			snap, err := tx.Get(ref)
			if errors.Is(err, docstore.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			var sess models.RefreshSession
			if err := snap.DataTo(&sess); err != nil {
				return err
			}
			if sess.UserID != userID || sess.RevokedAt != nil {
				return nil
			}
			now := s.now().UTC()
			sess.RevokedAt = &now
			return tx.Set(ref, sess)
		})
		if err != nil {
			return err
		}
	}
	s.publish(ctx, userID, Event{})
	return nil
}

func (s *Service) publish(ctx context.Context, userID string, ev Event) {
	if s.broker == nil {
		return
	}
	b, _ := json.Marshal(ev)
	if err := s.broker.Publish(ctx, topic(userID), b); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("publish auth event")
	}
}

// Authenticate 校验访问令牌并返回令牌中的用户 ID。
func (s *Service) Authenticate(token string) (string, error) {
	claims, err := ParseAccessToken(token, s.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return claims.UserID, nil
}

// Watch 返回 userID 的登录状态流：先投递当前已登录状态，之后投递广播的变化。
// ctx 结束或订阅断开时通道关闭。
func (s *Service) Watch(ctx context.Context, userID string) (<-chan Event, error) {
	out := make(chan Event, 4)
	out <- Event{UserID: userID}
	if s.broker == nil {
		go func() {
			<-ctx.Done()
			close(out)
		}()
		return out, nil
	}
	sub, err := s.broker.Subscribe(ctx, topic(userID))
	if err != nil {
		return nil, err
	}
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-sub.C():
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal(b, &ev); err != nil {
					log.Warn().Err(err).Str("user_id", userID).Msg("decode auth event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// PurgeSessions 删除已过期或已吊销的刷新会话，返回删除数量。
func (s *Service) PurgeSessions(ctx context.Context) (int, error) {
	snaps, err := s.store.List(ctx, models.CollectionSessions)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	n := 0
	for _, snap := range snaps {
		var sess models.RefreshSession
		if err := snap.DataTo(&sess); err != nil {
			log.Warn().Err(err).Str("ref", snap.Ref.String()).Msg("decode session")
			continue
		}
		if sess.Active(now) {
			continue
		}
		if err := s.store.Delete(ctx, snap.Ref); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
