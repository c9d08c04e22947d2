package service

import (
	"context"
	"errors"
	"sync"

	"chatsync/internal/auth"
	"chatsync/internal/blob"
	"chatsync/internal/docstore"
	"chatsync/internal/feed"
	"chatsync/internal/metrics"
	"chatsync/internal/models"

	"github.com/rs/zerolog/log"
)

type Phase string

const (
	PhaseUnknown       Phase = "unknown"
	PhaseLoading       Phase = "loading"
	PhaseAuthenticated Phase = "authenticated"
	PhaseAnonymous     Phase = "anonymous"
)

// OpenConversation 是当前打开的会话。对方拉黑了我时 Counterpart 为空。
type OpenConversation struct {
	ID          string           `json:"id"`
	Counterpart *models.Profile  `json:"counterpart,omitempty"`
	Block       BlockState       `json:"block"`
	Messages    []models.Message `json:"messages"`
}

// SessionState 是会话状态的完整快照。
type SessionState struct {
	Phase  Phase             `json:"phase"`
	User   *models.User      `json:"user,omitempty"`
	Chats  []ChatItem        `json:"chats"`
	Open   *OpenConversation `json:"open,omitempty"`
	Upload *blob.Progress    `json:"upload,omitempty"`
}

// Loading 对应界面上的加载标记。
func (s SessionState) Loading() bool { return s.Phase == PhaseUnknown || s.Phase == PhaseLoading }

type SessionDeps struct {
	Store    docstore.Store
	Presence Presence
	Users    *UserService
	Contacts *ContactService
	Composer *Composer
}

// Session 是一个客户端连接的应用上下文：登录状态、会话列表和当前打开的会话。
// 依赖的订阅随登录建立，随登出或 Run 结束释放。
type Session struct {
	deps SessionDeps
	out  *feed.Latest[SessionState]

	opMu sync.Mutex // 串行化用户操作

	mu          sync.Mutex
	runCtx      context.Context
	state       SessionState
	user        models.User
	counterpart models.User
	index       *IndexStore
	detail      *DetailCache
}

func NewSession(deps SessionDeps) *Session {
	s := &Session{deps: deps, out: feed.NewLatest[SessionState](), state: SessionState{Phase: PhaseUnknown, Chats: []ChatItem{}}}
	s.out.Publish(s.snapshotLocked())
	return s
}

// States 投递状态快照，Run 返回后关闭。
func (s *Session) States() <-chan SessionState { return s.out.C() }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() SessionState {
	st := s.state
	st.Chats = append([]ChatItem(nil), s.state.Chats...)
	if s.state.User != nil {
		u := *s.state.User
		st.User = &u
	}
	if s.state.Open != nil {
		o := *s.state.Open
		o.Messages = append([]models.Message(nil), s.state.Open.Messages...)
		st.Open = &o
	}
	if s.state.Upload != nil {
		p := *s.state.Upload
		st.Upload = &p
	}
	return st
}

func (s *Session) publishLocked() {
	s.out.Publish(s.snapshotLocked())
}

func (s *Session) setPhaseLocked(p Phase) {
	if s.state.Phase == p {
		return
	}
	metrics.Sessions.WithLabelValues(string(s.state.Phase)).Dec()
	metrics.Sessions.WithLabelValues(string(p)).Inc()
	s.state.Phase = p
}

// Run 按登录事件驱动状态机，直到 ctx 结束或事件流关闭。
func (s *Session) Run(ctx context.Context, events <-chan auth.Event) error {
	s.mu.Lock()
	s.runCtx = ctx
	metrics.Sessions.WithLabelValues(string(s.state.Phase)).Inc()
	s.mu.Unlock()
	defer func() {
		s.opMu.Lock()
		s.mu.Lock()
		s.teardownLocked()
		metrics.Sessions.WithLabelValues(string(s.state.Phase)).Dec()
		s.mu.Unlock()
		s.opMu.Unlock()
		s.out.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.opMu.Lock()
			if ev.UserID == "" {
				s.signOut()
			} else {
				s.signIn(ctx, ev.UserID)
			}
			s.opMu.Unlock()
		}
	}
}

func (s *Session) signIn(ctx context.Context, userID string) {
	s.mu.Lock()
	s.teardownLocked()
	s.setPhaseLocked(PhaseLoading)
	s.publishLocked()
	s.mu.Unlock()

	user, err := loadUser(ctx, s.deps.Store, userID)
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			log.Error().Err(err).Str("user_id", userID).Msg("load session user")
		}
		s.mu.Lock()
		s.setPhaseLocked(PhaseAnonymous)
		s.publishLocked()
		s.mu.Unlock()
		return
	}
	idx, err := OpenIndex(ctx, s.deps.Store, s.deps.Presence, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("open conversation index")
		s.mu.Lock()
		s.setPhaseLocked(PhaseAnonymous)
		s.publishLocked()
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.user = user
	s.index = idx
	s.state.User = &user
	s.setPhaseLocked(PhaseAuthenticated)
	s.publishLocked()
	s.mu.Unlock()

	go func() {
		for items := range idx.Updates() {
			s.mu.Lock()
			if s.index == idx {
				s.state.Chats = items
				s.publishLocked()
			}
			s.mu.Unlock()
		}
	}()
}

func (s *Session) signOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
	s.setPhaseLocked(PhaseAnonymous)
	s.publishLocked()
}

// teardownLocked 关闭所有依赖登录状态的订阅并清空状态。
func (s *Session) teardownLocked() {
	if s.detail != nil {
		s.detail.Close()
		s.detail = nil
	}
	if s.index != nil {
		s.index.Close()
		s.index = nil
	}
	s.user = models.User{}
	s.counterpart = models.User{}
	s.state.User = nil
	s.state.Chats = []ChatItem{}
	s.state.Open = nil
	s.state.Upload = nil
	s.setPhaseLocked(PhaseAnonymous)
}

func (s *Session) authenticated() (models.User, context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase != PhaseAuthenticated {
		return models.User{}, nil, ErrNotAuthenticated
	}
	return s.user, s.runCtx, nil
}

// OpenConversation 打开会话：读取双方资料计算拉黑关系、订阅消息并标记已读。
func (s *Session) OpenConversation(ctx context.Context, chatID string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	me, runCtx, err := s.authenticated()
	if err != nil {
		return err
	}
	chat, err := s.deps.Contacts.Conversation(ctx, me.ID, chatID)
	if err != nil {
		return err
	}
	current, err := loadUser(ctx, s.deps.Store, me.ID)
	if err != nil {
		return err
	}
	other, err := loadUser(ctx, s.deps.Store, chat.Counterpart(me.ID))
	if err != nil {
		return err
	}
	block := ResolveBlock(current, other)

	detail, err := OpenDetail(runCtx, s.deps.Store, chatID)
	if err != nil {
		return err
	}
	if err := s.deps.Contacts.MarkSeen(ctx, me.ID, chatID); err != nil {
		log.Warn().Err(err).Str("user_id", me.ID).Str("conversation_id", chatID).Msg("mark seen")
	}

	s.mu.Lock()
	if s.detail != nil {
		s.detail.Close()
	}
	s.detail = detail
	s.user = current
	s.state.User = &current
	s.counterpart = other
	open := &OpenConversation{ID: chatID, Block: block, Messages: chat.Messages}
	if !block.IAmBlocked {
		p := other.Public()
		open.Counterpart = &p
	}
	s.state.Open = open
	s.publishLocked()
	s.mu.Unlock()

	go func() {
		for msgs := range detail.Updates() {
			s.mu.Lock()
			if s.detail == detail && s.state.Open != nil {
				s.state.Open.Messages = msgs
				s.publishLocked()
			}
			s.mu.Unlock()
		}
	}()
	return nil
}

func (s *Session) CloseConversation() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detail != nil {
		s.detail.Close()
		s.detail = nil
	}
	s.state.Open = nil
	s.counterpart = models.User{}
	s.publishLocked()
}

// Send 向当前会话发送消息，使用打开会话时缓存的拉黑关系。
// 无论成功与否，上传进度都会被清除。
func (s *Session) Send(ctx context.Context, text string, asset *blob.Asset) (models.Message, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	me, _, err := s.authenticated()
	if err != nil {
		return models.Message{}, err
	}
	s.mu.Lock()
	if s.state.Open == nil {
		s.mu.Unlock()
		return models.Message{}, ErrNoConversation
	}
	req := SendRequest{
		ConversationID: s.state.Open.ID,
		SenderID:       me.ID,
		ReceiverID:     s.counterpart.ID,
		Text:           text,
		Asset:          asset,
		Block:          s.state.Open.Block,
	}
	s.mu.Unlock()
	if asset != nil {
		req.OnProgress = func(p blob.Progress) {
			s.mu.Lock()
			s.state.Upload = &p
			s.publishLocked()
			s.mu.Unlock()
		}
	}

	msg, err := s.deps.Composer.Send(ctx, req)

	s.mu.Lock()
	if s.state.Upload != nil {
		s.state.Upload = nil
		s.publishLocked()
	}
	s.mu.Unlock()
	return msg, err
}

// ToggleBlock 切换我对当前会话对方的拉黑状态，并重新计算拉黑关系。
func (s *Session) ToggleBlock(ctx context.Context) (BlockState, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	me, _, err := s.authenticated()
	if err != nil {
		return BlockState{}, err
	}
	s.mu.Lock()
	if s.state.Open == nil {
		s.mu.Unlock()
		return BlockState{}, ErrNoConversation
	}
	other := s.counterpart
	block := !s.state.Open.Block.IBlocked
	s.mu.Unlock()

	updated, err := s.deps.Users.SetBlocked(ctx, me.ID, other.ID, block)
	if err != nil {
		return BlockState{}, err
	}
	state := ResolveBlock(updated, other)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = updated
	s.state.User = &updated
	if s.state.Open != nil {
		s.state.Open.Block = state
	}
	s.publishLocked()
	return state, nil
}
