package server

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"chatsync/internal/auth"
	"chatsync/internal/blob"
	"chatsync/internal/docstore"
	"chatsync/internal/models"
	"chatsync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	store    docstore.Store
	auth     *auth.Service
	users    *service.UserService
	contacts *service.ContactService
	composer *service.Composer
	presence service.Presence
	validate *validator.Validate
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		store:    d.Store,
		auth:     d.Auth,
		users:    d.Users,
		contacts: d.Contacts,
		composer: d.Composer,
		presence: d.Presence,
		validate: validator.New(),
	}
}

type registerRequest struct {
	Username string `json:"username" form:"username" validate:"required,min=2,max=32"`
	Email    string `json:"email" form:"email" validate:"required,email,max=254"`
	Password string `json:"password" form:"password" validate:"required,min=6,max=128"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type startRequest struct {
	Username string `json:"username" validate:"required,max=32"`
}

type messageRequest struct {
	Text string `json:"text" form:"text" validate:"max=4000"`
}

// bind 解析请求体并校验，失败时已写入 400 响应。
func (h *Handler) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBind(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + strings.ToLower(verrs[0].Field())})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return false
	}
	return true
}

// formAsset 读取 multipart 中名为 field 的文件，不存在时返回 nil。
func formAsset(c *gin.Context, field string) (*blob.Asset, error) {
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		return nil, nil
	}
	fh, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return readAsset(fh)
}

func readAsset(fh *multipart.FileHeader) (*blob.Asset, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return &blob.Asset{Name: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Data: data}, nil
}

// writeError 把业务错误映射为 HTTP 状态码。
func writeError(c *gin.Context, op string, err error) {
	var upErr *service.UploadError
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, service.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, service.ErrEmptyMessage):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrInvalidContact):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrBlocked), errors.Is(err, service.ErrNotMember):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, service.ErrUsernameTaken), errors.Is(err, service.ErrEmailTaken):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrInvalidCredentials):
		status, msg = http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, auth.ErrInvalidRefreshToken):
		status, msg = http.StatusUnauthorized, err.Error()
	case errors.Is(err, blob.ErrTooLarge):
		status, msg = http.StatusRequestEntityTooLarge, "file too large"
	case errors.Is(err, blob.ErrUnavailable):
		status, msg = http.StatusServiceUnavailable, "storage unavailable"
	case errors.As(err, &upErr):
		status, msg = http.StatusBadGateway, "upload failed"
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Str("user_id", auth.GetUserID(c)).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": msg})
}

// Register 处理注册请求，支持 JSON 与带 avatar 文件的 multipart。
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if !h.bind(c, &req) {
		return
	}
	avatar, err := formAsset(c, "avatar")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid avatar"})
		return
	}
	user, err := h.users.Register(c.Request.Context(), service.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Avatar:   avatar,
	})
	if err != nil {
		writeError(c, "register", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user})
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if !h.bind(c, &req) {
		return
	}
	tokens, user, err := h.users.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, "login", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": tokens.AccessToken, "refresh_token": tokens.RefreshToken, "user": user})
}

func (h *Handler) RefreshToken(c *gin.Context) {
	var req refreshRequest
	if !h.bind(c, &req) {
		return
	}
	tokens, err := h.users.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		writeError(c, "refresh", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": tokens.AccessToken, "refresh_token": tokens.RefreshToken})
}

// Logout 吊销刷新令牌，并让该用户所有连接上的会话退出登录。
func (h *Handler) Logout(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = c.ShouldBindJSON(&req)
	if err := h.users.Logout(c.Request.Context(), auth.GetUserID(c), req.RefreshToken); err != nil {
		writeError(c, "logout", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Me(c *gin.Context) {
	user, _ := auth.GetUser(c)
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// UpdateAvatar 上传新头像，文件字段为 avatar。
func (h *Handler) UpdateAvatar(c *gin.Context) {
	avatar, err := formAsset(c, "avatar")
	if err != nil || avatar == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid avatar"})
		return
	}
	url, err := h.users.UpdateAvatar(c.Request.Context(), auth.GetUserID(c), *avatar)
	if err != nil {
		writeError(c, "update avatar", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"avatar": url})
}

func (h *Handler) SearchUser(c *gin.Context) {
	username := strings.TrimSpace(c.Query("username"))
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	p, err := h.contacts.SearchUser(c.Request.Context(), username)
	if err != nil {
		writeError(c, "search user", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": p, "online": h.presence != nil && h.presence.Online(p.ID)})
}

func (h *Handler) setBlocked(c *gin.Context, blocked bool) {
	user, err := h.users.SetBlocked(c.Request.Context(), auth.GetUserID(c), c.Param("id"), blocked)
	if err != nil {
		writeError(c, "set blocked", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *Handler) Block(c *gin.Context)   { h.setBlocked(c, true) }
func (h *Handler) Unblock(c *gin.Context) { h.setBlocked(c, false) }

// ListConversations 返回补全了对方资料的会话列表。
func (h *Handler) ListConversations(c *gin.Context) {
	items, err := service.LoadIndex(c.Request.Context(), h.store, h.presence, auth.GetUserID(c))
	if err != nil {
		writeError(c, "list conversations", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": items})
}

func (h *Handler) StartConversation(c *gin.Context) {
	var req startRequest
	if !h.bind(c, &req) {
		return
	}
	id, err := h.contacts.StartConversation(c.Request.Context(), auth.GetUserID(c), req.Username)
	var idxErr *service.IndexUpdateError
	if errors.As(err, &idxErr) && id != "" {
		log.Warn().Err(err).Str("conversation_id", id).Msg("start conversation index pending")
		c.JSON(http.StatusAccepted, gin.H{"id": id, "pending_index": idxErr.Users()})
		return
	}
	if err != nil {
		writeError(c, "start conversation", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// blockFor 读取双方最新资料并计算拉黑关系。
func (h *Handler) blockFor(c *gin.Context, chat models.Chat) (service.BlockState, models.User, error) {
	me, err := h.users.Get(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		return service.BlockState{}, models.User{}, err
	}
	other, err := h.users.Get(c.Request.Context(), chat.Counterpart(me.ID))
	if err != nil {
		return service.BlockState{}, models.User{}, err
	}
	return service.ResolveBlock(me, other), other, nil
}

func (h *Handler) GetConversation(c *gin.Context) {
	chat, err := h.contacts.Conversation(c.Request.Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		writeError(c, "get conversation", err)
		return
	}
	block, other, err := h.blockFor(c, chat)
	if err != nil {
		writeError(c, "get conversation", err)
		return
	}
	resp := gin.H{"id": chat.ID, "members": chat.Members, "messages": chat.Messages, "block": block}
	if !block.IAmBlocked {
		resp["counterpart"] = other.Public()
	}
	c.JSON(http.StatusOK, resp)
}

// SendMessage 发送文本或带 image 文件的消息。
func (h *Handler) SendMessage(c *gin.Context) {
	var req messageRequest
	if !h.bind(c, &req) {
		return
	}
	img, err := formAsset(c, "image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image"})
		return
	}
	chat, err := h.contacts.Conversation(c.Request.Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		writeError(c, "send message", err)
		return
	}
	block, other, err := h.blockFor(c, chat)
	if err != nil {
		writeError(c, "send message", err)
		return
	}
	msg, err := h.composer.Send(c.Request.Context(), service.SendRequest{
		ConversationID: chat.ID,
		SenderID:       auth.GetUserID(c),
		ReceiverID:     other.ID,
		Text:           req.Text,
		Asset:          img,
		Block:          block,
	})
	var idxErr *service.IndexUpdateError
	if errors.As(err, &idxErr) {
		c.JSON(http.StatusAccepted, gin.H{"message": msg, "pending_index": idxErr.Users()})
		return
	}
	if err != nil {
		writeError(c, "send message", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *Handler) MarkSeen(c *gin.Context) {
	if err := h.contacts.MarkSeen(c.Request.Context(), auth.GetUserID(c), c.Param("id")); err != nil {
		writeError(c, "mark seen", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ServeBlob 回读内存存储中的对象，仅在 memory 驱动下注册。
func ServeBlob(m *blob.Memory) gin.HandlerFunc {
	return func(c *gin.Context) {
		contentType, data, ok := m.Open(c.Param("key"))
		if !ok {
			c.Status(http.StatusNotFound)
			return
		}
		c.Data(http.StatusOK, contentType, data)
	}
}
