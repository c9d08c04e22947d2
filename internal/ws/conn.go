package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/feed"
	"chatsync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	opTimeout  = 15 * time.Second
	readLimit  = 64 << 10
)

// 入站帧类型。
const (
	TypeOpen        = "open"
	TypeCloseChat   = "close_chat"
	TypeSend        = "send"
	TypeToggleBlock = "toggle_block"
	TypeTyping      = "typing"
)

// 出站帧类型。
const (
	TypeState = "state"
	TypeError = "error"
)

type Inbound struct {
	Type           string `json:"type" validate:"required,oneof=open close_chat send toggle_block typing"`
	ConversationID string `json:"conversation_id" validate:"required_if=Type open"`
	Text           string `json:"text" validate:"max=4000"`
	IsTyping       bool   `json:"is_typing"`
}

type StateFrame struct {
	Type  string               `json:"type"`
	State service.SessionState `json:"state"`
}

type TypingFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

type ErrorFrame struct {
	Type  string `json:"type"`
	Op    string `json:"op,omitempty"`
	Error string `json:"error"`
}

var validate = validator.New()

type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	userID  string
	session *service.Session

	mu     sync.Mutex
	send   chan []byte
	closed bool
	// state 只保留最新一帧完整状态，慢客户端不会丢失最后一次变化。
	state *feed.Latest[[]byte]
}

func newClient(h *Hub, conn *websocket.Conn, userID string, session *service.Session) *Client {
	return &Client{hub: h, conn: conn, userID: userID, session: session, send: make(chan []byte, 64), state: feed.NewLatest[[]byte]()}
}

// enqueue 非阻塞地放入发送队列，队列已满或已关闭时返回 false。
func (c *Client) enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
		c.state.Close()
	}
}

func (c *Client) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("user_id", c.userID).Msg("encode frame")
		return
	}
	if !c.enqueue(b) && !c.isClosed() {
		log.Warn().Str("user_id", c.userID).Msg("drop frame for slow client")
	}
}

// Serve 升级为 WebSocket，每个连接驱动一个独立的 Session，
// 登录状态来自 auth 事件流，任意实例上的登出都会让会话回到匿名状态。
func Serve(h *Hub, authSvc *auth.Service, deps service.SessionDeps, checkOrigin func(r *http.Request) bool) gin.HandlerFunc {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin}
	return func(c *gin.Context) {
		token := auth.BearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		uid, err := authSvc.Authenticate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		events, err := authSvc.Watch(ctx, uid)
		if err != nil {
			log.Error().Err(err).Str("user_id", uid).Msg("watch auth events")
			_ = conn.Close()
			return
		}
		session := service.NewSession(deps)
		client := newClient(h, conn, uid, session)
		if !h.Register(client) {
			_ = conn.Close()
			return
		}
		go func() {
			if err := session.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("user_id", uid).Msg("session ended")
			}
		}()
		go client.statePump()
		go client.writePump()
		client.readPump(ctx)
	}
}

func (c *Client) statePump() {
	for st := range c.session.States() {
		c.pushState(st)
	}
}

// pushState 覆盖尚未写出的旧状态帧。
func (c *Client) pushState(st service.SessionState) {
	b, err := json.Marshal(StateFrame{Type: TypeState, State: st})
	if err != nil {
		log.Error().Err(err).Str("user_id", c.userID).Msg("encode state")
		return
	}
	c.state.Publish(b)
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("user_id", c.userID).Msg("read frame")
			}
			return
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.sendJSON(ErrorFrame{Type: TypeError, Error: "malformed frame"})
			continue
		}
		if err := validate.Struct(in); err != nil {
			c.sendJSON(ErrorFrame{Type: TypeError, Op: in.Type, Error: err.Error()})
			continue
		}
		if err := c.handle(ctx, in); err != nil {
			c.sendJSON(ErrorFrame{Type: TypeError, Op: in.Type, Error: err.Error()})
		}
	}
}

func (c *Client) handle(ctx context.Context, in Inbound) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	switch in.Type {
	case TypeOpen:
		return c.session.OpenConversation(ctx, in.ConversationID)
	case TypeCloseChat:
		c.session.CloseConversation()
	case TypeSend:
		_, err := c.session.Send(ctx, in.Text, nil)
		return err
	case TypeToggleBlock:
		_, err := c.session.ToggleBlock(ctx)
		return err
	case TypeTyping:
		st := c.session.State()
		if st.Open == nil || st.Open.Counterpart == nil || st.Open.Block.Blocked() {
			return nil
		}
		b, err := json.Marshal(TypingFrame{Type: TypeTyping, ConversationID: st.Open.ID, UserID: c.userID, IsTyping: in.IsTyping})
		if err != nil {
			return err
		}
		c.hub.SendTo(st.Open.Counterpart.ID, b)
	}
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	state := c.state.C()
	for {
		select {
		case frame, ok := <-state:
			if !ok {
				state = nil
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
