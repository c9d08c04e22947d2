package ws

import (
	"sync"

	"chatsync/internal/metrics"
)

type delivery struct {
	userID string
	msg    []byte
}

// Hub 按用户管理在线连接，同一用户可以有多个连接。
// 连接的增删与定向投递都在 run goroutine 中串行处理。
type Hub struct {
	clients    map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	deliver    chan delivery
	stop       chan struct{}
	stopOnce   sync.Once

	mu     sync.RWMutex
	online map[string]int
}

func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan delivery, 256),
		stop:       make(chan struct{}),
		online:     make(map[string]int),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.stop:
			for _, set := range h.clients {
				for c := range set {
					c.close()
					metrics.WsConnections.Dec()
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			h.setOnline(nil)
			return
		case c := <-h.register:
			if h.clients[c.userID] == nil {
				h.clients[c.userID] = make(map[*Client]bool)
			}
			h.clients[c.userID][c] = true
			metrics.WsConnections.Inc()
			h.setOnline(h.clients)
		case c := <-h.unregister:
			if h.remove(c) {
				h.setOnline(h.clients)
			}
		case d := <-h.deliver:
			dropped := false
			for c := range h.clients[d.userID] {
				if !c.enqueue(d.msg) {
					h.remove(c)
					dropped = true
				}
			}
			if dropped {
				h.setOnline(h.clients)
			}
		}
	}
}

func (h *Hub) remove(c *Client) bool {
	set := h.clients[c.userID]
	if !set[c] {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	c.close()
	metrics.WsConnections.Dec()
	return true
}

func (h *Hub) setOnline(clients map[string]map[*Client]bool) {
	online := make(map[string]int, len(clients))
	for id, set := range clients {
		online[id] = len(set)
	}
	h.mu.Lock()
	h.online = online
	h.mu.Unlock()
}

// Register 登记连接，Hub 关闭后返回 false。
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stop:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stop:
	}
}

// SendTo 把 msg 投递给 userID 的全部连接，队列已满时丢弃。
func (h *Hub) SendTo(userID string, msg []byte) {
	select {
	case h.deliver <- delivery{userID: userID, msg: msg}:
	case <-h.stop:
	default:
	}
}

// Online 报告用户当前是否至少有一个连接，供会话列表展示在线状态。
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.online[userID] > 0
}

// Count 返回在线连接总数。
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.online {
		n += c
	}
	return n
}

// Close 关闭全部连接的发送队列并停止 Hub。
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}
