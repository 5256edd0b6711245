package stub

import (
	"encoding/json"
	"log"

	"supchat-go/internal/chattypes"
)

// delivery 是一条待投递给指定用户队列的帧。
type delivery struct {
	userID int64
	frame  chattypes.Frame
}

// Hub maintains the set of active clients and routes frames to the client
// subscribed to the target user queue. One connection per user; a new
// connection replaces the old one.
type Hub struct {
	clients map[int64]*client

	register   chan *client
	unregister chan *client
	direct     chan delivery
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[int64]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		direct:     make(chan delivery, 256),
	}
}

// Deliver 把一帧投递到指定用户的连接。非阻塞，Hub 队列满时丢弃。
func (h *Hub) Deliver(userID int64, frame chattypes.Frame) {
	select {
	case h.direct <- delivery{userID: userID, frame: frame}:
	default:
		log.Printf("警告: Hub 投递队列已满，丢弃发往用户 %d 的帧", userID)
	}
}

// Run starts the hub loop. Call it in its own goroutine.
func (h *Hub) Run() {
	log.Println("WebSocket Hub 已启动")
	for {
		select {
		case c := <-h.register:
			if old, ok := h.clients[c.userID]; ok {
				log.Printf("警告: 用户 %d 已有连接，关闭旧连接", c.userID)
				close(old.send)
			}
			h.clients[c.userID] = c
			log.Printf("客户端已注册: UserID %d", c.userID)

		case c := <-h.unregister:
			if stored, ok := h.clients[c.userID]; ok && stored == c {
				delete(h.clients, c.userID)
				close(c.send)
				log.Printf("客户端已注销: UserID %d", c.userID)
			}

		case d := <-h.direct:
			c, ok := h.clients[d.userID]
			if !ok {
				continue
			}
			if !c.subscribed(d.frame.Destination) {
				// 客户端还没订阅这个队列，不投递
				continue
			}
			data, err := json.Marshal(d.frame)
			if err != nil {
				log.Printf("错误: 无法序列化发往用户 %d 的帧: %v", d.userID, err)
				continue
			}
			select {
			case c.send <- data:
			default:
				log.Printf("警告: 用户 %d 的发送通道已满，移除客户端", d.userID)
				close(c.send)
				delete(h.clients, d.userID)
			}
		}
	}
}
