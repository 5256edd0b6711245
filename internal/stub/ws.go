package stub

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"supchat-go/internal/auth"
	"supchat-go/internal/chattypes"
	"supchat-go/internal/config"

	"github.com/gorilla/websocket"
)

// client is a middleman between one websocket connection and the hub.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID int64

	srv *Server

	mu            sync.Mutex
	subscriptions map[string]string // subscription id -> destination
}

// subscribed 报告该连接是否订阅了 destination。
func (c *client) subscribed(destination string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.subscriptions {
		if d == destination {
			return true
		}
	}
	return false
}

// readPump pumps frames from the websocket connection to the frame handler.
func (c *client) readPump(wsCfg config.WebSocketConfig) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(int64(wsCfg.MaxMessageSizeBytes))
	c.conn.SetReadDeadline(time.Now().Add(wsCfg.PongWait()))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsCfg.PongWait()))
		return nil
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket 错误 (客户端: %d): %v", c.userID, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			log.Printf("警告: 客户端 %d 发送了非文本消息类型: %d", c.userID, messageType)
			continue
		}

		var frame chattypes.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("错误: 无法反序列化来自客户端 %d 的帧: %v, 原始消息: %s", c.userID, err, string(raw))
			continue
		}
		c.handleFrame(frame)
	}
}

// writePump pumps frames from the hub to the websocket connection.
func (c *client) writePump(wsCfg config.WebSocketConfig) {
	ticker := time.NewTicker(wsCfg.PingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsCfg.WriteWait()))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsCfg.WriteWait()))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame 处理客户端发来的帧。
func (c *client) handleFrame(frame chattypes.Frame) {
	switch frame.Type {
	case chattypes.ConnectFrame:
		log.Printf("用户 %d 发送了 connect 帧", c.userID)

	case chattypes.SubscribeFrame:
		if frame.ID == "" || frame.Destination == "" {
			log.Printf("警告: 客户端 %d 的 subscribe 帧缺少 id 或 destination", c.userID)
			return
		}
		c.mu.Lock()
		c.subscriptions[frame.ID] = frame.Destination
		c.mu.Unlock()

	case chattypes.UnsubscribeFrame:
		c.mu.Lock()
		delete(c.subscriptions, frame.ID)
		c.mu.Unlock()

	case chattypes.SendFrame:
		var req chattypes.SendRequest
		if err := json.Unmarshal(frame.Body, &req); err != nil {
			log.Printf("错误: 无法反序列化客户端 %d 的发送请求: %v", c.userID, err)
			c.sendError("发送请求格式无效")
			return
		}
		// 发送者以认证结果为准，忽略请求体里的 senderId
		created, err := c.srv.state.AppendMessage(c.userID, req, time.Now())
		if err != nil {
			log.Printf("错误: 客户端 %d 发送消息失败: %v", c.userID, err)
			c.sendError(err.Error())
			return
		}
		c.srv.pushMessage(created)

	default:
		log.Printf("收到未知类型的帧: %s (客户端: %d)", frame.Type, c.userID)
	}
}

// sendError 往客户端自己的通知队列推一条错误帧。
func (c *client) sendError(message string) {
	body, _ := json.Marshal(map[string]string{"message": message})
	c.hub.Deliver(c.userID, chattypes.Frame{
		Type:        chattypes.ErrorFrame,
		Destination: chattypes.UserNotificationQueue(c.userID),
		Body:        body,
	})
}

// serveWS 处理 websocket 升级请求。令牌从 Authorization 头或
// token 查询参数读取。
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	claims, err := auth.ValidateToken(token, s.cfg.Auth.JWTSecretKey)
	if err != nil {
		http.Error(w, "令牌无效", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket 升级失败: %v", err)
		return
	}

	c := &client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		userID:        claims.UserID,
		srv:           s,
		subscriptions: make(map[string]string),
	}
	c.hub.register <- c

	go c.writePump(s.cfg.WebSocket)
	go c.readPump(s.cfg.WebSocket)

	log.Printf("客户端已连接: UserID %d", claims.UserID)
}
