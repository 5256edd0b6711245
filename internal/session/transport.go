package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"supchat-go/internal/chattypes"
	"supchat-go/internal/config"

	"github.com/gorilla/websocket"
)

// transport owns one websocket connection and its two pumps. It decodes
// inbound frames and hands them to onFrame; when either pump dies it
// reports the connection as closed exactly once via onClose.
type transport struct {
	conn *websocket.Conn
	cfg  config.WebSocketConfig

	// Buffered channel of outbound frames.
	send chan []byte

	onFrame func(chattypes.Frame)
	onClose func(err error)

	closeOnce sync.Once
	done      chan struct{}
}

// dialTransport establishes the websocket connection with the login token in
// the Authorization header and starts both pumps.
func dialTransport(ctx context.Context, url, token string, cfg config.WebSocketConfig, onFrame func(chattypes.Frame), onClose func(err error)) (*transport, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chattypes.ErrTransportFailure, err)
	}

	t := &transport{
		conn:    conn,
		cfg:     cfg,
		send:    make(chan []byte, 256),
		onFrame: onFrame,
		onClose: onClose,
		done:    make(chan struct{}),
	}
	go t.writePump()
	go t.readPump()
	return t, nil
}

// publish queues a frame for the write pump. It never blocks; a full queue
// means the connection is stalled and the frame is rejected.
func (t *transport) publish(frame chattypes.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("序列化帧失败: %w", err)
	}
	select {
	case t.send <- data:
		return nil
	case <-t.done:
		return chattypes.ErrTransportFailure
	default:
		return fmt.Errorf("%w: 发送队列已满", chattypes.ErrTransportFailure)
	}
}

// close tears the connection down. onClose still fires (once) from the pumps.
func (t *transport) close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(t.cfg.WriteWait()))
		t.conn.Close()
	})
}

// readPump pumps frames from the websocket connection to the onFrame callback.
func (t *transport) readPump() {
	var closeErr error
	defer func() {
		t.close()
		t.onClose(closeErr)
	}()

	t.conn.SetReadLimit(int64(t.cfg.MaxMessageSizeBytes))
	t.conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait()))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait()))
		return nil
	})

	for {
		messageType, raw, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket 读取错误: %v", err)
				closeErr = err
			}
			return
		}
		if messageType != websocket.TextMessage {
			log.Printf("警告: 收到非文本消息类型: %d", messageType)
			continue
		}

		var frame chattypes.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("错误: 无法反序列化服务端帧: %v, 原始消息: %s", err, string(raw))
			continue
		}
		t.onFrame(frame)
	}
}

// writePump pumps frames from the send channel to the websocket connection
// and keeps the connection alive with periodic pings.
func (t *transport) writePump() {
	ticker := time.NewTicker(t.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		t.close()
	}()

	for {
		select {
		case data, ok := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait()))
			if !ok {
				t.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait()))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}
