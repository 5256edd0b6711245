package chattypes

import (
	"encoding/json"
	"strconv"
)

// FrameType defines the type of a frame exchanged over the real-time channel.
type FrameType string

const (
	ConnectFrame     FrameType = "connect"
	SubscribeFrame   FrameType = "subscribe"
	UnsubscribeFrame FrameType = "unsubscribe"
	SendFrame        FrameType = "send"
	MessageFrame     FrameType = "message"
	ErrorFrame       FrameType = "error"
)

// Frame is the envelope for everything on the websocket channel. Client-bound
// frames carry the destination queue they were published to; client-originated
// frames carry the destination they are addressed to.
type Frame struct {
	Type        FrameType       `json:"type"`
	Destination string          `json:"destination,omitempty"`
	// ID identifies a subscription for subscribe/unsubscribe frames.
	ID   string          `json:"id,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Well-known destinations, mirroring the platform's queue layout.
const (
	SendDestination    = "/app/chat.sendMessage"
	ConnectDestination = "/app/chat.connect"
)

// UserMessageQueue returns the per-user queue carrying chat messages.
func UserMessageQueue(userID int64) string {
	return "/user/" + strconv.FormatInt(userID, 10) + "/queue/messages"
}

// UserNotificationQueue returns the per-user queue carrying error notifications.
func UserNotificationQueue(userID int64) string {
	return "/user/" + strconv.FormatInt(userID, 10) + "/queue/notifications"
}
