package chattypes

import (
	"strings"
	"time"
)

// ChatMessage 代表一条私聊消息，与后端返回的 JSON 结构保持一致。
// 本地乐观消息使用负数 ID（由发送时刻的毫秒时间戳取负得到），
// 服务端确认后由带有真实 ID 的消息替换。
type ChatMessage struct {
	ID              int64     `json:"id"`
	ConversationID  int64     `json:"conversationId"`
	SenderID        int64     `json:"senderId"`
	SenderName      string    `json:"senderName"`
	SenderAvatar    string    `json:"senderAvatar"`
	RecipientID     int64     `json:"recipientId"`
	RecipientName   string    `json:"recipientName"`
	RecipientAvatar string    `json:"recipientAvatar"`
	Content         string    `json:"content"`
	SentTime        time.Time `json:"sentTime"`
	IsRead          bool      `json:"isRead"`

	// CorrelationID 是客户端为每次发送生成的关联 ID。
	// 服务端若原样回显，乐观消息的替换就成为精确匹配；
	// 否则退回 (负ID, 发送者, 内容相同) 的启发式匹配。
	CorrelationID string `json:"correlationId,omitempty"`

	// 文件相关字段，仅文件消息携带。
	FileURL  string `json:"fileUrl,omitempty"`
	FileName string `json:"fileName,omitempty"`
	FileType string `json:"fileType,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
}

// IsOptimistic 报告该消息是否仍是未经服务端确认的本地占位消息。
func (m *ChatMessage) IsOptimistic() bool {
	return m.ID < 0
}

// HasFile 报告该消息是否携带文件附件。
func (m *ChatMessage) HasFile() bool {
	return m.FileURL != ""
}

// DisplayContent 返回用于展示的文本。
// 纯文件消息没有文本内容时，合成 "[文件: 名称]" 占位标签。
func (m *ChatMessage) DisplayContent() string {
	if strings.TrimSpace(m.Content) != "" {
		return m.Content
	}
	if m.HasFile() {
		name := m.FileName
		if name == "" {
			name = "未命名文件"
		}
		return "[文件: " + name + "]"
	}
	return m.Content
}

// SendRequest 是发送消息时发往服务端的请求体，
// 既用于实时通道的 send 帧，也用于 HTTP 降级发送。
type SendRequest struct {
	SenderID      int64  `json:"senderId"`
	RecipientID   int64  `json:"recipientId"`
	Content       string `json:"content"`
	CorrelationID string `json:"correlationId,omitempty"`
	FileURL       string `json:"fileUrl,omitempty"`
	FileName      string `json:"fileName,omitempty"`
	FileType      string `json:"fileType,omitempty"`
	FileSize      int64  `json:"fileSize,omitempty"`
}
