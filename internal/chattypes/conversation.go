package chattypes

import "time"

// Participant 是会话参与者的展示信息。
type Participant struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// Conversation 代表一个两人会话及其聚合元数据（最后一条消息、未读数）。
// 本地临时会话使用负数 ID，待服务端返回真实会话后合并替换。
type Conversation struct {
	ID              int64        `json:"id"`
	User1           Participant  `json:"user1"`
	User2           Participant  `json:"user2"`
	LastMessage     *ChatMessage `json:"lastMessage,omitempty"`
	LastMessageTime time.Time    `json:"lastMessageTime"`
	UnreadCount     int          `json:"unreadCount"`
}

// Peer 返回会话中不是 selfID 的那一方参与者。
// 两方都不匹配时返回 User2（调用方通常已经校验过成员关系）。
func (c *Conversation) Peer(selfID int64) Participant {
	if c.User1.ID == selfID {
		return c.User2
	}
	if c.User2.ID == selfID {
		return c.User1
	}
	return c.User2
}

// Involves 报告 userID 是否是该会话的参与者之一。
func (c *Conversation) Involves(userID int64) bool {
	return c.User1.ID == userID || c.User2.ID == userID
}
