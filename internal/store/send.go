package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"supchat-go/internal/chattypes"
)

// Send 发送一条文本消息。校验通过后立即把一条负数 ID 的乐观消息
// 追加进目标会话（本地没有对应会话时先创建一条负数 ID 的临时会话），
// 然后走实时通道发送；通道不可用或发送失败时降级走 HTTP。
// 返回追加的乐观消息的快照。
func (s *Store) Send(ctx context.Context, recipientID int64, content string) (chattypes.ChatMessage, error) {
	if strings.TrimSpace(content) == "" {
		return chattypes.ChatMessage{}, chattypes.ErrEmptyContent
	}
	return s.send(ctx, recipientID, content, nil)
}

// SendFile 上传一个附件并作为文件消息发送。content 可为空，
// 展示层会用 "[文件: 名称]" 占位。
func (s *Store) SendFile(ctx context.Context, recipientID int64, fileName, mimeType string, reader io.Reader, content string) (chattypes.ChatMessage, error) {
	if recipientID <= 0 {
		return chattypes.ChatMessage{}, chattypes.ErrInvalidRecipient
	}
	if _, err := s.identity(); err != nil {
		return chattypes.ChatMessage{}, err
	}

	info, err := s.api.UploadFile(ctx, fileName, mimeType, reader)
	if err != nil {
		return chattypes.ChatMessage{}, fmt.Errorf("上传聊天文件失败: %w", err)
	}
	return s.send(ctx, recipientID, content, info)
}

func (s *Store) send(ctx context.Context, recipientID int64, content string, file *chattypes.FileInfo) (chattypes.ChatMessage, error) {
	if recipientID <= 0 {
		return chattypes.ChatMessage{}, chattypes.ErrInvalidRecipient
	}
	claims, err := s.identity()
	if err != nil {
		return chattypes.ChatMessage{}, err
	}

	now := s.now()
	optimistic := chattypes.ChatMessage{
		ID:            -now.UnixMilli(),
		SenderID:      claims.UserID,
		SenderName:    claims.DisplayName(),
		SenderAvatar:  claims.Avatar,
		RecipientID:   recipientID,
		Content:       content,
		SentTime:      now,
		IsRead:        true,
		CorrelationID: s.newCorrelationID(),
	}
	if file != nil {
		optimistic.FileURL = file.FileURL
		optimistic.FileName = file.FileName
		optimistic.FileType = file.FileType
		optimistic.FileSize = file.FileSize
	}

	s.mu.Lock()
	conv := findByPeer(s.conversations, recipientID)
	if conv == nil {
		conv = findByID(s.conversations, -recipientID)
	}
	if conv == nil {
		// 本地还没有与该用户的会话，先建一条负数 ID 的临时会话。
		// 下次 LoadConversations 拿到服务端的真实会话后会合并掉。
		conv = &chattypes.Conversation{
			ID:              -recipientID,
			User1:           chattypes.Participant{ID: claims.UserID, Name: claims.DisplayName(), Avatar: claims.Avatar},
			User2:           chattypes.Participant{ID: recipientID},
			LastMessageTime: now,
		}
		s.conversations = append(s.conversations, conv)
	}
	optimistic.ConversationID = conv.ID
	s.messages[conv.ID] = append(s.messages[conv.ID], optimistic)
	msgCopy := optimistic
	conv.LastMessage = &msgCopy
	conv.LastMessageTime = now
	s.emitLocked(Event{Type: MessageAdded, ConversationID: conv.ID, Message: &msgCopy})
	publisher := s.publisher
	s.mu.Unlock()
	s.flushEvents()

	req := chattypes.SendRequest{
		SenderID:      claims.UserID,
		RecipientID:   recipientID,
		Content:       content,
		CorrelationID: optimistic.CorrelationID,
	}
	if file != nil {
		req.FileURL = file.FileURL
		req.FileName = file.FileName
		req.FileType = file.FileType
		req.FileSize = file.FileSize
	}

	if publisher != nil && publisher.Connected() {
		if err := publisher.PublishSend(req); err == nil {
			// 服务端会把确认消息推回用户队列，由 Reconcile 替换乐观消息
			return optimistic, nil
		}
		log.Printf("实时通道发送失败，降级走HTTP")
	}

	created, err := s.api.SendMessage(ctx, req)
	if err != nil {
		s.removeOptimistic(optimistic.ConversationID, optimistic.ID)
		return chattypes.ChatMessage{}, fmt.Errorf("发送消息失败: %w", err)
	}
	s.Reconcile(created)
	return optimistic, nil
}

// removeOptimistic 在发送彻底失败后撤掉乐观消息。
func (s *Store) removeOptimistic(conversationID, messageID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.messages[conversationID]
	for i := range bucket {
		if bucket[i].ID == messageID {
			s.messages[conversationID] = append(bucket[:i:i], bucket[i+1:]...)
			return
		}
	}
}

// Reconcile 把一条服务端消息合并进缓存。通常注册为路由器的
// 全局订阅者，实时推送和 HTTP 降级发送的确认都走这里。
//
// 合并规则按优先级：
//  1. 关联 ID 相同的乐观消息，原位替换；
//  2. 负数 ID、发送者相同且内容相同的乐观消息，原位替换（兼容
//     不回显关联 ID 的服务端）；
//  3. ID 已在缓存中，丢弃（重复推送）；
//  4. 都不是则追加为新消息，并维护未读计数。
//
// 消息不带会话 ID 时无法路由，记录错误并触发一次会话列表重载兜底。
func (s *Store) Reconcile(msg *chattypes.ChatMessage) {
	if msg == nil {
		return
	}
	if msg.ConversationID == 0 {
		log.Printf("收到缺少会话ID的消息 (id=%d)，无法路由: %v", msg.ID, chattypes.ErrUnroutable)
		go s.reloadConversations()
		return
	}

	incoming := *msg

	s.mu.Lock()
	conv := findByID(s.conversations, incoming.ConversationID)
	if conv == nil {
		s.mu.Unlock()
		// 本地没见过这个会话，重新拉取列表后消息会随首页加载进来
		go s.reloadConversations()
		return
	}

	lastCopy := incoming
	conv.LastMessage = &lastCopy
	conv.LastMessageTime = incoming.SentTime

	if s.replaceOptimisticLocked(conv.ID, incoming) {
		s.mu.Unlock()
		s.flushEvents()
		return
	}

	bucket := s.messages[conv.ID]
	for i := range bucket {
		if bucket[i].ID == incoming.ID {
			// 重复推送，丢弃
			s.mu.Unlock()
			return
		}
	}

	self, idErr := s.identity()
	isActive := s.activeID == conv.ID
	fromSelf := idErr == nil && self.UserID == incoming.SenderID
	// 服务端已标记为已读的消息（轮询重放的历史）保持已读
	incoming.IsRead = incoming.IsRead || fromSelf || isActive
	s.messages[conv.ID] = append(bucket, incoming)
	if !incoming.IsRead {
		conv.UnreadCount++
		s.unread++
	}
	added := incoming
	s.emitLocked(Event{Type: MessageAdded, ConversationID: conv.ID, Message: &added})
	s.mu.Unlock()
	s.flushEvents()

	if isActive && !fromSelf {
		// 正在看这个会话，顺手告诉服务端已读
		go func() {
			if err := s.MarkConversationAsRead(context.Background(), incoming.ConversationID); err != nil {
				log.Printf("标记会话 %d 为已读失败: %v", incoming.ConversationID, err)
			}
		}()
	}
}

// replaceOptimisticLocked 尝试用服务端消息替换对应的乐观消息，
// 替换成功返回 true。调用方必须持有 s.mu。
func (s *Store) replaceOptimisticLocked(conversationID int64, incoming chattypes.ChatMessage) bool {
	bucket := s.messages[conversationID]

	match := -1
	if incoming.CorrelationID != "" {
		for i := range bucket {
			if bucket[i].IsOptimistic() && bucket[i].CorrelationID == incoming.CorrelationID {
				match = i
				break
			}
		}
	}
	if match < 0 {
		for i := range bucket {
			if bucket[i].IsOptimistic() &&
				bucket[i].SenderID == incoming.SenderID &&
				bucket[i].Content == incoming.Content {
				match = i
				break
			}
		}
	}
	if match < 0 {
		return false
	}

	incoming.IsRead = true
	bucket[match] = incoming
	updated := incoming
	s.emitLocked(Event{Type: MessageUpdated, ConversationID: conversationID, Message: &updated})
	return true
}

func (s *Store) reloadConversations() {
	if err := s.LoadConversations(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("重新加载会话列表失败: %v", err)
	}
}
