// Package stub 是一个开发用的聊天后端：内存数据、本地文件存储、
// WebSocket 推送和与真实平台一致的 HTTP 接口，供客户端联调。
package stub

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"supchat-go/internal/auth"
	"supchat-go/internal/chattypes"
)

// 服务层错误。
var (
	ErrUserNotFound       = errors.New("用户不存在")
	ErrInvalidCredentials = errors.New("用户名或密码错误")
	ErrConversationGone   = errors.New("会话不存在")
)

// User 是演示用户。
type User struct {
	ID           int64    `json:"id"`
	Username     string   `json:"username"`
	Nickname     string   `json:"nickname"`
	Avatar       string   `json:"avatar"`
	Roles        []string `json:"roles"`
	PasswordHash string   `json:"-"`
}

// State 保存全部内存数据。所有访问都经过互斥锁。
type State struct {
	mu            sync.Mutex
	users         map[int64]*User
	usersByName   map[string]*User
	conversations map[int64]*chattypes.Conversation
	messages      map[int64][]chattypes.ChatMessage
	nextConvID    int64
	nextMsgID     int64
}

// NewState 创建一个空的内存数据层。
func NewState() *State {
	return &State{
		users:         make(map[int64]*User),
		usersByName:   make(map[string]*User),
		conversations: make(map[int64]*chattypes.Conversation),
		messages:      make(map[int64][]chattypes.ChatMessage),
		nextConvID:    1,
		nextMsgID:     1,
	}
}

// AddUser 注册一个演示用户，密码以 bcrypt 哈希存储。
func (s *State) AddUser(id int64, username, nickname, avatar, password string, roles ...string) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	u := &User{ID: id, Username: username, Nickname: nickname, Avatar: avatar, Roles: roles, PasswordHash: hash}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = u
	s.usersByName[username] = u
	return nil
}

// SeedDemoData 写入两个演示账号和一段历史对话。
func (s *State) SeedDemoData() {
	if err := s.AddUser(1, "supervisor", "监管员小王", "/static/avatars/1.png", "password123", "SUPERVISOR"); err != nil {
		log.Printf("写入演示用户失败: %v", err)
	}
	if err := s.AddUser(2, "merchant", "商家老李", "/static/avatars/2.png", "password123", "MERCHANT"); err != nil {
		log.Printf("写入演示用户失败: %v", err)
	}

	base := time.Now().Add(-2 * time.Hour)
	s.AppendMessage(1, chattypes.SendRequest{SenderID: 1, RecipientID: 2, Content: "您好，关于上周的抽检结果想和您确认一下"}, base)
	s.AppendMessage(2, chattypes.SendRequest{SenderID: 2, RecipientID: 1, Content: "好的，您说"}, base.Add(3*time.Minute))
	s.AppendMessage(1, chattypes.SendRequest{SenderID: 1, RecipientID: 2, Content: "报告已经上传到系统里了，请查收"}, base.Add(5*time.Minute))
}

// Authenticate 校验用户名密码，成功返回用户。
func (s *State) Authenticate(username, password string) (*User, error) {
	s.mu.Lock()
	u, ok := s.usersByName[username]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	if !auth.CheckPasswordHash(password, u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// UserByID 按ID查找用户。
func (s *State) UserByID(id int64) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *State) participant(id int64) chattypes.Participant {
	if u, ok := s.users[id]; ok {
		return chattypes.Participant{ID: u.ID, Name: u.Nickname, Avatar: u.Avatar}
	}
	return chattypes.Participant{ID: id}
}

// getOrCreateConversationLocked 返回两个用户之间的会话，没有则创建。
func (s *State) getOrCreateConversationLocked(a, b int64) *chattypes.Conversation {
	for _, c := range s.conversations {
		if (c.User1.ID == a && c.User2.ID == b) || (c.User1.ID == b && c.User2.ID == a) {
			return c
		}
	}
	c := &chattypes.Conversation{
		ID:    s.nextConvID,
		User1: s.participant(a),
		User2: s.participant(b),
	}
	s.nextConvID++
	s.conversations[c.ID] = c
	return c
}

// GetOrCreateConversation 返回 userID 与 peerID 之间会话的快照。
func (s *State) GetOrCreateConversation(userID, peerID int64) (chattypes.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[peerID]; !ok {
		return chattypes.Conversation{}, ErrUserNotFound
	}
	c := s.getOrCreateConversationLocked(userID, peerID)
	return s.conversationViewLocked(c, userID), nil
}

// conversationViewLocked 按查看者视角填充未读数。
func (s *State) conversationViewLocked(c *chattypes.Conversation, viewerID int64) chattypes.Conversation {
	view := *c
	unread := 0
	for i := range s.messages[c.ID] {
		m := &s.messages[c.ID][i]
		if m.RecipientID == viewerID && !m.IsRead {
			unread++
		}
	}
	view.UnreadCount = unread
	return view
}

// ConversationsFor 返回用户参与的全部会话，按最后消息时间降序。
func (s *State) ConversationsFor(userID int64) []chattypes.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chattypes.Conversation, 0, 4)
	for _, c := range s.conversations {
		if c.Involves(userID) {
			out = append(out, s.conversationViewLocked(c, userID))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageTime.After(out[j].LastMessageTime)
	})
	return out
}

// AppendMessage 把一条消息写入发送者与接收者的会话并返回快照。
// 客户端带来的 correlationId 原样保留，确认消息推回后客户端据此
// 替换乐观消息。
func (s *State) AppendMessage(senderID int64, req chattypes.SendRequest, sentTime time.Time) (chattypes.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sender, ok := s.users[senderID]
	if !ok {
		return chattypes.ChatMessage{}, ErrUserNotFound
	}
	recipient, ok := s.users[req.RecipientID]
	if !ok {
		return chattypes.ChatMessage{}, ErrUserNotFound
	}

	c := s.getOrCreateConversationLocked(senderID, req.RecipientID)
	msg := chattypes.ChatMessage{
		ID:              s.nextMsgID,
		ConversationID:  c.ID,
		SenderID:        sender.ID,
		SenderName:      sender.Nickname,
		SenderAvatar:    sender.Avatar,
		RecipientID:     recipient.ID,
		RecipientName:   recipient.Nickname,
		RecipientAvatar: recipient.Avatar,
		Content:         req.Content,
		SentTime:        sentTime,
		CorrelationID:   req.CorrelationID,
		FileURL:         req.FileURL,
		FileName:        req.FileName,
		FileType:        req.FileType,
		FileSize:        req.FileSize,
	}
	s.nextMsgID++
	s.messages[c.ID] = append(s.messages[c.ID], msg)

	last := msg
	c.LastMessage = &last
	c.LastMessageTime = msg.SentTime
	return msg, nil
}

// MessagesPage 返回会话的一页消息。page 0 是最新的一页，
// 页内按发送时间升序。
func (s *State) MessagesPage(conversationID int64, page, size int) ([]chattypes.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrConversationGone
	}
	all := s.messages[conversationID]
	if size <= 0 {
		size = 20
	}

	end := len(all) - page*size
	if end <= 0 {
		return []chattypes.ChatMessage{}, nil
	}
	start := end - size
	if start < 0 {
		start = 0
	}
	out := make([]chattypes.ChatMessage, end-start)
	copy(out, all[start:end])
	return out, nil
}

// MessagesBefore 返回指定消息之前的最多 size 条历史消息。
func (s *State) MessagesBefore(conversationID, beforeMessageID int64, size int) ([]chattypes.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrConversationGone
	}
	all := s.messages[conversationID]
	if size <= 0 {
		size = 20
	}

	cut := len(all)
	for i, m := range all {
		if m.ID == beforeMessageID {
			cut = i
			break
		}
	}
	start := cut - size
	if start < 0 {
		start = 0
	}
	out := make([]chattypes.ChatMessage, cut-start)
	copy(out, all[start:cut])
	return out, nil
}

// MarkRead 把会话内发给 userID 的消息全部置为已读，返回更新条数。
func (s *State) MarkRead(conversationID, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return 0, ErrConversationGone
	}
	updated := 0
	bucket := s.messages[conversationID]
	for i := range bucket {
		if bucket[i].RecipientID == userID && !bucket[i].IsRead {
			bucket[i].IsRead = true
			updated++
		}
	}
	return updated, nil
}

// UnreadCount 返回发给 userID 的未读消息总数。
func (s *State) UnreadCount(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, bucket := range s.messages {
		for i := range bucket {
			if bucket[i].RecipientID == userID && !bucket[i].IsRead {
				count++
			}
		}
	}
	return count
}
