// Package store 维护客户端的会话与消息缓存：
// 分页加载与排序、乐观发送与服务端确认的对账、未读计数。
//
// 所有缓存变更都在 Store 的互斥锁内完成；回调与事件在锁外触发。
package store

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"supchat-go/internal/auth"
	"supchat-go/internal/chattypes"

	"github.com/google/uuid"
)

// API 是 Store 依赖的 HTTP 接口子集。
type API interface {
	GetConversations(ctx context.Context) ([]chattypes.Conversation, error)
	GetConversationWithUser(ctx context.Context, userID int64) (*chattypes.Conversation, error)
	GetMessages(ctx context.Context, conversationID int64, page, size int) ([]chattypes.ChatMessage, error)
	GetMessagesBefore(ctx context.Context, conversationID, beforeMessageID int64, size int) ([]chattypes.ChatMessage, error)
	SendMessage(ctx context.Context, req chattypes.SendRequest) (*chattypes.ChatMessage, error)
	MarkConversationRead(ctx context.Context, conversationID int64) (int, error)
	GetUnreadCount(ctx context.Context) (int, error)
	UploadFile(ctx context.Context, fileName, mimeType string, reader io.Reader) (*chattypes.FileInfo, error)
}

// Publisher 是实时通道的发送端。通道不可用时 Store 降级走 HTTP。
type Publisher interface {
	Connected() bool
	PublishSend(req chattypes.SendRequest) error
}

// IdentityFunc 返回当前用户的令牌声明；没有有效凭证时返回
// chattypes.ErrUnauthenticated。
type IdentityFunc func() (*auth.Claims, error)

// ActiveState 持久化活跃会话ID，供通知判断跨组件读取。
type ActiveState interface {
	SetActiveConversationID(id int64) error
	ClearActiveConversationID() error
}

// EventType 标识 Store 发出的事件种类。
type EventType string

const (
	// MessageAdded 表示一条新消息被加入某个会话的缓存。
	MessageAdded EventType = "messageAdded"
	// MessageUpdated 表示一条乐观消息被服务端确认的消息替换。
	MessageUpdated EventType = "messageUpdated"
	// ConversationsReloaded 表示会话列表被整体替换。
	ConversationsReloaded EventType = "conversationsReloaded"
)

// Event 是 Store 发出的变更通知。
type Event struct {
	Type           EventType
	ConversationID int64
	Message        *chattypes.ChatMessage
}

type eventEntry struct {
	id int64
	h  func(Event)
}

// Store 是会话与消息的内存缓存。
type Store struct {
	api      API
	identity IdentityFunc
	state    ActiveState // 可为 nil
	pageSize int

	mu            sync.Mutex
	conversations []*chattypes.Conversation
	messages      map[int64][]chattypes.ChatMessage
	unread        int
	activeID      int64

	// loadingConversations 防止会话列表加载重入：
	// 加载进行中时再次调用直接丢弃，不排队。
	loadingConversations bool

	// generation 按会话递增。SetActive 使其加一，
	// 携带旧代号的消息页响应到达后被丢弃而不是合并，
	// 保证切换会话后不会混入上一个会话的残页。
	generation map[int64]uint64

	publisher Publisher

	subscribers []eventEntry
	nextSubID   int64
	pending     []Event

	// 可注入的时钟与关联ID生成器，测试用。
	now              func() time.Time
	newCorrelationID func() string
}

// NewStore 创建一个会话缓存。
func NewStore(api API, identity IdentityFunc, state ActiveState, pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Store{
		api:              api,
		identity:         identity,
		state:            state,
		pageSize:         pageSize,
		messages:         make(map[int64][]chattypes.ChatMessage),
		generation:       make(map[int64]uint64),
		now:              time.Now,
		newCorrelationID: func() string { return uuid.NewString() },
	}
}

// SetPublisher 绑定实时通道的发送端。
func (s *Store) SetPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

// SubscribeEvents 注册一个事件回调，返回取消函数。
func (s *Store) SubscribeEvents(h func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers = append(s.subscribers, eventEntry{id: id, h: h})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.subscribers {
			if e.id == id {
				s.subscribers = append(s.subscribers[:i:i], s.subscribers[i+1:]...)
				return
			}
		}
	}
}

// emitLocked 在持锁状态下记录一个事件，flushEvents 在锁外投递。
func (s *Store) emitLocked(ev Event) {
	s.pending = append(s.pending, ev)
}

// flushEvents 在锁外把积压的事件投递给订阅者。必须在未持锁时调用。
func (s *Store) flushEvents() {
	s.mu.Lock()
	events := s.pending
	s.pending = nil
	subs := make([]eventEntry, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, ev := range events {
		for _, sub := range subs {
			sub.h(ev)
		}
	}
}

// LoadConversations 拉取并整体替换会话列表。
// 已有一次加载在进行中时，本次调用被丢弃（返回 nil，状态不变）。
func (s *Store) LoadConversations(ctx context.Context) error {
	s.mu.Lock()
	if s.loadingConversations {
		s.mu.Unlock()
		return nil
	}
	s.loadingConversations = true
	s.mu.Unlock()

	conversations, err := s.api.GetConversations(ctx)

	s.mu.Lock()
	s.loadingConversations = false
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("加载会话列表失败: %w", err)
	}

	replaced := make([]*chattypes.Conversation, 0, len(conversations))
	for i := range conversations {
		c := conversations[i]
		replaced = append(replaced, &c)
	}

	// 本地临时会话（负数ID）在服务端返回真实会话后合并：
	// 把临时会话缓存的消息迁移到真实会话的消息列表里。
	for _, old := range s.conversations {
		if old.ID >= 0 {
			continue
		}
		target := findByPeer(replaced, old.User2.ID)
		if target == nil {
			// 服务端还没有这个会话，临时会话继续保留
			replaced = append(replaced, old)
			continue
		}
		moved := s.messages[old.ID]
		delete(s.messages, old.ID)
		for i := range moved {
			moved[i].ConversationID = target.ID
		}
		s.messages[target.ID] = mergeMessages(s.messages[target.ID], moved)
	}

	s.conversations = replaced
	s.emitLocked(Event{Type: ConversationsReloaded})
	s.mu.Unlock()

	s.flushEvents()
	return nil
}

// Conversations 返回会话列表的快照。
func (s *Store) Conversations() []chattypes.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chattypes.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	return out
}

// SortedConversations 返回按最后消息时间降序排列的会话快照。
func (s *Store) SortedConversations() []chattypes.Conversation {
	out := s.Conversations()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageTime.After(out[j].LastMessageTime)
	})
	return out
}

// Conversation 返回指定会话的快照。
func (s *Store) Conversation(id int64) (chattypes.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := findByID(s.conversations, id); c != nil {
		return *c, true
	}
	return chattypes.Conversation{}, false
}

// Messages 返回指定会话缓存消息的快照，按发送时间升序。
func (s *Store) Messages(conversationID int64) []chattypes.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.messages[conversationID]
	out := make([]chattypes.ChatMessage, len(bucket))
	copy(out, bucket)
	return out
}

// UnreadCount 返回全局未读消息数。
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// FetchUnreadCount 从服务端拉取全局未读数并覆盖本地计数。
func (s *Store) FetchUnreadCount(ctx context.Context) (int, error) {
	count, err := s.api.GetUnreadCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取未读消息数量失败: %w", err)
	}
	s.mu.Lock()
	s.unread = count
	s.mu.Unlock()
	return count, nil
}

// ActiveConversationID 返回当前活跃会话ID，0 表示没有活跃会话。
func (s *Store) ActiveConversationID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// SetActive 激活指定会话：持久化活跃ID、加载第一页消息、
// 有未读时标记为已读。
func (s *Store) SetActive(ctx context.Context, conversationID int64) error {
	s.mu.Lock()
	s.activeID = conversationID
	s.generation[conversationID]++
	found := findByID(s.conversations, conversationID) != nil
	s.mu.Unlock()

	if s.state != nil {
		if err := s.state.SetActiveConversationID(conversationID); err != nil {
			log.Printf("持久化活跃会话ID失败: %v", err)
		}
	}

	if !found {
		// 列表里找不到，可能是新会话，重新拉取后再找一次
		if err := s.LoadConversations(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		found = findByID(s.conversations, conversationID) != nil
		s.mu.Unlock()
		if !found {
			return fmt.Errorf("会话 %d 不存在", conversationID)
		}
	}

	if err := s.LoadMessages(ctx, conversationID, 0, s.pageSize); err != nil {
		return err
	}

	s.mu.Lock()
	conv := findByID(s.conversations, conversationID)
	hasUnread := conv != nil && conv.UnreadCount > 0
	s.mu.Unlock()

	if hasUnread {
		if err := s.MarkConversationAsRead(ctx, conversationID); err != nil {
			log.Printf("标记会话 %d 为已读失败: %v", conversationID, err)
		}
	}
	return nil
}

// ClearActive 取消活跃会话。
func (s *Store) ClearActive() {
	s.mu.Lock()
	s.activeID = 0
	s.mu.Unlock()
	if s.state != nil {
		if err := s.state.ClearActiveConversationID(); err != nil {
			log.Printf("清除活跃会话ID失败: %v", err)
		}
	}
}

// LoadMessages 加载会话的一页消息。page 0 整体替换缓存；
// page > 0 只追加缓存里没有的消息。合并后按发送时间升序稳定排序。
// 响应到达时代号已变（会话被重新激活过）则丢弃。
func (s *Store) LoadMessages(ctx context.Context, conversationID int64, page, size int) error {
	s.mu.Lock()
	gen := s.generation[conversationID]
	s.mu.Unlock()

	fetched, err := s.api.GetMessages(ctx, conversationID, page, size)
	if err != nil {
		return fmt.Errorf("加载会话 %d 的消息失败: %w", conversationID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation[conversationID] != gen {
		log.Printf("会话 %d 的消息页已过期，丢弃", conversationID)
		return nil
	}

	if page == 0 {
		bucket := make([]chattypes.ChatMessage, len(fetched))
		copy(bucket, fetched)
		sortMessages(bucket)
		s.messages[conversationID] = bucket
		return nil
	}

	s.messages[conversationID] = mergeMessages(s.messages[conversationID], fetched)
	return nil
}

// LoadOlderMessages 加载指定消息之前的历史页并合并进缓存，
// 返回实际新增的条数；0 表示没有更多历史。
func (s *Store) LoadOlderMessages(ctx context.Context, conversationID, beforeMessageID int64, size int) (int, error) {
	s.mu.Lock()
	gen := s.generation[conversationID]
	s.mu.Unlock()

	older, err := s.api.GetMessagesBefore(ctx, conversationID, beforeMessageID, size)
	if err != nil {
		return 0, fmt.Errorf("加载会话 %d 的历史消息失败: %w", conversationID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation[conversationID] != gen {
		log.Printf("会话 %d 的历史页已过期，丢弃", conversationID)
		return 0, nil
	}

	before := len(s.messages[conversationID])
	s.messages[conversationID] = mergeMessages(s.messages[conversationID], older)
	return len(s.messages[conversationID]) - before, nil
}

// MarkConversationAsRead 把会话标记为已读：
// 全局未读数减去该会话的未读数（不小于零），会话未读数清零，
// 缓存消息全部置为已读。
func (s *Store) MarkConversationAsRead(ctx context.Context, conversationID int64) error {
	if _, err := s.api.MarkConversationRead(ctx, conversationID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if conv := findByID(s.conversations, conversationID); conv != nil {
		s.unread -= conv.UnreadCount
		if s.unread < 0 {
			s.unread = 0
		}
		conv.UnreadCount = 0
	}
	bucket := s.messages[conversationID]
	for i := range bucket {
		bucket[i].IsRead = true
	}
	return nil
}

// GetOrCreateConversationWithUser 获取与指定用户的会话并合并进列表。
func (s *Store) GetOrCreateConversationWithUser(ctx context.Context, userID int64) (chattypes.Conversation, error) {
	conversation, err := s.api.GetConversationWithUser(ctx, userID)
	if err != nil {
		return chattypes.Conversation{}, fmt.Errorf("获取用户 %d 的会话失败: %w", userID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := findByID(s.conversations, conversation.ID); existing != nil {
		*existing = *conversation
	} else {
		c := *conversation
		s.conversations = append(s.conversations, &c)
	}
	return *conversation, nil
}

// ClearChatData 清空全部缓存与计数（登出时调用）。
func (s *Store) ClearChatData() {
	s.mu.Lock()
	s.conversations = nil
	s.messages = make(map[int64][]chattypes.ChatMessage)
	s.unread = 0
	s.activeID = 0
	s.generation = make(map[int64]uint64)
	s.mu.Unlock()
	if s.state != nil {
		if err := s.state.ClearActiveConversationID(); err != nil {
			log.Printf("清除活跃会话ID失败: %v", err)
		}
	}
}

func findByID(list []*chattypes.Conversation, id int64) *chattypes.Conversation {
	for _, c := range list {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func findByPeer(list []*chattypes.Conversation, peerID int64) *chattypes.Conversation {
	for _, c := range list {
		if c.ID >= 0 && c.Involves(peerID) {
			return c
		}
	}
	return nil
}

// mergeMessages 把 incoming 中 ID 尚未缓存的消息并入 bucket，
// 然后按发送时间升序稳定排序。
func mergeMessages(bucket, incoming []chattypes.ChatMessage) []chattypes.ChatMessage {
	existing := make(map[int64]struct{}, len(bucket))
	for _, m := range bucket {
		existing[m.ID] = struct{}{}
	}
	for _, m := range incoming {
		if _, ok := existing[m.ID]; ok {
			continue
		}
		existing[m.ID] = struct{}{}
		bucket = append(bucket, m)
	}
	sortMessages(bucket)
	return bucket
}

// sortMessages 按发送时间升序稳定排序；时间相同保持原有相对顺序。
func sortMessages(bucket []chattypes.ChatMessage) {
	sort.SliceStable(bucket, func(i, j int) bool {
		return bucket[i].SentTime.Before(bucket[j].SentTime)
	})
}
