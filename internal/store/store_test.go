package store_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"supchat-go/internal/auth"
	"supchat-go/internal/chattypes"
	"supchat-go/internal/store"

	"github.com/stretchr/testify/require"
)

// fakeAPI 是可编排的 HTTP 接口替身。
type fakeAPI struct {
	mu sync.Mutex

	conversations    []chattypes.Conversation
	conversationsErr error
	getConvCalls     int
	convStarted      chan struct{}
	convBlock        chan struct{}

	pages     map[int64]map[int][]chattypes.ChatMessage
	pageBlock map[int]chan struct{}

	before map[int64][]chattypes.ChatMessage

	sendResult *chattypes.ChatMessage
	sendErr    error
	sendCalls  []chattypes.SendRequest

	markReadCalls []int64
	unread        int
	uploadInfo    *chattypes.FileInfo
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		pages:     make(map[int64]map[int][]chattypes.ChatMessage),
		pageBlock: make(map[int]chan struct{}),
		before:    make(map[int64][]chattypes.ChatMessage),
	}
}

func (f *fakeAPI) setPage(conversationID int64, page int, msgs []chattypes.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pages[conversationID] == nil {
		f.pages[conversationID] = make(map[int][]chattypes.ChatMessage)
	}
	f.pages[conversationID][page] = msgs
}

func (f *fakeAPI) GetConversations(ctx context.Context) ([]chattypes.Conversation, error) {
	f.mu.Lock()
	f.getConvCalls++
	started, block := f.convStarted, f.convBlock
	conversations, err := f.conversations, f.conversationsErr
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	out := make([]chattypes.Conversation, len(conversations))
	copy(out, conversations)
	return out, nil
}

func (f *fakeAPI) GetConversationWithUser(ctx context.Context, userID int64) (*chattypes.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.conversations {
		if f.conversations[i].Involves(userID) {
			c := f.conversations[i]
			return &c, nil
		}
	}
	return nil, errors.New("会话不存在")
}

func (f *fakeAPI) GetMessages(ctx context.Context, conversationID int64, page, size int) ([]chattypes.ChatMessage, error) {
	f.mu.Lock()
	block := f.pageBlock[page]
	msgs := f.pages[conversationID][page]
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	out := make([]chattypes.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (f *fakeAPI) GetMessagesBefore(ctx context.Context, conversationID, beforeMessageID int64, size int) ([]chattypes.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.before[conversationID]
	out := make([]chattypes.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, req chattypes.SendRequest) (*chattypes.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls = append(f.sendCalls, req)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.sendResult != nil {
		created := *f.sendResult
		created.CorrelationID = req.CorrelationID
		return &created, nil
	}
	return nil, errors.New("未配置发送结果")
}

func (f *fakeAPI) MarkConversationRead(ctx context.Context, conversationID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls = append(f.markReadCalls, conversationID)
	return 1, nil
}

func (f *fakeAPI) GetUnreadCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, nil
}

func (f *fakeAPI) UploadFile(ctx context.Context, fileName, mimeType string, reader io.Reader) (*chattypes.FileInfo, error) {
	if f.uploadInfo == nil {
		return nil, errors.New("未配置上传结果")
	}
	info := *f.uploadInfo
	return &info, nil
}

func (f *fakeAPI) markReadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.markReadCalls)
}

// fakePublisher 是实时通道替身。
type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	err       error
	sent      []chattypes.SendRequest
}

func (p *fakePublisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePublisher) PublishSend(req chattypes.SendRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, req)
	return nil
}

func selfIdentity() (*auth.Claims, error) {
	return &auth.Claims{UserID: 1, Username: "supervisor", Nickname: "监管员小王"}, nil
}

func conversation(id, peer int64) chattypes.Conversation {
	return chattypes.Conversation{
		ID:    id,
		User1: chattypes.Participant{ID: 1, Name: "监管员小王"},
		User2: chattypes.Participant{ID: peer, Name: "商家老李"},
	}
}

func textMessage(id, conversationID, senderID int64, content string, at time.Time) chattypes.ChatMessage {
	return chattypes.ChatMessage{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		RecipientID:    3 - senderID,
		Content:        content,
		SentTime:       at,
	}
}

func TestLoadConversationsReplacesList(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []chattypes.Conversation{conversation(10, 2), conversation(11, 3)}
	s := store.NewStore(api, selfIdentity, nil, 20)

	require.NoError(t, s.LoadConversations(context.Background()))
	require.Len(t, s.Conversations(), 2)

	api.mu.Lock()
	api.conversations = []chattypes.Conversation{conversation(10, 2)}
	api.mu.Unlock()

	require.NoError(t, s.LoadConversations(context.Background()))
	require.Len(t, s.Conversations(), 1)
}

func TestLoadConversationsDropsOverlappingCall(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []chattypes.Conversation{conversation(10, 2)}
	api.convStarted = make(chan struct{}, 1)
	api.convBlock = make(chan struct{})
	s := store.NewStore(api, selfIdentity, nil, 20)

	done := make(chan error, 1)
	go func() { done <- s.LoadConversations(context.Background()) }()
	<-api.convStarted

	// 第一次加载还没返回，第二次调用必须被丢弃
	require.NoError(t, s.LoadConversations(context.Background()))

	close(api.convBlock)
	require.NoError(t, <-done)

	api.mu.Lock()
	calls := api.getConvCalls
	api.mu.Unlock()
	require.Equal(t, 1, calls)
	require.Len(t, s.Conversations(), 1)
}

func TestSendAppendsOptimisticSynchronously(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []chattypes.Conversation{conversation(10, 2)}
	s := store.NewStore(api, selfIdentity, nil, 20)
	require.NoError(t, s.LoadConversations(context.Background()))

	pub := &fakePublisher{connected: true}
	s.SetPublisher(pub)

	sent, err := s.Send(context.Background(), 2, "你好")
	require.NoError(t, err)
	require.True(t, sent.IsOptimistic())
	require.Equal(t, int64(10), sent.ConversationID)
	require.NotEmpty(t, sent.CorrelationID)

	messages := s.Messages(10)
	require.Len(t, messages, 1)
	require.Equal(t, sent.ID, messages[0].ID)

	require.Len(t, pub.sent, 1)
	require.Equal(t, sent.CorrelationID, pub.sent[0].CorrelationID)
	require.Empty(t, api.sendCalls)
}

func TestSendCreatesProvisionalConversation(t *testing.T) {
	api := newFakeAPI()
	s := store.NewStore(api, selfIdentity, nil, 20)
	s.SetPublisher(&fakePublisher{connected: true})

	sent, err := s.Send(context.Background(), 9, "第一条")
	require.NoError(t, err)
	require.Equal(t, int64(-9), sent.ConversationID)

	provisional, ok := s.Conversation(-9)
	require.True(t, ok)
	require.Equal(t, int64(9), provisional.User2.ID)
	require.Len(t, s.Messages(-9), 1)
}

func TestSendValidation(t *testing.T) {
	api := newFakeAPI()
	s := store.NewStore(api, selfIdentity, nil, 20)

	_, err := s.Send(context.Background(), 2, "   ")
	require.ErrorIs(t, err, chattypes.ErrEmptyContent)

	_, err = s.Send(context.Background(), 0, "内容")
	require.ErrorIs(t, err, chattypes.ErrInvalidRecipient)

	anonymous := store.NewStore(api, func() (*auth.Claims, error) {
		return nil, chattypes.ErrUnauthenticated
	}, nil, 20)
	_, err = anonymous.Send(context.Background(), 2, "内容")
	require.ErrorIs(t, err, chattypes.ErrUnauthenticated)
}

func TestSendFallsBackToHTTP(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []chattypes.Conversation{conversation(10, 2)}
	now := time.Now()
	api.sendResult = &chattypes.ChatMessage{
		ID: 100, ConversationID: 10, SenderID: 1, RecipientID: 2,
		Content: "降级发送", SentTime: now,
	}
	s := store.NewStore(api, selfIdentity, nil, 20)
	require.NoError(t, s.LoadConversations(context.Background()))

	_, err := s.Send(context.Background(), 2, "降级发送")
	require.NoError(t, err)
	require.Len(t, api.sendCalls, 1)

	// HTTP 响应已对账，乐观消息被真实消息替换
	messages := s.Messages(10)
	require.Len(t, messages, 1)
	require.Equal(t, int64(100), messages[0].ID)
}

func TestSendHTTPFailureRemovesOptimistic(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []chattypes.Conversation{conversation(10, 2)}
	api.sendErr = errors.New("服务器错误")
	s := store.NewStore(api, selfIdentity, nil, 20)
	require.NoError(t, s.LoadConversations(context.Background()))

	_, err := s.Send(context.Background(), 2, "发不出去")
	require.Error(t, err)
	require.Empty(t, s.Messages(10))
}

func TestReconcileReplacesByCorrelationID(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []chattypes.Conversation{conversation(10, 2)}
	s := store.NewStore(api, selfIdentity, nil, 20)
	require.NoError(t, s.LoadConversations(context.Background()))
	s.SetPublisher(&fakePublisher{connected: true})

	var updated []store.Event
	s.SubscribeEvents(func(ev store.Event) {
		if ev.Type == store.MessageUpdated {
			updated = append(updated, ev)
		}
	})

	sent, err := s.Send(context.Background(), 2, "你好")
	require.NoError(t, err)

	confirmed := textMessage(200, 10, 1, "你好", time.Now())
	confirmed.CorrelationID = sent.CorrelationID
	s.Reconcile(&confirmed)

	messages := s.Messages(10)
	require.Len(t, messages, 1)
	require.Equal(t, int64(200), messages[0].ID)
	require.True(t, messages[0].IsRead)
	require.Len(t, updated, 1)
}

func TestReconcileHeuristicFallback(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []chattypes.Conversation{conversation(10, 2)}
	s := store.NewStore(api, selfIdentity, nil, 20)
	require.NoError(t, s.LoadConversations(context.Background()))
	s.SetPublisher(&fakePublisher{connected: true})

	_, err := s.Send(context.Background(), 2, "同样的内容")
	require.NoError(t, err)

	// 服务端没有回显关联ID，按 (负ID, 发送者, 内容) 匹配
	confirmed := textMessage(201, 10, 1, "同样的内容", time.Now())
	s.Reconcile(&confirmed)

	messages := s.Messages(10)
	require.Len(t, messages, 1)
	require.Equal(t, int64(201), messages[0].ID)
}

func TestReconcileDropsDuplicate(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []chattypes.Conversation{conversation(10, 2)}
	s := store.NewStore(api, selfIdentity, nil, 20)
	require.NoError(t, s.LoadConversations(context.Background()))

	incoming := textMessage(300, 10, 2, "重复推送", time.Now())
	s.Reconcile(&incoming)
	s.Reconcile(&incoming)

	require.Len(t, s.Messages(10), 1)
	require.Equal(t, 1, s.UnreadCount())
}

func TestReconcileCountsUnreadForInactiveConversation(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []chattypes.Conversation{conversation(10, 2)}
	s := store.NewStore(api, selfIdentity, nil, 20)
	require.NoError(t, s.LoadConversations(context.Background()))

	incoming := textMessage(301, 10, 2, "在吗", time.Now())
	s.Reconcile(&incoming)

	conv, ok := s.Conversation(10)
	require.True(t, ok)
	require.Equal(t, 1, conv.UnreadCount)
	require.Equal(t, 1, s.UnreadCount())

	messages := s.Messages(10)
	require.False(t, messages[0].IsRead)
	require.NotNil(t, conv.LastMessage)
	require.Equal(t, int64(301), conv.LastMessage.ID)
}

func TestReconcilePreservesServerReadFlag(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []chattypes.Conversation{conversation(10, 2)}
	s := store.NewStore(api, selfIdentity, nil, 20)
	require.NoError(t, s.LoadConversations(context.Background()))

	// 轮询重放的历史页里服务端已标记已读的消息不计入未读
	incoming := textMessage(303, 10, 2, "早就读过了", time.Now())
	incoming.IsRead = true
	s.Reconcile(&incoming)

	conv, ok := s.Conversation(10)
	require.True(t, ok)
	require.Equal(t, 0, conv.UnreadCount)
	require.Equal(t, 0, s.UnreadCount())
	require.True(t, s.Messages(10)[0].IsRead)
}

func TestReconcileMarksActiveConversationRead(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []chattypes.Conversation{conversation(10, 2)}
	s := store.NewStore(api, selfIdentity, nil, 20)
	require.NoError(t, s.LoadConversations(context.Background()))
	require.NoError(t, s.SetActive(context.Background(), 10))

	incoming := textMessage(302, 10, 2, "正在看", time.Now())
	s.Reconcile(&incoming)

	require.Equal(t, 0, s.UnreadCount())
	messages := s.Messages(10)
	require.Len(t, messages, 1)
	require.True(t, messages[0].IsRead)

	require.Eventually(t, func() bool {
		return api.markReadCount() > 0
	}, time.Second, 10*time.Millisecond)
}

func TestMarkConversationAsReadAdjustsGlobalCount(t *testing.T) {
	api := newFakeAPI()
	withUnread := conversation(10, 2)
	withUnread.UnreadCount = 3
	api.conversations = []chattypes.Conversation{withUnread}
	api.unread = 5
	s := store.NewStore(api, selfIdentity, nil, 20)
	require.NoError(t, s.LoadConversations(context.Background()))

	count, err := s.FetchUnreadCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, count)

	require.NoError(t, s.MarkConversationAsRead(context.Background(), 10))
	require.Equal(t, 2, s.UnreadCount())

	conv, _ := s.Conversation(10)
	require.Equal(t, 0, conv.UnreadCount)

	// 再标记一次不会把全局未读数减成负的
	require.NoError(t, s.MarkConversationAsRead(context.Background(), 10))
	require.Equal(t, 2, s.UnreadCount())
}

func TestLoadMessagesPageZeroReplacesAndSorts(t *testing.T) {
	api := newFakeAPI()
	base := time.Now()
	api.setPage(10, 0, []chattypes.ChatMessage{
		textMessage(3, 10, 1, "三", base.Add(3*time.Minute)),
		textMessage(1, 10, 2, "一", base.Add(1*time.Minute)),
		textMessage(2, 10, 1, "二", base.Add(2*time.Minute)),
	})
	s := store.NewStore(api, selfIdentity, nil, 20)

	require.NoError(t, s.LoadMessages(context.Background(), 10, 0, 20))

	messages := s.Messages(10)
	require.Len(t, messages, 3)
	require.Equal(t, []int64{1, 2, 3}, []int64{messages[0].ID, messages[1].ID, messages[2].ID})
}

func TestLoadMessagesLaterPageAppendsDeduped(t *testing.T) {
	api := newFakeAPI()
	base := time.Now()
	api.setPage(10, 0, []chattypes.ChatMessage{
		textMessage(5, 10, 1, "五", base.Add(5*time.Minute)),
		textMessage(6, 10, 2, "六", base.Add(6*time.Minute)),
	})
	api.setPage(10, 1, []chattypes.ChatMessage{
		textMessage(4, 10, 1, "四", base.Add(4*time.Minute)),
		textMessage(5, 10, 1, "五", base.Add(5*time.Minute)), // 与首页重叠
	})
	s := store.NewStore(api, selfIdentity, nil, 20)

	require.NoError(t, s.LoadMessages(context.Background(), 10, 0, 2))
	require.NoError(t, s.LoadMessages(context.Background(), 10, 1, 2))

	messages := s.Messages(10)
	require.Len(t, messages, 3)
	require.Equal(t, []int64{4, 5, 6}, []int64{messages[0].ID, messages[1].ID, messages[2].ID})
}

func TestLoadOlderMessagesPrependsAndCounts(t *testing.T) {
	api := newFakeAPI()
	base := time.Now()
	api.setPage(10, 0, []chattypes.ChatMessage{
		textMessage(5, 10, 1, "五", base.Add(5*time.Minute)),
	})
	api.before[10] = []chattypes.ChatMessage{
		textMessage(3, 10, 2, "三", base.Add(3*time.Minute)),
		textMessage(4, 10, 1, "四", base.Add(4*time.Minute)),
		textMessage(5, 10, 1, "五", base.Add(5*time.Minute)),
	}
	s := store.NewStore(api, selfIdentity, nil, 20)
	require.NoError(t, s.LoadMessages(context.Background(), 10, 0, 20))

	added, err := s.LoadOlderMessages(context.Background(), 10, 5, 20)
	require.NoError(t, err)
	require.Equal(t, 2, added)

	messages := s.Messages(10)
	require.Equal(t, []int64{3, 4, 5}, []int64{messages[0].ID, messages[1].ID, messages[2].ID})
}

func TestStaleMessagePageIsDropped(t *testing.T) {
	api := newFakeAPI()
	base := time.Now()
	api.conversations = []chattypes.Conversation{conversation(10, 2)}
	api.setPage(10, 0, []chattypes.ChatMessage{
		textMessage(5, 10, 1, "五", base.Add(5*time.Minute)),
	})
	api.setPage(10, 1, []chattypes.ChatMessage{
		textMessage(4, 10, 1, "四", base.Add(4*time.Minute)),
	})
	block := make(chan struct{})
	api.mu.Lock()
	api.pageBlock[1] = block
	api.mu.Unlock()

	s := store.NewStore(api, selfIdentity, nil, 20)
	require.NoError(t, s.LoadConversations(context.Background()))

	done := make(chan error, 1)
	go func() { done <- s.LoadMessages(context.Background(), 10, 1, 20) }()

	// 响应还在路上时重新激活会话，旧页必须被丢弃
	require.NoError(t, s.SetActive(context.Background(), 10))
	close(block)
	require.NoError(t, <-done)

	messages := s.Messages(10)
	require.Len(t, messages, 1)
	require.Equal(t, int64(5), messages[0].ID)
}

func TestProvisionalConversationMergesOnReload(t *testing.T) {
	api := newFakeAPI()
	s := store.NewStore(api, selfIdentity, nil, 20)
	s.SetPublisher(&fakePublisher{connected: true})

	sent, err := s.Send(context.Background(), 2, "新会话第一条")
	require.NoError(t, err)
	require.Equal(t, int64(-2), sent.ConversationID)

	api.mu.Lock()
	api.conversations = []chattypes.Conversation{conversation(42, 2)}
	api.mu.Unlock()
	require.NoError(t, s.LoadConversations(context.Background()))

	_, stillThere := s.Conversation(-2)
	require.False(t, stillThere)

	messages := s.Messages(42)
	require.Len(t, messages, 1)
	require.Equal(t, sent.ID, messages[0].ID)
	require.Equal(t, int64(42), messages[0].ConversationID)
	require.Empty(t, s.Messages(-2))
}

func TestClearChatData(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []chattypes.Conversation{conversation(10, 2)}
	api.unread = 4
	s := store.NewStore(api, selfIdentity, nil, 20)
	require.NoError(t, s.LoadConversations(context.Background()))
	_, err := s.FetchUnreadCount(context.Background())
	require.NoError(t, err)

	s.ClearChatData()

	require.Empty(t, s.Conversations())
	require.Equal(t, 0, s.UnreadCount())
	require.Equal(t, int64(0), s.ActiveConversationID())
}

func TestGetOrCreateConversationWithUser(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []chattypes.Conversation{conversation(10, 2)}
	s := store.NewStore(api, selfIdentity, nil, 20)

	conv, err := s.GetOrCreateConversationWithUser(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, int64(10), conv.ID)

	got, ok := s.Conversation(10)
	require.True(t, ok)
	require.Equal(t, int64(2), got.User2.ID)
}

func TestSendFileAttachesUploadResult(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []chattypes.Conversation{conversation(10, 2)}
	api.uploadInfo = &chattypes.FileInfo{
		FileURL: "/static/uploads/abc.pdf", FileName: "报告.pdf",
		FileType: "application/pdf", FileSize: 2048,
	}
	s := store.NewStore(api, selfIdentity, nil, 20)
	require.NoError(t, s.LoadConversations(context.Background()))
	pub := &fakePublisher{connected: true}
	s.SetPublisher(pub)

	sent, err := s.SendFile(context.Background(), 2, "报告.pdf", "application/pdf", nil, "")
	require.NoError(t, err)
	require.Equal(t, "/static/uploads/abc.pdf", sent.FileURL)
	require.Equal(t, "[文件: 报告.pdf]", sent.DisplayContent())

	require.Len(t, pub.sent, 1)
	require.Equal(t, "报告.pdf", pub.sent[0].FileName)
}
