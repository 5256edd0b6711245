package session_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"supchat-go/internal/auth"
	"supchat-go/internal/chattypes"
	"supchat-go/internal/config"
	"supchat-go/internal/router"
	"supchat-go/internal/session"
	"supchat-go/internal/stub"

	"github.com/stretchr/testify/require"
)

type tokenHolder struct{ token string }

func (h *tokenHolder) Token() string { return h.token }

// nopRefresher 让轮询降级在测试里有处可去。
type nopRefresher struct{}

func (nopRefresher) LoadConversations(ctx context.Context) error        { return nil }
func (nopRefresher) Conversations() []chattypes.Conversation            { return nil }
func (nopRefresher) FetchUnreadCount(ctx context.Context) (int, error)  { return 0, nil }

type nopAPI struct{}

func (nopAPI) GetMessages(ctx context.Context, conversationID int64, page, size int) ([]chattypes.ChatMessage, error) {
	return nil, nil
}

// staticRefresher 提供固定的会话列表。
type staticRefresher struct {
	conversations []chattypes.Conversation
}

func (s *staticRefresher) LoadConversations(ctx context.Context) error       { return nil }
func (s *staticRefresher) Conversations() []chattypes.Conversation          { return s.conversations }
func (s *staticRefresher) FetchUnreadCount(ctx context.Context) (int, error) { return 0, nil }

// pagedAPI 按会话返回固定的首页消息，并记录被拉取过的会话ID。
type pagedAPI struct {
	mu    sync.Mutex
	calls []int64
	pages map[int64][]chattypes.ChatMessage
}

func (p *pagedAPI) GetMessages(ctx context.Context, conversationID int64, page, size int) ([]chattypes.ChatMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, conversationID)
	return p.pages[conversationID], nil
}

func (p *pagedAPI) polledConversations() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.calls...)
}

func wsConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		WriteWaitSeconds: 10, PongWaitSeconds: 60, PingPeriodSeconds: 54,
		MaxMessageSizeBytes: 65536, ConnectTimeout: 5 * time.Second,
	}
}

func sessionConfig() config.SessionConfig {
	return config.SessionConfig{
		ReconnectDelay:       50 * time.Millisecond,
		MaxReconnectAttempts: 2,
		PollingInterval:      50 * time.Millisecond,
		PollingPageSize:      20,
	}
}

func startBackend(t *testing.T) (*httptest.Server, config.AuthConfig) {
	t.Helper()
	authCfg := config.AuthConfig{JWTSecretKey: "test-secret", JWTExpiry: time.Hour}
	server, err := stub.NewServer(config.Config{
		Auth:      authCfg,
		Storage:   config.StorageConfig{LocalPath: t.TempDir(), MaxFileSizeMB: 10},
		WebSocket: wsConfig(),
	})
	require.NoError(t, err)
	go server.RunHub()

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv, authCfg
}

func newManager(t *testing.T, srv *httptest.Server, authCfg config.AuthConfig) (*session.Manager, *router.Router, chan *chattypes.ChatMessage) {
	t.Helper()
	token, err := auth.GenerateToken(1, "supervisor", "监管员小王", []string{"SUPERVISOR"}, authCfg)
	require.NoError(t, err)

	holder := &tokenHolder{token: token}
	identity := func() (*auth.Claims, error) { return auth.ParseBearer(holder.token) }

	wsCfg := wsConfig()
	wsCfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	r := router.New()
	received := make(chan *chattypes.ChatMessage, 16)
	r.Subscribe(func(m *chattypes.ChatMessage) { received <- m })

	m := session.NewManager(sessionConfig(), wsCfg, holder, identity, r, nopAPI{}, nopRefresher{})
	t.Cleanup(m.Disconnect)
	return m, r, received
}

func TestConnectRequiresToken(t *testing.T) {
	srv, _ := startBackend(t)

	wsCfg := wsConfig()
	wsCfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	holder := &tokenHolder{}
	identity := func() (*auth.Claims, error) { return auth.ParseBearer(holder.token) }

	m := session.NewManager(sessionConfig(), wsCfg, holder, identity, router.New(), nopAPI{}, nopRefresher{})
	require.ErrorIs(t, m.Connect(), chattypes.ErrUnauthenticated)
	require.False(t, m.Connected())
}

func TestConnectAndReceiveEcho(t *testing.T) {
	srv, authCfg := startBackend(t)
	m, _, received := newManager(t, srv, authCfg)

	require.NoError(t, m.Connect())
	require.Eventually(t, m.Connected, 2*time.Second, 10*time.Millisecond)
	// 等订阅帧被服务端处理
	time.Sleep(200 * time.Millisecond)

	err := m.PublishSend(chattypes.SendRequest{
		SenderID: 1, RecipientID: 2, Content: "实时发送", CorrelationID: "corr-ws-1",
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		require.Greater(t, msg.ID, int64(0))
		require.Equal(t, "corr-ws-1", msg.CorrelationID)
		require.Equal(t, "实时发送", msg.Content)
		require.Equal(t, int64(1), msg.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("没有收到服务端回显")
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	srv, authCfg := startBackend(t)
	m, _, _ := newManager(t, srv, authCfg)

	require.NoError(t, m.Connect())
	require.NoError(t, m.Connect())
	require.Eventually(t, m.Connected, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Connect())
}

func TestDisconnectStopsChannel(t *testing.T) {
	srv, authCfg := startBackend(t)
	m, _, _ := newManager(t, srv, authCfg)

	require.NoError(t, m.Connect())
	require.Eventually(t, m.Connected, 2*time.Second, 10*time.Millisecond)

	m.Disconnect()
	require.False(t, m.Connected())
	require.False(t, m.Polling())

	require.ErrorIs(t, m.PublishSend(chattypes.SendRequest{}), chattypes.ErrTransportFailure)
}

func TestUnreachableServerFallsBackToPolling(t *testing.T) {
	authCfg := config.AuthConfig{JWTSecretKey: "test-secret", JWTExpiry: time.Hour}
	token, err := auth.GenerateToken(1, "supervisor", "", nil, authCfg)
	require.NoError(t, err)

	holder := &tokenHolder{token: token}
	identity := func() (*auth.Claims, error) { return auth.ParseBearer(holder.token) }

	wsCfg := wsConfig()
	wsCfg.URL = "ws://127.0.0.1:1/ws"
	wsCfg.ConnectTimeout = 200 * time.Millisecond

	m := session.NewManager(sessionConfig(), wsCfg, holder, identity, router.New(), nopAPI{}, nopRefresher{})
	t.Cleanup(m.Disconnect)

	require.NoError(t, m.Connect())
	require.Eventually(t, m.Polling, 3*time.Second, 20*time.Millisecond)
	require.False(t, m.Connected())
}

// 轮询降级期间拉到的消息必须走和实时通道相同的派发路径：
// 全局订阅者和派发钩子（通知门卫挂在这里）都要收到。
func TestPollingRedeliversThroughRouter(t *testing.T) {
	authCfg := config.AuthConfig{JWTSecretKey: "test-secret", JWTExpiry: time.Hour}
	token, err := auth.GenerateToken(1, "supervisor", "", nil, authCfg)
	require.NoError(t, err)

	holder := &tokenHolder{token: token}
	identity := func() (*auth.Claims, error) { return auth.ParseBearer(holder.token) }

	refresher := &staticRefresher{conversations: []chattypes.Conversation{
		{ID: 10}, {ID: 11}, {ID: -5}, // 负ID是本地临时会话，不该被拉取
	}}
	api := &pagedAPI{pages: map[int64][]chattypes.ChatMessage{
		10: {{ID: 201, ConversationID: 10, SenderID: 2, Content: "降级期间的消息"}},
		11: {{ID: 301, ConversationID: 11, SenderID: 3, Content: "另一个会话的消息"}},
	}}

	r := router.New()
	var delivered, hooked atomic.Int32
	r.Subscribe(func(*chattypes.ChatMessage) { delivered.Add(1) })
	r.OnDispatch(func(*chattypes.ChatMessage) { hooked.Add(1) })

	wsCfg := wsConfig()
	wsCfg.URL = "ws://127.0.0.1:1/ws"
	wsCfg.ConnectTimeout = 200 * time.Millisecond

	m := session.NewManager(sessionConfig(), wsCfg, holder, identity, r, api, refresher)
	t.Cleanup(m.Disconnect)

	require.NoError(t, m.Connect())
	require.Eventually(t, m.Polling, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return delivered.Load() >= 2 && hooked.Load() >= 2
	}, 3*time.Second, 20*time.Millisecond)

	polled := api.polledConversations()
	require.Contains(t, polled, int64(10))
	require.Contains(t, polled, int64(11))
	require.NotContains(t, polled, int64(-5))
}

// 一次失败的连接尝试留下的超时守卫必须被取消，不能在后续
// 重连还在进行时提前触发轮询降级。
func TestFailedAttemptCancelsConnectGuard(t *testing.T) {
	authCfg := config.AuthConfig{JWTSecretKey: "test-secret", JWTExpiry: time.Hour}
	token, err := auth.GenerateToken(1, "supervisor", "", nil, authCfg)
	require.NoError(t, err)

	holder := &tokenHolder{token: token}
	identity := func() (*auth.Claims, error) { return auth.ParseBearer(holder.token) }

	wsCfg := wsConfig()
	wsCfg.URL = "ws://127.0.0.1:1/ws"
	wsCfg.ConnectTimeout = 150 * time.Millisecond

	// 重连预算足够大，拨号立刻失败：守卫若不随失败取消，
	// 第一次尝试的守卫会在 150ms 后触发轮询
	sessionCfg := sessionConfig()
	sessionCfg.ReconnectDelay = 60 * time.Millisecond
	sessionCfg.MaxReconnectAttempts = 100

	m := session.NewManager(sessionCfg, wsCfg, holder, identity, router.New(), nopAPI{}, nopRefresher{})
	t.Cleanup(m.Disconnect)

	require.NoError(t, m.Connect())
	time.Sleep(400 * time.Millisecond)
	require.False(t, m.Polling())
	require.False(t, m.Connected())
}
