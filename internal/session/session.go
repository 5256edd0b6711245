// Package session 管理实时通道的生命周期：建立连接、断线重连、
// 以及通道不可用时的 HTTP 轮询降级。
//
// 对外暴露一个 Manager：Connect 幂等，重复调用不会建立第二条连接；
// 重连次数用尽或连接超时后自动切换到轮询，连接恢复后轮询停止。
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"supchat-go/internal/apiclient"
	"supchat-go/internal/chattypes"
	"supchat-go/internal/config"
	"supchat-go/internal/router"
	"supchat-go/internal/store"
)

// Refresher 是轮询降级时用来刷新会话列表与未读数的接口，
// 由会话缓存实现。
type Refresher interface {
	LoadConversations(ctx context.Context) error
	Conversations() []chattypes.Conversation
	FetchUnreadCount(ctx context.Context) (int, error)
}

// PollingAPI 是轮询降级直接使用的 HTTP 接口子集。
// 拉到的消息会逐条重放进消息路由器，去重交给下游。
type PollingAPI interface {
	GetMessages(ctx context.Context, conversationID int64, page, size int) ([]chattypes.ChatMessage, error)
}

// 固定的订阅ID。重连时先按ID退订再订阅，避免服务端残留旧订阅
// 造成消息重复投递。
const (
	messageSubscriptionID      = "sub-messages"
	notificationSubscriptionID = "sub-notifications"
)

// Manager 管理一条实时通道。实现了会话缓存的 Publisher 接口。
type Manager struct {
	sessionCfg config.SessionConfig
	wsCfg      config.WebSocketConfig
	tokens     apiclient.TokenSource
	identity   store.IdentityFunc
	router     *router.Router
	api        PollingAPI
	refresher  Refresher

	mu             sync.Mutex
	tr             *transport
	connected      bool
	connecting     bool
	closed         bool
	attempts       int
	userID         int64
	guard          *time.Timer
	reconnectTimer *time.Timer
	pollStop       chan struct{}
}

// NewManager 创建一个会话管理器。
func NewManager(sessionCfg config.SessionConfig, wsCfg config.WebSocketConfig, tokens apiclient.TokenSource, identity store.IdentityFunc, r *router.Router, api PollingAPI, refresher Refresher) *Manager {
	return &Manager{
		sessionCfg: sessionCfg,
		wsCfg:      wsCfg,
		tokens:     tokens,
		identity:   identity,
		router:     r,
		api:        api,
		refresher:  refresher,
	}
}

// Connect 建立实时通道。已连接或正在连接时直接返回 nil。
// 没有登录令牌时返回 chattypes.ErrUnauthenticated，不发起连接。
func (m *Manager) Connect() error {
	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()
	return m.tryConnect()
}

// tryConnect 是 Connect 和重连定时器共用的入口，不重置 closed。
func (m *Manager) tryConnect() error {
	m.mu.Lock()
	if m.closed || m.connected || m.connecting {
		m.mu.Unlock()
		return nil
	}

	token := m.tokens.Token()
	if token == "" {
		m.mu.Unlock()
		return chattypes.ErrUnauthenticated
	}
	claims, err := m.identity()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("无法建立实时通道: %w", err)
	}

	m.userID = claims.UserID
	m.connecting = true
	// 连接超时守卫：超时还没连上就先降级轮询，连接流程继续在后台跑
	m.guard = time.AfterFunc(m.wsCfg.ConnectTimeout, m.onConnectGuard)
	m.mu.Unlock()

	go m.dialAndRun(token)
	return nil
}

func (m *Manager) dialAndRun(token string) {
	tr, err := dialTransport(context.Background(), m.wsCfg.URL, token, m.wsCfg, m.handleFrame, m.handleClosed)
	if err != nil {
		log.Printf("实时通道连接失败: %v", err)
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
		m.handleClosed(err)
		return
	}
	m.afterConnect(tr)
}

// afterConnect 完成连接收尾：停掉守卫与轮询、重置重连计数、
// 发送 connect 帧并订阅用户队列。
func (m *Manager) afterConnect(tr *transport) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		tr.close()
		return
	}
	m.tr = tr
	m.connected = true
	m.connecting = false
	m.attempts = 0
	if m.guard != nil {
		m.guard.Stop()
		m.guard = nil
	}
	m.stopPollingLocked()
	userID := m.userID
	m.mu.Unlock()

	log.Printf("实时通道已连接 (用户: %d)", userID)

	body, _ := json.Marshal(map[string]int64{"userId": userID})
	frames := []chattypes.Frame{
		{Type: chattypes.ConnectFrame, Destination: chattypes.ConnectDestination, Body: body},
		{Type: chattypes.UnsubscribeFrame, ID: messageSubscriptionID},
		{Type: chattypes.UnsubscribeFrame, ID: notificationSubscriptionID},
		{Type: chattypes.SubscribeFrame, ID: messageSubscriptionID, Destination: chattypes.UserMessageQueue(userID)},
		{Type: chattypes.SubscribeFrame, ID: notificationSubscriptionID, Destination: chattypes.UserNotificationQueue(userID)},
	}
	for _, f := range frames {
		if err := tr.publish(f); err != nil {
			log.Printf("发送 %s 帧失败: %v", f.Type, err)
		}
	}
}

// handleFrame 处理服务端推送的帧。
func (m *Manager) handleFrame(frame chattypes.Frame) {
	switch frame.Type {
	case chattypes.MessageFrame:
		var msg chattypes.ChatMessage
		if err := json.Unmarshal(frame.Body, &msg); err != nil {
			log.Printf("错误: 无法反序列化推送消息: %v", err)
			return
		}
		m.router.Dispatch(&msg)
	case chattypes.ErrorFrame:
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(frame.Body, &payload)
		log.Printf("服务端错误通知: %s", payload.Message)
	default:
		log.Printf("忽略未知帧类型: %s", frame.Type)
	}
}

// handleClosed 在连接断开后决定重连还是降级轮询。
func (m *Manager) handleClosed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tr = nil
	m.connected = false
	m.connecting = false
	// 上一次尝试的连接超时守卫随本次失败一起取消，
	// 下一次尝试会设置自己的守卫
	if m.guard != nil {
		m.guard.Stop()
		m.guard = nil
	}
	if m.closed {
		return
	}

	m.attempts++
	if m.attempts <= m.sessionCfg.MaxReconnectAttempts {
		log.Printf("实时通道断开 (%v)，%s 后第 %d/%d 次重连",
			err, m.sessionCfg.ReconnectDelay, m.attempts, m.sessionCfg.MaxReconnectAttempts)
		m.reconnectTimer = time.AfterFunc(m.sessionCfg.ReconnectDelay, func() {
			if err := m.tryConnect(); err != nil {
				log.Printf("重连失败: %v", err)
			}
		})
		return
	}

	log.Printf("重连 %d 次均失败，降级为HTTP轮询", m.sessionCfg.MaxReconnectAttempts)
	m.startPollingLocked()
}

// onConnectGuard 在连接超时后触发轮询降级。
func (m *Manager) onConnectGuard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected || m.closed {
		return
	}
	log.Printf("实时通道连接超时 (%s)，先降级为HTTP轮询", m.wsCfg.ConnectTimeout)
	m.startPollingLocked()
}

// Disconnect 关闭实时通道并停止重连与轮询。
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	if m.guard != nil {
		m.guard.Stop()
		m.guard = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopPollingLocked()
	tr := m.tr
	m.tr = nil
	m.connected = false
	m.connecting = false
	m.attempts = 0
	m.mu.Unlock()

	if tr != nil {
		tr.close()
	}
}

// Connected 报告实时通道当前是否可用。
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Polling 报告当前是否处于轮询降级状态。
func (m *Manager) Polling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollStop != nil
}

// PublishSend 把一条发送请求封装成 send 帧发往服务端。
func (m *Manager) PublishSend(req chattypes.SendRequest) error {
	m.mu.Lock()
	tr := m.tr
	m.mu.Unlock()
	if tr == nil {
		return chattypes.ErrTransportFailure
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("序列化发送请求失败: %w", err)
	}
	return tr.publish(chattypes.Frame{
		Type:        chattypes.SendFrame,
		Destination: chattypes.SendDestination,
		Body:        body,
	})
}

// startPollingLocked 启动轮询循环。调用方必须持有 m.mu。
func (m *Manager) startPollingLocked() {
	if m.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	m.pollStop = stop
	go m.pollLoop(stop)
}

// stopPollingLocked 停止轮询循环。调用方必须持有 m.mu。
func (m *Manager) stopPollingLocked() {
	if m.pollStop != nil {
		close(m.pollStop)
		m.pollStop = nil
	}
}

// pollLoop 周期性地用 HTTP 补偿实时通道缺席时的消息投递。
func (m *Manager) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.sessionCfg.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.pollOnce()
		}
	}
}

// pollOnce 刷新会话列表，然后逐个会话拉取最新一页消息并把每条
// 消息重放进路由器：缓存靠ID去重吸收重复，通知门卫照常评估，
// 订阅者在降级期间拿到的投递与实时通道一致。
func (m *Manager) pollOnce() {
	ctx := context.Background()
	if err := m.refresher.LoadConversations(ctx); err != nil {
		log.Printf("轮询: 刷新会话列表失败: %v", err)
	}

	for _, conv := range m.refresher.Conversations() {
		if conv.ID <= 0 {
			// 本地临时会话，服务端还不认识
			continue
		}
		messages, err := m.api.GetMessages(ctx, conv.ID, 0, m.sessionCfg.PollingPageSize)
		if err != nil {
			log.Printf("轮询: 拉取会话 %d 的消息失败: %v", conv.ID, err)
			continue
		}
		for i := range messages {
			msg := messages[i]
			m.router.Dispatch(&msg)
		}
	}

	if _, err := m.refresher.FetchUnreadCount(ctx); err != nil {
		log.Printf("轮询: 刷新未读数失败: %v", err)
	}
}
