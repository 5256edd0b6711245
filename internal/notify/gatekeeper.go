// Package notify 决定一条入站消息是否值得打扰用户，并在需要时
// 弹出桌面通知。
//
// 规则：自己发出的消息（回显）永远不通知；已经标记为已读的消息
// 不通知；用户正把目标会话摆在眼前（窗口可见、停留在聊天页、且
// 该会话处于活跃状态）时不通知；其余情况都通知。通知正文截断到
// 固定长度。
package notify

import (
	"log"
	"strconv"
	"sync"

	"supchat-go/internal/chattypes"
	"supchat-go/internal/config"
	"supchat-go/internal/store"
)

// Permission 是通知授权的三态。
type Permission int

const (
	// PermissionDefault 表示尚未向用户请求过授权。
	PermissionDefault Permission = iota
	// PermissionGranted 表示用户已授权。
	PermissionGranted
	// PermissionDenied 表示用户已拒绝，之后不再请求。
	PermissionDenied
)

// Presence 描述用户当前的注意力状态。
type Presence struct {
	// Visible 表示应用窗口当前可见。
	Visible bool
	// OnChatRoute 表示用户正停留在聊天页面。
	OnChatRoute bool
}

// PresenceFunc 返回用户当前的注意力状态。
type PresenceFunc func() Presence

// ActiveSource 提供当前活跃会话ID，由会话缓存实现。
type ActiveSource interface {
	ActiveConversationID() int64
}

// Gatekeeper 过滤入站消息并弹出桌面通知。
// 注册为消息路由器的派发钩子。
type Gatekeeper struct {
	cfg      config.NotificationConfig
	notifier Notifier
	identity store.IdentityFunc
	active   ActiveSource
	presence PresenceFunc

	mu         sync.Mutex
	permission Permission
	request    func() Permission
}

// NewGatekeeper 创建一个通知门卫。request 在第一条需要通知的消息
// 到来时被调用一次以请求授权；传 nil 视为直接授权。
func NewGatekeeper(cfg config.NotificationConfig, notifier Notifier, identity store.IdentityFunc, active ActiveSource, presence PresenceFunc, request func() Permission) *Gatekeeper {
	if request == nil {
		request = func() Permission { return PermissionGranted }
	}
	if !cfg.Enabled {
		notifier = NopNotifier{}
	}
	return &Gatekeeper{
		cfg:        cfg,
		notifier:   notifier,
		identity:   identity,
		active:     active,
		presence:   presence,
		request:    request,
		permission: PermissionDefault,
	}
}

// ShouldNotify 报告是否应为该消息打扰用户。
func (g *Gatekeeper) ShouldNotify(msg *chattypes.ChatMessage) bool {
	if msg == nil {
		return false
	}
	// 自己发出的消息回显，不通知
	if claims, err := g.identity(); err == nil && claims.UserID == msg.SenderID {
		return false
	}
	// 已读消息（轮询重放的历史）不需要提醒
	if msg.IsRead {
		return false
	}

	p := g.presence()
	if p.Visible && p.OnChatRoute && g.active.ActiveConversationID() == msg.ConversationID {
		// 用户正看着这个会话
		return false
	}
	return true
}

// HandleMessage 是注册到路由器上的派发钩子。
func (g *Gatekeeper) HandleMessage(msg *chattypes.ChatMessage) {
	if !g.ShouldNotify(msg) {
		return
	}
	if g.ensurePermission() != PermissionGranted {
		return
	}

	tag := "chat_" + strconv.FormatInt(msg.ConversationID, 10)
	title := msg.SenderName
	if title == "" {
		title = "新消息"
	}
	body := truncateRunes(msg.DisplayContent(), g.cfg.MaxBodyRunes)

	if err := g.notifier.Notify(tag, title, body); err != nil {
		log.Printf("弹出桌面通知失败: %v", err)
	}
}

// ensurePermission 返回当前授权状态；未请求过时请求一次并缓存结果。
func (g *Gatekeeper) ensurePermission() Permission {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.permission == PermissionDefault {
		g.permission = g.request()
		if g.permission == PermissionDenied {
			log.Printf("用户拒绝了通知授权，后续消息不再通知")
		}
	}
	return g.permission
}

// ResetPermission 清除缓存的授权结果，下一条需要通知的消息会重新请求。
func (g *Gatekeeper) ResetPermission() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.permission = PermissionDefault
}

// truncateRunes 把 s 截断到最多 max 个字符，超出部分替换为省略号。
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
