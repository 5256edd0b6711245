package notify

import (
	"log"

	"github.com/gen2brain/beeep"
)

// Notifier 把一条通知投递到桌面。tag 标识通知所属的会话，
// 同一会话的连续通知可以被实现合并。
type Notifier interface {
	Notify(tag, title, body string) error
}

// DesktopNotifier 通过系统通知中心弹出桌面通知。
//
// 局限：beeep 不支持按 tag 替换已有通知，同一会话的连续通知会
// 叠加而不是原位替换；tag 在这里只用于日志排查。
type DesktopNotifier struct {
	// AppName 显示在通知标题前缀里的应用名。
	AppName string
}

// Notify 实现 Notifier 接口。
func (n *DesktopNotifier) Notify(tag, title, body string) error {
	if err := beeep.Notify(n.composeTitle(title), body, ""); err != nil {
		return err
	}
	log.Printf("已弹出桌面通知: tag=%s", tag)
	return nil
}

// composeTitle 把应用名拼进通知标题，beeep 没有单独的应用名参数。
func (n *DesktopNotifier) composeTitle(title string) string {
	if n.AppName == "" {
		return title
	}
	return n.AppName + " · " + title
}

// NopNotifier 丢弃所有通知，用于禁用通知或测试。
type NopNotifier struct{}

// Notify 实现 Notifier 接口。
func (NopNotifier) Notify(tag, title, body string) error {
	log.Printf("通知已禁用，丢弃: tag=%s title=%q", tag, title)
	return nil
}
