package chattypes

import "errors"

// 聊天子系统的哨兵错误。调用方用 errors.Is 判断类别，
// 各层用 fmt.Errorf("...: %w", err) 附加上下文。
var (
	// ErrUnauthenticated 表示没有可用的登录凭证（或凭证已过期）。
	ErrUnauthenticated = errors.New("用户未登录或凭证已失效")

	// ErrEmptyContent 表示消息内容去除空白后为空。
	ErrEmptyContent = errors.New("消息内容不能为空")

	// ErrInvalidRecipient 表示接收者 ID 无效。
	ErrInvalidRecipient = errors.New("接收者ID无效")

	// ErrTransportFailure 表示实时通道建立失败或握手超时。
	ErrTransportFailure = errors.New("实时通道连接失败")

	// ErrNetwork 表示 HTTP 层网络错误（连接失败、超时等）。
	ErrNetwork = errors.New("网络连接错误，请检查网络连接或服务器状态")

	// ErrUnroutable 表示消息缺少会话引用，无法路由到任何会话。
	ErrUnroutable = errors.New("消息缺少会话ID，无法路由")
)
