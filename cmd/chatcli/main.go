// chatcli 是聊天子系统的命令行前端：登录、浏览会话、收发消息。
// 实时通道断开时自动重连，重连失败降级为HTTP轮询，全程对命令透明。
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"supchat-go/internal/apiclient"
	"supchat-go/internal/auth"
	"supchat-go/internal/chattypes"
	"supchat-go/internal/config"
	"supchat-go/internal/localstate"
	"supchat-go/internal/notify"
	"supchat-go/internal/router"
	"supchat-go/internal/session"
	"supchat-go/internal/store"

	"github.com/lmittmann/tint"
)

// app 汇集命令行前端依赖的所有组件。
type app struct {
	cfg     config.Config
	state   *localstate.Store
	api     *apiclient.Client
	store   *store.Store
	manager *session.Manager
}

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}

	// 2. 初始化日志
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      parseLogLevel(cfg.LogLevel),
		TimeFormat: time.TimeOnly,
	})))

	// 3. 打开本地状态库
	state, err := localstate.Open(cfg.LocalState.Path)
	if err != nil {
		log.Fatalf("无法打开本地状态库: %v", err)
	}

	// 4. 组装客户端组件
	identity := func() (*auth.Claims, error) {
		return auth.ParseBearer(state.Token())
	}

	api := apiclient.New(cfg.API, state)
	st := store.NewStore(api, identity, state, cfg.Session.PollingPageSize)
	r := router.New()
	manager := session.NewManager(cfg.Session, cfg.WebSocket, state, identity, r, api, st)
	st.SetPublisher(manager)

	// 入站消息先对账进缓存，再交给通知门卫
	r.Subscribe(st.Reconcile)

	presence := func() notify.Presence {
		// 命令行前端始终停留在聊天页；活跃会话的消息直接打印，不弹通知
		return notify.Presence{Visible: true, OnChatRoute: true}
	}
	gatekeeper := notify.NewGatekeeper(cfg.Notification, &notify.DesktopNotifier{AppName: cfg.AppName},
		identity, st, presence, nil)
	r.OnDispatch(gatekeeper.HandleMessage)

	a := &app{cfg: cfg, state: state, api: api, store: st, manager: manager}

	// 5. 会话失效处理：清令牌、断开通道、清缓存
	api.SetUnauthorizedHandler(func() {
		log.Println("登录已过期，请重新登录")
		if err := state.SetToken(""); err != nil {
			log.Printf("清除令牌失败: %v", err)
		}
		manager.Disconnect()
		st.ClearChatData()
	})

	// 6. 消息事件打印到终端
	st.SubscribeEvents(func(ev store.Event) {
		if ev.Type != store.MessageAdded || ev.Message == nil {
			return
		}
		if ev.ConversationID == st.ActiveConversationID() {
			printMessage(ev.Message)
		}
	})

	// 7. 有持久化令牌时自动恢复会话
	if state.Token() != "" {
		a.restore()
	}

	fmt.Printf("%s %s — 输入 help 查看命令\n", cfg.AppName, cfg.AppVersion)
	a.repl()
}

// restore 用持久化的令牌恢复登录状态与活跃会话。
func (a *app) restore() {
	if _, err := auth.ParseBearer(a.state.Token()); err != nil {
		log.Printf("本地令牌已失效: %v", err)
		return
	}
	if err := a.manager.Connect(); err != nil {
		log.Printf("建立实时通道失败: %v", err)
	}

	ctx := context.Background()
	if err := a.store.LoadConversations(ctx); err != nil {
		log.Printf("恢复会话列表失败: %v", err)
		return
	}
	if _, err := a.store.FetchUnreadCount(ctx); err != nil {
		log.Printf("获取未读数失败: %v", err)
	}
	if id, ok := a.state.ActiveConversationID(); ok {
		if err := a.store.SetActive(ctx, id); err != nil {
			log.Printf("恢复活跃会话失败: %v", err)
		}
	}
}

func (a *app) repl() {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "help":
			printHelp()
		case "login":
			a.cmdLogin(args)
		case "logout":
			a.cmdLogout()
		case "list":
			a.cmdList()
		case "open":
			a.cmdOpen(args)
		case "send":
			a.cmdSend(args)
		case "sendfile":
			a.cmdSendFile(args)
		case "older":
			a.cmdOlder()
		case "unread":
			a.cmdUnread()
		case "status":
			a.cmdStatus()
		case "quit", "exit":
			a.manager.Disconnect()
			return
		default:
			fmt.Printf("未知命令: %s (输入 help 查看命令)\n", cmd)
		}
	}
}

func (a *app) cmdLogin(args []string) {
	if len(args) != 2 {
		fmt.Println("用法: login <用户名> <密码>")
		return
	}
	result, err := a.api.Login(context.Background(), args[0], args[1])
	if err != nil {
		fmt.Printf("登录失败: %v\n", err)
		return
	}
	if err := a.state.SetToken(result.Token); err != nil {
		log.Printf("持久化令牌失败: %v", err)
	}
	if err := a.state.SetRoles(result.User.Roles); err != nil {
		log.Printf("持久化角色失败: %v", err)
	}
	fmt.Printf("欢迎, %s\n", result.User.Nickname)
	a.restore()
}

func (a *app) cmdLogout() {
	a.manager.Disconnect()
	a.store.ClearChatData()
	if err := a.state.Clear(); err != nil {
		log.Printf("清空本地状态失败: %v", err)
	}
	fmt.Println("已登出")
}

func (a *app) cmdList() {
	conversations := a.store.SortedConversations()
	if len(conversations) == 0 {
		fmt.Println("没有会话")
		return
	}
	claims, _ := auth.ParseBearer(a.state.Token())
	for _, c := range conversations {
		peer := c.User2
		if claims != nil {
			peer = c.Peer(claims.UserID)
		}
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.DisplayContent()
		}
		marker := ""
		if c.UnreadCount > 0 {
			marker = fmt.Sprintf(" [%d条未读]", c.UnreadCount)
		}
		fmt.Printf("  #%d %s%s — %s\n", c.ID, peer.Name, marker, last)
	}
}

func (a *app) cmdOpen(args []string) {
	if len(args) != 1 {
		fmt.Println("用法: open <会话ID>")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Println("会话ID无效")
		return
	}
	if err := a.store.SetActive(context.Background(), id); err != nil {
		fmt.Printf("打开会话失败: %v\n", err)
		return
	}
	for _, m := range a.store.Messages(id) {
		printMessage(&m)
	}
}

func (a *app) cmdSend(args []string) {
	if len(args) < 2 {
		fmt.Println("用法: send <用户ID> <内容>")
		return
	}
	recipientID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Println("用户ID无效")
		return
	}
	content := strings.Join(args[1:], " ")
	if _, err := a.store.Send(context.Background(), recipientID, content); err != nil {
		fmt.Printf("发送失败: %v\n", err)
	}
}

func (a *app) cmdSendFile(args []string) {
	if len(args) != 2 {
		fmt.Println("用法: sendfile <用户ID> <文件路径>")
		return
	}
	recipientID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Println("用户ID无效")
		return
	}
	f, err := os.Open(args[1])
	if err != nil {
		fmt.Printf("无法打开文件: %v\n", err)
		return
	}
	defer f.Close()

	if _, err := a.store.SendFile(context.Background(), recipientID, filepath.Base(args[1]), "", f, ""); err != nil {
		fmt.Printf("发送文件失败: %v\n", err)
	}
}

func (a *app) cmdOlder() {
	active := a.store.ActiveConversationID()
	if active == 0 {
		fmt.Println("请先用 open 打开一个会话")
		return
	}
	messages := a.store.Messages(active)
	if len(messages) == 0 {
		fmt.Println("没有更多历史")
		return
	}
	added, err := a.store.LoadOlderMessages(context.Background(), active, messages[0].ID, a.cfg.Session.PollingPageSize)
	if err != nil {
		fmt.Printf("加载历史失败: %v\n", err)
		return
	}
	if added == 0 {
		fmt.Println("没有更多历史")
		return
	}
	fmt.Printf("已加载 %d 条历史消息\n", added)
}

func (a *app) cmdUnread() {
	count, err := a.store.FetchUnreadCount(context.Background())
	if err != nil {
		fmt.Printf("获取未读数失败: %v\n", err)
		return
	}
	fmt.Printf("未读消息: %d 条\n", count)
}

func (a *app) cmdStatus() {
	switch {
	case a.manager.Connected():
		fmt.Println("实时通道: 已连接")
	case a.manager.Polling():
		fmt.Println("实时通道: 已降级为HTTP轮询")
	default:
		fmt.Println("实时通道: 未连接")
	}
}

func printMessage(m *chattypes.ChatMessage) {
	pending := ""
	if m.IsOptimistic() {
		pending = " (发送中)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.SentTime.Format("15:04"), m.SenderName, m.DisplayContent(), pending)
}

func printHelp() {
	fmt.Println(`命令:
  login <用户名> <密码>      登录
  logout                     登出并清空本地状态
  list                       会话列表
  open <会话ID>              打开会话并标记已读
  send <用户ID> <内容>       发送文本消息
  sendfile <用户ID> <路径>   发送文件
  older                      加载当前会话更早的历史
  unread                     查询未读消息数
  status                     实时通道状态
  quit                       退出`)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
