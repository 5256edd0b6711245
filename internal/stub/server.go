package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"

	"supchat-go/internal/chattypes"
	"supchat-go/internal/config"

	gorillahandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Server 组装内存数据层、Hub、本地存储和 HTTP 路由。
type Server struct {
	cfg     config.Config
	state   *State
	hub     *Hub
	storage *LocalStorage
	httpSrv *http.Server
}

// NewServer 创建并组装一个开发后端。
func NewServer(cfg config.Config) (*Server, error) {
	storage, err := NewLocalStorage(cfg.Storage, "/static/uploads")
	if err != nil {
		return nil, fmt.Errorf("初始化本地存储失败: %w", err)
	}

	state := NewState()
	state.SeedDemoData()

	s := &Server{
		cfg:     cfg,
		state:   state,
		hub:     NewHub(),
		storage: storage,
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.serveWS)
	r.PathPrefix("/static/uploads/").Handler(
		http.StripPrefix("/static/uploads/", http.FileServer(http.Dir(cfg.Storage.LocalPath))))

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/auth/info", s.handleAuthInfo).Methods(http.MethodGet)
	api.HandleFunc("/chat/conversations", s.handleConversations).Methods(http.MethodGet)
	api.HandleFunc("/chat/conversations/{userId:[0-9]+}", s.handleConversationWithUser).Methods(http.MethodGet)
	api.HandleFunc("/chat/conversations/{conversationId:[0-9]+}/messages", s.handleMessages).Methods(http.MethodGet)
	api.HandleFunc("/chat/conversations/{conversationId:[0-9]+}/messages/before/{messageId:[0-9]+}", s.handleMessagesBefore).Methods(http.MethodGet)
	api.HandleFunc("/chat/conversations/{conversationId:[0-9]+}/read", s.handleMarkRead).Methods(http.MethodPost)
	api.HandleFunc("/chat/send", s.handleSend).Methods(http.MethodPost)
	api.HandleFunc("/chat/unread/count", s.handleUnreadCount).Methods(http.MethodGet)
	api.HandleFunc("/chat/upload-file", s.handleUpload).Methods(http.MethodPost)

	cors := gorillahandlers.CORS(
		gorillahandlers.AllowedOrigins(cfg.Stub.CORS.AllowedOrigins),
		gorillahandlers.AllowedMethods(cfg.Stub.CORS.AllowedMethods),
		gorillahandlers.AllowedHeaders(cfg.Stub.CORS.AllowedHeaders),
		gorillahandlers.AllowCredentials(),
		gorillahandlers.MaxAge(cfg.Stub.CORS.MaxAge),
	)

	s.httpSrv = &http.Server{
		Addr:    net.JoinHostPort(cfg.Stub.Host, cfg.Stub.Port),
		Handler: cors(r),
	}
	return s, nil
}

// State 暴露内存数据层，测试用。
func (s *Server) State() *State {
	return s.state
}

// Handler 返回组装好的 HTTP 处理器，测试用。
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// RunHub 只启动 Hub 循环，测试里配合 Handler 使用。阻塞调用。
func (s *Server) RunHub() {
	s.hub.Run()
}

// pushMessage 把服务端创建的消息推给接收者，并回显给发送者，
// 发送端据此把乐观消息替换成带真实ID的版本。
func (s *Server) pushMessage(msg chattypes.ChatMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		log.Printf("错误: 无法序列化推送消息: %v", err)
		return
	}
	s.hub.Deliver(msg.RecipientID, chattypes.Frame{
		Type:        chattypes.MessageFrame,
		Destination: chattypes.UserMessageQueue(msg.RecipientID),
		Body:        body,
	})
	s.hub.Deliver(msg.SenderID, chattypes.Frame{
		Type:        chattypes.MessageFrame,
		Destination: chattypes.UserMessageQueue(msg.SenderID),
		Body:        body,
	})
}

// Run 启动 Hub 和 HTTP 服务，阻塞直到服务退出。
func (s *Server) Run() error {
	go s.hub.Run()
	log.Printf("开发后端已启动: http://%s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP服务异常退出: %w", err)
	}
	return nil
}

// Shutdown 优雅地关闭 HTTP 服务。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
