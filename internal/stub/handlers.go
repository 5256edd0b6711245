package stub

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"supchat-go/internal/auth"
	"supchat-go/internal/chattypes"

	"github.com/gorilla/mux"
)

// contextKey 是用于在 context.Context 中存储值的自定义类型，避免键冲突。
type contextKey string

// claimsKey 是请求上下文里令牌声明的键。
const claimsKey contextKey = "claims"

// ErrorResponse 是 API 错误响应的通用结构体。
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSONResponse(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Printf("写入JSON响应失败: %v", err)
		}
	}
}

func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSONResponse(w, statusCode, ErrorResponse{Error: message})
}

// bearerToken 从 Authorization 头里取出 Bearer 令牌。
func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

// authMiddleware 验证 JWT 并把声明放进请求上下文。
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSONError(w, "请求未包含授权令牌", http.StatusUnauthorized)
			return
		}
		claims, err := auth.ValidateToken(token, s.cfg.Auth.JWTSecretKey)
		if err != nil {
			writeJSONError(w, "令牌无效", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// claimsFromContext 从上下文中取出令牌声明。
func claimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*auth.Claims)
	return claims, ok
}

// LoginRequest 是登录请求体。
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse 是登录成功的响应体。
type LoginResponse struct {
	Token string `json:"token"`
	User  *User  `json:"user"`
}

// handleLogin 处理登录请求，签发 JWT。
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if req.Username == "" || req.Password == "" {
		writeJSONError(w, "用户名和密码不能为空", http.StatusBadRequest)
		return
	}

	user, err := s.state.Authenticate(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrInvalidCredentials) {
			writeJSONError(w, "用户名或密码错误", http.StatusUnauthorized)
		} else {
			writeJSONError(w, "登录失败", http.StatusInternalServerError)
		}
		return
	}

	token, err := auth.GenerateToken(user.ID, user.Username, user.Nickname, user.Roles, s.cfg.Auth)
	if err != nil {
		writeJSONError(w, "签发令牌失败", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, LoginResponse{Token: token, User: user})
}

// handleAuthInfo 返回当前令牌对应的用户信息。
func (s *Server) handleAuthInfo(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	user, ok := s.state.UserByID(claims.UserID)
	if !ok {
		writeJSONError(w, "用户不存在", http.StatusNotFound)
		return
	}
	writeJSONResponse(w, http.StatusOK, user)
}

// handleConversations 返回当前用户的会话列表。
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	writeJSONResponse(w, http.StatusOK, s.state.ConversationsFor(claims.UserID))
}

// handleConversationWithUser 返回（或创建）与指定用户的会话。
func (s *Server) handleConversationWithUser(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	peerID, err := pathInt64(r, "userId")
	if err != nil {
		writeJSONError(w, "用户ID无效", http.StatusBadRequest)
		return
	}
	conversation, err := s.state.GetOrCreateConversation(claims.UserID, peerID)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSONResponse(w, http.StatusOK, conversation)
}

// handleMessages 返回会话的一页消息。
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	conversationID, err := pathInt64(r, "conversationId")
	if err != nil {
		writeJSONError(w, "会话ID无效", http.StatusBadRequest)
		return
	}
	page := queryInt(r, "page", 0)
	size := queryInt(r, "size", 20)

	messages, err := s.state.MessagesPage(conversationID, page, size)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSONResponse(w, http.StatusOK, messages)
}

// handleMessagesBefore 返回指定消息之前的历史页。
func (s *Server) handleMessagesBefore(w http.ResponseWriter, r *http.Request) {
	conversationID, err := pathInt64(r, "conversationId")
	if err != nil {
		writeJSONError(w, "会话ID无效", http.StatusBadRequest)
		return
	}
	beforeID, err := pathInt64(r, "messageId")
	if err != nil {
		writeJSONError(w, "消息ID无效", http.StatusBadRequest)
		return
	}
	size := queryInt(r, "size", 20)

	messages, err := s.state.MessagesBefore(conversationID, beforeID, size)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSONResponse(w, http.StatusOK, messages)
}

// handleSend 是 HTTP 降级发送入口。创建消息后同样走推送，
// 让在线的双方立刻收到。
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	var req chattypes.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if strings.TrimSpace(req.Content) == "" && req.FileURL == "" {
		writeJSONError(w, "消息内容不能为空", http.StatusBadRequest)
		return
	}

	created, err := s.state.AppendMessage(claims.UserID, req, time.Now())
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	s.pushMessage(created)
	writeJSONResponse(w, http.StatusOK, created)
}

// handleMarkRead 把会话标记为已读。
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	conversationID, err := pathInt64(r, "conversationId")
	if err != nil {
		writeJSONError(w, "会话ID无效", http.StatusBadRequest)
		return
	}

	updated, err := s.state.MarkRead(conversationID, claims.UserID)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int{"updatedCount": updated})
}

// handleUnreadCount 返回当前用户未读消息总数。
func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	writeJSONResponse(w, http.StatusOK, map[string]int{"count": s.state.UnreadCount(claims.UserID)})
}

// handleUpload 接收聊天附件并保存到本地存储。
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.cfg.Storage.MaxFileSizeMB << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, "无法读取上传文件", http.StatusBadRequest)
		return
	}
	defer file.Close()

	info, err := s.storage.Save(file, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		log.Printf("保存上传文件失败: %v", err)
		writeJSONError(w, "保存文件失败", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, info)
}

func pathInt64(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[name], 10, 64)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
