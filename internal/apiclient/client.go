package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"supchat-go/internal/chattypes"
	"supchat-go/internal/config"
)

// TokenSource 提供当前的登录令牌。每次请求前都重新读取，
// 保证拿到的是最新令牌。
type TokenSource interface {
	Token() string
}

// Client 是平台 HTTP API 的轻量封装：注入 Bearer 令牌、
// 按状态码分类错误、解码 JSON 响应。
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource

	// onUnauthorized 在非认证接口返回 401 时被调用一次，
	// 由上层完成会话失效处理（清除令牌、跳转登录）。
	onUnauthorized func()
}

// New 创建一个 API 客户端。
func New(cfg config.APIConfig, tokens TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
	}
}

// SetUnauthorizedHandler 注册 401 会话失效回调。
func (c *Client) SetUnauthorizedHandler(f func()) {
	c.onUnauthorized = f
}

// APIError 携带一次失败请求的状态码、服务端消息和固定的用户提示。
type APIError struct {
	StatusCode  int
	Path        string
	Message     string // 服务端返回的消息（可能为空）
	UserMessage string // 按状态码分类的固定提示
	Quiet       bool   // 预期中的缺失（评价类接口的404），调用方不应提示用户
}

// Error 实现 error 接口。
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("请求 %s 失败 (%d): %s", e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("请求 %s 失败 (%d): %s", e.Path, e.StatusCode, e.UserMessage)
}

// IsQuiet 报告 err 是否是一个应静默处理的预期错误。
func IsQuiet(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Quiet
	}
	return false
}

// isAuthEndpoint 报告该路径是否属于认证相关接口。
// 这类接口的 401 不触发全局会话失效，避免重定向循环。
func isAuthEndpoint(path string) bool {
	return strings.Contains(path, "/api/auth/info") || strings.Contains(path, "/api/auth/login")
}

// isEvaluationEndpoint 报告该路径是否属于评价类接口，
// 其 404 表示"尚未评价"，是正常情况。
func isEvaluationEndpoint(path string) bool {
	return strings.Contains(path, "/evaluation") || strings.Contains(path, "/evaluate")
}

// do 发出一个 JSON 请求并把响应解码到 out（out 可为 nil）。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求体失败: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return fmt.Errorf("构造请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", chattypes.ErrNetwork, err)
	}
	defer resp.Body.Close()

	return c.decode(resp, path, out)
}

// authorize 为请求注入 Bearer 令牌。没有令牌时不加头，由服务端返回 401。
func (c *Client) authorize(req *http.Request) {
	if c.tokens == nil {
		return
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// decode 解码响应；非 2xx 状态码映射为 APIError。
func (c *Client) decode(resp *http.Response, path string, out interface{}) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("解码响应失败 (%s): %w", path, err)
		}
		return nil
	}

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	message := payload.Message
	if message == "" {
		message = payload.Error
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Path: path, Message: message}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		apiErr.UserMessage = "请求参数错误"
		if message != "" {
			apiErr.UserMessage = message
		}
	case http.StatusUnauthorized:
		apiErr.UserMessage = "登录已过期，请重新登录"
		if isAuthEndpoint(path) {
			// 忽略认证相关接口的401，防止循环重定向
			log.Printf("忽略认证接口 %s 的401错误", path)
		} else if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
	case http.StatusForbidden:
		apiErr.UserMessage = "权限不足，无法执行此操作"
	case http.StatusNotFound:
		apiErr.UserMessage = "请求的资源不存在"
		if isEvaluationEndpoint(path) {
			// 评价类接口的404是预期中的缺失，不提示用户
			apiErr.Quiet = true
		}
	case http.StatusInternalServerError:
		apiErr.UserMessage = "服务器错误，请稍后重试"
	default:
		apiErr.UserMessage = "请求失败，请稍后重试"
	}

	if !apiErr.Quiet {
		log.Printf("API请求错误: status=%d path=%s message=%q", resp.StatusCode, path, message)
	}
	return apiErr
}
