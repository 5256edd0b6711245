package apiclient

import (
	"context"
	"fmt"
	"net/http"
)

// AuthUser 是认证接口返回的用户信息。
type AuthUser struct {
	ID       int64    `json:"id"`
	Username string   `json:"username"`
	Nickname string   `json:"nickname"`
	Avatar   string   `json:"avatar"`
	Roles    []string `json:"roles"`
}

// LoginResult 是登录成功的响应体。
type LoginResult struct {
	Token string   `json:"token"`
	User  AuthUser `json:"user"`
}

// Login 用用户名密码换取登录令牌。
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	req := map[string]string{"username": username, "password": password}
	var result LoginResult
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", nil, req, &result); err != nil {
		return nil, fmt.Errorf("登录失败: %w", err)
	}
	return &result, nil
}

// GetAuthInfo 返回当前令牌对应的用户信息。
func (c *Client) GetAuthInfo(ctx context.Context) (*AuthUser, error) {
	var user AuthUser
	if err := c.do(ctx, http.MethodGet, "/api/auth/info", nil, nil, &user); err != nil {
		return nil, fmt.Errorf("获取用户信息失败: %w", err)
	}
	return &user, nil
}
