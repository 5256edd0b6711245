package auth

import (
	"fmt"
	"time"

	"supchat-go/internal/chattypes"
	"supchat-go/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims 是 JWT 中的自定义声明，嵌入了 jwt.RegisteredClaims。
type Claims struct {
	UserID   int64    `json:"userId"`
	Username string   `json:"username"`
	Nickname string   `json:"nickname,omitempty"`
	Avatar   string   `json:"avatar,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken 为指定用户生成一个新的 JWT（存根服务端签发令牌使用）。
func GenerateToken(userID int64, username, nickname string, roles []string, authCfg config.AuthConfig) (string, error) {
	jwtID, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("生成 JWT ID 失败: %w", err)
	}

	expirationTime := time.Now().Add(authCfg.JWTExpiry)
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Nickname: nickname,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expirationTime),
			ID:        jwtID.String(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "supchat-stub-server",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(authCfg.JWTSecretKey))
	if err != nil {
		return "", fmt.Errorf("生成 JWT 失败: %w", err)
	}
	return tokenString, nil
}

// ValidateToken 验证给定的 JWT 字符串的有效性（存根服务端校验使用）。
// 如果令牌有效，它会返回 Claims。否则返回错误。
func ValidateToken(tokenString string, jwtKey string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// 确保签名算法是我们期望的
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("非预期的签名算法: %v", token.Header["alg"])
		}
		return []byte(jwtKey), nil
	})

	if err != nil {
		return nil, fmt.Errorf("解析或验证 JWT 失败: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("JWT 无效")
	}

	return claims, nil
}

// ParseBearer 在不验证签名的前提下解析客户端持有的令牌，提取用户声明。
// 客户端没有签发密钥，签名校验由服务端完成；这里只做结构与有效期检查，
// 以便在发起任何网络操作之前发现缺失或已过期的凭证。
func ParseBearer(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, chattypes.ErrUnauthenticated
	}

	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: 令牌解析失败: %v", chattypes.ErrUnauthenticated, err)
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("%w: 令牌已过期", chattypes.ErrUnauthenticated)
	}
	if claims.UserID <= 0 {
		return nil, fmt.Errorf("%w: 令牌缺少用户ID", chattypes.ErrUnauthenticated)
	}

	return claims, nil
}

// DisplayName 返回用于展示的名称，优先使用昵称。
func (c *Claims) DisplayName() string {
	if c.Nickname != "" {
		return c.Nickname
	}
	return c.Username
}
