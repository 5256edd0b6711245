package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the chat client and the stub server.
// The values are read by viper from a config file or environment variables.
type Config struct {
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`

	API          APIConfig          `mapstructure:"API"`
	WebSocket    WebSocketConfig    `mapstructure:"WEBSOCKET"`
	Session      SessionConfig      `mapstructure:"SESSION"`
	LocalState   LocalStateConfig   `mapstructure:"LOCAL_STATE"`
	Notification NotificationConfig `mapstructure:"NOTIFICATION"`
	Stub         StubConfig         `mapstructure:"STUB"`
	Auth         AuthConfig         `mapstructure:"AUTH"`
	Storage      StorageConfig      `mapstructure:"STORAGE"`
}

// APIConfig 保存 HTTP API 客户端的配置。
type APIConfig struct {
	BaseURL string        `mapstructure:"BASE_URL"`
	Timeout time.Duration `mapstructure:"TIMEOUT"`
}

// WebSocketConfig holds configuration for the real-time channel.
type WebSocketConfig struct {
	URL                 string        `mapstructure:"URL"`
	WriteWaitSeconds    int           `mapstructure:"WRITE_WAIT_SECONDS"`
	PongWaitSeconds     int           `mapstructure:"PONG_WAIT_SECONDS"`
	PingPeriodSeconds   int           `mapstructure:"PING_PERIOD_SECONDS"`
	MaxMessageSizeBytes int           `mapstructure:"MAX_MESSAGE_SIZE_BYTES"`
	ConnectTimeout      time.Duration `mapstructure:"CONNECT_TIMEOUT"`
}

// SessionConfig 保存会话管理器（重连与轮询降级）的配置。
type SessionConfig struct {
	ReconnectDelay       time.Duration `mapstructure:"RECONNECT_DELAY"`
	MaxReconnectAttempts int           `mapstructure:"MAX_RECONNECT_ATTEMPTS"`
	PollingInterval      time.Duration `mapstructure:"POLLING_INTERVAL"`
	PollingPageSize      int           `mapstructure:"POLLING_PAGE_SIZE"`
}

// LocalStateConfig 保存本地持久化状态（令牌、角色、活跃会话）的配置。
type LocalStateConfig struct {
	Path string `mapstructure:"PATH"`
}

// NotificationConfig 保存桌面通知的配置。
type NotificationConfig struct {
	Enabled      bool `mapstructure:"ENABLED"`
	MaxBodyRunes int  `mapstructure:"MAX_BODY_RUNES"`
}

// StubConfig holds configuration for the development stub server.
type StubConfig struct {
	Host string     `mapstructure:"HOST"`
	Port string     `mapstructure:"PORT"`
	CORS CORSConfig `mapstructure:"CORS"`
}

// CORSConfig holds CORS configuration for the stub server.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"ALLOWED_ORIGINS"`
	AllowedMethods   []string `mapstructure:"ALLOWED_METHODS"`
	AllowedHeaders   []string `mapstructure:"ALLOWED_HEADERS"`
	AllowCredentials bool     `mapstructure:"ALLOW_CREDENTIALS"`
	MaxAge           int      `mapstructure:"MAX_AGE"`
}

// AuthConfig holds JWT configuration, used by the stub server to mint tokens.
type AuthConfig struct {
	JWTSecretKey string        `mapstructure:"JWT_SECRET_KEY"`
	JWTExpiry    time.Duration `mapstructure:"JWT_EXPIRY"`
}

// StorageConfig holds configuration for stub-server file uploads.
type StorageConfig struct {
	LocalPath     string `mapstructure:"LOCAL_PATH"`
	MaxFileSizeMB int64  `mapstructure:"MAX_FILE_SIZE_MB"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()

	v.SetDefault("APP_NAME", "SupChat")
	v.SetDefault("APP_VERSION", "0.0.1")
	v.SetDefault("LOG_LEVEL", "info")

	// API Defaults
	v.SetDefault("API.BASE_URL", "http://localhost:8080")
	v.SetDefault("API.TIMEOUT", 15*time.Second)

	// WebSocket Defaults
	v.SetDefault("WEBSOCKET.URL", "ws://localhost:8080/ws")
	v.SetDefault("WEBSOCKET.WRITE_WAIT_SECONDS", 10)
	v.SetDefault("WEBSOCKET.PONG_WAIT_SECONDS", 60)
	v.SetDefault("WEBSOCKET.PING_PERIOD_SECONDS", 54) // (60 * 9) / 10
	v.SetDefault("WEBSOCKET.MAX_MESSAGE_SIZE_BYTES", 65536)
	v.SetDefault("WEBSOCKET.CONNECT_TIMEOUT", 10*time.Second)

	// Session Defaults
	v.SetDefault("SESSION.RECONNECT_DELAY", 5*time.Second)
	v.SetDefault("SESSION.MAX_RECONNECT_ATTEMPTS", 5)
	v.SetDefault("SESSION.POLLING_INTERVAL", 30*time.Second)
	v.SetDefault("SESSION.POLLING_PAGE_SIZE", 20)

	// LocalState Defaults
	v.SetDefault("LOCAL_STATE.PATH", "./supchat-state.db")

	// Notification Defaults
	v.SetDefault("NOTIFICATION.ENABLED", true)
	v.SetDefault("NOTIFICATION.MAX_BODY_RUNES", 50)

	// Stub Server Defaults
	v.SetDefault("STUB.HOST", "0.0.0.0")
	v.SetDefault("STUB.PORT", "8080")
	v.SetDefault("STUB.CORS.ALLOWED_ORIGINS", []string{"http://localhost:5173"})
	v.SetDefault("STUB.CORS.ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("STUB.CORS.ALLOWED_HEADERS", []string{"Accept", "Authorization", "Content-Type"})
	v.SetDefault("STUB.CORS.ALLOW_CREDENTIALS", true)
	v.SetDefault("STUB.CORS.MAX_AGE", 300) // 5 minutes

	// Auth Defaults
	v.SetDefault("AUTH.JWT_SECRET_KEY", "a_very_secret_key_that_should_be_changed")
	v.SetDefault("AUTH.JWT_EXPIRY", 24*time.Hour)

	// Storage Defaults
	v.SetDefault("STORAGE.LOCAL_PATH", "./uploads")
	v.SetDefault("STORAGE.MAX_FILE_SIZE_MB", 100) // 100 MB

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.AutomaticEnv() // Read in environment variables that match
	// For nested structs, viper uses underscore: SESSION_POLLING_INTERVAL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err = v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return
		}
		// Config file not found; we have defaults, so this is acceptable
		err = nil
	}

	err = v.Unmarshal(&config)
	return
}

// WriteWait 返回写超时时长。
func (c WebSocketConfig) WriteWait() time.Duration {
	return time.Duration(c.WriteWaitSeconds) * time.Second
}

// PongWait 返回等待 pong 的超时时长。
func (c WebSocketConfig) PongWait() time.Duration {
	return time.Duration(c.PongWaitSeconds) * time.Second
}

// PingPeriod 返回发送 ping 的周期，必须小于 PongWait。
func (c WebSocketConfig) PingPeriod() time.Duration {
	return time.Duration(c.PingPeriodSeconds) * time.Second
}
