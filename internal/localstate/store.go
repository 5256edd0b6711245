package localstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// 本地持久化状态的键。与平台网页端 localStorage 使用的键保持一致，
// 便于排查两端状态不一致的问题。
const (
	keyToken                = "token"
	keyRoles                = "roles"
	keyActiveConversationID = "activeConversationId"
)

// Entry 是本地状态表中的一行键值记录。
type Entry struct {
	Key       string `gorm:"primaryKey;type:varchar(64)"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// TableName 指定 Entry 模型的表名。
func (Entry) TableName() string {
	return "local_state"
}

// Store 管理客户端跨重启保留的少量状态：
// 登录令牌、最近一次已知的用户角色、最后活跃的会话ID。
// 读写都是同步的，没有 schema 版本管理。
type Store struct {
	db *gorm.DB
}

// Open 打开（必要时创建）path 指向的本地状态数据库。
func Open(path string) (*Store, error) {
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newLogger})
	if err != nil {
		return nil, fmt.Errorf("打开本地状态数据库失败 '%s': %w", path, err)
	}

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("本地状态表迁移失败: %w", err)
	}

	return &Store{db: db}, nil
}

// Get 返回 key 对应的值。键不存在时返回空串和 false。
func (s *Store) Get(key string) (string, bool) {
	var entry Entry
	err := s.db.First(&entry, "key = ?", key).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("读取本地状态 '%s' 失败: %v", key, err)
		}
		return "", false
	}
	return entry.Value, true
}

// Set 写入一个键值对，已存在时覆盖。
func (s *Store) Set(key, value string) error {
	entry := Entry{Key: key, Value: value, UpdatedAt: time.Now()}
	if err := s.db.Save(&entry).Error; err != nil {
		return fmt.Errorf("写入本地状态 '%s' 失败: %w", key, err)
	}
	return nil
}

// Delete 删除一个键。键不存在不算错误。
func (s *Store) Delete(key string) error {
	if err := s.db.Delete(&Entry{}, "key = ?", key).Error; err != nil {
		return fmt.Errorf("删除本地状态 '%s' 失败: %w", key, err)
	}
	return nil
}

// Token 返回持久化的登录令牌，未登录时为空串。
func (s *Store) Token() string {
	v, _ := s.Get(keyToken)
	return v
}

// SetToken 持久化登录令牌。
func (s *Store) SetToken(token string) error {
	return s.Set(keyToken, token)
}

// Roles 返回最近一次已知的用户角色列表。
func (s *Store) Roles() []string {
	v, ok := s.Get(keyRoles)
	if !ok || v == "" {
		return nil
	}
	var roles []string
	if err := json.Unmarshal([]byte(v), &roles); err != nil {
		log.Printf("本地角色列表损坏，已忽略: %v", err)
		return nil
	}
	return roles
}

// SetRoles 持久化用户角色列表。
func (s *Store) SetRoles(roles []string) error {
	data, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("序列化角色列表失败: %w", err)
	}
	return s.Set(keyRoles, string(data))
}

// ActiveConversationID 返回最后活跃的会话ID。
// 第二个返回值为 false 表示当前没有活跃会话。
func (s *Store) ActiveConversationID() (int64, bool) {
	v, ok := s.Get(keyActiveConversationID)
	if !ok || v == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Printf("本地活跃会话ID损坏，已忽略: %v", err)
		return 0, false
	}
	return id, true
}

// SetActiveConversationID 持久化活跃会话ID，供通知判断读取。
func (s *Store) SetActiveConversationID(id int64) error {
	return s.Set(keyActiveConversationID, strconv.FormatInt(id, 10))
}

// ClearActiveConversationID 清除活跃会话ID。
func (s *Store) ClearActiveConversationID() error {
	return s.Delete(keyActiveConversationID)
}

// Clear 清除全部本地状态（登出时调用）。
func (s *Store) Clear() error {
	if err := s.db.Where("1 = 1").Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("清空本地状态失败: %w", err)
	}
	return nil
}
