package stub

import (
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"supchat-go/internal/chattypes"
	"supchat-go/internal/config"

	"github.com/google/uuid"
)

// LocalStorage 把上传的聊天附件保存到本地文件系统。
type LocalStorage struct {
	basePath string // 本地存储的基础路径，例如 "./uploads"
	baseURL  string // 文件访问 URL 的前缀，例如 "/static/uploads"
}

// NewLocalStorage 创建一个本地文件存储。
func NewLocalStorage(cfg config.StorageConfig, baseURL string) (*LocalStorage, error) {
	if err := os.MkdirAll(cfg.LocalPath, 0755); err != nil {
		return nil, fmt.Errorf("创建本地存储目录失败 '%s': %w", cfg.LocalPath, err)
	}
	return &LocalStorage{basePath: cfg.LocalPath, baseURL: baseURL}, nil
}

// Save 保存一个文件，返回附件描述。文件以随机名落盘，保留原始扩展名。
func (s *LocalStorage) Save(reader io.Reader, fileName, mimeType string) (*chattypes.FileInfo, error) {
	ext := filepath.Ext(fileName)
	if ext == "" {
		// 没有扩展名时尝试从 MIME 类型推断
		extensions, _ := mime.ExtensionsByType(mimeType)
		if len(extensions) > 0 {
			ext = extensions[0]
		}
	}
	uniqueName := uuid.New().String() + ext
	dstPath := filepath.Join(s.basePath, uniqueName)

	dst, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("创建目标文件失败 '%s': %w", dstPath, err)
	}
	defer dst.Close()

	written, err := io.Copy(dst, reader)
	if err != nil {
		os.Remove(dstPath)
		return nil, fmt.Errorf("写入文件失败: %w", err)
	}

	fileURL := strings.TrimSuffix(s.baseURL, "/") + "/" + url.PathEscape(uniqueName)
	return &chattypes.FileInfo{
		FileURL:  fileURL,
		FileName: fileName,
		FileType: mimeType,
		FileSize: written,
	}, nil
}
