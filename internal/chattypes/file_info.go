// internal/chattypes/file_info.go
package chattypes

// FileInfo 是 /api/chat/upload-file 接口的响应体，
// 描述一个已上传的聊天附件。
type FileInfo struct {
	FileURL  string `json:"fileUrl"`  // 可公开访问的文件 URL
	FileName string `json:"fileName"` // 原始文件名
	FileType string `json:"fileType"` // 文件的 MIME 类型
	FileSize int64  `json:"fileSize"` // 文件大小 (字节)
}
