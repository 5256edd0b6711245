package apiclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"

	"supchat-go/internal/chattypes"
)

// GetConversations 获取当前用户的所有会话。
func (c *Client) GetConversations(ctx context.Context) ([]chattypes.Conversation, error) {
	var conversations []chattypes.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/chat/conversations", nil, nil, &conversations); err != nil {
		return nil, fmt.Errorf("获取会话列表失败: %w", err)
	}
	return conversations, nil
}

// GetConversationWithUser 获取（或由服务端创建）与指定用户的会话。
func (c *Client) GetConversationWithUser(ctx context.Context, userID int64) (*chattypes.Conversation, error) {
	var conversation chattypes.Conversation
	path := "/api/chat/conversations/" + strconv.FormatInt(userID, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &conversation); err != nil {
		return nil, fmt.Errorf("获取与用户 %d 的会话失败: %w", userID, err)
	}
	return &conversation, nil
}

// GetMessages 获取会话的一页消息。page 从 0 开始。
func (c *Client) GetMessages(ctx context.Context, conversationID int64, page, size int) ([]chattypes.ChatMessage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))

	var messages []chattypes.ChatMessage
	path := "/api/chat/conversations/" + strconv.FormatInt(conversationID, 10) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, query, nil, &messages); err != nil {
		return nil, fmt.Errorf("获取会话 %d 的消息失败: %w", conversationID, err)
	}
	return messages, nil
}

// GetMessagesBefore 获取指定消息之前的历史消息页。
func (c *Client) GetMessagesBefore(ctx context.Context, conversationID, beforeMessageID int64, size int) ([]chattypes.ChatMessage, error) {
	query := url.Values{}
	query.Set("size", strconv.Itoa(size))

	var messages []chattypes.ChatMessage
	path := "/api/chat/conversations/" + strconv.FormatInt(conversationID, 10) +
		"/messages/before/" + strconv.FormatInt(beforeMessageID, 10)
	if err := c.do(ctx, http.MethodGet, path, query, nil, &messages); err != nil {
		return nil, fmt.Errorf("获取会话 %d 的历史消息失败: %w", conversationID, err)
	}
	return messages, nil
}

// SendMessage 通过 HTTP 发送一条消息（实时通道不可用时的降级路径）。
// 返回服务端创建的消息。
func (c *Client) SendMessage(ctx context.Context, req chattypes.SendRequest) (*chattypes.ChatMessage, error) {
	var created chattypes.ChatMessage
	if err := c.do(ctx, http.MethodPost, "/api/chat/send", nil, req, &created); err != nil {
		return nil, fmt.Errorf("通过HTTP发送消息失败: %w", err)
	}
	return &created, nil
}

// MarkConversationRead 将会话内发给当前用户的消息标记为已读，
// 返回服务端实际更新的条数。
func (c *Client) MarkConversationRead(ctx context.Context, conversationID int64) (int, error) {
	var resp struct {
		UpdatedCount int `json:"updatedCount"`
	}
	path := "/api/chat/conversations/" + strconv.FormatInt(conversationID, 10) + "/read"
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &resp); err != nil {
		return 0, fmt.Errorf("标记会话 %d 为已读失败: %w", conversationID, err)
	}
	return resp.UpdatedCount, nil
}

// GetUnreadCount 获取当前用户未读消息总数。
func (c *Client) GetUnreadCount(ctx context.Context) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/chat/unread/count", nil, nil, &resp); err != nil {
		return 0, fmt.Errorf("获取未读消息数量失败: %w", err)
	}
	return resp.Count, nil
}

// UploadFile 上传一个聊天附件，返回文件描述信息。
func (c *Client) UploadFile(ctx context.Context, fileName, mimeType string, reader io.Reader) (*chattypes.FileInfo, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
	if mimeType != "" {
		header.Set("Content-Type", mimeType)
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("构造上传表单失败: %w", err)
	}
	if _, err := io.Copy(part, reader); err != nil {
		return nil, fmt.Errorf("读取上传文件失败: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("关闭上传表单失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/upload-file", &buf)
	if err != nil {
		return nil, fmt.Errorf("构造上传请求失败: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chattypes.ErrNetwork, err)
	}
	defer resp.Body.Close()

	var info chattypes.FileInfo
	if err := c.decode(resp, "/api/chat/upload-file", &info); err != nil {
		return nil, fmt.Errorf("上传聊天文件失败: %w", err)
	}
	return &info, nil
}
