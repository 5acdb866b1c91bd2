package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ChatCompletionRequest OpenAI 格式的聊天请求
type ChatCompletionRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages" binding:"required"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	User        string        `json:"user,omitempty"`
}

// ChatMessage 聊天消息
// Content 可能是字符串，也可能是多模态数组 [{"type":"text",...}, {"type":"image_url",...}]
type ChatMessage struct {
	Role    string      `json:"role,omitempty"`
	Content interface{} `json:"content,omitempty"`
}

// ChatCompletionResponse OpenAI 格式的非流式响应
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   ChatCompletionUsage    `json:"usage"`
}

// ChatCompletionChoice 非流式响应的选择项
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionUsage 使用统计
// 上游不回报 OpenAI 口径的 token 数，固定为 0
type ChatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk 流式响应的单个数据块
// FinishReason 为 nil 时序列化为 null，终止块固定为 "stop"
type StreamChunk struct {
	Choices []StreamChoice `json:"choices"`
	Object  string         `json:"object"`
}

// StreamChoice 流式选择项
type StreamChoice struct {
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
	Index        int         `json:"index"`
}

// StreamDelta 增量内容
type StreamDelta struct {
	Content string `json:"content,omitempty"`
}

// NewDeltaChunk 构造增量数据块
func NewDeltaChunk(content string) StreamChunk {
	return StreamChunk{
		Choices: []StreamChoice{
			{Delta: StreamDelta{Content: content}, FinishReason: nil, Index: 0},
		},
		Object: "chat.completion.chunk",
	}
}

// NewStopChunk 构造终止数据块（空 delta + finish_reason stop）
func NewStopChunk() StreamChunk {
	stop := "stop"
	return StreamChunk{
		Choices: []StreamChoice{
			{Delta: StreamDelta{}, FinishReason: &stop, Index: 0},
		},
		Object: "chat.completion.chunk",
	}
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string      `json:"message"`
	Type    string      `json:"type"`
	Details interface{} `json:"details,omitempty"`
}

// ModelInfo 模型目录条目
type ModelInfo struct {
	ID string `json:"id"`
}

// ModelListResponse GET /v1/models 响应
type ModelListResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string `json:"status"`
	Gateway   string `json:"gateway"`
	Keys      int    `json:"keys"`
	Timestamp int64  `json:"timestamp"`
}

// APIResponse 管理接口通用响应
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse(message string, data interface{}) *APIResponse {
	return &APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

// NewErrorResponse 创建失败响应
func NewErrorResponse(message string) *APIResponse {
	return &APIResponse{
		Success:   false,
		Message:   message,
		Timestamp: time.Now().Unix(),
	}
}

// MaskAPIKey 脱敏 API Key，日志和管理接口只允许出现脱敏后的形式
func MaskAPIKey(key string) string {
	if key == "" {
		return "***"
	}
	if len(key) <= 4 {
		return key[:1] + "***"
	}
	if len(key) <= 11 {
		return key[:2] + "***" + key[len(key)-2:]
	}
	return key[:11] + "..."
}

// StringContent 从 ChatMessage.Content 提取纯文本
func (m *ChatMessage) StringContent() string {
	if m.Content == nil {
		return ""
	}

	if str, ok := m.Content.(string); ok {
		return str
	}

	if arr, ok := m.Content.([]interface{}); ok {
		var result strings.Builder
		for _, item := range arr {
			itemMap, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if itemType, exists := itemMap["type"]; exists && itemType == "text" {
				if text, ok := itemMap["text"].(string); ok {
					if result.Len() > 0 {
						result.WriteString(" ")
					}
					result.WriteString(text)
				}
			}
		}
		return result.String()
	}

	if jsonBytes, err := json.Marshal(m.Content); err == nil {
		return string(jsonBytes)
	}
	return ""
}
