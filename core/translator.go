package core

import (
	"fmt"
	"strings"

	"gemini-gateway/models"
)

// Part 上游内容分片：纯文本或内联二进制（来自 data URI）
type Part struct {
	Text       string
	InlineData *InlineData
}

// InlineData base64 内联数据
type InlineData struct {
	MimeType string
	Data     string
}

// Turn 一轮对话，Role 为上游角色 "user" 或 "model"
type Turn struct {
	Role  string
	Parts []Part
}

// TranslationResult 翻译结果
// History 不包含 Current；Errors 非空时调用方必须按 400 处理，不得调用上游
type TranslationResult struct {
	History []Turn
	Current Turn
	Errors  []string
}

// TranslateMessages 将 OpenAI 格式消息序列翻译为上游对话形态
// 纯函数：同样的输入永远得到同样的输出
//
// 角色映射：system/user → "user"，assistant → "model"，其他角色记错误并丢弃该条。
// 顺序即语义：History 保持原始顺序，最后一条可用消息被抽出作为 Current。
func TranslateMessages(messages []models.ChatMessage) TranslationResult {
	var turns []Turn
	var errs []string

	for _, msg := range messages {
		role, ok := mapRole(msg.Role)
		if !ok {
			errs = append(errs, fmt.Sprintf("Invalid role: %s", msg.Role))
			continue
		}

		switch content := msg.Content.(type) {
		case string:
			turns = append(turns, Turn{Role: role, Parts: []Part{{Text: content}}})

		case []interface{}:
			parts := translateParts(content, &errs)
			if len(parts) > 0 {
				turns = append(turns, Turn{Role: role, Parts: parts})
			}

		default:
			// 其他类型按其文本形式兜底
			if text := msg.StringContent(); text != "" {
				turns = append(turns, Turn{Role: role, Parts: []Part{{Text: text}}})
			}
		}
	}

	result := TranslationResult{Errors: errs}
	if len(turns) > 0 {
		result.Current = turns[len(turns)-1]
		result.History = turns[:len(turns)-1]
	} else {
		// 没有可用消息时当前轮退化为空的 user 轮
		result.Current = Turn{Role: "user", Parts: []Part{{Text: ""}}}
	}
	return result
}

func mapRole(role string) (string, bool) {
	switch role {
	case "system", "user":
		return "user", true
	case "assistant":
		return "model", true
	default:
		return "", false
	}
}

// translateParts 逐项扫描多模态数组
// text 项 → 文本分片；image_url/file_url 项要求 data URI，解析失败记错误并丢弃该项
func translateParts(items []interface{}, errs *[]string) []Part {
	var parts []Part
	for _, item := range items {
		itemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		typeVal, _ := itemMap["type"].(string)

		switch typeVal {
		case "text":
			if text, ok := itemMap["text"].(string); ok {
				parts = append(parts, Part{Text: text})
			}

		case "image_url":
			uri := nestedURL(itemMap, "image_url")
			if !strings.HasPrefix(uri, "data:image/") {
				*errs = append(*errs, fmt.Sprintf("Invalid image URL format: %s", truncateForError(uri)))
				continue
			}
			if inline, err := parseDataURI(uri); err != nil {
				*errs = append(*errs, fmt.Sprintf("Invalid data URI for image: %s", truncateForError(uri)))
			} else {
				parts = append(parts, Part{InlineData: inline})
			}

		case "file_url":
			uri := nestedURL(itemMap, "file_url")
			if !strings.HasPrefix(uri, "data:") {
				*errs = append(*errs, fmt.Sprintf("Invalid file URL format: %s", truncateForError(uri)))
				continue
			}
			if inline, err := parseDataURI(uri); err != nil {
				*errs = append(*errs, fmt.Sprintf("Invalid data URI for file: %s", truncateForError(uri)))
			} else {
				parts = append(parts, Part{InlineData: inline})
			}
		}
	}
	return parts
}

// nestedURL 取 {"image_url": {"url": "..."}} 形式里的 url 字段
func nestedURL(itemMap map[string]interface{}, field string) string {
	inner, _ := itemMap[field].(map[string]interface{})
	uri, _ := inner["url"].(string)
	return uri
}

// parseDataURI 解析 data:<mime>;base64,<payload> 形式的 URI
func parseDataURI(uri string) (*InlineData, error) {
	head, payload, found := strings.Cut(uri, ",")
	if !found || payload == "" {
		return nil, fmt.Errorf("missing base64 payload")
	}

	meta := strings.TrimPrefix(head, "data:")
	mime, encoding, found := strings.Cut(meta, ";")
	if !found || encoding != "base64" || mime == "" {
		return nil, fmt.Errorf("malformed data uri header")
	}

	return &InlineData{MimeType: mime, Data: payload}, nil
}

// truncateForError 错误信息里不放完整 data URI
func truncateForError(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
