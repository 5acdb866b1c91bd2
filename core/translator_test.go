package core

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gemini-gateway/models"
)

func TestTranslateRoleMapping(t *testing.T) {
	messages := []models.ChatMessage{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello!"},
		{Role: "user", Content: "How are you?"},
	}

	result := TranslateMessages(messages)
	assert.Empty(t, result.Errors)

	// 最后一条被抽出作为当前轮，其余按原始顺序进入历史
	assert.Len(t, result.History, 3)
	assert.Equal(t, "user", result.History[0].Role)
	assert.Equal(t, "user", result.History[1].Role)
	assert.Equal(t, "model", result.History[2].Role)
	assert.Equal(t, "user", result.Current.Role)
	assert.Equal(t, "How are you?", result.Current.Parts[0].Text)
}

func TestTranslateInvalidRole(t *testing.T) {
	messages := []models.ChatMessage{
		{Role: "user", Content: "Hi"},
		{Role: "tool", Content: "whatever"},
	}

	result := TranslateMessages(messages)
	assert.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Invalid role: tool")

	// 非法消息被丢弃，合法消息仍可用
	assert.Empty(t, result.History)
	assert.Equal(t, "Hi", result.Current.Parts[0].Text)
}

func TestTranslateEmptyInput(t *testing.T) {
	result := TranslateMessages(nil)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.History)

	// 退化为空的 user 轮
	assert.Equal(t, "user", result.Current.Role)
	assert.Len(t, result.Current.Parts, 1)
	assert.Equal(t, "", result.Current.Parts[0].Text)
}

func TestTranslateMultimodalParts(t *testing.T) {
	messages := []models.ChatMessage{
		{
			Role: "user",
			Content: []interface{}{
				map[string]interface{}{"type": "text", "text": "What is this?"},
				map[string]interface{}{
					"type": "image_url",
					"image_url": map[string]interface{}{
						"url": "data:image/png;base64,iVBORw0KGgo=",
					},
				},
			},
		},
	}

	result := TranslateMessages(messages)
	assert.Empty(t, result.Errors)
	assert.Len(t, result.Current.Parts, 2)
	assert.Equal(t, "What is this?", result.Current.Parts[0].Text)
	assert.NotNil(t, result.Current.Parts[1].InlineData)
	assert.Equal(t, "image/png", result.Current.Parts[1].InlineData.MimeType)
	assert.Equal(t, "iVBORw0KGgo=", result.Current.Parts[1].InlineData.Data)
}

func TestTranslateRejectsNonDataImageURL(t *testing.T) {
	messages := []models.ChatMessage{
		{
			Role: "user",
			Content: []interface{}{
				map[string]interface{}{"type": "text", "text": "look"},
				map[string]interface{}{
					"type": "image_url",
					"image_url": map[string]interface{}{
						"url": "https://example.com/cat.png",
					},
				},
			},
		},
	}

	result := TranslateMessages(messages)
	assert.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Invalid image URL format")

	// 坏的分片被丢弃，文本分片保留
	assert.Len(t, result.Current.Parts, 1)
	assert.Equal(t, "look", result.Current.Parts[0].Text)
}

func TestTranslateMalformedDataURI(t *testing.T) {
	cases := []struct {
		name string
		uri  string
	}{
		{"缺少 payload", "data:image/png;base64,"},
		{"缺少逗号", "data:image/png;base64"},
		{"非 base64 编码标记", "data:image/png;utf8,hello"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			messages := []models.ChatMessage{
				{
					Role: "user",
					Content: []interface{}{
						map[string]interface{}{
							"type": "image_url",
							"image_url": map[string]interface{}{
								"url": tc.uri,
							},
						},
					},
				},
			}
			result := TranslateMessages(messages)
			assert.Len(t, result.Errors, 1)
		})
	}
}

func TestTranslateFileURL(t *testing.T) {
	messages := []models.ChatMessage{
		{
			Role: "user",
			Content: []interface{}{
				map[string]interface{}{
					"type": "file_url",
					"file_url": map[string]interface{}{
						"url": "data:application/pdf;base64,JVBERi0=",
					},
				},
			},
		},
	}

	result := TranslateMessages(messages)
	assert.Empty(t, result.Errors)
	assert.Equal(t, "application/pdf", result.Current.Parts[0].InlineData.MimeType)
}

func TestTranslateIsPure(t *testing.T) {
	messages := []models.ChatMessage{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello!"},
		{Role: "user", Content: "Bye"},
	}

	// 同样输入反复翻译，结果必须一致
	first := TranslateMessages(messages)
	second := TranslateMessages(messages)
	assert.Equal(t, first, second)
}
