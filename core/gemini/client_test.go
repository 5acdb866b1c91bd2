package gemini

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"gemini-gateway/core"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestGenerateNonStream(t *testing.T) {
	// 1. 伪造上游：校验路径和 key，返回一条完整回答
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/models/gemini-2.0-flash-exp:generateContent")
		assert.Equal(t, "AIzaSy-test-key", r.URL.Query().Get("key"))
		assert.Empty(t, r.URL.Query().Get("alt"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello!"}]},"finishReason":"STOP","index":0}]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, newTestLogger())

	// 2. 发起非流式调用
	handle, err := client.Generate(context.Background(), "AIzaSy-test-key", core.GenerateRequest{
		Model:       "gemini-2.0-flash-exp",
		Temperature: 1.0,
		MaxTokens:   8192,
		Current:     core.Turn{Role: "user", Parts: []core.Part{{Text: "Hi"}}},
	})
	assert.NoError(t, err)

	text, err := handle.Text()
	assert.NoError(t, err)
	assert.Equal(t, "Hello!", text)
}

func TestGenerateStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, ":streamGenerateContent")
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, text := range []string{"He", "llo", "!"} {
			fmt.Fprintf(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":%q}]},\"index\":0}]}\n\n", text)
			flusher.Flush()
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, newTestLogger())

	handle, err := client.Generate(context.Background(), "AIzaSy-test-key", core.GenerateRequest{
		Model:   "gemini-2.0-flash-exp",
		Stream:  true,
		Current: core.Turn{Role: "user", Parts: []core.Part{{Text: "Hi"}}},
	})
	assert.NoError(t, err)

	frags := handle.Fragments()
	defer frags.Close()

	var collected []string
	for {
		fragment, err := frags.Next()
		if err == io.EOF {
			break
		}
		assert.NoError(t, err)
		collected = append(collected, fragment)
	}
	assert.Equal(t, []string{"He", "llo", "!"}, collected)
}

func TestGenerateErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		wantClass core.FailureClass
	}{
		{
			"400 无效 Key",
			400,
			`{"error":{"code":400,"message":"API key not valid.","status":"INVALID_ARGUMENT"}}`,
			core.ClassInvalidCredential,
		},
		{
			"401 未认证",
			401,
			`{"error":{"code":401,"message":"Request had invalid authentication credentials.","status":"UNAUTHENTICATED"}}`,
			core.ClassInvalidCredential,
		},
		{
			"403 封禁",
			403,
			`{"error":{"code":403,"message":"Permission denied.","status":"PERMISSION_DENIED"}}`,
			core.ClassPermissionDenied,
		},
		{
			"429 限额",
			429,
			`{"error":{"code":429,"message":"Resource has been exhausted.","status":"RESOURCE_EXHAUSTED"}}`,
			core.ClassQuotaExhausted,
		},
		{
			"500 内部错误",
			500,
			`{"error":{"code":500,"message":"Internal error.","status":"INTERNAL"}}`,
			core.ClassTransient,
		},
		{
			"503 暂不可用",
			503,
			`{"error":{"code":503,"message":"The service is currently unavailable.","status":"UNAVAILABLE"}}`,
			core.ClassTransient,
		},
		{
			"非 JSON 错误体按状态码兜底",
			429,
			`<html>rate limited</html>`,
			core.ClassQuotaExhausted,
		},
		{
			"未知状态码",
			418,
			`{}`,
			core.ClassUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer server.Close()

			client := NewClient(server.URL, newTestLogger())
			_, err := client.Generate(context.Background(), "AIzaSy-test-key", core.GenerateRequest{Model: "gemini-2.0-flash-exp"})
			assert.Error(t, err)

			ue, ok := err.(*core.UpstreamError)
			assert.True(t, ok)
			assert.Equal(t, tc.wantClass, ue.Class)
			assert.Equal(t, tc.status, ue.StatusCode)
		})
	}
}

func TestGenerateNetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // 立刻关掉，逼出连接错误

	client := NewClient(server.URL, newTestLogger())
	_, err := client.Generate(context.Background(), "AIzaSy-test-key", core.GenerateRequest{Model: "gemini-2.0-flash-exp"})
	assert.Error(t, err)
	assert.Equal(t, core.ClassTransient, core.ClassifyError(err))
}

func TestGeneratePromptBlocked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 200 响应里带 blockReason，没有任何候选
		fmt.Fprint(w, `{"promptFeedback":{"blockReason":"SAFETY"}}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, newTestLogger())
	_, err := client.Generate(context.Background(), "AIzaSy-test-key", core.GenerateRequest{Model: "gemini-2.0-flash-exp"})
	assert.Error(t, err)

	ue, ok := err.(*core.UpstreamError)
	assert.True(t, ok)
	assert.Equal(t, core.ClassPromptBlocked, ue.Class)
	assert.Equal(t, "SAFETY", ue.BlockReason)
}

func TestGenerateUnknownBlockReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"promptFeedback":{"blockReason":"SOMETHING_NEW"}}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, newTestLogger())
	_, err := client.Generate(context.Background(), "AIzaSy-test-key", core.GenerateRequest{Model: "gemini-2.0-flash-exp"})
	assert.Error(t, err)

	// 无法解读的拦截原因按未知处理，终止而不重试
	assert.Equal(t, core.ClassUnknown, core.ClassifyError(err))
}

func TestGenerateOutputBlocked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 候选存在但被安全策略截停，没有任何文本
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[]},"finishReason":"SAFETY","index":0}]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, newTestLogger())
	_, err := client.Generate(context.Background(), "AIzaSy-test-key", core.GenerateRequest{Model: "gemini-2.0-flash-exp"})
	assert.Error(t, err)
	assert.Equal(t, core.ClassOutputBlocked, core.ClassifyError(err))
}

func TestSSEStreamTruncatedPayload(t *testing.T) {
	raw := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"He\"}]}}]}\n\ndata: {\"candid\n"
	stream := &sseStream{scanner: newSSEScanner(strings.NewReader(raw)), closer: io.NopCloser(nil)}

	fragment, err := stream.Next()
	assert.NoError(t, err)
	assert.Equal(t, "He", fragment)

	// 半截 JSON 说明连接被掐断
	_, err = stream.Next()
	assert.Error(t, err)
	assert.Equal(t, core.ClassTransient, core.ClassifyError(err))
}

func TestSSEStreamDoneSentinel(t *testing.T) {
	raw := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hi\"}]}}]}\n\ndata: [DONE]\n\n"
	stream := &sseStream{scanner: newSSEScanner(strings.NewReader(raw)), closer: io.NopCloser(nil)}

	fragment, err := stream.Next()
	assert.NoError(t, err)
	assert.Equal(t, "hi", fragment)

	_, err = stream.Next()
	assert.Equal(t, io.EOF, err)
}

func TestSSEStreamMidStreamPromptBlock(t *testing.T) {
	raw := "data: {\"promptFeedback\":{\"blockReason\":\"SAFETY\"}}\n\n"
	stream := &sseStream{scanner: newSSEScanner(strings.NewReader(raw)), closer: io.NopCloser(nil)}

	_, err := stream.Next()
	assert.Error(t, err)
	assert.Equal(t, core.ClassPromptBlocked, core.ClassifyError(err))
}

func TestSSEStreamBlockedFinishWithoutText(t *testing.T) {
	raw := "data: {\"candidates\":[{\"content\":{\"parts\":[]},\"finishReason\":\"SAFETY\"}]}\n\n"
	stream := &sseStream{scanner: newSSEScanner(strings.NewReader(raw)), closer: io.NopCloser(nil)}

	_, err := stream.Next()
	assert.Error(t, err)
	assert.Equal(t, core.ClassOutputBlocked, core.ClassifyError(err))
}

func TestSSEStreamSkipsEmptyChunks(t *testing.T) {
	// 空候选块和心跳空行都被跳过
	raw := "data: {}\n\n\ndata: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"ok\"}]}}]}\n\n"
	stream := &sseStream{scanner: newSSEScanner(strings.NewReader(raw)), closer: io.NopCloser(nil)}

	fragment, err := stream.Next()
	assert.NoError(t, err)
	assert.Equal(t, "ok", fragment)
}

func TestBuildRequestShape(t *testing.T) {
	req := buildRequest(core.GenerateRequest{
		Model:       "gemini-2.0-flash-exp",
		Temperature: 0.7,
		MaxTokens:   1024,
		History: []core.Turn{
			{Role: "user", Parts: []core.Part{{Text: "Hi"}}},
			{Role: "model", Parts: []core.Part{{Text: "Hello!"}}},
		},
		Current: core.Turn{Role: "user", Parts: []core.Part{{Text: "Bye"}}},
	})

	// contents = 历史 + 当前轮，顺序保持
	assert.Len(t, req.Contents, 3)
	assert.Equal(t, "user", req.Contents[0].Role)
	assert.Equal(t, "model", req.Contents[1].Role)
	assert.Equal(t, "Bye", req.Contents[2].Parts[0].Text)

	assert.Equal(t, 0.7, req.GenerationConfig.Temperature)
	assert.Equal(t, 1024, req.GenerationConfig.MaxOutputTokens)
	assert.Len(t, req.SafetySettings, 4)
	for _, s := range req.SafetySettings {
		assert.Equal(t, "BLOCK_NONE", s.Threshold)
	}
}

func TestBuildRequestInlineData(t *testing.T) {
	req := buildRequest(core.GenerateRequest{
		Model: "gemini-2.0-flash-exp",
		Current: core.Turn{Role: "user", Parts: []core.Part{
			{Text: "look"},
			{InlineData: &core.InlineData{MimeType: "image/png", Data: "iVBORw0KGgo="}},
		}},
	})

	parts := req.Contents[0].Parts
	assert.Len(t, parts, 2)
	assert.Equal(t, "look", parts[0].Text)
	assert.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "image/png", parts[1].InlineData.MimeType)
}
