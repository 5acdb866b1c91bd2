package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"gemini-gateway/core"
)

// DefaultBaseURL 官方 REST 入口
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client Gemini 上游客户端，实现 core.Upstream
type Client struct {
	http    *http.Client
	baseURL string
	logger  *logrus.Logger
}

// NewClient 创建客户端
// 连接池参数参照流式长连接的需要：禁用全局超时，由请求 Context 控制
func NewClient(baseURL string, logger *logrus.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		logger:  logger,
		http: &http.Client{
			Timeout: 0,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 60 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   20,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				ResponseHeaderTimeout: 120 * time.Second, // 等待首字节
			},
		},
	}
}

// Generate 调一次上游生成
// 返回的错误要么是已归类的 *core.UpstreamError，要么是 Context 取消
func (c *Client) Generate(ctx context.Context, apiKey string, req core.GenerateRequest) (core.ResponseHandle, error) {
	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, &core.UpstreamError{Class: core.ClassUnknown, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	endpoint, err := c.endpoint(req.Model, req.Stream, apiKey)
	if err != nil {
		return nil, &core.UpstreamError{Class: core.ClassUnknown, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &core.UpstreamError{Class: core.ClassUnknown, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// 网络层故障与超时按瞬时错误处理
		return nil, &core.UpstreamError{Class: core.ClassTransient, Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, errBody)
	}

	if req.Stream {
		return &handle{body: resp.Body}, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, &core.UpstreamError{Class: core.ClassTransient, Message: err.Error()}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &core.UpstreamError{Class: core.ClassUnknown, Message: fmt.Sprintf("unparseable upstream response: %v", err)}
	}

	// 输入 / 输出被内容策略拦截的情况在 200 响应里表达
	if blocked := classifyBlocked(&parsed); blocked != nil {
		return nil, blocked
	}

	return &handle{resp: &parsed}, nil
}

// endpoint 拼接目标 URL，流式走 :streamGenerateContent?alt=sse
func (c *Client) endpoint(model string, stream bool, apiKey string) (string, error) {
	verb := ":generateContent"
	if stream {
		verb = ":streamGenerateContent"
	}

	u, err := url.Parse(fmt.Sprintf("%s/models/%s%s", c.baseURL, model, verb))
	if err != nil {
		return "", fmt.Errorf("invalid upstream url: %w", err)
	}

	q := u.Query()
	q.Set("key", apiKey)
	if stream {
		q.Set("alt", "sse")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// buildRequest 把翻译结果装配成 Gemini 请求体
// contents = 历史轮次 + 当前轮，顺序即对话顺序
func buildRequest(req core.GenerateRequest) geminiRequest {
	contents := make([]geminiContent, 0, len(req.History)+1)
	for _, turn := range req.History {
		contents = append(contents, convertTurn(turn))
	}
	contents = append(contents, convertTurn(req.Current))

	return geminiRequest{
		Contents: contents,
		GenerationConfig: &geminiConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
		SafetySettings: defaultSafetySettings,
	}
}

func convertTurn(turn core.Turn) geminiContent {
	parts := make([]geminiPart, 0, len(turn.Parts))
	for _, p := range turn.Parts {
		if p.InlineData != nil {
			parts = append(parts, geminiPart{
				InlineData: &geminiInlineData{MimeType: p.InlineData.MimeType, Data: p.InlineData.Data},
			})
			continue
		}
		parts = append(parts, geminiPart{Text: p.Text})
	}
	return geminiContent{Role: turn.Role, Parts: parts}
}
