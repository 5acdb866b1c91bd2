package gemini

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"gemini-gateway/core"
)

// handle 一次生成的结果句柄
// 非流式持有已解析的响应，流式持有未读完的响应体；
// Text 与 Fragments 对两种形态都可用。
type handle struct {
	resp *geminiResponse
	body io.ReadCloser
}

// Text 取完整回答文本
// 空候选按"输入被拦截"归类——这是原始行为（candidates is empty）的显式化
func (h *handle) Text() (string, error) {
	if h.resp != nil {
		return extractText(h.resp)
	}

	// 流式句柄也支持整体取文本：读尽分片后拼接
	frags := h.Fragments()
	defer frags.Close()

	var sb strings.Builder
	for {
		fragment, err := frags.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		sb.WriteString(fragment)
	}

	if sb.Len() == 0 {
		return "", &core.UpstreamError{Class: core.ClassPromptBlocked, Message: "response candidates is empty"}
	}
	return sb.String(), nil
}

func extractText(resp *geminiResponse) (string, error) {
	if len(resp.Candidates) == 0 {
		return "", &core.UpstreamError{Class: core.ClassPromptBlocked, Message: "response candidates is empty"}
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return "", &core.UpstreamError{
			Class:   core.ClassOutputBlocked,
			Message: "candidate has no text parts",
		}
	}
	return sb.String(), nil
}

// Fragments 取分片流
func (h *handle) Fragments() core.FragmentStream {
	if h.body != nil {
		return &sseStream{scanner: newSSEScanner(h.body), closer: h.body}
	}
	return &materializedStream{resp: h.resp}
}

// materializedStream 非流式响应退化成单分片序列
type materializedStream struct {
	resp *geminiResponse
	done bool
}

func (s *materializedStream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}
	s.done = true
	return extractText(s.resp)
}

func (s *materializedStream) Close() error { return nil }

// sseStream 解析上游 SSE，按帧产出文本分片
type sseStream struct {
	scanner *bufio.Scanner
	closer  io.Closer
	closed  bool
}

func newSSEScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	// 单帧可能带大段 base64，放大缓冲
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	return scanner
}

// Next 返回下一个文本分片
// 读尽返回 io.EOF；上游连接中断或输出被拦截返回已归类的错误
func (s *sseStream) Next() (string, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if strings.TrimSpace(payload) == "[DONE]" {
			return "", io.EOF
		}

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// 半截 JSON 说明流被掐断
			return "", &core.UpstreamError{Class: core.ClassTransient, Message: "truncated stream payload"}
		}

		if chunk.PromptFeedback != nil && chunk.PromptFeedback.BlockReason != "" {
			return "", &core.UpstreamError{
				Class:       core.ClassPromptBlocked,
				Message:     "prompt blocked mid-stream",
				BlockReason: chunk.PromptFeedback.BlockReason,
			}
		}

		if len(chunk.Candidates) == 0 {
			continue
		}
		candidate := chunk.Candidates[0]

		var sb strings.Builder
		for _, part := range candidate.Content.Parts {
			sb.WriteString(part.Text)
		}

		if sb.Len() == 0 {
			if isBlockedFinish(candidate.FinishReason) {
				return "", &core.UpstreamError{
					Class:       core.ClassOutputBlocked,
					Message:     "candidate blocked mid-stream",
					BlockReason: candidate.FinishReason,
				}
			}
			continue
		}
		return sb.String(), nil
	}

	if err := s.scanner.Err(); err != nil {
		return "", &core.UpstreamError{Class: core.ClassTransient, Message: err.Error()}
	}
	return "", io.EOF
}

func (s *sseStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.closer.Close()
}

func isBlockedFinish(reason string) bool {
	switch reason {
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return true
	}
	return false
}
