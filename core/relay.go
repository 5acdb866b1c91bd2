package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gemini-gateway/models"
)

// streamErrorMessage 流中途失败时发给客户端的固定文案
const streamErrorMessage = "stream was interrupted, please disable streaming or adjust your input"

// relayState 流转发状态机 Idle → Streaming → {Completed, Failed}
// 保证任何退出路径都恰好发出一个终止块
type relayState int

const (
	relayIdle relayState = iota
	relayStreaming
	relayCompleted
	relayFailed
)

// Flusher 每写出一帧后推送缓冲
type Flusher interface {
	Flush()
}

// StreamRelay 把上游结果句柄转成面向客户端的数据块协议
type StreamRelay struct {
	logger *logrus.Logger
}

// NewStreamRelay 创建转发器
func NewStreamRelay(logger *logrus.Logger) *StreamRelay {
	return &StreamRelay{logger: logger}
}

// Stream 流式转发
// 每个非空分片发一个增量块；上游读尽后发恰好一个终止块（哪怕一个增量块都没发过）；
// 上游中途报错时先发固定文案的错误块、再发终止块，绝不留下未终止的序列。
// ctx 取消（客户端断开）时停止拉取上游并关闭分片流。
func (r *StreamRelay) Stream(ctx context.Context, handle ResponseHandle, w io.Writer, flusher Flusher) {
	frags := handle.Fragments()
	defer frags.Close()

	state := relayIdle
	r.logger.Info("流式开始...")

	for {
		if ctx.Err() != nil {
			// 客户端已断开，写了也到不了，直接收尾
			r.logger.Warn("⚠️ 客户端中断了流式连接")
			return
		}

		fragment, err := frags.Next()
		if err == io.EOF {
			state = relayCompleted
			break
		}
		if err != nil {
			state = relayFailed
			r.logger.Errorf("❌ 流式输出中途被截断↙\n%v", err)
			break
		}

		state = relayStreaming
		if fragment == "" {
			continue
		}
		if werr := writeEvent(w, flusher, models.NewDeltaChunk(fragment)); werr != nil {
			// 客户端写失败等同断开
			r.logger.Warnf("⚠️ 流式写出失败: %v", werr)
			return
		}
	}

	if state == relayFailed {
		metricCompletions.WithLabelValues("stream_failed").Inc()
		errPayload := models.ErrorResponse{
			Error: models.ErrorDetail{
				Message: streamErrorMessage,
				Type:    "internal_server_error",
			},
		}
		if werr := writeEvent(w, flusher, errPayload); werr != nil {
			return
		}
	} else {
		metricCompletions.WithLabelValues("stream_ok").Inc()
	}

	// 唯一的终止块出口
	if werr := writeEvent(w, flusher, models.NewStopChunk()); werr != nil {
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
	r.logger.Info("流式结束")
}

// Completion 非流式：整体取文本并组装 OpenAI 格式响应
// 空候选导致的提取失败按"输入被拦截"(400)处理，其余按响应处理失败(500)
func (r *StreamRelay) Completion(handle ResponseHandle, model string) (*models.ChatCompletionResponse, *RequestError) {
	text, err := handle.Text()
	if err != nil {
		if ClassifyError(err) == ClassPromptBlocked {
			r.logger.Error("🚫 你的输入被 AI 安全过滤器阻止")
			metricCompletions.WithLabelValues("prompt_blocked").Inc()
			return nil, &RequestError{
				Status:  400,
				Type:    "prompt_blocked_error",
				Message: "your input was blocked by the upstream safety filter",
			}
		}
		r.logger.Errorf("❌ AI 响应处理失败↙\n%v", err)
		metricCompletions.WithLabelValues("response_error").Inc()
		return nil, &RequestError{
			Status:  500,
			Type:    "response_processing_error",
			Message: "failed to process the upstream response",
		}
	}

	metricCompletions.WithLabelValues("ok").Inc()
	return &models.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.ChatCompletionChoice{
			{
				Index: 0,
				Message: models.ChatMessage{
					Role:    "assistant",
					Content: text,
				},
				FinishReason: "stop",
			},
		},
		Usage: models.ChatCompletionUsage{},
	}, nil
}

// writeEvent 按 data: <json>\n\n 帧格式写出一个事件
func writeEvent(w io.Writer, flusher Flusher, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
