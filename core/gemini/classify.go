package gemini

import (
	"encoding/json"
	"fmt"
	"net/http"

	"gemini-gateway/core"
)

// classifyStatus 把非 200 响应收敛为 FailureClass
// 优先看错误载荷里的 gRPC 状态名，拿不到再按 HTTP 状态码兜底
func classifyStatus(statusCode int, body []byte) *core.UpstreamError {
	message := string(body)
	var payload geminiErrorBody
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		message = payload.Error.Message
	}

	class := classFromStatusName(payload.Error.Status)
	if class == core.ClassUnknown {
		class = classFromHTTPCode(statusCode)
	}

	if len(message) > 200 {
		message = message[:200]
	}
	return &core.UpstreamError{
		Class:      class,
		StatusCode: statusCode,
		Message:    fmt.Sprintf("upstream returned %d: %s", statusCode, message),
	}
}

func classFromStatusName(status string) core.FailureClass {
	switch status {
	case "INVALID_ARGUMENT", "UNAUTHENTICATED":
		return core.ClassInvalidCredential
	case "PERMISSION_DENIED":
		return core.ClassPermissionDenied
	case "RESOURCE_EXHAUSTED":
		return core.ClassQuotaExhausted
	case "ABORTED", "INTERNAL", "UNAVAILABLE", "DEADLINE_EXCEEDED":
		return core.ClassTransient
	default:
		return core.ClassUnknown
	}
}

func classFromHTTPCode(code int) core.FailureClass {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized:
		// 400 基本都是 Key 无效（格式错 / 已删除）
		return core.ClassInvalidCredential
	case http.StatusForbidden:
		return core.ClassPermissionDenied
	case http.StatusTooManyRequests:
		return core.ClassQuotaExhausted
	case http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return core.ClassTransient
	default:
		return core.ClassUnknown
	}
}

// knownBlockReasons 上游明确定义的输入拦截原因
var knownBlockReasons = map[string]bool{
	"SAFETY":             true,
	"BLOCKLIST":          true,
	"PROHIBITED_CONTENT": true,
	"OTHER":              true,
}

// classifyBlocked 检查 200 响应里的内容策略拦截
// 输入被拦截时 candidates 为空、promptFeedback 带 blockReason；
// 原因无法解析时按未知错误终止（只尝试解析这一次）。
func classifyBlocked(resp *geminiResponse) *core.UpstreamError {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		reason := resp.PromptFeedback.BlockReason
		if !knownBlockReasons[reason] {
			return &core.UpstreamError{
				Class:       core.ClassUnknown,
				Message:     "prompt blocked for unrecognized reason",
				BlockReason: reason,
			}
		}
		return &core.UpstreamError{
			Class:       core.ClassPromptBlocked,
			Message:     "prompt blocked by upstream safety policy",
			BlockReason: reason,
		}
	}

	// 候选存在但被安全策略按住：输出被拦截
	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		if isBlockedFinish(candidate.FinishReason) && len(candidate.Content.Parts) == 0 {
			return &core.UpstreamError{
				Class:       core.ClassOutputBlocked,
				Message:     "candidate blocked by upstream safety policy",
				BlockReason: candidate.FinishReason,
			}
		}
	}
	return nil
}
