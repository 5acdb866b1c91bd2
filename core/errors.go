package core

import "fmt"

// FailureClass 上游错误的归类标签
// 上游协议相关的判断全部留在适配器里，编排器只认这里的六类
type FailureClass int

const (
	// ClassUnknown 无法识别的错误，终止并按 503 上报
	ClassUnknown FailureClass = iota
	// ClassInvalidCredential Key 无效（格式错误 / 已吊销），永久拉黑并换 Key
	ClassInvalidCredential
	// ClassQuotaExhausted 上游限额耗尽（429），临时拉黑 + 换 Key + 退避
	ClassQuotaExhausted
	// ClassTransient 瞬时故障（超时 / 500 / 503 / 操作中止），同 Key 退避重试
	ClassTransient
	// ClassPermissionDenied 403，按无效 Key 处理并记更重的告警
	ClassPermissionDenied
	// ClassPromptBlocked 用户输入被内容策略拦截，换 Key 无意义，按 400 终止
	ClassPromptBlocked
	// ClassOutputBlocked 模型输出被拦截，重试无意义，终止
	ClassOutputBlocked
)

// String 日志用的类别名
func (c FailureClass) String() string {
	switch c {
	case ClassInvalidCredential:
		return "invalid_credential"
	case ClassQuotaExhausted:
		return "quota_exhausted"
	case ClassTransient:
		return "transient"
	case ClassPermissionDenied:
		return "permission_denied"
	case ClassPromptBlocked:
		return "prompt_blocked"
	case ClassOutputBlocked:
		return "output_blocked"
	default:
		return "unknown"
	}
}

// UpstreamError 适配器产出的已归类错误
type UpstreamError struct {
	Class       FailureClass
	Message     string
	StatusCode  int    // 上游 HTTP 状态码，可能为 0
	BlockReason string // 内容拦截时的具体原因（SAFETY / BLOCKLIST / ...），可能为空
}

func (e *UpstreamError) Error() string {
	if e.BlockReason != "" {
		return fmt.Sprintf("upstream %s (reason=%s): %s", e.Class, e.BlockReason, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Class, e.Message)
}

// ClassifyError 把任意错误收敛为 FailureClass
// 不是 *UpstreamError 的一律按未知处理
func ClassifyError(err error) FailureClass {
	if ue, ok := err.(*UpstreamError); ok {
		return ue.Class
	}
	return ClassUnknown
}

// RequestError 面向客户端的结构化错误（HTTP 状态码 + error.type）
type RequestError struct {
	Status  int
	Type    string
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}
