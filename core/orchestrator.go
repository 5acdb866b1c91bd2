package core

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"gemini-gateway/models"
)

// FragmentStream 流式响应的逐片迭代，读尽返回 io.EOF
// 只进不退，不可重放
type FragmentStream interface {
	Next() (string, error)
	Close() error
}

// ResponseHandle 上游一次生成的结果句柄
// 同一个句柄要么整体取文本（非流式），要么逐片迭代（流式），由请求的 stream 标志决定
type ResponseHandle interface {
	// Text 取完整回答文本，提取失败时返回已归类的 *UpstreamError
	Text() (string, error)
	// Fragments 取流式分片序列
	Fragments() FragmentStream
}

// Upstream 上游生成调用的黑盒抽象
type Upstream interface {
	Generate(ctx context.Context, apiKey string, req GenerateRequest) (ResponseHandle, error)
}

// GenerateRequest 一次上游调用的全部输入
type GenerateRequest struct {
	Model       string
	Temperature float64
	MaxTokens   int
	History     []Turn
	Current     Turn
	Stream      bool
}

// Orchestrator 重试编排器
// 驱动一个逻辑请求经过至多 maxRetries 次尝试：
// 限流未过 → 换 Key 重试（不消耗尝试次数，内层循环以池大小封顶）；
// 上游失败 → 按 FailureClass 决定拉黑 / 换 Key / 退避 / 终止。
type Orchestrator struct {
	pool       *KeyPool
	limiter    *RateLimiter
	upstream   Upstream
	logger     *logrus.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	blacklist  time.Duration

	// sleep 可注入，测试里换成即时返回
	sleep func(ctx context.Context, d time.Duration) error

	// onSuccess 成功拿到句柄后回调（用量计数），可为 nil
	onSuccess func(key string)
}

// OnSuccess 注册成功回调，回调在请求路径上同步执行，应自行异步化
func (o *Orchestrator) OnSuccess(fn func(key string)) {
	o.onSuccess = fn
}

// NewOrchestrator 创建编排器
func NewOrchestrator(pool *KeyPool, limiter *RateLimiter, upstream Upstream, logger *logrus.Logger,
	maxRetries int, baseDelay, maxDelay, blacklistDuration time.Duration) *Orchestrator {
	return &Orchestrator{
		pool:       pool,
		limiter:    limiter,
		upstream:   upstream,
		logger:     logger,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		blacklist:  blacklistDuration,
		sleep:      sleepCtx,
	}
}

// sleepCtx 退避等待，只阻塞当前请求的执行路径，可被取消
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff 第 attempt 次失败后的退避时长（指数增长，封顶）
func (o *Orchestrator) Backoff(attempt int) time.Duration {
	delay := o.baseDelay * (1 << uint(attempt))
	if delay > o.maxDelay || delay <= 0 {
		delay = o.maxDelay
	}
	return delay
}

// Execute 执行一个逻辑请求
// 成功返回响应句柄；失败返回面向客户端的结构化错误，上游细节不外泄
func (o *Orchestrator) Execute(ctx context.Context, req GenerateRequest) (ResponseHandle, *RequestError) {
	for attempt := 1; attempt <= o.maxRetries; attempt++ {
		o.logger.Infof("第 %d/%d 次尝试 ...", attempt, o.maxRetries)

		key, rerr := o.reserveKey()
		if rerr != nil {
			return nil, rerr
		}

		metricAttempts.Inc()
		handle, err := o.upstream.Generate(ctx, key, req)
		if err == nil {
			if o.onSuccess != nil {
				o.onSuccess(key)
			}
			return handle, nil
		}

		if ctx.Err() != nil {
			// 客户端已放弃，不再消耗剩余尝试
			return nil, &RequestError{Status: 499, Type: "request_cancelled", Message: "client cancelled the request"}
		}

		if terminal := o.handleFailure(ctx, key, err, attempt); terminal != nil {
			return nil, terminal
		}
	}

	o.logger.Errorf("💀 %d 次尝试均失败，请调整配置或修改输入", o.maxRetries)
	metricCompletions.WithLabelValues("exhausted").Inc()
	return nil, &RequestError{
		Status:  500,
		Type:    "max_retries_exceeded",
		Message: "all retry attempts failed, please adjust your input or try again later",
	}
}

// reserveKey 取当前活跃 Key 并通过限流检查
// 限流未过就换 Key 立刻再试，这个内层循环不消耗尝试次数，以池大小为硬上限
func (o *Orchestrator) reserveKey() (string, *RequestError) {
	// 当前活跃 Key 可能在上一次失败里被拉黑（池子空了换不动），必须复核
	key := o.pool.Current()
	if key == "" || o.pool.StatusOf(key) != KeyStatusAvailable {
		next, err := o.pool.Rotate()
		if err != nil {
			return "", errAllKeysUnavailable()
		}
		key = next
	}

	for hops := 0; hops <= o.pool.Size(); hops++ {
		ok, wait := o.limiter.Reserve(key)
		if ok {
			return key, nil
		}

		metricRateDeferrals.Inc()
		o.logger.Warnf("⏳ %s → 暂时超过限额，该 API key 将在 %.1f 秒后启用", models.MaskAPIKey(key), wait.Seconds())

		next, err := o.pool.Rotate()
		if err != nil {
			return "", errAllKeysUnavailable()
		}
		key = next
	}

	// 所有 Key 在同一窗口内都打满了
	o.logger.Error("💀 所有 API key 都处于限流窗口内")
	metricCompletions.WithLabelValues("rate_limited").Inc()
	return "", &RequestError{
		Status:  503,
		Type:    "rate_limit_exhausted",
		Message: "all api keys are rate limited, please retry later",
	}
}

// handleFailure 按错误类别处理一次失败的尝试
// 返回 nil 表示可以继续下一次尝试，非 nil 表示终止并上报
func (o *Orchestrator) handleFailure(ctx context.Context, key string, err error, attempt int) *RequestError {
	masked := models.MaskAPIKey(key)
	class := ClassifyError(err)
	metricUpstreamErrors.WithLabelValues(class.String()).Inc()

	switch class {
	case ClassInvalidCredential:
		o.logger.Errorf("❌ %s → 无效，可能已过期或被删除", masked)
		o.blacklistAndRotate(key, 0, class)
		return nil

	case ClassPermissionDenied:
		o.logger.Errorf("❌ %s → 403 权限被拒绝，该 API key 可能已被官方封禁", masked)
		o.blacklistAndRotate(key, 0, class)
		return nil

	case ClassQuotaExhausted:
		delay := o.Backoff(attempt)
		o.logger.Warnf("⚠️ %s → 429 官方资源耗尽 → %v 后重试...", masked, delay)
		o.blacklistAndRotate(key, o.blacklist, class)
		if serr := o.sleep(ctx, delay); serr != nil {
			return &RequestError{Status: 499, Type: "request_cancelled", Message: "client cancelled the request"}
		}
		return nil

	case ClassTransient:
		delay := o.Backoff(attempt)
		o.logger.Warnf("⚠️ %s → 上游瞬时故障 → %v 后重试...", masked, delay)
		if serr := o.sleep(ctx, delay); serr != nil {
			return &RequestError{Status: 499, Type: "request_cancelled", Message: "client cancelled the request"}
		}
		return nil

	case ClassPromptBlocked:
		ue, _ := err.(*UpstreamError)
		o.logger.Warnf("🚫 用户输入被内容策略拦截 (reason=%s)", blockReason(ue))
		metricCompletions.WithLabelValues("prompt_blocked").Inc()
		return &RequestError{
			Status:  400,
			Type:    "prompt_blocked_error",
			Message: "your input was blocked by the upstream safety filter",
		}

	case ClassOutputBlocked:
		o.logger.Warn("🚫 模型输出被上游拦截，换 Key 重试没有意义")
		metricCompletions.WithLabelValues("output_blocked").Inc()
		return &RequestError{
			Status:  500,
			Type:    "output_blocked_error",
			Message: "the model output was blocked upstream; retrying will not help",
		}

	default:
		o.logger.Errorf("❌ 未识别的上游错误↙\n%v", err)
		metricCompletions.WithLabelValues("unknown_error").Inc()
		return &RequestError{
			Status:  503,
			Type:    "internal_server_error",
			Message: "the model is temporarily unavailable, please switch models or try again later",
		}
	}
}

func (o *Orchestrator) blacklistAndRotate(key string, duration time.Duration, class FailureClass) {
	metricBlacklists.WithLabelValues(class.String()).Inc()
	o.pool.Blacklist(key, duration)
	if _, err := o.pool.Rotate(); err != nil {
		// 池子空了，留给下一次 reserveKey 快速失败
		o.logger.Error("所有 API key 都已被禁用")
	}
}

func blockReason(ue *UpstreamError) string {
	if ue == nil || ue.BlockReason == "" {
		return "UNKNOWN"
	}
	return ue.BlockReason
}

func errAllKeysUnavailable() *RequestError {
	metricCompletions.WithLabelValues("no_keys").Inc()
	return &RequestError{
		Status:  503,
		Type:    "all_keys_unavailable",
		Message: "all api keys are exhausted or temporarily disabled",
	}
}
