package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"gemini-gateway/core"
	"gemini-gateway/models"
)

// 支持的上游模型目录
var geminiModels = []models.ModelInfo{
	{ID: "gemini-1.5-flash-8b-latest"},
	{ID: "gemini-1.5-flash-latest"},
	{ID: "gemini-1.5-pro-latest"},
	{ID: "gemini-exp-1206"},
	{ID: "gemini-2.0-flash-exp"},
	{ID: "gemini-2.0-flash-thinking-exp-1219"},
	{ID: "gemini-2.0-pro-exp"},
	{ID: "gemini-2.0-pro-exp-02-05"},
}

const (
	defaultModel       = "gemini-2.0-flash-exp"
	defaultTemperature = 1.0
	defaultMaxTokens   = 8192
)

// App 聚合各组件，handler 从这里取依赖
type App struct {
	cfg          *Config
	logger       *logrus.Logger
	db           *gorm.DB
	sp           models.SecretProvider
	pool         *core.KeyPool
	orchestrator *core.Orchestrator
	relay        *core.StreamRelay
	hub          *core.EventHub
}

// handleChatCompletions POST /v1/chat/completions
// 翻译 → 编排重试 → 流式/非流式转发
func (a *App) handleChatCompletions(c *gin.Context) {
	var req models.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, models.ErrorResponse{
			Error: models.ErrorDetail{Message: "Invalid request body: " + err.Error(), Type: "invalid_request_error"},
		})
		return
	}

	model := req.Model
	if model == "" {
		model = defaultModel
	}
	temperature := defaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	hint := "非流"
	if req.Stream {
		hint = "流式"
	}
	a.logger.Infof("🚀 %s [%s] → %s", model, hint, models.MaskAPIKey(a.pool.Current()))

	// 翻译错误是硬失败：不得带着坏输入去调上游
	tr := core.TranslateMessages(req.Messages)
	if len(tr.Errors) > 0 {
		a.logger.Errorf("处理输入消息时出错↙\n%v", tr.Errors)
		c.JSON(400, models.ErrorResponse{
			Error: models.ErrorDetail{
				Message: "invalid messages",
				Type:    "validation_error",
				Details: tr.Errors,
			},
		})
		return
	}

	greq := core.GenerateRequest{
		Model:       model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		History:     tr.History,
		Current:     tr.Current,
		Stream:      req.Stream,
	}

	handle, rerr := a.orchestrator.Execute(c.Request.Context(), greq)
	if rerr != nil {
		c.JSON(rerr.Status, models.ErrorResponse{
			Error: models.ErrorDetail{Message: rerr.Message, Type: rerr.Type},
		})
		return
	}

	if req.Stream {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(200)
		c.Writer.Flush()

		a.relay.Stream(c.Request.Context(), handle, c.Writer, c.Writer)
		return
	}

	resp, rerr := a.relay.Completion(handle, model)
	if rerr != nil {
		c.JSON(rerr.Status, models.ErrorResponse{
			Error: models.ErrorDetail{Message: rerr.Message, Type: rerr.Type},
		})
		return
	}
	a.logger.Info("200!")
	c.JSON(200, resp)
}

// handleListModels GET /v1/models
func (a *App) handleListModels(c *gin.Context) {
	c.JSON(200, models.ModelListResponse{Object: "list", Data: geminiModels})
}

// handleIndex GET / 简单的说明页
func (a *App) handleIndex(c *gin.Context) {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>Gemini Gateway</title>\n</head>\n<body>\n")
	b.WriteString("<h1>Gemini Gateway</h1>\n<p>这是一个 Google Gemini 模型的代理服务。</p>\n<h2>支持的模型</h2>\n<ul>\n")
	for _, m := range geminiModels {
		fmt.Fprintf(&b, "<li>%s</li>\n", m.ID)
	}
	b.WriteString("</ul>\n</body>\n</html>\n")
	c.Data(200, "text/html; charset=utf-8", []byte(b.String()))
}

// handleHealth GET /health
func (a *App) handleHealth(c *gin.Context) {
	c.JSON(200, models.HealthResponse{
		Status:    "ok",
		Gateway:   "gemini-gateway",
		Keys:      a.pool.Size(),
		Timestamp: time.Now().Unix(),
	})
}

// handleListKeys GET /admin/keys 脱敏视图 + 运行时状态
func (a *App) handleListKeys(c *gin.Context) {
	creds, err := models.LoadCredentials(a.db, a.sp)
	if err != nil {
		c.JSON(500, models.NewErrorResponse("failed to load credentials"))
		return
	}

	statusByMasked := make(map[string]string)
	for _, snap := range a.pool.Snapshot() {
		statusByMasked[snap.Masked] = snap.Status
	}

	views := make([]models.CredentialView, 0, len(creds))
	for _, cred := range creds {
		masked := models.MaskAPIKey(cred.KeyValue)
		status, ok := statusByMasked[masked]
		if !ok {
			status = "pending_restart" // 落库了但还没进池子
		}
		views = append(views, models.CredentialView{
			ID:         cred.ID,
			Masked:     masked,
			Label:      cred.Label,
			Source:     cred.Source,
			Status:     status,
			UsageCount: cred.UsageCount,
			CreatedAt:  cred.CreatedAt,
		})
	}
	c.JSON(200, models.NewSuccessResponse("ok", views))
}

// createKeyRequest 新增凭证请求
type createKeyRequest struct {
	Key   string `json:"key" binding:"required"`
	Label string `json:"label"`
}

// handleCreateKey POST /admin/keys
// 只落库，池子在下次重启时重建（插入顺序进程内固定）
func (a *App) handleCreateKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, models.NewErrorResponse("invalid request: "+err.Error()))
		return
	}
	if !models.IsValidUpstreamKey(req.Key) {
		c.JSON(400, models.NewErrorResponse("key does not match the upstream key format"))
		return
	}

	stored, err := a.sp.Encrypt(req.Key)
	if err != nil {
		c.JSON(500, models.NewErrorResponse("failed to store key"))
		return
	}
	cred := models.Credential{KeyValue: stored, Label: req.Label, Source: "admin"}
	if err := a.db.Create(&cred).Error; err != nil {
		c.JSON(500, models.NewErrorResponse("failed to store key"))
		return
	}

	a.logger.Infof("🔑 新增凭证 %s（重启后生效）", models.MaskAPIKey(req.Key))
	c.JSON(200, models.NewSuccessResponse("key stored, effective after restart", models.CredentialView{
		ID:     cred.ID,
		Masked: models.MaskAPIKey(req.Key),
		Label:  cred.Label,
		Source: cred.Source,
		Status: "pending_restart",
	}))
}

// handleDeleteKey DELETE /admin/keys/:id
func (a *App) handleDeleteKey(c *gin.Context) {
	id := c.Param("id")
	result := a.db.Delete(&models.Credential{}, id)
	if result.Error != nil {
		c.JSON(500, models.NewErrorResponse("failed to delete key"))
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(404, models.NewErrorResponse("key not found"))
		return
	}
	c.JSON(200, models.NewSuccessResponse("key deleted, effective after restart", nil))
}

// handlePoolStatus GET /admin/pool 池子实时快照
func (a *App) handlePoolStatus(c *gin.Context) {
	c.JSON(200, models.NewSuccessResponse("ok", a.pool.Snapshot()))
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 管理接口已做鉴权，跨域交给反代
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents GET /admin/events 池事件的 WebSocket 订阅
func (a *App) handleEvents(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	a.hub.Register(conn)
	// 读循环只为感知关闭
	go func() {
		defer a.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
