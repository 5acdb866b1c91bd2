package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"gemini-gateway/core"
	"gemini-gateway/core/gemini"
	"gemini-gateway/core/security"
	"gemini-gateway/models"
)

func main() {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	gin.SetMode(gin.ReleaseMode)

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	// 可选的文件输出（带轮转），stdout 始终保留
	if cfg.LogFile != "" {
		rotator, err := core.NewLogRotator(cfg.LogFile, cfg.LogMaxSizeMB)
		if err != nil {
			log.Fatal("Failed to open log file: ", err)
		}
		defer rotator.Close()
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}

	app, err := buildApp(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize gateway: ", err)
	}

	// 池事件广播
	go app.hub.Run(app.pool.Events())
	defer app.hub.Close()

	// 后台定时任务：黑名单清扫 + 自保活
	scheduler := cron.New()
	scheduler.AddFunc("@every 1m", app.pool.SweepExpired)
	scheduler.AddFunc("@every 12h", func() { keepAlive(cfg.Port, log) })
	scheduler.Start()
	defer scheduler.Stop()

	engine := setupRouter(app, log)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}

	go func() {
		log.Infof("最大尝试次数/MaxRetries: %d", cfg.MaxRetries)
		log.Infof("最大请求次数/MaxRequests: %d", cfg.MaxRequests)
		log.Infof("请求限额窗口/LimitWindow: %v", cfg.LimitWindow)
		log.Infof("Starting Gemini Gateway on port %d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	// 等待中断信号，优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}
	log.Info("Server exited")
}

// buildApp 组装全部组件
func buildApp(cfg *Config, log *logrus.Logger) (*App, error) {
	sp, err := security.NewSecretProvider(cfg.SecretKey)
	if err != nil {
		return nil, err
	}

	db, err := initDatabase(cfg, sp, log)
	if err != nil {
		return nil, err
	}

	keys, keyIDs, err := loadPoolKeys(db, sp, log)
	if err != nil {
		return nil, err
	}

	pool, err := core.NewKeyPool(keys, log)
	if err != nil {
		return nil, err
	}
	pool.LogKeys()
	log.Infof("当前 API key: %s", models.MaskAPIKey(pool.Current()))

	limiter := core.NewRateLimiter(cfg.MaxRequests, cfg.LimitWindow)
	upstream := gemini.NewClient(cfg.UpstreamBaseURL, log)
	orchestrator := core.NewOrchestrator(pool, limiter, upstream, log,
		cfg.MaxRetries, cfg.RetryDelay, cfg.MaxRetryDelay, cfg.BlacklistDuration)

	// 成功一次记一次用量，写库移出请求路径
	orchestrator.OnSuccess(func(key string) {
		id, ok := keyIDs[key]
		if !ok {
			return
		}
		go func() {
			if err := models.RecordCredentialUse(db, id); err != nil {
				log.Warnf("用量计数写入失败: %v", err)
			}
		}()
	})

	return &App{
		cfg:          cfg,
		logger:       log,
		db:           db,
		sp:           sp,
		pool:         pool,
		orchestrator: orchestrator,
		relay:        core.NewStreamRelay(log),
		hub:          core.NewEventHub(log),
	}, nil
}

// initDatabase 打开凭证库并同步配置里的 Key
func initDatabase(cfg *Config, sp models.SecretProvider, log *logrus.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	valid := make([]string, 0, len(cfg.Keys))
	for _, key := range cfg.Keys {
		if !models.IsValidUpstreamKey(key) {
			log.Warnf("忽略格式非法的 Key: %s", models.MaskAPIKey(key))
			continue
		}
		valid = append(valid, key)
	}

	if err := models.SyncConfigCredentials(db, sp, valid); err != nil {
		return nil, fmt.Errorf("failed to sync credentials: %w", err)
	}

	log.Info("Database initialized successfully")
	return db, nil
}

// loadPoolKeys 从库里按插入顺序取出全部合法凭证
// 返回明文 Key 列表和明文到记录 ID 的映射（用量计数用）
func loadPoolKeys(db *gorm.DB, sp models.SecretProvider, log *logrus.Logger) ([]string, map[string]uint, error) {
	creds, err := models.LoadCredentials(db, sp)
	if err != nil {
		return nil, nil, err
	}

	keys := make([]string, 0, len(creds))
	keyIDs := make(map[string]uint, len(creds))
	for _, cred := range creds {
		if !models.IsValidUpstreamKey(cred.KeyValue) {
			log.Warnf("忽略库中格式非法的凭证 id=%d", cred.ID)
			continue
		}
		keys = append(keys, cred.KeyValue)
		keyIDs[cred.KeyValue] = cred.ID
	}
	return keys, keyIDs, nil
}

// setupRouter 装配路由
func setupRouter(app *App, log *logrus.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.RecoveryWithWriter(log.Writer()))
	engine.Use(corsMiddleware())

	// 公开路由：无鉴权，无访问日志
	engine.GET("/", app.handleIndex)
	engine.GET("/health", app.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 业务接口：鉴权 + 访问日志 + IP 限流
	ipLimiter := NewIPRateLimiter(10, 20)
	api := engine.Group("/v1")
	api.Use(requestLoggerMiddleware(log), rateLimitMiddleware(ipLimiter, log))
	{
		api.POST("/chat/completions", authMiddleware(app.cfg.Password), app.handleChatCompletions)
		api.GET("/models", app.handleListModels)
	}

	// 管理接口
	admin := engine.Group("/admin")
	admin.Use(authMiddleware(app.cfg.Password))
	{
		admin.GET("/keys", app.handleListKeys)
		admin.POST("/keys", app.handleCreateKey)
		admin.DELETE("/keys/:id", app.handleDeleteKey)
		admin.GET("/pool", app.handlePoolStatus)
		admin.GET("/events", app.handleEvents)
	}

	return engine
}

// keepAlive 周期自检，宿主平台不把进程判定为空闲
func keepAlive(port int, log *logrus.Logger) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		log.Warnf("Keep alive ping failed: %v", err)
		return
	}
	resp.Body.Close()
	log.Infof("Keep alive ping: %d", resp.StatusCode)
}
