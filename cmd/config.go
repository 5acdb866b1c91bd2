package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 网关配置
// 来源优先级：env.json > 环境变量 > 默认值
type Config struct {
	Keys              []string
	MaxRetries        int
	MaxRequests       int
	LimitWindow       time.Duration
	BlacklistDuration time.Duration
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration
	Password          string
	Port              int
	UpstreamBaseURL   string
	DatabasePath      string
	SecretKey         string
	LogFile           string
	LogMaxSizeMB      int
}

// LoadConfig 读取配置
// KeyArray 为换行分隔的 Key 列表（与 env.json 的历史格式保持一致）
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("env")
	v.SetConfigType("json")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	v.SetDefault("MaxRetries", 3)
	v.SetDefault("MaxRequests", 2)
	v.SetDefault("LimitWindow", 60)
	v.SetDefault("BlacklistDuration", 60)
	v.SetDefault("RetryDelay", 1)
	v.SetDefault("MaxRetryDelay", 16)
	v.SetDefault("PORT", 7860)
	v.SetDefault("DatabasePath", "gateway.db")
	v.SetDefault("LogFile", "")
	v.SetDefault("LogMaxSizeMB", 32)

	if err := v.ReadInConfig(); err != nil {
		// 没有 env.json 时退回环境变量
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		MaxRetries:        v.GetInt("MaxRetries"),
		MaxRequests:       v.GetInt("MaxRequests"),
		LimitWindow:       time.Duration(v.GetInt("LimitWindow")) * time.Second,
		BlacklistDuration: time.Duration(v.GetInt("BlacklistDuration")) * time.Second,
		RetryDelay:        time.Duration(v.GetInt("RetryDelay")) * time.Second,
		MaxRetryDelay:     time.Duration(v.GetInt("MaxRetryDelay")) * time.Second,
		Password:          v.GetString("password"),
		Port:              v.GetInt("PORT"),
		UpstreamBaseURL:   v.GetString("UpstreamBaseURL"),
		DatabasePath:      v.GetString("DatabasePath"),
		SecretKey:         v.GetString("GatewaySecretKey"),
		LogFile:           v.GetString("LogFile"),
		LogMaxSizeMB:      v.GetInt("LogMaxSizeMB"),
	}

	for _, line := range strings.Split(v.GetString("KeyArray"), "\n") {
		key := strings.TrimSpace(line)
		if key != "" {
			cfg.Keys = append(cfg.Keys, key)
		}
	}

	if cfg.Password == "" {
		return nil, fmt.Errorf("missing required config: password")
	}
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("missing required config: KeyArray")
	}
	return cfg, nil
}
