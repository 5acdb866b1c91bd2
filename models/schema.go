package models

import (
	"regexp"
	"time"

	"gorm.io/gorm"
)

// SecretProvider 凭证落库前的加解密抽象
// core/security 提供 AES-GCM 与明文透传两种实现
type SecretProvider interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Credential 凭证存储（API Key 落库，可选加密）
// 注意：只持久化凭证本身，不持久化请求历史
type Credential struct {
	gorm.Model
	KeyValue   string `gorm:"uniqueIndex:idx_credential_key_deleted;not null" json:"key_value"`
	Label      string `json:"label"` // 备注，如 "backup-account"
	Source     string `gorm:"default:config" json:"source"` // "config" 或 "admin"
	UsageCount int64  `gorm:"default:0" json:"usage_count"` // 累计成功次数，不记请求明细
}

// CredentialView 管理接口返回的脱敏视图
type CredentialView struct {
	ID         uint      `json:"id"`
	Masked     string    `json:"masked"`
	Label      string    `json:"label"`
	Source     string    `json:"source"`
	Status     string    `json:"status"`
	UsageCount int64     `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// geminiKeyPattern 上游 Key 的固定格式
var geminiKeyPattern = regexp.MustCompile(`^AIzaSy[a-zA-Z0-9_-]{33}$`)

// IsValidUpstreamKey 校验 Key 格式
func IsValidUpstreamKey(key string) bool {
	return geminiKeyPattern.MatchString(key)
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Credential{})
}

// SyncConfigCredentials 将配置中的 Key 同步进数据库
// 去重必须在明文维度做：AES-GCM 随机 nonce 下同一明文每次密文不同
func SyncConfigCredentials(db *gorm.DB, sp SecretProvider, keys []string) error {
	existing, err := LoadCredentials(db, sp)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, c := range existing {
		known[c.KeyValue] = true
	}

	for _, key := range keys {
		if known[key] {
			continue
		}
		stored, err := sp.Encrypt(key)
		if err != nil {
			return err
		}
		if err := db.Create(&Credential{KeyValue: stored, Source: "config"}).Error; err != nil {
			return err
		}
		known[key] = true
	}
	return nil
}

// RecordCredentialUse 累加一次成功调用
// 原子 UPDATE，不经过读-改-写
func RecordCredentialUse(db *gorm.DB, id uint) error {
	return db.Model(&Credential{}).Where("id = ?", id).
		UpdateColumn("usage_count", gorm.Expr("usage_count + 1")).Error
}

// LoadCredentials 按插入顺序加载并解密全部凭证
func LoadCredentials(db *gorm.DB, sp SecretProvider) ([]Credential, error) {
	var creds []Credential
	if err := db.Order("id asc").Find(&creds).Error; err != nil {
		return nil, err
	}
	for i := range creds {
		plain, err := sp.Decrypt(creds[i].KeyValue)
		if err != nil {
			return nil, err
		}
		creds[i].KeyValue = plain
	}
	return creds, nil
}
