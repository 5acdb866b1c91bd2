package core

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gemini-gateway/models"
)

var (
	// ErrAllKeysExhausted 所有 Key 都被禁用，当前请求快速失败
	ErrAllKeysExhausted = errors.New("all api keys exhausted or temporarily disabled")
	// ErrNoKeysConfigured 启动时一个合法 Key 都没有
	ErrNoKeysConfigured = errors.New("no valid api keys configured")
)

// KeyStatus 凭证状态
type KeyStatus int

const (
	KeyStatusAvailable KeyStatus = iota
	KeyStatusBlacklisted
)

// keyEntry 单个凭证的内部状态
// permanent 为 true 时拉黑持续到进程退出（无效 Key / 403 封禁）
type keyEntry struct {
	key       string
	status    KeyStatus
	expiry    time.Time
	permanent bool
}

// PoolEventKind 事件类型
type PoolEventKind string

const (
	EventBlacklist PoolEventKind = "blacklist"
	EventReinstate PoolEventKind = "reinstate"
	EventRotate    PoolEventKind = "rotate"
)

// PoolEvent Key 池状态变更事件，供管理端订阅
type PoolEvent struct {
	Kind     PoolEventKind `json:"kind"`
	Key      string        `json:"key"` // 已脱敏
	Duration float64       `json:"duration_seconds,omitempty"`
	At       time.Time     `json:"at"`
}

// KeyPool 凭证池：轮转游标 + 带过期时间的黑名单
// 所有可变状态由单把互斥锁保护，acquire/rotate/blacklist 串行执行
type KeyPool struct {
	mu      sync.Mutex
	entries []*keyEntry
	cursor  int
	current string
	logger  *logrus.Logger
	events  chan PoolEvent
	now     func() time.Time
}

// NewKeyPool 创建凭证池
// 插入顺序在进程生命周期内固定，初始游标随机
func NewKeyPool(keys []string, logger *logrus.Logger) (*KeyPool, error) {
	entries := make([]*keyEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, &keyEntry{key: k})
	}
	if len(entries) == 0 {
		return nil, ErrNoKeysConfigured
	}

	p := &KeyPool{
		entries: entries,
		cursor:  rand.Intn(len(entries)),
		logger:  logger,
		events:  make(chan PoolEvent, 64),
		now:     time.Now,
	}

	// 初始活跃 Key 也走一次 acquire，让游标指向它的下一位
	p.current, _ = p.acquireLocked()
	return p, nil
}

// Events 返回事件通道（事件投递非阻塞，订阅端落后时丢弃）
func (p *KeyPool) Events() <-chan PoolEvent {
	return p.events
}

// Size 池大小
func (p *KeyPool) Size() int {
	return len(p.entries)
}

// Acquire 返回下一个可用 Key
// 从游标开始最多扫描 len(entries) 个候选，跳过黑名单中的条目；
// 返回后游标指向该 Key 的下一位，后续调用形成轮转。
// 全部被禁用时返回 ErrAllKeysExhausted。
func (p *KeyPool) Acquire() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquireLocked()
}

func (p *KeyPool) acquireLocked() (string, error) {
	n := len(p.entries)
	for i := 0; i < n; i++ {
		if p.cursor >= n {
			p.cursor = 0
		}
		entry := p.entries[p.cursor]
		p.cursor++

		if p.availableLocked(entry) {
			return entry.key, nil
		}
	}

	p.logger.Error("💀 所有 API key 都已耗尽或被暂时禁用，请重新配置或稍后重试")
	return "", ErrAllKeysExhausted
}

// availableLocked 惰性过期检查：黑名单到期的条目在此处顺手恢复
func (p *KeyPool) availableLocked(entry *keyEntry) bool {
	if entry.status == KeyStatusAvailable {
		return true
	}
	if entry.permanent {
		return false
	}
	if p.now().After(entry.expiry) {
		entry.status = KeyStatusAvailable
		entry.expiry = time.Time{}
		p.emit(PoolEvent{Kind: EventReinstate, Key: models.MaskAPIKey(entry.key), At: p.now()})
		return true
	}
	return false
}

// Current 进程级"当前活跃 Key"，下一次请求默认使用它
func (p *KeyPool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Rotate 调用 Acquire 并替换当前活跃 Key
func (p *KeyPool) Rotate() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, err := p.acquireLocked()
	if err != nil {
		p.logger.Error("API key 替换失败，所有API key都已耗尽或被暂时禁用")
		return "", err
	}
	p.current = key
	p.logger.Infof("🔄 API key 替换为 → %s", models.MaskAPIKey(key))
	p.emit(PoolEvent{Kind: EventRotate, Key: models.MaskAPIKey(key), At: p.now()})
	return key, nil
}

// Blacklist 拉黑指定 Key
// duration <= 0 表示本进程内永久拉黑；重复拉黑时保留较晚的过期时间
func (p *KeyPool) Blacklist(key string, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.entries {
		if entry.key != key {
			continue
		}

		if duration <= 0 {
			entry.status = KeyStatusBlacklisted
			entry.permanent = true
			entry.expiry = time.Time{}
			p.logger.Warnf("⛔ %s → 永久禁用（本进程内）", models.MaskAPIKey(key))
			p.emit(PoolEvent{Kind: EventBlacklist, Key: models.MaskAPIKey(key), At: p.now()})
			return
		}

		until := p.now().Add(duration)
		if entry.status == KeyStatusBlacklisted && !entry.permanent && entry.expiry.After(until) {
			// 已有更晚的过期时间，保留
			return
		}
		if !entry.permanent {
			entry.status = KeyStatusBlacklisted
			entry.expiry = until
			p.logger.Warnf("⛔ %s → 暂时禁用 %.0f 秒", models.MaskAPIKey(key), duration.Seconds())
			p.emit(PoolEvent{Kind: EventBlacklist, Key: models.MaskAPIKey(key), Duration: duration.Seconds(), At: p.now()})
		}
		return
	}
}

// SweepExpired 恢复所有已到期的黑名单条目
// 由定时任务周期调用，Acquire 里的惰性检查是兜底
func (p *KeyPool) SweepExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, entry := range p.entries {
		if entry.status == KeyStatusBlacklisted && !entry.permanent && now.After(entry.expiry) {
			entry.status = KeyStatusAvailable
			entry.expiry = time.Time{}
			p.emit(PoolEvent{Kind: EventReinstate, Key: models.MaskAPIKey(entry.key), At: now})
		}
	}
}

// KeySnapshot 单个 Key 的脱敏视图
type KeySnapshot struct {
	Masked    string    `json:"masked"`
	Status    string    `json:"status"`
	Permanent bool      `json:"permanent,omitempty"`
	Expiry    time.Time `json:"expiry,omitempty"`
}

// Snapshot 管理接口用的池状态视图
func (p *KeyPool) Snapshot() []KeySnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]KeySnapshot, 0, len(p.entries))
	for _, entry := range p.entries {
		s := KeySnapshot{Masked: models.MaskAPIKey(entry.key), Status: "available"}
		if entry.status == KeyStatusBlacklisted && (entry.permanent || p.now().Before(entry.expiry)) {
			s.Status = "blacklisted"
			s.Permanent = entry.permanent
			s.Expiry = entry.expiry
		}
		out = append(out, s)
	}
	return out
}

// StatusOf 查询单个 Key 状态（测试辅助）
func (p *KeyPool) StatusOf(key string) KeyStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.entries {
		if entry.key == key {
			if p.availableLocked(entry) {
				return KeyStatusAvailable
			}
			return KeyStatusBlacklisted
		}
	}
	return KeyStatusAvailable
}

// LogKeys 启动时打印脱敏后的 Key 列表
func (p *KeyPool) LogKeys() {
	p.logger.Infof("当前可用 API key 个数: %d", len(p.entries))
	for i, entry := range p.entries {
		p.logger.Infof("API Key%d: %s", i, models.MaskAPIKey(entry.key))
	}
}

func (p *KeyPool) emit(ev PoolEvent) {
	select {
	case p.events <- ev:
	default:
		// 订阅端落后，丢弃事件，绝不阻塞池操作
	}
}
