package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adminisgo/adminis/internal/identity"
)

// ClientFactory はブラウザセッションIDに紐づく認証クライアントを生成する。
type ClientFactory func(sessionID string) *identity.Client

// Entry はブラウザセッション1つ分の認証クライアントとコントローラーの組。
type Entry struct {
	ID         string
	Client     *identity.Client
	Controller *Controller

	lastAccess time.Time
}

// DefaultMaxEntries はRegistryが同時に保持するエントリ数の既定の上限。
const DefaultMaxEntries = 10000

// RegistryConfig はRegistryの設定を保持する。
type RegistryConfig struct {
	NewClient       ClientFactory
	Users           TenantUserFetcher
	Syncer          InviteSyncer
	Options         Options
	IdleTTL         time.Duration // 最終アクセスからこの時間が経過したエントリを破棄する
	MaxEntries      int           // 上限に達すると最終アクセスが最も古いエントリを破棄する
	CleanupInterval time.Duration
	Logger          *slog.Logger
}

// Registry はブラウザセッションIDからコントローラーを引く表。
// プロセスに1つだけ生成し、依存として注入する。
type Registry struct {
	config RegistryConfig
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry

	now    func() time.Time
	stopCh chan struct{}
	stop   sync.Once
}

// NewRegistry は新しいRegistryを生成する。
// バックグラウンドでアイドルエントリのクリーンアップを開始する。
func NewRegistry(config RegistryConfig) *Registry {
	if config.IdleTTL <= 0 {
		config.IdleTTL = 30 * time.Minute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMaxEntries
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	r := &Registry{
		config:  config,
		logger:  config.Logger,
		entries: make(map[string]*Entry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	go r.cleanupLoop()

	return r
}

// Get は既存のエントリを返す。最終アクセス時刻を更新する。
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if ok {
		e.lastAccess = r.now()
	}
	return e, ok
}

// GetOrCreate はエントリを返す。無ければ生成し、バックグラウンドで初期化を開始する。
// トークン保存領域から復元されたセッションは初期化時にINITIAL_SESSIONとして反映される。
func (r *Registry) GetOrCreate(id string) *Entry {
	if e, ok := r.Get(id); ok {
		return e
	}

	r.mu.Lock()
	// ダブルチェック
	if e, ok := r.entries[id]; ok {
		e.lastAccess = r.now()
		r.mu.Unlock()
		return e
	}

	var evicted *Entry
	if len(r.entries) >= r.config.MaxEntries {
		evicted = r.oldestLocked()
		delete(r.entries, evicted.ID)
	}

	client := r.config.NewClient(id)
	opts := r.config.Options
	opts.Logger = r.logger.With(slog.String("browser_session", shortID(id)))
	e := &Entry{
		ID:         id,
		Client:     client,
		Controller: NewController(client, r.config.Users, r.config.Syncer, opts),
		lastAccess: r.now(),
	}
	r.entries[id] = e
	r.mu.Unlock()

	if evicted != nil {
		evicted.Controller.Close()
		r.logger.Debug("evicted least recently used session controller",
			slog.String("browser_session", shortID(evicted.ID)))
	}

	go e.Controller.Initialize(context.Background())

	return e
}

// Remove はエントリを破棄し、コントローラーをCloseする。
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if ok {
		e.Controller.Close()
	}
}

// Len は管理中のエントリ数を返す。テストおよびメトリクス用。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Stop はクリーンアップを停止し、すべてのコントローラーをCloseする。
func (r *Registry) Stop() {
	r.stop.Do(func() {
		close(r.stopCh)

		r.mu.Lock()
		entries := r.entries
		r.entries = make(map[string]*Entry)
		r.mu.Unlock()

		for _, e := range entries {
			e.Controller.Close()
		}
	})
}

// cleanupLoop はバックグラウンドでアイドルエントリを定期的に破棄する。
func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.evictIdle()
		case <-r.stopCh:
			return
		}
	}
}

// evictIdle は最終アクセスからIdleTTLを超えたエントリを破棄する。
// トークンは保存領域に残るため、次のアクセスで復元される。
func (r *Registry) evictIdle() int {
	now := r.now()

	var idle []*Entry
	r.mu.Lock()
	for id, e := range r.entries {
		if now.Sub(e.lastAccess) > r.config.IdleTTL {
			idle = append(idle, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, e := range idle {
		e.Controller.Close()
	}
	if len(idle) > 0 {
		r.logger.Debug("evicted idle session controllers", slog.Int("count", len(idle)))
	}
	return len(idle)
}

// oldestLocked は最終アクセスが最も古いエントリを返す。r.muを保持して呼ぶこと。
func (r *Registry) oldestLocked() *Entry {
	var oldest *Entry
	for _, e := range r.entries {
		if oldest == nil || e.lastAccess.Before(oldest.lastAccess) {
			oldest = e
		}
	}
	return oldest
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
