package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/adminisgo/adminis/internal/identity"
	"github.com/adminisgo/adminis/internal/model"
)

// ErrClosed はClose済みのコントローラーに対する待機で返る。
var ErrClosed = errors.New("session controller closed")

// IdentityClient はコントローラーが購読する認証クライアント。
type IdentityClient interface {
	GetCurrentSession(ctx context.Context) (*model.Session, error)
	Subscribe(fn identity.Listener) identity.Unsubscribe
}

// TenantUserFetcher は主体に対応するusuarioを取得する。見つからない場合はnilを返す。
type TenantUserFetcher interface {
	FetchCurrentTenantUser(ctx context.Context, subject string) (*model.TenantUser, error)
}

// InviteSyncer はセッションのメタデータから招待ユーザーのusuarioを作成する。
// 招待でない場合は何もしない。
type InviteSyncer interface {
	SyncInvitedUser(ctx context.Context, session *model.Session) error
}

// ResolutionRecorder はusuario解決の結果を記録する。
type ResolutionRecorder interface {
	RecordResolution(outcome string)
}

// usuario解決の結果
const (
	OutcomeFound         = "found"
	OutcomeAbsent        = "absent"
	OutcomeInvitedFound  = "invited_found"
	OutcomeInvitedAbsent = "invited_absent"
)

// Options はコントローラーの動作設定。
type Options struct {
	// Timeout は初回セッション確認と各メッセージのusuario解決の上限。0の場合は10秒。
	Timeout  time.Duration
	// Retry はAttemptsが1未満の場合DefaultRetryPolicyになる。
	Retry    RetryPolicy
	Logger   *slog.Logger
	Recorder ResolutionRecorder
}

// Controller はブラウザセッション1つ分の{Session, usuario, loading}を保持する。
// 状態を書き換えるのはController自身のみ。
// メッセージごとに世代を進め、最新の世代の結果だけを反映する。
type Controller struct {
	client IdentityClient
	users  TenantUserFetcher
	syncer InviteSyncer
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	state  State
	gen    uint64
	alive  bool
	expiry *time.Timer

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	lifetime context.Context
	stop     context.CancelFunc

	initOnce    sync.Once
	closeOnce   sync.Once
	unsubscribe identity.Unsubscribe
}

// NewController はControllerを生成する。初期状態はloading=true。
func NewController(client IdentityClient, users TenantUserFetcher, syncer InviteSyncer, opts Options) *Controller {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retry.Attempts < 1 {
		opts.Retry = DefaultRetryPolicy
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	lifetime, stop := context.WithCancel(context.Background())
	return &Controller{
		client:   client,
		users:    users,
		syncer:   syncer,
		opts:     opts,
		logger:   opts.Logger,
		state:    State{Loading: true},
		alive:    true,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		lifetime: lifetime,
		stop:     stop,
	}
}

// Initialize は認証クライアントを購読してから現在のセッションを取得し、
// INITIAL_SESSIONとして同じ更新経路で処理する。2回目以降の呼び出しは何もしない。
// 取得がタイムアウトまたは失敗した場合は「セッションなし」として扱う。
func (c *Controller) Initialize(ctx context.Context) {
	c.initOnce.Do(func() {
		unsubscribe := c.client.Subscribe(func(ev identity.Event) {
			c.OnSessionEvent(context.Background(), ev.Kind, ev.Session)
		})

		c.mu.Lock()
		if !c.alive {
			c.mu.Unlock()
			unsubscribe()
			return
		}
		c.unsubscribe = unsubscribe
		c.mu.Unlock()

		// 購読後に世代を確保する。取得中に届いたイベントがあれば初回結果は破棄される。
		gen := c.nextGen()

		opCtx, cancel := c.opContext(ctx)
		defer cancel()

		session, err := c.client.GetCurrentSession(opCtx)
		if err != nil {
			c.logger.Warn("initial session check failed",
				slog.String("error", err.Error()),
			)
			session = nil
		}
		c.apply(opCtx, gen, identity.EventInitialSession, session)
	})
}

// OnSessionEvent はセッション変更メッセージの唯一の入口。
func (c *Controller) OnSessionEvent(ctx context.Context, kind identity.EventKind, session *model.Session) {
	gen := c.nextGen()
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	c.apply(opCtx, gen, kind, session)
}

// Refresh は現在のセッションからusuarioを再取得する。店舗登録後に使う。
func (c *Controller) Refresh(ctx context.Context) {
	c.mu.RLock()
	session := c.state.Session
	c.mu.RUnlock()
	if session == nil {
		return
	}
	gen := c.nextGen()
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	c.apply(opCtx, gen, identity.EventUserUpdated, session)
}

// Snapshot は現在の状態のコピーを返す。
func (c *Controller) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.clone()
}

// WaitReady はloadingが解除されるまで待つ。
func (c *Controller) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close は購読を解除し、実行中の処理を取り消す。
// Close後に完了した処理の結果は反映しない。
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.alive = false
		unsubscribe := c.unsubscribe
		c.unsubscribe = nil
		if c.expiry != nil {
			c.expiry.Stop()
			c.expiry = nil
		}
		c.mu.Unlock()

		c.stop()
		if unsubscribe != nil {
			unsubscribe()
		}
		close(c.done)
	})
}

func (c *Controller) nextGen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	return c.gen
}

// opContext は呼び出し元のctxにControllerの寿命とタイムアウトを合成する。
func (c *Controller) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, c.opts.Timeout)
	stopAfter := context.AfterFunc(c.lifetime, cancel)
	return ctx, func() {
		stopAfter()
		cancel()
	}
}

func (c *Controller) apply(ctx context.Context, gen uint64, kind identity.EventKind, session *model.Session) {
	switch {
	case kind == identity.EventSignedOut:
		c.commit(gen, func(st *State) {
			st.Session = nil
			st.Usuario = nil
		})
	case session != nil:
		usuario := c.resolveTenantUser(ctx, session)
		sess := *session
		c.commit(gen, func(st *State) {
			st.Session = &sess
			st.Usuario = usuario
		})
	default:
		// セッションなし（サインアウト以外）: usuarioは変更しない
		c.commit(gen, func(st *State) {
			st.Session = nil
		})
	}
}

// commit は世代が最新かつControllerが生存している場合のみ状態を更新し、loadingを解除する。
func (c *Controller) commit(gen uint64, mutate func(st *State)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.alive || gen != c.gen {
		return false
	}
	mutate(&c.state)
	c.state.Loading = false
	c.armExpiry()
	c.readyOnce.Do(func() { close(c.ready) })
	return true
}

// armExpiry は保持中のセッションの期限切れ直前に確認を予約する。c.muを保持して呼ぶ。
func (c *Controller) armExpiry() {
	if c.expiry != nil {
		c.expiry.Stop()
		c.expiry = nil
	}
	session := c.state.Session
	if session == nil || session.ExpiresAt.IsZero() {
		return
	}
	d := max(time.Until(session.ExpiresAt.Add(-identity.ExpirySkew)), 0)
	c.expiry = time.AfterFunc(d, c.checkExpiry)
}

// checkExpiry は認証クライアントにセッションを問い合わせる。
// リフレッシュの成否はTOKEN_REFRESHEDまたはSIGNED_OUTとして購読経由で届く。
// セッションが返らなかった場合はサインアウトとして扱う。
func (c *Controller) checkExpiry() {
	ctx, cancel := c.opContext(context.Background())
	defer cancel()

	session, err := c.client.GetCurrentSession(ctx)
	if err != nil {
		c.logger.Warn("session expiry check failed",
			slog.String("error", err.Error()),
		)
	}
	if session == nil && c.lifetime.Err() == nil {
		c.OnSessionEvent(context.Background(), identity.EventSignedOut, nil)
	}
}

// resolveTenantUser は主体のusuarioを取得する。
// 見つからずメタデータに店舗IDがある場合は、同期と再取得を再試行方針に従って行う。
// リポジトリのエラーはログに記録し、usuarioなしとして扱う。
func (c *Controller) resolveTenantUser(ctx context.Context, session *model.Session) *model.TenantUser {
	usuario := c.fetchTenantUser(ctx, session.Subject())
	if usuario != nil {
		c.record(OutcomeFound)
		return usuario
	}
	if !session.User.Metadata.IsInvitation() || c.syncer == nil {
		c.record(OutcomeAbsent)
		return nil
	}

	c.opts.Retry.Run(ctx, func(ctx context.Context) bool {
		if err := c.syncer.SyncInvitedUser(ctx, session); err != nil {
			c.logger.Warn("invited user sync failed",
				slog.String("user_id", session.Subject()),
				slog.String("comercio_id", session.User.Metadata.TenantID),
				slog.String("error", err.Error()),
			)
		}
		usuario = c.fetchTenantUser(ctx, session.Subject())
		return usuario != nil
	})

	if usuario != nil {
		c.record(OutcomeInvitedFound)
	} else {
		c.record(OutcomeInvitedAbsent)
	}
	return usuario
}

func (c *Controller) fetchTenantUser(ctx context.Context, subject string) *model.TenantUser {
	usuario, err := c.users.FetchCurrentTenantUser(ctx, subject)
	if err != nil {
		c.logger.Warn("failed to fetch tenant user",
			slog.String("user_id", subject),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return usuario
}

func (c *Controller) record(outcome string) {
	if c.opts.Recorder != nil {
		c.opts.Recorder.RecordResolution(outcome)
	}
}
