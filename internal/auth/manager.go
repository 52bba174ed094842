package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultRefreshMargin = 60 * time.Second

// Authenticator 抽象远端的登录与刷新接口。
type Authenticator interface {
	Login(ctx context.Context, email, password string) (Token, error)
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// Options 描述凭据来源。
type Options struct {
	Email    string
	Password string
	// StaticToken 为外部直接提供的访问令牌，过期时间未知，按 StaticTokenTTL 估算。
	StaticToken    string
	StaticTokenTTL time.Duration
	RefreshMargin  time.Duration
	File           TokenFile
}

// Manager 持有令牌对并负责续期。令牌是单一共享资源，
// 续期经由 singleflight 串行化，并发调用方等待同一次续期结果。
type Manager struct {
	auth   Authenticator
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	token Token
	group singleflight.Group
}

// NewManager 创建凭据管理器，并从令牌文件或静态令牌恢复状态。
func NewManager(authenticator Authenticator, opts Options, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = defaultRefreshMargin
	}
	if opts.StaticTokenTTL <= 0 {
		opts.StaticTokenTTL = 5 * time.Minute
	}

	m := &Manager{
		auth:   authenticator,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}

	cached, ok, err := opts.File.Load()
	if err != nil {
		// 损坏的令牌文件不阻断流程，后续按凭据重新登录
		logger.Warn("读取令牌文件失败，忽略缓存令牌", zap.String("path", opts.File.Path), zap.Error(err))
	}

	now := m.now()
	switch {
	case ok && cached.AccessValid(now, opts.RefreshMargin):
		m.token = cached
		logger.Info("已从令牌文件加载访问令牌", zap.String("path", opts.File.Path))
	case opts.StaticToken != "":
		m.token = Token{
			AccessToken:          opts.StaticToken,
			AccessTokenExpiresAt: now.Add(opts.StaticTokenTTL),
		}
		if ok {
			m.token.RefreshToken = cached.RefreshToken
			m.token.RefreshTokenExpiresAt = cached.RefreshTokenExpiresAt
		}
		logger.Info("使用配置的静态访问令牌", zap.Duration("assumed_ttl", opts.StaticTokenTTL))
	case ok:
		m.token = cached
		logger.Info("令牌文件中的访问令牌已过期，将在首次调用时续期", zap.String("path", opts.File.Path))
	}

	return m, nil
}

// Token 返回一个在安全边际内有效的访问令牌，必要时刷新或重新登录。
func (m *Manager) Token(ctx context.Context) (string, error) {
	if tok, ok := m.valid(); ok {
		return tok, nil
	}

	v, err, shared := m.group.Do("renew", func() (interface{}, error) {
		// 等待者进入时可能已被上一轮续期满足
		if tok, ok := m.valid(); ok {
			return tok, nil
		}
		return m.renew(ctx)
	})
	if err != nil {
		return "", err
	}
	if shared {
		m.logger.Debug("复用并发续期结果")
	}
	return v.(string), nil
}

// Invalidate 在服务端拒绝令牌后将其标记为过期，仅当令牌仍为当前令牌时生效。
func (m *Manager) Invalidate(accessToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token.AccessToken == accessToken {
		m.token.AccessTokenExpiresAt = time.Time{}
	}
}

func (m *Manager) valid() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token.AccessValid(m.now(), m.opts.RefreshMargin) {
		return m.token.AccessToken, true
	}
	return "", false
}

func (m *Manager) renew(ctx context.Context) (string, error) {
	m.mu.Lock()
	current := m.token
	m.mu.Unlock()

	if m.auth == nil {
		return "", &Error{Op: "续期令牌", Err: ErrNoCredentials}
	}

	var errs error
	now := m.now()

	if current.CanRefresh(now) {
		tok, err := m.auth.Refresh(ctx, current.RefreshToken)
		if err == nil {
			if tok.RefreshToken == "" {
				tok.RefreshToken = current.RefreshToken
				tok.RefreshTokenExpiresAt = current.RefreshTokenExpiresAt
			}
			m.store(tok)
			m.logger.Info("访问令牌刷新成功", zap.Time("expires_at", tok.AccessTokenExpiresAt))
			return tok.AccessToken, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		m.logger.Warn("刷新令牌失败，尝试重新登录", zap.Error(err))
		errs = multierr.Append(errs, err)
	}

	if m.opts.Email != "" && m.opts.Password != "" {
		tok, err := m.auth.Login(ctx, m.opts.Email, m.opts.Password)
		if err == nil {
			m.store(tok)
			m.logger.Info("重新登录成功", zap.Time("expires_at", tok.AccessTokenExpiresAt))
			return tok.AccessToken, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		errs = multierr.Append(errs, err)
		return "", &Error{Op: "登录", Err: errs}
	}

	if errs == nil {
		errs = ErrNoCredentials
	}
	return "", &Error{Op: "续期令牌", Err: errs}
}

func (m *Manager) store(tok Token) {
	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()

	if err := m.opts.File.Save(tok); err != nil {
		m.logger.Warn("持久化令牌失败", zap.String("path", m.opts.File.Path), zap.Error(err))
	}
}
