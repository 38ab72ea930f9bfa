package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/branchorder/api/internal/platform/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultDialTimeout = 10 * time.Second

var ErrProviderClosed = errors.New("postgres: provider is closed")

// Provider lazily initialises a shared pgx connection pool.
type Provider struct {
	cfg         config.DatabaseConfig
	dialTimeout time.Duration

	mu   sync.Mutex
	pool *pgxpool.Pool

	closed atomic.Bool
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithDialTimeout overrides the timeout used when opening the pool.
func WithDialTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.dialTimeout = timeout
		}
	}
}

// NewProvider constructs a Provider using the supplied configuration.
func NewProvider(cfg config.DatabaseConfig, opts ...ProviderOption) *Provider {
	provider := &Provider{
		cfg:         cfg,
		dialTimeout: defaultDialTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

// Pool returns the shared pool, opening it on first use.
func (p *Provider) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	if p.closed.Load() {
		return nil, ErrProviderClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool != nil {
		return p.pool, nil
	}

	dsn := strings.TrimSpace(p.cfg.URL)
	if dsn == "" {
		return nil, errors.New("postgres: database url is required")
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if p.cfg.MaxConns > 0 {
		poolCfg.MaxConns = p.cfg.MaxConns
	}
	if p.cfg.MinConns > 0 {
		poolCfg.MinConns = p.cfg.MinConns
	}
	if p.cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = p.cfg.MaxConnLifetime
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(dialCtx, poolCfg)
	if err != nil {
		return nil, WrapError("open pool", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, WrapError("ping", err)
	}

	p.pool = pool
	return pool, nil
}

// Ping verifies connectivity; used by readiness checks.
func (p *Provider) Ping(ctx context.Context) error {
	pool, err := p.Pool(ctx)
	if err != nil {
		return err
	}
	return WrapError("ping", pool.Ping(ctx))
}

// Close releases the pool. Subsequent calls to Pool fail with ErrProviderClosed.
func (p *Provider) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
}
