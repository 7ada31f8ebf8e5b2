// Package credentials hands out per-account access tokens.
//
// Tokens come from configuration and are cached for TokenTTL. Refresh drops the cached token and,
// when a refresh hook is configured, runs it to obtain a new one. Concurrent loads and refreshes
// for one account share a single call.
package credentials

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"pubsched/internal/failure"
	logx "pubsched/pkg/logx"
)

const (
	DefaultTokenTTL       = 30 * time.Minute
	DefaultRefreshTimeout = 30 * time.Second
	failureTTL            = 10 * time.Second
)

type Config struct {
	// Tokens maps account id to its configured access token.
	Tokens   map[string]string
	TokenTTL time.Duration
	// RefreshCommand is run as RefreshCommand[0] RefreshCommand[1:]... <accountID>; its trimmed
	// stdout is the new token.
	RefreshCommand []string
	RefreshTimeout time.Duration
}

type cacheItem struct {
	token string
	err   error
}

type Provider struct {
	log logx.Logger

	mu  sync.RWMutex
	cfg Config

	cache   *ttlcache.Cache[string, cacheItem]
	refresh singleflight.Group
	started atomic.Bool

	// runHook is swapped in tests.
	runHook func(ctx context.Context, argv []string, accountID string) (string, error)
}

func New(cfg Config, log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = withDefaults(cfg)
	p := &Provider{
		log:     log.With(logx.String("comp", "credentials")),
		cfg:     cfg,
		runHook: execHook,
	}
	loader := ttlcache.NewSuppressedLoader[string, cacheItem](p.loader(), new(singleflight.Group))
	p.cache = ttlcache.New(
		ttlcache.WithTTL[string, cacheItem](cfg.TokenTTL),
		ttlcache.WithLoader[string, cacheItem](loader),
	)
	return p
}

func withDefaults(cfg Config) Config {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	tokens := make(map[string]string, len(cfg.Tokens))
	for k, v := range cfg.Tokens {
		tokens[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	cfg.Tokens = tokens
	return cfg
}

// Start runs the cache expiry loop until Stop.
func (p *Provider) Start() {
	if p.started.CompareAndSwap(false, true) {
		go p.cache.Start()
	}
}

func (p *Provider) Stop() {
	if p.started.CompareAndSwap(true, false) {
		p.cache.Stop()
	}
}

// Apply swaps the configuration and drops every cached token.
func (p *Provider) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	p.cache.DeleteAll()
	p.log.Info("credentials applied", logx.Int("accounts", len(cfg.Tokens)))
}

// Accounts returns the configured account ids.
func (p *Provider) Accounts() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.cfg.Tokens))
	for id := range p.cfg.Tokens {
		out = append(out, id)
	}
	return out
}

// AccessToken returns the cached token for accountID, loading it on a miss.
func (p *Provider) AccessToken(ctx context.Context, accountID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", failure.Wrap(failure.Canceled, "credentials.access_token", err)
	}
	item := p.cache.Get(accountID)
	if item == nil {
		return "", failure.New(failure.AuthExpired, "credentials.access_token", "no token for account "+accountID)
	}
	v := item.Value()
	if v.err != nil {
		return "", v.err
	}
	return v.token, nil
}

func (p *Provider) loader() ttlcache.LoaderFunc[string, cacheItem] {
	return func(c *ttlcache.Cache[string, cacheItem], key string) *ttlcache.Item[string, cacheItem] {
		p.mu.RLock()
		tok, ok := p.cfg.Tokens[key]
		ttl := p.cfg.TokenTTL
		p.mu.RUnlock()
		if !ok || tok == "" {
			// Short TTL so a hot-reloaded token is picked up quickly.
			return c.Set(key, cacheItem{err: failure.Validationf("unknown account %q", key)}, failureTTL)
		}
		return c.Set(key, cacheItem{token: tok}, ttl)
	}
}

// Refresh drops the cached token for accountID and obtains a new one. Concurrent callers for the
// same account share one refresh.
func (p *Provider) Refresh(ctx context.Context, accountID string) (string, error) {
	v, err, shared := p.refresh.Do(accountID, func() (any, error) {
		p.cache.Delete(accountID)

		p.mu.RLock()
		argv := append([]string(nil), p.cfg.RefreshCommand...)
		timeout := p.cfg.RefreshTimeout
		ttl := p.cfg.TokenTTL
		p.mu.RUnlock()

		if len(argv) == 0 {
			return p.AccessToken(ctx, accountID)
		}

		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		tok, err := p.runHook(hctx, argv, accountID)
		if err != nil {
			return "", failure.Wrap(failure.AuthExpired, "credentials.refresh", err)
		}
		p.mu.Lock()
		if p.cfg.Tokens == nil {
			p.cfg.Tokens = map[string]string{}
		}
		p.cfg.Tokens[accountID] = tok
		p.mu.Unlock()
		p.cache.Set(accountID, cacheItem{token: tok}, ttl)
		return tok, nil
	})
	if err != nil {
		p.log.Warn("token refresh failed", logx.String("account", accountID), logx.Err(err))
		return "", err
	}
	p.log.Info("token refreshed", logx.String("account", accountID), logx.Bool("shared", shared))
	return v.(string), nil
}

func execHook(ctx context.Context, argv []string, accountID string) (string, error) {
	args := append(argv[1:len(argv):len(argv)], accountID)
	cmd := exec.CommandContext(ctx, argv[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("refresh hook: %w: %s", err, msg)
		}
		return "", fmt.Errorf("refresh hook: %w", err)
	}
	tok := strings.TrimSpace(stdout.String())
	if tok == "" {
		return "", fmt.Errorf("refresh hook printed no token")
	}
	return tok, nil
}
