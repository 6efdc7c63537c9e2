package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Default token timings.
const (
	DefaultTokenTTL      = 7 * time.Hour
	DefaultRefreshBefore = 5 * time.Minute
)

// Token is a signed auth token for one account.
type Token struct {
	Account   string
	Value     string
	ExpiresAt time.Time
}

// ExpiringAt reports whether the token is within refreshBefore of expiry at now.
func (t Token) ExpiringAt(now time.Time, refreshBefore time.Duration) bool {
	return !now.Before(t.ExpiresAt.Add(-refreshBefore))
}

// AuthTokenError is returned when a token could not be obtained for an account.
type AuthTokenError struct {
	Account string
	Err     error
}

func (e *AuthTokenError) Error() string {
	return fmt.Sprintf("auth token for account %s: %v", e.Account, e.Err)
}

func (e *AuthTokenError) Unwrap() error { return e.Err }

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	APIKeyIndex   uint8
	TTL           time.Duration // token validity; default 7h, capped at MaxTokenTTL
	RefreshBefore time.Duration // default 5m
}

// Provider caches tokens per account and refreshes them through a Signer.
// Concurrent requests for the same account share one signing call.
type Provider struct {
	signer Signer
	cfg    ProviderConfig
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	cache    map[string]Token
	timers   map[string]*time.Timer
	expiring []func(Token)
	closed   bool
}

// NewProvider creates a Provider. A nil signer yields a provider whose every
// request fails with ErrNoTokenSource.
func NewProvider(signer Signer, cfg ProviderConfig, logger *slog.Logger) *Provider {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if cfg.TTL > MaxTokenTTL {
		cfg.TTL = MaxTokenTTL
	}
	if cfg.RefreshBefore <= 0 {
		cfg.RefreshBefore = DefaultRefreshBefore
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		signer: signer,
		cfg:    cfg,
		logger: logger.With("component", "auth"),
		now:    time.Now,
		cache:  make(map[string]Token),
		timers: make(map[string]*time.Timer),
	}
}

// GetToken returns the cached token for account, signing a new one if there
// is none or the cached one is expiring soon.
func (p *Provider) GetToken(ctx context.Context, account string) (Token, error) {
	if tok, ok := p.cached(account); ok {
		return tok, nil
	}

	v, err, _ := p.group.Do("get:"+account, func() (any, error) {
		if tok, ok := p.cached(account); ok {
			return tok, nil
		}
		return p.sign(ctx, account)
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// RefreshToken discards any cached token for account and signs a new one.
func (p *Provider) RefreshToken(ctx context.Context, account string) (Token, error) {
	v, err, _ := p.group.Do("refresh:"+account, func() (any, error) {
		p.Invalidate(account)
		return p.sign(ctx, account)
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// Invalidate drops the cached token for account.
func (p *Provider) Invalidate(account string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.cache, account)
	if t, ok := p.timers[account]; ok {
		t.Stop()
		delete(p.timers, account)
	}
}

// OnExpiringSoon registers fn to be called once for every cached token when
// it enters its refresh window. fn runs on its own goroutine.
func (p *Provider) OnExpiringSoon(fn func(Token)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expiring = append(p.expiring, fn)
}

// Close stops all expiry timers. Cached tokens remain readable.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for account, t := range p.timers {
		t.Stop()
		delete(p.timers, account)
	}
}

func (p *Provider) cached(account string) (Token, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, ok := p.cache[account]
	if !ok || tok.ExpiringAt(p.now(), p.cfg.RefreshBefore) {
		return Token{}, false
	}
	return tok, true
}

func (p *Provider) sign(ctx context.Context, account string) (Token, error) {
	if p.signer == nil {
		return Token{}, &AuthTokenError{Account: account, Err: ErrNoTokenSource}
	}

	accountIndex, err := strconv.ParseInt(account, 10, 64)
	if err != nil {
		return Token{}, &AuthTokenError{Account: account, Err: fmt.Errorf("invalid account index: %w", err)}
	}

	expiry := p.now().Add(p.cfg.TTL)
	value, err := p.signer.RequestAuthToken(ctx, accountIndex, p.cfg.APIKeyIndex, expiry)
	if err != nil {
		p.logger.Warn("auth token request failed", "account", account, "error", err)
		return Token{}, &AuthTokenError{Account: account, Err: err}
	}

	tok := Token{Account: account, Value: value, ExpiresAt: expiry}
	p.store(tok)

	p.logger.Debug("auth token issued", "account", account, "expires_at", expiry)
	return tok, nil
}

func (p *Provider) store(tok Token) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cache[tok.Account] = tok

	if t, ok := p.timers[tok.Account]; ok {
		t.Stop()
		delete(p.timers, tok.Account)
	}
	if p.closed || p.cfg.TTL <= p.cfg.RefreshBefore {
		return
	}

	delay := tok.ExpiresAt.Add(-p.cfg.RefreshBefore).Sub(p.now())
	p.timers[tok.Account] = time.AfterFunc(delay, func() {
		p.fireExpiring(tok)
	})
}

func (p *Provider) fireExpiring(tok Token) {
	p.mu.Lock()
	current, ok := p.cache[tok.Account]
	if !ok || current.Value != tok.Value || p.closed {
		p.mu.Unlock()
		return
	}
	delete(p.timers, tok.Account)
	callbacks := append([]func(Token){}, p.expiring...)
	p.mu.Unlock()

	p.logger.Info("auth token expiring soon", "account", tok.Account, "expires_at", tok.ExpiresAt)
	for _, fn := range callbacks {
		fn(tok)
	}
}
