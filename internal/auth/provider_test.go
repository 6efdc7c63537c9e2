package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSigner struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (s *countingSigner) RequestAuthToken(_ context.Context, accountIndex int64, apiKeyIndex uint8, expiry time.Time) (string, error) {
	n := s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return "", &SigningError{AccountIndex: accountIndex, Err: s.err}
	}
	return fmt.Sprintf("%d:%d:%d:%d", expiry.Unix(), accountIndex, apiKeyIndex, n), nil
}

func TestProvider_GetTokenCaches(t *testing.T) {
	signer := &countingSigner{}
	p := NewProvider(signer, ProviderConfig{APIKeyIndex: 2}, nil)
	defer p.Close()

	tok1, err := p.GetToken(context.Background(), "42")
	require.NoError(t, err)
	tok2, err := p.GetToken(context.Background(), "42")
	require.NoError(t, err)

	assert.Equal(t, tok1, tok2)
	assert.Equal(t, int32(1), signer.calls.Load())
	assert.Equal(t, "42", tok1.Account)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), tok1.ExpiresAt, time.Minute)
}

func TestProvider_RefreshAlwaysSigns(t *testing.T) {
	signer := &countingSigner{}
	p := NewProvider(signer, ProviderConfig{}, nil)
	defer p.Close()

	tok1, err := p.GetToken(context.Background(), "42")
	require.NoError(t, err)
	tok2, err := p.RefreshToken(context.Background(), "42")
	require.NoError(t, err)

	assert.NotEqual(t, tok1.Value, tok2.Value)
	assert.Equal(t, int32(2), signer.calls.Load())

	tok3, err := p.GetToken(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, tok2, tok3)
}

func TestProvider_ConcurrentRequestsCollapse(t *testing.T) {
	signer := &countingSigner{delay: 50 * time.Millisecond}
	p := NewProvider(signer, ProviderConfig{}, nil)
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.GetToken(context.Background(), "7")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), signer.calls.Load())
}

func TestProvider_Errors(t *testing.T) {
	tests := []struct {
		name    string
		signer  Signer
		account string
		target  error
	}{
		{name: "no signer", signer: nil, account: "1", target: ErrNoTokenSource},
		{name: "signing failure", signer: &countingSigner{err: errors.New("hsm offline")}, account: "1"},
		{name: "non-numeric account", signer: &countingSigner{}, account: "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProvider(tt.signer, ProviderConfig{}, nil)
			defer p.Close()

			_, err := p.GetToken(context.Background(), tt.account)
			require.Error(t, err)

			var ate *AuthTokenError
			require.True(t, errors.As(err, &ate))
			assert.Equal(t, tt.account, ate.Account)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestProvider_SigningErrorIsWrapped(t *testing.T) {
	p := NewProvider(&countingSigner{err: errors.New("boom")}, ProviderConfig{}, nil)
	defer p.Close()

	_, err := p.GetToken(context.Background(), "9")
	var se *SigningError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, int64(9), se.AccountIndex)
}

func TestProvider_OnExpiringSoon(t *testing.T) {
	p := NewProvider(&countingSigner{}, ProviderConfig{
		TTL:           300 * time.Millisecond,
		RefreshBefore: 250 * time.Millisecond,
	}, nil)
	defer p.Close()

	fired := make(chan Token, 4)
	p.OnExpiringSoon(func(tok Token) { fired <- tok })

	tok, err := p.GetToken(context.Background(), "42")
	require.NoError(t, err)

	select {
	case got := <-fired:
		assert.Equal(t, tok.Value, got.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("expiring-soon callback did not fire")
	}

	// Inside the refresh window the cached token is no longer handed out.
	tok2, err := p.GetToken(context.Background(), "42")
	require.NoError(t, err)
	assert.NotEqual(t, tok.Value, tok2.Value)
}

func TestProvider_InvalidateStopsTimer(t *testing.T) {
	p := NewProvider(&countingSigner{}, ProviderConfig{
		TTL:           200 * time.Millisecond,
		RefreshBefore: 150 * time.Millisecond,
	}, nil)
	defer p.Close()

	fired := make(chan Token, 1)
	p.OnExpiringSoon(func(tok Token) { fired <- tok })

	_, err := p.GetToken(context.Background(), "42")
	require.NoError(t, err)
	p.Invalidate("42")

	select {
	case <-fired:
		t.Fatal("callback fired for an invalidated token")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestProvider_TTLCapped(t *testing.T) {
	p := NewProvider(&countingSigner{}, ProviderConfig{TTL: 24 * time.Hour}, nil)
	defer p.Close()

	tok, err := p.GetToken(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, tok.ExpiresAt.Before(time.Now().Add(MaxTokenTTL+time.Second)))
}
