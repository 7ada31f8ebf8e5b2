package credentials

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pubsched/internal/failure"
	logx "pubsched/pkg/logx"
)

func TestAccessTokenFromConfig(t *testing.T) {
	p := New(Config{Tokens: map[string]string{" acct-1 ": " tok-1 "}}, logx.Nop())
	defer p.Stop()

	tok, err := p.AccessToken(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	_, err = p.AccessToken(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Validation))
}

func TestApplyDropsCachedTokens(t *testing.T) {
	p := New(Config{Tokens: map[string]string{"a": "old"}}, logx.Nop())
	defer p.Stop()
	tok, err := p.AccessToken(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, "old", tok)

	p.Apply(Config{Tokens: map[string]string{"a": "new"}})
	tok, err = p.AccessToken(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "new", tok)
}

func TestRefreshRunsHookOncePerConcurrentBurst(t *testing.T) {
	p := New(Config{
		Tokens:         map[string]string{"a": "stale"},
		RefreshCommand: []string{"refresh-token"},
	}, logx.Nop())
	defer p.Stop()

	var calls atomic.Int32
	release := make(chan struct{})
	p.runHook = func(ctx context.Context, argv []string, accountID string) (string, error) {
		calls.Add(1)
		<-release
		assert.Equal(t, []string{"refresh-token"}, argv)
		return "fresh-" + accountID, nil
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := p.Refresh(context.Background(), "a")
			assert.NoError(t, err)
			results[i] = tok
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "fresh-a", r)
	}
	tok, err := p.AccessToken(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "fresh-a", tok)
}

func TestRefreshHookFailureIsAuthExpired(t *testing.T) {
	p := New(Config{Tokens: map[string]string{"a": "x"}, RefreshCommand: []string{"hook"}}, logx.Nop())
	defer p.Stop()
	p.runHook = func(context.Context, []string, string) (string, error) {
		return "", errors.New("exit status 1")
	}
	_, err := p.Refresh(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.AuthExpired))
}

func TestRefreshWithoutHookReloadsConfiguredToken(t *testing.T) {
	p := New(Config{Tokens: map[string]string{"a": "x"}}, logx.Nop())
	defer p.Stop()
	tok, err := p.Refresh(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "x", tok)
}
