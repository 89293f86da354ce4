package pool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/imagen-relay/internal/backend"
)

func TestGenerateWithFailover_MovesOnAfterAuthExpired(t *testing.T) {
	factory := stubFactory(func(id string) func(context.Context, backend.GenerateRequest) (*backend.MediaResult, error) {
		return func(ctx context.Context, req backend.GenerateRequest) (*backend.MediaResult, error) {
			if id == "a" {
				return nil, backend.New(backend.KindAuthExpired, "cookies invalid")
			}
			return &backend.MediaResult{Path: "/tmp/out-" + id + ".png"}, nil
		}
	})

	sources := []AccountSource{
		{ID: "a", Path: filepath.Join(t.TempDir(), "cookies.json")},
		{ID: "b", Path: filepath.Join(t.TempDir(), "cookies.json")},
	}
	p, err := New(sources, 1, factory)
	require.NoError(t, err)

	// Selection is random, so call until "a" has been tried and benched.
	triedA := false
	for i := 0; i < 50 && !triedA; i++ {
		result, err := p.GenerateWithFailover(context.Background(), backend.GenerateRequest{Prompt: "a cat"}, 600)
		require.NoError(t, err, "failover must ride out the expired account")
		assert.Equal(t, "/tmp/out-b.png", result.Path)

		for _, acc := range p.Stats().Accounts {
			if acc.AccountID == "a" && acc.InCooldown {
				triedA = true
				assert.Equal(t, "cookies_expired", acc.LastError)
			}
			assert.Equal(t, 0, acc.ActiveTasks, "every lease must be released")
		}
	}
	assert.True(t, triedA, "account a should eventually be selected and sidelined")
}

func TestGenerateWithFailover_NonAuthErrorPropagates(t *testing.T) {
	factory := stubFactory(func(id string) func(context.Context, backend.GenerateRequest) (*backend.MediaResult, error) {
		return func(ctx context.Context, req backend.GenerateRequest) (*backend.MediaResult, error) {
			return nil, backend.New(backend.KindRateLimited, "throttled")
		}
	})

	sources := []AccountSource{
		{ID: "a", Path: filepath.Join(t.TempDir(), "cookies.json")},
		{ID: "b", Path: filepath.Join(t.TempDir(), "cookies.json")},
	}
	p, err := New(sources, 1, factory)
	require.NoError(t, err)

	_, err = p.GenerateWithFailover(context.Background(), backend.GenerateRequest{Prompt: "a cat"}, 600)
	require.Error(t, err)
	assert.Equal(t, backend.KindRateLimited, backend.KindOf(err))

	stats := p.Stats()
	for _, acc := range stats.Accounts {
		assert.False(t, acc.InCooldown, "only auth failures trigger cooldown")
		assert.Equal(t, 0, acc.ActiveTasks)
	}
}

func TestGenerateWithFailover_AllAccountsExpired(t *testing.T) {
	factory := stubFactory(func(id string) func(context.Context, backend.GenerateRequest) (*backend.MediaResult, error) {
		return func(ctx context.Context, req backend.GenerateRequest) (*backend.MediaResult, error) {
			return nil, backend.New(backend.KindAuthExpired, "cookies invalid")
		}
	})

	sources := []AccountSource{
		{ID: "a", Path: filepath.Join(t.TempDir(), "cookies.json")},
		{ID: "b", Path: filepath.Join(t.TempDir(), "cookies.json")},
	}
	p, err := New(sources, 1, factory)
	require.NoError(t, err)

	_, err = p.GenerateWithFailover(context.Background(), backend.GenerateRequest{Prompt: "a cat"}, 600)
	require.Error(t, err)
	assert.Equal(t, backend.KindAuthExpired, backend.KindOf(err),
		"last auth failure surfaces when every account was tried")

	// Everything is now cooling; a fresh call reports unavailability.
	_, err = p.GenerateWithFailover(context.Background(), backend.GenerateRequest{Prompt: "a cat"}, 600)
	require.Error(t, err)
	assert.Equal(t, backend.KindAccountsUnavailable, backend.KindOf(err))
}

func TestGenerateWithFailover_SaturatedPool(t *testing.T) {
	p := newTestPool(t, 1, "a")
	lease, err := p.Acquire()
	require.NoError(t, err)
	defer p.Release(lease)

	_, err = p.GenerateWithFailover(context.Background(), backend.GenerateRequest{Prompt: "a cat"}, 600)
	require.Error(t, err)
	assert.Equal(t, backend.KindAccountsBusy, backend.KindOf(err))
}

func TestDiscoverAccountSources(t *testing.T) {
	dir := t.TempDir()

	// Subdirectory with cookies.txt, one with cookies.json, one empty.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "alice"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice", "cookies.txt"), []byte("[]"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bob"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bob", "cookies.json"), []byte("[]"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	// Bare cookie file and noise.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "carol.json"), []byte("[]"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.json"), []byte("[]"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("x"), 0o644))

	sources := DiscoverAccountSources(dir, "/fallback/cookies.json")
	require.Len(t, sources, 3)
	assert.Equal(t, "alice", sources[0].ID)
	assert.Equal(t, filepath.Join(dir, "alice", "cookies.txt"), sources[0].Path)
	assert.Equal(t, "bob", sources[1].ID)
	assert.Equal(t, filepath.Join(dir, "bob", "cookies.json"), sources[1].Path)
	assert.Equal(t, "carol", sources[2].ID)
}

func TestDiscoverAccountSources_Fallback(t *testing.T) {
	sources := DiscoverAccountSources(filepath.Join(t.TempDir(), "missing"), "/data/cookies.json")
	require.Len(t, sources, 1)
	assert.Equal(t, "default", sources[0].ID)
	assert.Equal(t, "/data/cookies.json", sources[0].Path)
}
