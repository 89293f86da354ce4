package pool

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/imagen-relay/internal/backend"
)

// GenerateWithFailover runs one generation, leasing accounts until one
// succeeds. An auth-expired failure marks the leased account's cooldown
// and moves on to the next account; any other failure propagates
// immediately. At most one attempt per account.
func (p *Pool) GenerateWithFailover(ctx context.Context, req backend.GenerateRequest, cooldownSeconds int) (*backend.MediaResult, error) {
	p.mu.Lock()
	maxAttempts := len(p.accounts)
	p.mu.Unlock()

	tried := make(map[string]bool)
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lease, err := p.Acquire()
		if err != nil {
			if lastErr == nil {
				// No attempt was even possible.
				return nil, err
			}
			break
		}

		if tried[lease.AccountID] {
			// Stale lease guard: never retry the same account.
			p.Release(lease)
			break
		}
		tried[lease.AccountID] = true

		log.WithFields(log.Fields{
			"account": lease.AccountID,
			"attempt": attempt,
			"max":     maxAttempts,
		}).Info("assigned account for generation")

		result, err := func() (*backend.MediaResult, error) {
			defer p.Release(lease)
			return lease.Backend.Generate(ctx, req)
		}()
		if err == nil {
			return result, nil
		}

		if backend.IsAuthExpired(err) {
			p.MarkCooldown(lease.AccountID, cooldownSeconds, "cookies_expired")
			log.WithFields(log.Fields{
				"account":  lease.AccountID,
				"cooldown": cooldownSeconds,
			}).Warn("account marked cooldown (cookies expired)")
			lastErr = err
			continue
		}
		return nil, err
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, backend.New(backend.KindAccountsUnavailable, "no available cookie account")
}

// DiscoverAccountSources scans the accounts directory for per-account
// cookie material: either a subdirectory holding cookies.txt/cookies.json
// or a bare .json/.txt file. Falls back to the single default path when
// the directory yields nothing.
func DiscoverAccountSources(accountsDir, fallbackPath string) []AccountSource {
	var sources []AccountSource

	entries, err := os.ReadDir(accountsDir)
	if err == nil {
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, entry := range entries {
			name := entry.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}

			if entry.IsDir() {
				txt := filepath.Join(accountsDir, name, "cookies.txt")
				jsn := filepath.Join(accountsDir, name, "cookies.json")
				if _, err := os.Stat(txt); err == nil {
					sources = append(sources, AccountSource{ID: name, Path: txt})
				} else if _, err := os.Stat(jsn); err == nil {
					sources = append(sources, AccountSource{ID: name, Path: jsn})
				}
				continue
			}

			ext := strings.ToLower(filepath.Ext(name))
			if ext == ".json" || ext == ".txt" {
				id := strings.TrimSuffix(name, filepath.Ext(name))
				sources = append(sources, AccountSource{ID: id, Path: filepath.Join(accountsDir, name)})
			}
		}
	}

	if len(sources) == 0 {
		sources = append(sources, AccountSource{ID: "default", Path: fallbackPath})
	}
	return sources
}
