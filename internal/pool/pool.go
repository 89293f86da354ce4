// Package pool schedules generations across multiple cookie accounts.
// Selection is least-active with a uniform random tie-break; accounts
// whose credentials expired sit out a cooldown window instead of being
// retried blindly.
package pool

import (
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/imagen-relay/internal/backend"
	"github.com/shehryarbajwa/imagen-relay/internal/cookies"
)

// AccountSource names one credential source discovered on disk.
type AccountSource struct {
	ID   string
	Path string
}

// BackendFactory builds the generation backend bound to one account's
// credentials. Called once per account registration.
type BackendFactory func(accountID string, store *cookies.Store) backend.Generator

// Lease is a temporary binding of one caller to one account.
type Lease struct {
	AccountID string
	Backend   backend.Generator
}

type account struct {
	id        string
	source    string
	store     *cookies.Store
	generator backend.Generator
	sem       *semaphore.Weighted
	limit     int

	active        int
	cooldownUntil time.Time
	lastError     string
	enabled       bool
}

func (a *account) inCooldown(now time.Time) bool {
	return a.cooldownUntil.After(now)
}

// Pool owns the account table.
type Pool struct {
	mu       sync.Mutex
	accounts map[string]*account
	factory  BackendFactory
	perAcct  int
}

// New builds a pool from discovered credential sources.
func New(sources []AccountSource, perAccountConcurrent int, factory BackendFactory) (*Pool, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one account source is required")
	}
	if perAccountConcurrent < 1 {
		return nil, fmt.Errorf("per-account concurrency must be >= 1")
	}

	p := &Pool{
		accounts: make(map[string]*account),
		factory:  factory,
		perAcct:  perAccountConcurrent,
	}
	for _, src := range sources {
		p.accounts[src.ID] = p.buildAccount(src.ID, src.Path)
	}
	return p, nil
}

func (p *Pool) buildAccount(id, path string) *account {
	store := cookies.NewStore(path, true)
	return &account{
		id:        id,
		source:    path,
		store:     store,
		generator: p.factory(id, store),
		sem:       semaphore.NewWeighted(int64(p.perAcct)),
		limit:     p.perAcct,
		enabled:   true,
	}
}

// Acquire leases one available account, randomly selected among the
// least-active candidates. Fails with KindAccountsUnavailable when every
// enabled account is cooling down, KindAccountsBusy when all are
// saturated.
func (p *Pool) Acquire() (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var candidates []*account
	for _, acc := range p.accounts {
		if acc.enabled && !acc.inCooldown(now) && acc.active < acc.limit {
			candidates = append(candidates, acc)
		}
	}

	if len(candidates) == 0 {
		for _, acc := range p.accounts {
			if acc.enabled && acc.inCooldown(now) {
				return nil, backend.New(backend.KindAccountsUnavailable,
					"all cookie accounts are temporarily unavailable")
			}
		}
		return nil, backend.New(backend.KindAccountsBusy, "all cookie accounts are busy")
	}

	minActive := candidates[0].active
	for _, acc := range candidates[1:] {
		if acc.active < minActive {
			minActive = acc.active
		}
	}
	var leastActive []*account
	for _, acc := range candidates {
		if acc.active == minActive {
			leastActive = append(leastActive, acc)
		}
	}

	selected := leastActive[rand.Intn(len(leastActive))]
	if !selected.sem.TryAcquire(1) {
		// Candidate filtering already checked capacity under the lock.
		return nil, backend.New(backend.KindAccountsBusy, "all cookie accounts are busy")
	}
	selected.active++

	return &Lease{AccountID: selected.id, Backend: selected.generator}, nil
}

// Release returns a lease. Safe to call with a lease whose account has
// been replaced or removed.
func (p *Pool) Release(lease *Lease) {
	if lease == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	acc, ok := p.accounts[lease.AccountID]
	if !ok {
		return
	}
	if acc.active > 0 {
		acc.active--
		acc.sem.Release(1)
	}
}

// MarkCooldown sidelines an account for at least one second. Used only
// for auth-expired failures so transient errors never bench a healthy
// credential.
func (p *Pool) MarkCooldown(accountID string, seconds int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, ok := p.accounts[accountID]
	if !ok {
		return
	}
	if seconds < 1 {
		seconds = 1
	}
	acc.cooldownUntil = time.Now().Add(time.Duration(seconds) * time.Second)
	acc.lastError = reason
}

// ClearCooldown lifts a cooldown, typically after a credential refresh.
func (p *Pool) ClearCooldown(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, ok := p.accounts[accountID]
	if !ok {
		return
	}
	acc.cooldownUntil = time.Time{}
	acc.lastError = ""
}

// Store returns the credential store for an account, or nil.
func (p *Pool) Store(accountID string) *cookies.Store {
	p.mu.Lock()
	defer p.mu.Unlock()

	if acc, ok := p.accounts[accountID]; ok {
		return acc.store
	}
	return nil
}

// Has reports account existence.
func (p *Pool) Has(accountID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.accounts[accountID]
	return ok
}

// AddOrReplace installs a fresh account bound to new credentials,
// replacing any prior entry with the same id. This is the only path that
// changes an account's bound credentials at runtime. The replaced
// backend is closed so it stops rotating stale credentials.
func (p *Pool) AddOrReplace(accountID, cookiesPath string) *cookies.Store {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.accounts[accountID]; ok {
		closeGenerator(old.generator)
	}
	acc := p.buildAccount(accountID, cookiesPath)
	p.accounts[accountID] = acc
	return acc.store
}

// Close shuts down every account's backend. The pool must not be used
// afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, acc := range p.accounts {
		closeGenerator(acc.generator)
	}
}

func closeGenerator(g backend.Generator) {
	if closer, ok := g.(io.Closer); ok {
		closer.Close()
	}
}

// AccountStatus is one account's health snapshot.
type AccountStatus struct {
	AccountID         string `json:"account_id"`
	Email             string `json:"email,omitempty"`
	IdentityLabel     string `json:"identity_label"`
	IdentityKind      string `json:"identity_kind"`
	Enabled           bool   `json:"enabled"`
	ActiveTasks       int    `json:"active_tasks"`
	InCooldown        bool   `json:"in_cooldown"`
	CooldownRemaining int    `json:"cooldown_remaining"`
	LastError         string `json:"last_error,omitempty"`
}

// Stats is the pool-wide health snapshot.
type Stats struct {
	AccountsTotal     int             `json:"accounts_total"`
	AccountsAvailable int             `json:"accounts_available"`
	Accounts          []AccountStatus `json:"accounts"`
}

// Stats snapshots every account, sorted by id.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	accts := make([]*account, 0, len(p.accounts))
	for _, acc := range p.accounts {
		accts = append(accts, acc)
	}
	now := time.Now()

	type row struct {
		id                string
		enabled           bool
		active            int
		inCooldown        bool
		cooldownRemaining int
		lastError         string
		store             *cookies.Store
		available         bool
	}
	rows := make([]row, 0, len(accts))
	for _, acc := range accts {
		inCooldown := acc.inCooldown(now)
		remaining := 0
		if inCooldown {
			remaining = int(time.Until(acc.cooldownUntil).Seconds())
		}
		rows = append(rows, row{
			id:                acc.id,
			enabled:           acc.enabled,
			active:            acc.active,
			inCooldown:        inCooldown,
			cooldownRemaining: remaining,
			lastError:         acc.lastError,
			store:             acc.store,
			available:         acc.enabled && !inCooldown && acc.active < acc.limit,
		})
	}
	p.mu.Unlock()

	// Identity extraction reads cookie files; keep it outside the pool lock.
	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })

	stats := Stats{AccountsTotal: len(rows)}
	for _, r := range rows {
		if r.available {
			stats.AccountsAvailable++
		}
		ident := r.store.Identity()
		stats.Accounts = append(stats.Accounts, AccountStatus{
			AccountID:         r.id,
			Email:             ident.Email,
			IdentityLabel:     ident.Label,
			IdentityKind:      ident.Kind,
			Enabled:           r.enabled,
			ActiveTasks:       r.active,
			InCooldown:        r.inCooldown,
			CooldownRemaining: r.cooldownRemaining,
			LastError:         r.lastError,
		})
	}
	return stats
}
