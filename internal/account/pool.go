package account

import (
	"sync"
	"time"
)

// Pool is the in-memory registry of upstream accounts with per-model
// rate-limit accounting and sticky selection (spec.md §4.2). All mutating
// operations serialize through a single mutex; readers take the same lock
// but only for the duration of a map/slice copy.
type Pool struct {
	mu       sync.Mutex
	accounts []*Account
	byEmail  map[string]*Account
	maxSize  int

	// sticky holds the current sticky account email per model. A nil
	// map entry (absent key) means "no sticky account yet".
	sticky map[string]string

	// cursor holds the round-robin index per model — the position in
	// `accounts` that pickNext should resume scanning from.
	cursor map[string]int

	// mirror optionally replicates markLimited transitions to a shared
	// store (SPEC_FULL.md §2, Redis mirror). Writes only: the pool never
	// reads cooldowns back from it, so a peer instance's cooldowns do not
	// affect this pool's selection. Nil by default.
	mirror RateLimitMirror
}

// RateLimitMirror is implemented by an optional external store that
// observes markLimited transitions. See internal/account/redis_mirror.go.
type RateLimitMirror interface {
	MarkLimited(email, model string, until time.Time)
}

// NewPool constructs a Pool from a set of already-loaded accounts.
// maxSize enforces the configured account cap (spec.md §6 maxAccounts);
// it does not truncate accounts already passed in, only future Add calls.
func NewPool(accounts []*Account, maxSize int) *Pool {
	p := &Pool{
		accounts: make([]*Account, 0, len(accounts)),
		byEmail:  make(map[string]*Account, len(accounts)),
		sticky:   make(map[string]string),
		cursor:   make(map[string]int),
		maxSize:  maxSize,
	}
	for _, a := range accounts {
		if a.limits == nil {
			a.limits = make(map[string]RateLimitState)
		}
		p.accounts = append(p.accounts, a)
		p.byEmail[a.Email] = a
	}
	return p
}

// SetMirror installs (or clears, with nil) the optional rate-limit
// mirror.
func (p *Pool) SetMirror(m RateLimitMirror) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mirror = m
}

// Add registers a new account, failing if the pool is already at cap.
func (p *Pool) Add(a *Account) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxSize > 0 && len(p.accounts) >= p.maxSize {
		return ErrPoolFull
	}
	if a.limits == nil {
		a.limits = make(map[string]RateLimitState)
	}
	p.accounts = append(p.accounts, a)
	p.byEmail[a.Email] = a
	return nil
}

// Remove deletes an account by email. It clears any sticky pointer that
// referenced it.
func (p *Pool) Remove(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.byEmail, email)
	for i, a := range p.accounts {
		if a.Email == email {
			p.accounts = append(p.accounts[:i], p.accounts[i+1:]...)
			break
		}
	}
	for model, stickyEmail := range p.sticky {
		if stickyEmail == email {
			delete(p.sticky, model)
		}
	}
}

// TotalCount returns the number of registered accounts.
func (p *Pool) TotalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// AvailableFor returns the accounts currently free for model (pool
// cursor invariant (i)/(ii), spec.md §3).
func (p *Pool) AvailableFor(model string) []*Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	free := make([]*Account, 0, len(p.accounts))
	for _, a := range p.accounts {
		if a.limits[model].isFree(now) {
			free = append(free, a)
		}
	}
	return free
}

// Sticky returns the current sticky account for model, or nil if there
// isn't one or it is no longer free.
func (p *Pool) Sticky(model string) *Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	email, ok := p.sticky[model]
	if !ok {
		return nil
	}
	a, ok := p.byEmail[email]
	if !ok {
		delete(p.sticky, model)
		return nil
	}
	if !a.limits[model].isFree(time.Now()) {
		return nil
	}
	return a
}

// PickNext advances the round-robin cursor for model and returns the
// next free account, setting it as the new sticky (spec.md §4.2). Ties —
// i.e. the scan order when nothing is limited — are broken by insertion
// order, since the cursor always walks `accounts` front to back.
func (p *Pool) PickNext(model string) *Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.accounts)
	if n == 0 {
		return nil
	}

	now := time.Now()
	start := p.cursor[model] % n

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		a := p.accounts[idx]
		if a.limits[model].isFree(now) {
			p.cursor[model] = (idx + 1) % n
			p.sticky[model] = a.Email
			return a
		}
	}
	return nil
}

// MarkLimited sets account `email`'s state for `model` to
// limited-until(now+resetMs). If email is the current sticky for model,
// the sticky pointer is cleared (spec.md §4.2 stickiness rationale: only
// a limited transition breaks stickiness).
func (p *Pool) MarkLimited(email, model string, resetMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.byEmail[email]
	if !ok {
		return
	}
	until := time.Now().Add(time.Duration(resetMs) * time.Millisecond)
	if a.limits == nil {
		a.limits = make(map[string]RateLimitState)
	}
	a.limits[model] = RateLimitState{LimitedUntil: until}

	if p.sticky[model] == email {
		delete(p.sticky, model)
	}
	if p.mirror != nil {
		p.mirror.MarkLimited(email, model, until)
	}
}

// ClearExpired sweeps rate-limit entries whose reset instant has passed.
// Lazy expiry (spec.md §3) makes this a cheap optimization rather than a
// correctness requirement — isFree already treats a past LimitedUntil as
// free — but it bounds the size of long-lived limit maps.
func (p *Pool) ClearExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for _, a := range p.accounts {
		for model, state := range a.limits {
			if !state.LimitedUntil.IsZero() && now.After(state.LimitedUntil) {
				delete(a.limits, model)
			}
		}
	}
}

// AllLimited reports whether every account is currently limited for
// model. A pool with zero accounts is considered "not all limited" — the
// caller should treat that as NoAccountsAvailable instead.
func (p *Pool) AllLimited(model string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.accounts) == 0 {
		return false
	}
	now := time.Now()
	for _, a := range p.accounts {
		if a.limits[model].isFree(now) {
			return false
		}
	}
	return true
}

// MinWaitMs returns the minimum remaining wait, in milliseconds, across
// the pool for model. Used when every account is limited to decide
// between waiting and triggering a fallback hop (spec.md §4.6).
func (p *Pool) MinWaitMs(model string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var min int64 = -1
	for _, a := range p.accounts {
		state := a.limits[model]
		if state.LimitedUntil.IsZero() {
			continue
		}
		remaining := state.LimitedUntil.Sub(now).Milliseconds()
		if remaining < 0 {
			remaining = 0
		}
		if min == -1 || remaining < min {
			min = remaining
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

// RecordUsage updates the diagnostic usage counters for an account
// (SPEC_FULL.md §3 supplement). Best-effort; never consulted by dispatch
// decisions.
func (p *Pool) RecordUsage(email string, tokens int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.byEmail[email]
	if !ok {
		return
	}
	a.TotalTokens += tokens
	a.RequestCount++
	a.LastUsed = time.Now()
}

// Snapshot returns a point-in-time diagnostic view of the pool, used by
// the /v1/accounts handler. Credentials are never included.
func (p *Pool) Snapshot() []AccountSummary {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	out := make([]AccountSummary, 0, len(p.accounts))
	for _, a := range p.accounts {
		limits := make(map[string]bool, len(a.limits))
		for model, state := range a.limits {
			limits[model] = !state.isFree(now)
		}
		out = append(out, AccountSummary{
			Email:          a.Email,
			LimitedByModel: limits,
			TotalTokens:    a.TotalTokens,
			RequestCount:   a.RequestCount,
			LastUsed:       a.LastUsed,
		})
	}
	return out
}

// AccountSummary is the credential-free diagnostic view of an Account.
type AccountSummary struct {
	Email          string          `json:"email"`
	LimitedByModel map[string]bool `json:"limitedByModel"`
	TotalTokens    int64           `json:"totalTokens"`
	RequestCount   int64           `json:"requestCount"`
	LastUsed       time.Time       `json:"lastUsed"`
}
