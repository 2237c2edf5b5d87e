// Package account implements the upstream OAuth account registry: the
// credential records, per-model rate-limit state, and the pool that picks
// an account for each dispatch (spec.md §3, §4.2).
package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrPoolFull is returned by Pool.Add when the account pool is already at
// its configured maximum size (spec.md §6 maxAccounts).
var ErrPoolFull = errors.New("account: pool is at max capacity")

// Account is one upstream OAuth identity. Credentials are loaded once at
// process start and never mutated; the per-model rate-limit map and the
// usage counters are the only fields that change during dispatch, and
// only ever through the Pool's locked methods.
type Account struct {
	Email        string `json:"email"`
	RefreshToken string `json:"refreshToken"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	CreatedAt    time.Time `json:"createdAt"`

	// AccessToken/TokenExpiry/ProjectID are not used by the token and
	// project caches: internal/cloudcode's TokenCache and ProjectCache
	// keep their own per-email maps and never read or write these fields.
	AccessToken string    `json:"-"`
	TokenExpiry time.Time `json:"-"`
	ProjectID   string    `json:"-"`

	// limits is the per-model rate-limit map described in spec.md §3.
	// Guarded by the owning Pool's mutex — never read or written without
	// holding it.
	limits map[string]RateLimitState

	// Usage counters for the diagnostic /v1/accounts endpoint
	// (SPEC_FULL.md §3 supplement). Best-effort, not persisted.
	TotalTokens  int64
	RequestCount int64
	LastUsed     time.Time
}

// RateLimitState is either free or limited until an absolute instant
// (spec.md §3).
type RateLimitState struct {
	LimitedUntil time.Time
}

// isFree reports whether this state currently allows dispatch, given "now".
func (s RateLimitState) isFree(now time.Time) bool {
	return s.LimitedUntil.IsZero() || now.After(s.LimitedUntil) || now.Equal(s.LimitedUntil)
}

// newAccount returns an Account with its rate-limit map initialized.
// Used by LoadAccounts so callers don't need to know the zero value's
// rate-limit map is nil.
func newAccount(email, refreshToken, clientID, clientSecret string) *Account {
	return &Account{
		Email:        email,
		RefreshToken: refreshToken,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		CreatedAt:    time.Now(),
		limits:       make(map[string]RateLimitState),
	}
}

// persistedAccount is the on-disk JSON shape (spec.md §6 "Persistent
// state layout"). Kept separate from Account so the in-memory rate-limit
// map and cached token never leak into the file.
type persistedAccount struct {
	Email        string    `json:"email"`
	RefreshToken string    `json:"refreshToken"`
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret"`
	CreatedAt    time.Time `json:"createdAt"`
}

// LoadAccounts reads the JSON array of persisted accounts from path.
// A missing file yields an empty pool, not an error — a fresh install
// has no accounts until the out-of-scope OAuth flow adds one.
func LoadAccounts(path string) ([]*Account, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading accounts file: %w", err)
	}

	var raw []persistedAccount
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing accounts file: %w", err)
	}

	accounts := make([]*Account, 0, len(raw))
	for _, p := range raw {
		a := newAccount(p.Email, p.RefreshToken, p.ClientID, p.ClientSecret)
		a.CreatedAt = p.CreatedAt
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// SaveAccounts writes the accounts back to path as the persisted JSON
// shape, dropping all in-memory-only fields (token cache, rate limits).
func SaveAccounts(path string, accounts []*Account) error {
	raw := make([]persistedAccount, 0, len(accounts))
	for _, a := range accounts {
		raw = append(raw, persistedAccount{
			Email:        a.Email,
			RefreshToken: a.RefreshToken,
			ClientID:     a.ClientID,
			ClientSecret: a.ClientSecret,
			CreatedAt:    a.CreatedAt,
		})
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling accounts: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
