package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAccounts(n int) []*Account {
	accounts := make([]*Account, 0, n)
	for i := 0; i < n; i++ {
		email := string(rune('a' + i))
		accounts = append(accounts, newAccount(email, "refresh-"+email, "client-id", "client-secret"))
	}
	return accounts
}

func TestPoolPickNextRoundRobin(t *testing.T) {
	accounts := newTestAccounts(3)
	p := NewPool(accounts, 10)

	first := p.PickNext("gemini-2.5-pro")
	second := p.PickNext("gemini-2.5-pro")
	third := p.PickNext("gemini-2.5-pro")
	fourth := p.PickNext("gemini-2.5-pro")

	require.NotNil(t, first)
	require.NotNil(t, second)
	require.NotNil(t, third)
	require.NotNil(t, fourth)

	assert.NotEqual(t, first.Email, second.Email)
	assert.NotEqual(t, second.Email, third.Email)
	// Having cycled through all three, the fourth pick wraps back to the
	// first account (insertion-order tie break).
	assert.Equal(t, first.Email, fourth.Email)
}

func TestPoolStickyPreservedUntilLimited(t *testing.T) {
	accounts := newTestAccounts(3)
	p := NewPool(accounts, 10)

	picked := p.PickNext("gemini-2.5-pro")
	require.NotNil(t, picked)

	sticky := p.Sticky("gemini-2.5-pro")
	require.NotNil(t, sticky)
	assert.Equal(t, picked.Email, sticky.Email)

	// Sticky is per-model: a different model has no sticky yet.
	assert.Nil(t, p.Sticky("gemini-2.5-flash"))

	p.MarkLimited(picked.Email, "gemini-2.5-pro", 10_000)
	assert.Nil(t, p.Sticky("gemini-2.5-pro"), "sticky must clear once its account is limited")
}

func TestPoolMarkLimitedExcludesFromAvailable(t *testing.T) {
	accounts := newTestAccounts(2)
	p := NewPool(accounts, 10)

	p.MarkLimited(accounts[0].Email, "gemini-2.5-pro", 60_000)

	avail := p.AvailableFor("gemini-2.5-pro")
	require.Len(t, avail, 1)
	assert.Equal(t, accounts[1].Email, avail[0].Email)

	// The same account remains free for a different model.
	availOther := p.AvailableFor("gemini-2.5-flash")
	assert.Len(t, availOther, 2)
}

func TestPoolAllLimitedAndMinWait(t *testing.T) {
	accounts := newTestAccounts(2)
	p := NewPool(accounts, 10)

	assert.False(t, p.AllLimited("gemini-2.5-pro"))

	p.MarkLimited(accounts[0].Email, "gemini-2.5-pro", 5_000)
	assert.False(t, p.AllLimited("gemini-2.5-pro"))

	p.MarkLimited(accounts[1].Email, "gemini-2.5-pro", 20_000)
	assert.True(t, p.AllLimited("gemini-2.5-pro"))

	wait := p.MinWaitMs("gemini-2.5-pro")
	assert.Greater(t, wait, int64(0))
	assert.LessOrEqual(t, wait, int64(5_000))
}

func TestPoolAllLimitedEmptyPool(t *testing.T) {
	p := NewPool(nil, 10)
	assert.False(t, p.AllLimited("gemini-2.5-pro"))
	assert.Nil(t, p.PickNext("gemini-2.5-pro"))
}

func TestPoolClearExpired(t *testing.T) {
	accounts := newTestAccounts(1)
	p := NewPool(accounts, 10)

	p.MarkLimited(accounts[0].Email, "gemini-2.5-pro", -1) // already in the past

	avail := p.AvailableFor("gemini-2.5-pro")
	assert.Len(t, avail, 1, "a reset instant in the past is already free, even before sweeping")

	p.ClearExpired()
	a := p.byEmail[accounts[0].Email]
	_, stillTracked := a.limits["gemini-2.5-pro"]
	assert.False(t, stillTracked, "ClearExpired should have removed the stale entry")
}

func TestPoolAddRespectsMaxSize(t *testing.T) {
	accounts := newTestAccounts(2)
	p := NewPool(accounts, 2)

	err := p.Add(newAccount("overflow", "rt", "id", "secret"))
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, 2, p.TotalCount())
}

func TestPoolRemoveClearsSticky(t *testing.T) {
	accounts := newTestAccounts(2)
	p := NewPool(accounts, 10)

	picked := p.PickNext("gemini-2.5-pro")
	require.NotNil(t, picked)

	p.Remove(picked.Email)
	assert.Nil(t, p.Sticky("gemini-2.5-pro"))
	assert.Equal(t, 1, p.TotalCount())
}

func TestPoolRecordUsageAndSnapshot(t *testing.T) {
	accounts := newTestAccounts(1)
	p := NewPool(accounts, 10)

	p.RecordUsage(accounts[0].Email, 1200)
	p.RecordUsage(accounts[0].Email, 300)

	snap := p.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(1500), snap[0].TotalTokens)
	assert.Equal(t, int64(2), snap[0].RequestCount)
	assert.WithinDuration(t, time.Now(), snap[0].LastUsed, time.Second)
}
