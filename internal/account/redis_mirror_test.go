package account

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestMirror(t *testing.T) *RedisMirror {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisMirror(client, "test:ratelimit:")
}

func TestRedisMirrorMarkAndCheck(t *testing.T) {
	m := newTestMirror(t)

	limited, _ := m.IsLimited("a@example.com", "gemini-2.5-pro")
	require.False(t, limited)

	m.MarkLimited("a@example.com", "gemini-2.5-pro", time.Now().Add(time.Minute))

	limited, until := m.IsLimited("a@example.com", "gemini-2.5-pro")
	require.True(t, limited)
	require.WithinDuration(t, time.Now().Add(time.Minute), until, 2*time.Second)
}

func TestRedisMirrorPastDeadlineClears(t *testing.T) {
	m := newTestMirror(t)

	m.MarkLimited("a@example.com", "gemini-2.5-pro", time.Now().Add(-time.Minute))

	limited, _ := m.IsLimited("a@example.com", "gemini-2.5-pro")
	require.False(t, limited)
}

func TestRedisMirrorIntegratesWithPool(t *testing.T) {
	m := newTestMirror(t)
	accounts := newTestAccounts(1)
	p := NewPool(accounts, 10)
	p.SetMirror(m)

	p.MarkLimited(accounts[0].Email, "gemini-2.5-pro", 60_000)

	limited, _ := m.IsLimited(accounts[0].Email, "gemini-2.5-pro")
	require.True(t, limited)
}
