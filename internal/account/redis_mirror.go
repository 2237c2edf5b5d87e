package account

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror replicates MarkLimited transitions to a shared Redis key
// space so multiple proxy instances sharing one accounts file converge on
// the same cooldown view (SPEC_FULL.md §2 item 11). It is written to on
// every transition but never read from dispatch's hot path — each
// instance's own in-process Pool stays authoritative for its own
// decisions, this is a best-effort cross-instance signal only.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror wraps an existing Redis client. prefix namespaces the
// keys this mirror writes, e.g. "antiproxy:ratelimit:".
func NewRedisMirror(client *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "antiproxy:ratelimit:"
	}
	return &RedisMirror{client: client, prefix: prefix}
}

// MarkLimited implements RateLimitMirror. Errors are swallowed — losing
// the mirror write never blocks or fails a dispatch.
func (m *RedisMirror) MarkLimited(email, model string, until time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := m.key(email, model)
	ttl := time.Until(until)
	if ttl <= 0 {
		m.client.Del(ctx, key)
		return
	}
	m.client.Set(ctx, key, until.Format(time.RFC3339Nano), ttl)
}

// IsLimited reports whether a peer instance has mirrored a cooldown for
// email/model that hasn't expired. Neither Pool nor the dispatch engine
// calls it.
func (m *RedisMirror) IsLimited(email, model string) (bool, time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	val, err := m.client.Get(ctx, m.key(email, model)).Result()
	if err != nil {
		return false, time.Time{}
	}
	until, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return false, time.Time{}
	}
	return time.Now().Before(until), until
}

func (m *RedisMirror) key(email, model string) string {
	return fmt.Sprintf("%s%s:%s", m.prefix, email, model)
}
