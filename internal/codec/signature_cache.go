package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// SkipSignature is the sentinel value meaning "omit thoughtSignature and
// let upstream skip validation" when no fresh cache entry exists for a
// thinking block's digest (spec.md §3, §8 "Signature replay").
const SkipSignature = "__antiproxy_skip_signature__"

type signatureEntry struct {
	signature string
	expires   time.Time
}

// SignatureCache maps a digest of assistant thinking content to the most
// recently observed thoughtSignature for that content, so a signature the
// client stripped on replay can be re-attached (spec.md §3). Entries expire
// after a configurable TTL; races between concurrent writers are resolved
// last-writer-wins, matching the best-effort policy in spec.md §5.
type SignatureCache struct {
	mu      sync.Mutex
	entries map[string]signatureEntry
	ttl     time.Duration
}

// NewSignatureCache constructs a cache with the given TTL (spec.md §6
// thinkingSignatureTtlMs, default 2 hours).
func NewSignatureCache(ttl time.Duration) *SignatureCache {
	return &SignatureCache{
		entries: make(map[string]signatureEntry),
		ttl:     ttl,
	}
}

// Digest returns the cache key for a piece of thinking content.
func Digest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Observe records the signature upstream returned for thinking content
// with the given digest.
func (c *SignatureCache) Observe(digest, signature string) {
	if signature == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[digest] = signatureEntry{
		signature: signature,
		expires:   time.Now().Add(c.ttl),
	}
}

// Lookup returns the signature to re-attach for a digest: the cached
// value if fresh, otherwise SkipSignature.
func (c *SignatureCache) Lookup(digest string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[digest]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, digest)
		return SkipSignature
	}
	return e.signature
}
