package codec

import (
	"crypto/rand"
	"encoding/hex"
)

// NewToolUseID synthesizes a stable tool_use id. Upstream returns function
// calls without one (§9): the adapter mints one per observed call, in the
// shape call_<hex>. A later tool_result carries it back as tool_use_id,
// and ToGoogleRequest recovers the function name by looking that id up
// among the conversation's tool_use blocks, not by any upstream identity.
func NewToolUseID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "call_" + hex.EncodeToString(b[:])
}
