package codec

import (
	"crypto/sha256"
	"encoding/hex"
)

// SessionID derives the deterministic session identifier upstream uses
// for prompt caching: a hex digest of the first user-role message's text
// (spec.md §3, §9). The digest is stable across retries of the same
// conversation and covers text content only — the source this spec was
// distilled from does the same, so an empty first turn is not special-cased
// with the account email as originally considered in §9's open question.
func SessionID(req *Request) string {
	text := firstUserText(req)
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func firstUserText(req *Request) string {
	for _, msg := range req.Messages {
		if msg.Role != RoleUser {
			continue
		}
		for _, block := range msg.Content {
			if block.Kind == BlockText {
				return block.Text
			}
		}
	}
	return ""
}
