package coalesce

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strings"

	"conclave/internal/provider"
)

// Key hashes (conversation, provider, model, messages) into a deterministic
// coalescing key. Roles are lowercased and content whitespace is collapsed,
// so trivially different retypes of the same request collide.
func Key(conversationID, providerID, model string, messages []provider.Message) string {
	h := sha256.New()
	writeField(h, conversationID)
	writeField(h, providerID)
	writeField(h, model)
	for _, m := range messages {
		writeField(h, strings.ToLower(strings.TrimSpace(m.Role)))
		writeField(h, normalize(m.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// writeField length-prefixes every field so ("ab","c") and ("a","bc") differ.
func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
