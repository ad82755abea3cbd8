package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Digest returns a stable hex digest of v's JSON encoding, used as the
// payload-digest field of a change-log entry (§3).
func Digest(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
