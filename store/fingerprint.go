package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Fingerprint computes a stable identity for an alert from its name and
// labels. Labels are serialized in sorted key order so the same alert always
// hashes identically regardless of map iteration order.
func Fingerprint(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sorted := make(map[string]string, len(labels))
	for _, k := range keys {
		sorted[k] = labels[k]
	}

	// encoding/json emits object keys in sorted order for map[string]string.
	encoded, _ := json.Marshal(sorted)

	sum := sha256.Sum256([]byte(name + "-" + string(encoded)))
	return hex.EncodeToString(sum[:])
}
