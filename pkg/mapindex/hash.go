package mapindex

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// entryHashPayload is the canonical form of an entry for version
// hashing. Mtime is excluded: the version must depend on content only,
// so touching a file without changing it does not change the version.
type entryHashPayload struct {
	Path        string   `json:"path"`
	SizeBytes   int64    `json:"size_bytes"`
	ContentHash string   `json:"content_hash"`
	Symbols     []string `json:"symbols,omitempty"`
}

// hashEntries computes the snapshot version hash: a sha256 over the
// canonical JSON of all entries sorted by path. Deterministic and
// independent of traversal order.
func hashEntries(entries []Entry) (string, error) {
	payloads := make([]entryHashPayload, 0, len(entries))
	for _, e := range entries {
		symbols := e.Symbols
		if len(symbols) > 1 {
			symbols = append([]string(nil), symbols...)
			sort.Strings(symbols)
		}
		payloads = append(payloads, entryHashPayload{
			Path:        e.Path,
			SizeBytes:   e.SizeBytes,
			ContentHash: e.ContentHash,
			Symbols:     symbols,
		})
	}

	sort.Slice(payloads, func(i, j int) bool {
		return payloads[i].Path < payloads[j].Path
	})

	b, err := json.Marshal(payloads)
	if err != nil {
		return "", fmt.Errorf("marshal version hash payload: %w", err)
	}

	sha := sha256.Sum256(b)
	return hex.EncodeToString(sha[:]), nil
}
