// Package mapindex builds and serves a versioned, content-addressed
// index of a repository's file tree.
//
// A build walks the configured roots, hashes file content, extracts a
// shallow symbol list per file, and produces an immutable Snapshot.
// The snapshot version hash is a deterministic digest over all entries
// independent of traversal order, so rebuilding an unchanged tree
// reproduces the same version.
package mapindex

import "time"

// Entry is the indexed metadata for a single file.
type Entry struct {
	// Path is the repo-relative, slash-separated file path.
	Path string `json:"path"`

	// SizeBytes is the file size at index time.
	SizeBytes int64 `json:"size_bytes"`

	// ModTimeUnixNano is the file mtime captured at index time.
	// Used by incremental rebuilds to detect unchanged files.
	ModTimeUnixNano int64 `json:"mtime_unix_nano"`

	// ContentHash is the hex sha256 of the file content.
	ContentHash string `json:"content_hash"`

	// Symbols are shallow declarations extracted from the file
	// (function/type names, markdown headings). Best-effort.
	Symbols []string `json:"symbols,omitempty"`
}

// Version identifies a snapshot by content.
type Version struct {
	// Hash is the hex sha256 over the canonical entry list.
	Hash string `json:"hash"`

	// BuiltAt is the wall-clock build time. Not part of the hash.
	BuiltAt time.Time `json:"built_at"`

	// FileCount is the number of indexed entries.
	FileCount int `json:"file_count"`
}

// Snapshot is an immutable build result. Safe for concurrent readers.
type Snapshot struct {
	Roots   []string `json:"roots"`
	Entries []Entry  `json:"entries"`
	Version Version  `json:"version"`
}

// Entry lookup by path. Returns nil when the path is not indexed.
func (s *Snapshot) Lookup(path string) *Entry {
	for i := range s.Entries {
		if s.Entries[i].Path == path {
			return &s.Entries[i]
		}
	}
	return nil
}
