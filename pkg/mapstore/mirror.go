package mapstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/millwork/taskmill/pkg/mapindex"
)

// MirrorSnapshot writes a snapshot's entries into the store in one
// transaction. Re-mirroring the same version hash is a no-op.
func MirrorSnapshot(ctx context.Context, db *sql.DB, snap *mapindex.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM map_snapshots WHERE version_hash = ?`,
		snap.Version.Hash).Scan(&existing)
	if err != nil {
		return fmt.Errorf("check snapshot: %w", err)
	}
	if existing > 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO map_snapshots (version_hash, built_at, file_count, roots)
		 VALUES (?, ?, ?, ?)`,
		snap.Version.Hash,
		snap.Version.BuiltAt.UTC().Format(time.RFC3339Nano),
		snap.Version.FileCount,
		strings.Join(snap.Roots, "\n"))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	for _, e := range snap.Entries {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO map_entries (version_hash, path, size_bytes, content_hash, symbols)
			 VALUES (?, ?, ?, ?, ?)`,
			snap.Version.Hash, e.Path, e.SizeBytes, e.ContentHash,
			strings.Join(e.Symbols, "\n"))
		if err != nil {
			return fmt.Errorf("insert entry %s: %w", e.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mirror tx: %w", err)
	}
	return nil
}

// QueryEntries ranks mirrored entries for a query string.
//
// Rows are pulled with a coarse LIKE prefilter, then scored with the
// same formula as the in-memory index so both backends agree. Results
// are ordered by score descending, path ascending.
func QueryEntries(ctx context.Context, db *sql.DB, versionHash, q string, limit int) ([]mapindex.Match, error) {
	tokens := mapindex.Tokenize(q)
	if len(tokens) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT path, symbols FROM map_entries WHERE version_hash = ?`
	args := []interface{}{versionHash}

	clauses := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		clauses = append(clauses, `(path LIKE ? OR symbols LIKE ?)`)
		like := "%" + tok + "%"
		args = append(args, like, like)
	}
	query += ` AND (` + strings.Join(clauses, " OR ") + `)`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query map entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []mapindex.Match
	for rows.Next() {
		var path string
		var symbols sql.NullString
		if err := rows.Scan(&path, &symbols); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		entry := mapindex.Entry{Path: path}
		if symbols.Valid && symbols.String != "" {
			entry.Symbols = strings.Split(symbols.String, "\n")
		}

		score := mapindex.ScoreEntry(&entry, tokens)
		if score <= 0 {
			continue
		}
		matches = append(matches, mapindex.Match{Path: path, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Path < matches[j].Path
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// HasSnapshot reports whether a version hash has been mirrored.
func HasSnapshot(ctx context.Context, db *sql.DB, versionHash string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM map_snapshots WHERE version_hash = ?`, versionHash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check snapshot: %w", err)
	}
	return n > 0, nil
}
