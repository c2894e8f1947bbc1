package mapindex

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Errors returned by Build.
var (
	// ErrTooManyFiles is returned when the walk exceeds MaxFiles.
	// The build fails closed: no partial snapshot is produced.
	ErrTooManyFiles = errors.New("file count exceeds max_files")

	// ErrUnreadableRoot is returned when a configured root cannot be
	// walked.
	ErrUnreadableRoot = errors.New("unreadable root")

	// ErrInvalidExclude is returned for an uncompilable exclude pattern.
	ErrInvalidExclude = errors.New("invalid exclude pattern")
)

// BuildParams configures a map build.
type BuildParams struct {
	// Roots are the directories to index. Required.
	Roots []string

	// Excludes are doublestar patterns matched against repo-relative
	// paths. Matching files are skipped.
	Excludes []string

	// MaxFiles caps the total indexed file count. Exceeding it fails
	// the build. Default: 50000.
	MaxFiles int

	// MaxFileBytes caps the size of files whose content is hashed and
	// parsed for symbols; larger files are indexed by metadata only.
	// Default: 1 MiB.
	MaxFileBytes int64

	// Incremental reuses entries from Previous when size+mtime are
	// unchanged, skipping the content hash and symbol re-parse.
	Incremental bool

	// Previous is the snapshot to reuse entries from. Required when
	// Incremental is true.
	Previous *Snapshot

	// Concurrency bounds parallel file hashing. Default: 4.
	Concurrency int
}

const (
	defaultMaxFiles     = 50000
	defaultMaxFileBytes = 1 << 20
	defaultConcurrency  = 4
)

// Build walks the roots and produces an immutable Snapshot.
//
// Fail-closed semantics: exceeding MaxFiles or failing to walk a root
// returns an error with no snapshot. Individual unreadable files inside
// a readable root are indexed by metadata with an empty content hash.
func Build(ctx context.Context, params BuildParams) (*Snapshot, error) {
	if len(params.Roots) == 0 {
		return nil, errors.New("at least one root is required")
	}
	if params.MaxFiles <= 0 {
		params.MaxFiles = defaultMaxFiles
	}
	if params.MaxFileBytes <= 0 {
		params.MaxFileBytes = defaultMaxFileBytes
	}
	if params.Concurrency <= 0 {
		params.Concurrency = defaultConcurrency
	}
	if params.Incremental && params.Previous == nil {
		return nil, errors.New("incremental build requires a previous snapshot")
	}
	for _, pat := range params.Excludes {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidExclude, pat)
		}
	}

	var previous map[string]Entry
	if params.Incremental {
		previous = make(map[string]Entry, len(params.Previous.Entries))
		for _, e := range params.Previous.Entries {
			previous[e.Path] = e
		}
	}

	candidates, err := walkRoots(params)
	if err != nil {
		return nil, err
	}

	entries, err := indexCandidates(ctx, candidates, previous, params)
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	hash, err := hashEntries(entries)
	if err != nil {
		return nil, err
	}

	roots := append([]string(nil), params.Roots...)
	sort.Strings(roots)

	return &Snapshot{
		Roots:   roots,
		Entries: entries,
		Version: Version{
			Hash:      hash,
			BuiltAt:   time.Now().UTC(),
			FileCount: len(entries),
		},
	}, nil
}

// candidate is a file discovered during the walk.
type candidate struct {
	relPath string
	absPath string
	size    int64
	mtime   time.Time
}

func walkRoots(params BuildParams) ([]candidate, error) {
	var out []candidate
	for _, root := range params.Roots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrUnreadableRoot, root)
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				if path == root {
					return fmt.Errorf("%w: %s", ErrUnreadableRoot, root)
				}
				// Unreadable subtree: skip, do not fail the build.
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}

			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)

			if d.IsDir() {
				if isHiddenSegment(d.Name()) && path != root {
					return fs.SkipDir
				}
				if matchesAny(params.Excludes, rel+"/") || matchesAny(params.Excludes, rel) {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if isHiddenSegment(d.Name()) {
				return nil
			}
			if matchesAny(params.Excludes, rel) {
				return nil
			}

			fi, infoErr := d.Info()
			if infoErr != nil {
				return nil
			}

			out = append(out, candidate{
				relPath: rel,
				absPath: path,
				size:    fi.Size(),
				mtime:   fi.ModTime(),
			})
			if len(out) > params.MaxFiles {
				return fmt.Errorf("%w: limit %d", ErrTooManyFiles, params.MaxFiles)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// indexCandidates hashes and parses candidates with bounded
// concurrency, reusing previous entries when incremental.
func indexCandidates(ctx context.Context, candidates []candidate, previous map[string]Entry, params BuildParams) ([]Entry, error) {
	entries := make([]Entry, len(candidates))
	sem := make(chan struct{}, params.Concurrency)

	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	for i, c := range candidates {
		if prev, ok := previous[c.relPath]; ok &&
			prev.SizeBytes == c.size && prev.ModTimeUnixNano == c.mtime.UnixNano() {
			entries[i] = prev
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, c candidate) {
			defer wg.Done()
			defer func() { <-sem }()

			entry, err := indexFile(c, params.MaxFileBytes)
			if err != nil {
				errOnce.Do(func() { firstErr = err })
				return
			}
			entries[i] = entry
		}(i, c)
	}

	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func indexFile(c candidate, maxFileBytes int64) (Entry, error) {
	entry := Entry{
		Path:            c.relPath,
		SizeBytes:       c.size,
		ModTimeUnixNano: c.mtime.UnixNano(),
	}

	if c.size > maxFileBytes {
		// Metadata-only entry for oversized files.
		return entry, nil
	}

	f, err := os.Open(c.absPath)
	if err != nil {
		// Unreadable file inside a readable root: metadata-only.
		return entry, nil
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	symbols := extractSymbols(c.relPath, io.TeeReader(f, h))
	// Drain the remainder so the hash covers the full content even when
	// symbol extraction stopped early.
	if _, err := io.Copy(io.Discard, io.TeeReader(f, h)); err != nil {
		return Entry{}, fmt.Errorf("hash %s: %w", c.relPath, err)
	}

	entry.ContentHash = hex.EncodeToString(h.Sum(nil))
	entry.Symbols = symbols
	return entry, nil
}

var symbolPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^func\s+(?:\([^)]*\)\s*)?([A-Za-z_][A-Za-z0-9_]*)`),
	regexp.MustCompile(`^type\s+([A-Za-z_][A-Za-z0-9_]*)`),
	regexp.MustCompile(`^(?:def|class)\s+([A-Za-z_][A-Za-z0-9_]*)`),
	regexp.MustCompile(`^(?:export\s+)?(?:function|class|const)\s+([A-Za-z_$][A-Za-z0-9_$]*)`),
	regexp.MustCompile(`^#{1,4}\s+(.+)$`),
}

// extractSymbols runs a shallow line scan for declaration-like lines.
// It is intentionally language-naive: the index only needs enough
// signal for relevance scoring, not a real parser.
func extractSymbols(path string, r io.Reader) []string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go", ".py", ".js", ".ts", ".jsx", ".tsx", ".md", ".rs", ".java":
	default:
		return nil
	}

	const maxSymbols = 64
	var symbols []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		for _, re := range symbolPatterns {
			if m := re.FindStringSubmatch(line); m != nil {
				symbols = append(symbols, strings.TrimSpace(m[1]))
				break
			}
		}
		if len(symbols) >= maxSymbols {
			break
		}
	}
	return symbols
}

func matchesAny(patterns []string, rel string) bool {
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func isHiddenSegment(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
