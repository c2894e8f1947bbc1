package pins

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/millwork/taskmill/pkg/mapindex"
)

const (
	defaultMaxFiles    = 8
	defaultMaxLOC      = 800
	defaultMaxTokens   = 12000
	defaultWindowLines = 120

	// stacktraceBoost is added to the score of any candidate whose
	// path appears in the request's stacktrace paths.
	stacktraceBoost = 10

	// tokensPerLine is the estimation factor used against MaxTokens.
	// Coarse on purpose: the budget is a guardrail, not an accountant.
	tokensPerLine = 12
)

// Builder selects pins against map snapshots.
type Builder struct {
	// RepoRoot locates files on disk for window expansion. When a
	// selected file cannot be read, the window defaults to the top of
	// the file.
	RepoRoot string
}

// Build computes the minimal PinsSpec for the request.
//
// The snapshot is supplied by the caller (already resolved against the
// requested map version); backend names the query path that produced
// it for the audit detail.
func (b *Builder) Build(snap *mapindex.Snapshot, req Request, backend string) (*Result, error) {
	if snap == nil {
		return nil, &BuildError{Code: CodeMapStale, Message: "map snapshot unavailable"}
	}
	if req.MapVersion != "" && req.MapVersion != snap.Version.Hash {
		return nil, &BuildError{
			Code:    CodeMapStale,
			Message: fmt.Sprintf("requested map version %s, current is %s", req.MapVersion, snap.Version.Hash),
		}
	}

	budgets := req.Budgets
	if budgets.MaxFiles <= 0 {
		budgets.MaxFiles = defaultMaxFiles
	}
	if budgets.MaxLOC <= 0 {
		budgets.MaxLOC = defaultMaxLOC
	}
	if budgets.MaxTokens <= 0 {
		budgets.MaxTokens = defaultMaxTokens
	}
	windowLines := req.WindowLines
	if windowLines <= 0 {
		windowLines = defaultWindowLines
	}

	tokens := mapindex.Tokenize(req.Goal + " " + strings.Join(req.Signals, " "))
	candidates := b.scoreCandidates(snap, tokens, req)
	if len(candidates) == 0 {
		return nil, &BuildError{
			Code:    CodePinsInsufficient,
			Message: fmt.Sprintf("no candidate files matched task %s", req.TaskID),
		}
	}

	detail := Detail{
		Backend:        backend,
		MapVersion:     snap.Version.Hash,
		CandidateCount: len(candidates),
	}

	// Selection by descending score, truncated at the first exceeded
	// budget. Truncation is always recorded, never silent.
	var (
		windows   []Window
		allowed   []string
		usedLOC   int
		usedToken int
	)
	for _, c := range candidates {
		if len(allowed) >= budgets.MaxFiles {
			detail.Truncated = true
			detail.TruncatedBy = "max_files"
			break
		}

		w := b.expandWindow(c.path, tokens, windowLines)
		w.Score = c.score

		loc := w.EndLine - w.StartLine + 1
		if usedLOC+loc > budgets.MaxLOC {
			detail.Truncated = true
			detail.TruncatedBy = "max_loc"
			break
		}
		if usedToken+loc*tokensPerLine > budgets.MaxTokens {
			detail.Truncated = true
			detail.TruncatedBy = "max_pins_tokens"
			break
		}

		usedLOC += loc
		usedToken += loc * tokensPerLine
		allowed = append(allowed, c.path)
		windows = append(windows, w)
	}

	if len(allowed) == 0 {
		return nil, &BuildError{
			Code:    CodePinsInsufficient,
			Message: fmt.Sprintf("budgets admit zero files for task %s", req.TaskID),
		}
	}
	if !detail.Truncated && len(candidates) > len(allowed) {
		detail.Truncated = true
		detail.TruncatedBy = "max_files"
	}

	sort.Strings(allowed)

	forbidden := normalizePaths(req.ForbiddenPaths)

	return &Result{
		OK:     true,
		TaskID: req.TaskID,
		Spec: Spec{
			AllowedPaths:   allowed,
			ForbiddenPaths: forbidden,
			Budgets:        budgets,
		},
		Windows: windows,
		Detail:  detail,
	}, nil
}

type scoredPath struct {
	path  string
	score float64
}

func (b *Builder) scoreCandidates(snap *mapindex.Snapshot, tokens []string, req Request) []scoredPath {
	boosted := make(map[string]bool, len(req.StacktracePaths))
	for _, p := range req.StacktracePaths {
		boosted[filepath.ToSlash(strings.TrimSpace(p))] = true
	}

	out := make([]scoredPath, 0, 32)
	for i := range snap.Entries {
		e := &snap.Entries[i]
		if matchesAnyPattern(req.ForbiddenPaths, e.Path) {
			continue
		}

		score := mapindex.ScoreEntry(e, tokens)
		if boosted[e.Path] {
			score += stacktraceBoost
		}
		if score <= 0 {
			continue
		}
		out = append(out, scoredPath{path: e.Path, score: score})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].path < out[j].path
	})
	return out
}

// expandWindow finds the densest token region in the file and returns
// a window of windowLines around it. Unreadable files get the top of
// the file, which keeps the result deterministic.
func (b *Builder) expandWindow(path string, tokens []string, windowLines int) Window {
	w := Window{Path: path, StartLine: 1, EndLine: windowLines}

	f, err := os.Open(filepath.Join(b.RepoRoot, filepath.FromSlash(path)))
	if err != nil {
		return w
	}
	defer func() { _ = f.Close() }()

	bestLine, bestHits, total := 0, 0, 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		total++
		line := strings.ToLower(scanner.Text())
		hits := 0
		for _, tok := range tokens {
			if strings.Contains(line, tok) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			bestLine = total
		}
	}
	if total == 0 {
		return w
	}

	half := windowLines / 2
	start := bestLine - half
	if start < 1 {
		start = 1
	}
	end := start + windowLines - 1
	if end > total {
		end = total
		if end-windowLines+1 >= 1 {
			start = end - windowLines + 1
		} else {
			start = 1
		}
	}

	w.StartLine = start
	w.EndLine = end
	return w
}

func matchesAnyPattern(patterns []string, path string) bool {
	for _, pat := range patterns {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		if ok, err := doublestar.Match(pat, path); err == nil && ok {
			return true
		}
		if pat == path {
			return true
		}
	}
	return false
}

func normalizePaths(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(filepath.ToSlash(v))
		if v != "" {
			unique[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(unique))
	for v := range unique {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
