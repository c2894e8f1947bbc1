package pins

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millwork/taskmill/pkg/mapindex"
)

func snapFor(entries ...mapindex.Entry) *mapindex.Snapshot {
	return &mapindex.Snapshot{
		Entries: entries,
		Version: mapindex.Version{Hash: "maphash1", FileCount: len(entries)},
	}
}

func TestBuild_Deterministic(t *testing.T) {
	snap := snapFor(
		mapindex.Entry{Path: "internal/dispatch/claim.go", Symbols: []string{"Claim"}},
		mapindex.Entry{Path: "internal/dispatch/heartbeat.go", Symbols: []string{"Heartbeat"}},
		mapindex.Entry{Path: "pkg/verdict/engine.go", Symbols: []string{"Decide"}},
	)
	b := &Builder{RepoRoot: t.TempDir()}
	req := Request{TaskID: "t-1", Goal: "fix claim races in dispatch"}

	first, err := b.Build(snap, req, "memory")
	require.NoError(t, err)
	second, err := b.Build(snap, req, "memory")
	require.NoError(t, err)

	assert.Equal(t, first.Spec, second.Spec)
	assert.Equal(t, first.Windows, second.Windows)
	assert.True(t, first.OK)
	assert.Equal(t, "maphash1", first.Detail.MapVersion)
}

func TestBuild_ScopeClosure(t *testing.T) {
	snap := snapFor(
		mapindex.Entry{Path: "internal/dispatch/claim.go"},
		mapindex.Entry{Path: "secrets/claim_keys.go"},
	)
	b := &Builder{RepoRoot: t.TempDir()}

	res, err := b.Build(snap, Request{
		TaskID:         "t-2",
		Goal:           "claim",
		ForbiddenPaths: []string{"secrets/**"},
	}, "memory")
	require.NoError(t, err)

	for _, allowed := range res.Spec.AllowedPaths {
		for _, forbidden := range res.Spec.ForbiddenPaths {
			assert.NotEqual(t, forbidden, allowed, "allowed and forbidden must not intersect")
		}
		assert.False(t, strings.HasPrefix(allowed, "secrets/"))
	}
}

func TestBuild_MaxFilesTruncationRecorded(t *testing.T) {
	snap := snapFor(
		mapindex.Entry{Path: "a/worker.go"},
		mapindex.Entry{Path: "b/worker.go"},
		mapindex.Entry{Path: "c/worker.go"},
	)
	b := &Builder{RepoRoot: t.TempDir()}

	res, err := b.Build(snap, Request{
		TaskID:  "t-3",
		Goal:    "worker",
		Budgets: Budgets{MaxFiles: 2},
	}, "memory")
	require.NoError(t, err)

	assert.Len(t, res.Spec.AllowedPaths, 2)
	assert.True(t, res.Detail.Truncated)
	assert.Equal(t, "max_files", res.Detail.TruncatedBy)
}

func TestBuild_TokenBudgetTruncation(t *testing.T) {
	snap := snapFor(
		mapindex.Entry{Path: "a/worker.go"},
		mapindex.Entry{Path: "b/worker.go"},
	)
	b := &Builder{RepoRoot: t.TempDir()}

	// One default window (120 lines) costs 1440 estimated tokens.
	res, err := b.Build(snap, Request{
		TaskID:  "t-4",
		Goal:    "worker",
		Budgets: Budgets{MaxTokens: 1500},
	}, "memory")
	require.NoError(t, err)

	assert.Len(t, res.Spec.AllowedPaths, 1)
	assert.True(t, res.Detail.Truncated)
	assert.Equal(t, "max_pins_tokens", res.Detail.TruncatedBy)
}

func TestBuild_NoCandidatesIsStructuredError(t *testing.T) {
	snap := snapFor(mapindex.Entry{Path: "pkg/verdict/engine.go"})
	b := &Builder{RepoRoot: t.TempDir()}

	_, err := b.Build(snap, Request{TaskID: "t-5", Goal: "zzzqqq"}, "memory")
	require.Error(t, err)

	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, CodePinsInsufficient, be.Code)
}

func TestBuild_StaleMapVersion(t *testing.T) {
	snap := snapFor(mapindex.Entry{Path: "a.go"})
	b := &Builder{RepoRoot: t.TempDir()}

	_, err := b.Build(snap, Request{TaskID: "t-6", Goal: "a", MapVersion: "other"}, "memory")
	require.Error(t, err)

	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, CodeMapStale, be.Code)
}

func TestBuild_StacktraceBoost(t *testing.T) {
	snap := snapFor(
		mapindex.Entry{Path: "pkg/a/alpha.go", Symbols: []string{"ParseInput"}},
		mapindex.Entry{Path: "pkg/b/beta.go", Symbols: []string{"ParseInput"}},
	)
	b := &Builder{RepoRoot: t.TempDir()}

	res, err := b.Build(snap, Request{
		TaskID:          "t-7",
		Goal:            "ParseInput panics",
		StacktracePaths: []string{"pkg/b/beta.go"},
		Budgets:         Budgets{MaxFiles: 1},
	}, "memory")
	require.NoError(t, err)

	require.Len(t, res.Windows, 1)
	assert.Equal(t, "pkg/b/beta.go", res.Windows[0].Path)
}

func TestExpandWindow_CentersOnDensestRegion(t *testing.T) {
	root := t.TempDir()
	var sb strings.Builder
	for i := 1; i <= 200; i++ {
		if i == 150 {
			sb.WriteString("func handleClaim() {} // claim claim claim\n")
			continue
		}
		sb.WriteString("// filler\n")
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "c.go"), []byte(sb.String()), 0644))

	b := &Builder{RepoRoot: root}
	w := b.expandWindow("pkg/c.go", []string{"claim"}, 40)

	assert.LessOrEqual(t, w.StartLine, 150)
	assert.GreaterOrEqual(t, w.EndLine, 150)
	assert.Equal(t, 40, w.EndLine-w.StartLine+1)
}
