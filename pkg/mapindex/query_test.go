package mapindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot() *Snapshot {
	return &Snapshot{
		Entries: []Entry{
			{Path: "internal/dispatch/claim.go", Symbols: []string{"Claim", "Registry"}},
			{Path: "internal/dispatch/heartbeat.go", Symbols: []string{"Heartbeat"}},
			{Path: "pkg/verdict/engine.go", Symbols: []string{"Decide", "Verdict"}},
			{Path: "docs/claims.md", Symbols: []string{"Claim protocol"}},
		},
	}
}

func TestQuery_Deterministic(t *testing.T) {
	snap := testSnapshot()

	first := Query(snap, "claim dispatch", 10)
	second := Query(snap, "claim dispatch", 10)

	require.Equal(t, first, second)
	require.NotEmpty(t, first)
	assert.Equal(t, "internal/dispatch/claim.go", first[0].Path)
}

func TestQuery_TieBreakLexical(t *testing.T) {
	snap := &Snapshot{
		Entries: []Entry{
			{Path: "b/worker.go"},
			{Path: "a/worker.go"},
		},
	}

	got := Query(snap, "worker", 10)
	require.Len(t, got, 2)
	assert.Equal(t, "a/worker.go", got[0].Path)
	assert.Equal(t, "b/worker.go", got[1].Path)
	assert.Equal(t, got[0].Score, got[1].Score)
}

func TestQuery_Limit(t *testing.T) {
	snap := testSnapshot()
	got := Query(snap, "claim", 1)
	assert.Len(t, got, 1)
}

func TestQuery_NoTokens(t *testing.T) {
	assert.Nil(t, Query(testSnapshot(), "  ", 10))
}

func TestHolder_SwapAndResolve(t *testing.T) {
	h := NewHolder()
	assert.Nil(t, h.Current())

	snap := testSnapshot()
	snap.Version.Hash = "abc123"
	h.Swap(snap)

	got, ok := h.Resolve("abc123")
	require.True(t, ok)
	assert.Same(t, snap, got)

	_, ok = h.Resolve("stale-hash")
	assert.False(t, ok)

	// Empty hash resolves to whatever is current.
	got, ok = h.Resolve("")
	require.True(t, ok)
	assert.Same(t, snap, got)
}
