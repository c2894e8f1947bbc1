package mapstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millwork/taskmill/pkg/mapindex"
)

func testSnap() *mapindex.Snapshot {
	return &mapindex.Snapshot{
		Roots: []string{"/repo"},
		Entries: []mapindex.Entry{
			{Path: "internal/dispatch/claim.go", SizeBytes: 100, ContentHash: "aa", Symbols: []string{"Claim", "Registry"}},
			{Path: "pkg/verdict/engine.go", SizeBytes: 200, ContentHash: "bb", Symbols: []string{"Decide"}},
		},
		Version: mapindex.Version{Hash: "v1hash", BuiltAt: time.Now().UTC(), FileCount: 2},
	}
}

func TestMirrorSnapshot_AgreesWithMemoryIndex(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	require.NoError(t, Migrate(ctx, db))

	snap := testSnap()
	require.NoError(t, MirrorSnapshot(ctx, db, snap))

	// Mirroring the same version again is a no-op.
	require.NoError(t, MirrorSnapshot(ctx, db, snap))

	ok, err := HasSnapshot(ctx, db, "v1hash")
	require.NoError(t, err)
	assert.True(t, ok)

	fromStore, err := QueryEntries(ctx, db, "v1hash", "claim", 10)
	require.NoError(t, err)
	fromMemory := mapindex.Query(snap, "claim", 10)

	assert.Equal(t, fromMemory, fromStore)
}

func TestQueryEntries_UnknownVersion(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	require.NoError(t, Migrate(ctx, db))

	matches, err := QueryEntries(ctx, db, "missing", "claim", 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestBuildDSN_StrictWhenAbsent(t *testing.T) {
	_, err := buildDSN(Config{})
	assert.ErrorIs(t, err, ErrStoreAbsent)
}
