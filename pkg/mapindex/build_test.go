package mapindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestBuild_IdempotentVersionHash(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "pkg/server/server.go", "package server\n\nfunc Start() {}\n")
	writeFile(t, root, "pkg/store/store.go", "package store\n\ntype Store struct{}\n")
	writeFile(t, root, "README.md", "# demo\n")

	first, err := Build(context.Background(), BuildParams{Roots: []string{root}})
	require.NoError(t, err)

	second, err := Build(context.Background(), BuildParams{Roots: []string{root}})
	require.NoError(t, err)

	assert.Equal(t, first.Version.Hash, second.Version.Hash)
	assert.Equal(t, 3, first.Version.FileCount)
}

func TestBuild_HashChangesWithContent(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "main.go", "package main\n")

	first, err := Build(context.Background(), BuildParams{Roots: []string{root}})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("package main\n\nfunc main() {}\n"), 0644))

	second, err := Build(context.Background(), BuildParams{Roots: []string{root}})
	require.NoError(t, err)

	assert.NotEqual(t, first.Version.Hash, second.Version.Hash)
}

func TestBuild_IncrementalReusesUnchangedEntries(t *testing.T) {
	root := t.TempDir()
	stablePath := writeFile(t, root, "stable.go", "package stable\n")
	writeFile(t, root, "changing.go", "package changing\n")

	// Pin a stable mtime so the incremental check is deterministic.
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stablePath, past, past))

	first, err := Build(context.Background(), BuildParams{Roots: []string{root}})
	require.NoError(t, err)

	writeFile(t, root, "changing.go", "package changing\n\nfunc New() {}\n")

	second, err := Build(context.Background(), BuildParams{
		Roots:       []string{root},
		Incremental: true,
		Previous:    first,
	})
	require.NoError(t, err)

	// Unchanged file carries over, changed file is re-indexed.
	assert.Equal(t, first.Lookup("stable.go").ContentHash, second.Lookup("stable.go").ContentHash)
	assert.NotEqual(t, first.Lookup("changing.go").ContentHash, second.Lookup("changing.go").ContentHash)

	// A full rebuild must agree with the incremental one.
	full, err := Build(context.Background(), BuildParams{Roots: []string{root}})
	require.NoError(t, err)
	assert.Equal(t, full.Version.Hash, second.Version.Hash)
}

func TestBuild_FailsClosedOnMaxFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")
	writeFile(t, root, "b.go", "package b\n")
	writeFile(t, root, "c.go", "package c\n")

	_, err := Build(context.Background(), BuildParams{Roots: []string{root}, MaxFiles: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyFiles)
}

func TestBuild_FailsClosedOnUnreadableRoot(t *testing.T) {
	_, err := Build(context.Background(), BuildParams{
		Roots: []string{filepath.Join(t.TempDir(), "does-not-exist")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreadableRoot)
}

func TestBuild_Excludes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep/main.go", "package main\n")
	writeFile(t, root, "vendor/dep/dep.go", "package dep\n")
	writeFile(t, root, "notes.log", "x\n")

	snap, err := Build(context.Background(), BuildParams{
		Roots:    []string{root},
		Excludes: []string{"vendor/**", "*.log"},
	})
	require.NoError(t, err)

	assert.NotNil(t, snap.Lookup("keep/main.go"))
	assert.Nil(t, snap.Lookup("vendor/dep/dep.go"))
	assert.Nil(t, snap.Lookup("notes.log"))
}

func TestBuild_InvalidExcludePattern(t *testing.T) {
	_, err := Build(context.Background(), BuildParams{
		Roots:    []string{t.TempDir()},
		Excludes: []string{"[unclosed"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidExclude)
}

func TestExtractSymbols_GoDeclarations(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "svc.go", "package svc\n\ntype Registry struct{}\n\nfunc (r *Registry) Claim() {}\n\nfunc NewRegistry() *Registry { return nil }\n")

	snap, err := Build(context.Background(), BuildParams{Roots: []string{root}})
	require.NoError(t, err)

	entry := snap.Lookup("svc.go")
	require.NotNil(t, entry)
	assert.Contains(t, entry.Symbols, "Registry")
	assert.Contains(t, entry.Symbols, "Claim")
	assert.Contains(t, entry.Symbols, "NewRegistry")
}
