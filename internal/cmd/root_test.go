package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "set all values", version: "1.0.0", commit: "abc123", buildDate: "2026-08-01"},
		{name: "set dev version", version: "dev", commit: "HEAD", buildDate: "unknown"},
		{name: "set empty values", version: "", commit: "", buildDate: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitError(t *testing.T) {
	t.Run("carries the exit code", func(t *testing.T) {
		err := exitError(foundry.ExitInvalidArgument, "Bad flag", errors.New("boom"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Bad flag")
		assert.Contains(t, err.Error(), "boom")

		code, ok := exitCodeOf(err)
		require.True(t, ok)
		assert.Equal(t, foundry.ExitInvalidArgument, code)
	})

	t.Run("code survives wrapping", func(t *testing.T) {
		inner := exitError(foundry.ExitFileNotFound, "Missing verdict", errors.New("no file"))
		wrapped := fmt.Errorf("command failed: %w", inner)

		code, ok := exitCodeOf(wrapped)
		require.True(t, ok)
		assert.Equal(t, foundry.ExitFileNotFound, code)
	})

	t.Run("plain errors have no code", func(t *testing.T) {
		_, ok := exitCodeOf(errors.New("plain"))
		assert.False(t, ok)
	})

	t.Run("nil cause still produces a message", func(t *testing.T) {
		err := exitError(foundry.ExitInvalidArgument, "Bad flag", nil)
		require.Error(t, err)
		assert.Equal(t, "Bad flag", err.Error())
	})
}
