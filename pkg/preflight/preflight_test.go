package preflight

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millwork/taskmill/pkg/mapindex"
	"github.com/millwork/taskmill/pkg/pins"
	"github.com/millwork/taskmill/pkg/policy"
)

func execPolicy() *policy.RolePolicy {
	return &policy.RolePolicy{
		Role:           "exec",
		Version:        "2026.08",
		ForbiddenPaths: []string{"secrets/**", ".github/workflows/**"},
	}
}

func openPins() pins.Spec {
	return pins.Spec{
		AllowedPaths:   []string{"internal/dispatch/claim.go", "pkg/verdict/**"},
		ForbiddenPaths: []string{"pkg/verdict/testdata/**"},
	}
}

func TestRun_PassInsideScope(t *testing.T) {
	res := Run(Input{
		TaskID:        "t-1",
		DeclaredFiles: []string{"internal/dispatch/claim.go", "pkg/verdict/engine.go"},
		Pins:          openPins(),
		RolePolicy:    execPolicy(),
		PinsVersion:   "maphash1",
	})

	assert.True(t, res.Pass)
	assert.Empty(t, res.Violations)
	assert.Equal(t, "maphash1", res.PinsVersion)
	assert.Equal(t, "2026.08", res.PolicyVersion)
}

func TestRun_FailClosedOnEmptyAllowlist(t *testing.T) {
	res := Run(Input{
		TaskID:        "t-2",
		DeclaredFiles: []string{"pkg/verdict/engine.go"},
		Pins:          pins.Spec{},
		RolePolicy:    execPolicy(),
	})

	assert.False(t, res.Pass)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, ReasonEmptyAllowlist, res.Violations[0].Reason)
}

func TestRun_FailClosedOnMissingPolicy(t *testing.T) {
	res := Run(Input{
		TaskID:        "t-3",
		DeclaredFiles: []string{"pkg/verdict/engine.go"},
		Pins:          openPins(),
		RolePolicy:    nil,
	})

	assert.False(t, res.Pass)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, ReasonMissingPolicy, res.Violations[0].Reason)
}

func TestRun_DeclaredOutsideAllowed(t *testing.T) {
	res := Run(Input{
		TaskID:        "t-4",
		DeclaredFiles: []string{"cmd/taskmill/main.go"},
		Pins:          openPins(),
		RolePolicy:    execPolicy(),
	})

	assert.False(t, res.Pass)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, ReasonOutsideAllowed, res.Violations[0].Reason)
	assert.Equal(t, "cmd/taskmill/main.go", res.Violations[0].Path)
}

func TestRun_PinForbiddenOutranksAllowed(t *testing.T) {
	res := Run(Input{
		TaskID:        "t-5",
		DeclaredFiles: []string{"pkg/verdict/testdata/fixture.json"},
		Pins:          openPins(),
		RolePolicy:    execPolicy(),
	})

	assert.False(t, res.Pass)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, ReasonPinForbidden, res.Violations[0].Reason)
	assert.Equal(t, "pkg/verdict/testdata/**", res.Violations[0].Pattern)
}

func TestRun_RolePolicyForbidden(t *testing.T) {
	spec := openPins()
	spec.AllowedPaths = append(spec.AllowedPaths, "secrets/api_key.txt")

	res := Run(Input{
		TaskID:        "t-6",
		DeclaredFiles: []string{"secrets/api_key.txt"},
		Pins:          spec,
		RolePolicy:    execPolicy(),
	})

	assert.False(t, res.Pass)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, ReasonPolicyForbidden, res.Violations[0].Reason)
}

func TestRun_SingleStarDoesNotCrossSegments(t *testing.T) {
	spec := pins.Spec{AllowedPaths: []string{"pkg/*.go"}}

	res := Run(Input{
		TaskID:        "t-7",
		DeclaredFiles: []string{"pkg/verdict/engine.go"},
		Pins:          spec,
		RolePolicy:    execPolicy(),
	})

	assert.False(t, res.Pass)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, ReasonOutsideAllowed, res.Violations[0].Reason)
}

func TestRun_DeclaredFileMustExistInMap(t *testing.T) {
	snap := &mapindex.Snapshot{
		Entries: []mapindex.Entry{{Path: "pkg/verdict/engine.go"}},
	}

	res := Run(Input{
		TaskID:        "t-8",
		DeclaredFiles: []string{"pkg/verdict/missing.go"},
		Pins:          openPins(),
		RolePolicy:    execPolicy(),
		Snapshot:      snap,
	})

	assert.False(t, res.Pass)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, ReasonNotInMap, res.Violations[0].Reason)
}

func TestRun_EmptyDeclaredListPasses(t *testing.T) {
	res := Run(Input{TaskID: "t-9", Pins: openPins(), RolePolicy: execPolicy()})
	assert.True(t, res.Pass)
}

func TestRun_Deterministic(t *testing.T) {
	in := Input{
		TaskID:        "t-10",
		DeclaredFiles: []string{"b.go", "a.go", "b.go"},
		Pins:          pins.Spec{AllowedPaths: []string{"a.go"}},
		RolePolicy:    execPolicy(),
	}

	first := Run(in)
	second := Run(in)
	assert.Equal(t, first, second)
	require.Len(t, first.Violations, 1)
	assert.Equal(t, "b.go", first.Violations[0].Path)
}

func TestValidatePatterns(t *testing.T) {
	assert.NoError(t, ValidatePatterns([]string{"pkg/**", "*.go", ""}))
	assert.Error(t, ValidatePatterns([]string{"pkg/[bad"}))
}
