package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `
policies:
  - role: exec
    version: "2026.08"
    forbidden_paths:
      - "secrets/**"
      - ".github/workflows/**"
  - role: control_plane
    version: "2026.08"
    forbidden_paths: []
    allowed_paths:
      - "internal/**"
`

func TestParse_RoundTrip(t *testing.T) {
	set, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	assert.Equal(t, []string{"control_plane", "exec"}, set.Roles())

	p, err := set.ForRole("exec")
	require.NoError(t, err)
	assert.Equal(t, "2026.08", p.Version)
	assert.Contains(t, p.ForbiddenPaths, "secrets/**")
}

func TestForRole_MissingIsError(t *testing.T) {
	set, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	_, err = set.ForRole("reviewer")
	assert.ErrorIs(t, err, ErrRoleNotFound)
}

func TestForRole_NilSet(t *testing.T) {
	var set *Set
	_, err := set.ForRole("exec")
	assert.ErrorIs(t, err, ErrRoleNotFound)
}

func TestParse_RejectsDuplicates(t *testing.T) {
	doc := `
policies:
  - role: exec
  - role: exec
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestParse_RejectsEmptyRole(t *testing.T) {
	doc := `
policies:
  - role: ""
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
}
