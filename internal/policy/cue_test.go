package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwmanager/fleetdata/internal/reconcile"
)

func writePolicyFile(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.cue")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestLoadFile_FullPolicy(t *testing.T) {
	path := writePolicyFile(t, `
name: "branch-office"
allowCategories: ["docs", "dict"]
denyKeys: ["wb:settings"]
allowUnknownKeys: false
allowedModes: ["merge", "overwrite", "skip"]
allowDeleteMissing: true
`)

	p, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "branch-office", p.Name)
	assert.Equal(t, []Category{CategoryDocs, CategoryDict}, p.AllowCategories)
	assert.True(t, p.DenyKeys["wb:settings"])
	assert.False(t, p.AllowUnknownKeys)
	assert.True(t, p.AllowDeleteMissing)
	assert.True(t, p.ModeAllowed(reconcile.ModeOverwrite))
}

func TestLoadFile_DefaultsFilled(t *testing.T) {
	p, err := LoadFile(writePolicyFile(t, `name: "minimal"`))
	require.NoError(t, err)

	assert.Equal(t, "minimal", p.Name)
	assert.Nil(t, p.AllowCategories) // all categories allowed
	assert.Empty(t, p.DenyKeys)
	assert.False(t, p.AllowUnknownKeys)
	assert.False(t, p.AllowDeleteMissing)
	assert.Equal(t, []reconcile.Mode{reconcile.ModeMerge, reconcile.ModeSkip}, p.AllowedModes)
}

func TestLoadFile_RejectsBadCategory(t *testing.T) {
	_, err := LoadFile(writePolicyFile(t, `
name: "bad"
allowCategories: ["documents"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy")
}

func TestLoadFile_RejectsBadMode(t *testing.T) {
	_, err := LoadFile(writePolicyFile(t, `
name: "bad"
allowedModes: ["replace"]
`))
	require.Error(t, err)
}

func TestLoadFile_RejectsEmptyName(t *testing.T) {
	_, err := LoadFile(writePolicyFile(t, `name: ""`))
	require.Error(t, err)
}

func TestLoadFile_RejectsMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.cue"))
	require.Error(t, err)
}

func TestLoadFile_RejectsEmptyModeList(t *testing.T) {
	_, err := LoadFile(writePolicyFile(t, `
name: "no-modes"
allowedModes: []
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no update modes")
}
