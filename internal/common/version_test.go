package common

import (
	"os"
	"path/filepath"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreVersion(t *testing.T) {
	v, b, c := Version, Build, GitCommit
	t.Cleanup(func() { Version, Build, GitCommit = v, b, c })
}

func TestApplyVersionFile(t *testing.T) {
	restoreVersion(t)
	path := filepath.Join(t.TempDir(), ".version")

	applyVersionFile(path)
	assert.Equal(t, "dev", Version, "missing file keeps the default")

	require.NoError(t, os.WriteFile(path, []byte("1.4.0\n"), 0644))
	applyVersionFile(path)
	assert.Equal(t, "1.4.0", Version)
}

func TestApplyBuildSettings(t *testing.T) {
	restoreVersion(t)
	Build, GitCommit = "unknown", "unknown"

	applyBuildSettings([]debug.BuildSetting{
		{Key: "vcs.revision", Value: "3f9c2a1d7e"},
		{Key: "vcs.time", Value: "2026-10-01T08:00:00Z"},
	})
	assert.Equal(t, "3f9c2a1", GitCommit)
	assert.Equal(t, "2026-10-01T08:00:00Z", Build)

	// Linker stamps win
	GitCommit = "release"
	applyBuildSettings([]debug.BuildSetting{{Key: "vcs.revision", Value: "0000000000"}})
	assert.Equal(t, "release", GitCommit)
}
