package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/rules"
)

// workspace writes a config whose state lives in a temp dir and returns the
// global flags pointing at it.
func workspace(t *testing.T) (dir string, args []string) {
	t.Helper()
	dir = t.TempDir()
	cfg := filepath.Join(dir, "appwall.hcl")
	require.NoError(t, os.WriteFile(cfg, []byte("state_dir = \""+filepath.ToSlash(dir)+"\"\n"), 0o644))
	t.Cleanup(func() { logging.SetDefault(logging.Discard()) })
	return dir, []string{"-config", cfg, "-dry-run"}
}

func openRules(t *testing.T, dir string) *rules.Store {
	t.Helper()
	s, err := rules.Open(rules.Options{Path: filepath.Join(dir, "rules.json"), Logger: logging.Discard()})
	require.NoError(t, err)
	return s
}

func TestBlockAllowRemove(t *testing.T) {
	dir, flags := workspace(t)
	bin := filepath.Join(dir, "tool")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))
	canonical, err := filepath.EvalSymlinks(bin)
	require.NoError(t, err)

	require.NoError(t, RunSetState("block", rules.Blocked, append(flags, bin)))
	assert.Equal(t, rules.Blocked, openRules(t, dir).Get(canonical).State)

	require.NoError(t, RunSetState("allow", rules.Allowed, append(flags, bin)))
	assert.Equal(t, rules.Allowed, openRules(t, dir).Get(canonical).State)

	require.NoError(t, RunRemove(append(flags, bin)))
	_, has := openRules(t, dir).Lookup(canonical)
	assert.False(t, has)

	err = RunRemove(append(flags, bin))
	assert.Equal(t, ExitNotFound, ExitCode(err))
}

func TestBlockMissingExecutable(t *testing.T) {
	dir, flags := workspace(t)

	err := RunSetState("block", rules.Blocked, append(flags, filepath.Join(dir, "missing")))
	assert.True(t, awerrors.IsKind(err, awerrors.KindNotFound))
	assert.Equal(t, ExitNotFound, ExitCode(err))
}

func TestBlockUsage(t *testing.T) {
	_, flags := workspace(t)
	err := RunSetState("block", rules.Blocked, flags)
	assert.Equal(t, ExitUsage, ExitCode(err))
}

func TestLegacyImportOnFirstRun(t *testing.T) {
	dir, flags := workspace(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blocked_apps.json"), []byte(`["/usr/bin/legacy"]`), 0o644))

	require.NoError(t, RunRefresh(flags))
	assert.Equal(t, rules.Blocked, openRules(t, dir).Get("/usr/bin/legacy").State)
}

func TestHistoryRecordsChanges(t *testing.T) {
	dir, flags := workspace(t)
	bin := filepath.Join(dir, "tool")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	require.NoError(t, RunSetState("block", rules.Blocked, append(flags, bin)))
	require.NoError(t, RunHistory(append(flags, "-limit", "5")))
	assert.FileExists(t, filepath.Join(dir, "journal.db"))

	err := RunHistory(append(flags, "-kind", "bogus"))
	assert.Equal(t, ExitUsage, ExitCode(err))
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "appwall.hcl")

	require.NoError(t, RunConfig([]string{"init", "-config", path}))
	assert.FileExists(t, path)

	err := RunConfig([]string{"init", "-config", path})
	assert.Equal(t, ExitUsage, ExitCode(err))
	require.NoError(t, RunConfig([]string{"init", "-config", path, "-force"}))
	require.NoError(t, RunConfig([]string{"show", "-config", path}))

	assert.Equal(t, ExitUsage, ExitCode(RunConfig(nil)))
	assert.Equal(t, ExitUsage, ExitCode(RunConfig([]string{"bogus"})))
}
