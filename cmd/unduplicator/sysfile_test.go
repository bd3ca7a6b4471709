package main

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/unduplicator/internal/config"
	"github.com/steveyegge/unduplicator/internal/derived"
	"github.com/steveyegge/unduplicator/internal/metadata"
	"github.com/steveyegge/unduplicator/internal/storage"
)

func parseRunFlags(t *testing.T, args ...string) config.ReconcileConfig {
	t.Helper()
	flags := pflag.NewFlagSet("sysfile", pflag.ContinueOnError)
	addRunFlags(flags)
	require.NoError(t, flags.Parse(args))

	cfg := config.DefaultReconcileConfig()
	require.NoError(t, applyRunFlags(flags, &cfg))
	return cfg
}

func TestApplyRunFlags(t *testing.T) {
	cfg := parseRunFlags(t)
	assert.Equal(t, config.DefaultReconcileConfig(), cfg, "unset flags keep configured values")

	cfg = parseRunFlags(t, "-d", "-i", "/a.jpg", "-s", "2", "-o", "-a", "-m", "title,description", "-u")
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "/a.jpg", cfg.Identifier)
	assert.Equal(t, int64(2), cfg.Storage)
	assert.True(t, cfg.KeepOldest)
	assert.True(t, cfg.Interactive)
	assert.True(t, cfg.UpdateRefIndex)
	assert.Equal(t, []string{"title", "description"}, cfg.MetaFields)
	assert.Equal(t, metadata.ForceNone, cfg.ForcePolicy())
}

func TestForceFlag(t *testing.T) {
	tests := []struct {
		args []string
		want metadata.ForcePolicy
	}{
		{[]string{"--force"}, metadata.ForceOverwrite},
		{[]string{"-f"}, metadata.ForceOverwrite},
		{[]string{"--force=keep"}, metadata.ForceKeep},
		{[]string{"-f=keep-nonempty"}, metadata.ForceKeepNonEmpty},
	}
	for _, tt := range tests {
		cfg := parseRunFlags(t, tt.args...)
		assert.Equal(t, tt.want, cfg.ForcePolicy(), tt.args)
	}
}

func TestCommandRebuilder(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell environment")
	}

	_, err := newCommandRebuilder("   ", io.Discard, io.Discard, nil)
	assert.Error(t, err)

	var out bytes.Buffer
	r, err := newCommandRebuilder("echo rebuilt", &out, io.Discard, nil)
	require.NoError(t, err)
	require.NoError(t, r.RebuildIndex(context.Background()))
	assert.Equal(t, "rebuilt\n", out.String())

	r, err = newCommandRebuilder("false", io.Discard, io.Discard, nil)
	require.NoError(t, err)
	assert.Error(t, r.RebuildIndex(context.Background()))
}

// seedDatabase creates the schema through the gateway, then inserts rows
func seedDatabase(t *testing.T, path string, statements ...string) {
	t.Helper()
	gw, err := storage.NewStorage(context.Background(), &storage.Config{Driver: storage.DriverSQLite, Path: path})
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	for _, stmt := range statements {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
}

func countRows(t *testing.T, path, query string) int {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(query).Scan(&n))
	return n
}

func newTestRunner(t *testing.T, path string) (*runner, *bytes.Buffer) {
	t.Helper()
	cfg := config.DefaultReconcileConfig()
	cfg.Database.Path = path
	cfg.PublicPath = "/srv/public"
	require.NoError(t, cfg.Validate())

	var out bytes.Buffer
	return &runner{
		cfg:       cfg,
		in:        io.NopCloser(&bytes.Buffer{}),
		out:       &out,
		artifacts: derived.NewFSArtifactStore(afero.NewMemMapFs(), "/srv/public"),
	}, &out
}

func TestRunnerRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cms.db")
	seedDatabase(t, path,
		`INSERT INTO sys_file_storage (uid, name, base_path) VALUES (1, 'fileadmin', 'fileadmin/')`,
		`INSERT INTO sys_file (uid, storage, identifier) VALUES (5, 1, '/a.jpg'), (9, 1, '/a.jpg'), (20, 1, '/b.jpg'), (21, 1, '/b.jpg')`,
		`INSERT INTO sys_file_metadata (uid, file, sys_language_uid, description) VALUES (200, 20, 0, 'A'), (210, 21, 0, 'B')`,
	)

	r, out := newTestRunner(t, path)
	r.cfg.DryRun = true
	summary, err := r.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Removed)
	assert.Equal(t, 1, summary.Conflicts)
	assert.Contains(t, out.String(), "DRY RUN MODE")
	assert.Contains(t, out.String(), "Would remove 5, master 9")
	assert.Equal(t, 4, countRows(t, path, `SELECT COUNT(*) FROM sys_file`))

	r, out = newTestRunner(t, path)
	summary, err = r.run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.HasConflicts())
	assert.Contains(t, out.String(), "Reference index assumed up to date")
	assert.Contains(t, out.String(), "Removed 5, master 9")
	assert.Equal(t, 3, countRows(t, path, `SELECT COUNT(*) FROM sys_file`))

	// conflicts resolved on a second run with --force
	r, _ = newTestRunner(t, path)
	r.cfg.Force = "overwrite"
	summary, err = r.run(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.HasConflicts())
	assert.Equal(t, 2, countRows(t, path, `SELECT COUNT(*) FROM sys_file`))
	assert.Equal(t, 1, countRows(t, path, `SELECT COUNT(*) FROM sys_file_metadata WHERE file = 21 AND description = 'A'`))
}

func TestRunnerRebuildsIndex(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell environment")
	}
	path := filepath.Join(t.TempDir(), "cms.db")
	seedDatabase(t, path)

	r, _ := newTestRunner(t, path)
	r.cfg.UpdateRefIndex = true
	r.cfg.RefIndexCommand = "true"
	summary, err := r.run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.IndexRebuilt)

	r, _ = newTestRunner(t, path)
	r.cfg.UpdateRefIndex = true
	r.cfg.RefIndexCommand = "false"
	_, err = r.run(context.Background())
	assert.ErrorContains(t, err, "reference index")
}

func TestRunnerOpenError(t *testing.T) {
	// a regular file where the database directory should be
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	r, _ := newTestRunner(t, filepath.Join(blocker, "cms.db"))
	_, err := r.run(context.Background())
	assert.ErrorContains(t, err, "failed to open database")
}
