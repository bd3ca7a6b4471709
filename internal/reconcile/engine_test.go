package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/unduplicator/internal/derived"
	"github.com/steveyegge/unduplicator/internal/finder"
	"github.com/steveyegge/unduplicator/internal/metadata"
	"github.com/steveyegge/unduplicator/internal/references"
	"github.com/steveyegge/unduplicator/internal/storage"
	"github.com/steveyegge/unduplicator/internal/types"
)

const publicPath = "/var/www/public"

type testEnv struct {
	gw storage.Gateway
	db *sql.DB
	fs afero.Fs
}

// setupTestEnv opens a SQLite gateway on a temp file plus a second handle
// for seeding and inspecting rows
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.db")

	gw, err := storage.NewStorage(ctx, &storage.Config{Driver: storage.DriverSQLite, Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{gw: gw, db: db, fs: afero.NewMemMapFs()}
	env.exec(t, `
		CREATE TABLE tt_content (uid INTEGER PRIMARY KEY, bodytext TEXT);
		CREATE TABLE sys_file_reference (uid INTEGER PRIMARY KEY, uid_local INTEGER NOT NULL DEFAULT 0);
		INSERT INTO sys_file_storage (uid, name, base_path) VALUES (1, 'fileadmin', 'fileadmin/');
	`)
	return env
}

func (e *testEnv) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := e.db.Exec(query, args...)
	require.NoError(t, err)
}

func (e *testEnv) addFiles(t *testing.T, identifier string, uids ...int64) {
	t.Helper()
	for _, uid := range uids {
		e.exec(t, `INSERT INTO sys_file (uid, storage, identifier) VALUES (?, 1, ?)`, uid, identifier)
	}
}

func (e *testEnv) addMeta(t *testing.T, uid, file, lang int64, description any) {
	t.Helper()
	e.exec(t, `INSERT INTO sys_file_metadata (uid, file, sys_language_uid, description) VALUES (?, ?, ?, ?)`,
		uid, file, lang, description)
}

func (e *testEnv) addRef(t *testing.T, hash, table string, recUID int64, field, softref string, refUID int64) {
	t.Helper()
	e.exec(t, `
		INSERT INTO sys_refindex (hash, tablename, recuid, field, softref_key, ref_table, ref_uid)
		VALUES (?, ?, ?, ?, ?, 'sys_file', ?)
	`, hash, table, recUID, field, softref, refUID)
}

func (e *testEnv) fileUIDs(t *testing.T) []int64 {
	t.Helper()
	rows, err := e.db.Query(`SELECT uid FROM sys_file ORDER BY uid`)
	require.NoError(t, err)
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var uid int64
		require.NoError(t, rows.Scan(&uid))
		out = append(out, uid)
	}
	require.NoError(t, rows.Err())
	return out
}

func (e *testEnv) description(t *testing.T, file, lang int64) (string, bool) {
	t.Helper()
	var desc sql.NullString
	err := e.db.QueryRow(`SELECT description FROM sys_file_metadata WHERE file = ? AND sys_language_uid = ?`, file, lang).Scan(&desc)
	if err == sql.ErrNoRows {
		return "", false
	}
	require.NoError(t, err)
	return desc.String, true
}

func (e *testEnv) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.QueryRow(query, args...).Scan(&n))
	return n
}

// snapshot dumps every record table so runs can be checked for mutations
func (e *testEnv) snapshot(t *testing.T) string {
	t.Helper()
	var b strings.Builder
	for _, table := range []string{"sys_file", "sys_file_metadata", "sys_refindex", "sys_file_processedfile", "tt_content", "sys_file_reference"} {
		rows, err := e.db.Query(fmt.Sprintf(`SELECT * FROM %s ORDER BY 1`, table))
		require.NoError(t, err)
		cols, err := rows.Columns()
		require.NoError(t, err)
		for rows.Next() {
			values := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			require.NoError(t, rows.Scan(ptrs...))
			fmt.Fprintf(&b, "%s %v\n", table, values)
		}
		require.NoError(t, rows.Err())
		rows.Close()
	}
	return b.String()
}

func defaultOptions() Options {
	return Options{
		Finder:   finder.DefaultOptions(),
		Metadata: metadata.Options{TrackedFields: []string{"description"}},
		Patterns: references.LinkPatterns([]string{"ref://file?uid=", "t3://file?uid="}),
	}
}

func (e *testEnv) run(t *testing.T, opts Options) *Summary {
	t.Helper()
	engine := NewEngine(e.gw, derived.NewFSArtifactStore(e.fs, publicPath), opts, nil)
	summary, err := engine.Run(context.Background())
	require.NoError(t, err)
	return summary
}

func TestRunNoDuplicates(t *testing.T) {
	for _, dryRun := range []bool{false, true} {
		t.Run(fmt.Sprintf("dry_run=%v", dryRun), func(t *testing.T) {
			env := setupTestEnv(t)
			env.addFiles(t, "/a.jpg", 1)
			env.addFiles(t, "/b.jpg", 2)
			before := env.snapshot(t)

			opts := defaultOptions()
			opts.DryRun = dryRun
			summary := env.run(t, opts)

			assert.Equal(t, 0, summary.DuplicatesFound)
			assert.Equal(t, 0, summary.Removed)
			assert.False(t, summary.Changed())
			assert.NotEmpty(t, summary.RunID)
			assert.Equal(t, before, env.snapshot(t))
		})
	}
}

func TestRunMasterSelection(t *testing.T) {
	env := setupTestEnv(t)
	env.addFiles(t, "/images/a.jpg", 5, 7, 9)

	summary := env.run(t, defaultOptions())
	assert.Equal(t, 2, summary.DuplicatesFound)
	assert.Equal(t, 2, summary.Removed)
	assert.Equal(t, []int64{9}, env.fileUIDs(t))

	env = setupTestEnv(t)
	env.addFiles(t, "/images/a.jpg", 5, 7, 9)
	opts := defaultOptions()
	opts.Finder.KeepOldest = true
	env.run(t, opts)
	assert.Equal(t, []int64{5}, env.fileUIDs(t))
}

func TestRunDoesNotMergeCaseOnlyCollisions(t *testing.T) {
	env := setupTestEnv(t)
	env.addFiles(t, "/images/Photo.jpg", 1)
	env.addFiles(t, "/images/photo.jpg", 2)

	summary := env.run(t, defaultOptions())
	assert.Equal(t, 0, summary.DuplicatesFound)
	assert.Len(t, summary.Collisions, 2)
	assert.Equal(t, []int64{1, 2}, env.fileUIDs(t))
}

func TestRunDeletesEmptyDuplicateMetadata(t *testing.T) {
	env := setupTestEnv(t)
	env.addFiles(t, "/a.jpg", 5, 9)
	env.addMeta(t, 90, 9, 0, "A")
	env.addMeta(t, 50, 5, 0, "")
	env.addRef(t, "m1", types.TableMetadata, 50, "file", "", 5)

	summary := env.run(t, defaultOptions())
	assert.Equal(t, 1, summary.Removed)
	assert.Equal(t, 1, summary.MetadataDeleted)

	desc, ok := env.description(t, 9, 0)
	assert.True(t, ok)
	assert.Equal(t, "A", desc)
	_, ok = env.description(t, 5, 0)
	assert.False(t, ok)
	assert.Equal(t, 0, env.count(t, `SELECT COUNT(*) FROM sys_refindex WHERE tablename = 'sys_file_metadata'`))
	assert.Equal(t, []int64{9}, env.fileUIDs(t))
}

func TestRunMigratesOntoEmptyMaster(t *testing.T) {
	env := setupTestEnv(t)
	env.addFiles(t, "/a.jpg", 5, 9)
	env.addMeta(t, 50, 5, 0, "x")
	env.addMeta(t, 51, 5, 1, "x-de")

	summary := env.run(t, defaultOptions())
	assert.Equal(t, 1, summary.Removed)
	assert.Equal(t, 2, summary.MetadataMigrated)

	desc, ok := env.description(t, 9, 0)
	assert.True(t, ok)
	assert.Equal(t, "x", desc)
	desc, _ = env.description(t, 9, 1)
	assert.Equal(t, "x-de", desc)
	assert.Equal(t, 0, env.count(t, `SELECT COUNT(*) FROM sys_file_metadata WHERE file = 5`))
	assert.Equal(t, []int64{9}, env.fileUIDs(t))
}

func TestRunConflictKeepsDuplicate(t *testing.T) {
	env := setupTestEnv(t)
	env.addFiles(t, "/a.jpg", 5, 9)
	env.addMeta(t, 90, 9, 0, "A")
	env.addMeta(t, 50, 5, 0, "B")
	env.addRef(t, "r1", "sys_file_reference", 1, "uid_local", "", 5)
	env.exec(t, `INSERT INTO sys_file_reference (uid, uid_local) VALUES (1, 5)`)

	summary := env.run(t, defaultOptions())
	assert.True(t, summary.HasConflicts())
	assert.Equal(t, 1, summary.Conflicts)
	assert.Equal(t, 0, summary.Removed)
	require.Len(t, summary.Duplicates, 1)
	assert.Equal(t, StatusConflict, summary.Duplicates[0].Status)

	desc, _ := env.description(t, 9, 0)
	assert.Equal(t, "A", desc)
	desc, _ = env.description(t, 5, 0)
	assert.Equal(t, "B", desc)
	assert.Equal(t, []int64{5, 9}, env.fileUIDs(t))
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM sys_file_reference WHERE uid_local = 5`), "references untouched")
}

func TestRunForceOverwrite(t *testing.T) {
	env := setupTestEnv(t)
	env.addFiles(t, "/a.jpg", 5, 9)
	env.addMeta(t, 90, 9, 0, "A")
	env.addMeta(t, 50, 5, 0, "B")

	opts := defaultOptions()
	opts.Metadata.Force = metadata.ForceOverwrite
	summary := env.run(t, opts)
	assert.False(t, summary.HasConflicts())

	desc, _ := env.description(t, 9, 0)
	assert.Equal(t, "B", desc)
	_, ok := env.description(t, 5, 0)
	assert.False(t, ok)
	assert.Equal(t, []int64{9}, env.fileUIDs(t))
}

func TestRunInteractiveResolver(t *testing.T) {
	env := setupTestEnv(t)
	env.addFiles(t, "/a.jpg", 5, 9)
	env.addMeta(t, 90, 9, 0, "A")
	env.addMeta(t, 50, 5, 0, "B")

	var asked []int64
	opts := defaultOptions()
	opts.Metadata.Resolver = metadata.ResolverFunc(func(_ context.Context, d *metadata.Decision) (metadata.Resolution, error) {
		asked = append(asked, d.OldUID())
		return metadata.ResolveKeepMaster, nil
	})
	summary := env.run(t, opts)

	assert.Equal(t, []int64{50}, asked)
	assert.Equal(t, 1, summary.Removed)
	desc, _ := env.description(t, 9, 0)
	assert.Equal(t, "A", desc)
}

func TestRunRewritesReferences(t *testing.T) {
	env := setupTestEnv(t)
	env.addFiles(t, "/a.jpg", 5, 9)
	env.addFiles(t, "/other.jpg", 55)
	env.exec(t, `INSERT INTO tt_content (uid, bodytext) VALUES (1, '<a href="ref://file?uid=5">a</a> <a href="ref://file?uid=55">b</a>')`)
	env.exec(t, `INSERT INTO sys_file_reference (uid, uid_local) VALUES (1, 5)`)
	env.addRef(t, "r1", "sys_file_reference", 1, "uid_local", "", 5)
	env.addRef(t, "r2", "tt_content", 1, "bodytext", "typolink_tag", 5)
	env.addRef(t, "r3", "tt_content", 1, "bodytext", "typolink_tag", 55)

	summary := env.run(t, defaultOptions())
	assert.Equal(t, 2, summary.ReferencesUpdated)

	var body string
	require.NoError(t, env.db.QueryRow(`SELECT bodytext FROM tt_content WHERE uid = 1`).Scan(&body))
	assert.Equal(t, `<a href="ref://file?uid=9">a</a> <a href="ref://file?uid=55">b</a>`, body)
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM sys_file_reference WHERE uid_local = 9`))

	assert.Equal(t, 0, env.count(t, `SELECT COUNT(*) FROM sys_refindex WHERE ref_uid = 5`))
	assert.Equal(t, 2, env.count(t, `SELECT COUNT(*) FROM sys_refindex WHERE ref_uid = 9`))
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM sys_refindex WHERE ref_uid = 55 AND hash = 'r3'`))
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM sys_refindex WHERE hash = 'r2' AND softref_key = 'typolink_tag'`))
}

func TestRunRemovesDerivedFiles(t *testing.T) {
	env := setupTestEnv(t)
	env.addFiles(t, "/a.jpg", 5, 9)
	env.exec(t, `
		INSERT INTO sys_file_processedfile (uid, original, storage, identifier) VALUES
			(1, 5, 1, '/_processed_/5/csm_a.jpg'),
			(2, 9, 1, '/_processed_/9/csm_a.jpg')
	`)
	for _, p := range []string{"/_processed_/5/csm_a.jpg", "/_processed_/9/csm_a.jpg"} {
		require.NoError(t, afero.WriteFile(env.fs, publicPath+"/fileadmin"+p, []byte("x"), 0644))
	}

	summary := env.run(t, defaultOptions())
	assert.Equal(t, 1, summary.DerivedDeleted)

	assert.Equal(t, 0, env.count(t, `SELECT COUNT(*) FROM sys_file_processedfile WHERE original = 5`))
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM sys_file_processedfile WHERE original = 9`))
	exists, _ := afero.Exists(env.fs, publicPath+"/fileadmin/_processed_/5")
	assert.False(t, exists)
	exists, _ = afero.Exists(env.fs, publicPath+"/fileadmin/_processed_/9/csm_a.jpg")
	assert.True(t, exists)
}

func TestRunIsIdempotent(t *testing.T) {
	env := setupTestEnv(t)
	env.addFiles(t, "/a.jpg", 5, 7, 9)
	env.addMeta(t, 50, 5, 0, "x")
	env.exec(t, `INSERT INTO tt_content (uid, bodytext) VALUES (1, 't3://file?uid=7')`)
	env.addRef(t, "r1", "tt_content", 1, "bodytext", "typolink_tag", 7)

	first := env.run(t, defaultOptions())
	assert.True(t, first.Changed())
	after := env.snapshot(t)

	second := env.run(t, defaultOptions())
	assert.False(t, second.Changed())
	assert.Equal(t, 0, second.DuplicatesFound)
	assert.Equal(t, after, env.snapshot(t))
}

// seedMixed fills an environment with every kind of change a run makes
func seedMixed(t *testing.T, env *testEnv) {
	env.addFiles(t, "/a.jpg", 5, 7, 9)
	env.addFiles(t, "/b.jpg", 20, 21)
	env.addFiles(t, "/c.jpg", 30)
	env.addFiles(t, "/C.jpg", 31)
	env.addMeta(t, 50, 5, 0, "x")
	env.addMeta(t, 70, 7, 0, "")
	env.addMeta(t, 200, 20, 0, "A")
	env.addMeta(t, 210, 21, 0, "B")
	env.exec(t, `INSERT INTO tt_content (uid, bodytext) VALUES (1, 'ref://file?uid=5 ref://file?uid=7')`)
	env.addRef(t, "r1", "tt_content", 1, "bodytext", "typolink_tag", 5)
	env.addRef(t, "r2", "tt_content", 1, "bodytext", "typolink_tag", 7)
	env.addRef(t, "r3", "tt_content", 404, "bodytext", "typolink_tag", 7)
	env.addRef(t, "r4", "sys_file_reference", 404, "uid_local", "", 5)
	env.exec(t, `INSERT INTO sys_file_processedfile (uid, original, storage, identifier) VALUES (1, 7, 1, '/_processed_/csm_a.jpg')`)
	require.NoError(t, afero.WriteFile(env.fs, publicPath+"/fileadmin/_processed_/csm_a.jpg", []byte("x"), 0644))
}

// normalize clears the fields that legitimately differ between runs
func normalize(s *Summary) *Summary {
	s.RunID = ""
	s.StartedAt = time.Time{}
	s.FinishedAt = time.Time{}
	for _, d := range s.Duplicates {
		if d.Metadata == nil {
			continue
		}
		for i := range d.Metadata.Outcomes {
			if d.Metadata.Outcomes[i].MasterCreated {
				d.Metadata.Outcomes[i].MasterUID = 0
			}
		}
	}
	return s
}

func TestRunDryRunMatchesLiveRun(t *testing.T) {
	dryEnv := setupTestEnv(t)
	seedMixed(t, dryEnv)
	liveEnv := setupTestEnv(t)
	seedMixed(t, liveEnv)

	before := dryEnv.snapshot(t)
	opts := defaultOptions()
	opts.DryRun = true
	dry := dryEnv.run(t, opts)

	assert.Equal(t, before, dryEnv.snapshot(t), "dry run must not mutate records")
	exists, _ := afero.Exists(dryEnv.fs, publicPath+"/fileadmin/_processed_/csm_a.jpg")
	assert.True(t, exists, "dry run must not delete artifacts")

	live := liveEnv.run(t, defaultOptions())
	assert.NotEqual(t, before, liveEnv.snapshot(t))

	assert.True(t, dry.DryRun)
	dry.DryRun = false
	assert.Equal(t, normalize(live), normalize(dry))

	// sanity check on the content of the report
	assert.Equal(t, 3, live.DuplicatesFound)
	assert.Equal(t, 2, live.Removed)
	assert.Equal(t, 1, live.Conflicts)
	assert.Equal(t, 2, live.StaleReferences)
	assert.Len(t, live.Collisions, 2)
}

func TestRunReferenceFailureRollsBackDuplicate(t *testing.T) {
	env := setupTestEnv(t)
	env.addFiles(t, "/a.jpg", 5, 9)
	env.addFiles(t, "/b.jpg", 20, 21)
	env.addMeta(t, 50, 5, 0, "")
	// the referencing table does not exist, so the update fails
	env.addRef(t, "r1", "tx_missing_table", 1, "file", "", 5)

	summary := env.run(t, defaultOptions())
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Removed, "next group still processed")
	assert.Equal(t, 0, summary.MetadataDeleted, "rolled back work is not counted")

	require.Len(t, summary.Duplicates, 2)
	assert.Equal(t, StatusFailed, summary.Duplicates[0].Status)
	assert.Contains(t, summary.Duplicates[0].Error, "tx_missing_table")

	assert.Equal(t, []int64{5, 9, 21}, env.fileUIDs(t))
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM sys_file_metadata WHERE uid = 50`), "metadata deletion rolled back")
}

func TestRunUnmatchedSoftReferenceKeepsDuplicate(t *testing.T) {
	env := setupTestEnv(t)
	env.addFiles(t, "/a.jpg", 5, 9)
	env.exec(t, `INSERT INTO tt_content (uid, bodytext) VALUES (1, '<img data-htmlarea-file-uid="5" src="a.jpg">')`)
	env.addRef(t, "r1", "tt_content", 1, "bodytext", "images", 5)

	summary := env.run(t, defaultOptions())
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Removed)
	require.Len(t, summary.Duplicates, 1)
	assert.Equal(t, StatusFailed, summary.Duplicates[0].Status)

	assert.Equal(t, []int64{5, 9}, env.fileUIDs(t))
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM sys_refindex WHERE hash = 'r1' AND ref_uid = 5`), "index entry still names the duplicate")
}

func TestRunDuplicateMetadataSkipsGroup(t *testing.T) {
	env := setupTestEnv(t)
	env.addFiles(t, "/a.jpg", 5, 7, 9)
	env.addFiles(t, "/b.jpg", 20, 21)
	env.addMeta(t, 70, 7, 0, "x")
	env.addMeta(t, 71, 7, 0, "y")

	summary := env.run(t, defaultOptions())
	require.Len(t, summary.GroupErrors, 1)
	assert.Equal(t, int64(7), summary.GroupErrors[0].FileUID)
	assert.Equal(t, 2, summary.Skipped, "duplicates 7 and 5 are left for a later run")
	assert.Equal(t, 1, summary.Removed)
	assert.Equal(t, []int64{5, 7, 9, 21}, env.fileUIDs(t))
}

type fakeRebuilder struct {
	calls int
	err   error
}

func (r *fakeRebuilder) RebuildIndex(context.Context) error {
	r.calls++
	return r.err
}

func TestRunRebuildsIndexFirst(t *testing.T) {
	env := setupTestEnv(t)
	env.addFiles(t, "/a.jpg", 5, 9)

	rebuilder := &fakeRebuilder{}
	opts := defaultOptions()
	opts.Rebuilder = rebuilder
	opts.DryRun = true
	summary := env.run(t, opts)
	assert.Equal(t, 0, rebuilder.calls, "dry run leaves the index alone")
	assert.False(t, summary.IndexRebuilt)

	opts.DryRun = false
	summary = env.run(t, opts)
	assert.Equal(t, 1, rebuilder.calls)
	assert.True(t, summary.IndexRebuilt)

	rebuilder.err = errors.New("command not found")
	_, err := NewEngine(env.gw, derived.NewFSArtifactStore(env.fs, publicPath), opts, nil).Run(context.Background())
	assert.ErrorIs(t, err, rebuilder.err)
}

func TestRunCanceledContext(t *testing.T) {
	env := setupTestEnv(t)
	env.addFiles(t, "/a.jpg", 5, 9)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := NewEngine(env.gw, derived.NewFSArtifactStore(env.fs, publicPath), defaultOptions(), nil).Run(ctx)
	require.Error(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, []int64{5, 9}, env.fileUIDs(t))
}
