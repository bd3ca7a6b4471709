package sqlite

import "github.com/steveyegge/unduplicator/internal/storage/migrations"

// schemaMigrations creates the record tables when they don't exist yet.
// Existing installations already carry them, so every statement is
// IF NOT EXISTS. The file identifier uses NOCASE collation, which is how the
// content databases this tool cleans up compare identifiers.
var schemaMigrations = []migrations.Migration{
	{
		Version:     1,
		Description: "file registry, storages and metadata",
		Up: `
CREATE TABLE IF NOT EXISTS sys_file_storage (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL DEFAULT '',
    base_path TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sys_file (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    storage INTEGER NOT NULL DEFAULT 0,
    identifier TEXT NOT NULL DEFAULT '' COLLATE NOCASE,
    name TEXT NOT NULL DEFAULT '',
    sha1 TEXT NOT NULL DEFAULT '',
    missing INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sys_file_storage_identifier ON sys_file(storage, identifier);

-- No unique (file, sys_language_uid) constraint: duplicated language rows
-- exist in the wild and must be reported, not rejected on load.
CREATE TABLE IF NOT EXISTS sys_file_metadata (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    file INTEGER NOT NULL DEFAULT 0,
    sys_language_uid INTEGER NOT NULL DEFAULT 0,
    l10n_parent INTEGER NOT NULL DEFAULT 0,
    title TEXT,
    description TEXT,
    alternative TEXT,
    caption TEXT,
    copyright TEXT,
    width INTEGER NOT NULL DEFAULT 0,
    height INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sys_file_metadata_file ON sys_file_metadata(file, sys_language_uid);
`,
		Down: `
DROP TABLE IF EXISTS sys_file_metadata;
DROP TABLE IF EXISTS sys_file;
DROP TABLE IF EXISTS sys_file_storage;
`,
	},
	{
		Version:     2,
		Description: "reference index and processed files",
		Up: `
CREATE TABLE IF NOT EXISTS sys_refindex (
    hash TEXT NOT NULL,
    tablename TEXT NOT NULL DEFAULT '',
    recuid INTEGER NOT NULL DEFAULT 0,
    field TEXT NOT NULL DEFAULT '',
    flexpointer TEXT NOT NULL DEFAULT '',
    softref_key TEXT NOT NULL DEFAULT '',
    softref_id TEXT NOT NULL DEFAULT '',
    sorting INTEGER NOT NULL DEFAULT 0,
    workspace INTEGER NOT NULL DEFAULT 0,
    ref_table TEXT NOT NULL DEFAULT '',
    ref_uid INTEGER NOT NULL DEFAULT 0,
    ref_string TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (hash, tablename, recuid, field, ref_table, ref_uid)
);

CREATE INDEX IF NOT EXISTS idx_sys_refindex_ref ON sys_refindex(ref_table, ref_uid);
CREATE INDEX IF NOT EXISTS idx_sys_refindex_rec ON sys_refindex(tablename, recuid);

CREATE TABLE IF NOT EXISTS sys_file_processedfile (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    original INTEGER NOT NULL DEFAULT 0,
    storage INTEGER NOT NULL DEFAULT 0,
    identifier TEXT NOT NULL DEFAULT '',
    task_type TEXT NOT NULL DEFAULT '',
    checksum TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sys_file_processedfile_original ON sys_file_processedfile(original);
`,
		Down: `
DROP TABLE IF EXISTS sys_file_processedfile;
DROP TABLE IF EXISTS sys_refindex;
`,
	},
}
