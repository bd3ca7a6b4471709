package postgres

import "github.com/steveyegge/unduplicator/internal/storage/migrations"

// schemaMigrations mirror the SQLite schema. PostgreSQL compares text
// case-sensitively, so duplicate discovery folds identifiers with lower()
// and the index below backs that lookup.
var schemaMigrations = []migrations.Migration{
	{
		Version:     1,
		Description: "file registry, storages and metadata",
		Up: `
CREATE TABLE IF NOT EXISTS sys_file_storage (
    uid BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    base_path TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sys_file (
    uid BIGSERIAL PRIMARY KEY,
    storage BIGINT NOT NULL DEFAULT 0,
    identifier TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    sha1 TEXT NOT NULL DEFAULT '',
    missing SMALLINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sys_file_storage_identifier ON sys_file(storage, lower(identifier));

CREATE TABLE IF NOT EXISTS sys_file_metadata (
    uid BIGSERIAL PRIMARY KEY,
    file BIGINT NOT NULL DEFAULT 0,
    sys_language_uid BIGINT NOT NULL DEFAULT 0,
    l10n_parent BIGINT NOT NULL DEFAULT 0,
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
	},
	{
		Version:     2,
		Description: "reference index and processed files",
		Up: `
CREATE TABLE IF NOT EXISTS sys_refindex (
    hash TEXT NOT NULL,
    tablename TEXT NOT NULL DEFAULT '',
    recuid BIGINT NOT NULL DEFAULT 0,
    field TEXT NOT NULL DEFAULT '',
    flexpointer TEXT NOT NULL DEFAULT '',
    softref_key TEXT NOT NULL DEFAULT '',
    softref_id TEXT NOT NULL DEFAULT '',
    sorting BIGINT NOT NULL DEFAULT 0,
    workspace BIGINT NOT NULL DEFAULT 0,
    ref_table TEXT NOT NULL DEFAULT '',
    ref_uid BIGINT NOT NULL DEFAULT 0,
    ref_string TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (hash, tablename, recuid, field, ref_table, ref_uid)
);

CREATE INDEX IF NOT EXISTS idx_sys_refindex_ref ON sys_refindex(ref_table, ref_uid);
CREATE INDEX IF NOT EXISTS idx_sys_refindex_rec ON sys_refindex(tablename, recuid);

CREATE TABLE IF NOT EXISTS sys_file_processedfile (
    uid BIGSERIAL PRIMARY KEY,
    original BIGINT NOT NULL DEFAULT 0,
    storage BIGINT NOT NULL DEFAULT 0,
    identifier TEXT NOT NULL DEFAULT '',
    task_type TEXT NOT NULL DEFAULT '',
    checksum TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sys_file_processedfile_original ON sys_file_processedfile(original);
`,
	},
}
