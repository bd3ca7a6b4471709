package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/unduplicator/internal/metadata"
	"github.com/steveyegge/unduplicator/internal/reconcile"
	"github.com/steveyegge/unduplicator/internal/references"
	"github.com/steveyegge/unduplicator/internal/types"
)

func init() {
	color.NoColor = true
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		input    int
		expected string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{999999, "999,999"},
		{1234567, "1,234,567"},
		{12345, "12,345"},
		{1234567890, "1,234,567,890"},
	}

	for _, tt := range tests {
		result := formatNumber(tt.input)
		if result != tt.expected {
			t.Errorf("formatNumber(%d) = %s; want %s", tt.input, result, tt.expected)
		}
	}
}

func sampleSummary() *reconcile.Summary {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return &reconcile.Summary{
		RunID:             "run-1",
		StartedAt:         start,
		FinishedAt:        start.Add(1500 * time.Millisecond),
		Groups:            2,
		DuplicatesFound:   3,
		Removed:           2,
		Conflicts:         1,
		MetadataDeleted:   1,
		ReferencesUpdated: 1,
		StaleReferences:   1,
		Duplicates: []*reconcile.DuplicateReport{
			{
				Identifier: "/a.jpg", MasterUID: 9, DuplicateUID: 5, Status: reconcile.StatusRemoved,
				References: &references.Result{MasterUID: 9, OldUID: 5, Entries: []references.RewrittenEntry{
					{ReferenceIndexEntry: types.ReferenceIndexEntry{
						ReferenceKey: types.ReferenceKey{Hash: "abc123", TableName: "tt_content", RecUID: 1, Field: "bodytext"},
						SoftRefKey:   "typolink_tag",
					}, Replacements: 1},
				}},
			},
			{Identifier: "/a.jpg", MasterUID: 9, DuplicateUID: 7, Status: reconcile.StatusRemoved},
			{
				Identifier: "/b.jpg", MasterUID: 21, DuplicateUID: 20, Status: reconcile.StatusConflict,
				Metadata: &metadata.Result{Outcomes: []metadata.Outcome{{
					Action:       metadata.ActionConflict,
					OldFields:    map[string]string{"description": "A"},
					MasterFields: map[string]string{"description": "B"},
				}}},
			},
		},
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, sampleSummary())
	out := buf.String()

	assert.Contains(t, out, "Unduplication complete")
	assert.Contains(t, out, "Duplicates found: 3")
	assert.Contains(t, out, "Conflicts: 1")
	assert.Contains(t, out, "(1 stale entries dropped)")
	assert.Contains(t, out, "Time taken: 1.5s")
	assert.Contains(t, out, "--force or --interactive")
	assert.NotContains(t, out, "Failed:")

	buf.Reset()
	s := sampleSummary()
	s.DryRun = true
	printSummary(&buf, s)
	assert.Contains(t, buf.String(), "Dry run complete")

	buf.Reset()
	printSummary(&buf, &reconcile.Summary{})
	assert.Contains(t, buf.String(), "No duplicates found")
}

func TestPrintDuplicates(t *testing.T) {
	var buf bytes.Buffer
	s := sampleSummary()
	s.Collisions = nil
	printDuplicates(&buf, s)
	out := buf.String()

	assert.Contains(t, out, "✓ Removed 5, master 9 (/a.jpg)")
	assert.Contains(t, out, "! Kept 20, metadata conflicts with master 21 (/b.jpg)")
	assert.Contains(t, out, "old map[description:A], master map[description:B]")

	buf.Reset()
	s.DryRun = true
	printDuplicates(&buf, s)
	assert.Contains(t, buf.String(), "Would remove 5")
}

func TestPrintReferenceTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printReferenceTable(&buf, sampleSummary()))
	out := buf.String()
	assert.Contains(t, out, "HASH")
	assert.Contains(t, out, "abc123")
	assert.Contains(t, out, "typolink_tag")

	buf.Reset()
	require.NoError(t, printReferenceTable(&buf, &reconcile.Summary{}))
	assert.Empty(t, buf.String(), "no header without rows")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestPrintReferenceTableReportsWriteError(t *testing.T) {
	err := printReferenceTable(failingWriter{}, sampleSummary())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")

	assert.NoError(t, printReferenceTable(failingWriter{}, &reconcile.Summary{}))
}

func TestWriteReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, writeReport(path, sampleSummary()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
	assert.EqualValues(t, 3, decoded["duplicates_found"])
	assert.Len(t, decoded["duplicates"], 3)

	assert.Error(t, writeReport(filepath.Join(t.TempDir(), "missing", "report.json"), sampleSummary()))
}
