package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/steveyegge/unduplicator/internal/reconcile"
)

// printDuplicates prints one line per processed duplicate
func printDuplicates(w io.Writer, s *reconcile.Summary) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	verb := "Removed"
	if s.DryRun {
		verb = "Would remove"
	}

	for _, d := range s.Duplicates {
		switch d.Status {
		case reconcile.StatusRemoved:
			fmt.Fprintf(w, "%s %s %d, master %d (%s)\n", green("✓"), verb, d.DuplicateUID, d.MasterUID, d.Identifier)
		case reconcile.StatusConflict:
			fmt.Fprintf(w, "%s Kept %d, metadata conflicts with master %d (%s)\n", yellow("!"), d.DuplicateUID, d.MasterUID, d.Identifier)
			for _, c := range d.Metadata.Conflicts() {
				fmt.Fprintf(w, "    language %d: old %v, master %v\n", c.LanguageUID, c.OldFields, c.MasterFields)
			}
		case reconcile.StatusFailed:
			fmt.Fprintf(w, "%s Failed %d, master %d (%s): %s\n", red("✗"), d.DuplicateUID, d.MasterUID, d.Identifier, d.Error)
		case reconcile.StatusSkipped:
			fmt.Fprintf(w, "%s Skipped %d, master %d (%s)\n", yellow("-"), d.DuplicateUID, d.MasterUID, d.Identifier)
		}
	}

	for _, c := range s.Collisions {
		fmt.Fprintf(w, "%s Skipped %d: %q differs from %q only by case\n",
			yellow("!"), c.Record.UID, c.Record.Identifier, c.Identifier)
	}
	for _, g := range s.GroupErrors {
		fmt.Fprintf(w, "%s Group %q (storage %d) skipped: %s\n", red("✗"), g.Identifier, g.Storage, g.Error)
	}
}

// printReferenceTable lists every rewritten reference index entry
func printReferenceTable(w io.Writer, s *reconcile.Summary) error {
	var rows []string
	for _, d := range s.Duplicates {
		if d.References == nil || d.Status == reconcile.StatusFailed {
			continue
		}
		for _, e := range d.References.Entries {
			rows = append(rows, fmt.Sprintf("%s\t%s\t%d\t%s\t%s\t%d\t%d\t%t",
				e.Hash, e.TableName, e.RecUID, e.Field, e.SoftRefKey, d.References.OldUID, d.References.MasterUID, e.Stale))
		}
	}
	if len(rows) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HASH\tTABLENAME\tRECUID\tFIELD\tSOFTREF_KEY\tOLD\tNEW\tSTALE")
	for _, row := range rows {
		fmt.Fprintln(tw, row)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write reference table: %w", err)
	}
	return nil
}

// printSummary prints the totals of a run
func printSummary(w io.Writer, s *reconcile.Summary) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Fprintln(w)
	switch {
	case s.DuplicatesFound == 0:
		fmt.Fprintf(w, "%s No duplicates found\n", green("✓"))
	case s.DryRun:
		fmt.Fprintf(w, "%s\n", yellow("Dry run complete, nothing was changed"))
	default:
		fmt.Fprintf(w, "%s Unduplication complete\n", green("✓"))
	}

	fmt.Fprintf(w, "  Duplicate groups: %s\n", formatNumber(s.Groups))
	fmt.Fprintf(w, "  Duplicates found: %s\n", formatNumber(s.DuplicatesFound))
	fmt.Fprintf(w, "  Removed: %s\n", formatNumber(s.Removed))
	if s.Conflicts > 0 {
		fmt.Fprintf(w, "  Conflicts: %s\n", yellow(formatNumber(s.Conflicts)))
	}
	if s.Failed > 0 {
		fmt.Fprintf(w, "  Failed: %s\n", color.RedString(formatNumber(s.Failed)))
	}
	if s.Skipped > 0 {
		fmt.Fprintf(w, "  Skipped: %s\n", formatNumber(s.Skipped))
	}
	fmt.Fprintf(w, "  Metadata deleted: %s, migrated: %s\n", formatNumber(s.MetadataDeleted), formatNumber(s.MetadataMigrated))
	fmt.Fprintf(w, "  References updated: %s", formatNumber(s.ReferencesUpdated))
	if s.StaleReferences > 0 {
		fmt.Fprintf(w, " (%s stale entries dropped)", formatNumber(s.StaleReferences))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Processed files deleted: %s\n", formatNumber(s.DerivedDeleted))
	if len(s.Collisions) > 0 {
		fmt.Fprintf(w, "  Case-only collisions skipped: %s\n", formatNumber(len(s.Collisions)))
	}
	if s.EmptyIdentifiers > 0 {
		fmt.Fprintf(w, "  Records with empty identifier: %s\n", formatNumber(s.EmptyIdentifiers))
	}
	if !s.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  Time taken: %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}

	if s.HasConflicts() {
		fmt.Fprintf(w, "\nNote: Use --force or --interactive to resolve metadata conflicts\n")
	}
}

// writeReport writes the summary as indented JSON
func writeReport(path string, s *reconcile.Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// formatNumber formats a non-negative count with thousand separators
func formatNumber(n int) string {
	digits := strconv.Itoa(n)
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}
