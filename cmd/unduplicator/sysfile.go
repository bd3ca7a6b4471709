package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/steveyegge/unduplicator/internal/config"
	"github.com/steveyegge/unduplicator/internal/derived"
	"github.com/steveyegge/unduplicator/internal/logger"
	"github.com/steveyegge/unduplicator/internal/metadata"
	"github.com/steveyegge/unduplicator/internal/reconcile"
	"github.com/steveyegge/unduplicator/internal/storage"
)

var sysfileCmd = &cobra.Command{
	Use:   "sysfile",
	Short: "Find duplicate file records and merge them into their master",
	Long: `Find file records with the same identifier in the same storage and merge
them. By default the newest (highest uid) record is kept as master and the
older records are deleted.

For every duplicate:
  1. Metadata is compared per language. Empty or identical metadata is
     deleted, metadata missing on the master is moved over. Anything else
     is a conflict and keeps the duplicate unless --force or --interactive
     resolves it.
  2. References in the reference index are repointed to the master,
     including links embedded in rich text.
  3. The duplicate record and its processed files are deleted.

Identifiers that differ only by case are never merged.

Examples:
  unduplicator sysfile --dry-run                  # Preview what would change
  unduplicator sysfile -i /images/logo.png        # Only this identifier
  unduplicator sysfile --force                    # Overwrite master metadata on conflict
  unduplicator sysfile --force=keep-nonempty      # Only fill empty master metadata
  unduplicator sysfile -a                         # Ask for each conflict
  unduplicator sysfile -u --report run.json       # Rebuild the index first, write a JSON report`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		log, err := newLogger()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		reportPath, _ := cmd.Flags().GetString("report")
		r := &runner{
			cfg:      cfg,
			log:      log,
			in:       os.Stdin,
			out:      os.Stdout,
			terminal: !noInteraction && readline.IsTerminal(int(os.Stdin.Fd())),
		}

		summary, runErr := r.run(ctx)
		if summary != nil {
			if reportPath != "" {
				if err := writeReport(reportPath, summary); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					runErr = err
				}
			}
		}
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
			log.Sync()
			os.Exit(1)
		}
	},
}

func init() {
	addRunFlags(sysfileCmd.Flags())
	sysfileCmd.Flags().String("report", "", "Write the run summary as JSON to this file")
	rootCmd.AddCommand(sysfileCmd)
}

// addRunFlags registers the flags that override ReconcileConfig values
func addRunFlags(flags *pflag.FlagSet) {
	flags.BoolP("dry-run", "d", false, "Report what would change without writing anything")
	flags.StringP("identifier", "i", "", "Only process this identifier")
	flags.Int64P("storage", "s", -1, "Only process this storage (-1 for all)")
	flags.StringP("force", "f", "", "Resolve metadata conflicts: overwrite (default when given without value), keep or keep-nonempty")
	flags.Lookup("force").NoOptDefVal = string(metadata.DefaultForcePolicy)
	flags.BoolP("keep-oldest", "o", false, "Keep the oldest record as master instead of the newest")
	flags.BoolP("interactive", "a", false, "Ask which metadata to keep on conflict")
	flags.StringSliceP("meta-fields", "m", nil, "Comma-separated metadata fields to compare (default: description)")
	flags.Bool("extended-metadata", false, "Also compare caption and copyright")
	flags.BoolP("update-refindex", "u", false, "Rebuild the reference index before running without asking")
	flags.String("refindex-command", "", "Command that rebuilds the reference index")
	flags.Bool("rte-images", false, "Also rewrite data-htmlarea-file-uid image attributes")
	flags.StringSlice("link-prefixes", nil, "Link prefixes that embed a file uid in rich text")
	flags.String("public-path", "", "Web root the storage base paths are relative to")
}

// applyRunFlags copies explicitly set run flags onto cfg
func applyRunFlags(flags *pflag.FlagSet, cfg *config.ReconcileConfig) error {
	var err error
	set := func(name string, apply func() error) {
		if err == nil && flags.Lookup(name) != nil && flags.Changed(name) {
			err = apply()
		}
	}

	set("dry-run", func() (e error) { cfg.DryRun, e = flags.GetBool("dry-run"); return })
	set("identifier", func() (e error) { cfg.Identifier, e = flags.GetString("identifier"); return })
	set("storage", func() (e error) { cfg.Storage, e = flags.GetInt64("storage"); return })
	set("force", func() (e error) { cfg.Force, e = flags.GetString("force"); return })
	set("keep-oldest", func() (e error) { cfg.KeepOldest, e = flags.GetBool("keep-oldest"); return })
	set("interactive", func() (e error) { cfg.Interactive, e = flags.GetBool("interactive"); return })
	set("meta-fields", func() (e error) { cfg.MetaFields, e = flags.GetStringSlice("meta-fields"); return })
	set("extended-metadata", func() (e error) { cfg.ExtendedMetadata, e = flags.GetBool("extended-metadata"); return })
	set("update-refindex", func() (e error) { cfg.UpdateRefIndex, e = flags.GetBool("update-refindex"); return })
	set("refindex-command", func() (e error) { cfg.RefIndexCommand, e = flags.GetString("refindex-command"); return })
	set("rte-images", func() (e error) { cfg.RTEImages, e = flags.GetBool("rte-images"); return })
	set("link-prefixes", func() (e error) { cfg.LinkPrefixes, e = flags.GetStringSlice("link-prefixes"); return })
	set("public-path", func() (e error) { cfg.PublicPath, e = flags.GetString("public-path"); return })
	return err
}

// runner executes one unduplication run and prints its progress
type runner struct {
	cfg config.ReconcileConfig
	log *logger.Logger
	in  io.ReadCloser
	out io.Writer
	// terminal is true if questions may be asked on in
	terminal bool
	// artifacts overrides the public-path filesystem, used by tests
	artifacts derived.ArtifactStore
}

func (r *runner) run(ctx context.Context) (*reconcile.Summary, error) {
	gw, err := storage.NewStorage(ctx, &r.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer gw.Close()

	var p *prompter
	if r.cfg.Interactive || r.asksForRefIndex() {
		p, err = newPrompter(r.in, r.out)
		if err != nil {
			return nil, err
		}
		defer p.Close()
	}

	rebuilder, err := r.refIndexRebuilder(p)
	if err != nil {
		return nil, err
	}

	var resolver metadata.ConflictResolver
	if p != nil {
		resolver = p
	}

	artifacts := r.artifacts
	if artifacts == nil {
		artifacts = derived.NewOSArtifactStore(r.cfg.PublicPath)
	}

	if r.cfg.DryRun {
		fmt.Fprintf(r.out, "%s\n", color.YellowString("DRY RUN MODE - Nothing will be changed"))
	}
	if verbose {
		fmt.Fprintf(r.out, "%s\n", r.cfg)
	}

	engine := reconcile.NewEngine(gw, artifacts, r.cfg.EngineOptions(resolver, rebuilder), r.log)
	summary, runErr := engine.Run(ctx)

	printDuplicates(r.out, summary)
	if verbose {
		if err := printReferenceTable(r.out, summary); err != nil {
			r.log.Warn("could not print reference table", "error", err)
		}
	}
	printSummary(r.out, summary)
	return summary, runErr
}

// asksForRefIndex reports whether the user is asked to rebuild the index
func (r *runner) asksForRefIndex() bool {
	return !r.cfg.UpdateRefIndex && !r.cfg.DryRun && r.terminal
}

// refIndexRebuilder decides whether the reference index is rebuilt first.
// It returns nil if it is not.
func (r *runner) refIndexRebuilder(p *prompter) (reconcile.IndexRebuilder, error) {
	if r.asksForRefIndex() && p != nil {
		ok, err := p.Confirm("Should the reference index be updated right now?")
		if err != nil {
			return nil, err
		}
		r.cfg.UpdateRefIndex = ok
	}

	if !r.cfg.UpdateRefIndex {
		fmt.Fprintln(r.out, "Reference index assumed up to date (use --update-refindex to rebuild it first)")
		return nil, nil
	}
	rebuilder, err := newCommandRebuilder(r.cfg.RefIndexCommand, r.out, os.Stderr, r.log)
	if err != nil {
		return nil, err
	}
	return rebuilder, nil
}
