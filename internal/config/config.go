package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/unduplicator/internal/finder"
	"github.com/steveyegge/unduplicator/internal/metadata"
	"github.com/steveyegge/unduplicator/internal/reconcile"
	"github.com/steveyegge/unduplicator/internal/references"
	"github.com/steveyegge/unduplicator/internal/storage"
	"github.com/steveyegge/unduplicator/internal/types"
)

// DefaultMetaFields are the metadata fields compared between a duplicate and its master
var DefaultMetaFields = []string{"description"}

// ExtendedMetaFields are compared in addition when ExtendedMetadata is set
var ExtendedMetaFields = []string{"description", "caption", "copyright"}

// DefaultLinkPrefixes are the link syntaxes that embed a file uid in rich text
var DefaultLinkPrefixes = []string{"t3://file?uid=", "ref://file?uid="}

// DefaultRefIndexCommand rebuilds the reference index of a TYPO3 installation
const DefaultRefIndexCommand = "vendor/bin/typo3 referenceindex:update"

// ReconcileConfig holds configuration for a deduplication run
type ReconcileConfig struct {
	// DryRun reports what would change without writing anything
	// Default: false
	DryRun bool `yaml:"dry_run"`

	// Identifier restricts the run to one file identifier (matched case-insensitively)
	// Default: "" (all identifiers)
	Identifier string `yaml:"identifier"`

	// Storage restricts the run to one storage
	// Default: -1 (all storages)
	Storage int64 `yaml:"storage"`

	// KeepOldest keeps the record with the lowest uid instead of the highest
	// Default: false
	KeepOldest bool `yaml:"keep_oldest"`

	// Force resolves metadata conflicts without asking
	// Options: "" (off), "overwrite", "keep", "keep-nonempty"
	// Default: ""
	Force string `yaml:"force"`

	// Interactive asks on the terminal how to resolve each metadata conflict
	// Default: false
	Interactive bool `yaml:"interactive"`

	// MetaFields are the metadata fields compared between duplicate and master
	// Default: [description]
	MetaFields []string `yaml:"meta_fields"`

	// ExtendedMetadata adds caption and copyright to the compared fields
	// Default: false
	ExtendedMetadata bool `yaml:"extended_metadata"`

	// UpdateRefIndex runs RefIndexCommand before the run
	// Default: false
	UpdateRefIndex bool `yaml:"update_refindex"`

	// RefIndexCommand is the command line that rebuilds the reference index
	// Default: "vendor/bin/typo3 referenceindex:update"
	RefIndexCommand string `yaml:"refindex_command"`

	// RTEImages also rewrites data-htmlarea-file-uid attributes of rich-text images
	// Default: false
	RTEImages bool `yaml:"rte_images"`

	// LinkPrefixes are the link syntaxes rewritten in soft references
	// Default: [t3://file?uid=, ref://file?uid=]
	LinkPrefixes []string `yaml:"link_prefixes"`

	// PublicPath is the web root storage base paths are relative to
	// Default: "." (current directory)
	PublicPath string `yaml:"public_path"`

	// Database selects and configures the record store
	Database storage.Config `yaml:"database"`
}

// DefaultReconcileConfig returns the default configuration
func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		Storage:         types.AllStorages,
		MetaFields:      append([]string(nil), DefaultMetaFields...),
		RefIndexCommand: DefaultRefIndexCommand,
		LinkPrefixes:    append([]string(nil), DefaultLinkPrefixes...),
		PublicPath:      ".",
		Database:        *storage.DefaultConfig(),
	}
}

// Validate checks if the configuration has valid values
func (c ReconcileConfig) Validate() error {
	if c.Storage < types.AllStorages {
		return fmt.Errorf("storage must be a storage uid or -1 for all storages (got %d)", c.Storage)
	}

	if _, err := metadata.ParseForcePolicy(c.Force); err != nil {
		return err
	}

	fields := c.TrackedFields()
	if len(fields) == 0 {
		return errors.New("meta_fields must name at least one metadata field")
	}
	for _, f := range fields {
		if !types.ValidName(f) {
			return fmt.Errorf("invalid metadata field name %q", f)
		}
	}

	if len(c.Patterns()) == 0 {
		return errors.New("link_prefixes must contain at least one prefix unless rte_images is enabled")
	}

	if c.UpdateRefIndex && strings.TrimSpace(c.RefIndexCommand) == "" {
		return errors.New("update_refindex requires refindex_command")
	}

	if c.PublicPath == "" {
		return errors.New("public_path cannot be empty")
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("invalid database configuration: %w", err)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c ReconcileConfig) String() string {
	return fmt.Sprintf(
		"ReconcileConfig{DryRun: %t, Identifier: %q, Storage: %d, KeepOldest: %t, "+
			"Force: %s, Interactive: %t, MetaFields: %v, UpdateRefIndex: %t, "+
			"RTEImages: %t, LinkPrefixes: %v, PublicPath: %s, Driver: %s}",
		c.DryRun, c.Identifier, c.Storage, c.KeepOldest,
		c.ForcePolicy(), c.Interactive, c.TrackedFields(), c.UpdateRefIndex,
		c.RTEImages, c.LinkPrefixes, c.PublicPath, c.Database.Driver,
	)
}

// TrackedFields returns the metadata fields to compare, in order and without duplicates
func (c ReconcileConfig) TrackedFields() []string {
	fields := c.MetaFields
	if c.ExtendedMetadata {
		fields = append(append([]string(nil), fields...), ExtendedMetaFields...)
	}

	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// ForcePolicy returns the parsed force policy. An invalid value yields
// ForceNone; Validate reports it.
func (c ReconcileConfig) ForcePolicy() metadata.ForcePolicy {
	p, err := metadata.ParseForcePolicy(c.Force)
	if err != nil {
		return metadata.ForceNone
	}
	return p
}

// Patterns returns the soft reference syntaxes to rewrite
func (c ReconcileConfig) Patterns() []references.Pattern {
	patterns := references.LinkPatterns(c.LinkPrefixes)
	if c.RTEImages {
		patterns = append(patterns, references.ImageAttributePattern)
	}
	return patterns
}

// EngineOptions builds the run options. resolver and rebuilder may be nil.
func (c ReconcileConfig) EngineOptions(resolver metadata.ConflictResolver, rebuilder reconcile.IndexRebuilder) reconcile.Options {
	opts := reconcile.Options{
		DryRun: c.DryRun,
		Finder: finder.Options{
			Identifier: c.Identifier,
			Storage:    c.Storage,
			KeepOldest: c.KeepOldest,
		},
		Metadata: metadata.Options{
			TrackedFields: c.TrackedFields(),
			Force:         c.ForcePolicy(),
		},
		Patterns: c.Patterns(),
	}
	if c.Interactive {
		opts.Metadata.Resolver = resolver
	}
	if c.UpdateRefIndex {
		opts.Rebuilder = rebuilder
	}
	return opts
}

// Load builds a configuration from defaults, then the YAML file at path
// (skipped if path is empty), then the environment. It does not validate,
// so command-line flags can still be applied.
func Load(path string) (ReconcileConfig, error) {
	cfg := DefaultReconcileConfig()
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg. Keys missing from the
// file keep their current values.
func LoadFile(path string, cfg *ReconcileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadDotEnv loads environment variables from the given .env files without
// overriding variables that are already set. With no arguments it loads
// ./.env if it exists.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		paths = []string{".env"}
	}
	if err := godotenv.Load(paths...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// ReconcileConfigFromEnv creates a ReconcileConfig from environment variables,
// falling back to defaults
//
// Environment variables:
//   - UNDUP_DRY_RUN: Report changes without writing (default: false)
//   - UNDUP_IDENTIFIER: Only process this identifier (default: all)
//   - UNDUP_STORAGE: Only process this storage, -1 for all (default: -1)
//   - UNDUP_KEEP_OLDEST: Keep the lowest uid as master (default: false)
//   - UNDUP_FORCE: Conflict policy, overwrite, keep or keep-nonempty (default: off)
//   - UNDUP_INTERACTIVE: Ask how to resolve conflicts (default: false)
//   - UNDUP_META_FIELDS: Comma-separated metadata fields (default: description)
//   - UNDUP_EXTENDED_METADATA: Also compare caption and copyright (default: false)
//   - UNDUP_UPDATE_REFINDEX: Rebuild the reference index first (default: false)
//   - UNDUP_REFINDEX_COMMAND: Reference index rebuild command
//   - UNDUP_RTE_IMAGES: Rewrite rich-text image attributes (default: false)
//   - UNDUP_LINK_PREFIXES: Comma-separated link prefixes
//   - UNDUP_PUBLIC_PATH: Web root of the storages (default: .)
//   - UNDUP_DB_DRIVER: sqlite or postgres (default: sqlite)
//   - UNDUP_DB_PATH: SQLite database file (default: unduplicator.db)
//   - UNDUP_DATABASE_URL: PostgreSQL connection string
//
// Returns an error if any environment variable has an invalid value.
func ReconcileConfigFromEnv() (ReconcileConfig, error) {
	cfg := DefaultReconcileConfig()
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration from environment: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays the UNDUP_* environment variables onto c
func (c *ReconcileConfig) ApplyEnv() error {
	if err := parseEnvBool("UNDUP_DRY_RUN", &c.DryRun); err != nil {
		return err
	}
	if err := parseEnvString("UNDUP_IDENTIFIER", &c.Identifier); err != nil {
		return err
	}
	if err := parseEnvInt64("UNDUP_STORAGE", &c.Storage); err != nil {
		return err
	}
	if err := parseEnvBool("UNDUP_KEEP_OLDEST", &c.KeepOldest); err != nil {
		return err
	}
	if err := parseEnvString("UNDUP_FORCE", &c.Force); err != nil {
		return err
	}
	if err := parseEnvBool("UNDUP_INTERACTIVE", &c.Interactive); err != nil {
		return err
	}
	if err := parseEnvList("UNDUP_META_FIELDS", &c.MetaFields); err != nil {
		return err
	}
	if err := parseEnvBool("UNDUP_EXTENDED_METADATA", &c.ExtendedMetadata); err != nil {
		return err
	}
	if err := parseEnvBool("UNDUP_UPDATE_REFINDEX", &c.UpdateRefIndex); err != nil {
		return err
	}
	if err := parseEnvString("UNDUP_REFINDEX_COMMAND", &c.RefIndexCommand); err != nil {
		return err
	}
	if err := parseEnvBool("UNDUP_RTE_IMAGES", &c.RTEImages); err != nil {
		return err
	}
	if err := parseEnvList("UNDUP_LINK_PREFIXES", &c.LinkPrefixes); err != nil {
		return err
	}
	if err := parseEnvString("UNDUP_PUBLIC_PATH", &c.PublicPath); err != nil {
		return err
	}
	if err := parseEnvString("UNDUP_DB_DRIVER", &c.Database.Driver); err != nil {
		return err
	}
	if err := parseEnvString("UNDUP_DB_PATH", &c.Database.Path); err != nil {
		return err
	}
	if err := parseEnvString("UNDUP_DATABASE_URL", &c.Database.DSN); err != nil {
		return err
	}
	return nil
}

// parseEnvInt64 parses an int64 from an environment variable
func parseEnvInt64(key string, dest *int64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvBool parses a bool from an environment variable
func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvString parses a string from an environment variable
func parseEnvString(key string, dest *string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	*dest = value
	return nil
}

// parseEnvList parses a comma-separated list from an environment variable
func parseEnvList(key string, dest *[]string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fmt.Errorf("invalid value for %s: empty list", key)
	}
	*dest = out
	return nil
}
