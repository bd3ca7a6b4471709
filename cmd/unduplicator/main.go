package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/unduplicator/internal/config"
	"github.com/steveyegge/unduplicator/internal/logger"
)

var (
	cfgFile       string
	envFile       string
	dbPath        string
	dbDriver      string
	dbDSN         string
	logMode       string
	verbose       bool
	noInteraction bool
)

var rootCmd = &cobra.Command{
	Use:   "unduplicator",
	Short: "Merge duplicate file records into one master record",
	Long: `unduplicator finds file records that share an identifier within a storage,
keeps one of them as master, moves metadata and references over to it and
removes the duplicates together with their processed files.

Configuration is read from a YAML file (--config), UNDUP_* environment
variables (optionally from --env-file) and command-line flags, in increasing
precedence.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file (default: ./.env if present)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path")
	rootCmd.PersistentFlags().StringVar(&dbDriver, "driver", "", "Database driver: sqlite or postgres")
	rootCmd.PersistentFlags().StringVar(&dbDSN, "dsn", "", "PostgreSQL connection string")
	rootCmd.PersistentFlags().StringVar(&logMode, "log-format", "dev", "Log format: dev (console) or prod (JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output and debug logging")
	rootCmd.PersistentFlags().BoolVarP(&noInteraction, "no-interaction", "n", false, "Never ask questions on the terminal")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges the configuration sources. Flags of cmd that were set
// explicitly override file and environment values.
func loadConfig(cmd *cobra.Command) (config.ReconcileConfig, error) {
	var err error
	if envFile != "" {
		err = config.LoadDotEnv(envFile)
	} else {
		err = config.LoadDotEnv()
	}
	if err != nil {
		return config.ReconcileConfig{}, err
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, err
	}

	if dbDriver != "" {
		cfg.Database.Driver = dbDriver
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if dbDSN != "" {
		cfg.Database.DSN = dbDSN
	}
	if err := applyRunFlags(cmd.Flags(), &cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger() (*logger.Logger, error) {
	log, err := logger.New(logMode, verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return log, nil
}
