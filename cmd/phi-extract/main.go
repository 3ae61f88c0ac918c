package main

import (
	"fmt"
	"os"
	"strings"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/phiextract/internal/config"
	"github.com/ehr/phiextract/internal/domain/demographics"
	"github.com/ehr/phiextract/internal/extraction"
	"github.com/ehr/phiextract/internal/platform/schema"
)

func main() {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "phi-extract",
		Short:         "Audited field extraction from the clinical records store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "path to a .env file (default $ENV_PATH, then ./.env)")

	rootCmd.AddCommand(extractCmd(&envFile))
	rootCmd.AddCommand(fieldsCmd())
	rootCmd.AddCommand(checkCmd(&envFile))
	rootCmd.AddCommand(auditCmd(&envFile))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration. Nothing runs against
// the store with an invalid configuration.
func loadConfig(envFile string) (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger writes process logs to stderr so stdout stays free for exported
// rows.
func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// buildRegistry registers every extractable resource. schemaFile, when set,
// replaces the built-in demographics schema.
func buildRegistry(pool demographics.Pool, sourceZone, schemaFile string, logger zerolog.Logger) (*extraction.Registry, error) {
	res, err := demographics.NewResource(demographics.NewRepo(pool, sourceZone, demographics.WithRepoLogger(logger)))
	if err != nil {
		return nil, err
	}
	if schemaFile != "" {
		s, err := schema.LoadFile(schemaFile)
		if err != nil {
			return nil, err
		}
		if s.Resource != res.Name {
			return nil, fmt.Errorf("schema %s describes resource %q, not %q", schemaFile, s.Resource, res.Name)
		}
		if res, err = res.WithSchema(s); err != nil {
			return nil, err
		}
	}
	return extraction.NewRegistry(res)
}
