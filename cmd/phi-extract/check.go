package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/phiextract/internal/platform/db"
)

func checkCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and connectivity to the records store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*envFile)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseDSN(), cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.Ping(ctx, pool, 5*time.Second); err != nil {
				return err
			}
			logger.Info().Str("source_zone", cfg.SourceTimezone).Str("target_zone", cfg.TargetTimezone).Msg("records store reachable")

			out, err := json.MarshalIndent(db.GetPoolStats(pool), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
