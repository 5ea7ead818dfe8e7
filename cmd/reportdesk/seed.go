package main

import (
	"github.com/spf13/cobra"

	"github.com/vnmchuo/reportdesk/internal/seeder"
)

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the demo tenant and its API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			s, err := openStores(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer s.close()

			return seeder.Seed(cmd.Context(), s.tenants, s.keys, logger)
		},
	}
}
