package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/reportdesk/internal/quota"
	"github.com/vnmchuo/reportdesk/internal/usage"
)

func newUsageCmd() *cobra.Command {
	var tenantID, month string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Print a tenant's monthly token usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" {
				return fmt.Errorf("--tenant is required")
			}
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

			ledger, err := newLedger(cfg, s, logger, quota.Options{})
			if err != nil {
				return err
			}
			summary, err := usage.NewLogger(s.usage, ledger, logger, nil).TenantUsageSummary(cmd.Context(), tenantID, month)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&month, "month", "", "month as YYYY-MM (default: current)")
	return cmd
}
