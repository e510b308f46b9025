package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Recompute every bucket holding raw events in a time range",
	Long: `Rebuild marks every rollup bucket that holds raw events of the tenant in
[from, to) dirty and flushes them. Use it after a server stopped before its
pending buckets were flushed.

Examples:
  rollupctl rebuild --tenant <id> --from 2024-03-04T00:00:00Z --to 2024-03-05T00:00:00Z`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, _, err := tenantContext(cmd.Context())
		if err != nil {
			return err
		}
		rawFrom, _ := cmd.Flags().GetString("from")
		rawTo, _ := cmd.Flags().GetString("to")
		from, err := time.Parse(time.RFC3339, rawFrom)
		if err != nil {
			return fmt.Errorf("invalid from: %w", err)
		}
		to, err := time.Parse(time.RFC3339, rawTo)
		if err != nil {
			return fmt.Errorf("invalid to: %w", err)
		}
		if !from.Before(to) {
			return fmt.Errorf("from %s is not before to %s", rawFrom, rawTo)
		}

		st, m, err := openMaintainer(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := m.Rebuild(ctx, from, to)
		if err != nil {
			return fmt.Errorf("rebuild: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %d buckets\n", n)
		return nil
	},
}

func init() {
	rebuildCmd.Flags().String("from", "", "range start, RFC3339")
	rebuildCmd.Flags().String("to", "", "range end, RFC3339")
	_ = rebuildCmd.MarkFlagRequired("from")
	_ = rebuildCmd.MarkFlagRequired("to")
}
