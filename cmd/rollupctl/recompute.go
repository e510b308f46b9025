package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Frowell/Flowforge-sub002/internal/store"
)

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Rebuild one rollup bucket from raw events",
	Long: `Recompute a single (series, granularity, bucket) rollup row from the raw
events it covers. The bucket start is truncated to the granularity.

Examples:
  rollupctl recompute --tenant <id> --series AAPL --granularity hour --bucket 2024-03-04T09:00:00Z`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, tenantID, err := tenantContext(cmd.Context())
		if err != nil {
			return err
		}
		series, _ := cmd.Flags().GetString("series")
		rawGran, _ := cmd.Flags().GetString("granularity")
		rawBucket, _ := cmd.Flags().GetString("bucket")

		g, err := store.ParseGranularity(rawGran)
		if err != nil {
			return err
		}
		bucket, err := time.Parse(time.RFC3339, rawBucket)
		if err != nil {
			return fmt.Errorf("invalid bucket: %w", err)
		}

		st, m, err := openMaintainer(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		key := store.BucketKey{TenantID: tenantID, SeriesKey: series, Granularity: g, BucketStart: g.Truncate(bucket)}
		written, err := m.RecomputeBucket(ctx, key)
		if err != nil {
			return fmt.Errorf("recompute %s: %w", key.String(), err)
		}
		if written {
			fmt.Fprintf(cmd.OutOrStdout(), "recomputed %s\n", key.String())
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "no events in %s\n", key.String())
		}
		return nil
	},
}

func init() {
	recomputeCmd.Flags().String("series", "", "series key")
	recomputeCmd.Flags().String("granularity", "hour", "bucket granularity (hour or day)")
	recomputeCmd.Flags().String("bucket", "", "bucket start, RFC3339")
	_ = recomputeCmd.MarkFlagRequired("series")
	_ = recomputeCmd.MarkFlagRequired("bucket")
}
