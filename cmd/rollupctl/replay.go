package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Frowell/Flowforge-sub002/internal/store"
)

const replayBatchSize = 1000

var replayCmd = &cobra.Command{
	Use:   "replay <events.jsonl>",
	Short: "Append raw events from a JSON-lines file and rebuild their buckets",
	Long: `Read one raw event per line, append them to the store and recompute every
bucket they touch. Events without a tenant_id are assigned --tenant; events
for another tenant are rejected.

Examples:
  rollupctl replay --tenant 7e3a9c10-4b2d-4f85-a6e1-0d9c8b7a6f52 trades.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, tenantID, err := tenantContext(cmd.Context())
		if err != nil {
			return err
		}
		file, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open events file: %w", err)
		}
		defer file.Close()

		st, m, err := openMaintainer(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		var accepted, inserted int
		err = readEvents(file, tenantID, viper.GetInt("replay-batch"), func(batch []store.RawEvent) error {
			n, err := m.Ingest(ctx, batch)
			if err != nil {
				return err
			}
			accepted += len(batch)
			inserted += n
			return nil
		})
		if err != nil {
			return err
		}
		if err := m.Flush(ctx); err != nil {
			return fmt.Errorf("flush rollups: %w", err)
		}
		sugar.Infow("Replay complete", "tenant_id", tenantID, "accepted", accepted, "inserted", inserted)
		fmt.Fprintf(cmd.OutOrStdout(), "accepted %d events, inserted %d\n", accepted, inserted)
		return nil
	},
}

func init() {
	replayCmd.Flags().Int("batch", replayBatchSize, "events per ingest call")
	_ = viper.BindPFlag("replay-batch", replayCmd.Flags().Lookup("batch"))
}

// readEvents decodes JSON-lines events from r and hands them to fn in
// batches of at most size. Blank lines are skipped.
func readEvents(r io.Reader, tenantID uuid.UUID, size int, fn func([]store.RawEvent) error) error {
	if size <= 0 {
		size = replayBatchSize
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	batch := make([]store.RawEvent, 0, size)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var evt store.RawEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return fmt.Errorf("decode event on line %d: %w", line, err)
		}
		if evt.TenantID == uuid.Nil {
			evt.TenantID = tenantID
		}
		evt.EventTime = evt.EventTime.UTC()
		batch = append(batch, evt)
		if len(batch) == size {
			if err := fn(batch); err != nil {
				return err
			}
			batch = make([]store.RawEvent, 0, size)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}
