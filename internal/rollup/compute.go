// Package rollup maintains pre-aggregated rollup rows from raw events.
//
// A rollup row is never patched. Every dirty bucket is recomputed from all of
// its raw events and replaced wholesale.
package rollup

import (
	"slices"

	"github.com/Frowell/Flowforge-sub002/internal/store"
)

// ComputeRollup aggregates the events of one bucket. Events are ordered by
// (event_time, ingestion_seq) before folding, so the result does not depend
// on input order.
func ComputeRollup(key store.BucketKey, events []store.RawEvent) store.RollupRow {
	row := store.RollupRow{
		TenantID:    key.TenantID,
		SeriesKey:   key.SeriesKey,
		Granularity: key.Granularity,
		BucketStart: key.BucketStart.UTC(),
	}
	if len(events) == 0 {
		return row
	}

	sorted := slices.Clone(events)
	slices.SortFunc(sorted, func(a, b store.RawEvent) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		default:
			return 0
		}
	})

	first, last := sorted[0], sorted[len(sorted)-1]
	row.Open, row.OpenTime, row.OpenSeq = first.Price, first.EventTime.UTC(), first.IngestionSeq
	row.Close, row.CloseTime, row.CloseSeq = last.Price, last.EventTime.UTC(), last.IngestionSeq
	row.High, row.Low = first.Price, first.Price

	for _, e := range sorted {
		row.High = max(row.High, e.Price)
		row.Low = min(row.Low, e.Price)
		row.TotalVolume += e.Quantity
		row.TotalNotional += e.Notional
		row.TradeCount++
	}
	if row.TotalVolume != 0 {
		row.VWAP = row.TotalNotional / row.TotalVolume
	}
	return row
}
