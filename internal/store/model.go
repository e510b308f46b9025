package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Granularity is a rollup bucket width.
type Granularity string

const (
	Hour Granularity = "hour"
	Day  Granularity = "day"
)

// Duration returns the bucket width.
func (g Granularity) Duration() time.Duration {
	switch g {
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool { return g.Duration() > 0 }

// Truncate returns the start of the bucket containing t, in UTC.
func (g Granularity) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(g.Duration())
}

// Aligned reports whether t falls exactly on a bucket boundary.
func (g Granularity) Aligned(t time.Time) bool {
	return g.Truncate(t).Equal(t.UTC())
}

// ParseGranularity converts a config or graph value to a Granularity.
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(s)
	if !g.Valid() {
		return "", fmt.Errorf("unknown granularity %q", s)
	}
	return g, nil
}

// RawEvent is one record of the ingestion stream.
// Identity is (TenantID, SeriesKey, IngestionSeq).
type RawEvent struct {
	TenantID     uuid.UUID `json:"tenant_id"`
	SeriesKey    string    `json:"series_key"`
	EventTime    time.Time `json:"event_time"`
	Price        float64   `json:"price"`
	Quantity     float64   `json:"quantity"`
	Notional     float64   `json:"notional"`
	IngestionSeq int64     `json:"ingestion_seq"`
}

// Field returns the value of a named event column.
func (e RawEvent) Field(name string) (any, bool) {
	switch name {
	case "tenant_id":
		return e.TenantID.String(), true
	case "series_key":
		return e.SeriesKey, true
	case "event_time":
		return e.EventTime, true
	case "price":
		return e.Price, true
	case "quantity":
		return e.Quantity, true
	case "notional":
		return e.Notional, true
	case "ingestion_seq":
		return e.IngestionSeq, true
	default:
		return nil, false
	}
}

// Before orders events by event time, breaking ties by ingestion sequence.
func (e RawEvent) Before(o RawEvent) bool {
	if !e.EventTime.Equal(o.EventTime) {
		return e.EventTime.Before(o.EventTime)
	}
	return e.IngestionSeq < o.IngestionSeq
}

// BucketKey identifies one rollup row.
type BucketKey struct {
	TenantID    uuid.UUID
	SeriesKey   string
	Granularity Granularity
	BucketStart time.Time
}

// End returns the exclusive end of the bucket.
func (k BucketKey) End() time.Time { return k.BucketStart.Add(k.Granularity.Duration()) }

func (k BucketKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.TenantID, k.SeriesKey, k.Granularity, k.BucketStart.UTC().Format(time.RFC3339))
}

// KeyFor returns the bucket of event e at granularity g.
func KeyFor(e RawEvent, g Granularity) BucketKey {
	return BucketKey{
		TenantID:    e.TenantID,
		SeriesKey:   e.SeriesKey,
		Granularity: g,
		BucketStart: g.Truncate(e.EventTime),
	}
}

// RollupRow is the exact aggregate of all raw events of one bucket.
type RollupRow struct {
	TenantID      uuid.UUID   `json:"tenant_id"`
	SeriesKey     string      `json:"series_key"`
	Granularity   Granularity `json:"granularity"`
	BucketStart   time.Time   `json:"bucket_start"`
	Open          float64     `json:"open"`
	High          float64     `json:"high"`
	Low           float64     `json:"low"`
	Close         float64     `json:"close"`
	VWAP          float64     `json:"vwap"`
	TotalVolume   float64     `json:"total_volume"`
	TotalNotional float64     `json:"total_notional"`
	TradeCount    int64       `json:"trade_count"`
	OpenTime      time.Time   `json:"open_time"`
	CloseTime     time.Time   `json:"close_time"`
	OpenSeq       int64       `json:"open_seq"`
	CloseSeq      int64       `json:"close_seq"`
}

// Key returns the row's bucket key.
func (r RollupRow) Key() BucketKey {
	return BucketKey{TenantID: r.TenantID, SeriesKey: r.SeriesKey, Granularity: r.Granularity, BucketStart: r.BucketStart}
}

// EventQuery selects raw events with EventTime in [From, To).
// An empty SeriesKeys selects every series of the tenant.
type EventQuery struct {
	SeriesKeys []string
	From       time.Time
	To         time.Time
}

// RollupQuery selects rollup rows with BucketStart in [From, To).
type RollupQuery struct {
	Granularity Granularity
	SeriesKeys  []string
	From        time.Time
	To          time.Time
}

func seriesSet(keys []string) map[string]struct{} {
	if len(keys) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
