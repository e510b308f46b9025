package query

import (
	"context"
	"time"

	"github.com/Frowell/Flowforge-sub002/internal/compiler"
	"github.com/Frowell/Flowforge-sub002/internal/graph"
	"github.com/Frowell/Flowforge-sub002/internal/store"
)

// aggState merges rollup rows and raw events of one output group. Open and
// close are tracked by (time, seq) so a bucket split across rollup and raw
// reads yields the same values as a full raw scan.
type aggState struct {
	vals      Row
	has       bool
	open      float64
	openAt    time.Time
	openSeq   int64
	close     float64
	closeAt   time.Time
	closeSeq  int64
	high, low float64
	volume    float64
	notional  float64
	count     int64
	series    []string
}

func earlier(at time.Time, seq int64, than time.Time, thanSeq int64) bool {
	if !at.Equal(than) {
		return at.Before(than)
	}
	return seq < thanSeq
}

func (s *aggState) mergeRollup(r store.RollupRow) {
	if !s.has {
		s.open, s.openAt, s.openSeq = r.Open, r.OpenTime, r.OpenSeq
		s.close, s.closeAt, s.closeSeq = r.Close, r.CloseTime, r.CloseSeq
		s.high, s.low = r.High, r.Low
		s.has = true
	} else {
		if earlier(r.OpenTime, r.OpenSeq, s.openAt, s.openSeq) {
			s.open, s.openAt, s.openSeq = r.Open, r.OpenTime, r.OpenSeq
		}
		if !earlier(r.CloseTime, r.CloseSeq, s.closeAt, s.closeSeq) {
			s.close, s.closeAt, s.closeSeq = r.Close, r.CloseTime, r.CloseSeq
		}
		s.high = max(s.high, r.High)
		s.low = min(s.low, r.Low)
	}
	s.volume += r.TotalVolume
	s.notional += r.TotalNotional
	s.count += r.TradeCount
}

func (s *aggState) mergeEvent(e store.RawEvent) {
	s.mergeRollup(store.RollupRow{
		Open: e.Price, High: e.Price, Low: e.Price, Close: e.Price,
		OpenTime: e.EventTime, CloseTime: e.EventTime,
		OpenSeq: e.IngestionSeq, CloseSeq: e.IngestionSeq,
		TotalVolume: e.Quantity, TotalNotional: e.Notional, TradeCount: 1,
	})
}

func (s *aggState) value(agg graph.Aggregation) any {
	switch agg.Func {
	case graph.AggFirst:
		return s.open
	case graph.AggLast:
		return s.close
	case graph.AggMax:
		return s.high
	case graph.AggMin:
		return s.low
	case graph.AggSum:
		if agg.Field == "quantity" {
			return s.volume
		}
		return s.notional
	case graph.AggCount:
		return s.count
	case graph.AggVWAP:
		if s.volume == 0 {
			return 0.0
		}
		return s.notional / s.volume
	default:
		return nil
	}
}

// runMerged answers the plan's first aggregate from rollup rows of g for
// [from, cut) and raw events for [cut, to), then applies the later stages.
func (x *execution) runMerged(ctx context.Context, g store.Granularity, cut time.Time) ([]record, error) {
	aggIdx := x.plan.AggregateIndex()
	agg := x.plan.Stages[aggIdx]
	pre := preFilters(x.plan.Stages[:aggIdx])

	rollups, err := x.scanRollups(ctx, g, x.tr.From, cut)
	if err != nil {
		return nil, err
	}
	var events []store.RawEvent
	if x.tr.To.After(cut) {
		events, err = x.scanEvents(ctx, cut, x.tr.To)
		if err != nil {
			return nil, err
		}
	}

	keyCols := groupColumns(agg)
	groups := make(map[string]*aggState)
	var order []*aggState
	stateFor := func(series string, at time.Time) *aggState {
		kv := make(Row, len(keyCols))
		var bucket time.Time
		if agg.Bucket != "" {
			bucket = agg.Bucket.Truncate(at)
			kv["bucket_start"] = bucket
		}
		if len(agg.GroupBy) > 0 {
			kv["series_key"] = series
		}
		k := groupKey(keyCols, kv)
		s, ok := groups[k]
		if !ok {
			s = &aggState{vals: kv}
			groups[k] = s
			order = append(order, s)
		}
		return s
	}

	for _, r := range rollups {
		if !passes(pre, r.SeriesKey) {
			continue
		}
		st := stateFor(r.SeriesKey, r.BucketStart)
		st.mergeRollup(r)
		st.series = addSeries(st.series, r.SeriesKey)
	}
	for _, e := range events {
		if !passes(pre, e.SeriesKey) {
			continue
		}
		st := stateFor(e.SeriesKey, e.EventTime)
		st.mergeEvent(e)
		st.series = addSeries(st.series, e.SeriesKey)
	}

	records := make([]record, 0, len(order))
	for _, s := range order {
		vals := s.vals
		for _, a := range agg.Aggregations {
			vals[a.Alias()] = s.value(a)
		}
		at, _ := vals["bucket_start"].(time.Time)
		records = append(records, record{vals: vals, at: at, series: s.series})
	}
	sortByColumns(records, keyCols)

	x.granularity = g
	x.source = SourceRollup
	if x.tr.To.After(cut) {
		x.source = SourceMixed
	}
	return applyStages(x.plan.Stages[aggIdx+1:], records), nil
}

func preFilters(stages []compiler.Stage) []graph.Filter {
	var out []graph.Filter
	for _, st := range stages {
		out = append(out, st.Filters...)
	}
	return out
}

func passes(filters []graph.Filter, series string) bool {
	for _, f := range filters {
		if !matches(f, series) {
			return false
		}
	}
	return true
}
