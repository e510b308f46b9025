package query

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/Frowell/Flowforge-sub002/internal/compiler"
	"github.com/Frowell/Flowforge-sub002/internal/graph"
	"github.com/Frowell/Flowforge-sub002/internal/store"
)

// record is a row in flight between stages. at and seq order rows for
// first/last; series lists the series folded into the row. None of them are
// part of the output.
type record struct {
	vals   Row
	at     time.Time
	seq    int64
	series []string
}

// addSeries inserts keys into the sorted set and returns it.
func addSeries(set []string, keys ...string) []string {
	for _, k := range keys {
		if i, found := slices.BinarySearch(set, k); !found {
			set = slices.Insert(set, i, k)
		}
	}
	return set
}

func before(a, b record) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.seq < b.seq
}

func eventRecords(events []store.RawEvent, plan *compiler.Plan) []record {
	out := make([]record, 0, len(events))
	for _, ev := range events {
		vals := make(Row, len(plan.SourceFields))
		for _, f := range plan.SourceFields {
			v, _ := ev.Field(f.Name)
			vals[f.Name] = v
		}
		out = append(out, record{vals: vals, at: ev.EventTime, seq: ev.IngestionSeq, series: []string{ev.SeriesKey}})
	}
	slices.SortStableFunc(out, func(a, b record) int {
		if c := a.at.Compare(b.at); c != 0 {
			return c
		}
		if c := strings.Compare(seriesOf(a), seriesOf(b)); c != 0 {
			return c
		}
		return compareInts(a.seq, b.seq)
	})
	return out
}

func seriesOf(r record) string {
	s, _ := r.vals["series_key"].(string)
	return s
}

func applyStages(stages []compiler.Stage, records []record) []record {
	for _, st := range stages {
		switch st.Kind {
		case compiler.StageFilter:
			records = filterRecords(st.Filters, records)
		case compiler.StageAggregate:
			records = aggregateRecords(st, records)
		case compiler.StageProject:
			records = projectRecords(st.Columns, records)
		case compiler.StageWindow:
			records = windowRecords(st, records)
		}
	}
	return records
}

func filterRecords(filters []graph.Filter, records []record) []record {
	out := records[:0:0]
	for _, r := range records {
		keep := true
		for _, f := range filters {
			if !matches(f, r.vals[f.Field]) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, r)
		}
	}
	return out
}

func projectRecords(columns []string, records []record) []record {
	out := make([]record, len(records))
	for i, r := range records {
		vals := make(Row, len(columns))
		for _, c := range columns {
			vals[c] = r.vals[c]
		}
		out[i] = record{vals: vals, at: r.at, seq: r.seq, series: r.series}
	}
	return out
}

// accumulator folds one aggregation over a group.
type accumulator struct {
	agg      graph.Aggregation
	count    int64
	sum      float64
	ext      float64
	intInput bool
	hasExt   bool
	pick     any
	pickRec  record
	hasPick  bool
	qty      float64
	notional float64
}

func (a *accumulator) add(r record) {
	switch a.agg.Func {
	case graph.AggCount:
		if a.agg.Field == "" || r.vals[a.agg.Field] != nil {
			a.count++
		}
	case graph.AggSum, graph.AggAvg:
		if f, ok := toFloat(r.vals[a.agg.Field]); ok {
			a.sum += f
			a.count++
		}
	case graph.AggMin, graph.AggMax:
		v := r.vals[a.agg.Field]
		f, ok := toFloat(v)
		if !ok {
			return
		}
		if _, isInt := v.(int64); isInt {
			a.intInput = true
		}
		if !a.hasExt || (a.agg.Func == graph.AggMin && f < a.ext) || (a.agg.Func == graph.AggMax && f > a.ext) {
			a.ext, a.hasExt = f, true
		}
	case graph.AggFirst:
		if !a.hasPick || before(r, a.pickRec) {
			a.pick, a.pickRec, a.hasPick = r.vals[a.agg.Field], r, true
		}
	case graph.AggLast:
		if !a.hasPick || !before(r, a.pickRec) {
			a.pick, a.pickRec, a.hasPick = r.vals[a.agg.Field], r, true
		}
	case graph.AggVWAP:
		if q, ok := toFloat(r.vals["quantity"]); ok {
			a.qty += q
		}
		if n, ok := toFloat(r.vals["notional"]); ok {
			a.notional += n
		}
	}
}

func (a *accumulator) value() any {
	switch a.agg.Func {
	case graph.AggCount:
		return a.count
	case graph.AggSum:
		return a.sum
	case graph.AggAvg:
		if a.count == 0 {
			return nil
		}
		return a.sum / float64(a.count)
	case graph.AggMin, graph.AggMax:
		if !a.hasExt {
			return nil
		}
		if a.intInput {
			return int64(a.ext)
		}
		return a.ext
	case graph.AggFirst, graph.AggLast:
		return a.pick
	case graph.AggVWAP:
		if a.qty == 0 {
			return 0.0
		}
		return a.notional / a.qty
	default:
		return nil
	}
}

type group struct {
	vals   Row
	at     time.Time
	accs   []*accumulator
	series []string
}

func aggregateRecords(st compiler.Stage, records []record) []record {
	keyCols := groupColumns(st)
	groups := make(map[string]*group)
	var order []*group

	for _, r := range records {
		kv := make(Row, len(keyCols))
		var at time.Time
		if st.Bucket != "" {
			at = st.Bucket.Truncate(r.at)
			kv["bucket_start"] = at
		}
		for _, name := range st.GroupBy {
			kv[name] = r.vals[name]
		}
		k := groupKey(keyCols, kv)
		g, ok := groups[k]
		if !ok {
			g = &group{vals: kv, at: at}
			for _, agg := range st.Aggregations {
				g.accs = append(g.accs, &accumulator{agg: agg})
			}
			groups[k] = g
			order = append(order, g)
		}
		for _, acc := range g.accs {
			acc.add(r)
		}
		g.series = addSeries(g.series, r.series...)
	}

	out := make([]record, 0, len(order))
	for _, g := range order {
		vals := g.vals
		for _, acc := range g.accs {
			vals[acc.agg.Alias()] = acc.value()
		}
		out = append(out, record{vals: vals, at: g.at, series: g.series})
	}
	sortByColumns(out, keyCols)
	return out
}

func groupColumns(st compiler.Stage) []string {
	var cols []string
	if st.Bucket != "" {
		cols = append(cols, "bucket_start")
	}
	return append(cols, st.GroupBy...)
}

func groupKey(cols []string, vals Row) string {
	var b strings.Builder
	for _, c := range cols {
		b.WriteString(keyString(vals[c]))
		b.WriteByte(0)
	}
	return b.String()
}

func sortByColumns(records []record, cols []string) {
	slices.SortStableFunc(records, func(a, b record) int {
		for _, c := range cols {
			if d := compareValues(a.vals[c], b.vals[c]); d != 0 {
				return d
			}
		}
		return 0
	})
}

// windowRecords adds the rolling column of st to every record. Windows run
// per partition in (time, seq) order; records keep their input order.
func windowRecords(st compiler.Stage, records []record) []record {
	w := st.Window
	order := make([]int, len(records))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case before(records[a], records[b]):
			return -1
		case before(records[b], records[a]):
			return 1
		default:
			return 0
		}
	})

	alias := w.Alias()
	frames := make(map[string][]any)
	out := make([]record, len(records))
	for _, i := range order {
		r := records[i]
		k := groupKey(w.PartitionBy, r.vals)
		frame := append(frames[k], r.vals[w.Field])
		if len(frame) > w.Size {
			frame = frame[len(frame)-w.Size:]
		}
		frames[k] = frame

		vals := maps.Clone(r.vals)
		vals[alias] = windowValue(w.Func, frame)
		out[i] = record{vals: vals, at: r.at, seq: r.seq, series: r.series}
	}
	return out
}

func windowValue(fn string, frame []any) any {
	var (
		n, present int64
		sum, ext   float64
	)
	for _, v := range frame {
		if v != nil {
			present++
		}
		f, ok := toFloat(v)
		if !ok {
			continue
		}
		if n == 0 || (fn == graph.AggMin && f < ext) || (fn == graph.AggMax && f > ext) {
			ext = f
		}
		sum += f
		n++
	}
	switch fn {
	case graph.AggCount:
		return present
	case graph.AggSum:
		return sum
	}
	if n == 0 {
		return nil
	}
	switch fn {
	case graph.AggAvg:
		return sum / float64(n)
	case graph.AggMin, graph.AggMax:
		return ext
	default:
		return nil
	}
}
