package widget

import (
	"fmt"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
	"github.com/Frowell/Flowforge-sub002/internal/compiler"
	"github.com/Frowell/Flowforge-sub002/internal/graph"
	"github.com/Frowell/Flowforge-sub002/internal/query"
)

// normalize shapes result rows for the plan's output kind and returns the
// columns, rows and chart hint to serve.
func normalize(plan *compiler.Plan, def *Definition, res *query.Result) ([]string, []query.Row, string, error) {
	switch plan.Output.Kind {
	case graph.ChartOutput:
		hint := plan.Output.Chart
		if h, ok := def.Hints["chart"].(string); ok && h != "" {
			hint = h
		}
		if hint == "" {
			hint = "line"
		}
		return res.Columns, res.Rows, hint, nil
	case graph.TableOutput:
		return res.Columns, res.Rows, "table", nil
	case graph.KPIOutput:
		rows, err := reduceKPI(plan.OutputNodeID, plan.Output.Metric, res)
		if err != nil {
			return nil, nil, "", err
		}
		cols := []string{plan.Output.Metric}
		if len(rows) == 1 {
			for _, c := range []string{"bucket_start", "series_key"} {
				if _, ok := rows[0][c]; ok {
					cols = append(cols, c)
				}
			}
		}
		return cols, rows, "kpi", nil
	default:
		return nil, nil, "", apperr.InvalidGraph(plan.OutputNodeID, fmt.Sprintf("unknown output kind %q", plan.Output.Kind))
	}
}

// reduceKPI keeps the last value of metric. Results built from more than
// one series cannot be reduced, including when a projection or an ungrouped
// aggregate dropped the series_key column.
func reduceKPI(nodeID, metric string, res *query.Result) ([]query.Row, error) {
	rows := res.Rows
	if len(rows) == 0 {
		return []query.Row{}, nil
	}

	series := make(map[any]struct{}, len(res.Series))
	for _, s := range res.Series {
		series[s] = struct{}{}
	}
	for _, r := range rows {
		if s, ok := r["series_key"]; ok {
			series[s] = struct{}{}
		}
	}
	if len(series) > 1 {
		return nil, apperr.KPIReduction(nodeID,
			fmt.Sprintf("rows span %d series; filter the source to a single series", len(series)))
	}

	last := rows[len(rows)-1]
	out := query.Row{metric: last[metric]}
	for _, c := range []string{"bucket_start", "series_key"} {
		if v, ok := last[c]; ok {
			out[c] = v
		}
	}
	return []query.Row{out}, nil
}
