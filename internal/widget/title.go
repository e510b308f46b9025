package widget

import (
	"strings"

	"github.com/flosch/pongo2/v6"

	"github.com/Frowell/Flowforge-sub002/internal/graph"
)

func init() {
	// Register "truncate" as alias for "truncatechars"
	pongo2.RegisterFilter("truncate", func(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
		s := in.String()
		n := param.Integer()
		if n <= 0 || n >= len(s) {
			return in, nil
		}
		return pongo2.AsValue(s[:n]), nil
	})
}

// RenderTitle renders a widget title template such as
// "{{ workflow.name }} / {{ node.label|upper }}".
func RenderTitle(tmpl string, ctx map[string]any) (string, error) {
	// Quick check: if no template syntax, return as-is
	if !strings.Contains(tmpl, "{{") && !strings.Contains(tmpl, "{%") {
		return tmpl, nil
	}

	tpl, err := pongo2.FromString(tmpl)
	if err != nil {
		return tmpl, err
	}

	result, err := tpl.Execute(pongo2.Context(ctx))
	if err != nil {
		return tmpl, err
	}
	return result, nil
}

func titleContext(def *Definition, snap *graph.Snapshot) map[string]any {
	node := map[string]any{"id": def.SourceNodeID}
	if idx, ok := snap.Lookup(def.SourceNodeID); ok {
		n := snap.Node(idx)
		node["label"] = n.Label
		node["kind"] = string(n.Kind)
		if n.Output != nil {
			node["output"] = string(n.Output.Kind)
			node["metric"] = n.Output.Metric
		}
	}
	return map[string]any{
		"widget": map[string]any{"id": def.ID},
		"workflow": map[string]any{
			"id":      snap.WorkflowID,
			"name":    snap.Name,
			"version": snap.Version,
		},
		"node": node,
	}
}
