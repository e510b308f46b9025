package compiler

import "github.com/Frowell/Flowforge-sub002/internal/graph"

const (
	white = iota
	grey
	black
)

type frame struct {
	node int
	next int
}

// findCycle runs an iterative colour-marking DFS over the whole snapshot and
// returns the ids of the nodes on the first cycle found, in edge order.
func findCycle(s *graph.Snapshot) []string {
	colour := make([]int, s.Len())
	for start := 0; start < s.Len(); start++ {
		if colour[start] != white {
			continue
		}
		colour[start] = grey
		stack := []frame{{node: start}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			succ := s.Downstream(top.node)
			if top.next == len(succ) {
				colour[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			child := succ[top.next]
			top.next++

			switch colour[child] {
			case white:
				colour[child] = grey
				stack = append(stack, frame{node: child})
			case grey:
				return cyclePath(s, stack, child)
			}
		}
	}
	return nil
}

func cyclePath(s *graph.Snapshot, stack []frame, entry int) []string {
	from := 0
	for i, f := range stack {
		if f.node == entry {
			from = i
			break
		}
	}
	ids := make([]string, 0, len(stack)-from)
	for _, f := range stack[from:] {
		ids = append(ids, s.Node(f.node).ID)
	}
	return ids
}
