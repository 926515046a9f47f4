package graph

import "sort"

const (
	white = iota
	gray
	black
)

// FindCycle returns one dependency cycle in edges (node -> prerequisites) as a
// path whose first and last element are the same node, or nil when the graph
// is acyclic. Nodes are visited in ascending id order so the result is stable.
func FindCycle(edges map[int64][]int64) []int64 {
	color := map[int64]int{}
	parent := map[int64]int64{}
	nodes := make([]int64, 0, len(edges))
	for id := range edges {
		nodes = append(nodes, id)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	var cycle []int64
	var visit func(id int64) bool
	visit = func(id int64) bool {
		color[id] = gray
		for _, dep := range edges[id] {
			switch color[dep] {
			case gray:
				cycle = []int64{dep}
				for cur := id; cur != dep; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, dep)
				reverse(cycle)
				return true
			case white:
				parent[dep] = id
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	for _, id := range nodes {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

func reverse(ids []int64) {
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
}
