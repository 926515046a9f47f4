package graph

import "sort"

// Node is one task as seen by the display ordering.
type Node struct {
	ID        int64
	Name      string
	DependsOn []int64
}

// Placement positions a node in the display sequence. Parent is the
// prerequisite that released the node, nil for top-level entries.
type Placement struct {
	ID     int64
	Name   string
	Level  int
	Parent *int64
}

// Order arranges nodes so every node follows all of its prerequisites that are
// present in the list. Top-level entries are the nodes with no such
// prerequisite, siblings are sorted by name then id, and a node is nested under
// the prerequisite that completes its set, one level below the deepest of them.
// Nodes caught in a cycle, and nodes waiting on one, are never released; they
// are appended at level 0 with no parent.
// The result depends only on the input set, not on its order.
func Order(nodes []Node) []Placement {
	byID := make(map[int64]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	deps := make(map[int64][]int64, len(nodes))
	dependents := map[int64][]int64{}
	for _, n := range nodes {
		seen := map[int64]bool{}
		for _, d := range n.DependsOn {
			if _, ok := byID[d]; !ok || d == n.ID || seen[d] {
				continue
			}
			seen[d] = true
			deps[n.ID] = append(deps[n.ID], d)
			dependents[d] = append(dependents[d], n.ID)
		}
	}
	less := func(a, b int64) bool {
		na, nb := byID[a], byID[b]
		if na.Name != nb.Name {
			return na.Name < nb.Name
		}
		return a < b
	}
	for id := range dependents {
		ids := dependents[id]
		sort.Slice(ids, func(i, j int) bool { return less(ids[i], ids[j]) })
	}

	out := make([]Placement, 0, len(nodes))
	level := map[int64]int{}
	visited := map[int64]bool{}
	released := func(id int64) bool {
		for _, d := range deps[id] {
			if !visited[d] {
				return false
			}
		}
		return true
	}
	var visit func(id int64, parent *int64)
	visit = func(id int64, parent *int64) {
		visited[id] = true
		lvl := 0
		if parent != nil {
			for _, d := range deps[id] {
				if level[d]+1 > lvl {
					lvl = level[d] + 1
				}
			}
		}
		level[id] = lvl
		out = append(out, Placement{ID: id, Name: byID[id].Name, Level: lvl, Parent: parent})
		self := id
		for _, child := range dependents[id] {
			if !visited[child] && released(child) {
				visit(child, &self)
			}
		}
	}

	all := make([]int64, 0, len(nodes))
	for id := range byID {
		all = append(all, id)
	}
	sort.Slice(all, func(i, j int) bool { return less(all[i], all[j]) })
	for _, id := range all {
		if len(deps[id]) == 0 && !visited[id] {
			visit(id, nil)
		}
	}
	// Whatever is left waits on a cycle, directly or through a prerequisite.
	for _, id := range all {
		if !visited[id] {
			visited[id] = true
			out = append(out, Placement{ID: id, Name: byID[id].Name})
		}
	}
	return out
}
