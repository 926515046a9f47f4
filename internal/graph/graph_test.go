package graph

import (
	"reflect"
	"testing"
)

func TestIsLocked(t *testing.T) {
	siblings := []TaskState{
		{TemplateID: 1, Status: "Done"},
		{TemplateID: 2, Status: "In Progress"},
		{TemplateID: 3, Status: "CLOSED"},
		{TemplateID: 4, Status: "Not Started"},
	}
	cases := []struct {
		name string
		task TaskState
		want bool
	}{
		{"no dependencies", TaskState{TemplateID: 9, Status: "Not Started"}, false},
		{"all done", TaskState{TemplateID: 9, DependsOn: []int64{1, 3}}, false},
		{"one pending", TaskState{TemplateID: 9, DependsOn: []int64{1, 2}}, true},
		{"missing sibling", TaskState{TemplateID: 9, DependsOn: []int64{1, 42}}, true},
		{"bypassed with pending", TaskState{TemplateID: 9, DependsOn: []int64{4}, Bypassed: true}, false},
		{"bypassed with missing", TaskState{TemplateID: 9, DependsOn: []int64{42}, Bypassed: true}, false},
	}
	for _, tc := range cases {
		if got := IsLocked(tc.task, siblings); got != tc.want {
			t.Fatalf("%s: IsLocked=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestBlockedByKeepsDeclarationOrder(t *testing.T) {
	siblings := []TaskState{{TemplateID: 1, Status: "completed"}, {TemplateID: 2, Status: "Waiting"}}
	got := BlockedBy(TaskState{DependsOn: []int64{5, 1, 2}}, siblings)
	if !reflect.DeepEqual(got, []int64{5, 2}) {
		t.Fatalf("blocked by %v", got)
	}
}

func TestFindCycle(t *testing.T) {
	if c := FindCycle(map[int64][]int64{1: {2}, 2: {3}, 4: {1, 3}}); c != nil {
		t.Fatalf("unexpected cycle %v", c)
	}
	c := FindCycle(map[int64][]int64{1: {2}, 2: {3}, 3: {1}})
	if !reflect.DeepEqual(c, []int64{1, 2, 3, 1}) {
		t.Fatalf("cycle path %v", c)
	}
	if c := FindCycle(map[int64][]int64{7: {7}}); !reflect.DeepEqual(c, []int64{7, 7}) {
		t.Fatalf("self loop %v", c)
	}
}

func ids(ps []Placement) []int64 {
	out := make([]int64, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func TestOrderNestsDependents(t *testing.T) {
	nodes := []Node{
		{ID: 4, Name: "VPN", DependsOn: []int64{2}},
		{ID: 1, Name: "Laptop"},
		{ID: 2, Name: "Account"},
		{ID: 3, Name: "Email", DependsOn: []int64{2}},
		{ID: 5, Name: "Badge"},
	}
	got := Order(nodes)
	if want := []int64{2, 3, 4, 5, 1}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("order %v want %v", ids(got), want)
	}
	if got[1].Level != 1 || got[1].Parent == nil || *got[1].Parent != 2 {
		t.Fatalf("email placement %+v", got[1])
	}
	if got[3].Level != 0 || got[3].Parent != nil {
		t.Fatalf("badge placement %+v", got[3])
	}
}

func TestOrderDependenciesPrecedeDependents(t *testing.T) {
	// D needs both C (deep) and Z (a root sorted after A's subtree).
	nodes := []Node{
		{ID: 1, Name: "A"},
		{ID: 2, Name: "B", DependsOn: []int64{1}},
		{ID: 3, Name: "C", DependsOn: []int64{2}},
		{ID: 4, Name: "D", DependsOn: []int64{3, 5}},
		{ID: 5, Name: "Z"},
	}
	got := Order(nodes)
	pos := map[int64]int{}
	lvl := map[int64]int{}
	for i, p := range got {
		pos[p.ID] = i
		lvl[p.ID] = p.Level
	}
	for _, n := range nodes {
		for _, d := range n.DependsOn {
			if pos[d] >= pos[n.ID] || lvl[d] >= lvl[n.ID] {
				t.Fatalf("%d must precede %d: order %v", d, n.ID, ids(got))
			}
		}
	}
	if p := got[pos[4]].Parent; p == nil || *p != 5 {
		t.Fatalf("D should be released by Z, got %+v", got[pos[4]])
	}
}

func TestOrderAppendsCyclesUnindented(t *testing.T) {
	nodes := []Node{
		{ID: 1, Name: "Root"},
		{ID: 2, Name: "X", DependsOn: []int64{3}},
		{ID: 3, Name: "Y", DependsOn: []int64{2}},
	}
	got := Order(nodes)
	if want := []int64{1, 2, 3}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("order %v", ids(got))
	}
	for _, p := range got[1:] {
		if p.Level != 0 || p.Parent != nil {
			t.Fatalf("cycle entry should be top level: %+v", p)
		}
	}
	if len(got) != len(nodes) {
		t.Fatalf("every node must appear once")
	}
}

func TestOrderDoesNotNestUnderCycles(t *testing.T) {
	got := Order([]Node{
		{ID: 1, Name: "X", DependsOn: []int64{2}},
		{ID: 2, Name: "Y", DependsOn: []int64{1}},
		{ID: 3, Name: "Z", DependsOn: []int64{2}},
	})
	if want := []int64{1, 2, 3}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("order %v", ids(got))
	}
	for _, p := range got {
		if p.Level != 0 || p.Parent != nil {
			t.Fatalf("%s should be appended unindented: %+v", p.Name, p)
		}
	}
}

func TestOrderIsDeterministic(t *testing.T) {
	a := []Node{{ID: 1, Name: "b"}, {ID: 2, Name: "a"}, {ID: 3, Name: "c", DependsOn: []int64{1, 2}}, {ID: 4, Name: "a"}}
	b := []Node{a[3], a[2], a[0], a[1]}
	if !reflect.DeepEqual(Order(a), Order(b)) {
		t.Fatalf("order depends on input order")
	}
}

func TestOrderTreatsMissingPrerequisitesAsRoots(t *testing.T) {
	got := Order([]Node{{ID: 1, Name: "Orphaned", DependsOn: []int64{99}}})
	if len(got) != 1 || got[0].Level != 0 {
		t.Fatalf("placement %+v", got)
	}
}
