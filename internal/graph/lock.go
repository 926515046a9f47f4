// Package graph holds the pure dependency computations over instance tasks:
// lock state, cycle detection and display ordering.
package graph

import "onboardline/internal/domain"

// TaskState is the slice of a task the lock computation needs.
type TaskState struct {
	TemplateID int64
	Status     string
	Bypassed   bool
	DependsOn  []int64
}

// IsLocked reports whether task must wait on its prerequisites. Bypassed tasks
// and tasks without prerequisites are never locked. A prerequisite that has no
// task among siblings counts as unsatisfied.
func IsLocked(task TaskState, siblings []TaskState) bool {
	return len(BlockedBy(task, siblings)) > 0
}

// BlockedBy returns the prerequisite template ids that keep task locked, in
// declaration order.
func BlockedBy(task TaskState, siblings []TaskState) []int64 {
	if task.Bypassed || len(task.DependsOn) == 0 {
		return nil
	}
	status := make(map[int64]string, len(siblings))
	for _, s := range siblings {
		status[s.TemplateID] = s.Status
	}
	var blocked []int64
	for _, dep := range task.DependsOn {
		st, ok := status[dep]
		if !ok || !domain.IsDone(st) {
			blocked = append(blocked, dep)
		}
	}
	return blocked
}
