package scheduler

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"

	"github.com/aristath/taskd/internal/task"
)

// topoOrder sorts the given tasks so that every task comes after its dependencies.
// Dependencies on IDs outside the set are ignored.
func topoOrder(tasks []*task.Task) ([]string, error) {
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
	}

	// Stable input keeps the output deterministic for equal inputs.
	sorted := append([]*task.Task(nil), tasks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var edges []toposort.Edge
	for _, t := range sorted {
		linked := false
		for _, depID := range t.DependencyIDs() {
			if !known[depID] {
				continue
			}
			// Edge (depID, taskID) means depID must come before taskID
			edges = append(edges, toposort.Edge{depID, t.ID})
			linked = true
		}
		if !linked {
			edges = append(edges, toposort.Edge{nil, t.ID})
		}
	}

	out, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(out))
	for _, id := range out {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(tasks) {
		return nil, fmt.Errorf("topological sort lost %d tasks", len(tasks)-len(order))
	}
	return order, nil
}

// checkCycle reports whether adding candidate to the active tasks creates a cycle.
func checkCycle(active []*task.Task, candidate *task.Task) error {
	for _, depID := range candidate.DependencyIDs() {
		if depID == candidate.ID {
			return &task.DependencyError{TaskID: candidate.ID, DependencyID: depID, Err: fmt.Errorf("task depends on itself")}
		}
	}
	if !candidate.HasDependencies() {
		return nil
	}
	if _, err := topoOrder(append(active, candidate)); err != nil {
		return &task.DependencyError{TaskID: candidate.ID, DependencyID: candidate.DependencyIDs()[0], Err: err}
	}
	return nil
}
