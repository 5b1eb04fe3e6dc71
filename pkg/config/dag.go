package config

import (
	"fmt"

	"github.com/swarmlite/swarmlite/pkg/engine"
)

// ValidateDAG checks that every dependency names a task of the workflow and
// that the dependency relation is acyclic. The engine rebuilds the graph
// independently before execution.
func (p *Parser) ValidateDAG(wf *engine.Workflow) error {
	index := make(map[string]int, len(wf.Tasks))
	for i, task := range wf.Tasks {
		index[task.ID] = i
	}

	dependents := make(map[string][]string, len(wf.Tasks))
	inDegree := make(map[string]int, len(wf.Tasks))
	for _, task := range wf.Tasks {
		seen := make(map[string]bool, len(task.DependsOn))
		for _, dep := range task.DependsOn {
			if _, ok := index[dep]; !ok {
				return engine.NewValidationError(
					fmt.Sprintf("dependency '%s' not found in workflow tasks", dep), nil,
				).WithWorkflow(wf.ID).WithTask(task.ID)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			dependents[dep] = append(dependents[dep], task.ID)
			inDegree[task.ID]++
		}
	}

	// Kahn: whatever cannot be drained sits on or behind a cycle.
	queue := make([]string, 0, len(wf.Tasks))
	for _, task := range wf.Tasks {
		if inDegree[task.ID] == 0 {
			queue = append(queue, task.ID)
		}
	}
	drained := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		drained++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if drained == len(wf.Tasks) {
		return nil
	}

	return engine.NewCycleError(findCycle(wf, inDegree)).WithWorkflow(wf.ID)
}

// findCycle walks dependency edges among the undrained tasks until a task
// repeats. Every undrained task has at least one undrained dependency, so
// the walk always closes a loop.
func findCycle(wf *engine.Workflow, remaining map[string]int) []string {
	var start *engine.Task
	for i := range wf.Tasks {
		if remaining[wf.Tasks[i].ID] > 0 {
			start = &wf.Tasks[i]
			break
		}
	}
	if start == nil {
		return nil
	}

	position := make(map[string]int)
	var path []string
	current := start
	for current != nil {
		if at, ok := position[current.ID]; ok {
			// Report the cycle in execution direction: dependency first.
			cycle := path[at:]
			out := make([]string, 0, len(cycle)+1)
			for i := len(cycle) - 1; i >= 0; i-- {
				out = append(out, cycle[i])
			}
			return append(out, out[0])
		}
		position[current.ID] = len(path)
		path = append(path, current.ID)

		var next *engine.Task
		for _, dep := range current.DependsOn {
			if remaining[dep] > 0 {
				next = wf.Task(dep)
				break
			}
		}
		current = next
	}
	return path
}
