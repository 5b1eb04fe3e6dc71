package engine

import (
	"fmt"
	"strings"
)

// ExecutionGraph is the validated dependency graph of a workflow.
type ExecutionGraph struct {
	// Order is one deterministic topological ordering of task IDs.
	Order []string

	// Levels groups task IDs whose dependencies all sit in earlier levels.
	// Tasks of the same level are mutually independent.
	Levels [][]string

	// Dependencies maps a task ID to the IDs it depends on.
	Dependencies map[string][]string

	// Dependents maps a task ID to the IDs that depend on it.
	Dependents map[string][]string
}

// Depth returns the number of levels in the graph.
func (g *ExecutionGraph) Depth() int {
	return len(g.Levels)
}

// DAGBuilder builds a directed acyclic graph from workflow tasks.
// It validates dependencies, detects cycles and computes a topological order
// in which ties are broken by declaration order.
type DAGBuilder struct {
	// index maps task IDs to their declaration position
	index map[string]int

	// ids lists task IDs in declaration order
	ids []string

	// adjacencyList maps task IDs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps task IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of unique dependencies of each node
	inDegree map[string]int
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		index:                make(map[string]int),
		ids:                  make([]string, 0),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
	}
}

// Build constructs an execution graph from tasks.
// It fails with a ValidationError on empty, duplicate or unknown IDs and
// with a CycleError when the dependencies are not acyclic.
func (b *DAGBuilder) Build(tasks []Task) (*ExecutionGraph, error) {
	if err := b.initialize(tasks); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	return b.computeOrder()
}

// initialize sets up the internal data structures from tasks.
func (b *DAGBuilder) initialize(tasks []Task) error {
	// First pass: index all tasks
	for i, task := range tasks {
		if task.ID == "" {
			return NewValidationError(fmt.Sprintf("task at position %d has empty id", i), nil)
		}
		if _, exists := b.index[task.ID]; exists {
			return NewValidationError(fmt.Sprintf("duplicate task id: %s", task.ID), nil).
				WithTask(task.ID)
		}

		b.index[task.ID] = i
		b.ids = append(b.ids, task.ID)
		b.adjacencyList[task.ID] = make([]string, 0)
		b.reverseAdjacencyList[task.ID] = make([]string, 0)
		b.inDegree[task.ID] = 0
	}

	// Second pass: build adjacency lists and validate dependencies
	for _, task := range tasks {
		seen := make(map[string]bool, len(task.DependsOn))
		for _, dep := range task.DependsOn {
			if _, exists := b.index[dep]; !exists {
				return NewValidationError(
					fmt.Sprintf("task %s depends on unknown task %s", task.ID, dep), nil,
				).WithTask(task.ID).WithDetail("dependency", dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true

			// Edge from dependency to task: the dependency must complete first.
			b.adjacencyList[dep] = append(b.adjacencyList[dep], task.ID)
			b.reverseAdjacencyList[task.ID] = append(b.reverseAdjacencyList[task.ID], dep)
			b.inDegree[task.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
// Nodes are visited in declaration order so the reported cycle is stable.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.ids {
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return NewCycleError(cycle)
		}
	}

	return nil
}

// detectCyclesUtil performs DFS and returns the cycle path if one is found.
func (b *DAGBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]string{}, path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeOrder runs Kahn's algorithm. The ready set is always drained in
// declaration order, which makes the ordering deterministic for a fixed input.
func (b *DAGBuilder) computeOrder() (*ExecutionGraph, error) {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegree[id] = degree
	}

	graph := &ExecutionGraph{
		Order:        make([]string, 0, len(b.ids)),
		Levels:       make([][]string, 0),
		Dependencies: b.reverseAdjacencyList,
		Dependents:   b.adjacencyList,
	}

	current := make([]string, 0)
	for _, id := range b.ids {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	for len(current) > 0 {
		graph.Levels = append(graph.Levels, current)
		graph.Order = append(graph.Order, current...)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range b.adjacencyList[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		b.sortByDeclaration(next)
		current = next
	}

	// Should never happen once cycle detection passed
	if len(graph.Order) != len(b.ids) {
		return nil, NewInternalError("failed to order all tasks - possible cycle", nil)
	}

	return graph, nil
}

// sortByDeclaration orders IDs by their position in the task list.
func (b *DAGBuilder) sortByDeclaration(ids []string) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && b.index[ids[j]] < b.index[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// ToDOT generates a DOT format representation of the DAG for visualization.
// The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT(workflowID string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("digraph %q {\n", workflowID))
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, id := range b.ids {
		sb.WriteString(fmt.Sprintf("  %q;\n", id))
	}
	for _, id := range b.ids {
		for _, dependent := range b.adjacencyList[id] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", id, dependent))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// BuildGraph is a convenience wrapper that builds the graph of a workflow
// with a fresh builder.
func BuildGraph(wf *Workflow) (*ExecutionGraph, error) {
	graph, err := NewDAGBuilder().Build(wf.Tasks)
	if err != nil {
		if e, ok := AsEngineError(err); ok && e.WorkflowID == "" {
			e.WithWorkflow(wf.ID)
		}
		return nil, err
	}
	return graph, nil
}
