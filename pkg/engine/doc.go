// Package engine provides the core types and the orchestration engine of SwarmLite.
//
// # Overview
//
// A Workflow is a named DAG of Tasks plus a RetryPolicy, per-task compensation
// handlers and an optional idempotency key. The Engine executes a workflow in
// four steps:
//
//  1. Governance - the Governor validates the workflow before anything runs
//  2. Ordering - DAGBuilder rebuilds the dependency graph and orders it
//  3. Execution - the TaskRunner executes each task; every result is persisted
//  4. Compensation - on the first failure, eligible tasks are rolled back
//
// Every transition is written to a StateStore, an append-only log whose most
// recent record defines the current status of a workflow or task. A task that
// already has a success record is not executed again, which makes re-running
// a workflow after a crash safe.
//
// # Concurrency
//
// Each workflow started with StartWorkflow runs in its own goroutine and can be
// cancelled with StopWorkflow. Tasks of one workflow run sequentially by
// default; WithParallelism enables level-by-level execution of independent
// tasks.
//
// # Errors
//
// All errors raised by the core are *EngineError values with a code such as
// ErrCodeCycle or ErrCodePolicyViolation. Use errors.Is with the exported
// sentinels or the IsXxx helpers:
//
//	if engine.IsPolicyViolation(err) {
//	    e, _ := engine.AsEngineError(err)
//	    log.Printf("rule %s breached by task %s", e.Rule, e.TaskID)
//	}
package engine
