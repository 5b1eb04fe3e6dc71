// Package config turns workflow definitions into engine workflows and loads
// process settings.
//
// # Definitions
//
// A definition is a JSON or YAML mapping:
//
//	workflow_id: w1
//	tasks:
//	  - id: a
//	    type: python
//	  - id: b
//	    type: llm
//	    depends_on: [a]
//	    data_classification: phi
//	    config: {model: gpt-4-turbo, prompt: "..."}
//	retry_policy:
//	  max_attempts: 3
//	  delay_seconds: 2
//	  exponential_backoff: true
//	compensation_handlers:
//	  a: undo_a
//
// Parsing runs in stages. The document is decoded (JSON first, then YAML),
// unified with the #WorkflowDefinition CUE schema and checked with validator
// struct tags. The dependency graph is validated before the workflow is
// returned.
//
// Compensation handler names are resolved through an
// engine.CompensationRegistry. Names with no registered function become
// NotImplemented handlers, which record rollback intent without acting.
//
// # Settings
//
// LoadSettings reads SWARMLITE_DB_PATH, GOVERNANCE_CONFIG_PATH,
// AUDIT_SECRET_KEY, DB_ENCRYPTION_KEY, LOG_LEVEL, LOG_FORMAT and
// SWARMLITE_PARALLELISM. Invalid values are configuration errors.
package config
