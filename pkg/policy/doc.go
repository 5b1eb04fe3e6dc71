// Package policy provides Open Policy Agent (OPA) based governance for SwarmLite.
//
// A YAML policy document supplies the rule settings. The rules themselves are
// a single Rego module compiled once per document and evaluated against each
// workflow before it runs.
//
// # Rules
//
//  1. phi_encryption - PHI tasks are rejected unless phi_encryption_required is set
//  2. llm_model_allowlist - llm tasks must use a model from llm_allowed_models
//     (a task without a string model is rejected)
//  3. banned_prompt - llm and rag prompts must not contain a banned phrase,
//     compared case-insensitively
//  4. idempotency_required - database_write and external_api_call tasks need a
//     workflow idempotency key
//
// Violations are ordered by task declaration, then by rule number; the first
// one is returned as an engine policy violation error.
//
// # Usage
//
//	gov, err := policy.NewEngineFromFile(ctx, "config/governance.yaml", logger,
//	    policy.WithEventPublisher(tel.Events),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := gov.ValidateWorkflow(ctx, wf); err != nil {
//	    // engine.IsPolicyViolation(err) == true
//	}
//
// # Hot Reload
//
// Watch follows the source file with fsnotify and swaps the document when it
// changes. A document that fails to load is logged and ignored.
package policy
