package policy

// governanceQuery selects every violation produced by governanceModule.
const governanceQuery = "data.swarmlite.governance.deny"

// governanceModule holds the workflow rules. The policy document rules are
// mounted at data.rules and the workflow is the input.
const governanceModule = `package swarmlite.governance

import rego.v1

generative_types := {"llm", "rag"}

mutating_types := {"database_write", "external_api_call"}

model_label(task) := task.config.model if {
	is_string(task.config.model)
} else := "<none>"

# A missing or non-string model is never allowed
has_allowed_model(task) if {
	model := task.config.model
	is_string(model)
	some allowed in data.rules.llm_allowed_models
	allowed == model
}

has_idempotency_key if {
	is_string(input.idempotency_key)
	input.idempotency_key != ""
}

# PHI data may only flow when encryption is mandated
deny contains violation if {
	some i, task in input.tasks
	task.data_classification == "phi"
	not data.rules.phi_encryption_required
	violation := {
		"rule": "phi_encryption",
		"order": 0,
		"position": 0,
		"task_index": i,
		"task_id": task.id,
		"message": "PHI data requires encryption",
	}
}

deny contains violation if {
	some i, task in input.tasks
	task.type == "llm"
	not has_allowed_model(task)
	model := model_label(task)
	violation := {
		"rule": "llm_model_allowlist",
		"order": 1,
		"position": 0,
		"task_index": i,
		"task_id": task.id,
		"message": sprintf("model '%s' not allowed, allowed: %v", [model, data.rules.llm_allowed_models]),
	}
}

# Case-insensitive substring match against every banned phrase
deny contains violation if {
	some i, task in input.tasks
	task.type in generative_types
	prompt := task.config.prompt
	is_string(prompt)
	some j, banned in data.rules.banned_prompts
	contains(lower(prompt), lower(banned))
	violation := {
		"rule": "banned_prompt",
		"order": 2,
		"position": j,
		"task_index": i,
		"task_id": task.id,
		"message": sprintf("prompt contains banned phrase: '%s'", [banned]),
	}
}

deny contains violation if {
	some i, task in input.tasks
	task.type in mutating_types
	not has_idempotency_key
	violation := {
		"rule": "idempotency_required",
		"order": 3,
		"position": 0,
		"task_index": i,
		"task_id": task.id,
		"message": sprintf("idempotency key required for %s tasks", [task.type]),
	}
}
`
