package policy

// builtinPolicies returns the admission rules every deployment carries.
func builtinPolicies() []Policy {
	return []Policy{
		prodRollbackPolicy(),
		prodBatchSizePolicy(),
		soakPausePolicy(),
		blastRadiusPolicy(),
	}
}

// prodRollbackPolicy blocks plans that touch production without automatic
// rollback enabled.
func prodRollbackPolicy() Policy {
	return Policy{
		Name:        "prod-rollback-required",
		Description: "Plans touching production devices must enable rollback on failure",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"prod", "safety"},
		Rego: `package rosfleet.admission.prod_rollback

import rego.v1

prod_devices contains d.id if {
	some d in input.devices
	d.environment == "prod"
}

deny contains finding if {
	count(prod_devices) > 0
	not input.plan.rollback_on_failure
	finding := {
		"message": sprintf("plan touches %d production device(s) but rollback on failure is disabled", [count(prod_devices)]),
		"severity": "error",
	}
}
`,
	}
}

// prodBatchSizePolicy caps the batch size for plans touching production.
func prodBatchSizePolicy() Policy {
	return Policy{
		Name:        "prod-batch-size",
		Description: "Plans touching production devices are limited to batches of 2",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"prod", "safety"},
		Rego: `package rosfleet.admission.prod_batch_size

import rego.v1

max_prod_batch_size := 2

prod_devices contains d.id if {
	some d in input.devices
	d.environment == "prod"
}

deny contains finding if {
	count(prod_devices) > 0
	input.plan.batch_size > max_prod_batch_size
	finding := {
		"message": sprintf("batch size %d exceeds the production limit of %d", [input.plan.batch_size, max_prod_batch_size]),
		"severity": "error",
	}
}
`,
	}
}

// soakPausePolicy flags plans that roll through staging or production with
// no soak period between batches.
func soakPausePolicy() Policy {
	return Policy{
		Name:        "soak-pause",
		Description: "Plans touching staging or production should pause between batches",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package rosfleet.admission.soak_pause

import rego.v1

guarded_devices contains d.id if {
	some d in input.devices
	d.environment in {"staging", "prod"}
}

deny contains finding if {
	count(guarded_devices) > 0
	input.plan.pause_between_batches == 0
	finding := {
		"message": "no soak pause between batches for a staging/prod rollout",
		"severity": "warning",
	}
}
`,
	}
}

// blastRadiusPolicy flags unusually large plans.
func blastRadiusPolicy() Policy {
	return Policy{
		Name:        "blast-radius",
		Description: "Plans touching more than 20 devices are flagged for review",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package rosfleet.admission.blast_radius

import rego.v1

deny contains finding if {
	count(input.devices) > 20
	finding := {
		"message": sprintf("plan touches %d devices", [count(input.devices)]),
		"severity": "warning",
	}
}
`,
	}
}
