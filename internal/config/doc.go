// Package config loads the orchestrator configuration from HCL files.
//
// A configuration holds at most one `orchestrator` block with the run
// limits and any number of labelled `peer` blocks:
//
//	orchestrator {
//	  concurrency   = 4
//	  step_budget   = 64
//	  deadline      = "30s"
//	  call_timeout  = "5s"
//	  max_attempts  = 3
//	  retry_backoff = "50ms"
//	  transport     = "http"
//	}
//
//	peer "adder" {
//	  endpoint = "http://${env.ADDER_HOST}:9101"
//	}
//
// Expressions may reference the process environment through the `env`
// object. The resulting Model is format-agnostic; command-line flags are
// layered on top of it by the app package.
package config
