// Package provision implements the tenant creation workflow: a
// resumable, idempotent sequence that takes a ProvisionRequest to a
// running, installed WordPress site. Completed steps are recorded on
// the tenant row, so a crashed or retried run skips what already
// succeeded. Any hard failure rolls the tenant back to a clean
// ProvisioningFailed terminal state.
package provision
