/*
Package types defines the core data structures used throughout Steward.

This package contains the domain model of the control plane: tenants and
their lifecycle states, invoices, the append-only lifecycle audit stream,
backup records, provision requests and the closed set of domain events
that flow through the bus. Every other package depends on it; it depends
on nothing but the standard library.

# Architecture

The types package is the foundation of Steward's data model. It defines:

  - Tenant aggregate (state, credentials blob, infrastructure names)
  - Lifecycle states and the transition reasons recorded in the audit log
  - Invoice mirror of the payment gateway's view
  - Backup kinds with their retention classes
  - The closed DomainEvent set dispatched by the event bus
  - The shared error taxonomy (transient, permanent, timeout, exec,
    invariant)

# Core Types

Tenant lifecycle:
  - Tenant: one paying customer's WordPress instance and lifecycle record
  - LifecycleState: provisioning, active, warning_sent, suspended,
    final_warning_sent, scheduled_for_deletion, deleted,
    provisioning_failed
  - LifecycleEvent: append-only audit row (from, to, reason, cause)
  - TransitionReason: the trigger that caused a transition

Billing:
  - Invoice: gateway invoice mirror with DaysOverdue derivation
  - InvoiceStatus: pending, confirmed, overdue, refunded, cancelled

Infrastructure:
  - InfrastructureRef: deterministic orchestrator object names
    (client-<id> namespace, wp-<id>, db-<id>, ...). The scheme is
    permanent; deletion removes every object matching it.
  - SiteCredentials: generated once, sealed into Tenant.CredentialsBlob,
    revealed at most once

Backups:
  - BackupKind: daily, weekly, monthly, final
  - BackupRecord: one row per successful backup with checksum and
    object key

Events:
  - DomainEvent: flat tagged event (Type selects which fields are set)
  - EventType: the closed set; KnownEventType rejects everything else

# Error Taxonomy

Errors cross package boundaries through a small taxonomy instead of
ad-hoc strings:

	err := types.Transient("gateway list invoices", cause)
	if types.IsTransient(err) {
		// retry with backoff
	}

TransientError is retried inside the failing step; PermanentError fails
the step immediately; ProvisionTimeoutError triggers provisioner
rollback; ExecError aborts the step that ran the command; InvariantError
is never recovered and pins the tenant to its prior state.

# Usage

Deriving infrastructure names:

	ref := types.NewInfrastructureRef("padariarosa_3f9a1c")
	// ref.Namespace == "client-padariarosa_3f9a1c"
	// ref.WPDeployment == "wp-padariarosa_3f9a1c"

Checking dunning applicability:

	days := invoice.DaysOverdue(time.Now())
	if days >= 7 {
		// escalate
	}
*/
package types
