/*
Package orchestrator provisions and manipulates the Kubernetes footprint
of a tenant site.

Every tenant lives in its own namespace holding a fixed set of objects:
a credentials secret, a TLS secret, MySQL and WordPress deployments with
their volume claims and services, an optional Redis cache on the higher
plan tiers, an ingress for the tenant domain, and a nightly backup
CronJob. The package exposes a Driver interface over that footprint; the
rest of the system never touches client-go directly.

# Architecture

	┌───────────────────── ORCHESTRATOR ──────────────────────┐
	│                                                          │
	│  ┌─────────────────────────────────────────────┐        │
	│  │              Driver interface                │        │
	│  │  Ensure* / WaitReady / Scale / ExecInPod /   │        │
	│  │  PointIngressTo / DeleteNamespace            │        │
	│  └───────────┬──────────────────┬──────────────┘        │
	│              │                  │                        │
	│  ┌───────────▼──────┐  ┌────────▼──────────┐            │
	│  │    KubeDriver    │  │     LogDriver     │            │
	│  │  client-go       │  │  records intents  │            │
	│  │  spec-hash apply │  │  dev + tests      │            │
	│  └───────────┬──────┘  └───────────────────┘            │
	│              │                                           │
	│  ┌───────────▼─────────────────────────────────┐        │
	│  │              builders (pure)                 │        │
	│  │  namespace, secrets, claims, deployments,    │        │
	│  │  services, ingress, backup cronjob           │        │
	│  └─────────────────────────────────────────────┘        │
	│                                                          │
	│  Tenant namespace (client-<tenantID>):                   │
	│    site-credentials  site-tls                            │
	│    db-<id> pvc+deploy+svc   wp-<id> pvc+deploy+svc       │
	│    cache-<id> deploy+svc    ing-<id>   backup-<id>       │
	└──────────────────────────────────────────────────────────┘

# Apply Semantics

Ensure methods are level-based. Each desired object carries a
steward.siteforge.io/spec-hash annotation computed from its spec.
Create if absent, update if the stored hash differs, skip otherwise.
Mutations outside Ensure (ingress repoint during suspension, CronJob
pause) rewrite the annotation so a later Ensure restores the desired
shape. Volume claims are the exception: immutable once bound, existing
claims are left untouched.

Selectors use only the tenant and component labels. Plan labels change
on upgrades and a deployment selector cannot.

# Plan Tiers

ResourcesFor maps a plan tier to its envelope: cpu and memory
requests and limits, storage sizes, WordPress replica count and
whether the Redis cache runs. The database always runs exactly one
replica with a Recreate strategy; two MySQL pods on one volume means
corruption.

# Exec

ExecInPod streams a command into the first ready pod of a component,
preferring the websocket transport and falling back to SPDY when the
path to the API server cannot upgrade. Non-zero exits surface as
types.ExecError with the command line pre-redacted; credential flags
never reach logs or error chains.

# Usage

	driver, err := orchestrator.New(cfg.Orchestrator)
	if err != nil {
		return err
	}

	site := orchestrator.SiteFor(tenant)
	if err := driver.EnsureNamespace(ctx, site); err != nil {
		return err
	}
	if err := driver.EnsureDatabase(ctx, site); err != nil {
		return err
	}
	err = driver.WaitReady(ctx, site, orchestrator.ComponentDatabase, 5*time.Minute)

The log driver backs local development and tests: it records every
operation in memory, can be told to fail specific operations, and
serves canned ExecInPod output through ExecFunc.
*/
package orchestrator
