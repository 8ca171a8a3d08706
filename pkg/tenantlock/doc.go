/*
Package tenantlock provides per-tenant mutual exclusion.

Every state-changing path (lifecycle transitions, provisioning, forced
deletion) must hold the tenant's lock for the duration of its
read-modify-write, which is what gives each tenant a total order of
transitions without serializing unrelated tenants against each other.

Entries are reference counted and evicted on last release, keeping the
map proportional to in-flight work.

# Usage

	locks := tenantlock.NewMap()

	release := locks.Lock(tenantID)
	defer release()
	// read tenant, decide transition, write tenant
*/
package tenantlock
