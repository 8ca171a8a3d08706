/*
Package dns publishes tenant records into the managed zone.

Provision success, reactivation and deletion all pass through the
Provider interface: EnsureRecord publishes the tenant domain and its
www alias pointing at the configured ingress target (A, AAAA or CNAME
depending on the target), DeleteRecord removes both.

The rfc2136 provider sends RFC 2136 dynamic updates over TCP with
optional TSIG authentication. Every ensure is a single update message
that removes the names first and inserts the desired records, so a
target type change never strands a stale record. Domains outside the
managed zone are skipped: their owners point DNS at us themselves.

The log provider records intents in memory for development and tests.
*/
package dns
