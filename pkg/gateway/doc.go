/*
Package gateway is the payment provider client.

All billing traffic flows through the Client interface: customer and
subscription management during provisioning, overdue invoice listing
for the dunning scheduler, and single-invoice reads the lifecycle
engine uses to verify an escalation is still warranted before acting
on it.

# Resilience

The HTTP implementation layers three guards around every call:

	rate limiter (10 rps, burst 20)
	  └─ circuit breaker (opens after 5 consecutive failures, 30s reset)
	       └─ retry (5 attempts, backoff 250ms doubling, capped 8s)

5xx responses and transport errors are transient and retried. 4xx
responses are permanent, returned immediately, and do not count
against the breaker. 404 unwraps to types.ErrNotFound. While the
breaker is open, calls fail fast without touching the retry budget.

# Webhook Signatures

VerifyWebhookSignature checks the provider's hex HMAC-SHA256 header in
constant time. It lives here because the secret belongs to the gateway
configuration; the webhook ingestor calls it on every delivery.

The Fake implements Client in memory for tests and for log-mode runs
with no provider configured.
*/
package gateway
