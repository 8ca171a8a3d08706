/*
Package events provides the in-process domain event bus.

The bus connects the subsystems that produce facts (provisioner, dunning
scheduler, webhook receiver, backup runner) to the subsystems that act
on them (lifecycle engine, notifier) without direct coupling. The event
type set is closed: publishing or subscribing with an unknown type is a
programming error and is rejected.

# Architecture

	┌──────────────────────── EVENT BUS ────────────────────────┐
	│                                                            │
	│  Publish(event)                                            │
	│       │                                                    │
	│       ▼                                                    │
	│  ┌──────────────────────────────┐                          │
	│  │ per-tenant FIFO queues       │   bounded, capacity per  │
	│  │ acme:   [e1 e2 e3]           │   tenant; overflow drops │
	│  │ globex: [e4]                 │                          │
	│  └───────────┬──────────────────┘                          │
	│              │ one tenant never runs on two workers        │
	│              ▼                                             │
	│  ┌──────────┐ ┌──────────┐ ┌──────────┐                    │
	│  │ worker 1 │ │ worker 2 │ │ worker N │                    │
	│  └────┬─────┘ └────┬─────┘ └────┬─────┘                    │
	│       ▼            ▼            ▼                          │
	│  handlers per event type, retried with backoff,            │
	│  parked after the retry budget is spent                    │
	└────────────────────────────────────────────────────────────┘

# Delivery Semantics

At least once. A handler that returns an error is retried with
exponential backoff up to MaxRetries re-deliveries, then the event is
parked (kept in memory, counted, listable via the system API) and the
tenant's queue moves on. Handlers are therefore required to be
idempotent; the lifecycle engine gets this from its no-op transition
rule, the notifier from send-markers in the store.

Ordering is guaranteed per tenant only. Events for different tenants
are delivered concurrently by the worker pool.

# Drops

Three situations discard events deliberately, each with its own metric:

  - Overflow: a tenant queue at capacity drops new events at publish
  - Expiry: events older than MaxEventAge are dropped at dequeue
  - Invalidation: a PaymentConfirmed sets a watermark on the tenant's
    queue; queued escalation events (overdue.*) at or before the
    watermark are dropped at dequeue instead of delivered

Invalidation is an optimization, not the safety mechanism. The
lifecycle engine re-reads the invoice before applying any escalation,
so a stale escalation that slips past the watermark is still refused at
the authority point.

# Usage

	bus := events.NewBus(events.Config{Workers: 4})
	bus.Subscribe(types.EventPaymentConfirmed, engine.HandlePayment)
	bus.Subscribe(types.EventOverdueD3, engine.HandleEscalation)
	bus.Start()
	defer bus.Stop()

	bus.Publish(&types.DomainEvent{
		Type:      types.EventPaymentConfirmed,
		TenantID:  tenant.ID,
		InvoiceID: invoice.ID,
	})

Stop waits for in-flight deliveries and discards the rest of the
queues. Durable redelivery across restarts comes from the daily dunning
scan, not from the bus.
*/
package events
