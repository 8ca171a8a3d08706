// Package dunning implements the periodic overdue-invoice scan that
// walks unpaying tenants down the escalation ladder. A single leader
// elected through a store lease runs one tick per schedule; each tick
// recomputes everything from authoritative gateway state, so missed
// ticks are never replayed.
package dunning
