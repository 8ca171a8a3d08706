/*
Package notify delivers lifecycle notices to tenants and alerts to
operators.

Customer notices go out over SMTP to the tenant's contact address.
Final warnings additionally post to the tenant's registered Slack
webhook when one is set. Operator alerts go to the control plane's own
Slack channel.

Delivery is fire-and-forget from the caller's point of view: lifecycle
transitions commit before notices go out, and a failed delivery is
logged, never rolled back.

The log mode records notices instead of delivering them and backs the
development setup and the test suites.
*/
package notify
