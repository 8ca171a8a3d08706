/*
Package config loads and validates the daemon configuration.

Resolution order, later wins:

 1. Built-in defaults (Default)
 2. YAML file passed via --config
 3. STEWARD_* environment variables

Environment overrides exist mainly for secrets (encryption key, gateway
API key, webhook secret, TSIG secret, SMTP password) so they never have
to live in the file on disk.

Validation combines go-playground/validator struct tags with cross-field
rules: kubernetes orchestrator mode requires an encryption key, rfc2136
DNS mode requires server, zone and target, smtp notify mode requires
host and sender.

The external-facing subsystems (orchestrator, DNS, notifier) each have a
"log" mode that records intents through the logger instead of calling
the real backend. A fresh checkout runs with the default config and no
infrastructure at all.
*/
package config
