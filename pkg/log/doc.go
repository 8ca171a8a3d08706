/*
Package log provides structured logging for Steward using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level for production
debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all Steward packages
  - Thread-safe concurrent writes

Configuration:
  - Level: debug/info/warn/error threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithTenantID: Add tenant ID context
  - WithEventID: Add event correlation ID context
  - WithBackupID: Add backup ID context

# Usage

Initialize once at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers carry a fixed field:

	logger := log.WithComponent("provisioner")
	logger.Info().Str("tenant_id", id).Msg("workflow started")

JSON output format:

	{
	  "level": "info",
	  "component": "provisioner",
	  "tenant_id": "padariarosa_3f9a1c",
	  "time": "2025-06-01T10:30:00Z",
	  "message": "workflow started"
	}

# Redaction

Credentials never reach a log line. Structured fields are the only
sanctioned way to attach context; callers must not format secrets into
messages, and error paths that touch credentials go through redacted
command strings (see the orchestrator executor).
*/
package log
