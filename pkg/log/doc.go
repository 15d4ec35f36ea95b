/*
Package log provides structured logging for Strata using zerolog.

The log package wraps zerolog with a process-wide logger, component-specific
child loggers and a handful of helpers. Every component of the manager logs
through it so that container, node and pipeline identifiers always appear as
structured fields rather than inside message strings.

# Usage

Initialize once at process start:

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

Create component loggers and attach identifiers as fields:

	logger := log.WithComponent("container")
	logger.Info().
		Uint64("container_id", uint64(id)).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("container transitioned")

Until Init runs the global Logger is a no-op logger, which keeps unit tests
and embedders silent.

# Levels

  - Debug: stale or duplicate reports, command delivery
  - Info: lifecycle transitions, node liveness changes, restarts
  - Warn: node lost, mismatched replicas, retried durable writes
  - Error: durability failures, background loop errors
*/
package log
