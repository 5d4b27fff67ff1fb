// Package logging provides the process-wide leveled logger used by every
// gateway subsystem.
//
// The package wraps log/slog with a subsystem-first call convention:
//
//	logging.Info("Aggregator", "registered server %s with %d tools", name, count)
//	logging.Error("Upstream", err, "connect failed for %s", name)
//
// Init must be called once at startup. Output goes to the writer the
// caller provides (stderr when the gateway itself serves MCP over stdio,
// so the wire on stdout stays clean) and, optionally, to a size-rotated
// log file.
//
// Log hygiene rules enforced by convention throughout the codebase:
//
//   - bearer tokens, client secrets and authorization headers never appear
//     in log output
//   - session identifiers are shortened with TruncateSessionID before
//     logging
package logging
