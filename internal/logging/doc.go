// Package logging provides structured logging for kefctl.
//
// This package wraps a global zap logger with convenience functions for the
// logging patterns used by the speaker engine and the CLI.
//
// # Log Levels
//
//   - Debug: frame hex dumps, queue activity, probe results
//   - Info: connection events, reachability transitions
//   - Warn: retries, discarded stale bytes, dropped notifications
//   - Error: bridge and simulator failures
//
// # Configuration
//
// Logging is silent unless a level is requested, either with the --log-level
// flag or the KEFCTL_LOG_LEVEL environment variable:
//
//	if err := logging.Initialize(logLevel); err != nil {
//	    return err
//	}
//	defer logging.Sync()
//
// # Frame Logging
//
// The transport logs every frame it writes and reads at debug level:
//
//	logging.LogFrame("192.168.1.20:50001", "sent", frame, table.Dump(frame))
//
// Output goes to stderr in console format so that stdout stays usable for
// --json output.
package logging
