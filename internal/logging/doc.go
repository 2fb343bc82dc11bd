// Package logging provides structured logging for kasalink.
//
// This package wraps zap logger with convenience functions for the logging
// patterns used by the transports and the protocol layer.
//
// # Log Levels
//
//   - Debug: Handshake stages, request sizes, hex dumps of wire frames
//   - Info: Session establishment, connection lifecycle
//   - Warn: Retries, re-handshakes, unknown device error codes
//   - Error: Terminal failures surfaced to the caller
//
// # Configuration
//
// Logging is silent unless enabled. Set KASALINK_LOG_LEVEL or call
// Initialize explicitly:
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// # Sensitive Data
//
// Passwords, credential hashes and session keys are never passed to the
// logger. LogRawBytes is only evaluated when debug level is enabled and is
// meant for ciphertext and decoded JSON bodies.
//
// # Thread Safety
//
// All logging functions are safe for concurrent use.
package logging
