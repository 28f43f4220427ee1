// Package logging provides structured logging using uber/zap.
//
// This package offers production-ready logging with two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Every request gets a child logger via WithRequest so queue, worker and
// bridge lines share one req_id field.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Server starting", zap.String("port", "2048"))
//	logger.WithRequest(reqID).Info("request admitted")
package logging
