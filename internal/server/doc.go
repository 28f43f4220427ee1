// Package server assembles and runs the proxy.
//
// This package orchestrates all components:
//   - HTTP routing with the Gin framework
//   - Middleware stack (CORS, auth, metrics, rate limiting, recovery)
//   - Remote session controller
//   - Capture ingest listener (when a capture agent is configured)
//   - Request queue and the single processing worker
//
// Server Lifecycle:
//  1. Load configuration from environment/flags
//  2. Initialize logger (production or development)
//  3. Load auth profiles and the model manifest
//  4. Select the response bridge (capture or scrape)
//  5. Start the worker loop
//  6. Serve the API and, if enabled, the capture ingest port
//  7. Graceful shutdown on signal
package server
