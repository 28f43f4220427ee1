// Package main is the entry point for the AI Studio proxy server.
//
// The server exposes an OpenAI-compatible chat-completions API backed by a
// single browser-automated AI Studio session. Requests are queued and served
// one at a time by a worker that drives the remote session, recovers from
// failures, and bridges responses back as SSE streams or full completions.
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Default ports (API on 2048, capture ingest on 3120)
//	./server
//
//	# Scrape mode, custom port
//	STREAM_PORT=0 ./server -port 8000
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
