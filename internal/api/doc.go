// Package api implements the HTTP REST API and WebSocket server for ParcelHub Core.
//
// This package provides:
//   - REST endpoints for locker provisioning and box reads
//   - Box write operations (fill, pickup, unlock) with a structured outcome
//   - WebSocket hub pushing committed locker and box changes
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - Prometheus exposition at /metrics
//
// # Write outcomes
//
// Every write answers with an outcome of "succeeded", "failed" or
// "unknown". Unknown means a command reached the transport but no response
// arrived in time (504). The device may still act on it; clients must wait
// for the next status report rather than retrying blindly.
//
// # Hardware mediation
//
// With commands.hardware_mediated set, fill and pickup first command the box
// and only change stored state after the device confirms. Without it, they
// change stored state directly and the device catches up on its own.
//
// # Graceful Degradation
//
// The server keeps serving while the broker is unreachable. Reads, admin
// edits and non-mediated writes work; unlock, refresh and mediated writes
// answer 503 until the transport is back.
package api
