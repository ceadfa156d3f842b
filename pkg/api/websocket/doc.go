// Package websocket provides real-time pool event streaming via WebSocket.
//
// Clients can connect to /api/v1/events/ws, optionally filtered with the
// provider and node query parameters, to follow spawns, exits, recoveries
// and drains as they happen.
package websocket
