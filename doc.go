// Package websocketio connects HTTP callers and WebSocket clients to
// backend workers over a NATS message bus.
//
// # Architecture
//
//	┌──────────────┐   HTTP    ┌─────────────────────────┐
//	│ REST clients │──────────▶│  bridge (request/reply) │──┐
//	└──────────────┘           └─────────────────────────┘  │
//	┌──────────────┐ WebSocket ┌─────────────────────────┐  │   ┌──────┐
//	│ WS clients   │◀─────────▶│  relay (pub/sub)        │──┼──▶│ NATS │
//	└──────────────┘           └─────────────────────────┘  │   └──────┘
//	                                                        │      ▲
//	                           ┌─────────────────────────┐  │      │
//	                           │  gateway (one server)   │──┘      │
//	                           └─────────────────────────┘         │
//	                           ┌─────────────────────────┐         │
//	                           │  endpoint + authservice │─────────┘
//	                           └─────────────────────────┘
//
// The bridge forwards HTTP requests to bus subjects as request/reply with a
// fixed timeout, mapping the worker's reply status and payload back to the
// caller verbatim. The relay authenticates WebSocket handshakes with a JWT,
// groups connections by identity and delivers broadcast events to the
// matching sender and recipient groups; inbound client messages are stamped
// with the connection's identity before republication so senders cannot be
// spoofed.
//
// Backend workers build on the endpoint package, which dispatches decoded
// requests by method and path over a queue group and guarantees exactly one
// reply per request: unknown routes get 404, failed handlers a generic 500
// with the cause logged locally. The authservice package is the reference
// worker: registration, login and profile lookup backed by an in-memory or
// JetStream KV user store.
//
// Shared infrastructure: natsclient (connection management with circuit
// breaker and JetStream KV helpers), envelope (wire types), errors
// (classified errors), metric (Prometheus registry), health (status
// monitor), config (JSON + environment configuration), pkg/token (JWT),
// pkg/worker (bounded worker pool) and pkg/retry (backoff).
//
// Entry points live under cmd/gateway and cmd/authservice.
package websocketio
