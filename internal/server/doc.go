// Package server exposes terminal sessions to remote consumers over
// HTTP and WebSocket.
//
// Surface:
//   - GET /health     liveness plus active session count
//   - GET /terminals  session registry snapshot
//   - GET /metrics    Prometheus exposition
//   - GET /stats      JSON metrics snapshot
//   - GET /terminal   WebSocket speaking the create/write/resize/kill/list
//     envelope protocol
//
// Each WebSocket connection gets a session id, and every terminal it
// creates is owned by that connection: when the socket closes, the
// owned terminals are killed and removed.
package server
