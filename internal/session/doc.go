// Package session drives one client connection on behalf of the server.
//
// A Session wraps an engine connection together with the client's validated
// address and the application state layered on top of it:
//   - Egress: pending media bytes are flushed, then every packet the engine
//     produces is written to the client's address
//   - Ingress: received datagrams are handed to the engine
//   - Application: readable streams are drained into per-stream Transfer
//     records and reported to a Handler
//   - Fan-out: encoded frames are copied into subscribed media streams,
//     at most once per frame, whole frames only
//
// # Lifecycle
//
//  1. The server validates the client's retry token and accepts a connection
//  2. New wraps the connection; the registry takes ownership of the Session
//  3. Every tick the server calls Egress and ServiceApplication
//  4. When the engine reports the connection closed, or the session idles
//     out, the registry removes the session and Close frees the connection
//
// # Thread Safety
//
// A Session is owned by the scheduling goroutine and is not safe for
// concurrent use.
package session
