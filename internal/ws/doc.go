// Package ws provides WebSocket connection handling and message routing
// for realtime collaboration.
//
// The package implements:
//   - Client: One WebSocket connection with a buffered send channel
//   - Handler: Routes inbound messages to presence, sessions and docsync
//   - Service: Upgrades connections and registers them with the registry
//
// Key behaviors:
//   - Slow consumers are disconnected, never backpressured
//   - Disconnect detaches session sinks and releases document editor
//     references, then starts the presence leave grace timer
//   - Unknown or malformed messages produce a direct error event and the
//     connection stays open
package ws
