// Package connection implements the realtime channel: the Transport
// Connection, the Connection Manager and the Room Membership Protocol.
//
// The Connection Manager:
//   - Owns a single WebSocket connection, authenticated by a token query parameter
//   - Runs an explicit state machine (idle, connecting, connected, disconnecting, disconnected)
//   - Joins room user.<id> exactly once per connected session
//   - Reconnects after server closes, with exponential backoff for repeated short sessions
//   - Reconnects with a fresh token when a refresh is owed
//   - Publishes domain events, state changes and room errors on the event bus
package connection
