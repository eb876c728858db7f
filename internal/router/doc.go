// Package router implements the Message Router component.
//
// The Message Router:
//   - Decodes the {id, type, data} envelope of every realtime frame
//   - Separates room control messages (room.join, room.leave, room.error)
//     from domain events
//   - Turns domain events into Event values whose topic is the frame type
//   - Encodes outgoing room control frames
package router
