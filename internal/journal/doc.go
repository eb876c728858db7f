// Package journal appends domain events received on the realtime channel
// to a Postgres table for auditing.
//
// Events are buffered in memory and written in batches:
//   - A batch is flushed when it reaches the batch size or the flush interval passes
//   - Events already journaled under the same topic and id are skipped
//   - When the database falls behind, events beyond the buffer size are dropped and counted
//
// The journal is write-only. Nothing reads it back or replays it.
package journal
