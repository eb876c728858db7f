// Package database opens the PostgreSQL pool backing the event journal.
//
// The pool is only created when journaling is enabled; the realtime
// channel itself has no database dependency.
package database
