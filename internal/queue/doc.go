// Package queue provides a deadline queue that runs one-shot tasks when
// their deadline passes. Tasks are kept in a min-heap ordered by deadline
// and serviced by a single background goroutine.
package queue
