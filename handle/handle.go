// Package handle runs blocking reads and writes on background worker
// goroutines and reports their results as callbacks on an event loop.
//
// The read primitive on an opaque handle cannot be cancelled once issued,
// so flow control is cooperative: after every delivered chunk the input
// worker waits for the callback's backlog verdict before issuing the next
// read, and parks itself while the backlog stays at or above MaxBacklog.
package handle

import "math"

const (
	// MaxBacklog is the unconsumed byte count at which an input worker
	// stops issuing reads until it is unthrottled.
	MaxBacklog = 32 * 1024

	// StopReading is the backlog verdict that halts an input worker
	// outright, regardless of MaxBacklog.
	StopReading = math.MaxInt
)

// DataFunc receives one read result on the loop goroutine and returns the
// backlog the worker should honor. A non-nil err reports the end of the
// stream: io.EOF for a graceful end, anything else for a read failure. No
// data is delivered after an error has been reported.
type DataFunc = func(data []byte, err error) (backlog int)

// SentFunc receives the queued byte count remaining after a completed
// write, on the loop goroutine. A non-nil err reports a write failure; no
// further calls follow one.
type SentFunc = func(backlog int, err error)
