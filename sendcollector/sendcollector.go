// Package sendcollector implements SendCollector, the short-window
// coalescer that batches SD entries destined for one remote peer into a
// single outgoing datagram (spec §4.4).
package sendcollector

import (
	"sync"
	"time"

	"github.com/axmq/someipsd/types"
)

// Flush is invoked exactly once, when the collector's timeout fires, with
// the full list of entries appended since creation.
type Flush[E any] func(entries []E, remote types.PeerAddr)

// Collector batches Append calls for one remote behind a single timer.
// Once its timeout fires it is done: further Append calls fail and the
// owner must allocate a fresh Collector for the next entry.
type Collector[E any] struct {
	mu      sync.Mutex
	remote  types.PeerAddr
	flush   Flush[E]
	entries []E
	done    bool
	timer   *time.Timer
}

// New creates a Collector for remote that flushes after timeout. timeout
// must be positive; a caller wanting immediate, uncollected sends (the
// SEND_COLLECTION_TIMEOUT == 0 case) must bypass Collector entirely rather
// than construct one.
func New[E any](remote types.PeerAddr, timeout time.Duration, flush Flush[E]) *Collector[E] {
	c := &Collector[E]{remote: remote, flush: flush}
	c.timer = time.AfterFunc(timeout, c.fire)
	return c
}

// Append adds entry to the pending batch. It returns false if the
// collector has already flushed, in which case the caller must allocate a
// new Collector and retry.
func (c *Collector[E]) Append(entry E) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return false
	}
	c.entries = append(c.entries, entry)
	return true
}

// Done reports whether the collector has already flushed.
func (c *Collector[E]) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Collector[E]) fire() {
	c.mu.Lock()
	c.done = true
	entries := c.entries
	c.entries = nil
	c.mu.Unlock()

	if c.flush != nil {
		c.flush(entries, c.remote)
	}
}
