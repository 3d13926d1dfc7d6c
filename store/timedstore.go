// Package store implements TimedStore, the generic TTL-indexed presence
// registry shared by Discover (service offers) and ServiceInstance
// (accepted subscriptions). See spec §4.3.
package store

import (
	"sync"
	"time"

	"github.com/axmq/someipsd/types"
)

// Callback is invoked when a key is newly added (on_new) or when it
// expires, is explicitly stopped, or its peer is dropped (on_expire). A
// non-nil error from an on_new callback invoked by Refresh — or from the
// callback Stop invokes — propagates synchronously to the caller, which is
// how a ServerServiceListener refuses a subscription with ErrNakSubscription
// (spec §4.3, §4.7).
type Callback[K comparable] func(key K, peer types.PeerAddr) error

type entry[K comparable] struct {
	onExpire Callback[K]
	timer    *time.Timer
}

// Entry identifies one stored (peer, key) pair, returned by Entries for
// membership scans.
type Entry[K comparable] struct {
	Peer types.PeerAddr
	Key  K
}

// TimedStore is a TTL-indexed registry keyed by (peer, key). Every stored
// key has exactly one reachable timer, or none when its TTL is
// types.TTLForever. The expire callback fires exactly once per stored
// entry: on explicit Stop, on timer expiry, or once via StopAllForAddress/
// StopAll when the owning peer or the whole store is torn down.
type TimedStore[K comparable] struct {
	mu      sync.Mutex
	buckets map[types.PeerAddr]map[K]*entry[K]
}

// New creates an empty TimedStore.
func New[K comparable]() *TimedStore[K] {
	return &TimedStore[K]{buckets: make(map[types.PeerAddr]map[K]*entry[K])}
}

// Refresh adds or renews (peer, key) with the given ttl (a duration; 0, or
// types.TTLForever seconds or more, means "never expires" and arms no
// timer). If the entry already exists,
// its timer is cancelled and rescheduled; onNew is not invoked again. If
// it is new, onNew is invoked synchronously before the timer is armed, and
// its error (if any) is returned without storing the entry — this is how
// a refused subscription short-circuits before ever being tracked.
func (s *TimedStore[K]) Refresh(ttl time.Duration, peer types.PeerAddr, key K, onNew, onExpire Callback[K]) error {
	s.mu.Lock()

	bucket, ok := s.buckets[peer]
	if !ok {
		bucket = make(map[K]*entry[K])
		s.buckets[peer] = bucket
	}

	existing, present := bucket[key]
	if present && existing.timer != nil {
		existing.timer.Stop()
	}
	s.mu.Unlock()

	if !present {
		if onNew != nil {
			if err := onNew(key, peer); err != nil {
				return err
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry[K]{onExpire: onExpire}
	if ttl != 0 && ttl < time.Duration(types.TTLForever)*time.Second {
		e.timer = time.AfterFunc(ttl, func() { s.fireExpiry(peer, key) })
	}
	bucket[key] = e
	return nil
}

func (s *TimedStore[K]) fireExpiry(peer types.PeerAddr, key K) {
	s.mu.Lock()
	bucket, ok := s.buckets[peer]
	if !ok {
		s.mu.Unlock()
		return
	}
	e, ok := bucket[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(bucket, key)
	if len(bucket) == 0 {
		delete(s.buckets, peer)
	}
	s.mu.Unlock()

	if e.onExpire != nil {
		_ = e.onExpire(key, peer)
	}
}

// Stop cancels (peer, key)'s timer if present and invokes its stored
// expire callback synchronously, returning its error. It is a no-op
// (returning nil) if the entry is absent.
func (s *TimedStore[K]) Stop(peer types.PeerAddr, key K) error {
	s.mu.Lock()
	bucket, ok := s.buckets[peer]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	e, ok := bucket[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(bucket, key)
	if len(bucket) == 0 {
		delete(s.buckets, peer)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	s.mu.Unlock()

	if e.onExpire != nil {
		return e.onExpire(key, peer)
	}
	return nil
}

// StopAllForAddress cancels every timer under peer and schedules each
// expire callback to run asynchronously, then clears peer's bucket.
func (s *TimedStore[K]) StopAllForAddress(peer types.PeerAddr) {
	s.mu.Lock()
	bucket, ok := s.buckets[peer]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.buckets, peer)
	s.mu.Unlock()

	for key, e := range bucket {
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.onExpire != nil {
			go e.onExpire(key, peer)
		}
	}
}

// StopAll tears down every peer's bucket, as StopAllForAddress.
func (s *TimedStore[K]) StopAll() {
	s.mu.Lock()
	buckets := s.buckets
	s.buckets = make(map[types.PeerAddr]map[K]*entry[K])
	s.mu.Unlock()

	for peer, bucket := range buckets {
		for key, e := range bucket {
			if e.timer != nil {
				e.timer.Stop()
			}
			if e.onExpire != nil {
				go e.onExpire(key, peer)
			}
		}
	}
}

// StopAllMatching calls Stop for every stored (peer, key) satisfying
// predicate. Errors from individual Stop calls are not collected: a
// matching-predicate teardown is a bulk operation, not a subscribe
// response path, so there is no single caller to hand a NakSubscription to.
func (s *TimedStore[K]) StopAllMatching(predicate func(peer types.PeerAddr, key K) bool) {
	for _, e := range s.Entries() {
		if predicate(e.Peer, e.Key) {
			_ = s.Stop(e.Peer, e.Key)
		}
	}
}

// Entries returns every stored (peer, key) pair, for membership scans
// (StopAllMatching walks it to pick the entries to stop).
func (s *TimedStore[K]) Entries() []Entry[K] {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry[K]
	for peer, bucket := range s.buckets {
		for key := range bucket {
			out = append(out, Entry[K]{Peer: peer, Key: key})
		}
	}
	return out
}
