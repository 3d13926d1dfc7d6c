// Package discover implements Discover (spec §4.6): the client side of SD
// that watches for services matching registered filters and runs the
// periodic FindService loop, grounded on network/keepalive.go's
// single-goroutine timer-loop-with-cancellation idiom.
package discover

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/axmq/someipsd/codec/sd"
	"github.com/axmq/someipsd/pkg/logger"
	"github.com/axmq/someipsd/store"
	"github.com/axmq/someipsd/types"
)

// ClientServiceListener is notified about services matching a watched
// filter (spec §6).
type ClientServiceListener interface {
	ServiceOffered(svc types.Service, peer types.PeerAddr)
	ServiceStopped(svc types.Service, peer types.PeerAddr)
}

// Sender sends a batch of find entries. remote == nil means the default
// (multicast) destination.
type Sender func(entries []sd.Entry, remote *types.PeerAddr) error

// Discover tracks watched service filters and the currently-known set of
// offered services, and runs the FindService loop. All of its methods are
// meant to be driven from a single scheduling goroutine (SdProtocol's work
// queue, spec §5); the deferred fan-outs below model that hub's
// `call_soon` equivalent via the schedule function passed to New.
type Discover struct {
	log      logger.Logger
	schedule func(func())

	mu       sync.Mutex
	watched  map[types.ServiceKey]map[ClientServiceListener]struct{}
	watchAny map[ClientServiceListener]struct{}
	known    map[types.PeerAddr]map[types.ServiceKey]types.Service

	store *store.TimedStore[types.ServiceKey]

	findCancel context.CancelFunc
}

// New creates a Discover. schedule defers a callback onto the owning
// event loop (SdProtocol's work queue); pass a function that simply calls
// its argument if no such queue is wired up.
func New(log logger.Logger, schedule func(func())) *Discover {
	if log == nil {
		log = logger.Nop{}
	}
	return &Discover{
		log:      log,
		schedule: schedule,
		watched:  make(map[types.ServiceKey]map[ClientServiceListener]struct{}),
		watchAny: make(map[ClientServiceListener]struct{}),
		known:    make(map[types.PeerAddr]map[types.ServiceKey]types.Service),
		store:    store.New[types.ServiceKey](),
	}
}

// WatchService registers listener for services matching filter (which may
// carry wildcards). Every currently-known offer matching filter is
// replayed as a fresh, deferred ServiceOffered callback.
func (d *Discover) WatchService(filter types.ServiceKey, listener ClientServiceListener) {
	d.mu.Lock()
	set, ok := d.watched[filter]
	if !ok {
		set = make(map[ClientServiceListener]struct{})
		d.watched[filter] = set
	}
	set[listener] = struct{}{}

	var replay []struct {
		svc  types.Service
		peer types.PeerAddr
	}
	for peer, svcs := range d.known {
		for key, svc := range svcs {
			if key.ServiceID == filter.ServiceID && svc.MatchesFilter(filter) {
				replay = append(replay, struct {
					svc  types.Service
					peer types.PeerAddr
				}{svc, peer})
			}
		}
	}
	d.mu.Unlock()

	for _, r := range replay {
		svc, peer := r.svc, r.peer
		d.defer_(func() { listener.ServiceOffered(svc, peer) })
	}
}

// StopWatchService unregisters listener from filter. Every currently-known
// matching offer is replayed as a deferred ServiceStopped callback.
func (d *Discover) StopWatchService(filter types.ServiceKey, listener ClientServiceListener) {
	d.mu.Lock()
	if set, ok := d.watched[filter]; ok {
		delete(set, listener)
		if len(set) == 0 {
			delete(d.watched, filter)
		}
	}

	var replay []struct {
		svc  types.Service
		peer types.PeerAddr
	}
	for peer, svcs := range d.known {
		for key, svc := range svcs {
			if key.ServiceID == filter.ServiceID && svc.MatchesFilter(filter) {
				replay = append(replay, struct {
					svc  types.Service
					peer types.PeerAddr
				}{svc, peer})
			}
		}
	}
	d.mu.Unlock()

	for _, r := range replay {
		svc, peer := r.svc, r.peer
		d.defer_(func() { listener.ServiceStopped(svc, peer) })
	}
}

// WatchAny registers listener for every service offer regardless of filter.
func (d *Discover) WatchAny(listener ClientServiceListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watchAny[listener] = struct{}{}
}

// StopWatchAny unregisters a WatchAny listener.
func (d *Discover) StopWatchAny(listener ClientServiceListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.watchAny, listener)
}

func (d *Discover) defer_(fn func()) {
	if d.schedule != nil {
		d.schedule(fn)
		return
	}
	fn()
}

// listenersFor returns every listener interested in svc, under lock.
func (d *Discover) listenersFor(svc types.Service) []ClientServiceListener {
	var out []ClientServiceListener
	for l := range d.watchAny {
		out = append(out, l)
	}
	for filter, set := range d.watched {
		if filter.ServiceID != svc.ServiceID {
			continue
		}
		if !svc.MatchesFilter(filter) {
			continue
		}
		for l := range set {
			out = append(out, l)
		}
	}
	return out
}

// HandleOffer processes a received OfferService entry. entry must already
// have its options resolved.
func (d *Discover) HandleOffer(entry sd.Entry, peer types.PeerAddr) {
	svc := types.Service{
		ServiceID:    entry.ServiceID,
		InstanceID:   entry.InstanceID,
		MajorVersion: entry.MajorVersion,
		MinorVersion: entry.MinorVersion(),
		Options1:     entry.Options1,
		Options2:     entry.Options2,
	}
	key := svc.Key()

	if entry.TTL == 0 {
		d.mu.Lock()
		if svcs, ok := d.known[peer]; ok {
			delete(svcs, key)
		}
		d.mu.Unlock()
		_ = d.store.Stop(peer, key)
		return
	}

	onNew := func(types.ServiceKey, types.PeerAddr) error {
		d.mu.Lock()
		svcs, ok := d.known[peer]
		if !ok {
			svcs = make(map[types.ServiceKey]types.Service)
			d.known[peer] = svcs
		}
		svcs[key] = svc
		listeners := d.listenersFor(svc)
		d.mu.Unlock()

		for _, l := range listeners {
			l := l
			d.defer_(func() { l.ServiceOffered(svc, peer) })
		}
		return nil
	}

	onExpire := func(types.ServiceKey, types.PeerAddr) error {
		d.mu.Lock()
		if svcs, ok := d.known[peer]; ok {
			delete(svcs, key)
		}
		listeners := d.listenersFor(svc)
		d.mu.Unlock()

		for _, l := range listeners {
			l := l
			d.defer_(func() { l.ServiceStopped(svc, peer) })
		}
		return nil
	}

	ttl := time.Duration(entry.TTL) * time.Second
	_ = d.store.Refresh(ttl, peer, key, onNew, onExpire)
}

// RebootDetected drops every known service from peer; the next offer it
// sends will be re-announced as new (spec §4.6).
func (d *Discover) RebootDetected(peer types.PeerAddr) {
	d.mu.Lock()
	delete(d.known, peer)
	d.mu.Unlock()
	d.store.StopAllForAddress(peer)
}

// ConnectionLost tears down every known service and stops the find loop.
func (d *Discover) ConnectionLost(error) {
	d.mu.Lock()
	d.known = make(map[types.PeerAddr]map[types.ServiceKey]types.Service)
	d.mu.Unlock()
	d.store.StopAll()
	d.StopFindLoop()
}

// unresolvedFilters returns every filter that currently has no matching known
// offer, under lock.
func (d *Discover) unresolvedFilters() []types.ServiceKey {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []types.ServiceKey
	for filter := range d.watched {
		resolved := false
		for _, svcs := range d.known {
			for key, svc := range svcs {
				if key.ServiceID == filter.ServiceID && svc.MatchesFilter(filter) {
					resolved = true
					break
				}
			}
			if resolved {
				break
			}
		}
		if !resolved {
			out = append(out, filter)
		}
	}
	return out
}

func buildFindEntries(filters []types.ServiceKey) []sd.Entry {
	entries := make([]sd.Entry, 0, len(filters))
	for _, f := range filters {
		entries = append(entries, sd.Entry{
			Type:         sd.EntryFindService,
			ServiceID:    f.ServiceID,
			InstanceID:   f.InstanceID,
			MajorVersion: f.MajorVersion,
			TTL:          types.TTLForever,
			Options1:     nil,
			Options2:     nil,
		})
	}
	return entries
}

// StartFindLoop launches the find loop (spec §4.6 steps 1-3) as a single
// goroutine governed by ctx. Calling it again while a find loop is already
// running replaces it.
func (d *Discover) StartFindLoop(ctx context.Context, timings types.Timings, send Sender) {
	d.StopFindLoop()

	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.findCancel = cancel
	d.mu.Unlock()

	go d.runFindLoop(ctx, timings, send)
}

// StopFindLoop cancels any running find loop. Idempotent.
func (d *Discover) StopFindLoop() {
	d.mu.Lock()
	cancel := d.findCancel
	d.findCancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (d *Discover) runFindLoop(ctx context.Context, timings types.Timings, send Sender) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("discover: find loop panicked", "recover", r)
		}
	}()

	initial := timings.InitialDelayMin
	if timings.InitialDelayMax > timings.InitialDelayMin {
		spread := timings.InitialDelayMax - timings.InitialDelayMin
		initial += time.Duration(rand.Int63n(int64(spread) + 1))
	}
	if !sleep(ctx, initial) {
		return
	}

	filters := d.unresolvedFilters()
	entries := buildFindEntries(filters)
	if len(entries) == 0 {
		return
	}

	if err := send(entries, nil); err != nil {
		d.log.Warn("discover: find send failed", "error", err)
	}

	for i := 0; i < timings.RepetitionsMax; i++ {
		delay := time.Duration(math.Pow(2, float64(i))) * timings.RepetitionsBaseDelay
		if !sleep(ctx, delay) {
			return
		}

		filters := d.unresolvedFilters()
		entries := buildFindEntries(filters)
		if len(entries) == 0 {
			continue
		}
		if err := send(entries, nil); err != nil {
			d.log.Warn("discover: find send failed", "error", err)
		}
	}
}
