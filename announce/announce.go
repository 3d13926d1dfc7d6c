// Package announce implements Announce and ServiceInstance (spec §4.7):
// the server side of SD that answers FindService and Subscribe entries for
// a set of locally-offered services, grounded on network/keepalive.go's
// single-goroutine timer-loop idiom for the announcement state machine and
// network/connection.go's buffered-write-then-flush-on-timer idiom for
// queue_send/SendCollector.
package announce

import (
	"math/rand"
	"sync"
	"time"

	"github.com/axmq/someipsd/codec/sd"
	"github.com/axmq/someipsd/pkg/logger"
	"github.com/axmq/someipsd/pkg/metrics"
	"github.com/axmq/someipsd/sendcollector"
	"github.com/axmq/someipsd/store"
	"github.com/axmq/someipsd/types"
)

// ServerServiceListener is notified about eventgroup subscriptions against
// a ServiceInstance. ClientSubscribed may return ErrNakSubscription (or any
// error satisfying errors.Is against it) to refuse the subscription; the
// error propagates synchronously out of the TimedStore.Refresh call that
// invoked it, per spec §5's ordering guarantee.
type ServerServiceListener interface {
	ClientSubscribed(sub EventgroupSubscription, peer types.PeerAddr) error
	ClientUnsubscribed(sub EventgroupSubscription, peer types.PeerAddr)
}

// EventgroupSubscription identifies one accepted (or refused) Subscribe
// request. It is comparable, so it keys a TimedStore.
type EventgroupSubscription struct {
	ServiceID    uint16
	InstanceID   uint16
	MajorVersion byte
	EventgroupID uint16
	Counter      byte
	TTL          uint32
}

func subscriptionFromEntry(e sd.Entry) EventgroupSubscription {
	return EventgroupSubscription{
		ServiceID:    e.ServiceID,
		InstanceID:   e.InstanceID,
		MajorVersion: e.MajorVersion,
		EventgroupID: e.EventgroupID(),
		Counter:      e.EventgroupCounter(),
		TTL:          e.TTL,
	}
}

// toAckEntry builds the outgoing SubscribeAck for sub with the given ttl
// (ttl == 0 is a NACK).
func (s EventgroupSubscription) toAckEntry(ttl uint32) sd.Entry {
	return sd.Entry{
		Type:            sd.EntrySubscribeAck,
		ServiceID:       s.ServiceID,
		InstanceID:      s.InstanceID,
		MajorVersion:    s.MajorVersion,
		TTL:             ttl,
		MinverOrCounter: sd.EncodeSubscribeCounter(s.Counter, s.EventgroupID),
	}
}

// Sender transmits one built SOME/IP datagram's worth of SD payload; in
// practice SdProtocol.SendSD.
type Sender func(entries []sd.Entry, remote *types.PeerAddr) error

// Announce owns every locally-offered ServiceInstance and the per-peer
// SendCollectors used to batch their outgoing entries.
type Announce struct {
	log     logger.Logger
	metrics *metrics.Metrics
	timings types.Timings
	send    Sender

	mu         sync.Mutex
	instances  []*ServiceInstance
	collectors map[types.PeerAddr]*sendcollector.Collector[sd.Entry]
}

// New creates an Announce. send is the low-level transmit hook (typically
// SdProtocol.SendSD); it is called either directly (when
// timings.SendCollectionTimeout == 0) or from a collector's flush. m may be
// nil, in which case subscription outcomes are counted against a
// throwaway no-op registry.
func New(log logger.Logger, m *metrics.Metrics, timings types.Timings, send Sender) *Announce {
	if log == nil {
		log = logger.Nop{}
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Announce{
		log:        log,
		metrics:    m,
		timings:    timings,
		send:       send,
		collectors: make(map[types.PeerAddr]*sendcollector.Collector[sd.Entry]),
	}
}

// AddInstance registers a new ServiceInstance under this Announce and
// returns it; the caller still must call Start on it.
func (a *Announce) AddInstance(svc types.Service, listener ServerServiceListener) *ServiceInstance {
	inst := &ServiceInstance{
		service:  svc,
		listener: listener,
		timings:  a.timings,
		log:      a.log,
		metrics:  a.metrics,
		subs:     store.New[EventgroupSubscription](),
		queueSend: func(entry sd.Entry, remote *types.PeerAddr) {
			a.queueSend(entry, remote)
		},
	}

	if a.timings.AnnounceTTL != types.TTLForever && a.timings.CyclicOfferDelay == 0 {
		a.log.Warn("announce: cyclic offer delay is zero but announce TTL is finite",
			"service_id", svc.ServiceID, "instance_id", svc.InstanceID)
	} else if a.timings.AnnounceTTL != types.TTLForever &&
		a.timings.CyclicOfferDelay >= time.Duration(a.timings.AnnounceTTL)*time.Second {
		a.log.Warn("announce: cyclic offer delay exceeds announce TTL",
			"service_id", svc.ServiceID, "instance_id", svc.InstanceID)
	}

	a.mu.Lock()
	a.instances = append(a.instances, inst)
	a.mu.Unlock()

	return inst
}

// RemoveInstance stops inst (if running) and drops it from this Announce.
func (a *Announce) RemoveInstance(inst *ServiceInstance) {
	inst.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	for i, x := range a.instances {
		if x == inst {
			a.instances = append(a.instances[:i], a.instances[i+1:]...)
			return
		}
	}
}

// queueSend either sends entry immediately or appends it to remote's live
// collector, allocating a fresh one if none exists or the current one has
// already flushed.
func (a *Announce) queueSend(entry sd.Entry, remote *types.PeerAddr) {
	if a.timings.SendCollectionTimeout == 0 || remote == nil {
		if err := a.send([]sd.Entry{entry}, remote); err != nil {
			a.log.Warn("announce: send failed", "error", err)
		}
		return
	}

	a.mu.Lock()
	c, ok := a.collectors[*remote]
	if !ok || c.Done() {
		target := *remote
		c = sendcollector.New[sd.Entry](target, a.timings.SendCollectionTimeout, func(entries []sd.Entry, r types.PeerAddr) {
			if len(entries) == 0 {
				return
			}
			if err := a.send(entries, &r); err != nil {
				a.log.Warn("announce: collected send failed", "error", err)
			}
		})
		a.collectors[*remote] = c
	}
	a.mu.Unlock()

	if !c.Append(entry) {
		// Raced with the collector's own flush; retry once with a fresh one.
		a.queueSend(entry, remote)
	}
}

// HandleFind dispatches a received FindService entry to every matching
// instance.
func (a *Announce) HandleFind(entry sd.Entry, peer types.PeerAddr, receivedOverMulticast bool) {
	a.mu.Lock()
	var matched []*ServiceInstance
	for _, inst := range a.instances {
		if inst.matchesFind(entry, peer) {
			matched = append(matched, inst)
		}
	}
	a.mu.Unlock()

	for _, inst := range matched {
		inst := inst
		if receivedOverMulticast {
			delay := a.timings.RequestResponseDelayMin
			if a.timings.RequestResponseDelayMax > a.timings.RequestResponseDelayMin {
				spread := a.timings.RequestResponseDelayMax - a.timings.RequestResponseDelayMin
				delay += time.Duration(rand.Int63n(int64(spread) + 1))
			}
			time.AfterFunc(delay, func() { inst.sendOffer(&peer) })
		} else {
			inst.sendOffer(&peer)
		}
	}
}

// HandleSubscribe dispatches a received Subscribe entry to every matching,
// running instance. If none matched, a NACK is sent directly from the
// incoming entry.
func (a *Announce) HandleSubscribe(entry sd.Entry, peer types.PeerAddr) {
	a.mu.Lock()
	var matched []*ServiceInstance
	for _, inst := range a.instances {
		if inst.matchesSubscribe(entry) {
			matched = append(matched, inst)
		}
	}
	a.mu.Unlock()

	if len(matched) == 0 {
		a.log.Warn("announce: subscribe matched no instance", "service_id", entry.ServiceID,
			"instance_id", entry.InstanceID, "eventgroup_id", entry.EventgroupID())
		sub := subscriptionFromEntry(entry)
		a.metrics.SubscribeNacks.Inc()
		a.queueSend(sub.toAckEntry(0), &peer)
		return
	}
	if len(matched) > 1 {
		a.log.Warn("announce: subscribe matched multiple instances", "service_id", entry.ServiceID,
			"instance_id", entry.InstanceID, "eventgroup_id", entry.EventgroupID())
	}

	for _, inst := range matched {
		inst.handleSubscribe(entry, peer)
	}
}

// RebootDetected drops every subscription that any instance holds from peer.
func (a *Announce) RebootDetected(peer types.PeerAddr) {
	a.mu.Lock()
	instances := append([]*ServiceInstance(nil), a.instances...)
	a.mu.Unlock()
	for _, inst := range instances {
		inst.subs.StopAllForAddress(peer)
	}
}
