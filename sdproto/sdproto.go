// Package sdproto implements SdProtocol (spec §4.5): the hub that owns
// SessionStorage and the three sub-engines, reading and writing SOME/IP
// datagrams through an injected transport. The single-threaded
// cooperative engine (spec §5) is realized as one goroutine servicing a
// `chan func()` work queue, grounded on network/poller.go's
// single-goroutine event-loop pattern (external calls marshaled in via
// channel, rather than a multiplexed epoll/kqueue loop — see DESIGN.md).
package sdproto

import (
	"context"
	"sync"

	"github.com/axmq/someipsd/announce"
	"github.com/axmq/someipsd/codec/sd"
	"github.com/axmq/someipsd/codec/someip"
	"github.com/axmq/someipsd/discover"
	"github.com/axmq/someipsd/pkg/logger"
	"github.com/axmq/someipsd/pkg/metrics"
	"github.com/axmq/someipsd/session"
	"github.com/axmq/someipsd/subscriber"
	"github.com/axmq/someipsd/transport"
	"github.com/axmq/someipsd/types"
)

const (
	sdServiceID        uint16 = 0xFFFF
	sdMethodID         uint16 = 0x8100
	sdInterfaceVersion byte   = 1
)

// SdProtocol is the top of the core (spec §4.5).
type SdProtocol struct {
	log       logger.Logger
	metrics   *metrics.Metrics
	transport transport.Transport
	sessions  *session.Storage

	Discover   *discover.Discover
	Announce   *announce.Announce
	Subscriber *subscriber.Subscriber

	jobs   chan func()
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a fresh SdProtocol against tr, with purely in-memory session
// bookkeeping. Call Start to launch the work queue and register the
// transport's datagram handler.
func New(log logger.Logger, m *metrics.Metrics, timings types.Timings, tr transport.Transport) *SdProtocol {
	return newProtocol(log, m, timings, tr, session.NewStorage())
}

// NewWithSessionStore is like New, but backs outgoing session-id
// bookkeeping with backing (session.PebbleStore, session.RedisStore, or
// any other session.Store) so a restarted daemon resumes its outgoing
// session ids from the persisted records instead of starting over. The
// records are loaded once, here; daemons sharing one backing store do not
// coordinate session ids while running. ctx bounds the initial load of
// backing's existing records.
func NewWithSessionStore(ctx context.Context, log logger.Logger, m *metrics.Metrics, timings types.Timings, tr transport.Transport, backing session.Store) (*SdProtocol, error) {
	sessions, err := session.NewStorageWithBacking(ctx, backing, log)
	if err != nil {
		return nil, err
	}
	return newProtocol(log, m, timings, tr, sessions), nil
}

func newProtocol(log logger.Logger, m *metrics.Metrics, timings types.Timings, tr transport.Transport, sessions *session.Storage) *SdProtocol {
	if log == nil {
		log = logger.Nop{}
	}
	if m == nil {
		m = metrics.Noop()
	}

	p := &SdProtocol{
		log:       log,
		metrics:   m,
		transport: tr,
		sessions:  sessions,
		jobs:      make(chan func(), 256),
	}

	p.Discover = discover.New(log, p.schedule)
	p.Announce = announce.New(log, m, timings, p.SendSD)
	p.Subscriber = subscriber.New(log, timings, p.SendSD)

	tr.OnDatagram(p.onDatagram)
	tr.OnConnectionLost(p.onConnectionLost)

	return p
}

// schedule enqueues fn onto the work queue (the call_soon equivalent).
// Implements the ordering guarantee that a reboot fan-out enqueued first
// is observed before entries from the same datagram, which are dispatched
// via this same queue.
func (p *SdProtocol) schedule(fn func()) {
	select {
	case p.jobs <- fn:
	default:
		// Queue saturated: run inline rather than drop silently. This
		// only trades away strict single-goroutine ordering under
		// extreme backpressure, which the bounded channel size is sized
		// to avoid in normal operation.
		fn()
	}
}

// Start launches the work-queue goroutine governed by ctx.
func (p *SdProtocol) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop cancels the work-queue goroutine and waits for it to exit. Jobs
// still queued are not run; schedule keeps accepting jobs afterwards and
// runs them inline once the queue is full.
func (p *SdProtocol) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *SdProtocol) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-p.jobs:
			p.runJob(fn)
		}
	}
}

func (p *SdProtocol) runJob(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("sdproto: job panicked", "recover", r)
		}
	}()
	fn()
}

func (p *SdProtocol) onDatagram(data []byte, peer types.PeerAddr, isMulticast bool) {
	h, _, err := someip.Parse(data)
	if err != nil {
		p.log.Warn("sdproto: discarding malformed someip header", "peer", peer.String(), "error", err)
		return
	}

	if h.ServiceID != sdServiceID || h.MethodID != sdMethodID ||
		h.InterfaceVersion != sdInterfaceVersion || h.ReturnCode != someip.ReturnCodeOK ||
		h.MessageType != someip.MessageTypeNotification {
		p.log.Warn("sdproto: discarding non-SD datagram", "peer", peer.String(),
			"service_id", h.ServiceID, "method_id", h.MethodID)
		return
	}

	sdHeader, _, err := sd.ParseHeader(h.Payload)
	if err != nil {
		p.log.Warn("sdproto: discarding malformed SD payload", "peer", peer.String(), "error", err)
		return
	}

	if p.sessions.CheckReceived(peer.String(), isMulticast, sdHeader.FlagReboot, h.SessionID) {
		p.metrics.RebootsDetected.Inc()
		p.schedule(func() {
			p.Discover.RebootDetected(peer)
			p.Announce.RebootDetected(peer)
		})
	}

	resolved, err := sdHeader.ResolveOptions()
	if err != nil {
		p.log.Warn("sdproto: discarding SD payload with unresolvable options", "peer", peer.String(), "error", err)
		return
	}

	if !resolved.FlagUnicast {
		p.log.Debug("sdproto: discarding non-unicast-flagged SD message", "peer", peer.String())
		return
	}

	for _, entry := range resolved.Entries {
		p.dispatchEntry(entry, peer, isMulticast)
	}
}

func (p *SdProtocol) dispatchEntry(entry sd.Entry, peer types.PeerAddr, isMulticast bool) {
	switch entry.Type {
	case sd.EntryOfferService:
		p.metrics.OffersReceived.Inc()
		p.schedule(func() { p.Discover.HandleOffer(entry, peer) })
	case sd.EntrySubscribeAck:
		if entry.TTL == 0 {
			p.log.Info("sdproto: received subscribe nack", "peer", peer.String(),
				"service_id", entry.ServiceID, "eventgroup_id", entry.EventgroupID())
		} else {
			p.log.Info("sdproto: received subscribe ack", "peer", peer.String(),
				"service_id", entry.ServiceID, "eventgroup_id", entry.EventgroupID())
		}
	case sd.EntryFindService:
		p.Announce.HandleFind(entry, peer, isMulticast)
	case sd.EntrySubscribe:
		if isMulticast {
			p.log.Warn("sdproto: discarding subscribe received over multicast", "peer", peer.String())
			return
		}
		p.Announce.HandleSubscribe(entry, peer)
	default:
		p.log.Debug("sdproto: ignoring unhandled entry type", "type", entry.Type)
	}
}

func (p *SdProtocol) onConnectionLost(err error) {
	p.log.Warn("sdproto: transport connection lost", "error", err)
	p.sessions.Reset()
	p.Discover.ConnectionLost(err)
}

// SendSD sends entries to remote (nil meaning the transport's default
// multicast destination), per spec §4.5's on-send path.
func (p *SdProtocol) SendSD(entries []sd.Entry, remote *types.PeerAddr) error {
	if len(entries) == 0 {
		return nil
	}

	target := p.transport.MulticastAddr()
	key := target.String()
	if remote != nil {
		target = *remote
		key = remote.String()
	}

	rebootFlag, sessionID := p.sessions.AssignOutgoing(key)

	header := sd.Header{FlagReboot: rebootFlag, FlagUnicast: true, Entries: entries}
	header, err := sd.AssignOptionIndexes(header)
	if err != nil {
		return err
	}

	payload, err := sd.BuildHeader(header)
	if err != nil {
		return err
	}

	someipHeader := someip.Header{
		ServiceID:        sdServiceID,
		MethodID:         sdMethodID,
		ClientID:         0,
		SessionID:        sessionID,
		InterfaceVersion: sdInterfaceVersion,
		MessageType:      someip.MessageTypeNotification,
		ReturnCode:       someip.ReturnCodeOK,
		Payload:          payload,
	}

	for _, e := range entries {
		if e.Type == sd.EntryOfferService {
			p.metrics.OffersSent.Inc()
		}
		if e.Type == sd.EntryFindService {
			p.metrics.FindsSent.Inc()
		}
	}

	return p.transport.SendTo(someip.Build(someipHeader), target)
}
