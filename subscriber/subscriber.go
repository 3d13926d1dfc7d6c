// Package subscriber implements Subscriber and AutoSubscribeListener (spec
// §4.8, §4.9): the client side of eventgroup subscriptions, grounded on
// network/keepalive.go's single-goroutine refresh-loop idiom.
package subscriber

import (
	"context"
	"sync"
	"time"

	"github.com/axmq/someipsd/codec/sd"
	"github.com/axmq/someipsd/pkg/logger"
	"github.com/axmq/someipsd/types"
)

// Sender transmits a batch of SD entries to remote.
type Sender func(entries []sd.Entry, remote *types.PeerAddr) error

type pairing struct {
	eventgroup types.Eventgroup
	remote     types.PeerAddr
}

func (p pairing) startEntry(ttl uint32) sd.Entry {
	endpoint := types.Endpoint{
		Addr:    p.eventgroup.LocalSockAddr.Addr,
		L4Proto: p.eventgroup.L4Proto,
		Port:    p.eventgroup.LocalSockAddr.Port,
	}
	return sd.Entry{
		Type:            sd.EntrySubscribe,
		ServiceID:       p.eventgroup.ServiceID,
		InstanceID:      p.eventgroup.InstanceID,
		MajorVersion:    p.eventgroup.MajorVersion,
		TTL:             ttl,
		MinverOrCounter: sd.EncodeSubscribeCounter(0, p.eventgroup.EventgroupID),
		Options1:        []types.Option{sd.NewEndpointOption(endpoint)},
	}
}

// Subscriber holds every (eventgroup, remote) pairing this process wants
// subscribed, and runs the single refresh loop that re-sends start-
// subscribe entries before SUBSCRIBE_TTL lapses.
type Subscriber struct {
	log     logger.Logger
	timings types.Timings
	send    Sender

	mu       sync.Mutex
	pairings []pairing
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Subscriber.
func New(log logger.Logger, timings types.Timings, send Sender) *Subscriber {
	if log == nil {
		log = logger.Nop{}
	}
	s := &Subscriber{log: log, timings: timings, send: send}

	if timings.SubscribeRefreshInterval == 0 && timings.SubscribeTTL != types.TTLForever {
		log.Warn("subscriber: no refresh configured but subscribe ttl is finite",
			"subscribe_ttl", timings.SubscribeTTL)
	} else if timings.SubscribeRefreshInterval != 0 &&
		timings.SubscribeRefreshInterval >= time.Duration(timings.SubscribeTTL)*time.Second {
		log.Warn("subscriber: refresh interval is not shorter than subscribe ttl",
			"refresh_interval", timings.SubscribeRefreshInterval, "subscribe_ttl", timings.SubscribeTTL)
	}

	return s
}

// SubscribeEventgroup adds (eg, remote) to the tracked set. If a refresh
// loop is already running, one start-subscribe is sent immediately in
// addition to the loop's next scheduled send (spec §9: preserved for wire
// compatibility, not deduplicated).
func (s *Subscriber) SubscribeEventgroup(eg types.Eventgroup, remote types.PeerAddr) {
	p := pairing{eventgroup: eg, remote: remote}

	s.mu.Lock()
	s.pairings = append(s.pairings, p)
	running := s.cancel != nil
	s.mu.Unlock()

	if running {
		if err := s.send([]sd.Entry{p.startEntry(s.timings.SubscribeTTL)}, &remote); err != nil {
			s.log.Warn("subscriber: immediate start-subscribe failed", "error", err)
		}
	}
}

// StopSubscribeEventgroup removes (eg, remote) and, unless suppressed,
// sends a stop-subscribe (ttl=0) immediately.
func (s *Subscriber) StopSubscribeEventgroup(eg types.Eventgroup, remote types.PeerAddr, suppressSend bool) {
	s.mu.Lock()
	for i, p := range s.pairings {
		if p.eventgroup == eg && p.remote == remote {
			s.pairings = append(s.pairings[:i], s.pairings[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if !suppressSend {
		p := pairing{eventgroup: eg, remote: remote}
		if err := s.send([]sd.Entry{p.startEntry(0)}, &remote); err != nil {
			s.log.Warn("subscriber: stop-subscribe failed", "error", err)
		}
	}
}

// Start launches the refresh loop.
func (s *Subscriber) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop cancels the refresh loop, optionally sending stop-subscribe for
// every current pairing first.
func (s *Subscriber) Stop(sendStops bool) {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	pairings := append([]pairing(nil), s.pairings...)
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	if sendStops {
		for _, p := range pairings {
			remote := p.remote
			if err := s.send([]sd.Entry{p.startEntry(0)}, &remote); err != nil {
				s.log.Warn("subscriber: stop on shutdown failed", "error", err)
			}
		}
	}

	cancel()
	if done != nil {
		<-done
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Subscriber) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("subscriber: refresh loop panicked", "recover", r)
		}
	}()

	for {
		s.mu.Lock()
		byRemote := make(map[types.PeerAddr][]pairing)
		for _, p := range s.pairings {
			byRemote[p.remote] = append(byRemote[p.remote], p)
		}
		s.mu.Unlock()

		for remote, ps := range byRemote {
			remote := remote
			entries := make([]sd.Entry, 0, len(ps))
			for _, p := range ps {
				entries = append(entries, p.startEntry(s.timings.SubscribeTTL))
			}
			if err := s.send(entries, &remote); err != nil {
				s.log.Warn("subscriber: refresh send failed", "error", err)
			}
		}

		if s.timings.SubscribeRefreshInterval == 0 {
			return
		}
		if !sleepCtx(ctx, s.timings.SubscribeRefreshInterval) {
			return
		}
	}
}
