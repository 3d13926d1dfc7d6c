package announce

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/axmq/someipsd/codec/sd"
	"github.com/axmq/someipsd/pkg/logger"
	"github.com/axmq/someipsd/pkg/metrics"
	"github.com/axmq/someipsd/store"
	"github.com/axmq/someipsd/types"
)

// ServiceInstance runs the announcement state machine for one locally
// offered service: Initial Wait, Repetition, then Main (spec §4.7 step
// 1-4).
type ServiceInstance struct {
	service   types.Service
	listener  ServerServiceListener
	timings   types.Timings
	log       logger.Logger
	metrics   *metrics.Metrics
	queueSend func(entry sd.Entry, remote *types.PeerAddr)

	subs *store.TimedStore[EventgroupSubscription]

	mu              sync.Mutex
	canAnswerOffers bool
	cancel          context.CancelFunc
	done            chan struct{}
}

// Start launches the announcement state machine as a single goroutine
// governed by ctx.
func (inst *ServiceInstance) Start(ctx context.Context) {
	inst.mu.Lock()
	if inst.cancel != nil {
		inst.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	inst.cancel = cancel
	inst.done = make(chan struct{})
	inst.mu.Unlock()

	go inst.run(ctx)
}

// Stop cancels the announcement state machine and waits for its finalizer
// (final stop-offer, subscription teardown) to complete.
func (inst *ServiceInstance) Stop() {
	inst.mu.Lock()
	cancel := inst.cancel
	done := inst.done
	inst.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

func (inst *ServiceInstance) entry(ttl uint32) sd.Entry {
	return sd.Entry{
		Type:            sd.EntryOfferService,
		ServiceID:       inst.service.ServiceID,
		InstanceID:      inst.service.InstanceID,
		MajorVersion:    inst.service.MajorVersion,
		TTL:             ttl,
		MinverOrCounter: inst.service.MinorVersion,
		Options1:        inst.service.Options1,
		Options2:        inst.service.Options2,
	}
}

func (inst *ServiceInstance) sendOffer(remote *types.PeerAddr) {
	inst.queueSend(inst.entry(inst.timings.AnnounceTTL), remote)
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

func (inst *ServiceInstance) run(ctx context.Context) {
	defer close(inst.done)
	defer inst.finalize()
	defer func() {
		if r := recover(); r != nil {
			inst.log.Error("announce: instance state machine panicked", "recover", r)
		}
	}()

	// 1. Initial Wait.
	initial := inst.timings.InitialDelayMin
	if inst.timings.InitialDelayMax > inst.timings.InitialDelayMin {
		spread := inst.timings.InitialDelayMax - inst.timings.InitialDelayMin
		initial += time.Duration(rand.Int63n(int64(spread) + 1))
	}
	if !sleep(ctx, initial) {
		return
	}
	inst.sendOffer(nil)

	// 2. Repetition.
	inst.mu.Lock()
	inst.canAnswerOffers = true
	inst.mu.Unlock()

	for i := 0; i < inst.timings.RepetitionsMax; i++ {
		delay := time.Duration(math.Pow(2, float64(i))) * inst.timings.RepetitionsBaseDelay
		if !sleep(ctx, delay) {
			return
		}
		inst.sendOffer(nil)
	}

	// 3. Main.
	if inst.timings.CyclicOfferDelay == 0 {
		return
	}
	for {
		if !sleep(ctx, inst.timings.CyclicOfferDelay) {
			return
		}
		inst.sendOffer(nil)
	}
}

func (inst *ServiceInstance) finalize() {
	inst.mu.Lock()
	inst.canAnswerOffers = false
	inst.mu.Unlock()

	if inst.timings.CyclicOfferDelay > 0 {
		inst.queueSend(inst.entry(0), nil)
	}
	inst.subs.StopAll()
}

// matchesFind reports whether entry should receive an offer from this
// instance (spec §4.7's matches_find: false whenever the announcement
// state machine cannot yet answer offers).
func (inst *ServiceInstance) matchesFind(entry sd.Entry, _ types.PeerAddr) bool {
	inst.mu.Lock()
	answerable := inst.canAnswerOffers
	inst.mu.Unlock()
	if !answerable {
		return false
	}
	if inst.service.ServiceID != entry.ServiceID {
		return false
	}
	return inst.service.MatchesFind(entry.InstanceID, entry.MajorVersion, entry.MinorVersion())
}

func (inst *ServiceInstance) matchesSubscribe(entry sd.Entry) bool {
	inst.mu.Lock()
	answerable := inst.canAnswerOffers
	inst.mu.Unlock()
	if !answerable {
		return false
	}
	if inst.service.ServiceID != entry.ServiceID {
		return false
	}
	return inst.service.MatchesSubscribe(entry.InstanceID, entry.MajorVersion, entry.EventgroupID())
}

// handleSubscribe processes a Subscribe entry already known to target this
// instance (spec §4.7 Subscribe handling).
func (inst *ServiceInstance) handleSubscribe(entry sd.Entry, peer types.PeerAddr) {
	sub := subscriptionFromEntry(entry)

	if entry.TTL == 0 {
		_ = inst.subs.Stop(peer, sub)
		return
	}

	onNew := func(s EventgroupSubscription, p types.PeerAddr) error {
		if err := inst.listener.ClientSubscribed(s, p); err != nil {
			return err
		}
		inst.metrics.SubscriptionsUp.Inc()
		return nil
	}
	onExpire := func(s EventgroupSubscription, p types.PeerAddr) error {
		inst.listener.ClientUnsubscribed(s, p)
		inst.metrics.SubscriptionsUp.Dec()
		return nil
	}

	ttl := time.Duration(entry.TTL) * time.Second
	if err := inst.subs.Refresh(ttl, peer, sub, onNew, onExpire); err != nil {
		inst.metrics.SubscribeNacks.Inc()
		inst.queueSend(sub.toAckEntry(0), &peer)
		return
	}
	inst.queueSend(sub.toAckEntry(entry.TTL), &peer)
}
