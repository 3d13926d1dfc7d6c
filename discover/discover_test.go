package discover

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/axmq/someipsd/codec/sd"
	"github.com/axmq/someipsd/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu      sync.Mutex
	offered []types.Service
	stopped []types.Service
}

func (r *recordingListener) ServiceOffered(svc types.Service, _ types.PeerAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offered = append(r.offered, svc)
}

func (r *recordingListener) ServiceStopped(svc types.Service, _ types.PeerAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, svc)
}

func (r *recordingListener) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.offered), len(r.stopped)
}

func peer() types.PeerAddr {
	return types.PeerAddr{Addr: netip.MustParseAddr("10.0.0.1"), Port: 30490}
}

func offerEntry(ttl uint32) sd.Entry {
	return sd.Entry{
		Type:            sd.EntryOfferService,
		ServiceID:       0x1234,
		InstanceID:      0x0001,
		MajorVersion:    1,
		TTL:             ttl,
		MinverOrCounter: 42,
	}
}

// immediate runs scheduled callbacks synchronously so tests don't need to
// coordinate with a separate event-loop goroutine.
func immediate(fn func()) { fn() }

func TestHandleOfferNotifiesMatchingWatcher(t *testing.T) {
	d := New(nil, immediate)
	l := &recordingListener{}
	d.WatchService(types.ServiceKey{ServiceID: 0x1234, InstanceID: types.InstanceIDAny, MajorVersion: types.MajorVersionAny, MinorVersion: types.MinorVersionAny}, l)

	d.HandleOffer(offerEntry(3), peer())

	offered, stopped := l.counts()
	assert.Equal(t, 1, offered)
	assert.Equal(t, 0, stopped)
}

func TestHandleOfferTTLZeroStopsImmediately(t *testing.T) {
	d := New(nil, immediate)
	l := &recordingListener{}
	filter := types.ServiceKey{ServiceID: 0x1234, InstanceID: types.InstanceIDAny, MajorVersion: types.MajorVersionAny, MinorVersion: types.MinorVersionAny}
	d.WatchService(filter, l)

	d.HandleOffer(offerEntry(3), peer())
	d.HandleOffer(offerEntry(0), peer())

	offered, stopped := l.counts()
	assert.Equal(t, 1, offered)
	assert.Equal(t, 1, stopped)
}

func TestHandleOfferExpiresAfterTTL(t *testing.T) {
	d := New(nil, immediate)
	l := &recordingListener{}
	filter := types.ServiceKey{ServiceID: 0x1234, InstanceID: types.InstanceIDAny, MajorVersion: types.MajorVersionAny, MinorVersion: types.MinorVersionAny}
	d.WatchService(filter, l)

	// The smallest wire TTL is one second, so this waits for a real expiry.
	d.HandleOffer(offerEntry(1), peer())
	offered, _ := l.counts()
	require.Equal(t, 1, offered)

	assert.Eventually(t, func() bool {
		_, stopped := l.counts()
		return stopped == 1
	}, 3*time.Second, 10*time.Millisecond, "an offer with a 1-second TTL must expire and be reported stopped")
}

func TestWatchServiceReplaysKnownOffers(t *testing.T) {
	d := New(nil, immediate)
	d.HandleOffer(offerEntry(3), peer())

	l := &recordingListener{}
	filter := types.ServiceKey{ServiceID: 0x1234, InstanceID: types.InstanceIDAny, MajorVersion: types.MajorVersionAny, MinorVersion: types.MinorVersionAny}
	d.WatchService(filter, l)

	offered, _ := l.counts()
	assert.Equal(t, 1, offered)
}

func TestRebootDetectedClearsKnownServices(t *testing.T) {
	d := New(nil, immediate)
	l := &recordingListener{}
	filter := types.ServiceKey{ServiceID: 0x1234, InstanceID: types.InstanceIDAny, MajorVersion: types.MajorVersionAny, MinorVersion: types.MinorVersionAny}
	d.WatchService(filter, l)
	d.HandleOffer(offerEntry(3), peer())

	d.RebootDetected(peer())
	d.HandleOffer(offerEntry(3), peer())

	offered, _ := l.counts()
	assert.Equal(t, 2, offered, "a fresh offer after reboot must be announced as new again")
}

func TestFindLoopSuppressesResolvedFilters(t *testing.T) {
	d := New(nil, immediate)
	filter := types.ServiceKey{ServiceID: 0x1234, InstanceID: types.InstanceIDAny, MajorVersion: types.MajorVersionAny, MinorVersion: types.MinorVersionAny}
	d.WatchService(filter, &recordingListener{})

	timings := types.DefaultTimings()
	timings.InitialDelayMin = 0
	timings.InitialDelayMax = 0
	timings.RepetitionsMax = 1
	timings.RepetitionsBaseDelay = 50 * time.Millisecond

	var mu sync.Mutex
	var sends [][]sd.Entry
	send := func(entries []sd.Entry, _ *types.PeerAddr) error {
		mu.Lock()
		defer mu.Unlock()
		sends = append(sends, entries)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.StartFindLoop(ctx, timings, send)

	time.Sleep(10 * time.Millisecond)
	d.HandleOffer(offerEntry(3), peer())
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, sends)
	assert.NotEmpty(t, sends[0], "first send must include the still-unresolved filter")
	assert.Len(t, sends, 1, "the repetition after the offer must be suppressed")
}
