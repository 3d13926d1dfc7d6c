package subscriber

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

func remote() types.PeerAddr {
	return types.PeerAddr{Addr: netip.MustParseAddr("10.0.0.5"), Port: 30490}
}

func eg() types.Eventgroup {
	return types.Eventgroup{ServiceID: 0x1234, InstanceID: 1, MajorVersion: 1, EventgroupID: 0x5,
		LocalSockAddr: types.PeerAddr{Addr: netip.MustParseAddr("10.0.0.9"), Port: 30501}, L4Proto: types.L4UDP}
}

func collectingSender() (Sender, func() [][]sd.Entry) {
	var mu sync.Mutex
	var batches [][]sd.Entry
	return func(entries []sd.Entry, _ *types.PeerAddr) error {
			mu.Lock()
			defer mu.Unlock()
			batches = append(batches, entries)
			return nil
		}, func() [][]sd.Entry {
			mu.Lock()
			defer mu.Unlock()
			return append([][]sd.Entry(nil), batches...)
		}
}

func TestSubscribeEventgroupSendsImmediatelyWhileRunning(t *testing.T) {
	send, batches := collectingSender()
	timings := types.DefaultTimings()
	timings.SubscribeRefreshInterval = time.Hour

	s := New(nil, timings, send)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	time.Sleep(5 * time.Millisecond) // let the loop's first (empty) pass complete

	s.SubscribeEventgroup(eg(), remote())
	time.Sleep(5 * time.Millisecond)

	found := false
	for _, b := range batches() {
		for _, e := range b {
			if e.Type == sd.EntrySubscribe && e.TTL != 0 {
				found = true
			}
		}
	}
	assert.True(t, found)
}

func TestStopSubscribeEventgroupSendsTTLZero(t *testing.T) {
	send, batches := collectingSender()
	timings := types.DefaultTimings()
	timings.SubscribeRefreshInterval = 0

	s := New(nil, timings, send)
	s.SubscribeEventgroup(eg(), remote())
	s.StopSubscribeEventgroup(eg(), remote(), false)

	found := false
	for _, b := range batches() {
		for _, e := range b {
			if e.Type == sd.EntrySubscribe && e.TTL == 0 {
				found = true
			}
		}
	}
	assert.True(t, found)
}

func TestStopSubscribeEventgroupSuppressedSkipsSend(t *testing.T) {
	send, batches := collectingSender()
	timings := types.DefaultTimings()

	s := New(nil, timings, send)
	s.SubscribeEventgroup(eg(), remote())
	s.StopSubscribeEventgroup(eg(), remote(), true)

	assert.Empty(t, batches())
}

func TestRefreshLoopSendsOnceWhenNoIntervalConfigured(t *testing.T) {
	send, batches := collectingSender()
	timings := types.DefaultTimings()
	timings.SubscribeRefreshInterval = 0

	s := New(nil, timings, send)
	s.SubscribeEventgroup(eg(), remote())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	time.Sleep(20 * time.Millisecond)

	require.Eventually(t, func() bool { return len(batches()) >= 1 }, time.Second, time.Millisecond)
	assert.Len(t, batches(), 1)
}

func TestAutoSubscribeListenerSubscribesOnOffer(t *testing.T) {
	send, batches := collectingSender()
	timings := types.DefaultTimings()

	s := New(nil, timings, send)
	template := types.Eventgroup{ServiceID: 0x1234, InstanceID: types.InstanceIDAny, MajorVersion: types.MajorVersionAny, EventgroupID: 0x5}
	listener := NewAutoSubscribeListener(s, template)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	svc := types.Service{ServiceID: 0x1234, InstanceID: 1, MajorVersion: 1, MinorVersion: 42, Eventgroups: map[uint16]struct{}{0x5: {}}}
	listener.ServiceOffered(svc, remote())

	found := false
	for _, b := range batches() {
		for _, e := range b {
			if e.Type == sd.EntrySubscribe {
				found = true
			}
		}
	}
	assert.True(t, found)
}

func TestAutoSubscribeListenerUnsubscribesOnStop(t *testing.T) {
	send, batches := collectingSender()
	timings := types.DefaultTimings()

	s := New(nil, timings, send)
	template := types.Eventgroup{ServiceID: 0x1234, InstanceID: types.InstanceIDAny, MajorVersion: types.MajorVersionAny, EventgroupID: 0x5}
	listener := NewAutoSubscribeListener(s, template)

	svc := types.Service{ServiceID: 0x1234, InstanceID: 1, MajorVersion: 1, MinorVersion: 42, Eventgroups: map[uint16]struct{}{0x5: {}}}
	listener.ServiceOffered(svc, remote())
	listener.ServiceStopped(svc, remote())

	ttlZero := false
	for _, b := range batches() {
		for _, e := range b {
			if e.Type == sd.EntrySubscribe && e.TTL == 0 {
				ttlZero = true
			}
		}
	}
	assert.True(t, ttlZero)
}

func TestAutoSubscribeListenerEqual(t *testing.T) {
	s := New(nil, types.DefaultTimings(), func([]sd.Entry, *types.PeerAddr) error { return nil })
	template := types.Eventgroup{ServiceID: 1}
	a := NewAutoSubscribeListener(s, template)
	b := NewAutoSubscribeListener(s, template)
	assert.True(t, a.Equal(b))

	other := NewAutoSubscribeListener(s, types.Eventgroup{ServiceID: 2})
	assert.False(t, a.Equal(other))
}
