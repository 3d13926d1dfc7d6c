package sdproto

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/axmq/someipsd/codec/sd"
	"github.com/axmq/someipsd/codec/someip"
	"github.com/axmq/someipsd/session"
	"github.com/axmq/someipsd/transport"
	"github.com/axmq/someipsd/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessionStore struct {
	mu      sync.Mutex
	records map[string]session.Record
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{records: make(map[string]session.Record)}
}

func (f *fakeSessionStore) SaveOutgoing(_ context.Context, rec session.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.Peer] = rec
	return nil
}

func (f *fakeSessionStore) LoadOutgoing(_ context.Context, peer string) (session.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[peer]
	if !ok {
		return session.Record{}, session.ErrRecordNotFound
	}
	return rec, nil
}

func (f *fakeSessionStore) ListOutgoing(_ context.Context) ([]session.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Record, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeSessionStore) Close() error { return nil }

func newTestCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	sentTo   []types.PeerAddr
	datagram func(data []byte, peer types.PeerAddr, isMulticast bool)
	lost     func(error)
	mcast    types.PeerAddr
}

func (f *fakeTransport) SendTo(data []byte, peer types.PeerAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	f.sentTo = append(f.sentTo, peer)
	return nil
}

func (f *fakeTransport) MulticastAddr() types.PeerAddr { return f.mcast }

func (f *fakeTransport) OnDatagram(h transport.DatagramHandler) {
	f.datagram = h
}

func (f *fakeTransport) OnConnectionLost(h transport.ConnectionLostHandler) { f.lost = h }

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) deliver(data []byte, peer types.PeerAddr, isMulticast bool) {
	f.datagram(data, peer, isMulticast)
}

func (f *fakeTransport) lastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{mcast: types.PeerAddr{Addr: netip.MustParseAddr("224.224.224.245"), Port: 30490}}
}

func peer() types.PeerAddr {
	return types.PeerAddr{Addr: netip.MustParseAddr("10.0.0.1"), Port: 30490}
}

func buildSDDatagram(t *testing.T, h sd.Header, sessionID uint16, rebootFlag bool) []byte {
	t.Helper()
	h, err := sd.AssignOptionIndexes(h)
	require.NoError(t, err)
	h.FlagReboot = rebootFlag
	h.FlagUnicast = true
	payload, err := sd.BuildHeader(h)
	require.NoError(t, err)
	someipHeader := someip.Header{
		ServiceID:        sdServiceID,
		MethodID:         sdMethodID,
		SessionID:        sessionID,
		InterfaceVersion: sdInterfaceVersion,
		MessageType:      someip.MessageTypeNotification,
		ReturnCode:       someip.ReturnCodeOK,
		Payload:          payload,
	}
	return someip.Build(someipHeader)
}

func TestSendSDWrapsEntriesInSomeipNotification(t *testing.T) {
	tr := newFakeTransport()
	p := New(nil, nil, types.DefaultTimings(), tr)

	entry := sd.Entry{Type: sd.EntryFindService, ServiceID: 0x1234, InstanceID: types.InstanceIDAny, MajorVersion: types.MajorVersionAny, TTL: types.TTLForever, MinverOrCounter: types.MinorVersionAny}
	require.NoError(t, p.SendSD([]sd.Entry{entry}, nil))

	data := tr.lastSent()
	require.NotNil(t, data)
	h, _, err := someip.Parse(data)
	require.NoError(t, err)
	assert.EqualValues(t, sdServiceID, h.ServiceID)
	assert.EqualValues(t, sdMethodID, h.MethodID)
	assert.Equal(t, someip.MessageTypeNotification, h.MessageType)

	sdHeader, _, err := sd.ParseHeader(h.Payload)
	require.NoError(t, err)
	assert.True(t, sdHeader.FlagUnicast)
	require.Len(t, sdHeader.Entries, 1)
}

func TestSendSDEmptyEntriesIsNoop(t *testing.T) {
	tr := newFakeTransport()
	p := New(nil, nil, types.DefaultTimings(), tr)
	require.NoError(t, p.SendSD(nil, nil))
	assert.Nil(t, tr.lastSent())
}

func TestNewWithSessionStorePersistsOutgoingCounter(t *testing.T) {
	tr := newFakeTransport()
	backing := newFakeSessionStore()
	p, err := NewWithSessionStore(context.Background(), nil, nil, types.DefaultTimings(), tr, backing)
	require.NoError(t, err)

	remote := peer()
	entry := sd.Entry{Type: sd.EntryFindService, ServiceID: 0x1234, InstanceID: types.InstanceIDAny, MajorVersion: types.MajorVersionAny, TTL: types.TTLForever, MinverOrCounter: types.MinorVersionAny}
	require.NoError(t, p.SendSD([]sd.Entry{entry}, &remote))

	rec, err := backing.LoadOutgoing(context.Background(), remote.String())
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec.SessionID)
}

func TestNewWithSessionStorePreloadsCounterAcrossRestart(t *testing.T) {
	tr := newFakeTransport()
	backing := newFakeSessionStore()
	remote := peer()
	require.NoError(t, backing.SaveOutgoing(context.Background(), session.Record{Peer: remote.String(), RebootFlag: false, SessionID: 9}))

	p, err := NewWithSessionStore(context.Background(), nil, nil, types.DefaultTimings(), tr, backing)
	require.NoError(t, err)

	entry := sd.Entry{Type: sd.EntryFindService, ServiceID: 0x1234, InstanceID: types.InstanceIDAny, MajorVersion: types.MajorVersionAny, TTL: types.TTLForever, MinverOrCounter: types.MinorVersionAny}
	require.NoError(t, p.SendSD([]sd.Entry{entry}, &remote))

	data := tr.lastSent()
	require.NotNil(t, data)
	h, _, err := someip.Parse(data)
	require.NoError(t, err)
	assert.EqualValues(t, 9, h.SessionID)
}

func TestOnDatagramDiscardsWrongServiceID(t *testing.T) {
	tr := newFakeTransport()
	p := New(nil, nil, types.DefaultTimings(), tr)
	p.Start(newTestCtx(t))
	defer p.Stop()

	h := someip.Header{ServiceID: 0x1111, MethodID: sdMethodID, InterfaceVersion: 1,
		MessageType: someip.MessageTypeNotification, ReturnCode: someip.ReturnCodeOK}
	tr.deliver(someip.Build(h), peer(), false)
	// No panic, no dispatch: nothing to assert beyond survival.
}

func TestOnDatagramDispatchesOfferToDiscover(t *testing.T) {
	tr := newFakeTransport()
	p := New(nil, nil, types.DefaultTimings(), tr)
	p.Start(newTestCtx(t))
	defer p.Stop()

	offered := make(chan types.Service, 1)
	l := &callbackListener{offered: offered}
	p.Discover.WatchService(types.ServiceKey{ServiceID: 0x1234, InstanceID: types.InstanceIDAny, MajorVersion: types.MajorVersionAny, MinorVersion: types.MinorVersionAny}, l)

	entryHeader := sd.Header{Entries: []sd.Entry{{
		Type: sd.EntryOfferService, ServiceID: 0x1234, InstanceID: 1, MajorVersion: 1, TTL: 3, MinverOrCounter: 42,
	}}}
	data := buildSDDatagram(t, entryHeader, 1, true)

	tr.deliver(data, peer(), false)

	select {
	case svc := <-offered:
		assert.EqualValues(t, 0x1234, svc.ServiceID)
	case <-time.After(time.Second):
		t.Fatal("offer never dispatched to discover")
	}
}

type callbackListener struct {
	offered chan types.Service
}

func (c *callbackListener) ServiceOffered(svc types.Service, _ types.PeerAddr) {
	c.offered <- svc
}
func (c *callbackListener) ServiceStopped(types.Service, types.PeerAddr) {}
