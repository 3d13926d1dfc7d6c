package transport

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/axmq/someipsd/types"
)

// UDPConfig configures a UDPTransport.
type UDPConfig struct {
	// LocalAddr is the unicast socket address to bind, e.g. "0.0.0.0:30490".
	LocalAddr string
	// MulticastGroup is the SD multicast group to join, e.g. "224.224.224.245:30490".
	MulticastGroup string
	// Interface selects the network interface used to join MulticastGroup;
	// nil lets the OS pick.
	Interface *net.Interface
	// ReadBufferSize, when positive, sets the OS receive buffer size of
	// both sockets. A single datagram read always uses a 64 KiB buffer.
	ReadBufferSize int
}

// DefaultUDPConfig returns a UDPConfig with ReadBufferSize set to 64 KiB
// and the two required fields, LocalAddr and MulticastGroup, left blank.
func DefaultUDPConfig() UDPConfig {
	return UDPConfig{ReadBufferSize: 64 * 1024}
}

// UDPTransport is the default runnable Transport: one unicast UDP socket
// plus one multicast-joined socket, each serviced by its own read-loop
// goroutine, grounded on the teacher's network/listener.go accept-loop
// lifecycle (context cancellation, WaitGroup, atomic counters, closeOnce).
type UDPTransport struct {
	unicastConn   *net.UDPConn
	multicastConn *net.UDPConn
	multicastAddr types.PeerAddr

	mu               sync.RWMutex
	datagramHandler  DatagramHandler
	lostHandler      ConnectionLostHandler

	received atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewUDPTransport binds config.LocalAddr and joins config.MulticastGroup.
// The caller must call Start after registering handlers with OnDatagram /
// OnConnectionLost.
func NewUDPTransport(config UDPConfig) (*UDPTransport, error) {
	localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
	if err != nil {
		return nil, err
	}
	unicastConn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, err
	}

	mcastAddr, err := net.ResolveUDPAddr("udp", config.MulticastGroup)
	if err != nil {
		unicastConn.Close()
		return nil, err
	}
	multicastConn, err := net.ListenMulticastUDP("udp", config.Interface, mcastAddr)
	if err != nil {
		unicastConn.Close()
		return nil, err
	}
	if config.ReadBufferSize > 0 {
		multicastConn.SetReadBuffer(config.ReadBufferSize)
		unicastConn.SetReadBuffer(config.ReadBufferSize)
	}

	ap, err := netip.ParseAddrPort(mcastAddr.String())
	if err != nil {
		unicastConn.Close()
		multicastConn.Close()
		return nil, err
	}

	return &UDPTransport{
		unicastConn:   unicastConn,
		multicastConn: multicastConn,
		multicastAddr: types.PeerAddr{Addr: ap.Addr(), Port: ap.Port()},
	}, nil
}

// OnDatagram implements Transport.
func (t *UDPTransport) OnDatagram(handler DatagramHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.datagramHandler = handler
}

// OnConnectionLost implements Transport.
func (t *UDPTransport) OnConnectionLost(handler ConnectionLostHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lostHandler = handler
}

// MulticastAddr implements Transport.
func (t *UDPTransport) MulticastAddr() types.PeerAddr {
	return t.multicastAddr
}

// Start launches the unicast and multicast read loops. Handlers registered
// after Start may race with already-arriving datagrams; register them
// first.
func (t *UDPTransport) Start() {
	t.wg.Add(2)
	go t.readLoop(t.unicastConn, false)
	go t.readLoop(t.multicastConn, true)
}

func (t *UDPTransport) readLoop(conn *net.UDPConn, isMulticast bool) {
	defer t.wg.Done()

	buf := make([]byte, 64*1024)
	var loopErr error
	for {
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if t.closed.Load() {
				return
			}
			loopErr = err
			break
		}
		t.received.Add(1)

		t.mu.RLock()
		handler := t.datagramHandler
		t.mu.RUnlock()
		if handler == nil {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		handler(data, types.PeerAddr{Addr: addr.Addr(), Port: addr.Port()}, isMulticast)
	}

	t.mu.RLock()
	lost := t.lostHandler
	t.mu.RUnlock()
	if lost != nil {
		lost(loopErr)
	}
}

// SendTo implements Transport. A multicast-addressed peer is sent via the
// multicast socket so the outgoing packet carries the joined group's
// source characteristics; everything else goes via the unicast socket.
func (t *UDPTransport) SendTo(data []byte, peer types.PeerAddr) error {
	if t.closed.Load() {
		return errors.New("transport: closed")
	}

	dst := net.UDPAddrFromAddrPort(netip.AddrPortFrom(peer.Addr, peer.Port))
	conn := t.unicastConn
	if peer.IsMulticast() {
		conn = t.multicastConn
	}

	if _, err := conn.WriteToUDP(data, dst); err != nil {
		return err
	}
	t.sent.Add(1)
	return nil
}

// Close stops both read loops and releases both sockets.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if cerr := t.unicastConn.Close(); cerr != nil {
			err = cerr
		}
		if cerr := t.multicastConn.Close(); cerr != nil {
			err = cerr
		}
		t.wg.Wait()
	})
	return err
}

var _ Transport = (*UDPTransport)(nil)
