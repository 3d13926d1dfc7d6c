// Package transport implements the datagram transport SdProtocol consumes.
// The core never opens sockets itself (spec §6); UDPTransport is the
// runnable default, grounded on the teacher's network/listener.go
// lifecycle idiom (context+cancel, WaitGroup, atomic counters, closeOnce)
// adapted from a connection-oriented TCP listener to two UDP sockets
// (unicast and multicast), each with its own read loop.
package transport

import (
	"github.com/axmq/someipsd/types"
)

// DatagramHandler is invoked once per received datagram, off the
// transport's read loop. isMulticast reports whether the datagram arrived
// on the joined multicast group rather than addressed to the unicast
// socket.
type DatagramHandler func(data []byte, peer types.PeerAddr, isMulticast bool)

// ConnectionLostHandler is invoked when one of the transport's read loops
// exits on a socket error; with two loops it may be invoked twice. A
// deliberate Close does not invoke it.
type ConnectionLostHandler func(err error)

// Transport is the datagram transport contract SdProtocol is built
// against. It is consumed, never implemented, by the core: SdProtocol
// calls SendTo and registers its handlers; it never opens or owns a
// socket.
type Transport interface {
	// SendTo writes data to peer. peer.IsMulticast() selects the
	// joined multicast group instead of a unicast destination when the
	// transport supports it.
	SendTo(data []byte, peer types.PeerAddr) error

	// MulticastAddr returns the transport's configured default
	// destination, used by SdProtocol.SendSD when remote is unset.
	MulticastAddr() types.PeerAddr

	// OnDatagram registers the handler invoked per received datagram.
	// Must be called before Start.
	OnDatagram(handler DatagramHandler)

	// OnConnectionLost registers the handler invoked when the read loop
	// exits. Must be called before Start.
	OnConnectionLost(handler ConnectionLostHandler)

	// Close stops the read loop and releases the socket.
	Close() error
}
