// Package types holds the SOME/IP SD data model shared across the core:
// service and eventgroup identity, peer addressing, and protocol timings.
package types

import (
	"fmt"
	"net/netip"
)

// Wildcard values per SOME/IP SD: "match any" for the respective field.
const (
	InstanceIDAny  uint16 = 0xFFFF
	MajorVersionAny byte  = 0xFF
	MinorVersionAny uint32 = 0xFFFFFFFF

	// TTLForever marks a TimedStore entry that never expires.
	TTLForever uint32 = 0xFFFFFF
)

// L4Proto identifies the transport protocol carried by an IP option.
type L4Proto byte

const (
	L4TCP L4Proto = 0x06
	L4UDP L4Proto = 0x11
)

// PeerAddr is a remote SD endpoint: an IP address plus a UDP port.
// It is comparable, so it can key maps directly.
type PeerAddr struct {
	Addr netip.Addr
	Port uint16
}

func (p PeerAddr) String() string {
	return netip.AddrPortFrom(p.Addr, p.Port).String()
}

// IsMulticast reports whether the peer address is a multicast group address.
func (p PeerAddr) IsMulticast() bool {
	return p.Addr.IsMulticast()
}

// Endpoint is an (address, l4proto, port) carried by IPv4/IPv6 endpoint,
// multicast, and SD-endpoint options.
type Endpoint struct {
	Addr    netip.Addr
	L4Proto L4Proto
	Port    uint16
}

// Service is the tuple identifying a discoverable SOME/IP service offer.
// Options and eventgroups participate in building offer entries but are
// excluded from equality: Service itself is not comparable (it holds
// slices and a map), so identity is compared through Key, under which two
// services with identical identity but different options or eventgroup
// sets are equal.
type Service struct {
	ServiceID    uint16
	InstanceID   uint16
	MajorVersion byte
	MinorVersion uint32

	Options1 []Option
	Options2 []Option

	Eventgroups map[uint16]struct{}
}

// ServiceKey is the comparable identity used for map keys and equality, excluding
// options and eventgroups per the spec.
type ServiceKey struct {
	ServiceID    uint16
	InstanceID   uint16
	MajorVersion byte
	MinorVersion uint32
}

func (s Service) Key() ServiceKey {
	return ServiceKey{
		ServiceID:    s.ServiceID,
		InstanceID:   s.InstanceID,
		MajorVersion: s.MajorVersion,
		MinorVersion: s.MinorVersion,
	}
}

func (s Service) String() string {
	return fmt.Sprintf("Service(0x%04x,0x%04x,%d,%d)", s.ServiceID, s.InstanceID, s.MajorVersion, s.MinorVersion)
}

// MatchesFilter reports whether s (a concrete, offered service) satisfies a
// watch filter that may carry wildcards in instance/major/minor.
func (s Service) MatchesFilter(filter ServiceKey) bool {
	if s.ServiceID != filter.ServiceID {
		return false
	}
	if filter.InstanceID != InstanceIDAny && filter.InstanceID != s.InstanceID {
		return false
	}
	if filter.MajorVersion != MajorVersionAny && filter.MajorVersion != s.MajorVersion {
		return false
	}
	if filter.MinorVersion != MinorVersionAny && filter.MinorVersion != s.MinorVersion {
		return false
	}
	return true
}

// MatchesFind reports whether an offered service s should answer a
// FindService entry carrying the given (possibly wildcarded) criteria.
func (s Service) MatchesFind(instanceID uint16, majorVersion byte, minorVersion uint32) bool {
	if instanceID != InstanceIDAny && instanceID != s.InstanceID {
		return false
	}
	if majorVersion != MajorVersionAny && majorVersion != s.MajorVersion {
		return false
	}
	if minorVersion != MinorVersionAny && minorVersion != s.MinorVersion {
		return false
	}
	return true
}

// MatchesSubscribe reports whether s is the service targeted by a Subscribe
// entry, and that the requested eventgroup is one s actually offers.
func (s Service) MatchesSubscribe(instanceID uint16, majorVersion byte, eventgroupID uint16) bool {
	if s.InstanceID != InstanceIDAny && s.InstanceID != instanceID {
		return false
	}
	if s.MajorVersion != MajorVersionAny && s.MajorVersion != majorVersion {
		return false
	}
	_, ok := s.Eventgroups[eventgroupID]
	return ok
}

// Option is a decoded SD option. Concrete option payloads embed into Value;
// Type is the wire type byte. Equality is structural over the wire form, not
// Go identity, so options that decode equal always re-encode identically.
type Option struct {
	Type    byte
	Value   OptionValue
}

// OptionValue is implemented by every known option payload plus Unknown.
type OptionValue interface {
	// Equal reports structural equality over the wire representation.
	Equal(other OptionValue) bool
}

// Eventgroup identifies a subscribable eventgroup within a service.
// InstanceID and MajorVersion may carry wildcards when used as a
// subscription template (see AutoSubscribeListener); LocalSockAddr and
// L4Proto are the subscriber's own endpoint, advertised in the Subscribe
// entry's endpoint option.
type Eventgroup struct {
	ServiceID     uint16
	InstanceID    uint16
	MajorVersion  byte
	EventgroupID  uint16
	LocalSockAddr PeerAddr
	L4Proto       L4Proto
}

func (e Eventgroup) String() string {
	return fmt.Sprintf("Eventgroup(0x%04x,0x%04x,%d,0x%04x)", e.ServiceID, e.InstanceID, e.MajorVersion, e.EventgroupID)
}

// ForService resolves a (possibly wildcarded) eventgroup template against a
// concrete offered service, returning a concrete eventgroup when svc
// matches the template and offers the eventgroup, or ok=false otherwise.
func (e Eventgroup) ForService(svc Service) (Eventgroup, bool) {
	if svc.ServiceID != e.ServiceID {
		return Eventgroup{}, false
	}
	if e.InstanceID != InstanceIDAny && e.InstanceID != svc.InstanceID {
		return Eventgroup{}, false
	}
	if e.MajorVersion != MajorVersionAny && e.MajorVersion != svc.MajorVersion {
		return Eventgroup{}, false
	}
	if _, ok := svc.Eventgroups[e.EventgroupID]; !ok {
		return Eventgroup{}, false
	}
	concrete := e
	concrete.InstanceID = svc.InstanceID
	concrete.MajorVersion = svc.MajorVersion
	return concrete, true
}
