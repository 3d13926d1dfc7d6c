package sd

import (
	"encoding/binary"
	"net/netip"

	"github.com/axmq/someipsd/types"
)

// Known SD option type bytes.
const (
	OptionTypeConfig         byte = 0x01
	OptionTypeLoadBalancing  byte = 0x02
	OptionTypeIPv4Endpoint   byte = 0x04
	OptionTypeIPv6Endpoint   byte = 0x06
	OptionTypeIPv4Multicast  byte = 0x14
	OptionTypeIPv6Multicast  byte = 0x16
	OptionTypeIPv4SDEndpoint byte = 0x24
	OptionTypeIPv6SDEndpoint byte = 0x26
)

// ipRole distinguishes the three axes an IP option can serve: plain
// endpoint, multicast group, or SD-endpoint (the address a peer should use
// to reach this node's own SD traffic).
type ipRole byte

const (
	roleEndpoint ipRole = iota
	roleMulticast
	roleSDEndpoint
)

// IPOption is the sum type for every IPv4/IPv6 endpoint/multicast/SD-endpoint
// option (spec §9 "inheritance of IP options"): one struct tagged by
// (family, role), switching on a fixed-size struct layout in Parse/Build.
type IPOption struct {
	V6   bool
	Role ipRole
	types.Endpoint
}

func (o IPOption) isOptionValue() {}

func (o IPOption) Equal(other types.OptionValue) bool {
	oo, ok := other.(IPOption)
	if !ok {
		return false
	}
	return o.V6 == oo.V6 && o.Role == oo.Role && o.Addr == oo.Addr &&
		o.L4Proto == oo.L4Proto && o.Port == oo.Port
}

func (o IPOption) typeByte() byte {
	switch {
	case !o.V6 && o.Role == roleEndpoint:
		return OptionTypeIPv4Endpoint
	case !o.V6 && o.Role == roleMulticast:
		return OptionTypeIPv4Multicast
	case !o.V6 && o.Role == roleSDEndpoint:
		return OptionTypeIPv4SDEndpoint
	case o.V6 && o.Role == roleEndpoint:
		return OptionTypeIPv6Endpoint
	case o.V6 && o.Role == roleMulticast:
		return OptionTypeIPv6Multicast
	default:
		return OptionTypeIPv6SDEndpoint
	}
}

// NewEndpointOption builds a plain IPv4/IPv6 endpoint option (0x04/0x06)
// advertising ep, e.g. the socket a Subscribe entry's sender wants
// notifications delivered to.
func NewEndpointOption(ep types.Endpoint) types.Option {
	return newIPOption(roleEndpoint, ep)
}

// NewMulticastOption builds an IPv4/IPv6 multicast option (0x14/0x16)
// advertising the multicast group an eventgroup's notifications are sent
// to.
func NewMulticastOption(ep types.Endpoint) types.Option {
	return newIPOption(roleMulticast, ep)
}

// NewSDEndpointOption builds an IPv4/IPv6 SD-endpoint option (0x24/0x26)
// advertising the address a peer should use to reach this node's own SD
// traffic.
func NewSDEndpointOption(ep types.Endpoint) types.Option {
	return newIPOption(roleSDEndpoint, ep)
}

func newIPOption(role ipRole, ep types.Endpoint) types.Option {
	io := IPOption{V6: ep.Addr.Is6() && !ep.Addr.Is4In6(), Role: role, Endpoint: ep}
	return types.Option{Type: io.typeByte(), Value: io}
}

func ipOptionRole(t byte) (v6 bool, role ipRole, ok bool) {
	switch t {
	case OptionTypeIPv4Endpoint:
		return false, roleEndpoint, true
	case OptionTypeIPv4Multicast:
		return false, roleMulticast, true
	case OptionTypeIPv4SDEndpoint:
		return false, roleSDEndpoint, true
	case OptionTypeIPv6Endpoint:
		return true, roleEndpoint, true
	case OptionTypeIPv6Multicast:
		return true, roleMulticast, true
	case OptionTypeIPv6SDEndpoint:
		return true, roleSDEndpoint, true
	}
	return false, 0, false
}

// parseIPOptionPayload decodes the fixed (reserved, address, reserved,
// l4proto, port) layout shared by all six IP option types. IPv4 payloads
// are 9 bytes (!B4sBBH), IPv6 payloads are 21 bytes (!B16sBBH).
func parseIPOptionPayload(v6 bool, role ipRole, payload []byte) (IPOption, error) {
	want := 9
	if v6 {
		want = 21
	}
	if len(payload) != want {
		return IPOption{}, ErrMalformed
	}

	addrLen := 4
	if v6 {
		addrLen = 16
	}
	addrBytes := payload[1 : 1+addrLen]
	l4proto := payload[1+addrLen+1]
	port := binary.BigEndian.Uint16(payload[1+addrLen+2 : 1+addrLen+4])

	var addr netip.Addr
	if v6 {
		var b [16]byte
		copy(b[:], addrBytes)
		addr = netip.AddrFrom16(b)
	} else {
		var b [4]byte
		copy(b[:], addrBytes)
		addr = netip.AddrFrom4(b)
	}

	return IPOption{
		V6:   v6,
		Role: role,
		Endpoint: types.Endpoint{
			Addr:    addr,
			L4Proto: types.L4Proto(l4proto),
			Port:    port,
		},
	}, nil
}

func buildIPOptionPayload(o IPOption) []byte {
	if o.V6 {
		buf := make([]byte, 21)
		a16 := o.Addr.As16()
		copy(buf[1:17], a16[:])
		buf[17] = 0
		buf[18] = byte(o.L4Proto)
		binary.BigEndian.PutUint16(buf[19:21], o.Port)
		return buf
	}
	buf := make([]byte, 9)
	a4 := o.Addr.As4()
	copy(buf[1:5], a4[:])
	buf[5] = 0
	buf[6] = byte(o.L4Proto)
	binary.BigEndian.PutUint16(buf[7:9], o.Port)
	return buf
}

// ConfigOption carries an ordered key[=value] list (option type 0x01).
type ConfigOption struct {
	Entries []ConfigEntry
}

type ConfigEntry struct {
	Key   string
	Value string // empty and HasValue=false means "key" with no "="
	HasValue bool
}

func (o ConfigOption) isOptionValue() {}

func (o ConfigOption) Equal(other types.OptionValue) bool {
	oo, ok := other.(ConfigOption)
	if !ok || len(o.Entries) != len(oo.Entries) {
		return false
	}
	for i := range o.Entries {
		if o.Entries[i] != oo.Entries[i] {
			return false
		}
	}
	return true
}

func parseConfigPayload(payload []byte) (ConfigOption, error) {
	if len(payload) < 2 {
		return ConfigOption{}, ErrMalformed
	}
	b := payload[1:] // leading reserved byte
	var entries []ConfigEntry
	for len(b) > 0 {
		n := b[0]
		b = b[1:]
		if n == 0 {
			return ConfigOption{Entries: entries}, nil
		}
		if len(b) < int(n) {
			return ConfigOption{}, ErrMalformed
		}
		kv := b[:n]
		b = b[n:]

		eq := -1
		for i, c := range kv {
			if c == '=' {
				eq = i
				break
			}
		}
		if eq == -1 {
			entries = append(entries, ConfigEntry{Key: string(kv), HasValue: false})
		} else {
			entries = append(entries, ConfigEntry{Key: string(kv[:eq]), Value: string(kv[eq+1:]), HasValue: true})
		}
	}
	return ConfigOption{}, ErrMalformed // missing zero terminator
}

func buildConfigPayload(o ConfigOption) []byte {
	buf := []byte{0}
	for _, e := range o.Entries {
		if e.HasValue {
			s := e.Key + "=" + e.Value
			buf = append(buf, byte(len(s)))
			buf = append(buf, s...)
		} else {
			buf = append(buf, byte(len(e.Key)))
			buf = append(buf, e.Key...)
		}
	}
	buf = append(buf, 0)
	return buf
}

// LoadBalancingOption carries priority/weight (option type 0x02).
type LoadBalancingOption struct {
	Priority uint16
	Weight   uint16
}

func (o LoadBalancingOption) isOptionValue() {}

func (o LoadBalancingOption) Equal(other types.OptionValue) bool {
	oo, ok := other.(LoadBalancingOption)
	return ok && o == oo
}

func parseLoadBalancingPayload(payload []byte) (LoadBalancingOption, error) {
	if len(payload) != 5 {
		return LoadBalancingOption{}, ErrMalformed
	}
	return LoadBalancingOption{
		Priority: binary.BigEndian.Uint16(payload[1:3]),
		Weight:   binary.BigEndian.Uint16(payload[3:5]),
	}, nil
}

func buildLoadBalancingPayload(o LoadBalancingOption) []byte {
	buf := make([]byte, 5)
	binary.BigEndian.PutUint16(buf[1:3], o.Priority)
	binary.BigEndian.PutUint16(buf[3:5], o.Weight)
	return buf
}

// UnknownOption round-trips any option type this module does not interpret.
type UnknownOption struct {
	Payload []byte
}

func (o UnknownOption) isOptionValue() {}

func (o UnknownOption) Equal(other types.OptionValue) bool {
	oo, ok := other.(UnknownOption)
	if !ok || len(o.Payload) != len(oo.Payload) {
		return false
	}
	for i := range o.Payload {
		if o.Payload[i] != oo.Payload[i] {
			return false
		}
	}
	return true
}

// ParseOption decodes one SD option from the front of data: length(u16),
// type(u8), payload(length bytes, NOT counting the type byte — confirmed
// against the reference implementation's struct.Struct("!HB") framing).
// It returns the option and the number of bytes consumed.
func ParseOption(data []byte) (types.Option, int, error) {
	if len(data) < 3 {
		return types.Option{}, 0, ErrIncompleteRead
	}
	length := binary.BigEndian.Uint16(data[0:2])
	typ := data[2]
	total := 3 + int(length)
	if len(data) < total {
		return types.Option{}, 0, ErrIncompleteRead
	}
	payload := data[3:total]

	var value types.OptionValue
	var err error
	if v6, role, ok := ipOptionRole(typ); ok {
		value, err = parseIPOptionPayload(v6, role, payload)
	} else {
		switch typ {
		case OptionTypeConfig:
			value, err = parseConfigPayload(payload)
		case OptionTypeLoadBalancing:
			value, err = parseLoadBalancingPayload(payload)
		default:
			value = UnknownOption{Payload: append([]byte(nil), payload...)}
		}
	}
	if err != nil {
		return types.Option{}, 0, err
	}

	return types.Option{Type: typ, Value: value}, total, nil
}

// BuildOption encodes an option to its wire form.
func BuildOption(opt types.Option) []byte {
	var payload []byte
	typ := opt.Type

	switch v := opt.Value.(type) {
	case IPOption:
		payload = buildIPOptionPayload(v)
		typ = v.typeByte()
	case ConfigOption:
		payload = buildConfigPayload(v)
		typ = OptionTypeConfig
	case LoadBalancingOption:
		payload = buildLoadBalancingPayload(v)
		typ = OptionTypeLoadBalancing
	case UnknownOption:
		payload = v.Payload
	}

	out := make([]byte, 3+len(payload))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(payload)))
	out[2] = typ
	copy(out[3:], payload)
	return out
}

// OptionsEqual reports structural wire-form equality between two options,
// satisfying the requirement that option-table dedup never merges two
// options that would serialize differently (spec §9 open question).
func OptionsEqual(a, b types.Option) bool {
	if a.Type != b.Type {
		return false
	}
	return a.Value.Equal(b.Value)
}
