// Package someip implements the bit-exact SOME/IP header codec:
// !HHIHHBBBB = service(16) method(16) length(32) client(16) session(16)
// protocol(8) interface(8) message_type(8) return_code(8), followed by
// length-8 payload bytes.
package someip

import (
	"encoding/binary"
	"io"
)

// MessageType enumerates the SOME/IP message_type byte.
type MessageType byte

const (
	MessageTypeRequest            MessageType = 0x00
	MessageTypeRequestNoReturn    MessageType = 0x01
	MessageTypeNotification       MessageType = 0x02
	MessageTypeResponse           MessageType = 0x80
	MessageTypeError              MessageType = 0x81
	MessageTypeTPRequest          MessageType = 0x20
	MessageTypeTPRequestNoReturn  MessageType = 0x21
	MessageTypeTPNotification     MessageType = 0x22
	MessageTypeTPResponse         MessageType = 0xA0
	MessageTypeTPError            MessageType = 0xA1
)

// ReturnCode enumerates the SOME/IP return_code byte.
type ReturnCode byte

const (
	ReturnCodeOK                 ReturnCode = 0x00
	ReturnCodeNotOK              ReturnCode = 0x01
	ReturnCodeUnknownService     ReturnCode = 0x02
	ReturnCodeUnknownMethod      ReturnCode = 0x03
	ReturnCodeNotReady           ReturnCode = 0x04
	ReturnCodeNotReachable       ReturnCode = 0x05
	ReturnCodeTimeout            ReturnCode = 0x06
	ReturnCodeWrongProtoVersion  ReturnCode = 0x07
	ReturnCodeWrongInterfaceVer  ReturnCode = 0x08
	ReturnCodeMalformedMessage   ReturnCode = 0x09
	ReturnCodeWrongMessageType   ReturnCode = 0x0A
)

// ProtocolVersion is fixed at 1 for every SOME/IP message this core emits
// or accepts.
const ProtocolVersion byte = 1

// minLength is the minimum value of the length field: it counts every byte
// after the length field itself (client, session, protocol, interface
// version, message_type, return_code = 8 bytes), so the wire
// invariant is length >= 8.
const minLength = 8

const headerFixedSize = 8 // service + method + length fields, before the length-counted region

// Header is a decoded SOME/IP message header plus its payload.
type Header struct {
	ServiceID        uint16
	MethodID         uint16
	ClientID         uint16
	SessionID        uint16
	InterfaceVersion byte
	MessageType      MessageType
	ReturnCode       ReturnCode
	Payload          []byte
}

// Length computes the wire length field for this header: 8 fixed bytes
// (client, session, protocol, interface, message_type, return_code) plus
// the payload.
func (h Header) Length() uint32 {
	return uint32(minLength) + uint32(len(h.Payload))
}

// Parse decodes one SOME/IP header (and its payload) from the front of
// data. It returns the header and the number of bytes consumed.
func Parse(data []byte) (Header, int, error) {
	if len(data) < headerFixedSize {
		return Header{}, 0, ErrIncompleteRead
	}

	var h Header
	h.ServiceID = binary.BigEndian.Uint16(data[0:2])
	h.MethodID = binary.BigEndian.Uint16(data[2:4])
	length := binary.BigEndian.Uint32(data[4:8])

	if length < minLength {
		return Header{}, 0, ErrLengthTooShort
	}

	total := headerFixedSize + int(length)
	if len(data) < total {
		return Header{}, 0, ErrIncompleteRead
	}

	rest := data[8:total]
	h.ClientID = binary.BigEndian.Uint16(rest[0:2])
	h.SessionID = binary.BigEndian.Uint16(rest[2:4])
	protocolVersion := rest[4]
	if protocolVersion != ProtocolVersion {
		return Header{}, 0, ErrMalformed
	}
	h.InterfaceVersion = rest[5]
	h.MessageType = MessageType(rest[6])
	h.ReturnCode = ReturnCode(rest[7])

	payloadLen := int(length) - minLength
	h.Payload = append([]byte(nil), rest[8:8+payloadLen]...)

	return h, total, nil
}

// Build encodes h to its wire form.
func Build(h Header) []byte {
	length := h.Length()
	out := make([]byte, headerFixedSize+int(length))

	binary.BigEndian.PutUint16(out[0:2], h.ServiceID)
	binary.BigEndian.PutUint16(out[2:4], h.MethodID)
	binary.BigEndian.PutUint32(out[4:8], length)
	binary.BigEndian.PutUint16(out[8:10], h.ClientID)
	binary.BigEndian.PutUint16(out[10:12], h.SessionID)
	out[12] = ProtocolVersion
	out[13] = h.InterfaceVersion
	out[14] = byte(h.MessageType)
	out[15] = byte(h.ReturnCode)
	copy(out[16:], h.Payload)

	return out
}

// ParseAll decodes every complete header packed back-to-back in data,
// stopping (without error) at the first incomplete trailing fragment. This
// supports transports — reliable streams — that may deliver multiple PDUs
// or a partial tail in one read.
func ParseAll(data []byte) ([]Header, error) {
	var headers []Header
	for len(data) > 0 {
		h, n, err := Parse(data)
		if err == ErrIncompleteRead {
			break
		}
		if err != nil {
			return headers, err
		}
		headers = append(headers, h)
		data = data[n:]
	}
	return headers, nil
}

var _ = io.EOF // keep io imported for Reader-based helpers below.

// ReadHeader decodes exactly one header from r, useful for reliable stream
// transports outside the core's direct scope.
func ReadHeader(r io.Reader) (Header, error) {
	var fixed [headerFixedSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Header{}, ErrIncompleteRead
		}
		return Header{}, err
	}

	length := binary.BigEndian.Uint32(fixed[4:8])
	if length < minLength {
		return Header{}, ErrLengthTooShort
	}

	rest := make([]byte, length)
	if _, err := io.ReadFull(r, rest); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Header{}, ErrIncompleteRead
		}
		return Header{}, err
	}

	buf := make([]byte, headerFixedSize+len(rest))
	copy(buf, fixed[:])
	copy(buf[headerFixedSize:], rest)

	h, _, err := Parse(buf)
	return h, err
}
