package someip

import "errors"

var (
	// ErrIncompleteRead means the buffer is shorter than the declared
	// structure. On a stream transport more bytes may still arrive; on a
	// datagram transport the current datagram is dropped.
	ErrIncompleteRead = errors.New("someip: incomplete read")

	// ErrMalformed means the bytes are structurally invalid: an unknown
	// enum value, an inconsistent length field, or an index out of range.
	ErrMalformed = errors.New("someip: malformed header")

	// ErrLengthTooShort is returned when the declared length field is
	// smaller than the fixed 8-byte minimum (client/session/protocol/
	// interface/message-type/return-code).
	ErrLengthTooShort = errors.New("someip: length field below minimum of 8")

	// ErrBuildPrecondition is returned by Build when the value being built
	// violates an invariant the encoder cannot silently paper over.
	ErrBuildPrecondition = errors.New("someip: value fails build precondition")
)
