package sd

import (
	"errors"
	"fmt"
)

var (
	// ErrIncompleteRead mirrors someip.ErrIncompleteRead for the SD layer:
	// the buffer is shorter than the structure it is declared to hold.
	ErrIncompleteRead = errors.New("someipsd: incomplete read")

	// ErrMalformed covers every structurally-invalid SD payload: bad option
	// length, option index out of range, non-zero reserved bits, unknown
	// entry type.
	ErrMalformed = errors.New("someipsd: malformed SD payload")

	// ErrOptionIndexOutOfRange is a more specific ErrMalformed for the
	// "entry references an option slot that doesn't exist" case (spec
	// §4.1's index-validation rule).
	ErrOptionIndexOutOfRange = fmt.Errorf("%w: option index out of range", ErrMalformed)

	// ErrReservedBitsSet is returned when a Subscribe/SubscribeAck entry's
	// minver_or_counter field has non-zero bits above the eventgroup ID.
	ErrReservedBitsSet = fmt.Errorf("%w: reserved bits set in counter field", ErrMalformed)

	// ErrOptionsNotResolved is returned by BuildEntry when an entry carries
	// materialized options but no assigned option indexes (run
	// AssignOptionIndexes first).
	ErrOptionsNotResolved = errors.New("someipsd: entry options not resolved")

	// ErrUnknownEntryType is returned when parsing an entry whose type
	// byte is not one of FindService/OfferService/Subscribe/SubscribeAck.
	ErrUnknownEntryType = fmt.Errorf("%w: unknown SD entry type", ErrMalformed)
)
