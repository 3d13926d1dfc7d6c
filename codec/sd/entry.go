package sd

import (
	"encoding/binary"

	"github.com/axmq/someipsd/types"
)

// EntryType enumerates the SD entry type byte.
type EntryType byte

const (
	EntryFindService  EntryType = 0x00
	EntryOfferService EntryType = 0x01
	EntrySubscribe    EntryType = 0x06
	EntrySubscribeAck EntryType = 0x07
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryFindService, EntryOfferService, EntrySubscribe, EntrySubscribeAck:
		return true
	}
	return false
}

const entryWireSize = 16 // !BBBBHHBBHI

// Entry is a decoded SD entry. Exactly one of its two option
// representations is valid at a time: either OptionIndex1/2+NumOptions1/2
// (unresolved, indexes into the containing header's option table) or
// Options1/2 (resolved, materialized values). OptionsResolved reports
// which.
type Entry struct {
	Type             EntryType
	ServiceID        uint16
	InstanceID       uint16
	MajorVersion     byte
	TTL              uint32 // 24-bit on the wire
	MinverOrCounter  uint32

	Options1 []types.Option
	Options2 []types.Option

	OptionIndex1 *int
	OptionIndex2 *int
	NumOptions1  *int
	NumOptions2  *int
}

// OptionsResolved is true iff all four index fields are absent — i.e. this
// entry carries materialized Options1/Options2 rather than indexes into a
// header's option table. (The reference implementation this spec was
// distilled from inverts this check; spec.md corrects it, and this codec
// follows the corrected definition — see DESIGN.md.)
func (e Entry) OptionsResolved() bool {
	return e.OptionIndex1 == nil && e.OptionIndex2 == nil &&
		e.NumOptions1 == nil && e.NumOptions2 == nil
}

// MinorVersion returns MinverOrCounter for FindService/OfferService entries.
func (e Entry) MinorVersion() uint32 {
	return e.MinverOrCounter
}

// EventgroupCounter returns the 4-bit counter for Subscribe/SubscribeAck entries.
func (e Entry) EventgroupCounter() byte {
	return byte((e.MinverOrCounter >> 16) & 0xF)
}

// EventgroupID returns the 16-bit eventgroup id for Subscribe/SubscribeAck entries.
func (e Entry) EventgroupID() uint16 {
	return uint16(e.MinverOrCounter & 0xFFFF)
}

// EncodeSubscribeCounter packs a counter and eventgroup id into the
// minver_or_counter wire field.
func EncodeSubscribeCounter(counter byte, eventgroupID uint16) uint32 {
	return (uint32(counter&0xF) << 16) | uint32(eventgroupID)
}

// ResolveOptions returns a copy of e with its option runs materialized from
// the containing header's option table. e must not already be resolved.
func (e Entry) ResolveOptions(options []types.Option) (Entry, error) {
	if e.OptionsResolved() {
		return Entry{}, ErrMalformed
	}
	oi1, no1 := *e.OptionIndex1, *e.NumOptions1
	oi2, no2 := *e.OptionIndex2, *e.NumOptions2

	if oi1+no1 > len(options) || oi2+no2 > len(options) {
		return Entry{}, ErrOptionIndexOutOfRange
	}

	out := e
	out.Options1 = append([]types.Option(nil), options[oi1:oi1+no1]...)
	out.Options2 = append([]types.Option(nil), options[oi2:oi2+no2]...)
	out.OptionIndex1, out.OptionIndex2 = nil, nil
	out.NumOptions1, out.NumOptions2 = nil, nil
	return out, nil
}

// ParseEntry decodes one SD entry. numOptions is the size of the
// containing header's option table, used to validate index bounds.
func ParseEntry(data []byte, numOptions int) (Entry, int, error) {
	if len(data) < entryWireSize {
		return Entry{}, 0, ErrIncompleteRead
	}

	typ := EntryType(data[0])
	if !typ.Valid() {
		return Entry{}, 0, ErrUnknownEntryType
	}
	oi1 := int(data[1])
	oi2 := int(data[2])
	nopt := data[3]
	no1 := int(nopt >> 4)
	no2 := int(nopt & 0x0F)
	serviceID := binary.BigEndian.Uint16(data[4:6])
	instanceID := binary.BigEndian.Uint16(data[6:8])
	majorVersion := data[8]
	ttl := (uint32(data[9]) << 16) | uint32(binary.BigEndian.Uint16(data[10:12]))
	val := binary.BigEndian.Uint32(data[12:16])

	if oi1+no1 > numOptions || oi2+no2 > numOptions {
		return Entry{}, 0, ErrOptionIndexOutOfRange
	}

	if typ == EntrySubscribe || typ == EntrySubscribeAck {
		if val&0xFFF00000 != 0 {
			return Entry{}, 0, ErrReservedBitsSet
		}
	}

	e := Entry{
		Type:            typ,
		ServiceID:       serviceID,
		InstanceID:      instanceID,
		MajorVersion:    majorVersion,
		TTL:             ttl,
		MinverOrCounter: val,
		OptionIndex1:    &oi1,
		OptionIndex2:    &oi2,
		NumOptions1:     &no1,
		NumOptions2:     &no2,
	}
	return e, entryWireSize, nil
}

// BuildEntry encodes e. e must have resolved option indexes (see
// AssignOptionIndexes); building an entry whose indexes were never
// assigned is a programmer error and fails fast rather than truncating.
func BuildEntry(e Entry) ([]byte, error) {
	if e.OptionsResolved() {
		return nil, ErrOptionsNotResolved
	}

	out := make([]byte, entryWireSize)
	out[0] = byte(e.Type)
	out[1] = byte(*e.OptionIndex1)
	out[2] = byte(*e.OptionIndex2)
	out[3] = byte((*e.NumOptions1)<<4) | byte(*e.NumOptions2)
	binary.BigEndian.PutUint16(out[4:6], e.ServiceID)
	binary.BigEndian.PutUint16(out[6:8], e.InstanceID)
	out[8] = e.MajorVersion
	out[9] = byte(e.TTL >> 16)
	binary.BigEndian.PutUint16(out[10:12], uint16(e.TTL))
	binary.BigEndian.PutUint32(out[12:16], e.MinverOrCounter)
	return out, nil
}
