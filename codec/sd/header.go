// Package sd implements the SOME/IP Service Discovery payload codec: the
// SD header (flags, entries array, options array), the four entry kinds,
// and the option registry. See codec/someip for the outer SOME/IP framing
// these payloads travel inside.
package sd

import (
	"encoding/binary"

	"github.com/axmq/someipsd/types"
)

const (
	flagReboot  byte = 0x80
	flagUnicast byte = 0x40
)

const headerMinSize = 12 // flags(1) + reserved(3) + entries_len(4) + options_len(4)

// Header is a decoded SD payload: flags, an entries array, and an options
// array. After Parse, entries still carry unresolved option indexes —
// call ResolveOptions to materialize them against Options.
type Header struct {
	FlagReboot   bool
	FlagUnicast  bool
	FlagsUnknown byte // remaining bits of the first flags byte

	Entries []Entry
	Options []types.Option
}

// ResolveOptions returns a copy of h with every entry's option runs
// materialized from h.Options.
func (h Header) ResolveOptions() (Header, error) {
	entries := make([]Entry, len(h.Entries))
	for i, e := range h.Entries {
		if e.OptionsResolved() {
			entries[i] = e
			continue
		}
		resolved, err := e.ResolveOptions(h.Options)
		if err != nil {
			return Header{}, err
		}
		entries[i] = resolved
	}
	out := h
	out.Entries = entries
	return out, nil
}

// ParseHeader decodes an SD payload from the front of data.
func ParseHeader(data []byte) (Header, int, error) {
	if len(data) < headerMinSize {
		return Header{}, 0, ErrIncompleteRead
	}

	flags := data[0]
	entriesLen := binary.BigEndian.Uint32(data[4:8])

	rest := data[8:]
	if uint64(len(rest)) < uint64(entriesLen)+4 {
		return Header{}, 0, ErrIncompleteRead
	}
	entriesBuf := rest[:entriesLen]
	rest = rest[entriesLen:]

	optionsLen := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint64(len(rest)) < uint64(optionsLen) {
		return Header{}, 0, ErrIncompleteRead
	}
	optionsBuf := rest[:optionsLen]
	consumed := 8 + int(entriesLen) + 4 + int(optionsLen)

	var options []types.Option
	for len(optionsBuf) > 0 {
		opt, n, err := ParseOption(optionsBuf)
		if err != nil {
			return Header{}, 0, err
		}
		options = append(options, opt)
		optionsBuf = optionsBuf[n:]
	}

	var entries []Entry
	for len(entriesBuf) > 0 {
		e, n, err := ParseEntry(entriesBuf, len(options))
		if err != nil {
			return Header{}, 0, err
		}
		entries = append(entries, e)
		entriesBuf = entriesBuf[n:]
	}

	h := Header{
		FlagReboot:   flags&flagReboot != 0,
		FlagUnicast:  flags&flagUnicast != 0,
		FlagsUnknown: flags &^ (flagReboot | flagUnicast),
		Entries:      entries,
		Options:      options,
	}
	return h, consumed, nil
}

// BuildHeader encodes h. Entries with resolved (materialized) options
// cannot be built directly — thread h through AssignOptionIndexes first.
func BuildHeader(h Header) ([]byte, error) {
	flags := h.FlagsUnknown
	if h.FlagReboot {
		flags |= flagReboot
	}
	if h.FlagUnicast {
		flags |= flagUnicast
	}

	var entriesBuf []byte
	for _, e := range h.Entries {
		b, err := BuildEntry(e)
		if err != nil {
			return nil, err
		}
		entriesBuf = append(entriesBuf, b...)
	}

	var optionsBuf []byte
	for _, o := range h.Options {
		optionsBuf = append(optionsBuf, BuildOption(o)...)
	}

	out := make([]byte, 0, headerMinSize+len(entriesBuf)+len(optionsBuf))
	out = append(out, flags, 0, 0, 0)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(entriesBuf)))
	out = append(out, lenBuf[:]...)
	out = append(out, entriesBuf...)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(optionsBuf)))
	out = append(out, lenBuf[:]...)
	out = append(out, optionsBuf...)

	return out, nil
}
