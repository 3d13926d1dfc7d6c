package sd

import (
	"net/netip"
	"testing"

	"github.com/axmq/someipsd/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endpointOption(addr string, port uint16) types.Option {
	return types.Option{
		Type: OptionTypeIPv4Endpoint,
		Value: IPOption{
			Role:     roleEndpoint,
			Endpoint: types.Endpoint{Addr: netip.MustParseAddr(addr), L4Proto: types.L4UDP, Port: port},
		},
	}
}

func offerEntry(svc, inst uint16, opts []types.Option) Entry {
	return Entry{
		Type:            EntryOfferService,
		ServiceID:       svc,
		InstanceID:      inst,
		MajorVersion:    1,
		TTL:             3,
		MinverOrCounter: 0,
		Options1:        opts,
	}
}

func TestHeaderRoundTripResolvedOptions(t *testing.T) {
	opt := endpointOption("10.0.0.1", 30509)
	entry := offerEntry(0x1234, 1, []types.Option{opt})

	h := Header{FlagUnicast: true, Entries: []Entry{entry}}
	assigned, err := AssignOptionIndexes(h)
	require.NoError(t, err)

	wire, err := BuildHeader(assigned)
	require.NoError(t, err)

	parsed, n, err := ParseHeader(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)

	resolved, err := parsed.ResolveOptions()
	require.NoError(t, err)

	require.Len(t, resolved.Entries, 1)
	require.Len(t, resolved.Entries[0].Options1, 1)
	assert.True(t, OptionsEqual(opt, resolved.Entries[0].Options1[0]))
	assert.Equal(t, entry.ServiceID, resolved.Entries[0].ServiceID)
}

func TestAssignOptionIndexesDeduplicatesIdenticalRuns(t *testing.T) {
	opt := endpointOption("10.0.0.1", 30509)
	e1 := offerEntry(0x1111, 1, []types.Option{opt})
	e2 := offerEntry(0x2222, 1, []types.Option{opt})

	h := Header{FlagUnicast: true, Entries: []Entry{e1, e2}}
	assigned, err := AssignOptionIndexes(h)
	require.NoError(t, err)

	require.Len(t, assigned.Options, 1, "identical option runs across entries must share one table slot")
	assert.Equal(t, *assigned.Entries[0].OptionIndex1, *assigned.Entries[1].OptionIndex1)
	assert.Equal(t, 1, *assigned.Entries[0].NumOptions1)
}

func TestAssignOptionIndexesFirstFitAppendsOnMismatch(t *testing.T) {
	opt1 := endpointOption("10.0.0.1", 1)
	opt2 := endpointOption("10.0.0.2", 2)
	e1 := offerEntry(0x1111, 1, []types.Option{opt1})
	e2 := offerEntry(0x2222, 1, []types.Option{opt2})

	h := Header{FlagUnicast: true, Entries: []Entry{e1, e2}}
	assigned, err := AssignOptionIndexes(h)
	require.NoError(t, err)

	require.Len(t, assigned.Options, 2)
	assert.NotEqual(t, *assigned.Entries[0].OptionIndex1, *assigned.Entries[1].OptionIndex1)
}

func TestParseHeaderRejectsOutOfRangeOptionIndex(t *testing.T) {
	// hand-build an entry claiming 1 option when the table is empty.
	oi, no := 0, 1
	badEntry := Entry{
		Type:         EntryOfferService,
		ServiceID:    1,
		InstanceID:   1,
		MajorVersion: 1,
		OptionIndex1: &oi,
		NumOptions1:  &no,
		OptionIndex2: new(int),
		NumOptions2:  new(int),
	}
	entryWire, err := BuildEntry(badEntry)
	require.NoError(t, err)

	buf := []byte{0x40, 0, 0, 0}
	var lenBuf [4]byte
	putU32 := func(v uint32) {
		lenBuf[0] = byte(v >> 24)
		lenBuf[1] = byte(v >> 16)
		lenBuf[2] = byte(v >> 8)
		lenBuf[3] = byte(v)
	}
	putU32(uint32(len(entryWire)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, entryWire...)
	putU32(0)
	buf = append(buf, lenBuf[:]...)

	_, _, err = ParseHeader(buf)
	assert.ErrorIs(t, err, ErrOptionIndexOutOfRange)
}

func TestParseHeaderRejectsNonZeroReservedCounterBits(t *testing.T) {
	e := Entry{
		Type:            EntrySubscribe,
		ServiceID:       1,
		InstanceID:      1,
		MajorVersion:    1,
		TTL:             5,
		MinverOrCounter: 0xFFF00000 | 5, // reserved bits set
		OptionIndex1:    new(int),
		OptionIndex2:    new(int),
		NumOptions1:     new(int),
		NumOptions2:     new(int),
	}
	_, _, err := ParseEntry(mustBuildRaw(e), 0)
	assert.ErrorIs(t, err, ErrReservedBitsSet)
}

// mustBuildRaw encodes e with BuildEntry (which accepts it, since every
// option index field is set) and panics on error, giving ParseEntry's
// reserved-bit check a hand-crafted wire buffer.
func mustBuildRaw(e Entry) []byte {
	b, err := BuildEntry(e)
	if err != nil {
		panic(err)
	}
	return b
}

func TestHeaderUnknownFlagsPreserved(t *testing.T) {
	h := Header{FlagReboot: true, FlagUnicast: true, FlagsUnknown: 0x0F, Entries: nil}
	wire, err := BuildHeader(h)
	require.NoError(t, err)

	parsed, _, err := ParseHeader(wire)
	require.NoError(t, err)
	assert.Equal(t, byte(0x0F), parsed.FlagsUnknown)
	assert.True(t, parsed.FlagReboot)
	assert.True(t, parsed.FlagUnicast)
}
