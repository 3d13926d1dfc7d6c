package sd

import "github.com/axmq/someipsd/types"

// findOptionSlice returns the index at which needle appears as a
// contiguous slice of haystack, or -1 if absent, using the
// Boyer-Moore-Horspool algorithm (grounded on the reference
// implementation's `_find` helper). Equality is OptionsEqual (structural
// over the wire form), matching spec §9's requirement that option dedup
// never merge two options that serialize differently.
func findOptionSlice(haystack, needle []types.Option) int {
	n := len(needle)
	h := len(haystack)
	if n == 0 {
		return 0
	}
	if n > h {
		return -1
	}

	skip := make(map[byte]int, n)
	for i := 0; i < n-1; i++ {
		skip[needle[i].Type] = n - i - 1
	}

	i := n - 1
	for i < h {
		j := 0
		for ; j < n; j++ {
			if !OptionsEqual(haystack[i-j], needle[n-j-1]) {
				break
			}
		}
		if j == n {
			return i - n + 1
		}
		skipBy, ok := skip[haystack[i].Type]
		if !ok {
			skipBy = n
		}
		i += skipBy
	}
	return -1
}

// assignOptionRun finds or appends needle as a contiguous slice of
// options, returning its (index, count). An empty needle always maps to
// (0, 0) regardless of table contents.
func assignOptionRun(options *[]types.Option, needle []types.Option) (int, int) {
	if len(needle) == 0 {
		return 0, 0
	}
	if idx := findOptionSlice(*options, needle); idx >= 0 {
		return idx, len(needle)
	}
	idx := len(*options)
	*options = append(*options, needle...)
	return idx, len(needle)
}

// AssignOptionIndexes resolves every entry's option indexes against a
// deduplicated option table that starts as a copy of the header's
// preexisting table: identical option runs across entries (and that table)
// share indexes,
// first-fit (an existing matching slice wins over appending). It returns
// a new Header; the receiver is left untouched.
func AssignOptionIndexes(h Header) (Header, error) {
	options := append([]types.Option(nil), h.Options...)
	entries := make([]Entry, len(h.Entries))

	for i, e := range h.Entries {
		if !e.OptionsResolved() {
			entries[i] = e
			continue
		}
		oi1, no1 := assignOptionRun(&options, e.Options1)
		oi2, no2 := assignOptionRun(&options, e.Options2)

		out := e
		out.OptionIndex1 = &oi1
		out.OptionIndex2 = &oi2
		out.NumOptions1 = &no1
		out.NumOptions2 = &no2
		out.Options1 = nil
		out.Options2 = nil
		entries[i] = out
	}

	out := h
	out.Entries = entries
	out.Options = options
	return out, nil
}
