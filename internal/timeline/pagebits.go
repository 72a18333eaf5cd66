package timeline

// Bitset tracks which message pages have been fetched, one bit per page.
type Bitset []uint64

// NewBitset returns a bitset able to hold n bits.
func NewBitset(n int) Bitset {
	if n <= 0 {
		return nil
	}
	return make(Bitset, (n+63)/64)
}

// Get reports whether bit i is set. Out-of-range bits read as false.
func (b Bitset) Get(i int) bool {
	w := i / 64
	if i < 0 || w >= len(b) {
		return false
	}
	return b[w]&(1<<uint(i%64)) != 0
}

// Set marks bit i, growing the backing slice as needed.
func (b *Bitset) Set(i int) {
	if i < 0 {
		return
	}
	w := i / 64
	for w >= len(*b) {
		*b = append(*b, 0)
	}
	(*b)[w] |= 1 << uint(i%64)
}

// Range is a half-open [Start, End) run of page indices.
type Range struct {
	Start, End int
}

// FindGaps returns the maximal runs of unset bits within [start, end).
func FindGaps(start, end int, b Bitset) []Range {
	var gaps []Range
	open := -1
	for i := start; i < end; i++ {
		if b.Get(i) {
			if open >= 0 {
				gaps = append(gaps, Range{Start: open, End: i})
				open = -1
			}
			continue
		}
		if open < 0 {
			open = i
		}
	}
	if open >= 0 {
		gaps = append(gaps, Range{Start: open, End: end})
	}
	return gaps
}

// LoadedRanges returns the maximal runs of set bits within [0, total).
func LoadedRanges(b Bitset, total int) []Range {
	var runs []Range
	open := -1
	for i := 0; i < total; i++ {
		if !b.Get(i) {
			if open >= 0 {
				runs = append(runs, Range{Start: open, End: i})
				open = -1
			}
			continue
		}
		if open < 0 {
			open = i
		}
	}
	if open >= 0 {
		runs = append(runs, Range{Start: open, End: total})
	}
	return runs
}

// Shift rebuilds the bitset with every set bit moved up by shiftBy,
// dropping bits that land at or beyond totalSize. Used when newly arrived
// messages displace page indices.
func Shift(b Bitset, shiftBy, totalSize int) Bitset {
	out := NewBitset(totalSize)
	for i := 0; i < len(b)*64; i++ {
		if !b.Get(i) {
			continue
		}
		j := i + shiftBy
		if j >= 0 && j < totalSize {
			out.Set(j)
		}
	}
	return out
}
