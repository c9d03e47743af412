package fsmeta

import (
	"fmt"
	"sort"

	"github.com/vcache-platform/vcache/cachefs/internal/xio"
)

// maxRangeElems bounds the number of elements one key may carry.
const maxRangeElems = 1 << 16

// RangeVector is the ordered collection of range elements for one key.
// Elements are kept sorted by logical offset and pairwise disjoint.
//
// The single-element case is stored inline, without a heap allocation. The
// table's memory accounting relies on this: inline elements are not charged
// against the per-range budget.
type RangeVector struct {
	inline [1]RangeElem
	heap   []RangeElem
	cnt    uint32
}

// NewRangeVector creates a vector holding a single element.
func NewRangeVector(e RangeElem) RangeVector {
	return RangeVector{inline: [1]RangeElem{e}, cnt: 1}
}

// Size returns the number of elements.
func (v *RangeVector) Size() int { return int(v.cnt) }

// Empty reports whether the vector holds no elements.
func (v *RangeVector) Empty() bool { return v.cnt == 0 }

// Inline reports whether the vector currently uses its inline slot.
func (v *RangeVector) Inline() bool { return v.cnt <= 1 }

// Elems returns the elements as a mutable slice. The slice aliases the
// vector's storage; element addresses stay stable while no element is added
// or removed.
func (v *RangeVector) Elems() []RangeElem {
	if v.cnt <= 1 {
		return v.inline[:v.cnt]
	}
	return v.heap
}

// At returns a pointer to the i-th element.
func (v *RangeVector) At(i int) *RangeElem {
	return &v.Elems()[i]
}

// AddRange inserts the element keeping the offset order. It refuses,
// returning false, when the element limit is reached or when the element's
// range overlaps an existing one.
func (v *RangeVector) AddRange(e RangeElem) bool {
	if v.cnt >= maxRangeElems {
		return false
	}
	b, eIdx := v.FindInRange(e.Range())
	if b != eIdx {
		return false
	}
	switch {
	case v.cnt == 0:
		v.inline[0] = e
	case v.cnt == 1:
		// Leave the inline slot: the vector grows onto the heap.
		v.heap = make([]RangeElem, 0, 2)
		v.heap = append(v.heap, v.inline[0])
		v.heap = insertSorted(v.heap, e)
		v.inline[0] = RangeElem{}
	default:
		v.heap = insertSorted(v.heap, e)
	}
	v.cnt++
	return true
}

func insertSorted(s []RangeElem, e RangeElem) []RangeElem {
	i := sort.Search(len(s), func(i int) bool { return s[i].rngOffset > e.rngOffset })
	s = append(s, RangeElem{})
	copy(s[i+1:], s[i:])
	s[i] = e
	return s
}

// FindInRange returns the half-open index interval [beg, end) of elements
// whose ranges overlap rng.
func (v *RangeVector) FindInRange(rng Range) (int, int) {
	elems := v.Elems()
	beg := sort.Search(len(elems), func(i int) bool { return elems[i].RngEnd() > rng.Beg })
	end := beg
	for end < len(elems) && elems[end].rngOffset < rng.End() {
		end++
	}
	return beg, end
}

// FindExactRange returns the element with exactly the given range, if any.
func (v *RangeVector) FindExactRange(rng Range) *RangeElem {
	elems := v.Elems()
	i := sort.Search(len(elems), func(i int) bool { return elems[i].rngOffset >= rng.Beg })
	if i < len(elems) && elems[i].rngOffset == rng.Beg && elems[i].rngSize == rng.Len {
		return &elems[i]
	}
	return nil
}

// FindFullRange returns the contiguous run of elements whose union covers
// rng exactly, with no gaps. It returns nil when any byte of rng is not
// present.
func (v *RangeVector) FindFullRange(rng Range) []RangeElem {
	elems := v.Elems()
	beg := sort.Search(len(elems), func(i int) bool { return elems[i].RngEnd() > rng.Beg })
	if beg == len(elems) || elems[beg].rngOffset > rng.Beg {
		return nil
	}
	end := beg
	for {
		covered := elems[end].RngEnd()
		if covered >= rng.End() {
			return elems[beg : end+1]
		}
		end++
		if end == len(elems) || elems[end].rngOffset != covered {
			return nil // gap inside the requested range
		}
	}
}

// RemRange removes the elements in the index interval [beg, end).
func (v *RangeVector) RemRange(beg, end int) {
	if beg >= end {
		return
	}
	elems := v.Elems()
	kept := append(elems[:beg:beg], elems[end:]...)
	v.setElems(kept)
}

// RemoveIf removes every element for which pred returns true and returns
// the removed count and their summed range size.
func (v *RangeVector) RemoveIf(pred func(*RangeElem) bool) (uint32, uint64) {
	elems := v.Elems()
	kept := elems[:0:len(elems)]
	var cnt uint32
	var size uint64
	for i := range elems {
		if pred(&elems[i]) {
			cnt++
			size += elems[i].rngSize
		} else {
			kept = append(kept, elems[i])
		}
	}
	if cnt > 0 {
		v.setElems(kept)
	}
	return cnt, size
}

func (v *RangeVector) setElems(elems []RangeElem) {
	switch len(elems) {
	case 0:
		v.inline[0] = RangeElem{}
		v.heap = nil
		v.cnt = 0
	case 1:
		v.inline[0] = elems[0]
		v.heap = nil
		v.cnt = 1
	default:
		if &elems[0] != &v.heap[0] || len(elems) != len(v.heap) {
			v.heap = append(v.heap[:0], elems...)
		}
		v.cnt = uint32(len(elems))
	}
}

func (v *RangeVector) save(w *xio.MemoryWriter) {
	w.WriteU32(v.cnt)
	for i := range v.Elems() {
		v.At(i).save(w)
	}
}

func (v *RangeVector) load(r xio.Reader) error {
	cnt, err := xio.ReadU32(r)
	if err != nil {
		return err
	}
	if cnt == 0 || cnt > maxRangeElems {
		return fmt.Errorf("invalid range vector element count %d", cnt)
	}
	elems := make([]RangeElem, cnt)
	var prevEnd uint64
	for i := range elems {
		if err := elems[i].load(r); err != nil {
			return err
		}
		if elems[i].rngSize == 0 {
			return fmt.Errorf("invalid zero-length range element at index %d", i)
		}
		if i > 0 && elems[i].rngOffset < prevEnd {
			return fmt.Errorf("unordered or overlapping range element at index %d", i)
		}
		prevEnd = elems[i].RngEnd()
	}
	if cnt == 1 {
		v.inline[0] = elems[0]
		v.heap = nil
	} else {
		v.heap = elems
		v.inline[0] = RangeElem{}
	}
	v.cnt = cnt
	return nil
}
