package fsmeta

import (
	"fmt"
	"sync/atomic"

	"github.com/vcache-platform/vcache/cachefs/internal/xio"
)

// Range is a half-open interval [Beg, Beg+Len) in an object's logical byte
// space. A range with Len == 0 is invalid.
type Range struct {
	Beg uint64
	Len uint64
}

// End returns the exclusive upper bound of the range.
func (r Range) End() uint64 { return r.Beg + r.Len }

// Valid reports whether the range has a non-zero length.
func (r Range) Valid() bool { return r.Len > 0 }

// Overlaps reports whether the two ranges share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Beg < o.End() && o.Beg < r.End()
}

// Contains reports whether o lies entirely inside r.
func (r Range) Contains(o Range) bool {
	return r.Beg <= o.Beg && o.End() <= r.End()
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Beg, r.End())
}

// MaxCntReaders is the saturation point of the per-element reader counter.
const MaxCntReaders = 255

// Metadata bits of a range element. Only the in-memory bit is meaningful on
// disk; everything else is transient and reset on load.
const (
	metaInMemory    = uint64(1) << 0
	metaEvacVisited = uint64(1) << 1
	metaReadersShr  = 8
	metaReadersMask = uint64(0xFF) << metaReadersShr
	// Bits persisted as-is. Transient bits may leak to a saved snapshot;
	// the load path strips them.
	metaDiskMask = metaInMemory
)

// RangeElemSize is the serialized size of one range element.
const RangeElemSize = 32

// RangeElem is the index node for one stored fragment: a logical range plus
// the physical location of its data. The meta word carries the reader
// counter and the in-memory / evacuation bits; it is mutated with atomic
// operations so concurrent readers only need the table's shared lock.
type RangeElem struct {
	rngOffset  uint64
	rngSize    uint64
	diskOffset uint64 // in volume blocks
	meta       uint64
}

// NewRangeElem builds an element for the logical range [offset, offset+size)
// stored at diskOffset volume blocks.
func NewRangeElem(offset, size, diskOffset uint64) RangeElem {
	return RangeElem{rngOffset: offset, rngSize: size, diskOffset: diskOffset}
}

// RngOffset returns the logical offset of the element's range.
func (e *RangeElem) RngOffset() uint64 { return e.rngOffset }

// RngSize returns the length of the element's range.
func (e *RangeElem) RngSize() uint64 { return e.rngSize }

// RngEnd returns the exclusive logical end of the element's range.
func (e *RangeElem) RngEnd() uint64 { return e.rngOffset + e.rngSize }

// Range returns the element's logical range.
func (e *RangeElem) Range() Range { return Range{Beg: e.rngOffset, Len: e.rngSize} }

// DiskOffset returns the element's physical location in volume blocks.
func (e *RangeElem) DiskOffset() uint64 { return e.diskOffset }

// SetDiskOffset moves the element to a new physical location. Caller must
// hold the table's exclusive lock or otherwise own the element.
func (e *RangeElem) SetDiskOffset(blocks uint64) { e.diskOffset = blocks }

// InMemory reports whether the fragment is still staged in the aggregate
// block and not yet flushed.
func (e *RangeElem) InMemory() bool {
	return atomic.LoadUint64(&e.meta)&metaInMemory != 0
}

// SetInMemory marks the fragment as staged-only.
func (e *RangeElem) SetInMemory() {
	atomicSetBits(&e.meta, metaInMemory)
}

// ClearInMemory marks the fragment as durable on disk.
func (e *RangeElem) ClearInMemory() {
	atomicClearBits(&e.meta, metaInMemory)
}

// EvacVisited reports whether the evacuation scan already considered this
// element during the current lap.
func (e *RangeElem) EvacVisited() bool {
	return atomic.LoadUint64(&e.meta)&metaEvacVisited != 0
}

// SetEvacVisited marks the element as seen by the evacuation scan.
func (e *RangeElem) SetEvacVisited() {
	atomicSetBits(&e.meta, metaEvacVisited)
}

// ClearEvacVisited resets the evacuation mark.
func (e *RangeElem) ClearEvacVisited() {
	atomicClearBits(&e.meta, metaEvacVisited)
}

// CntReaders returns the current reader count.
func (e *RangeElem) CntReaders() uint32 {
	return uint32((atomic.LoadUint64(&e.meta) & metaReadersMask) >> metaReadersShr)
}

// IncReaders bumps the reader count. It refuses, returning false, once the
// counter is saturated at MaxCntReaders.
func (e *RangeElem) IncReaders() bool {
	for {
		old := atomic.LoadUint64(&e.meta)
		cnt := (old & metaReadersMask) >> metaReadersShr
		if cnt == MaxCntReaders {
			return false
		}
		next := (old &^ metaReadersMask) | ((cnt + 1) << metaReadersShr)
		if atomic.CompareAndSwapUint64(&e.meta, old, next) {
			return true
		}
	}
}

// DecReaders drops the reader count. Decrementing a zero count is a logic
// error and panics.
func (e *RangeElem) DecReaders() {
	for {
		old := atomic.LoadUint64(&e.meta)
		cnt := (old & metaReadersMask) >> metaReadersShr
		if cnt == 0 {
			panic("range element reader count underflow")
		}
		next := (old &^ metaReadersMask) | ((cnt - 1) << metaReadersShr)
		if atomic.CompareAndSwapUint64(&e.meta, old, next) {
			return
		}
	}
}

// ResetMeta strips every transient bit. A loaded element is on disk with no
// readers, which is the zero meta word.
func (e *RangeElem) ResetMeta() {
	e.meta = 0
}

// SameRange reports whether two elements index the same logical range.
func (e *RangeElem) SameRange(o *RangeElem) bool {
	return e.rngOffset == o.rngOffset && e.rngSize == o.rngSize
}

func (e *RangeElem) String() string {
	return fmt.Sprintf("{rng: %s, disk_offset: %d, in_memory: %t, readers: %d}",
		e.Range(), e.diskOffset, e.InMemory(), e.CntReaders())
}

func (e *RangeElem) save(w *xio.MemoryWriter) {
	w.WriteU64(e.rngOffset)
	w.WriteU64(e.rngSize)
	w.WriteU64(e.diskOffset)
	w.WriteU64(atomic.LoadUint64(&e.meta) & (metaDiskMask | metaReadersMask | metaEvacVisited))
}

func (e *RangeElem) load(r xio.Reader) error {
	var err error
	if e.rngOffset, err = xio.ReadU64(r); err != nil {
		return err
	}
	if e.rngSize, err = xio.ReadU64(r); err != nil {
		return err
	}
	if e.diskOffset, err = xio.ReadU64(r); err != nil {
		return err
	}
	if e.meta, err = xio.ReadU64(r); err != nil {
		return err
	}
	return nil
}

func atomicSetBits(addr *uint64, bits uint64) {
	for {
		old := atomic.LoadUint64(addr)
		if atomic.CompareAndSwapUint64(addr, old, old|bits) {
			return
		}
	}
}

func atomicClearBits(addr *uint64, bits uint64) {
	for {
		old := atomic.LoadUint64(addr)
		if atomic.CompareAndSwapUint64(addr, old, old&^bits) {
			return
		}
	}
}
