package fsmeta

import (
	"fmt"

	"github.com/vcache-platform/vcache/cachefs/internal/xio"
)

// AddRes is the outcome of Table.Add.
type AddRes int

const (
	// Added means the element was inserted next to the existing ones.
	Added AddRes = iota
	// Overwrote means the overlapping elements were replaced.
	Overwrote
	// Skipped means the element was dropped by the overwrite policy.
	Skipped
	// LimitReached means the table's memory budget refused the element.
	LimitReached
)

func (r AddRes) String() string {
	switch r {
	case Added:
		return "Added"
	case Overwrote:
		return "Overwrote"
	case Skipped:
		return "Skipped"
	case LimitReached:
		return "LimitReached"
	}
	return fmt.Sprintf("AddRes(%d)", int(r))
}

// OverwriteCond decides whether the incoming element may replace the set of
// existing elements overlapping it.
type OverwriteCond func(existing []RangeElem, incoming *RangeElem) bool

// AlwaysOverwrite replaces any overlapping elements unconditionally.
func AlwaysOverwrite([]RangeElem, *RangeElem) bool { return true }

// NeverOverwrite keeps the existing elements and skips the incoming one.
func NeverOverwrite([]RangeElem, *RangeElem) bool { return false }

const (
	tableMagic = uint64(0xFEEDCAFEDEADBEEF)

	// fsNodeSize is the accounted memory cost of one key slot: the key
	// plus the range-vector header. The budget assumes one (inline) range
	// per key, the worst practical case.
	fsNodeSize = KeySize + 32

	tableHdrSize = 6 * 8
	tableFtrSize = 8
)

// Table is the in-memory fragment index: object key to ordered set of range
// elements. It is not synchronized; FSMetadata provides the locking.
type Table struct {
	maxDataSize uint64
	// cntRanges does not include ranges stored in the inline slot of
	// single-element vectors; the budget already charges those via
	// fsNodeSize.
	cntRanges uint64
	// An entry is a unique (key, range element) pair.
	cntEntries uint64
	// Summed logical size of all entries.
	entriesDataSize uint64

	nodes map[Key]*RangeVector
}

// NewTable sizes the index budget for a volume of availDiskSpace bytes and
// the configured minimal average object size.
func NewTable(availDiskSpace uint64, minAvgObjSize uint32) *Table {
	return &Table{
		maxDataSize: maxTableDataSize(availDiskSpace, minAvgObjSize),
		nodes:       make(map[Key]*RangeVector),
	}
}

func maxTableDataSize(diskSpace uint64, minObjSize uint32) uint64 {
	// The worst possible case is a single range per key, so the budget is
	// counted in key slots.
	return diskSpace / uint64(minObjSize) * fsNodeSize
}

// CleanInit drops every entry, keeping the budget.
func (t *Table) CleanInit() {
	t.cntRanges = 0
	t.cntEntries = 0
	t.entriesDataSize = 0
	t.nodes = make(map[Key]*RangeVector)
}

// Add inserts the element for the key, consulting overwrite when the
// element's logical range overlaps existing ones.
func (t *Table) Add(key Key, e RangeElem, overwrite OverwriteCond) AddRes {
	rv, ok := t.nodes[key]
	if !ok {
		if tableDataSize(uint64(len(t.nodes))+1, t.cntRanges) > t.maxDataSize {
			return LimitReached
		}
		// A fresh key stores its element inline, so cntRanges stays.
		v := NewRangeVector(e)
		t.nodes[key] = &v
		t.onIncEntries(&e)
		return Added
	}

	if rv.Empty() {
		panic("empty range vectors must not be kept in the table")
	}

	beg, end := rv.FindInRange(e.Range())
	if beg == end {
		inc := calcIncCntRanges(rv.Size())
		if tableDataSize(uint64(len(t.nodes)), t.cntRanges+uint64(inc)) > t.maxDataSize {
			return LimitReached
		}
		// A refusal here means the vector's element limit was hit;
		// count it as skipped.
		if rv.AddRange(e) {
			t.cntRanges += uint64(inc)
			t.onIncEntries(&e)
			return Added
		}
		return Skipped
	}

	if !overwrite(rv.Elems()[beg:end], &e) {
		return Skipped
	}

	cntBefore := rv.Size()
	t.onDecEntriesRange(rv.Elems()[beg:end])
	rv.RemRange(beg, end)
	cntNow := rv.Size()

	dec := calcDecCntRanges(cntBefore, cntBefore-cntNow)
	if t.cntRanges < uint64(dec) {
		panic("range count accounting underflow")
	}
	t.cntRanges -= uint64(dec)

	inc := calcIncCntRanges(cntNow)
	if !rv.AddRange(e) {
		panic("insert must succeed once the overlapping ranges are removed")
	}
	t.cntRanges += uint64(inc)
	t.onIncEntries(&e)
	return Overwrote
}

// Rem applies rem to the key's vector, letting it remove elements, and
// returns the removed count. The second result is false when the key is not
// present. Empty vectors are dropped from the table.
func (t *Table) Rem(key Key, rem func(*RangeVector) uint64) (uint32, bool) {
	rv, ok := t.nodes[key]
	if !ok {
		return 0, false
	}
	cntBefore := rv.Size()
	remSize := rem(rv)

	cntRemoved := cntBefore - rv.Size()
	dec := calcDecCntRanges(cntBefore, cntRemoved)
	if t.cntRanges < uint64(dec) {
		panic("range count accounting underflow")
	}
	t.cntRanges -= uint64(dec)
	t.onDecEntries(uint64(cntRemoved), remSize)

	if rv.Empty() {
		delete(t.nodes, key)
	}
	return uint32(cntRemoved), true
}

// Read passes the key's vector to rdr for read-only traversal.
func (t *Table) Read(key Key, rdr func(*RangeVector)) bool {
	rv, ok := t.nodes[key]
	if !ok {
		return false
	}
	rdr(rv)
	return true
}

// Modify passes the key's vector to mod. The modifier may flip element
// metadata but must not add or remove elements.
func (t *Table) Modify(key Key, mod func(*RangeVector)) bool {
	rv, ok := t.nodes[key]
	if !ok {
		return false
	}
	mod(rv)
	return true
}

// ForEach visits every (key, vector) pair in unspecified order.
func (t *Table) ForEach(fn func(Key, *RangeVector)) {
	for k, rv := range t.nodes {
		fn(k, rv)
	}
}

// LimitReached reports whether the budget refuses any further entries.
func (t *Table) LimitReached() bool {
	return tableDataSize(uint64(len(t.nodes)), t.cntRanges) >= t.maxDataSize
}

// CntNodes returns the number of keys.
func (t *Table) CntNodes() uint64 { return uint64(len(t.nodes)) }

// CntRanges returns the counted (non-inline) ranges.
func (t *Table) CntRanges() uint64 { return t.cntRanges }

// CntEntries returns the number of (key, element) pairs.
func (t *Table) CntEntries() uint64 { return t.cntEntries }

// EntriesDataSize returns the summed logical size of all entries.
func (t *Table) EntriesDataSize() uint64 { return t.entriesDataSize }

// MaxAllowedDataSize returns the accounting budget in bytes.
func (t *Table) MaxAllowedDataSize() uint64 { return t.maxDataSize }

// SizeOnDisk returns the exact serialized size of the current content.
func (t *Table) SizeOnDisk() uint64 {
	return tableFullSize(serializedDataSize(uint64(len(t.nodes)), t.cntEntries))
}

// MaxSizeOnDisk returns the serialized size ceiling implied by the budget.
// The worst serialized-bytes-per-budget-unit case is one inline range per
// key, hence the node-slot arithmetic below.
func (t *Table) MaxSizeOnDisk() uint64 {
	maxNodes := t.maxDataSize / fsNodeSize
	return tableFullSize(serializedDataSize(maxNodes, maxNodes))
}

// MaxTableFullSize returns the largest serialized table size possible for
// the given volume capacity and minimal average object size.
func MaxTableFullSize(diskSpace uint64, minObjSize uint32) uint64 {
	maxNodes := maxTableDataSize(diskSpace, minObjSize) / fsNodeSize
	return tableFullSize(serializedDataSize(maxNodes, maxNodes))
}

// tableDataSize is the accounted in-memory cost driving the budget; the
// inline-range counting rules make it differ from the serialized size.
func tableDataSize(cntNodes, cntRanges uint64) uint64 {
	return cntNodes*fsNodeSize + cntRanges*RangeElemSize
}

// serializedDataSize is the exact on-disk size of the node records: per
// node the key and the element count, plus every element.
func serializedDataSize(cntNodes, cntEntries uint64) uint64 {
	return cntNodes*(KeySize+4) + cntEntries*RangeElemSize
}

func tableFullSize(dataSize uint64) uint64 {
	// Header at the front, the data, and a trailing magic to detect a
	// truncated or overwritten snapshot.
	return tableHdrSize + dataSize + tableFtrSize
}

func (t *Table) onIncEntries(e *RangeElem) {
	t.cntEntries++
	t.entriesDataSize += e.RngSize()
}

func (t *Table) onDecEntries(cntRemoved, remSize uint64) {
	t.cntEntries -= cntRemoved
	t.entriesDataSize -= remSize
}

func (t *Table) onDecEntriesRange(elems []RangeElem) {
	var size uint64
	for i := range elems {
		size += elems[i].RngSize()
	}
	t.onDecEntries(uint64(len(elems)), size)
}

// The entries are added one by one, but several entries can be removed at
// once, hence the asymmetric pair below.

func calcIncCntRanges(rvSize int) uint32 {
	switch rvSize {
	case 0:
		// The inline slot will hold the element; it is not counted.
		return 0
	case 1:
		// The inline slot was active, so one range went uncounted.
		// Both the existing and the new range must be counted now.
		return 2
	}
	return 1
}

func calcDecCntRanges(rvSize, dec int) uint32 {
	if rvSize == 1 {
		// The element was inline and never counted.
		return 0
	}
	if rvSize == dec+1 {
		// The survivor falls back into the inline slot and stops being
		// counted. Note dec == 0 cannot reach here: that requires
		// rvSize == 1, handled above.
		return uint32(dec + 1)
	}
	return uint32(dec)
}

// Save serializes the table.
func (t *Table) Save(w *xio.MemoryWriter) {
	w.WriteU64(tableMagic)
	w.WriteU64(uint64(len(t.nodes)))
	w.WriteU64(t.cntRanges)
	w.WriteU64(t.cntEntries)
	w.WriteU64(tableDataSize(uint64(len(t.nodes)), t.cntRanges))
	w.WriteU64(t.entriesDataSize)
	for k, rv := range t.nodes {
		w.WriteBytes(k[:])
		rv.save(w)
	}
	w.WriteU64(tableMagic)
}

// Load replaces the table content from a serialized snapshot. A false
// result with a nil error means the snapshot is invalid; the table is left
// unchanged. Elements with the in-memory bit are discarded: they were never
// flushed. All transient metadata of the surviving elements is reset.
func (t *Table) Load(r xio.Reader) (bool, error) {
	magic, err := xio.ReadU64(r)
	if err != nil {
		return false, err
	}
	if magic != tableMagic {
		return false, nil
	}
	cntNodes, err := xio.ReadU64(r)
	if err != nil {
		return false, err
	}
	cntRanges, err := xio.ReadU64(r)
	if err != nil {
		return false, err
	}
	// The entry count and the summed entry size are recomputed below: the
	// in-memory discards may legitimately shrink both.
	if _, err := xio.ReadU64(r); err != nil {
		return false, err
	}
	dataSize, err := xio.ReadU64(r)
	if err != nil {
		return false, err
	}
	if _, err := xio.ReadU64(r); err != nil {
		return false, err
	}
	if dataSize != tableDataSize(cntNodes, cntRanges) || dataSize > t.maxDataSize {
		return false, nil
	}

	// savedRanges validates the snapshot against its header before any
	// discard; the live counters are recomputed from what survives.
	var savedRanges uint64
	var liveRanges uint64
	var numEntries uint64
	var loadedSize uint64
	nodes := make(map[Key]*RangeVector, cntNodes)
	for i := uint64(0); i < cntNodes; i++ {
		var key Key
		if err := r.Read(key[:]); err != nil {
			return false, err
		}
		if _, dup := nodes[key]; dup {
			return false, nil
		}
		var rv RangeVector
		if err := rv.load(r); err != nil {
			// Distinguishing a short read from garbage is not worth
			// it here: either way the snapshot is unusable.
			return false, nil
		}
		if cntBefore := rv.Size(); cntBefore > 1 {
			savedRanges += uint64(cntBefore) // inline elements are not counted
		}
		// Saved snapshots may carry transient bits; reset them, and
		// drop elements that never reached the disk.
		rv.RemoveIf(func(e *RangeElem) bool {
			if e.InMemory() {
				return true
			}
			e.ResetMeta()
			return false
		})
		cntNow := rv.Size()
		if cntNow > 1 {
			liveRanges += uint64(cntNow)
		}
		numEntries += uint64(cntNow)
		for j := 0; j < cntNow; j++ {
			loadedSize += rv.At(j).RngSize()
		}
		if cntNow > 0 {
			rvCopy := rv
			nodes[key] = &rvCopy
		}
	}
	if savedRanges != cntRanges {
		return false, nil
	}
	ftr, err := xio.ReadU64(r)
	if err != nil {
		return false, err
	}
	if ftr != tableMagic {
		return false, nil
	}
	t.cntRanges = liveRanges
	t.cntEntries = numEntries
	t.entriesDataSize = loadedSize
	t.nodes = nodes
	return true, nil
}

func (t *Table) String() string {
	sizeNodes := uint64(len(t.nodes)) * fsNodeSize
	sizeRanges := t.cntRanges * RangeElemSize
	return fmt.Sprintf("{max_allowed_bytes: %d, bytes_fs_nodes: %d, bytes_ranges: %d, all_bytes: %d}",
		t.maxDataSize, sizeNodes, sizeRanges, sizeNodes+sizeRanges)
}
