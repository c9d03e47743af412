package fsmeta

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vcache-platform/vcache/cachefs/internal/layout"
	"github.com/vcache-platform/vcache/cachefs/internal/xio"
)

const (
	mdHdrMagic = uint64(0x76634643484D4454) // "vcFCHMDT"
	mdFtrMagic = uint64(0x76634643464F4F54) // "vcFCFOOT"

	mdHdrSize = 8 + 16 + 4 + 4 + 8 + 4 + 4
	mdFtrSize = 8
)

// FSMetadata is the per-volume metadata root: the fragment index plus the
// write head, the sync serial and the volume UUID. One reader-writer lock
// guards all of it; element metadata bits are additionally mutable with
// atomics under the shared lock.
type FSMetadata struct {
	mu sync.RWMutex

	uuid       uuid.UUID
	flags      uint32
	syncSerial uint32
	writePos   uint64
	writeLap   uint32
	dirty      bool

	table *Table
}

// NewFSMetadata creates empty metadata with the index budget sized for the
// given volume capacity.
func NewFSMetadata(availDiskSpace uint64, minAvgObjSize uint32) *FSMetadata {
	return &FSMetadata{table: NewTable(availDiskSpace, minAvgObjSize)}
}

// CleanInit resets the metadata to a cold-volume state: a fresh UUID, an
// empty table and the write head at the start of the data region.
func (m *FSMetadata) CleanInit(dataOffs uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uuid = uuid.New()
	m.flags = 0
	m.syncSerial = 0
	m.writePos = dataOffs
	m.writeLap = 0
	m.dirty = false
	m.table.CleanInit()
}

// UUID returns the volume UUID.
func (m *FSMetadata) UUID() uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.uuid
}

// SyncSerial returns the metadata sync counter.
func (m *FSMetadata) SyncSerial() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.syncSerial
}

// IncSyncSerial bumps the sync counter and returns the new value.
func (m *FSMetadata) IncSyncSerial() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncSerial++
	return m.syncSerial
}

// DecSyncSerial undoes a failed sync's serial bump.
func (m *FSMetadata) DecSyncSerial() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncSerial--
	return m.syncSerial
}

// WritePos returns the write head byte position.
func (m *FSMetadata) WritePos() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writePos
}

// WriteLap returns how many times the write head wrapped.
func (m *FSMetadata) WriteLap() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writeLap
}

// IncWritePos advances the write head without wrapping.
func (m *FSMetadata) IncWritePos(delta uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writePos += delta
	m.dirty = true
}

// WrapWritePos moves the write head back to the start of the data region,
// counting the lap.
func (m *FSMetadata) WrapWritePos(dataOffs uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writePos = dataOffs
	m.writeLap++
	m.dirty = true
}

// IsDirty reports whether the metadata changed since the last sync.
func (m *FSMetadata) IsDirty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dirty
}

// SetNonDirty marks the metadata as synced.
func (m *FSMetadata) SetNonDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = false
}

// BeginSync atomically marks the metadata non-dirty, bumps the serial and
// returns the slot index to write.
func (m *FSMetadata) BeginSync() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = false
	m.syncSerial++
	return m.syncSerial & 1
}

// AddTableEntry inserts a range element under the exclusive lock.
func (m *FSMetadata) AddTableEntry(key Key, e RangeElem, overwrite OverwriteCond) AddRes {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := m.table.Add(key, e, overwrite)
	if res == Added || res == Overwrote {
		m.dirty = true
	}
	return res
}

// RemTableEntries lets rem remove elements for the key under the exclusive
// lock.
func (m *FSMetadata) RemTableEntries(key Key, rem func(*RangeVector) uint64) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cnt, ok := m.table.Rem(key, rem)
	if cnt > 0 {
		m.dirty = true
	}
	return cnt, ok
}

// ReadTableEntries passes the key's vector to rdr under the shared lock.
func (m *FSMetadata) ReadTableEntries(key Key, rdr func(*RangeVector)) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.Read(key, rdr)
}

// ModifyTableEntries passes the key's vector to mod under the shared lock.
// The modifier may flip element metadata bits atomically but must not add
// or remove elements.
func (m *FSMetadata) ModifyTableEntries(key Key, mod func(*RangeVector)) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.Modify(key, mod)
}

// WithTable runs fn with the table under the exclusive lock. The aggregate
// writer's commit uses it to move a whole block's entries at once.
func (m *FSMetadata) WithTable(fn func(*Table)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.table)
	m.dirty = true
}

// ViewTable runs fn with the table under the shared lock.
func (m *FSMetadata) ViewTable(fn func(*Table)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.table)
}

// TableLimitReached reports whether the index budget refuses new entries.
func (m *FSMetadata) TableLimitReached() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.LimitReached()
}

// MaxSizeOnDisk returns the fixed serialized slot capacity, block aligned.
func (m *FSMetadata) MaxSizeOnDisk() uint64 {
	return layout.RoundUpStoreBlocks(mdHdrSize + m.table.MaxSizeOnDisk() + mdFtrSize)
}

// SizeOnDisk returns the serialized size of the current content.
func (m *FSMetadata) SizeOnDisk() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return mdHdrSize + m.table.SizeOnDisk() + mdFtrSize
}

// Save serializes one metadata snapshot under the shared lock. The writer
// may race benignly with element metadata flips; the load path reconciles
// by discarding in-memory elements and stripping transient bits.
func (m *FSMetadata) Save(w *xio.MemoryWriter) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w.WriteU64(mdHdrMagic)
	w.WriteBytes(m.uuid[:])
	w.WriteU32(m.flags)
	w.WriteU32(m.syncSerial)
	w.WriteU64(m.writePos)
	w.WriteU32(m.writeLap)
	w.WriteU32(0)
	m.table.Save(w)
	w.WriteU64(mdFtrMagic)
	return w.Err()
}

type mdHdr struct {
	uuid       uuid.UUID
	flags      uint32
	syncSerial uint32
	writePos   uint64
	writeLap   uint32
}

func loadHdr(r xio.Reader) (mdHdr, bool, error) {
	var h mdHdr
	magic, err := xio.ReadU64(r)
	if err != nil {
		return h, false, err
	}
	if magic != mdHdrMagic {
		return h, false, nil
	}
	if err := r.Read(h.uuid[:]); err != nil {
		return h, false, err
	}
	if h.flags, err = xio.ReadU32(r); err != nil {
		return h, false, err
	}
	if h.syncSerial, err = xio.ReadU32(r); err != nil {
		return h, false, err
	}
	if h.writePos, err = xio.ReadU64(r); err != nil {
		return h, false, err
	}
	if h.writeLap, err = xio.ReadU32(r); err != nil {
		return h, false, err
	}
	if _, err = xio.ReadU32(r); err != nil { // padding
		return h, false, err
	}
	return h, true, nil
}

func (m *FSMetadata) loadSlot(r xio.Reader) (mdHdr, *Table, bool) {
	hdr, ok, err := loadHdr(r)
	if err != nil || !ok {
		return hdr, nil, false
	}
	tbl := &Table{maxDataSize: m.table.maxDataSize, nodes: make(map[Key]*RangeVector)}
	ok, err = tbl.Load(r)
	if err != nil || !ok {
		return hdr, nil, false
	}
	ftr, err := xio.ReadU64(r)
	if err != nil || ftr != mdFtrMagic {
		return hdr, nil, false
	}
	return hdr, tbl, true
}

// Load reads both metadata slots and installs the valid one with the larger
// sync serial. It returns false when neither slot is usable; the receiver
// is left unchanged in that case.
func (m *FSMetadata) Load(slotA, slotB xio.Reader) (bool, error) {
	hdrA, tblA, okA := m.loadSlot(slotA)
	hdrB, tblB, okB := m.loadSlot(slotB)

	switch {
	case !okA && !okB:
		return false, nil
	case okA && okB:
		// Serial comparison is unsigned but the two snapshots are at
		// most one sync apart, so a plain compare suffices.
		if hdrB.syncSerial > hdrA.syncSerial {
			hdrA, tblA = hdrB, tblB
		}
	case okB:
		hdrA, tblA = hdrB, tblB
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.uuid = hdrA.uuid
	m.flags = hdrA.flags
	m.syncSerial = hdrA.syncSerial
	m.writePos = hdrA.writePos
	m.writeLap = hdrA.writeLap
	m.dirty = false
	m.table = tblA
	return true, nil
}

func (m *FSMetadata) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf(
		"{uuid: %s, sync_serial: %d, write_pos: %d, write_lap: %d, dirty: %t, table: %s}",
		m.uuid, m.syncSerial, m.writePos, m.writeLap, m.dirty, m.table)
}
