package fsmeta

import (
	"github.com/google/uuid"

	"github.com/vcache-platform/vcache/cachefs/internal/xio"
)

// SlotSummary is the decoded view of one metadata slot, used by the
// offline inspection tooling.
type SlotSummary struct {
	Valid           bool
	UUID            uuid.UUID
	SyncSerial      uint32
	WritePos        uint64
	WriteLap        uint32
	CntNodes        uint64
	CntEntries      uint64
	EntriesDataSize uint64
}

// InspectSlot decodes one slot without installing it.
func (m *FSMetadata) InspectSlot(r xio.Reader) SlotSummary {
	hdr, tbl, ok := m.loadSlot(r)
	if !ok {
		return SlotSummary{}
	}
	return SlotSummary{
		Valid:           true,
		UUID:            hdr.uuid,
		SyncSerial:      hdr.syncSerial,
		WritePos:        hdr.writePos,
		WriteLap:        hdr.writeLap,
		CntNodes:        tbl.CntNodes(),
		CntEntries:      tbl.CntEntries(),
		EntriesDataSize: tbl.EntriesDataSize(),
	}
}

// ForEachKey visits every key with copies of its ranges, under the shared
// lock.
func (m *FSMetadata) ForEachKey(fn func(key Key, rngs []Range) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stop := false
	m.table.ForEach(func(k Key, rv *RangeVector) {
		if stop {
			return
		}
		rngs := make([]Range, 0, rv.Size())
		for i := 0; i < rv.Size(); i++ {
			rngs = append(rngs, rv.At(i).Range())
		}
		if !fn(k, rngs) {
			stop = true
		}
	})
}
