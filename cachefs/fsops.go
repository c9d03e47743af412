package cachefs

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vcache-platform/vcache/cachefs/internal/aggwriter"
	"github.com/vcache-platform/vcache/cachefs/internal/aio"
	"github.com/vcache-platform/vcache/cachefs/internal/fsmeta"
	"github.com/vcache-platform/vcache/cachefs/internal/layout"
	"github.com/vcache-platform/vcache/cachefs/internal/volume"
)

// fsOps is the shared operations hub handed to the handles and the
// aggregate writer. It bundles the volume descriptor, the metadata, the AIO
// service and the aggregate window lock behind one surface, so none of the
// tasks needs to know the orchestrator.
type fsOps struct {
	fd   *volume.FD
	meta *fsmeta.FSMetadata
	aios *aio.Service
	aggw *aggwriter.Writer

	dataOffs    uint64
	endDataOffs uint64

	// vmtx is the aggregate write window lock: shared for readers copying
	// out of the window, exclusive for the flush. currWpos mirrors the
	// write head for the window check; it moves only under the exclusive
	// lock.
	vmtx     sync.RWMutex
	currWpos atomic.Uint64

	// onDiskError feeds the orchestrator's fatal-error counter.
	onDiskError func()

	log *zap.SugaredLogger
}

func newFSOps(pl layout.Placement, log *zap.SugaredLogger) *fsOps {
	o := &fsOps{
		dataOffs:    pl.DataOffset,
		endDataOffs: pl.EndDataOffset(),
		log:         log,
	}
	o.currWpos.Store(pl.DataOffset)
	return o
}

// DataOffs returns the start of the circular data region.
func (o *fsOps) DataOffs() uint64 { return o.dataOffs }

// EndDataOffs returns the first byte past the circular data region.
func (o *fsOps) EndDataOffs() uint64 { return o.endDataOffs }

func (o *fsOps) dataSize() uint64 { return o.endDataOffs - o.dataOffs }

// ---------------------------------------------------------------------------
// Aggregate write window lock

// inWriteArea reports whether the offset falls in the window
// [wpos, wpos+AggWriteAreaSize), taken circularly over the data region.
func (o *fsOps) inWriteArea(offs, wpos uint64) bool {
	if offs < o.dataOffs || offs >= o.endDataOffs {
		return false
	}
	var rel uint64
	if offs >= wpos {
		rel = offs - wpos
	} else {
		rel = offs + o.dataSize() - wpos
	}
	return rel < layout.AggWriteAreaSize
}

// VmtxLockShared takes the window lock shared if offs is inside the current
// write area. A false result means the offset is outside; the caller then
// reads the disk without the window lock.
func (o *fsOps) VmtxLockShared(offs uint64) bool {
	o.vmtx.RLock()
	if !o.inWriteArea(offs, o.currWpos.Load()) {
		o.vmtx.RUnlock()
		return false
	}
	return true
}

// VmtxUnlockShared releases a successful VmtxLockShared.
func (o *fsOps) VmtxUnlockShared() { o.vmtx.RUnlock() }

// VmtxLockWrite takes the window lock exclusively for a flush.
func (o *fsOps) VmtxLockWrite() { o.vmtx.Lock() }

// VmtxUnlockWrite releases the exclusive window lock.
func (o *fsOps) VmtxUnlockWrite() { o.vmtx.Unlock() }

// ---------------------------------------------------------------------------
// Volume I/O with fatal-error accounting

// VolReadDisk fills buf from the volume, counting failures toward the
// fatal-error threshold.
func (o *fsOps) VolReadDisk(buf []byte, offs uint64) error {
	if err := o.fd.Read(buf, offs); err != nil {
		o.onDiskError()
		return err
	}
	return nil
}

// VolWriteDisk stores buf on the volume, counting failures toward the
// fatal-error threshold.
func (o *fsOps) VolWriteDisk(buf []byte, offs uint64) error {
	if err := o.fd.Write(buf, offs); err != nil {
		o.onDiskError()
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// AIO scheduling

func (o *fsOps) AiosPushReadQueue(t aio.Task)      { o.aios.PushReadQueue(t) }
func (o *fsOps) AiosPushFrontReadQueue(t aio.Task) { o.aios.PushFrontReadQueue(t) }
func (o *fsOps) AiosPushWriteQueue(t aio.Task)     { o.aios.PushWriteQueue(t) }

// ---------------------------------------------------------------------------
// Aggregate writer delegation (write path entry points for the handles)

// AggwWriteFrag forwards a filled staging buffer to the aggregate writer.
func (o *fsOps) AggwWriteFrag(fb *aggwriter.FragBuff, wt *fsmeta.WriteTransaction) bool {
	return o.aggw.WriteFrag(fb, wt)
}

// AggwWriteFinalFrag hands the last fragment and the transaction over to
// the aggregate writer.
func (o *fsOps) AggwWriteFinalFrag(data []byte, wt *fsmeta.WriteTransaction) {
	o.aggw.WriteFinalFrag(data, wt)
}

// AggwReadStaged copies a staged fragment portion out of the in-RAM block.
func (o *fsOps) AggwReadStaged(key fsmeta.Key, rng fsmeta.Range, dst []byte, offs uint64) bool {
	return o.aggw.WriteBlockRef().ReadStaged(key, rng, dst, offs)
}

// ---------------------------------------------------------------------------
// Read transactions

// FsmdBeginRead opens a read transaction iff every byte of the requested
// range is present and no spanning element has a saturated reader counter.
// All spanned counters are bumped; a refusal rolls the bumps back.
func (o *fsOps) FsmdBeginRead(objKey fsmeta.ObjectKey) (fsmeta.ReadTransaction, bool) {
	if !objKey.Rng.Valid() {
		return fsmeta.ReadTransaction{}, false
	}
	ok := false
	o.meta.ReadTableEntries(objKey.Key, func(rv *fsmeta.RangeVector) {
		elems := rv.FindFullRange(objKey.Rng)
		if elems == nil {
			return
		}
		for i := range elems {
			if !elems[i].IncReaders() {
				// Saturated counter: undo the bumps done so far.
				for j := range i {
					elems[j].DecReaders()
				}
				return
			}
		}
		ok = true
	})
	if !ok {
		return fsmeta.ReadTransaction{}, false
	}
	return fsmeta.NewReadTransaction(objKey), true
}

// FsmdEndRead reverses the reader-count effect of the matching begin.
func (o *fsOps) FsmdEndRead(rt *fsmeta.ReadTransaction) {
	if !rt.Valid() {
		return
	}
	found := o.meta.ReadTableEntries(rt.ObjKey().Key, func(rv *fsmeta.RangeVector) {
		elems := rv.FindFullRange(rt.ObjKey().Rng)
		for i := range elems {
			elems[i].DecReaders()
		}
	})
	if !found {
		// Reader counts pin the covered path; a vanished key means the
		// pinning contract was broken somewhere.
		o.log.Errorw("read transaction key vanished while pinned",
			zap.Stringer("obj_key", rt.ObjKey()))
	}
	rt.Invalidate()
}

// FsmdFindNextRangeElem returns a copy of the element covering the
// transaction's next undelivered byte.
func (o *fsOps) FsmdFindNextRangeElem(rt *fsmeta.ReadTransaction) (fsmeta.RangeElem, bool) {
	var elem fsmeta.RangeElem
	found := false
	o.meta.ReadTableEntries(rt.ObjKey().Key, func(rv *fsmeta.RangeVector) {
		offs := rt.CurrOffset()
		elems := rv.FindFullRange(fsmeta.Range{Beg: offs, Len: rt.RemainingBytes()})
		if len(elems) > 0 {
			elem = elems[0]
			found = true
		}
	})
	return elem, found
}

// ---------------------------------------------------------------------------
// Write transactions

// FsmdBeginWrite opens a write transaction unless the index budget is
// exhausted. With truncate set, the key's unpinned ranges are removed
// first; pinned ranges refuse the truncation.
func (o *fsOps) FsmdBeginWrite(objKey fsmeta.ObjectKey, truncate bool) (fsmeta.WriteTransaction, error) {
	if !objKey.Rng.Valid() {
		return fsmeta.WriteTransaction{}, ErrInvalidRange
	}
	if truncate {
		pinned := false
		o.meta.RemTableEntries(objKey.Key, func(rv *fsmeta.RangeVector) uint64 {
			for i := 0; i < rv.Size(); i++ {
				if rv.At(i).CntReaders() > 0 {
					pinned = true
					return 0
				}
			}
			_, size := rv.RemoveIf(func(*fsmeta.RangeElem) bool { return true })
			return size
		})
		if pinned {
			return fsmeta.WriteTransaction{}, ErrDataPinned
		}
	}
	if o.meta.TableLimitReached() {
		return fsmeta.WriteTransaction{}, ErrLimitReached
	}
	return fsmeta.NewWriteTransaction(objKey), nil
}

// ---------------------------------------------------------------------------
// Aggregate writer callbacks (aggwriter.FSOps)

// newFragOverwrite replaces overlapping existing ranges only when none of
// them is pinned by a reader.
func newFragOverwrite(existing []fsmeta.RangeElem, _ *fsmeta.RangeElem) bool {
	for i := range existing {
		if existing[i].CntReaders() > 0 {
			return false
		}
	}
	return true
}

// FsmdAddNewFragment implements aggwriter.FSOps.
func (o *fsOps) FsmdAddNewFragment(
	key fsmeta.Key, rng fsmeta.Range, frag []byte, blockOffs uint64, blk *aggwriter.WriteBlock,
) bool {
	if blk.OverlapsStaged(key, rng) {
		// Acknowledged wart: the caller is told "accepted" although
		// nothing is staged. The layer above assumes the cache may
		// silently drop data.
		return true
	}
	elem := fsmeta.NewRangeElem(rng.Beg, rng.Len,
		layout.BytesToBlocks(blockOffs+uint64(blk.NextOffs())))
	elem.SetInMemory()
	switch o.meta.AddTableEntry(key, elem, newFragOverwrite) {
	case fsmeta.Added, fsmeta.Overwrote:
		blk.AddFragment(key, rng, frag)
		return true
	case fsmeta.Skipped:
		// Overlapping data pinned by readers; hidden as a no-op.
		return true
	case fsmeta.LimitReached:
		return false
	}
	return false
}

// FsmdAddEvacFragment implements aggwriter.FSOps.
func (o *fsOps) FsmdAddEvacFragment(
	key fsmeta.Key, rng fsmeta.Range, frag []byte, blockOffs uint64, blk *aggwriter.WriteBlock,
) bool {
	if !blk.HasRoom(uint64(len(frag))) {
		return false
	}
	newOffs := layout.BytesToBlocks(blockOffs + uint64(blk.NextOffs()))
	moved := false
	o.meta.ModifyTableEntries(key, func(rv *fsmeta.RangeVector) {
		if e := rv.FindExactRange(rng); e != nil {
			e.SetDiskOffset(newOffs)
			e.SetInMemory()
			e.ClearEvacVisited()
			moved = true
		}
	})
	if moved {
		blk.AddFragment(key, rng, frag)
	}
	return moved
}

// FsmdRemNonEvacFrags implements aggwriter.FSOps.
func (o *fsOps) FsmdRemNonEvacFrags(
	cands []aggwriter.MetaEntry, areaOffs, areaLen uint64,
) []aggwriter.MetaEntry {
	survivors := cands[:0]
	for _, cand := range cands {
		evac := false
		dead := false
		o.meta.ReadTableEntries(cand.Key, func(rv *fsmeta.RangeVector) {
			e := rv.FindExactRange(cand.Rng)
			if e == nil {
				return
			}
			offs := layout.BlocksToBytes(e.DiskOffset())
			if offs < areaOffs || offs >= areaOffs+areaLen {
				return // already moved out of the checked disk area
			}
			if e.InMemory() {
				return // staged in RAM; nothing on disk to rescue
			}
			if e.CntReaders() > 0 {
				e.SetEvacVisited()
				evac = true
			} else {
				dead = true
			}
		})
		if evac {
			survivors = append(survivors, cand)
		} else if dead {
			// The flush will overwrite the fragment; forget it now so
			// no reader can begin on it afterwards.
			o.meta.RemTableEntries(cand.Key, func(rv *fsmeta.RangeVector) uint64 {
				var size uint64
				rv.RemoveIf(func(e *fsmeta.RangeElem) bool {
					if e.Range() != cand.Rng || e.CntReaders() > 0 || e.InMemory() {
						return false
					}
					size += e.RngSize()
					return true
				})
				return size
			})
		}
	}
	return survivors
}

// FsmdCommitDiskWrite implements aggwriter.FSOps.
func (o *fsOps) FsmdCommitDiskWrite(
	blockOffs uint64, entries []aggwriter.MetaEntry,
) (uint64, uint32) {
	o.meta.WithTable(func(t *fsmeta.Table) {
		for _, ent := range entries {
			t.Modify(ent.Key, func(rv *fsmeta.RangeVector) {
				e := rv.FindExactRange(ent.Rng)
				if e == nil || !e.InMemory() {
					// Removed or replaced while staged; nothing to
					// publish.
					return
				}
				offs := layout.BlocksToBytes(e.DiskOffset())
				if offs >= blockOffs && offs < blockOffs+layout.AggWriteBlockSize {
					e.ClearInMemory()
				}
			})
		}
	})
	if blockOffs+2*layout.AggWriteBlockSize > o.endDataOffs {
		o.meta.WrapWritePos(o.dataOffs)
	} else {
		o.meta.IncWritePos(layout.AggWriteBlockSize)
	}
	// The window moves with the head; both are read by concurrent
	// readers only outside the exclusive lock held here.
	newPos := o.meta.WritePos()
	o.currWpos.Store(newPos)
	return newPos, o.meta.WriteLap()
}

// FsmdRemFragments implements aggwriter.FSOps: a failed flush unpublishes
// the block's staged entries.
func (o *fsOps) FsmdRemFragments(entries []aggwriter.MetaEntry) {
	for _, ent := range entries {
		o.meta.RemTableEntries(ent.Key, func(rv *fsmeta.RangeVector) uint64 {
			var size uint64
			rv.RemoveIf(func(e *fsmeta.RangeElem) bool {
				if e.Range() != ent.Rng || !e.InMemory() {
					return false
				}
				size += e.RngSize()
				return true
			})
			return size
		})
	}
}
