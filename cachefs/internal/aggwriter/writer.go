package aggwriter

import (
	"sync"

	"go.uber.org/zap"

	"github.com/vcache-platform/vcache/cachefs/internal/aio"
	"github.com/vcache-platform/vcache/cachefs/internal/fsmeta"
	"github.com/vcache-platform/vcache/cachefs/internal/layout"
	"github.com/vcache-platform/vcache/cachefs/internal/volume"
)

// FSOps is the non-owning callback surface the writer needs from the
// orchestrator. The orchestrator owns the writer and installs itself here
// after construction, which breaks the ownership cycle between the two.
type FSOps interface {
	// FsmdAddNewFragment stages a new fragment into blk and publishes its
	// index entry with the in-memory bit set. It returns false only when
	// the index budget refuses the entry; an overlap with a fragment
	// already staged in blk is hidden as a no-op success.
	FsmdAddNewFragment(key fsmeta.Key, rng fsmeta.Range, frag []byte, blockOffs uint64, blk *WriteBlock) bool
	// FsmdAddEvacFragment re-stages a still-referenced fragment into blk,
	// moving its index entry to the new disk offset.
	FsmdAddEvacFragment(key fsmeta.Key, rng fsmeta.Range, frag []byte, blockOffs uint64, blk *WriteBlock) bool
	// FsmdRemNonEvacFrags filters the evacuation candidates of the disk
	// area [areaOffs, areaOffs+areaLen): candidates absent from the index
	// are dropped, present candidates without readers are removed from
	// the index (the flush will overwrite them), and only candidates
	// pinned by readers survive.
	FsmdRemNonEvacFrags(cands []MetaEntry, areaOffs, areaLen uint64) []MetaEntry
	// FsmdCommitDiskWrite transfers the block's entries to the on-disk
	// state and advances the write head, wrapping if the next block would
	// not fit. It returns the new head.
	FsmdCommitDiskWrite(blockOffs uint64, entries []MetaEntry) (uint64, uint32)
	// FsmdRemFragments drops staged entries after a failed flush.
	FsmdRemFragments(entries []MetaEntry)

	// VolReadDisk and VolWriteDisk perform positioned volume I/O and feed
	// the fatal-error counter on failure.
	VolReadDisk(buf []byte, offs uint64) error
	VolWriteDisk(buf []byte, offs uint64) error

	// VmtxLockWrite takes the aggregate window lock exclusively for the
	// duration of a flush.
	VmtxLockWrite()
	VmtxUnlockWrite()

	// AiosPushWriteQueue schedules a task on the volume's write queue.
	AiosPushWriteQueue(t aio.Task)
}

// Stats mirror the writer's counters.
type Stats struct {
	CntFlushes        uint64
	CntWrittenFrags   uint64
	CntEvacuatedFrags uint64
	CntDroppedFrags   uint64
	BytesWritten      uint64
}

type finalFrag struct {
	data []byte
	wt   *fsmeta.WriteTransaction
}

// Writer owns the current aggregate write block and the authoritative write
// head. All of its state except the stats is touched only from the single
// AIO write worker, which is what keeps it lock free.
type Writer struct {
	fsops FSOps

	writePos uint64
	writeLap uint32

	block *WriteBlock
	// Final fragments accepted while the block had no room; applied right
	// after the pending flush.
	pendingFinal []finalFrag

	stopped bool

	statsMu sync.Mutex
	stats   Stats

	log *zap.SugaredLogger
}

type options struct {
	Log *zap.SugaredLogger
}

// Option configures the writer.
type Option func(*options)

// WithLog sets the logger for the writer.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// NewWriter creates a writer resuming at the given write head.
func NewWriter(writePos uint64, writeLap uint32, opts ...Option) *Writer {
	o := &options{Log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(o)
	}
	return &Writer{
		writePos: writePos,
		writeLap: writeLap,
		block:    NewWriteBlock(),
		log:      o.Log,
	}
}

// Start installs the orchestrator callbacks and, when resuming on a lap
// that already wrote the window at the head, runs the initial evacuation
// scan.
func (w *Writer) Start(fsops FSOps) {
	w.fsops = fsops
	w.evacuateWindow()
}

// WritePos returns the current write head byte position.
func (w *Writer) WritePos() uint64 { return w.writePos }

// WriteLap returns the current lap count.
func (w *Writer) WriteLap() uint32 { return w.writeLap }

// WriteBlockRef exposes the current block for staged-fragment lookups by
// the read path. Safe only under the aggregate window lock.
func (w *Writer) WriteBlockRef() *WriteBlock { return w.block }

// WriteFrag tries to append the staged fragment to the current block. A
// false result means the block must be flushed first; the flush has been
// scheduled and the caller retries afterwards.
func (w *Writer) WriteFrag(fb *FragBuff, wt *fsmeta.WriteTransaction) bool {
	if w.stopped {
		return true // the bytes are silently dropped once stopped
	}
	if !w.block.HasRoom(fb.Size()) {
		w.scheduleFlush()
		return false
	}
	w.stageFrag(fb.Data(), wt)
	return true
}

// WriteFinalFrag appends the last fragment of a transaction, taking
// ownership of both. With no room, the pair is queued and applied after the
// pending flush.
func (w *Writer) WriteFinalFrag(data []byte, wt *fsmeta.WriteTransaction) {
	if w.stopped {
		wt.Invalidate()
		return
	}
	if len(data) == 0 {
		wt.Invalidate()
		return
	}
	if !w.block.HasRoom(uint64(len(data))) {
		w.pendingFinal = append(w.pendingFinal, finalFrag{data: data, wt: wt})
		w.scheduleFlush()
		return
	}
	w.stageFrag(data, wt)
	wt.Invalidate()
}

func (w *Writer) stageFrag(data []byte, wt *fsmeta.WriteTransaction) {
	rng := wt.NextRange(uint64(len(data)))
	key := wt.ObjKey().Key
	if w.fsops.FsmdAddNewFragment(key, rng, data, w.writePos, w.block) {
		w.statsMu.Lock()
		w.stats.CntWrittenFrags++
		w.statsMu.Unlock()
	} else {
		// Index budget exhausted. Dropping the fragment is still correct
		// HTTP behavior: the origin is served, just not cached.
		w.statsMu.Lock()
		w.stats.CntDroppedFrags++
		w.statsMu.Unlock()
	}
	// The bytes count as consumed either way.
	wt.IncWritten(uint64(len(data)))
}

func (w *Writer) scheduleFlush() {
	// The write queue refuses duplicates, so scheduling while a flush is
	// already pending is a no-op.
	w.fsops.AiosPushWriteQueue(w)
}

// Exec runs a scheduled flush on the AIO write worker.
func (w *Writer) Exec() {
	if w.stopped {
		return
	}
	w.flush()
	w.applyPendingFinal()
}

// ServiceStopped marks the writer dead; any still-staged data stays
// in-memory-only and is discarded by the next metadata load.
func (w *Writer) ServiceStopped() {
	w.stopped = true
	for _, pf := range w.pendingFinal {
		pf.wt.Invalidate()
	}
	w.pendingFinal = nil
}

// StopFlush drains everything still staged. It is called during shutdown,
// after the AIO service is stopped, so no concurrent task is running.
func (w *Writer) StopFlush() {
	for {
		if !w.block.Empty() {
			w.flush()
		}
		if len(w.pendingFinal) == 0 {
			break
		}
		w.applyPendingFinal()
	}
	w.stopped = true
}

func (w *Writer) flush() {
	if w.block.Empty() {
		return
	}
	img := w.block.EndDiskWrite()
	entries := w.block.Entries()

	w.fsops.VmtxLockWrite()
	err := w.fsops.VolWriteDisk(img, w.writePos)
	if err == nil {
		w.writePos, w.writeLap = w.fsops.FsmdCommitDiskWrite(w.writePos, entries)
	} else {
		// The staged entries never reached the disk; unpublish them.
		// The disk error itself is already counted by the volume op.
		w.log.Errorw("aggregate block flush failed",
			zap.Uint64("write_pos", w.writePos), zap.Error(err))
		w.fsops.FsmdRemFragments(entries)
	}
	w.fsops.VmtxUnlockWrite()

	w.block.Reset()

	w.statsMu.Lock()
	w.stats.CntFlushes++
	if err == nil {
		w.stats.BytesWritten += layout.AggWriteBlockSize
	}
	w.statsMu.Unlock()

	if err == nil {
		w.evacuateWindow()
	}
}

func (w *Writer) applyPendingFinal() {
	pending := w.pendingFinal
	w.pendingFinal = nil
	for i, pf := range pending {
		if !w.block.HasRoom(uint64(len(pf.data))) {
			// Keep the rest for the next flush round.
			w.pendingFinal = append(w.pendingFinal, pending[i:]...)
			w.scheduleFlush()
			return
		}
		w.stageFrag(pf.data, pf.wt)
		pf.wt.Invalidate()
	}
}

// evacuateWindow rescues still-referenced fragments of the window the write
// head just entered. Everything else located there is dropped from the
// index; the next flush overwrites the region.
func (w *Writer) evacuateWindow() {
	if w.writeLap == 0 {
		return // the region ahead was never written
	}

	hdrBuf := volume.AllocAligned(layout.AggWriteMetaSize)
	if err := w.fsops.VolReadDisk(hdrBuf, w.writePos); err != nil {
		w.log.Errorw("evacuation scan read failed",
			zap.Uint64("write_pos", w.writePos), zap.Error(err))
		return
	}
	cands, err := ParseBlockHeader(hdrBuf)
	if err != nil {
		// The region carries no valid aggregate block; nothing to rescue.
		w.log.Debugw("no aggregate block in the next window",
			zap.Uint64("write_pos", w.writePos), zap.Error(err))
		return
	}

	survivors := w.fsops.FsmdRemNonEvacFrags(cands, w.writePos, layout.AggWriteBlockSize)
	if len(survivors) == 0 {
		return
	}

	for _, e := range survivors {
		fragSize := ObjectFragDiskSize(uint64(e.PayloadLen))
		buf := volume.AllocAligned(fragSize)
		if err := w.fsops.VolReadDisk(buf, w.writePos+uint64(e.OffsInBlock)); err != nil {
			w.log.Errorw("evacuation fragment read failed",
				zap.Stringer("key", e.Key), zap.Stringer("rng", e.Rng), zap.Error(err))
			continue
		}
		hdr, err := DecodeFragHdr(buf)
		if err != nil || hdr.Key != e.Key || hdr.Rng != e.Rng {
			w.log.Errorw("evacuation fragment validation failed",
				zap.Stringer("key", e.Key), zap.Stringer("rng", e.Rng), zap.Error(err))
			continue
		}
		payload := buf[FragHdrSize : FragHdrSize+uint64(e.PayloadLen)]
		if PayloadCRC(payload) != hdr.PayloadCRC {
			w.log.Errorw("evacuation fragment checksum mismatch",
				zap.Stringer("key", e.Key), zap.Stringer("rng", e.Rng))
			continue
		}
		if w.fsops.FsmdAddEvacFragment(e.Key, e.Rng, payload, w.writePos, w.block) {
			w.statsMu.Lock()
			w.stats.CntEvacuatedFrags++
			w.statsMu.Unlock()
		}
	}
}

// GetStats snapshots the writer counters.
func (w *Writer) GetStats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}
