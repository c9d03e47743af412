package cachefs

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vcache-platform/vcache/cachefs/internal/aggwriter"
	"github.com/vcache-platform/vcache/cachefs/internal/fsmeta"
	"github.com/vcache-platform/vcache/cachefs/internal/layout"
	"github.com/vcache-platform/vcache/cachefs/internal/volume"
	"github.com/vcache-platform/vcache/cachefs/internal/xio"
)

// ReadHandler receives the outcome of one async read: the bytes delivered
// into the user buffers, or an error.
type ReadHandler func(err error, n uint64)

// Handle states. Transitions are driven by the AIO workers; user threads
// only request them.
const (
	stateRunning int32 = iota
	stateClose
	stateClosed
	stateServiceStopped
)

type readUserData struct {
	bufs xio.WriteBuffers
	h    ReadHandler
}

// ReadHandle streams a fully cached object range out of the engine. It owns
// the read transaction whose reader counts protect every spanned fragment
// against eviction until the handle is closed.
type ReadHandle struct {
	fs     *CacheFS
	rtrans fsmeta.ReadTransaction
	state  atomic.Int32

	userMu sync.Mutex
	user   *readUserData
}

func newReadHandle(fs *CacheFS, rtrans fsmeta.ReadTransaction) *ReadHandle {
	return &ReadHandle{fs: fs, rtrans: rtrans}
}

// Rng returns the transaction's requested range.
func (h *ReadHandle) Rng() fsmeta.Range { return h.rtrans.Rng() }

// AsyncRead delivers the next part of the range into the gather list of
// byte spans. At most one read may be in flight per handle.
func (h *ReadHandle) AsyncRead(bufs [][]byte, cb ReadHandler) {
	h.userMu.Lock()
	if h.user != nil {
		h.userMu.Unlock()
		panic("multiple async operations in flight are not allowed")
	}
	h.user = &readUserData{bufs: xio.NewWriteBuffers(bufs...), h: cb}
	h.userMu.Unlock()
	h.fs.fsops.AiosPushReadQueue(h)
}

// AsyncClose drops the read transaction. An in-flight read completes with
// ErrOperationAborted.
func (h *ReadHandle) AsyncClose() {
	if h.state.CompareAndSwap(stateRunning, stateClose) {
		h.fs.fsops.AiosPushFrontReadQueue(h)
	}
	h.tryFireError(ErrOperationAborted)
}

// Exec runs on an AIO read worker.
func (h *ReadHandle) Exec() {
	switch h.state.Load() {
	case stateRunning:
		h.doRead()
	case stateClose:
		h.tryFireError(ErrOperationAborted)
		h.fs.fsops.FsmdEndRead(&h.rtrans)
		h.state.Store(stateClosed)
	case stateClosed, stateServiceStopped:
	}
}

// ServiceStopped implements aio.Task.
func (h *ReadHandle) ServiceStopped() {
	h.state.Store(stateServiceStopped)
	h.tryFireError(ErrServiceStopped)
}

func (h *ReadHandle) takeUser() *readUserData {
	h.userMu.Lock()
	defer h.userMu.Unlock()
	ud := h.user
	h.user = nil
	return ud
}

func (h *ReadHandle) tryFireError(err error) {
	if ud := h.takeUser(); ud != nil {
		ud.h(err, 0)
	}
}

func (h *ReadHandle) doRead() {
	ud := h.takeUser()
	if ud == nil { // canceled in the meantime
		return
	}
	if h.rtrans.Finished() {
		ud.h(ErrEOF, 0)
		return
	}

	var delivered uint64
	for !ud.bufs.AllWritten() && !h.rtrans.Finished() {
		elem, ok := h.fs.fsops.FsmdFindNextRangeElem(&h.rtrans)
		if !ok {
			// The transaction's reader counts pin the path; a missing
			// element is index corruption.
			h.fs.log.Errorw("pinned range element vanished mid-read",
				zap.Stringer("obj_key", h.rtrans.ObjKey()))
			ud.h(ErrIO, delivered)
			return
		}
		n, err := h.readElem(&elem, &ud.bufs)
		if err != nil {
			ud.h(err, delivered)
			return
		}
		h.rtrans.IncReadBytes(n)
		delivered += n
	}
	ud.h(nil, delivered)
}

// readElem delivers the next bytes of one range element into the user
// buffers and returns how many were delivered.
func (h *ReadHandle) readElem(elem *fsmeta.RangeElem, dst *xio.WriteBuffers) (uint64, error) {
	curr := h.rtrans.CurrOffset()
	// Portion of the fragment payload still interesting to this read.
	fragOffs := curr - elem.RngOffset()
	want := min(elem.RngEnd()-curr, h.rtrans.RemainingBytes(), dst.Remaining())

	tmp := make([]byte, want)
	if err := h.readFragPortion(elem, tmp, fragOffs); err != nil {
		return 0, err
	}
	return dst.Write(tmp), nil
}

func (h *ReadHandle) readFragPortion(elem *fsmeta.RangeElem, dst []byte, fragOffs uint64) error {
	key := h.rtrans.ObjKey().Key
	fsops := h.fs.fsops

	if elem.InMemory() {
		// Still staged: visible to this transaction but only present in
		// the aggregate block.
		if fsops.AggwReadStaged(key, elem.Range(), dst, fragOffs) {
			return nil
		}
		// Flushed between the element fetch and now; fall through to the
		// disk path below.
	}

	offs := layout.BlocksToBytes(elem.DiskOffset())
	if fsops.VmtxLockShared(offs) {
		// Inside the current write window. The data may still live only
		// in the aggregate block, or on disk not yet overwritten; the
		// shared lock keeps the flush away either way.
		staged := fsops.AggwReadStaged(key, elem.Range(), dst, fragOffs)
		var err error
		if !staged {
			err = h.readFragFromDisk(key, elem, dst, fragOffs, offs)
		}
		fsops.VmtxUnlockShared()
		return err
	}
	return h.readFragFromDisk(key, elem, dst, fragOffs, offs)
}

// readFragFromDisk reads the whole fragment, validates it and copies out
// the needed portion. Validation failure means the element moved under us
// (the fragment was evacuated and its old location overwritten); one
// refetch of the element resolves that.
func (h *ReadHandle) readFragFromDisk(
	key fsmeta.Key, elem *fsmeta.RangeElem, dst []byte, fragOffs, offs uint64,
) error {
	fragSize := aggwriter.ObjectFragDiskSize(elem.RngSize())
	buf := volume.AllocAligned(fragSize)
	if err := h.fs.fsops.VolReadDisk(buf, offs); err != nil {
		return ErrIO
	}
	hdr, err := aggwriter.DecodeFragHdr(buf)
	if err != nil || hdr.Key != key || hdr.Rng != elem.Range() {
		return h.retryAfterMove(key, elem, dst, fragOffs)
	}
	payload := buf[aggwriter.FragHdrSize : aggwriter.FragHdrSize+uint64(hdr.PayloadLen)]
	if aggwriter.PayloadCRC(payload) != hdr.PayloadCRC {
		return h.retryAfterMove(key, elem, dst, fragOffs)
	}
	if fragOffs+uint64(len(dst)) > uint64(len(payload)) {
		return ErrIO
	}
	copy(dst, payload[fragOffs:])
	return nil
}

func (h *ReadHandle) retryAfterMove(
	key fsmeta.Key, elem *fsmeta.RangeElem, dst []byte, fragOffs uint64,
) error {
	// Refetch the element: an evacuation updated its disk offset while we
	// held a stale copy.
	fresh, ok := h.fs.fsops.FsmdFindNextRangeElem(&h.rtrans)
	if !ok || !fresh.SameRange(elem) || fresh.DiskOffset() == elem.DiskOffset() {
		h.fs.log.Errorw("fragment validation failed",
			zap.Stringer("obj_key", h.rtrans.ObjKey()), zap.Stringer("elem", elem))
		return ErrIO
	}
	if fresh.InMemory() {
		if h.fs.fsops.AggwReadStaged(key, fresh.Range(), dst, fragOffs) {
			return nil
		}
	}
	return h.readFragFromDisk(key, &fresh, dst, fragOffs, layout.BlocksToBytes(fresh.DiskOffset()))
}
