package cachefs

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vcache-platform/vcache/cachefs/internal/aggwriter"
	"github.com/vcache-platform/vcache/cachefs/internal/fsmeta"
	"github.com/vcache-platform/vcache/cachefs/internal/layout"
	"github.com/vcache-platform/vcache/cachefs/internal/xio"
)

// WriteHandler receives the outcome of one async write: the bytes consumed
// from the user buffers, or an error.
type WriteHandler func(err error, n uint64)

type writeUserData struct {
	bufs xio.ReadBuffers
	h    WriteHandler
}

// WriteHandle streams object bytes into the engine. It copies user data
// into a per-fragment staging buffer and hands full fragments to the
// aggregate writer.
type WriteHandle struct {
	fs        *CacheFS
	wtrans    fsmeta.WriteTransaction
	actualRng fsmeta.Range
	state     atomic.Int32

	// Staging buffer, allocated lazily on the first write.
	wbuffer *aggwriter.FragBuff
	// Bytes of the actual range processed so far (copied or skipped).
	processed uint64

	userMu sync.Mutex
	user   *writeUserData
}

func newWriteHandle(fs *CacheFS, wtrans fsmeta.WriteTransaction) *WriteHandle {
	return &WriteHandle{
		fs:     fs,
		wtrans: wtrans,
		// The actual data range equals the transaction range here; the
		// skip-copy cursor below stays general for callers feeding a
		// larger enclosing stream.
		actualRng: wtrans.Rng(),
	}
}

// Rng returns the expected logical range.
func (h *WriteHandle) Rng() fsmeta.Range { return h.wtrans.Rng() }

// AsyncWrite consumes the gather list of byte spans. At most one write may
// be in flight per handle.
func (h *WriteHandle) AsyncWrite(bufs [][]byte, cb WriteHandler) {
	h.userMu.Lock()
	if h.user != nil {
		h.userMu.Unlock()
		panic("multiple async operations in flight are not allowed")
	}
	h.user = &writeUserData{bufs: xio.NewReadBuffers(bufs...), h: cb}
	h.userMu.Unlock()
	h.fs.fsops.AiosPushWriteQueue(h)
}

// AsyncClose finishes the handle: any partial staging buffer is drained as
// the final fragment. An in-flight write completes with
// ErrOperationAborted.
func (h *WriteHandle) AsyncClose() {
	if h.state.CompareAndSwap(stateRunning, stateClose) {
		// Enqueue the final write/flush. The queue refuses duplicates,
		// so this is safe while the handle is already scheduled.
		h.fs.fsops.AiosPushWriteQueue(h)
	}
	h.tryFireError(ErrOperationAborted)
}

// Exec runs on the AIO write worker.
func (h *WriteHandle) Exec() {
	switch h.state.Load() {
	case stateRunning:
		if h.tryWriteAll() {
			// Nothing more to do this round.
		} else if h.state.Load() == stateRunning {
			// The aggregate block had no room; a flush is pending.
			// Reschedule behind it and retry.
			h.fs.fsops.AiosPushWriteQueue(h)
		}
	case stateClose:
		// Fire operation aborted if close couldn't; there may be no
		// user handler at all.
		h.tryFireError(ErrOperationAborted)
		h.doFinalWrite()
		h.state.Store(stateClosed)
	case stateClosed, stateServiceStopped:
	}
}

// ServiceStopped implements aio.Task.
func (h *WriteHandle) ServiceStopped() {
	h.state.Store(stateServiceStopped)
	h.tryFireError(ErrServiceStopped)
}

func (h *WriteHandle) takeUser() *writeUserData {
	h.userMu.Lock()
	defer h.userMu.Unlock()
	ud := h.user
	h.user = nil
	return ud
}

func (h *WriteHandle) restoreUser(ud *writeUserData) {
	h.userMu.Lock()
	defer h.userMu.Unlock()
	h.user = ud
}

func (h *WriteHandle) tryFireError(err error) {
	if ud := h.takeUser(); ud != nil {
		ud.h(err, 0)
	}
}

// tryWriteAll drains the current user buffers into the staging buffer,
// handing full fragments to the aggregate writer. A false result means the
// aggregate block must be flushed before the rest can be consumed.
func (h *WriteHandle) tryWriteAll() bool {
	ud := h.takeUser()
	if ud == nil { // canceled in the meantime
		return false
	}

	expRng := h.wtrans.Rng()
	actRng := h.actualRng

	if h.wbuffer == nil {
		h.wbuffer = h.allocateWBuff(actRng.Len)
	}

	skipCp, err := xio.NewSkipCopy(actRng.Len, h.processed,
		expRng.Beg-actRng.Beg, actRng.End()-expRng.End())
	if err != nil {
		panic(err) // the construction invariants are enforced above
	}

	for !ud.bufs.AllRead() && !skipCp.Done() {
		bytes := skipCp.Step(&ud.bufs, h.wbuffer.Buff())
		h.wbuffer.Commit(bytes.Copied)
		// Hand the fragment over when it is full or the expected range
		// ends. The buffer can be empty when the step skipped all.
		if h.wbuffer.Full() || (skipCp.Done() && !h.wbuffer.Empty()) {
			if h.wbuffer.Size() > h.wtrans.RemainingBytes() {
				panic("write buffer does not correspond to the transaction")
			}
			if h.fs.fsops.AggwWriteFrag(h.wbuffer, &h.wtrans) {
				h.wbuffer.Clear()
			} else {
				break
			}
		}
	}
	h.processed = skipCp.CurrOffs()

	currDone := ud.bufs.AllRead()
	allDone := skipCp.Done()
	switch {
	case currDone:
		ud.h(nil, ud.bufs.BytesRead())
	case allDone:
		h.fs.log.Errorw("client provided more data than declared",
			zap.Stringer("wtrans", &h.wtrans), zap.Stringer("actual_rng", actRng))
		// Odd case: the data was consumed but the surplus is reported
		// after the fact.
		ud.h(ErrUnexpectedData, 0)
	default:
		h.restoreUser(ud) // resume after the pending flush
	}
	return currDone || allDone
}

// doFinalWrite drains the partial staging buffer and finishes the
// transaction. The aggregate writer takes ownership of both: with no room
// it keeps them queued past the pending flush.
func (h *WriteHandle) doFinalWrite() {
	var data []byte
	if h.wbuffer != nil && !h.wbuffer.Empty() {
		data = append(data, h.wbuffer.Data()...)
		h.wbuffer.Clear()
	}
	h.fs.fsops.AggwWriteFinalFrag(data, &h.wtrans)
}

func (h *WriteHandle) allocateWBuff(fullExpLen uint64) *aggwriter.FragBuff {
	bufCap := min(fullExpLen, uint64(layout.ObjectFragMaxDataSize))
	h.fs.log.Debugw("allocate write buffer",
		zap.Stringer("obj_key", h.wtrans.ObjKey()),
		zap.Uint64("buf_cap", bufCap), zap.Uint64("all_expected", fullExpLen))
	return aggwriter.NewFragBuff(bufCap)
}
