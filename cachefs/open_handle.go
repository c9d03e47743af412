package cachefs

import (
	"go.uber.org/zap"

	"github.com/vcache-platform/vcache/cachefs/internal/fsmeta"
)

// OpenReadHandler receives the outcome of an async open-read: a live handle
// or an error.
type OpenReadHandler func(err error, h *ReadHandle)

// OpenWriteHandler receives the outcome of an async open-write.
type OpenWriteHandler func(err error, h *WriteHandle)

// openReadTask resolves an open-read against the fragment index on an AIO
// worker and synthesizes the read handle.
type openReadTask struct {
	fs     *CacheFS
	objKey fsmeta.ObjectKey
	h      OpenReadHandler
}

func (t *openReadTask) Exec() {
	rtrans, ok := t.fs.fsops.FsmdBeginRead(t.objKey)
	if !ok {
		t.fs.log.Debugw("open read refused", zap.Stringer("obj_key", t.objKey))
		t.h(ErrNotPresent, nil)
		return
	}
	t.h(nil, newReadHandle(t.fs, rtrans))
}

func (t *openReadTask) ServiceStopped() {
	t.h(ErrServiceStopped, nil)
}

// openWriteTask reserves a write transaction on an AIO worker and
// synthesizes the write handle.
type openWriteTask struct {
	fs       *CacheFS
	objKey   fsmeta.ObjectKey
	truncate bool
	h        OpenWriteHandler
}

func (t *openWriteTask) Exec() {
	wtrans, err := t.fs.fsops.FsmdBeginWrite(t.objKey, t.truncate)
	if err != nil {
		t.fs.log.Debugw("open write refused",
			zap.Stringer("obj_key", t.objKey), zap.Error(err))
		t.h(err, nil)
		return
	}
	t.h(nil, newWriteHandle(t.fs, wtrans))
}

func (t *openWriteTask) ServiceStopped() {
	t.h(ErrServiceStopped, nil)
}
