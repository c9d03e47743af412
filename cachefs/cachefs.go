// Package cachefs implements the per-volume cache filesystem of the disk
// object cache: a log-structured storage engine that stores object
// fragments on a raw block device (or a large file), indexed by object key
// and byte range, with aggregated writes, in-place space reclamation and
// crash-consistent metadata.
package cachefs

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vcache-platform/vcache/cachefs/internal/aggwriter"
	"github.com/vcache-platform/vcache/cachefs/internal/aio"
	"github.com/vcache-platform/vcache/cachefs/internal/fsmeta"
	"github.com/vcache-platform/vcache/cachefs/internal/layout"
	"github.com/vcache-platform/vcache/cachefs/internal/volume"
	"github.com/vcache-platform/vcache/cachefs/internal/xio"
)

// Re-exported key helpers so that callers do not need the internal
// packages.
type (
	// Key is the 16-byte object key.
	Key = fsmeta.Key
	// Range is a half-open logical byte interval.
	Range = fsmeta.Range
	// ObjectKey names one object byte range.
	ObjectKey = fsmeta.ObjectKey
)

// KeyFromURL derives the object key of a canonical URL.
func KeyFromURL(url string) Key { return fsmeta.KeyFromURL(url) }

// MaxPendingOpens bounds each AIO queue's admission: opens beyond it are
// refused immediately.
const MaxPendingOpens = 56

// maxCntDiskErrors is the fatal per-volume threshold: at the fifth failed
// disk operation the on-fs-bad callback fires once.
const maxCntDiskErrors = 5

// DefaultNumReadWorkers is the read worker pool size used when Init is
// given zero.
const DefaultNumReadWorkers = 7

// OnFSBadCb tells the supervisor to stop routing to this volume.
type OnFSBadCb func(fs *CacheFS)

// OnSyncEndCb completes an asynchronous metadata sync.
type OnSyncEndCb func(fs *CacheFS)

type options struct {
	Log      *zap.SugaredLogger
	DirectIO bool
}

// Option configures a CacheFS.
type Option func(*options)

// WithLog sets the logger for the cache filesystem.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithDirectIO toggles O_DIRECT|O_DSYNC on the volume descriptor. It is on
// by default; tests on filesystems without O_DIRECT support turn it off.
func WithDirectIO(direct bool) Option {
	return func(o *options) {
		o.DirectIO = direct
	}
}

// CacheFS is one volume's cache filesystem instance.
type CacheFS struct {
	log  *zap.SugaredLogger
	path string

	minAvgObjSize uint32
	directIO      bool

	fd        *volume.FD
	meta      *fsmeta.FSMetadata
	aios      *aio.Service
	aggw      *aggwriter.Writer
	fsops     *fsOps
	placement layout.Placement
	uuid      string

	syncInProgress atomic.Bool

	errMu         sync.Mutex
	cntDiskErrors uint16
	onFSBad       OnFSBadCb
}

// OpenVolume probes the volume and creates an instance for it. The engine
// is not usable before Init or InitReset.
func OpenVolume(path string, minAvgObjSize uint32, onFSBad OnFSBadCb, opts ...Option) (*CacheFS, error) {
	o := &options{Log: zap.NewNop().Sugar(), DirectIO: true}
	for _, opt := range opts {
		opt(o)
	}

	vi, err := volume.LoadCheckInfo(path)
	if err != nil {
		return nil, err
	}

	meta := fsmeta.NewFSMetadata(vi.Size, minAvgObjSize)
	pl := layout.NewPlacement(vi.Size, meta.MaxSizeOnDisk())
	if pl.DataSize < layout.AggWriteAreaSize {
		return nil, fmt.Errorf(
			"volume %q leaves no usable data region: %d bytes after %d bytes of metadata",
			path, pl.DataSize, pl.DataOffset)
	}

	log := o.Log.With(zap.String("volume", path))
	fs := &CacheFS{
		log:           log,
		path:          path,
		minAvgObjSize: minAvgObjSize,
		directIO:      o.DirectIO,
		fd:            volume.NewFD(),
		meta:          meta,
		aios:          aio.NewService(aio.WithLog(log)),
		placement:     pl,
		onFSBad:       onFSBad,
	}
	fs.fsops = newFSOps(pl, log)
	fs.fsops.fd = fs.fd
	fs.fsops.meta = meta
	fs.fsops.aios = fs.aios
	fs.fsops.onDiskError = fs.onDiskError

	log.Debugw("created cache FS",
		zap.Uint64("data_offset", pl.DataOffset),
		zap.Uint64("end_data_offset", pl.EndDataOffset()),
		zap.Uint64("md_max_size", pl.MDMaxSize))
	return fs, nil
}

// Path returns the volume path.
func (fs *CacheFS) Path() string { return fs.path }

// InitReset performs the explicit operator reset: both metadata slots are
// written with an empty table, a fresh UUID and the write head at the start
// of the data region.
func (fs *CacheFS) InitReset() error {
	fd := volume.NewFD()
	if err := fd.Open(fs.path, fs.directIO); err != nil {
		return err
	}
	defer fd.Close()

	if err := fs.initResetImpl(fd, fs.meta); err != nil {
		fs.log.Errorw("unable to reset the cache FS", zap.Error(err))
		return err
	}
	fs.log.Infow("reset cache FS",
		zap.Uint64("md_a_offset", fs.placement.MDOffsets[0]),
		zap.Uint64("md_b_offset", fs.placement.MDOffsets[1]),
		zap.Uint64("data_offset", fs.placement.DataOffset),
		zap.Uint64("end_data_offset", fs.placement.EndDataOffset()))
	return nil
}

func (fs *CacheFS) initResetImpl(fd *volume.FD, meta *fsmeta.FSMetadata) error {
	fs.log.Warn("creating new cache FS")
	meta.CleanInit(fs.placement.DataOffset)

	buf := volume.AllocAligned(fs.placement.MDMaxSize)
	w := xio.NewMemoryWriter(buf)
	if err := meta.Save(w); err != nil {
		return fmt.Errorf("serialize metadata: %w", err)
	}
	size := layout.RoundUpStoreBlocks(w.Written())

	// Write the A copy first, then the B copy, so a restart before any
	// further sync still finds two coherent slots.
	if err := fd.Write(buf[:size], fs.placement.MDOffsets[0]); err != nil {
		return fmt.Errorf("write A metadata: %w", err)
	}
	if err := fd.Write(buf[:size], fs.placement.MDOffsets[1]); err != nil {
		return fmt.Errorf("write B metadata: %w", err)
	}
	return nil
}

// Init loads the metadata (falling back to reset when both slots are
// invalid), starts the AIO service with the given read worker pool size and
// the aggregate writer. The engine accepts opens once Init returns nil.
func (fs *CacheFS) Init(numReadWorkers int) error {
	if numReadWorkers <= 0 {
		numReadWorkers = DefaultNumReadWorkers
	}
	fs.log.Debug("start initialization of the cache FS")

	if err := fs.fd.Open(fs.path, fs.directIO); err != nil {
		fs.log.Errorw("unable to initialize the cache FS", zap.Error(err))
		return err
	}

	ok, err := fs.loadMetadata()
	if err != nil {
		fs.fd.Close()
		fs.log.Errorw("unable to initialize the cache FS", zap.Error(err))
		return err
	}
	if !ok {
		// Both slots invalid: cold volume.
		if err := fs.initResetImpl(fs.fd, fs.meta); err != nil {
			fs.fd.Close()
			fs.log.Errorw("unable to initialize the cache FS", zap.Error(err))
			return err
		}
	}

	if fs.meta.WritePos()+layout.AggWriteBlockSize > fs.placement.EndDataOffset() {
		fs.meta.WrapWritePos(fs.placement.DataOffset)
	}
	fs.fsops.currWpos.Store(fs.meta.WritePos())
	fs.uuid = fs.meta.UUID().String()

	fs.log.Infow("initialized cache FS",
		zap.String("uuid", fs.uuid),
		zap.Uint32("sync_serial", fs.meta.SyncSerial()),
		zap.Uint64("write_pos", fs.meta.WritePos()),
		zap.Uint32("write_lap", fs.meta.WriteLap()))

	fs.aggw = aggwriter.NewWriter(fs.meta.WritePos(), fs.meta.WriteLap(),
		aggwriter.WithLog(fs.log))
	fs.fsops.aggw = fs.aggw
	fs.aios.Start(numReadWorkers)
	fs.aggw.Start(fs.fsops)
	return nil
}

// loadMetadata reads both slots and installs the preferred one. It returns
// false when neither slot is valid or the loaded write head is out of
// bounds.
func (fs *CacheFS) loadMetadata() (bool, error) {
	pl := fs.placement
	slotA, err := volume.NewDiskReader(fs.path, pl.MDOffsets[0], pl.MDOffsets[0]+pl.MDMaxSize)
	if err != nil {
		return false, err
	}
	defer slotA.Close()
	slotB, err := volume.NewDiskReader(fs.path, pl.MDOffsets[1], pl.MDOffsets[1]+pl.MDMaxSize)
	if err != nil {
		return false, err
	}
	defer slotB.Close()

	ok, err := fs.meta.Load(slotA, slotB)
	if err != nil || !ok {
		return false, err
	}
	if wpos := fs.meta.WritePos(); wpos < pl.DataOffset || wpos >= pl.EndDataOffset() {
		// Loading correctly and then finding a bogus write position is
		// an error worth the reset.
		fs.log.Errorw("loaded write position is out of the valid range",
			zap.Uint64("write_pos", wpos),
			zap.Uint64("data_offset", pl.DataOffset),
			zap.Uint64("end_data_offset", pl.EndDataOffset()))
		return false, nil
	}
	return true, nil
}

// Close shuts the volume down: the AIO service is drained and joined, the
// aggregate writer's pending data is flushed (unless forced), the metadata
// is synced if dirty, and the descriptor is closed.
func (fs *CacheFS) Close(forced bool) {
	fs.log.Debugw("closing the cache FS", zap.Bool("forced", forced))

	// Once the AIO service is stopped there are no asynchronous disk
	// operations in progress anymore.
	fs.aios.Stop()

	if !forced {
		if fs.aggw != nil {
			// The aggregate writer flushes before the metadata sync:
			// its flush moves the write head.
			fs.aggw.StopFlush()
		}
		if fs.syncInProgress.Swap(false) {
			// The asynchronous save no longer runs; roll its serial
			// back and save synchronously below.
			fs.log.Debug("aborted metadata sync in progress")
			fs.meta.DecSyncSerial()
			fs.syncMetadata()
		} else if fs.meta.IsDirty() {
			fs.syncMetadata()
		}
	}

	if err := fs.fd.Close(); err != nil {
		fs.log.Errorw("error when closing the volume descriptor",
			zap.Bool("forced", forced), zap.Error(err))
	}
}

// AsyncOpenRead resolves the object range against the index on an AIO
// worker and calls back with a read handle iff every byte is present. A
// false result means the open queue is saturated and the call was refused.
func (fs *CacheFS) AsyncOpenRead(objKey ObjectKey, h OpenReadHandler) bool {
	// Admission control: too many pending disk reads only slow everyone
	// down, so refuse early.
	if fs.aios.ReadQueueSize() >= MaxPendingOpens {
		return false
	}
	// The front of the queue, so the open returns a result as soon as
	// possible.
	fs.aios.PushFrontReadQueue(&openReadTask{fs: fs, objKey: objKey, h: h})
	return true
}

// AsyncOpenWrite reserves a write transaction on an AIO worker and calls
// back with a write handle. With truncate set, the object's existing
// unpinned ranges are removed first. A false result means the open queue is
// saturated and the call was refused.
func (fs *CacheFS) AsyncOpenWrite(objKey ObjectKey, truncate bool, h OpenWriteHandler) bool {
	if fs.aios.WriteQueueSize() >= MaxPendingOpens {
		return false
	}
	fs.aios.PushFrontReadQueue(&openWriteTask{fs: fs, objKey: objKey, truncate: truncate, h: h})
	return true
}

// AsyncSyncMetadata saves the metadata snapshot to the next slot from an
// AIO write worker. At most one sync runs at a time; a non-dirty metadata
// completes immediately.
func (fs *CacheFS) AsyncSyncMetadata(onEnd OnSyncEndCb) {
	if !fs.meta.IsDirty() {
		fs.log.Debug("skip asynchronous sync of non-dirty metadata")
		if onEnd != nil {
			onEnd(fs)
		}
		return
	}
	if fs.syncInProgress.Swap(true) {
		panic("a previous metadata sync operation is still in progress")
	}

	idx := fs.meta.BeginSync()
	offs := fs.placement.MDOffsets[idx]

	buf := volume.AllocAligned(fs.placement.MDMaxSize)
	w := xio.NewMemoryWriter(buf)
	if err := fs.meta.Save(w); err != nil {
		// The slot capacity is derived from the table budget, so this
		// cannot happen with a consistent table.
		panic(err)
	}
	size := layout.RoundUpStoreBlocks(w.Written())

	fs.log.Infow("start metadata asynchronous sync",
		zap.String("slot", slotName(idx)),
		zap.Uint64("disk_offset", offs), zap.Uint64("size", size))

	t := &taskMDSync{
		fsops: fs.fsops,
		buf:   buf[:size],
		offs:  offs,
		onEnd: func(ok bool) {
			fs.syncInProgress.Store(false)
			if !ok {
				fs.meta.DecSyncSerial()
			}
			if onEnd != nil {
				onEnd(fs)
			}
		},
	}
	fs.aios.PushWriteQueue(t)
}

// syncMetadata saves the metadata synchronously. It runs only when all AIO
// workers are already stopped.
func (fs *CacheFS) syncMetadata() {
	idx := fs.meta.BeginSync()
	offs := fs.placement.MDOffsets[idx]

	buf := volume.AllocAligned(fs.placement.MDMaxSize)
	w := xio.NewMemoryWriter(buf)
	if err := fs.meta.Save(w); err != nil {
		panic(err)
	}
	size := layout.RoundUpStoreBlocks(w.Written())

	if err := fs.fd.Write(buf[:size], offs); err != nil {
		fs.meta.DecSyncSerial()
		fs.log.Errorw("failed to update metadata",
			zap.String("slot", slotName(idx)),
			zap.Uint64("disk_offset", offs), zap.Uint64("size", size), zap.Error(err))
		return
	}
	fs.log.Infow("updated metadata",
		zap.String("slot", slotName(idx)),
		zap.Uint64("disk_offset", offs), zap.Uint64("size", size))
}

func slotName(idx uint32) string {
	if idx == 0 {
		return "A"
	}
	return "B"
}

// onDiskError counts one failed disk operation; at the fatal threshold the
// on-fs-bad callback fires exactly once.
func (fs *CacheFS) onDiskError() {
	var cb OnFSBadCb

	fs.errMu.Lock()
	if fs.cntDiskErrors < maxCntDiskErrors {
		fs.cntDiskErrors++
		if fs.cntDiskErrors == maxCntDiskErrors {
			cb, fs.onFSBad = fs.onFSBad, nil
		}
	}
	fs.errMu.Unlock()

	if cb != nil {
		fs.log.Error("max count disk errors reached, informing the cache manager")
		cb(fs)
	}
}

// GetStats snapshots the volume's operational counters.
func (fs *CacheFS) GetStats() StatsFS {
	sts := StatsFS{
		Path:            fs.path,
		UUID:            fs.uuid,
		CntPendingReads: fs.aios.ReadQueueSize(),
		CntPendingWrite: fs.aios.WriteQueueSize(),
		WritePos:        fs.meta.WritePos(),
		WriteLap:        fs.meta.WriteLap(),
		SyncSerial:      fs.meta.SyncSerial(),
	}
	if fs.aggw != nil {
		sts.Writer = fs.aggw.GetStats()
	}
	fs.errMu.Lock()
	sts.CntErrors = fs.cntDiskErrors
	fs.errMu.Unlock()
	return sts
}

// GetInternalStats snapshots the fragment index internals.
func (fs *CacheFS) GetInternalStats() StatsInternal {
	var sts StatsInternal
	fs.meta.ViewTable(func(t *fsmeta.Table) {
		sts = StatsInternal{
			CntNodes:        t.CntNodes(),
			CntRanges:       t.CntRanges(),
			CntEntries:      t.CntEntries(),
			EntriesDataSize: t.EntriesDataSize(),
			MaxDataSize:     t.MaxAllowedDataSize(),
			LimitReached:    t.LimitReached(),
		}
	})
	return sts
}
