// Package daemon is the process-level supervisor of the cache engine: it
// creates one cache filesystem instance per configured volume, routes opens
// to them, drives the periodic metadata sync and removes volumes that
// reported a fatal disk state.
package daemon

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vcache-platform/vcache/cachefs"
)

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// DaemonOption is a function that configures the cache daemon.
type DaemonOption func(*options)

// WithLog sets the logger for the cache daemon.
func WithLog(log *zap.SugaredLogger) DaemonOption {
	return func(o *options) {
		o.Log = log
	}
}

// Daemon owns the per-volume cache instances.
type Daemon struct {
	cfg *Config

	mu      sync.RWMutex
	volumes map[string]*cachefs.CacheFS

	log *zap.SugaredLogger
}

// NewDaemon creates a daemon using the provided configuration.
func NewDaemon(cfg *Config, options ...DaemonOption) (*Daemon, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	log := opts.Log
	log.Infow("initializing cache daemon", zap.Any("config", cfg))

	return &Daemon{
		cfg:     cfg,
		volumes: make(map[string]*cachefs.CacheFS),
		log:     log,
	}, nil
}

// Run initializes all configured volumes and blocks driving the periodic
// metadata sync until the context is canceled.
func (m *Daemon) Run(ctx context.Context) error {
	m.log.Info("running cache daemon")
	defer m.log.Info("stopped cache daemon")

	if err := m.initVolumes(); err != nil {
		return err
	}
	if m.CntVolumes() == 0 {
		return fmt.Errorf("no usable cache volumes")
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		m.runSyncLoop(ctx)
		return nil
	})
	wg.Go(func() error {
		m.runStatsLoop(ctx)
		return nil
	})

	<-ctx.Done()
	err := wg.Wait()

	m.closeVolumes()
	return err
}

// initVolumes brings every configured volume up, retrying transient init
// failures with exponential backoff. A volume that keeps failing is left
// out of rotation.
func (m *Daemon) initVolumes() error {
	for _, vcfg := range m.cfg.Volumes {
		fs, err := m.initVolume(vcfg)
		if err != nil {
			m.log.Errorw("leaving volume out of rotation",
				zap.String("volume", vcfg.Path), zap.Error(err))
			continue
		}
		m.mu.Lock()
		m.volumes[vcfg.Path] = fs
		m.mu.Unlock()
	}
	return nil
}

func (m *Daemon) initVolume(vcfg VolumeConfig) (*cachefs.CacheFS, error) {
	initBackoff := backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         10 * time.Second,
	}
	initBackoff.Reset()

	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(initBackoff.NextBackOff())
		}
		fs, err := cachefs.OpenVolume(
			vcfg.Path,
			uint32(m.cfg.MinAvgObjectSize.Bytes()),
			m.onFSBad,
			cachefs.WithLog(m.log),
			cachefs.WithDirectIO(m.cfg.DirectIO),
		)
		if err != nil {
			lastErr = err
			m.log.Warnw("volume probe failed",
				zap.String("volume", vcfg.Path), zap.Error(err))
			continue
		}
		if vcfg.Reset {
			if err := fs.InitReset(); err != nil {
				lastErr = err
				continue
			}
		}
		if err := fs.Init(m.cfg.NumReadWorkers); err != nil {
			lastErr = err
			m.log.Warnw("volume init failed",
				zap.String("volume", vcfg.Path), zap.Error(err))
			continue
		}
		return fs, nil
	}
	return nil, fmt.Errorf("volume %q failed to initialize: %w", vcfg.Path, lastErr)
}

// onFSBad removes a volume whose fatal disk-error threshold fired from the
// open routing.
func (m *Daemon) onFSBad(fs *cachefs.CacheFS) {
	m.log.Errorw("removing bad volume from rotation", zap.String("volume", fs.Path()))
	m.mu.Lock()
	delete(m.volumes, fs.Path())
	m.mu.Unlock()
	// The instance is shut down without flushing: its disk is not to be
	// trusted anymore.
	go fs.Close(true)
}

// lookup routes an object key to a volume. The routing only depends on the
// key and the set of healthy volumes.
func (m *Daemon) lookup(key cachefs.Key) *cachefs.CacheFS {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.volumes) == 0 {
		return nil
	}
	// Deterministic order for the pick below.
	paths := make([]string, 0, len(m.volumes))
	for p := range m.volumes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	idx := int(key[0]) % len(paths)
	return m.volumes[paths[idx]]
}

// AsyncOpenRead routes an open-read to the key's volume. A false result
// means no volume can serve it right now.
func (m *Daemon) AsyncOpenRead(objKey cachefs.ObjectKey, h cachefs.OpenReadHandler) bool {
	fs := m.lookup(objKey.Key)
	if fs == nil {
		return false
	}
	return fs.AsyncOpenRead(objKey, h)
}

// AsyncOpenWrite routes an open-write to the key's volume.
func (m *Daemon) AsyncOpenWrite(objKey cachefs.ObjectKey, truncate bool, h cachefs.OpenWriteHandler) bool {
	fs := m.lookup(objKey.Key)
	if fs == nil {
		return false
	}
	return fs.AsyncOpenWrite(objKey, truncate, h)
}

// CntVolumes returns the number of volumes in rotation.
func (m *Daemon) CntVolumes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.volumes)
}

func (m *Daemon) snapshotVolumes() []*cachefs.CacheFS {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*cachefs.CacheFS, 0, len(m.volumes))
	for _, fs := range m.volumes {
		out = append(out, fs)
	}
	return out
}

// runSyncLoop periodically saves each volume's metadata.
func (m *Daemon) runSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, fs := range m.snapshotVolumes() {
			done := make(chan struct{})
			fs.AsyncSyncMetadata(func(*cachefs.CacheFS) {
				close(done)
			})
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		}
	}
}

// runStatsLoop periodically logs the per-volume operational stats.
func (m *Daemon) runStatsLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, fs := range m.snapshotVolumes() {
			sts := fs.GetStats()
			ists := fs.GetInternalStats()
			m.log.Infow("volume stats",
				zap.String("volume", sts.Path),
				zap.Int("pending_reads", sts.CntPendingReads),
				zap.Int("pending_writes", sts.CntPendingWrite),
				zap.Uint16("disk_errors", sts.CntErrors),
				zap.Uint64("write_pos", sts.WritePos),
				zap.Uint32("write_lap", sts.WriteLap),
				zap.Uint64("flushes", sts.Writer.CntFlushes),
				zap.Uint64("written_frags", sts.Writer.CntWrittenFrags),
				zap.Uint64("evacuated_frags", sts.Writer.CntEvacuatedFrags),
				zap.Uint64("index_nodes", ists.CntNodes),
				zap.Uint64("index_entries", ists.CntEntries),
				zap.Uint64("indexed_bytes", ists.EntriesDataSize),
			)
		}
	}
}

func (m *Daemon) closeVolumes() {
	for _, fs := range m.snapshotVolumes() {
		fs.Close(false)
	}
	m.mu.Lock()
	m.volumes = make(map[string]*cachefs.CacheFS)
	m.mu.Unlock()
}
