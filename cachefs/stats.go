package cachefs

import "github.com/vcache-platform/vcache/cachefs/internal/aggwriter"

// StatsFS is the per-volume operational snapshot.
type StatsFS struct {
	Path            string
	UUID            string
	CntPendingReads int
	CntPendingWrite int
	CntErrors       uint16
	WritePos        uint64
	WriteLap        uint32
	SyncSerial      uint32
	Writer          aggwriter.Stats
}

// StatsInternal exposes the fragment index internals.
type StatsInternal struct {
	CntNodes        uint64
	CntRanges       uint64
	CntEntries      uint64
	EntriesDataSize uint64
	MaxDataSize     uint64
	LimitReached    bool
}
