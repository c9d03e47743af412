package aggwriter

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/vcache-platform/vcache/cachefs/internal/fsmeta"
	"github.com/vcache-platform/vcache/cachefs/internal/layout"
	"github.com/vcache-platform/vcache/cachefs/internal/volume"
)

const (
	aggMetaMagic     = uint64(0x564341474757424C) // "VCAGGWBL"
	aggMetaHdrSize   = 16
	aggMetaEntrySize = 48

	// MaxBlockEntries is how many fragment descriptors fit in the block
	// header area. A block is full when either the payload area or the
	// descriptor table is exhausted.
	MaxBlockEntries = (layout.AggWriteMetaSize - aggMetaHdrSize) / aggMetaEntrySize
)

// MetaEntry describes one fragment inside an aggregate block: the key, the
// logical range and where the fragment sits in the block.
type MetaEntry struct {
	Key         fsmeta.Key
	Rng         fsmeta.Range
	OffsInBlock uint32
	PayloadLen  uint32
	PayloadCRC  uint64
}

// WriteBlock is the in-RAM staging area for pending fragments: a fixed
// header area followed by concatenated, block-aligned fragments. It is
// created once and reused for the volume's whole lifetime.
//
// Only the single AIO write worker mutates the block; concurrent readers
// copying staged data take the internal lock shared.
type WriteBlock struct {
	mu  sync.RWMutex
	buf []byte
	// Next free byte inside buf; starts right after the header area.
	used    uint32
	entries []MetaEntry
}

// NewWriteBlock allocates the block with I/O-aligned backing memory.
func NewWriteBlock() *WriteBlock {
	b := &WriteBlock{
		buf:     volume.AllocAligned(layout.AggWriteBlockSize),
		entries: make([]MetaEntry, 0, MaxBlockEntries),
	}
	b.Reset()
	return b
}

// Reset clears the block for reuse after a flush.
func (b *WriteBlock) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used = layout.AggWriteMetaSize
	b.entries = b.entries[:0]
	clear(b.buf[:layout.AggWriteMetaSize])
}

// NextOffs returns the byte offset inside the block that the next staged
// fragment will occupy.
func (b *WriteBlock) NextOffs() uint32 { return b.used }

// HasRoom reports whether a fragment with the given payload length still
// fits.
func (b *WriteBlock) HasRoom(payloadLen uint64) bool {
	if len(b.entries) == MaxBlockEntries {
		return false
	}
	return uint64(b.used)+ObjectFragDiskSize(payloadLen) <= layout.AggWriteBlockSize
}

// Empty reports whether nothing has been staged since the last reset.
func (b *WriteBlock) Empty() bool { return len(b.entries) == 0 }

// Entries returns the staged fragment descriptors.
func (b *WriteBlock) Entries() []MetaEntry { return b.entries }

// OverlapsStaged reports whether the range overlaps any fragment already
// staged for the same key.
func (b *WriteBlock) OverlapsStaged(key fsmeta.Key, rng fsmeta.Range) bool {
	for i := range b.entries {
		if b.entries[i].Key == key && b.entries[i].Rng.Overlaps(rng) {
			return true
		}
	}
	return false
}

// AddFragment stages one fragment and returns its byte offset inside the
// block. The caller must have checked HasRoom and OverlapsStaged.
func (b *WriteBlock) AddFragment(key fsmeta.Key, rng fsmeta.Range, payload []byte) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	offs := b.used
	crc := PayloadCRC(payload)
	EncodeFragHdr(b.buf[offs:], FragHdr{
		Key:        key,
		Rng:        rng,
		PayloadLen: uint32(len(payload)),
		PayloadCRC: crc,
	})
	copy(b.buf[offs+FragHdrSize:], payload)
	fragSize := ObjectFragDiskSize(uint64(len(payload)))
	// Zero the alignment tail so flushed blocks are deterministic.
	clear(b.buf[offs+FragHdrSize+uint32(len(payload)) : uint64(offs)+fragSize])
	b.used += uint32(fragSize)
	b.entries = append(b.entries, MetaEntry{
		Key:         key,
		Rng:         rng,
		OffsInBlock: offs,
		PayloadLen:  uint32(len(payload)),
		PayloadCRC:  crc,
	})
	return offs
}

// ReadStaged copies len(dst) payload bytes of the staged fragment with
// exactly the given key and range, starting offs bytes into the payload. A
// false result means no such fragment is staged.
func (b *WriteBlock) ReadStaged(key fsmeta.Key, rng fsmeta.Range, dst []byte, offs uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := range b.entries {
		e := &b.entries[i]
		if e.Key != key || e.Rng != rng {
			continue
		}
		if offs+uint64(len(dst)) > uint64(e.PayloadLen) {
			return false
		}
		beg := uint64(e.OffsInBlock) + FragHdrSize + offs
		copy(dst, b.buf[beg:beg+uint64(len(dst))])
		return true
	}
	return false
}

// EndDiskWrite finalizes the header area and returns the block image to be
// written, exactly layout.AggWriteBlockSize bytes.
func (b *WriteBlock) EndDiskWrite() []byte {
	hdr := b.buf[:layout.AggWriteMetaSize]
	binary.LittleEndian.PutUint64(hdr[0:], aggMetaMagic)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(b.entries)))
	binary.LittleEndian.PutUint32(hdr[12:], 0)
	p := aggMetaHdrSize
	for i := range b.entries {
		e := &b.entries[i]
		copy(hdr[p:], e.Key[:])
		binary.LittleEndian.PutUint64(hdr[p+16:], e.Rng.Beg)
		binary.LittleEndian.PutUint64(hdr[p+24:], e.Rng.Len)
		binary.LittleEndian.PutUint32(hdr[p+32:], e.OffsInBlock)
		binary.LittleEndian.PutUint32(hdr[p+36:], e.PayloadLen)
		binary.LittleEndian.PutUint64(hdr[p+40:], e.PayloadCRC)
		p += aggMetaEntrySize
	}
	return b.buf
}

// ParseBlockHeader decodes the header area of a previously flushed block.
// It returns the fragment descriptors, or an error when the area does not
// carry a valid header (e.g. the region was never written).
func ParseBlockHeader(hdr []byte) ([]MetaEntry, error) {
	if len(hdr) < layout.AggWriteMetaSize {
		return nil, fmt.Errorf("aggregate block header too short: %d bytes", len(hdr))
	}
	if got := binary.LittleEndian.Uint64(hdr[0:]); got != aggMetaMagic {
		return nil, fmt.Errorf("invalid aggregate block magic %#x", got)
	}
	cnt := binary.LittleEndian.Uint32(hdr[8:])
	if cnt > MaxBlockEntries {
		return nil, fmt.Errorf("invalid aggregate block entry count %d", cnt)
	}
	entries := make([]MetaEntry, 0, cnt)
	p := aggMetaHdrSize
	for range cnt {
		var e MetaEntry
		copy(e.Key[:], hdr[p:p+16])
		e.Rng.Beg = binary.LittleEndian.Uint64(hdr[p+16:])
		e.Rng.Len = binary.LittleEndian.Uint64(hdr[p+24:])
		e.OffsInBlock = binary.LittleEndian.Uint32(hdr[p+32:])
		e.PayloadLen = binary.LittleEndian.Uint32(hdr[p+36:])
		e.PayloadCRC = binary.LittleEndian.Uint64(hdr[p+40:])
		if !e.Rng.Valid() ||
			e.OffsInBlock < layout.AggWriteMetaSize ||
			uint64(e.OffsInBlock)+ObjectFragDiskSize(uint64(e.PayloadLen)) > layout.AggWriteBlockSize {
			return nil, fmt.Errorf("invalid aggregate block entry at index %d", len(entries))
		}
		entries = append(entries, e)
		p += aggMetaEntrySize
	}
	return entries, nil
}
