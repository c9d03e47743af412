package layout

// Core on-disk layout constants. All disk offsets and sizes handled by the
// engine are multiples of StoreBlockSize.
const (
	// StoreBlockSize is the volume logical sector size. Positioned I/O
	// against the volume must be aligned to it.
	StoreBlockSize = 512

	// AggWriteBlockSize is the unit of data-region writes. The aggregate
	// writer always writes exactly one such block per flush.
	AggWriteBlockSize = 1 << 20

	// AggWriteMetaSize is the size of the self-describing header placed at
	// the front of every aggregate block.
	AggWriteMetaSize = 4 << 10

	// AggWriteAreaSize is the span of the volume mutex window starting at
	// the current write position. Readers targeting offsets inside this
	// window must serialize against the aggregate writer.
	AggWriteAreaSize = 3 * AggWriteBlockSize

	// VolumeSkipBytes is the reserved area at the very beginning of the
	// volume, before metadata slot A.
	VolumeSkipBytes = 4 << 10

	// MinVolumeSize is the smallest usable volume.
	MinVolumeSize = 1 << 30

	// ObjectFragMaxDataSize is the maximum payload carried by a single
	// object fragment.
	ObjectFragMaxDataSize = 128 << 10
)

// RoundUpStoreBlocks rounds n up to the next multiple of StoreBlockSize.
func RoundUpStoreBlocks(n uint64) uint64 {
	return (n + StoreBlockSize - 1) &^ uint64(StoreBlockSize-1)
}

// BytesToBlocks converts a byte offset to volume blocks. The offset must be
// block aligned.
func BytesToBlocks(n uint64) uint64 {
	return n / StoreBlockSize
}

// BlocksToBytes converts a volume-block offset to bytes.
func BlocksToBytes(n uint64) uint64 {
	return n * StoreBlockSize
}

// Placement describes where the metadata slots and the circular data region
// sit on a concrete volume.
type Placement struct {
	// MDOffsets are the byte offsets of metadata slots A and B.
	MDOffsets [2]uint64
	// MDMaxSize is the maximum serialized size of one metadata slot.
	MDMaxSize uint64
	// DataOffset is the byte offset of the circular data region.
	DataOffset uint64
	// DataSize is the size of the data region, a multiple of
	// AggWriteBlockSize.
	DataSize uint64
}

// NewPlacement computes the slot and data-region placement for a volume of
// volSize bytes given the maximum on-disk metadata size.
func NewPlacement(volSize, mdMaxSize uint64) Placement {
	mdMaxSize = RoundUpStoreBlocks(mdMaxSize)
	dataOffs := uint64(VolumeSkipBytes) + 2*mdMaxSize
	dataSize := (volSize - dataOffs) / AggWriteBlockSize * AggWriteBlockSize
	return Placement{
		MDOffsets:  [2]uint64{VolumeSkipBytes, VolumeSkipBytes + mdMaxSize},
		MDMaxSize:  mdMaxSize,
		DataOffset: dataOffs,
		DataSize:   dataSize,
	}
}

// EndDataOffset returns the first byte offset past the data region.
func (p Placement) EndDataOffset() uint64 {
	return p.DataOffset + p.DataSize
}
