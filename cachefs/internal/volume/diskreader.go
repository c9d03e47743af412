package volume

import (
	"fmt"
	"os"
)

const diskReaderBuffCapacity = 1 << 20

// DiskReader provides buffered sequential reading of a bounded volume area.
// The metadata load path and the offline inspection tool use it; it must
// not be mixed with unbuffered access to the same region.
type DiskReader struct {
	f    *os.File
	buff []byte
	// Unconsumed window inside buff.
	bpos int
	blen int
	// Next volume offset to refill from.
	diskOffs    uint64
	begDiskOffs uint64
	endDiskOffs uint64
}

// NewDiskReader opens the volume read-only for buffered access to the area
// [begOffs, endOffs).
func NewDiskReader(path string, begOffs, endOffs uint64) (*DiskReader, error) {
	if begOffs >= endOffs {
		return nil, fmt.Errorf("disk reader: invalid area [%d, %d)", begOffs, endOffs)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("disk reader open %q: %w", path, err)
	}
	return &DiskReader{
		f:           f,
		buff:        make([]byte, 0, diskReaderBuffCapacity),
		diskOffs:    begOffs,
		begDiskOffs: begOffs,
		endDiskOffs: endOffs,
	}, nil
}

// SetNextOffset discards the buffered window and repositions the reader to
// the given offset relative to the area start.
func (r *DiskReader) SetNextOffset(offs uint64) error {
	abs := r.begDiskOffs + offs
	if abs >= r.endDiskOffs {
		return fmt.Errorf("disk reader: offset %d is outside the area [%d, %d)",
			abs, r.begDiskOffs, r.endDiskOffs)
	}
	r.bpos = 0
	r.blen = 0
	r.diskOffs = abs
	return nil
}

// Read fills p completely, refilling the internal buffer as needed.
func (r *DiskReader) Read(p []byte) error {
	for len(p) > 0 {
		if r.bpos == r.blen {
			if err := r.refill(); err != nil {
				return err
			}
		}
		n := copy(p, r.buff[r.bpos:r.blen])
		p = p[n:]
		r.bpos += n
	}
	return nil
}

func (r *DiskReader) refill() error {
	left := r.endDiskOffs - r.diskOffs
	if left == 0 {
		return fmt.Errorf("disk reader: read past the end of the area [%d, %d)",
			r.begDiskOffs, r.endDiskOffs)
	}
	want := uint64(diskReaderBuffCapacity)
	if left < want {
		want = left
	}
	buff := r.buff[:want]
	n, err := r.f.ReadAt(buff, int64(r.diskOffs))
	if err != nil && n == 0 {
		return fmt.Errorf("disk reader at offset %d: %w", r.diskOffs, err)
	}
	r.bpos = 0
	r.blen = n
	r.diskOffs += uint64(n)
	return nil
}

// CurrDiskOffset returns the volume offset of the next unconsumed byte.
func (r *DiskReader) CurrDiskOffset() uint64 {
	return r.diskOffs - uint64(r.blen-r.bpos)
}

// Close releases the file handle.
func (r *DiskReader) Close() error {
	return r.f.Close()
}
