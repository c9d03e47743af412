package volume

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Sentinel I/O conditions surfaced by the volume handle. They are wrapped
// into the public error taxonomy by the cachefs package.
var (
	// ErrEOF is returned when a positioned read hits the end of the
	// volume.
	ErrEOF = errors.New("end of volume")
	// ErrNullWrite is returned when the OS accepts a write of zero bytes.
	ErrNullWrite = errors.New("null write")
)

// FD is a synchronous positioned-I/O handle over a raw block device or a
// regular file. All buffers passed to it must be aligned to IOAlignment and
// sized in multiples of the device's logical block size.
type FD struct {
	fd int
}

// NewFD returns a closed handle.
func NewFD() *FD {
	return &FD{fd: -1}
}

// Open opens the volume. With direct set, the descriptor uses
// O_DIRECT|O_DSYNC semantics: no OS buffering above the device.
func (f *FD) Open(path string, direct bool) error {
	if f.fd != -1 {
		panic("volume fd is already open")
	}
	flags := unix.O_RDWR
	if direct {
		flags |= unix.O_DIRECT | unix.O_DSYNC
	}
	fd, err := unix.Open(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open volume %q: %w", path, err)
	}
	f.fd = fd
	return nil
}

// Opened reports whether the handle holds a descriptor.
func (f *FD) Opened() bool { return f.fd != -1 }

// Read fills buf completely from the given byte offset.
func (f *FD) Read(buf []byte, off uint64) error {
	for len(buf) > 0 {
		n, err := unix.Pread(f.fd, buf, int64(off))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("volume read at offset %d: %w", off, err)
		}
		if n == 0 {
			return ErrEOF
		}
		buf = buf[n:]
		off += uint64(n)
	}
	return nil
}

// Write stores buf completely at the given byte offset.
func (f *FD) Write(buf []byte, off uint64) error {
	for len(buf) > 0 {
		n, err := unix.Pwrite(f.fd, buf, int64(off))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("volume write at offset %d: %w", off, err)
		}
		if n == 0 {
			// Unclear whether this can happen in practice; report it
			// rather than spin.
			return ErrNullWrite
		}
		buf = buf[n:]
		off += uint64(n)
	}
	return nil
}

// Truncate resizes a regular-file volume.
func (f *FD) Truncate(size uint64) error {
	if err := unix.Ftruncate(f.fd, int64(size)); err != nil {
		return fmt.Errorf("volume truncate to %d: %w", size, err)
	}
	return nil
}

// Close releases the descriptor. Closing a closed handle is a no-op.
func (f *FD) Close() error {
	if f.fd == -1 {
		return nil
	}
	fd := f.fd
	f.fd = -1
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close volume: %w", err)
	}
	return nil
}
