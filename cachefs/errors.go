package cachefs

import (
	"errors"

	"github.com/vcache-platform/vcache/cachefs/internal/volume"
)

// Error taxonomy surfaced on handles and open callbacks.
var (
	// ErrOperationAborted completes an in-flight operation whose handle
	// was closed.
	ErrOperationAborted = errors.New("operation aborted")
	// ErrServiceStopped completes operations after the volume's AIO
	// service stopped.
	ErrServiceStopped = errors.New("service stopped")
	// ErrEOF is returned when a read runs past the end of the data.
	ErrEOF = volume.ErrEOF
	// ErrNullWrite is returned when the OS accepts a zero-byte write.
	ErrNullWrite = volume.ErrNullWrite
	// ErrIO covers failed positioned reads and writes, including
	// fragments that fail validation after a read.
	ErrIO = errors.New("i/o error")
	// ErrUnexpectedData is returned when the client supplies more bytes
	// than the declared range.
	ErrUnexpectedData = errors.New("unexpected data past the declared range")
	// ErrNotPresent is returned by open-read when the requested range is
	// not fully cached.
	ErrNotPresent = errors.New("object range not present")
	// ErrLimitReached is returned by open-write when the fragment index
	// budget refuses a new entry.
	ErrLimitReached = errors.New("fragment index budget exhausted")
	// ErrInvalidRange is returned for requests with a zero-length range.
	ErrInvalidRange = errors.New("invalid object range")
	// ErrDataPinned is returned by open-write with truncation when
	// existing ranges are held by active readers.
	ErrDataPinned = errors.New("object data pinned by readers")
)
