package xio

// WriteBuffers is a filling cursor over a gather list of byte spans. The
// read path uses it to deliver fragment data into the user-supplied buffers
// of an async read.
type WriteBuffers struct {
	bufs [][]byte
	// Index of the buffer to resume writing to.
	currIdx int
	// Offset inside the current buffer.
	currOffs int
	// Total bytes written so far.
	bytesWritten uint64
}

// NewWriteBuffers wraps the given gather list. The spans are filled in
// order; they are not copied.
func NewWriteBuffers(bufs ...[]byte) WriteBuffers {
	return WriteBuffers{bufs: bufs}
}

// Write copies bytes from p into the remaining buffer space and returns the
// number copied.
func (w *WriteBuffers) Write(p []byte) uint64 {
	var n int
	for n < len(p) && w.currIdx < len(w.bufs) {
		dst := w.bufs[w.currIdx][w.currOffs:]
		c := copy(dst, p[n:])
		n += c
		w.currOffs += c
		if w.currOffs == len(w.bufs[w.currIdx]) {
			w.currIdx++
			w.currOffs = 0
		}
	}
	w.bytesWritten += uint64(n)
	return uint64(n)
}

// AllWritten reports whether every span has been completely filled.
func (w *WriteBuffers) AllWritten() bool {
	for i := w.currIdx; i < len(w.bufs); i++ {
		avail := len(w.bufs[i])
		if i == w.currIdx {
			avail -= w.currOffs
		}
		if avail > 0 {
			return false
		}
	}
	return true
}

// BytesWritten returns the total number of delivered bytes.
func (w *WriteBuffers) BytesWritten() uint64 { return w.bytesWritten }

// Remaining returns the number of bytes still needed to fill all spans.
func (w *WriteBuffers) Remaining() uint64 {
	var n uint64
	for i := w.currIdx; i < len(w.bufs); i++ {
		avail := len(w.bufs[i])
		if i == w.currIdx {
			avail -= w.currOffs
		}
		n += uint64(avail)
	}
	return n
}

// Empty reports whether the cursor holds no buffers at all.
func (w *WriteBuffers) Empty() bool { return len(w.bufs) == 0 }
