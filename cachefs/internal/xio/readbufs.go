package xio

// ReadBuffers is a consuming cursor over a gather list of byte spans. The
// write path uses it to drain the user-supplied buffers of an async write.
type ReadBuffers struct {
	bufs [][]byte
	// Index of the buffer to resume reading from.
	currIdx int
	// Offset inside the current buffer.
	currOffs int
	// Total bytes consumed so far.
	bytesRead uint64
}

// NewReadBuffers wraps the given gather list. The spans are consumed in
// order; they are not copied.
func NewReadBuffers(bufs ...[]byte) ReadBuffers {
	return ReadBuffers{bufs: bufs}
}

// Read copies up to len(p) bytes into p and returns the number copied.
func (r *ReadBuffers) Read(p []byte) uint64 {
	var n int
	for n < len(p) && r.currIdx < len(r.bufs) {
		src := r.bufs[r.currIdx][r.currOffs:]
		c := copy(p[n:], src)
		n += c
		r.currOffs += c
		if r.currOffs == len(r.bufs[r.currIdx]) {
			r.currIdx++
			r.currOffs = 0
		}
	}
	r.bytesRead += uint64(n)
	return uint64(n)
}

// SkipRead discards up to n bytes and returns the number actually skipped.
func (r *ReadBuffers) SkipRead(n uint64) uint64 {
	var skipped uint64
	for skipped < n && r.currIdx < len(r.bufs) {
		avail := uint64(len(r.bufs[r.currIdx]) - r.currOffs)
		c := min(n-skipped, avail)
		skipped += c
		r.currOffs += int(c)
		if r.currOffs == len(r.bufs[r.currIdx]) {
			r.currIdx++
			r.currOffs = 0
		}
	}
	r.bytesRead += skipped
	return skipped
}

// AllRead reports whether every byte of the gather list has been consumed.
func (r *ReadBuffers) AllRead() bool {
	for i := r.currIdx; i < len(r.bufs); i++ {
		avail := len(r.bufs[i])
		if i == r.currIdx {
			avail -= r.currOffs
		}
		if avail > 0 {
			return false
		}
	}
	return true
}

// BytesRead returns the total number of consumed bytes.
func (r *ReadBuffers) BytesRead() uint64 { return r.bytesRead }

// Empty reports whether the cursor holds no buffers at all.
func (r *ReadBuffers) Empty() bool { return len(r.bufs) == 0 }

// TotalLen returns the summed length of all spans.
func (r *ReadBuffers) TotalLen() uint64 {
	var n uint64
	for _, b := range r.bufs {
		n += uint64(len(b))
	}
	return n
}
