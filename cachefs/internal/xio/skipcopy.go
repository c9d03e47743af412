package xio

import "fmt"

// SkipCopy copies a data stream of allLen bytes from a source cursor into
// destination buffers while skipping the first skipBeg and the last skipEnd
// bytes of the stream. It is resumable: the source may arrive in arbitrary
// chunks across multiple Step calls.
type SkipCopy struct {
	currOffs uint64
	allLen   uint64
	dataBeg  uint64
	dataEnd  uint64
}

// SkipCopyBytes reports the per-step outcome.
type SkipCopyBytes struct {
	Skipped uint64
	Copied  uint64
}

// NewSkipCopy creates a cursor over a stream of allLen bytes, resuming at
// currOffs, with skipBeg bytes dropped from the front and skipEnd bytes
// dropped from the back.
func NewSkipCopy(allLen, currOffs, skipBeg, skipEnd uint64) (*SkipCopy, error) {
	if currOffs > allLen {
		return nil, fmt.Errorf("skip copy: offset %d is past the data length %d", currOffs, allLen)
	}
	if skipBeg+skipEnd > allLen {
		return nil, fmt.Errorf("skip copy: skipped part %d+%d is bigger than the data length %d",
			skipBeg, skipEnd, allLen)
	}
	return &SkipCopy{
		currOffs: currOffs,
		allLen:   allLen,
		dataBeg:  skipBeg,
		dataEnd:  skipEnd,
	}, nil
}

// Step consumes from the source, skipping and copying as dictated by the
// current position. The to buffer bounds how much data is copied per call.
func (s *SkipCopy) Step(from *ReadBuffers, to []byte) SkipCopyBytes {
	var ret SkipCopyBytes

	dataBeg := s.dataBeg
	dataEnd := s.allLen - s.dataEnd

	if s.currOffs < dataBeg {
		// Skipping from an exhausted source is safe and skips nothing.
		skip := from.SkipRead(dataBeg - s.currOffs)
		s.currOffs += skip
		ret.Skipped += skip
	}

	if s.currOffs >= dataBeg && s.currOffs < dataEnd {
		toRead := min(dataEnd-s.currOffs, uint64(len(to)))
		read := from.Read(to[:toRead])
		s.currOffs += read
		ret.Copied += read
	}

	if s.currOffs >= dataEnd && s.currOffs < s.allLen {
		skip := from.SkipRead(s.allLen - s.currOffs)
		s.currOffs += skip
		ret.Skipped += skip
	}

	return ret
}

// Done reports whether the whole stream has been consumed.
func (s *SkipCopy) Done() bool { return s.currOffs == s.allLen }

// AllDataLen returns the full stream length.
func (s *SkipCopy) AllDataLen() uint64 { return s.allLen }

// CurrOffs returns the current position inside the stream.
func (s *SkipCopy) CurrOffs() uint64 { return s.currOffs }
