package aggwriter

import (
	"encoding/binary"
	"fmt"
	"hash/crc64"

	"github.com/vcache-platform/vcache/cachefs/internal/fsmeta"
	"github.com/vcache-platform/vcache/cachefs/internal/layout"
)

// FragHdrSize is the on-disk size of the header placed before every
// fragment payload.
const FragHdrSize = 64

const (
	fragHdrMagic   = uint32(0x47524656) // "VFRG"
	fragHdrVersion = uint16(1)
)

var crcTable = crc64.MakeTable(crc64.ECMA)

// FragHdr describes one stored fragment. The back-link to the owning object
// (key + logical range) makes a fragment self-describing for recovery.
type FragHdr struct {
	Key        fsmeta.Key
	Rng        fsmeta.Range
	PayloadLen uint32
	PayloadCRC uint64
}

// ObjectFragDiskSize returns the on-disk footprint of a fragment with a
// payload of the given length: header plus payload, block aligned.
func ObjectFragDiskSize(payloadLen uint64) uint64 {
	return layout.RoundUpStoreBlocks(FragHdrSize + payloadLen)
}

// EncodeFragHdr serializes the header into dst, which must hold at least
// FragHdrSize bytes.
func EncodeFragHdr(dst []byte, h FragHdr) {
	_ = dst[:FragHdrSize]
	for i := range dst[:FragHdrSize] {
		dst[i] = 0
	}
	binary.LittleEndian.PutUint32(dst[0:], fragHdrMagic)
	binary.LittleEndian.PutUint16(dst[4:], fragHdrVersion)
	copy(dst[8:], h.Key[:])
	binary.LittleEndian.PutUint64(dst[24:], h.Rng.Beg)
	binary.LittleEndian.PutUint64(dst[32:], h.Rng.Len)
	binary.LittleEndian.PutUint32(dst[40:], h.PayloadLen)
	binary.LittleEndian.PutUint64(dst[48:], h.PayloadCRC)
	binary.LittleEndian.PutUint64(dst[56:], crc64.Checksum(dst[:56], crcTable))
}

// DecodeFragHdr parses and validates a fragment header.
func DecodeFragHdr(src []byte) (FragHdr, error) {
	var h FragHdr
	if len(src) < FragHdrSize {
		return h, fmt.Errorf("fragment header too short: %d bytes", len(src))
	}
	if got := binary.LittleEndian.Uint32(src[0:]); got != fragHdrMagic {
		return h, fmt.Errorf("invalid fragment header magic %#x", got)
	}
	if got := binary.LittleEndian.Uint16(src[4:]); got != fragHdrVersion {
		return h, fmt.Errorf("unsupported fragment header version %d", got)
	}
	if got, want := binary.LittleEndian.Uint64(src[56:]), crc64.Checksum(src[:56], crcTable); got != want {
		return h, fmt.Errorf("fragment header checksum mismatch: got %#x, want %#x", got, want)
	}
	copy(h.Key[:], src[8:24])
	h.Rng.Beg = binary.LittleEndian.Uint64(src[24:])
	h.Rng.Len = binary.LittleEndian.Uint64(src[32:])
	h.PayloadLen = binary.LittleEndian.Uint32(src[40:])
	h.PayloadCRC = binary.LittleEndian.Uint64(src[48:])
	return h, nil
}

// PayloadCRC computes the payload checksum stored in fragment headers and
// aggregate block entries.
func PayloadCRC(payload []byte) uint64 {
	return crc64.Checksum(payload, crcTable)
}
