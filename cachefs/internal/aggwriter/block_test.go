package aggwriter

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vcache-platform/vcache/cachefs/internal/fsmeta"
	"github.com/vcache-platform/vcache/cachefs/internal/layout"
)

func genKey(s string) fsmeta.Key {
	var k fsmeta.Key
	copy(k[:], s)
	return k
}

func Test_FragHdrRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 1000)
	in := FragHdr{
		Key:        genKey("aaa"),
		Rng:        fsmeta.Range{Beg: 20 << 10, Len: 1000},
		PayloadLen: 1000,
		PayloadCRC: PayloadCRC(payload),
	}

	buf := make([]byte, FragHdrSize)
	EncodeFragHdr(buf, in)
	out, err := DecodeFragHdr(buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func Test_FragHdrRejectsCorruption(t *testing.T) {
	buf := make([]byte, FragHdrSize)
	EncodeFragHdr(buf, FragHdr{Key: genKey("aaa"), Rng: fsmeta.Range{Beg: 0, Len: 10}})

	for _, idx := range []int{0, 10, 30, 57} {
		corrupted := append([]byte(nil), buf...)
		corrupted[idx] ^= 0xFF
		_, err := DecodeFragHdr(corrupted)
		assert.Error(t, err, "corruption at byte %d must be detected", idx)
	}
}

func Test_ObjectFragDiskSize(t *testing.T) {
	assert.Equal(t, uint64(512), ObjectFragDiskSize(1))
	assert.Equal(t, uint64(512), ObjectFragDiskSize(512-FragHdrSize))
	assert.Equal(t, uint64(1024), ObjectFragDiskSize(512-FragHdrSize+1))
}

func Test_WriteBlockStageAndRead(t *testing.T) {
	blk := NewWriteBlock()
	key := genKey("aaa")
	payload := bytes.Repeat([]byte{0xCD}, 20<<10)
	rng := fsmeta.Range{Beg: 0, Len: uint64(len(payload))}

	require.True(t, blk.HasRoom(uint64(len(payload))))
	offs := blk.AddFragment(key, rng, payload)
	assert.Equal(t, uint32(layout.AggWriteMetaSize), offs)
	assert.False(t, blk.Empty())

	dst := make([]byte, 1024)
	require.True(t, blk.ReadStaged(key, rng, dst, 512))
	assert.Equal(t, payload[512:512+1024], dst)

	// Unknown key and range are refused.
	assert.False(t, blk.ReadStaged(genKey("bbb"), rng, dst, 0))
	assert.False(t, blk.ReadStaged(key, fsmeta.Range{Beg: 1, Len: 10}, dst, 0))
	// Reads past the payload are refused.
	assert.False(t, blk.ReadStaged(key, rng, make([]byte, 1), uint64(len(payload))))
}

func Test_WriteBlockOverlapsStaged(t *testing.T) {
	blk := NewWriteBlock()
	key := genKey("aaa")
	payload := bytes.Repeat([]byte{1}, 1<<10)

	blk.AddFragment(key, fsmeta.Range{Beg: 0, Len: 1 << 10}, payload)

	assert.True(t, blk.OverlapsStaged(key, fsmeta.Range{Beg: 512, Len: 1 << 10}))
	assert.False(t, blk.OverlapsStaged(key, fsmeta.Range{Beg: 1 << 10, Len: 1 << 10}))
	assert.False(t, blk.OverlapsStaged(genKey("bbb"), fsmeta.Range{Beg: 0, Len: 1 << 10}))
}

func Test_WriteBlockRoomAccounting(t *testing.T) {
	blk := NewWriteBlock()
	key := genKey("aaa")

	// Fill with maximal fragments until the payload area is exhausted.
	const payloadLen = layout.ObjectFragMaxDataSize
	payload := make([]byte, payloadLen)
	var staged int
	for offs := uint64(0); blk.HasRoom(payloadLen); offs += payloadLen {
		blk.AddFragment(key, fsmeta.Range{Beg: offs, Len: payloadLen}, payload)
		staged++
	}
	wantFit := (layout.AggWriteBlockSize - layout.AggWriteMetaSize) /
		int(ObjectFragDiskSize(payloadLen))
	assert.Equal(t, wantFit, staged)

	// Small leftovers may still fit.
	assert.True(t, blk.HasRoom(1))
}

func Test_WriteBlockEntryTableLimit(t *testing.T) {
	blk := NewWriteBlock()
	key := genKey("aaa")
	payload := make([]byte, 1)

	for i := 0; i < MaxBlockEntries; i++ {
		require.True(t, blk.HasRoom(1))
		blk.AddFragment(key, fsmeta.Range{Beg: uint64(i) << 10, Len: 1}, payload)
	}
	// The descriptor table is full although payload space remains.
	assert.False(t, blk.HasRoom(1))
}

func Test_WriteBlockHeaderRoundTrip(t *testing.T) {
	blk := NewWriteBlock()
	key1, key2 := genKey("aaa"), genKey("bbb")
	p1 := bytes.Repeat([]byte{1}, 20<<10)
	p2 := bytes.Repeat([]byte{2}, 8<<10)

	blk.AddFragment(key1, fsmeta.Range{Beg: 0, Len: uint64(len(p1))}, p1)
	blk.AddFragment(key2, fsmeta.Range{Beg: 40 << 10, Len: uint64(len(p2))}, p2)

	img := blk.EndDiskWrite()
	require.Len(t, img, layout.AggWriteBlockSize)

	entries, err := ParseBlockHeader(img[:layout.AggWriteMetaSize])
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, blk.Entries(), entries)

	// The flushed image is self-describing: each entry locates a valid
	// fragment.
	for _, e := range entries {
		hdr, err := DecodeFragHdr(img[e.OffsInBlock:])
		require.NoError(t, err)
		assert.Equal(t, e.Key, hdr.Key)
		assert.Equal(t, e.Rng, hdr.Rng)
		payload := img[e.OffsInBlock+FragHdrSize : uint64(e.OffsInBlock)+FragHdrSize+uint64(e.PayloadLen)]
		assert.Equal(t, e.PayloadCRC, PayloadCRC(payload))
	}
}

func Test_ParseBlockHeaderRejectsGarbage(t *testing.T) {
	garbage := make([]byte, layout.AggWriteMetaSize)
	for i := range garbage {
		garbage[i] = byte(i)
	}
	_, err := ParseBlockHeader(garbage)
	assert.Error(t, err)

	_, err = ParseBlockHeader(make([]byte, 8))
	assert.Error(t, err)
}

func Test_WriteBlockReset(t *testing.T) {
	blk := NewWriteBlock()
	key := genKey("aaa")
	blk.AddFragment(key, fsmeta.Range{Beg: 0, Len: 512}, make([]byte, 512))
	require.False(t, blk.Empty())

	blk.Reset()
	assert.True(t, blk.Empty())
	assert.Equal(t, uint32(layout.AggWriteMetaSize), blk.NextOffs())
	assert.False(t, blk.ReadStaged(key, fsmeta.Range{Beg: 0, Len: 512}, make([]byte, 1), 0))
}
