package cachefs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vcache-platform/vcache/cachefs/internal/aggwriter"
	"github.com/vcache-platform/vcache/cachefs/internal/fsmeta"
	"github.com/vcache-platform/vcache/cachefs/internal/layout"
	"github.com/vcache-platform/vcache/cachefs/internal/volume"
)

// stageFrag pushes one complete fragment through the aggregate writer the
// way a write handle does.
func (f *opsFixture) stageFrag(key string, rng fsmeta.Range, fill byte) {
	f.t.Helper()
	wt, err := f.fsops.FsmdBeginWrite(objKey(key, rng.Beg, rng.Len), false)
	require.NoError(f.t, err)

	fb := aggwriter.NewFragBuff(rng.Len)
	copy(fb.Buff(), bytes.Repeat([]byte{fill}, int(rng.Len)))
	fb.Commit(rng.Len)
	require.True(f.t, f.aggw.WriteFrag(fb, &wt))
	require.True(f.t, wt.Finished())
}

func (f *opsFixture) elemOf(key string, rng fsmeta.Range) (fsmeta.RangeElem, bool) {
	f.t.Helper()
	var out fsmeta.RangeElem
	found := false
	f.meta.ReadTableEntries(genKey(key), func(rv *fsmeta.RangeVector) {
		if e := rv.FindExactRange(rng); e != nil {
			out = *e
			found = true
		}
	})
	return out, found
}

// Test_ReaderBlocksEviction drives the write head one full lap around a
// small data region while a reader pins a fragment in the first window.
// The flush that would overwrite it must evacuate it instead.
func Test_ReaderBlocksEviction(t *testing.T) {
	f := newOpsFixture(t)
	fRng := fsmeta.Range{Beg: 0, Len: 20 * kb}

	// Block 0: a filler first, then the pinned fragment, so its offset
	// visibly changes after the evacuation.
	f.stageFrag("fill0", fsmeta.Range{Beg: 0, Len: 20 * kb}, 0x01)
	f.stageFrag("target", fRng, 0xAB)
	f.aggw.Exec() // flush block 0

	origElem, found := f.elemOf("target", fRng)
	require.True(t, found)
	require.False(t, origElem.InMemory())
	origOffs := origElem.DiskOffset()

	// Pin the fragment with a read transaction.
	rtrans, ok := f.fsops.FsmdBeginRead(objKey("target", fRng.Beg, fRng.Len))
	require.True(t, ok)

	// Drive the head through the remaining three blocks of the region.
	// The last flush wraps the head back to block 0 and scans it.
	for i, name := range []string{"fill1", "fill2", "fill3"} {
		f.stageFrag(name, fsmeta.Range{Beg: 0, Len: 20 * kb}, byte(2+i))
		f.aggw.Exec()
	}

	require.Equal(t, uint64(opsDataOffs), f.aggw.WritePos())
	require.Equal(t, uint32(1), f.aggw.WriteLap())

	// The pinned fragment survived by moving: it is re-staged in the
	// current aggregate block at a new disk offset.
	evacElem, found := f.elemOf("target", fRng)
	require.True(t, found)
	assert.True(t, evacElem.InMemory())
	assert.NotEqual(t, origOffs, evacElem.DiskOffset())
	assert.Equal(t, uint32(1), evacElem.CntReaders())

	// The unpinned filler of block 0 was dropped from the index.
	_, found = f.elemOf("fill0", fsmeta.Range{Beg: 0, Len: 20 * kb})
	assert.False(t, found)

	// The staged copy is readable from the aggregate block.
	dst := make([]byte, fRng.Len)
	require.True(t, f.fsops.AggwReadStaged(genKey("target"), fRng, dst, 0))
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, int(fRng.Len)), dst)

	// The next flush writes the evacuated copy; afterwards the bytes at
	// the new location are the fragment's, durable on disk.
	f.stageFrag("fill4", fsmeta.Range{Beg: 0, Len: 20 * kb}, 0x07)
	f.aggw.Exec()

	finalElem, found := f.elemOf("target", fRng)
	require.True(t, found)
	require.False(t, finalElem.InMemory())

	buf := volume.AllocAligned(aggwriter.ObjectFragDiskSize(fRng.Len))
	require.NoError(t, f.fd.Read(buf, layout.BlocksToBytes(finalElem.DiskOffset())))
	hdr, err := aggwriter.DecodeFragHdr(buf)
	require.NoError(t, err)
	assert.Equal(t, genKey("target"), hdr.Key)
	assert.Equal(t, fRng, hdr.Rng)
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, int(fRng.Len)),
		buf[aggwriter.FragHdrSize:aggwriter.FragHdrSize+fRng.Len])

	f.fsops.FsmdEndRead(&rtrans)
}

// Test_EvictionDropsUnpinnedFragments checks the complementary case: with
// no readers anywhere, a full lap simply forgets the overwritten content.
func Test_EvictionDropsUnpinnedFragments(t *testing.T) {
	f := newOpsFixture(t)

	f.stageFrag("obj0", fsmeta.Range{Beg: 0, Len: 20 * kb}, 0x01)
	f.aggw.Exec()
	for i, name := range []string{"obj1", "obj2", "obj3"} {
		f.stageFrag(name, fsmeta.Range{Beg: 0, Len: 20 * kb}, byte(2+i))
		f.aggw.Exec()
	}

	// The head wrapped; the scan of block 0 dropped obj0.
	require.Equal(t, uint32(1), f.aggw.WriteLap())
	_, found := f.elemOf("obj0", fsmeta.Range{Beg: 0, Len: 20 * kb})
	assert.False(t, found)

	// The survivors are intact.
	for _, name := range []string{"obj1", "obj2", "obj3"} {
		_, found := f.elemOf(name, fsmeta.Range{Beg: 0, Len: 20 * kb})
		assert.True(t, found, name)
	}
}
