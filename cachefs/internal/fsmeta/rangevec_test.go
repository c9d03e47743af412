package fsmeta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kb = 1024

func elem(offs, size, diskOffs uint64) RangeElem {
	return NewRangeElem(offs, size, diskOffs)
}

func Test_RangeVectorInlineSingleElement(t *testing.T) {
	rv := NewRangeVector(elem(0, 20*kb, 32))

	assert.Equal(t, 1, rv.Size())
	assert.True(t, rv.Inline())
	assert.Equal(t, uint64(0), rv.At(0).RngOffset())
}

func Test_RangeVectorAddKeepsOrder(t *testing.T) {
	rv := NewRangeVector(elem(40*kb, 20*kb, 96))
	require.True(t, rv.AddRange(elem(0, 20*kb, 32)))
	require.True(t, rv.AddRange(elem(20*kb, 20*kb, 64)))

	assert.Equal(t, 3, rv.Size())
	assert.False(t, rv.Inline())
	offsets := []uint64{}
	for i := 0; i < rv.Size(); i++ {
		offsets = append(offsets, rv.At(i).RngOffset())
	}
	assert.Equal(t, []uint64{0, 20 * kb, 40 * kb}, offsets)
}

func Test_RangeVectorAddRejectsOverlap(t *testing.T) {
	rv := NewRangeVector(elem(0, 20*kb, 32))
	assert.False(t, rv.AddRange(elem(10*kb, 20*kb, 64)))
	assert.Equal(t, 1, rv.Size())
}

func Test_RangeVectorFindInRange(t *testing.T) {
	rv := NewRangeVector(elem(0, 20*kb, 32))
	require.True(t, rv.AddRange(elem(20*kb, 20*kb, 64)))
	require.True(t, rv.AddRange(elem(50*kb, 20*kb, 96)))

	beg, end := rv.FindInRange(Range{Beg: 10 * kb, Len: 20 * kb})
	assert.Equal(t, 0, beg)
	assert.Equal(t, 2, end)

	beg, end = rv.FindInRange(Range{Beg: 40 * kb, Len: 10 * kb})
	assert.Equal(t, beg, end) // the gap holds nothing

	beg, end = rv.FindInRange(Range{Beg: 100 * kb, Len: 10 * kb})
	assert.Equal(t, beg, end)
}

func Test_RangeVectorFindExactRange(t *testing.T) {
	rv := NewRangeVector(elem(0, 20*kb, 32))
	require.True(t, rv.AddRange(elem(20*kb, 20*kb, 64)))

	e := rv.FindExactRange(Range{Beg: 20 * kb, Len: 20 * kb})
	require.NotNil(t, e)
	assert.Equal(t, uint64(64), e.DiskOffset())

	assert.Nil(t, rv.FindExactRange(Range{Beg: 20 * kb, Len: 10 * kb}))
	assert.Nil(t, rv.FindExactRange(Range{Beg: 5 * kb, Len: 20 * kb}))
}

func Test_RangeVectorFindFullRange(t *testing.T) {
	rv := NewRangeVector(elem(0, 20*kb, 32))
	require.True(t, rv.AddRange(elem(20*kb, 20*kb, 64)))
	require.True(t, rv.AddRange(elem(40*kb, 20*kb, 96)))

	elems := rv.FindFullRange(Range{Beg: 10 * kb, Len: 32 * kb})
	require.Len(t, elems, 3)
	assert.Equal(t, uint64(0), elems[0].RngOffset())

	// Exactly one element.
	elems = rv.FindFullRange(Range{Beg: 20 * kb, Len: 20 * kb})
	require.Len(t, elems, 1)
	assert.Equal(t, uint64(20*kb), elems[0].RngOffset())

	// Runs past the cached data.
	assert.Nil(t, rv.FindFullRange(Range{Beg: 50 * kb, Len: 20 * kb}))
	// Starts before the cached data.
	rv2 := NewRangeVector(elem(10*kb, 10*kb, 32))
	assert.Nil(t, rv2.FindFullRange(Range{Beg: 0, Len: 10 * kb}))
}

func Test_RangeVectorFindFullRangeGap(t *testing.T) {
	rv := NewRangeVector(elem(0, 20*kb, 32))
	require.True(t, rv.AddRange(elem(20*kb, 20*kb, 64)))
	require.True(t, rv.AddRange(elem(50*kb, 20*kb, 96)))

	assert.Nil(t, rv.FindFullRange(Range{Beg: 30 * kb, Len: 32 * kb}))
}

func Test_RangeVectorRemRange(t *testing.T) {
	rv := NewRangeVector(elem(0, 20*kb, 32))
	require.True(t, rv.AddRange(elem(20*kb, 20*kb, 64)))
	require.True(t, rv.AddRange(elem(40*kb, 20*kb, 96)))

	rv.RemRange(0, 2)
	require.Equal(t, 1, rv.Size())
	assert.True(t, rv.Inline()) // falls back to the inline slot
	assert.Equal(t, uint64(40*kb), rv.At(0).RngOffset())

	rv.RemRange(0, 1)
	assert.True(t, rv.Empty())
}

func Test_RangeVectorRemoveIf(t *testing.T) {
	rv := NewRangeVector(elem(0, 20*kb, 32))
	require.True(t, rv.AddRange(elem(20*kb, 30*kb, 64)))
	require.True(t, rv.AddRange(elem(50*kb, 20*kb, 96)))

	cnt, size := rv.RemoveIf(func(e *RangeElem) bool {
		return e.RngOffset() == 20*kb
	})
	assert.Equal(t, uint32(1), cnt)
	assert.Equal(t, uint64(30*kb), size)
	assert.Equal(t, 2, rv.Size())
}

func Test_RangeElemReaderCounter(t *testing.T) {
	e := elem(0, kb, 0)
	assert.Equal(t, uint32(0), e.CntReaders())

	for i := 0; i < MaxCntReaders; i++ {
		require.True(t, e.IncReaders())
	}
	// Saturated: the counter refuses further readers.
	assert.False(t, e.IncReaders())
	assert.Equal(t, uint32(MaxCntReaders), e.CntReaders())

	e.DecReaders()
	assert.Equal(t, uint32(MaxCntReaders-1), e.CntReaders())
	assert.True(t, e.IncReaders())
}

func Test_RangeElemMetaBits(t *testing.T) {
	e := elem(0, kb, 0)
	assert.False(t, e.InMemory())

	e.SetInMemory()
	e.SetEvacVisited()
	require.True(t, e.IncReaders())
	assert.True(t, e.InMemory())
	assert.True(t, e.EvacVisited())

	e.ClearInMemory()
	assert.False(t, e.InMemory())
	assert.True(t, e.EvacVisited())
	assert.Equal(t, uint32(1), e.CntReaders())

	e.ResetMeta()
	assert.False(t, e.EvacVisited())
	assert.Equal(t, uint32(0), e.CntReaders())
}

func Test_RangeVectorSaveLoadRoundTrip(t *testing.T) {
	rv := NewRangeVector(elem(0, 20*kb, 32))
	require.True(t, rv.AddRange(elem(20*kb, 20*kb, 64)))
	require.True(t, rv.AddRange(elem(40*kb, 20*kb, 96)))

	buf := make([]byte, 4+3*RangeElemSize)
	w := newTestWriter(t, buf)
	rv.save(w)
	require.NoError(t, w.Err())

	var rv2 RangeVector
	require.NoError(t, rv2.load(newTestReader(buf)))
	require.Equal(t, rv.Size(), rv2.Size())
	for i := 0; i < rv.Size(); i++ {
		assert.True(t, rv.At(i).SameRange(rv2.At(i)))
		assert.Equal(t, rv.At(i).DiskOffset(), rv2.At(i).DiskOffset())
	}
}

func Test_RangeVectorLoadRejectsUnordered(t *testing.T) {
	buf := make([]byte, 4+2*RangeElemSize)
	w := newTestWriter(t, buf)
	w.WriteU32(2)
	elem1 := elem(20*kb, 20*kb, 64)
	elem1.save(w)
	elem2 := elem(0, 20*kb, 32)
	elem2.save(w)
	require.NoError(t, w.Err())

	var rv RangeVector
	assert.Error(t, rv.load(newTestReader(buf)))
}
