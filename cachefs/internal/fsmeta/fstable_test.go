package fsmeta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testDiskSpace  = 1 << 30
	testMinObjSize = 16 * kb
)

func overwriteDontCall(t *testing.T) OverwriteCond {
	return func([]RangeElem, *RangeElem) bool {
		require.FailNow(t, "the overwrite policy must not be called")
		return true
	}
}

func Test_TableAddAndRead(t *testing.T) {
	tbl := NewTable(testDiskSpace, testMinObjSize)
	key := genKey("aaa")

	require.Equal(t, Added, tbl.Add(key, elem(0, 20*kb, 32), overwriteDontCall(t)))
	require.Equal(t, Added, tbl.Add(key, elem(20*kb, 20*kb, 64), overwriteDontCall(t)))

	found := tbl.Read(key, func(rv *RangeVector) {
		assert.Equal(t, 2, rv.Size())
	})
	assert.True(t, found)
	assert.False(t, tbl.Read(genKey("bbb"), func(*RangeVector) {}))

	assert.Equal(t, uint64(1), tbl.CntNodes())
	assert.Equal(t, uint64(2), tbl.CntEntries())
	assert.Equal(t, uint64(40*kb), tbl.EntriesDataSize())
}

func Test_TableAddOverwrites(t *testing.T) {
	tbl := NewTable(testDiskSpace, testMinObjSize)
	key := genKey("aaa")

	require.Equal(t, Added, tbl.Add(key, elem(0, 20*kb, 32), overwriteDontCall(t)))
	require.Equal(t, Added, tbl.Add(key, elem(20*kb, 20*kb, 64), overwriteDontCall(t)))

	// One new range replacing both existing ones.
	res := tbl.Add(key, elem(10*kb, 20*kb, 96), AlwaysOverwrite)
	assert.Equal(t, Overwrote, res)

	tbl.Read(key, func(rv *RangeVector) {
		require.Equal(t, 1, rv.Size())
		assert.Equal(t, uint64(10*kb), rv.At(0).RngOffset())
		assert.Equal(t, uint64(96), rv.At(0).DiskOffset())
	})
	assert.Equal(t, uint64(1), tbl.CntEntries())
	assert.Equal(t, uint64(20*kb), tbl.EntriesDataSize())
}

func Test_TableAddSkipped(t *testing.T) {
	tbl := NewTable(testDiskSpace, testMinObjSize)
	key := genKey("aaa")

	require.Equal(t, Added, tbl.Add(key, elem(0, 20*kb, 32), overwriteDontCall(t)))
	res := tbl.Add(key, elem(10*kb, 20*kb, 64), NeverOverwrite)
	assert.Equal(t, Skipped, res)

	tbl.Read(key, func(rv *RangeVector) {
		require.Equal(t, 1, rv.Size())
		assert.Equal(t, uint64(0), rv.At(0).RngOffset())
	})
}

func Test_TableInlineRangesNotCounted(t *testing.T) {
	tbl := NewTable(testDiskSpace, testMinObjSize)
	key := genKey("aaa")

	// A single (inline) element is charged via the node slot only.
	require.Equal(t, Added, tbl.Add(key, elem(0, 20*kb, 32), overwriteDontCall(t)))
	assert.Equal(t, uint64(0), tbl.CntRanges())

	// The 1 -> 2 crossing counts both elements.
	require.Equal(t, Added, tbl.Add(key, elem(20*kb, 20*kb, 64), overwriteDontCall(t)))
	assert.Equal(t, uint64(2), tbl.CntRanges())

	require.Equal(t, Added, tbl.Add(key, elem(40*kb, 20*kb, 96), overwriteDontCall(t)))
	assert.Equal(t, uint64(3), tbl.CntRanges())

	// Removing back down to one element uncounts the survivor too.
	cnt, ok := tbl.Rem(key, func(rv *RangeVector) uint64 {
		_, size := rv.RemoveIf(func(e *RangeElem) bool { return e.RngOffset() < 40*kb })
		return size
	})
	require.True(t, ok)
	assert.Equal(t, uint32(2), cnt)
	assert.Equal(t, uint64(0), tbl.CntRanges())
	assert.Equal(t, uint64(1), tbl.CntNodes())
}

func Test_TableRemLastElementDropsKey(t *testing.T) {
	tbl := NewTable(testDiskSpace, testMinObjSize)
	key := genKey("aaa")
	require.Equal(t, Added, tbl.Add(key, elem(0, 20*kb, 32), overwriteDontCall(t)))

	cnt, ok := tbl.Rem(key, func(rv *RangeVector) uint64 {
		_, size := rv.RemoveIf(func(*RangeElem) bool { return true })
		return size
	})
	require.True(t, ok)
	assert.Equal(t, uint32(1), cnt)
	// Empty vectors are never retained.
	assert.False(t, tbl.Read(key, func(*RangeVector) {}))
	assert.Equal(t, uint64(0), tbl.CntNodes())
	assert.Equal(t, uint64(0), tbl.CntEntries())
}

func Test_TableLimitReached(t *testing.T) {
	// A budget of exactly two node slots.
	tbl := NewTable(2*testMinObjSize, testMinObjSize)

	require.Equal(t, Added, tbl.Add(genKey("aaa"), elem(0, kb, 0), overwriteDontCall(t)))
	require.Equal(t, Added, tbl.Add(genKey("bbb"), elem(0, kb, 0), overwriteDontCall(t)))
	assert.True(t, tbl.LimitReached())
	assert.Equal(t, LimitReached,
		tbl.Add(genKey("ccc"), elem(0, kb, 0), overwriteDontCall(t)))
}

func Test_TableSaveLoadRoundTrip(t *testing.T) {
	tbl := NewTable(testDiskSpace, testMinObjSize)
	key1, key2 := genKey("aaa"), genKey("bbb")

	require.Equal(t, Added, tbl.Add(key1, elem(0, 20*kb, 32), overwriteDontCall(t)))
	require.Equal(t, Added, tbl.Add(key1, elem(20*kb, 20*kb, 64), overwriteDontCall(t)))
	require.Equal(t, Added, tbl.Add(key2, elem(0, 20*kb, 96), overwriteDontCall(t)))

	buf := make([]byte, tbl.SizeOnDisk())
	w := newTestWriter(t, buf)
	tbl.Save(w)
	require.NoError(t, w.Err())

	tbl2 := NewTable(testDiskSpace, testMinObjSize)
	ok, err := tbl2.Load(newTestReader(buf))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, tbl.CntNodes(), tbl2.CntNodes())
	assert.Equal(t, tbl.CntEntries(), tbl2.CntEntries())
	assert.Equal(t, tbl.CntRanges(), tbl2.CntRanges())
	assert.Equal(t, tbl.EntriesDataSize(), tbl2.EntriesDataSize())
	tbl2.Read(key1, func(rv *RangeVector) {
		require.Equal(t, 2, rv.Size())
		assert.Equal(t, uint64(32), rv.At(0).DiskOffset())
	})
}

func Test_TableLoadDiscardsInMemoryElements(t *testing.T) {
	tbl := NewTable(testDiskSpace, testMinObjSize)
	key := genKey("aaa")

	e1 := elem(0, 20*kb, 32)
	e2 := elem(20*kb, 20*kb, 64)
	e2.SetInMemory() // staged but never flushed
	e3 := elem(40*kb, 20*kb, 96)
	e3.SetEvacVisited()
	require.True(t, e3.IncReaders())
	require.Equal(t, Added, tbl.Add(key, e1, overwriteDontCall(t)))
	require.Equal(t, Added, tbl.Add(key, e2, overwriteDontCall(t)))
	require.Equal(t, Added, tbl.Add(key, e3, overwriteDontCall(t)))

	buf := make([]byte, tbl.SizeOnDisk())
	w := newTestWriter(t, buf)
	tbl.Save(w)
	require.NoError(t, w.Err())

	tbl2 := NewTable(testDiskSpace, testMinObjSize)
	ok, err := tbl2.Load(newTestReader(buf))
	require.NoError(t, err)
	require.True(t, ok)

	tbl2.Read(key, func(rv *RangeVector) {
		require.Equal(t, 2, rv.Size())
		for i := 0; i < rv.Size(); i++ {
			e := rv.At(i)
			// All transient bits are stripped on load.
			assert.False(t, e.InMemory())
			assert.False(t, e.EvacVisited())
			assert.Equal(t, uint32(0), e.CntReaders())
			assert.NotEqual(t, uint64(20*kb), e.RngOffset())
		}
	})
	assert.Equal(t, uint64(2), tbl2.CntEntries())
}

func Test_TableLoadRejectsCorruptMagic(t *testing.T) {
	tbl := NewTable(testDiskSpace, testMinObjSize)
	require.Equal(t, Added,
		tbl.Add(genKey("aaa"), elem(0, 20*kb, 32), overwriteDontCall(t)))

	buf := make([]byte, tbl.SizeOnDisk())
	w := newTestWriter(t, buf)
	tbl.Save(w)
	require.NoError(t, w.Err())

	t.Run("header", func(t *testing.T) {
		corrupted := append([]byte(nil), buf...)
		corrupted[0] ^= 0xFF
		tbl2 := NewTable(testDiskSpace, testMinObjSize)
		ok, err := tbl2.Load(newTestReader(corrupted))
		require.NoError(t, err)
		assert.False(t, ok)
	})
	t.Run("footer", func(t *testing.T) {
		corrupted := append([]byte(nil), buf...)
		corrupted[len(corrupted)-1] ^= 0xFF
		tbl2 := NewTable(testDiskSpace, testMinObjSize)
		ok, err := tbl2.Load(newTestReader(corrupted))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func Test_TableSortedDisjointInvariant(t *testing.T) {
	// For every key the elements stay sorted and disjoint,
	// whatever mix of adds and overwrites runs.
	tbl := NewTable(testDiskSpace, testMinObjSize)
	key := genKey("aaa")

	adds := []Range{
		{Beg: 40 * kb, Len: 20 * kb},
		{Beg: 0, Len: 20 * kb},
		{Beg: 20 * kb, Len: 20 * kb},
		{Beg: 10 * kb, Len: 40 * kb}, // overwrites the middle
		{Beg: 5 * kb, Len: 10 * kb},  // overwrites the head
	}
	for _, r := range adds {
		res := tbl.Add(key, elem(r.Beg, r.Len, 0), AlwaysOverwrite)
		require.Contains(t, []AddRes{Added, Overwrote}, res)

		tbl.Read(key, func(rv *RangeVector) {
			var prevEnd uint64
			for i := 0; i < rv.Size(); i++ {
				e := rv.At(i)
				assert.GreaterOrEqual(t, e.RngOffset(), prevEnd)
				prevEnd = e.RngEnd()
			}
		})
	}
}
