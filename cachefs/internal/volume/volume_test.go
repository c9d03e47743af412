package volume

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vcache-platform/vcache/cachefs/internal/layout"
)

func touchVolume(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vol")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func Test_AllocAligned(t *testing.T) {
	for _, size := range []uint64{1, 512, 4096, 1 << 20} {
		buf := AllocAligned(size)
		assert.Len(t, buf, int(size))
	}
}

func Test_FDReadWrite(t *testing.T) {
	path := touchVolume(t, 1<<20)

	fd := NewFD()
	require.NoError(t, fd.Open(path, false))
	defer fd.Close()

	out := AllocAligned(4096)
	copy(out, bytes.Repeat([]byte{0xAB}, 4096))
	require.NoError(t, fd.Write(out, 8192))

	in := AllocAligned(4096)
	require.NoError(t, fd.Read(in, 8192))
	assert.Equal(t, out, in)
}

func Test_FDReadPastEndIsEOF(t *testing.T) {
	path := touchVolume(t, 8192)

	fd := NewFD()
	require.NoError(t, fd.Open(path, false))
	defer fd.Close()

	buf := AllocAligned(4096)
	err := fd.Read(buf, 1<<20)
	assert.ErrorIs(t, err, ErrEOF)
}

func Test_FDTruncate(t *testing.T) {
	path := touchVolume(t, 8192)
	fd := NewFD()
	require.NoError(t, fd.Open(path, false))
	defer fd.Close()

	require.NoError(t, fd.Truncate(1<<20))
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), st.Size())
}

func Test_FDCloseIsIdempotent(t *testing.T) {
	path := touchVolume(t, 8192)
	fd := NewFD()
	require.NoError(t, fd.Open(path, false))
	require.NoError(t, fd.Close())
	require.NoError(t, fd.Close())
}

func Test_LoadCheckInfoRegularFile(t *testing.T) {
	path := touchVolume(t, layout.MinVolumeSize)

	vi, err := LoadCheckInfo(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(layout.MinVolumeSize), vi.Size)
	assert.Equal(t, uint32(layout.StoreBlockSize), vi.HWSectorSize)
	assert.Equal(t, uint32(layout.VolumeSkipBytes), vi.SkipBytes)
}

func Test_LoadCheckInfoTooSmall(t *testing.T) {
	path := touchVolume(t, layout.MinVolumeSize-1)

	_, err := LoadCheckInfo(path)
	assert.ErrorContains(t, err, "too small")
}

func Test_LoadCheckInfoMissing(t *testing.T) {
	_, err := LoadCheckInfo(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func Test_DiskReaderSequential(t *testing.T) {
	path := touchVolume(t, 1<<20)
	want := bytes.Repeat([]byte{0x5A}, 4096)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(want, 8192)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := NewDiskReader(path, 8192, 8192+4096)
	require.NoError(t, err)
	defer r.Close()

	got := make([]byte, 4096)
	require.NoError(t, r.Read(got[:1000]))
	require.NoError(t, r.Read(got[1000:]))
	assert.Equal(t, want, got)

	// Reading past the bounded area fails.
	assert.Error(t, r.Read(make([]byte, 1)))
}

func Test_DiskReaderSetNextOffset(t *testing.T) {
	path := touchVolume(t, 1<<20)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x11}, 100)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x22}, 200)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := NewDiskReader(path, 0, 1024)
	require.NoError(t, err)
	defer r.Close()

	b := make([]byte, 1)
	require.NoError(t, r.SetNextOffset(100))
	require.NoError(t, r.Read(b))
	assert.Equal(t, byte(0x11), b[0])

	require.NoError(t, r.SetNextOffset(200))
	require.NoError(t, r.Read(b))
	assert.Equal(t, byte(0x22), b[0])

	assert.Error(t, r.SetNextOffset(4096))
}

func Test_DiskReaderInvalidArea(t *testing.T) {
	path := touchVolume(t, 8192)
	_, err := NewDiskReader(path, 100, 100)
	assert.Error(t, err)
}
