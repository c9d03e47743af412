package fsmeta

import (
	"testing"

	"github.com/vcache-platform/vcache/cachefs/internal/xio"
)

func newTestWriter(t *testing.T, buf []byte) *xio.MemoryWriter {
	t.Helper()
	return xio.NewMemoryWriter(buf)
}

func newTestReader(buf []byte) *xio.MemoryReader {
	return xio.NewMemoryReader(buf)
}

func genKey(s string) Key {
	var k Key
	copy(k[:], s)
	return k
}
