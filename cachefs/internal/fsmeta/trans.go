package fsmeta

import "fmt"

// WriteTransaction tracks one logical object write from open to the final
// fragment. It is owned by the write handle and finished or invalidated by
// the aggregate writer.
type WriteTransaction struct {
	objKey  ObjectKey
	written uint64
	valid   bool
}

// NewWriteTransaction pins a transaction to the key and the expected range.
func NewWriteTransaction(objKey ObjectKey) WriteTransaction {
	return WriteTransaction{objKey: objKey, valid: true}
}

// Valid reports whether the transaction is live.
func (t *WriteTransaction) Valid() bool { return t.valid }

// Invalidate ends the transaction.
func (t *WriteTransaction) Invalidate() { t.valid = false }

// ObjKey returns the transaction's object key and expected range.
func (t *WriteTransaction) ObjKey() ObjectKey { return t.objKey }

// Rng returns the expected logical range.
func (t *WriteTransaction) Rng() Range { return t.objKey.Rng }

// Written returns the bytes accepted by the aggregate writer so far.
func (t *WriteTransaction) Written() uint64 { return t.written }

// RemainingBytes returns the bytes still expected.
func (t *WriteTransaction) RemainingBytes() uint64 { return t.objKey.Rng.Len - t.written }

// NextRange returns the logical sub-range the next fragment of n bytes will
// occupy.
func (t *WriteTransaction) NextRange(n uint64) Range {
	return Range{Beg: t.objKey.Rng.Beg + t.written, Len: n}
}

// IncWritten records n accepted bytes.
func (t *WriteTransaction) IncWritten(n uint64) {
	if n > t.RemainingBytes() {
		panic("write transaction byte accounting overflow")
	}
	t.written += n
}

// Finished reports whether every expected byte was accepted.
func (t *WriteTransaction) Finished() bool { return t.written == t.objKey.Rng.Len }

func (t *WriteTransaction) String() string {
	return fmt.Sprintf("{obj_key: %s, written: %d, valid: %t}", t.objKey, t.written, t.valid)
}

// ReadTransaction tracks one logical object read. While it lives, every
// range element it spans keeps a bumped reader count, which protects those
// fragments against being overwritten by the aggregate writer.
type ReadTransaction struct {
	objKey    ObjectKey
	readBytes uint64
	valid     bool
}

// NewReadTransaction creates a live transaction over the requested range.
func NewReadTransaction(objKey ObjectKey) ReadTransaction {
	return ReadTransaction{objKey: objKey, valid: true}
}

// Valid reports whether the transaction is live.
func (t *ReadTransaction) Valid() bool { return t.valid }

// Invalidate ends the transaction. The reader counts are dropped by the
// caller before invalidating.
func (t *ReadTransaction) Invalidate() { t.valid = false }

// ObjKey returns the transaction's object key and requested range.
func (t *ReadTransaction) ObjKey() ObjectKey { return t.objKey }

// Rng returns the requested logical range.
func (t *ReadTransaction) Rng() Range { return t.objKey.Rng }

// CurrOffset returns the logical offset of the next undelivered byte.
func (t *ReadTransaction) CurrOffset() uint64 { return t.objKey.Rng.Beg + t.readBytes }

// ReadBytes returns the delivered byte count.
func (t *ReadTransaction) ReadBytes() uint64 { return t.readBytes }

// RemainingBytes returns the bytes not yet delivered.
func (t *ReadTransaction) RemainingBytes() uint64 { return t.objKey.Rng.Len - t.readBytes }

// IncReadBytes advances the cursor by n delivered bytes.
func (t *ReadTransaction) IncReadBytes(n uint64) {
	if n > t.RemainingBytes() {
		panic("read transaction byte accounting overflow")
	}
	t.readBytes += n
}

// Finished reports whether the whole range was delivered.
func (t *ReadTransaction) Finished() bool { return t.readBytes == t.objKey.Rng.Len }

func (t *ReadTransaction) String() string {
	return fmt.Sprintf("{obj_key: %s, read_bytes: %d, valid: %t}", t.objKey, t.readBytes, t.valid)
}
