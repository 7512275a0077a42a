// Package storage implements the temporary-storage engine: random-access
// buffers (Rab) and sequential buckets, their RAM/disk/encrypted/padded
// wrappers, a bounded file-descriptor pool, and the manager that wires them
// together under a single admission and migration policy.
package storage

import (
	"io"
)

// Rab is a fixed-size, seekable byte container with positional read/write.
// Size is fixed from construction until Dispose. Every Rab must be closed
// exactly once (idempotent) and may be disposed after close, which may
// delete backing storage.
type Rab interface {
	// Size returns the fixed logical size of the buffer.
	Size() int64

	// Pread reads exactly len(buf) bytes starting at off. It fails with
	// KindInvalidArgument if off < 0, KindOutOfRange if off+len(buf) >
	// Size(), KindClosed if the Rab has been closed, and KindIO on an
	// underlying failure.
	Pread(off int64, buf []byte) error

	// Pwrite writes exactly len(buf) bytes starting at off. Same error
	// conditions as Pread, plus KindReadOnly on a read-only Rab.
	Pwrite(off int64, buf []byte) error

	// Close is idempotent. After Close, all I/O fails with KindClosed.
	Close() error

	// Dispose implies Close and may delete backing storage. Idempotent.
	Dispose() error

	// LockOpen acquires the "keep this channel open" right for the
	// duration of the returned RabLock. Leaves that have no notion of an
	// OS handle (e.g. the array Rab) return a no-op lock.
	LockOpen() (RabLock, error)

	// StoreTo persists this Rab's reconstruction metadata (see resume.go).
	StoreTo(w io.Writer) error
}

// Resumable is implemented by Rabs and Buckets that need to re-register
// persistent files and re-derive cryptographic keys after a restart. Not
// every leaf needs to do anything; array-backed leaves have a no-op
// OnResume.
type Resumable interface {
	OnResume(ctx *ResumeContext) error
}

// RabLock is a scoped acquisition of the right to keep a pooled Rab's
// channel open. The zero value is not valid; obtain one from Rab.LockOpen.
// Unlock must be called exactly once, typically via defer.
type RabLock interface {
	Unlock()
}

// noopLock is used by leaves that have no pool-managed channel.
type noopLock struct{}

func (noopLock) Unlock() {}

// checkBounds is a small helper shared by leaves that delegate to an
// io.ReaderAt/io.WriterAt style primitive but want the Rab bounds checks
// applied uniformly first.
func checkBounds(op, object string, off int64, n int, size int64) error {
	if off < 0 {
		return newErr(KindInvalidArgument, op, object, "negative offset", nil)
	}
	if n < 0 {
		return newErr(KindInvalidArgument, op, object, "negative length", nil)
	}
	if off+int64(n) > size {
		return newErr(KindOutOfRange, op, object,
			"off+len exceeds size", nil)
	}
	return nil
}
