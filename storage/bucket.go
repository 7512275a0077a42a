package storage

import "io"

// Bucket is a sequential byte container with at most one writer and any
// number of independently positioned readers (spec §4.4). Reopening the
// output stream resets Size to 0 and truncates; SetReadOnly is sticky. This
// adopts the capability superset from spec §9's open question (GetName /
// IsReadOnly / SetReadOnly live on Bucket; Rab never exposes them).
type Bucket interface {
	// GetOutputStream truncates and returns the single writable stream;
	// only one may be outstanding at a time.
	GetOutputStream() (io.WriteCloser, error)
	// GetOutputStreamUnbuffered is GetOutputStream without an internal
	// buffering layer, for callers that manage their own buffering.
	GetOutputStreamUnbuffered() (io.WriteCloser, error)
	// GetInputStream returns a new, independently positioned reader.
	GetInputStream() (io.ReadCloser, error)
	GetInputStreamUnbuffered() (io.ReadCloser, error)

	Size() int64
	GetName() string
	IsReadOnly() bool
	SetReadOnly()

	// CreateShadow returns a read-only view sharing the underlying
	// storage (spec §4.5).
	CreateShadow() (Bucket, error)

	Close() error
	Dispose() error

	StoreTo(w io.Writer) error
}

// RabConvertible is implemented by buckets that can yield a final,
// read-only Rab view of their bytes (spec §4.4 toRandomAccessBuffer).
// Converting sets the bucket read-only.
type RabConvertible interface {
	ToRandomAccessBuffer() (Rab, error)
}
