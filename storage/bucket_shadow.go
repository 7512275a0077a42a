package storage

import (
	"io"
	"runtime"
	"sync"
)

// readerBucketShared is the shared state behind every ReaderBucket pointing
// at the same underlying bucket: a reference count and a closed flag, per
// spec §4.5/§9 "Cycles and shared ownership". It never refers back to its
// readers except through refCount, so there is no cycle for a GC (or, here,
// a finalizer) to worry about.
type readerBucketShared struct {
	mu       sync.Mutex
	under    Bucket
	refCount int
	closed   bool
}

func (s *readerBucketShared) release() {
	s.mu.Lock()
	if s.refCount > 0 {
		s.refCount--
	}
	shouldDispose := s.refCount == 0 && !s.closed
	if shouldDispose {
		s.closed = true
	}
	s.mu.Unlock()
	if shouldDispose {
		_ = s.under.Dispose()
	}
}

// ReaderBucket is a read-only view sharing underlying storage with other
// readers (spec §4.5 createShadow / C11). Each instance holds one strong
// count on the shared state; a finalizer is the last-resort guard for a
// reader whose explicit Dispose was skipped (spec §5 "cleaner hooks").
type ReaderBucket struct {
	mu       sync.Mutex
	state    *readerBucketShared
	name     string
	released bool
}

// NewReaderBucket wraps under in a fresh shared state with one reference.
// If under is already a ReaderBucket, the new shadow joins its shared state
// instead of nesting wrappers.
func NewReaderBucket(under Bucket) (*ReaderBucket, error) {
	var state *readerBucketShared
	if existing, ok := under.(*ReaderBucket); ok {
		state = existing.state
	} else {
		state = &readerBucketShared{under: under}
	}
	state.mu.Lock()
	state.refCount++
	state.mu.Unlock()

	rb := &ReaderBucket{state: state, name: under.GetName()}
	runtime.SetFinalizer(rb, func(r *ReaderBucket) { r.releaseOnce() })
	return rb, nil
}

func (r *ReaderBucket) releaseOnce() {
	r.mu.Lock()
	already := r.released
	r.released = true
	r.mu.Unlock()
	if !already {
		r.state.release()
	}
}

func (r *ReaderBucket) GetName() string  { return r.name }
func (r *ReaderBucket) IsReadOnly() bool { return true }
func (r *ReaderBucket) SetReadOnly()     {}

func (r *ReaderBucket) Size() int64 {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	return r.state.under.Size()
}

func (r *ReaderBucket) GetOutputStream() (io.WriteCloser, error) {
	return nil, newErr(KindReadOnly, "bucket.getOutputStream", r.name, "shadow bucket is read-only", nil)
}

func (r *ReaderBucket) GetOutputStreamUnbuffered() (io.WriteCloser, error) {
	return r.GetOutputStream()
}

func (r *ReaderBucket) GetInputStream() (io.ReadCloser, error) {
	r.state.mu.Lock()
	closed := r.state.closed
	r.state.mu.Unlock()
	if closed {
		return nil, newErr(KindAlreadyFreed, "bucket.getInputStream", r.name, "", nil)
	}
	return r.state.under.GetInputStream()
}

func (r *ReaderBucket) GetInputStreamUnbuffered() (io.ReadCloser, error) {
	r.state.mu.Lock()
	closed := r.state.closed
	r.state.mu.Unlock()
	if closed {
		return nil, newErr(KindAlreadyFreed, "bucket.getInputStream", r.name, "", nil)
	}
	return r.state.under.GetInputStreamUnbuffered()
}

func (r *ReaderBucket) CreateShadow() (Bucket, error) { return NewReaderBucket(r) }

func (r *ReaderBucket) Close() error {
	r.releaseOnce()
	return nil
}

func (r *ReaderBucket) Dispose() error {
	r.releaseOnce()
	runtime.SetFinalizer(r, nil)
	return nil
}

const magicReaderBucket uint32 = 0x72656164

// StoreTo is unsupported: a shadow is a runtime-only reference-counted
// view, not an independently persistable object. Resume always operates on
// the underlying bucket directly.
func (r *ReaderBucket) StoreTo(w io.Writer) error {
	return newErr(KindInvalidArgument, "bucket.storeTo", r.name, "reader bucket is not independently persistable", nil)
}
