package storage

import (
	"io"
	"sync"
)

// ArrayBucket is a pure in-memory Bucket; the RAM leaf for small temp
// buckets (spec §4.4/§4.8).
type ArrayBucket struct {
	mu         sync.Mutex
	name       string
	data       []byte
	readOnly   bool
	closed     bool
	disposed   bool
	writerOpen bool
}

// NewArrayBucket creates an empty, writable ArrayBucket.
func NewArrayBucket(name string) *ArrayBucket {
	return &ArrayBucket{name: name}
}

func (b *ArrayBucket) GetName() string { return b.name }

func (b *ArrayBucket) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data))
}

func (b *ArrayBucket) IsReadOnly() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readOnly
}

func (b *ArrayBucket) SetReadOnly() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readOnly = true
}

type arrayBucketWriter struct {
	b *ArrayBucket
}

func (w *arrayBucketWriter) Write(p []byte) (int, error) {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	if w.b.closed || w.b.disposed {
		return 0, newErr(KindClosed, "bucket.write", w.b.name, "", nil)
	}
	w.b.data = append(w.b.data, p...)
	return len(p), nil
}

func (w *arrayBucketWriter) Close() error {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	w.b.writerOpen = false
	return nil
}

func (b *ArrayBucket) openOutput() (io.WriteCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.disposed {
		return nil, newErr(KindClosed, "bucket.getOutputStream", b.name, "", nil)
	}
	if b.readOnly {
		return nil, newErr(KindReadOnly, "bucket.getOutputStream", b.name, "", nil)
	}
	if b.writerOpen {
		return nil, newErr(KindInvalidArgument, "bucket.getOutputStream", b.name, "writer already open", nil)
	}
	b.data = b.data[:0]
	b.writerOpen = true
	return &arrayBucketWriter{b: b}, nil
}

func (b *ArrayBucket) GetOutputStream() (io.WriteCloser, error) { return b.openOutput() }

func (b *ArrayBucket) GetOutputStreamUnbuffered() (io.WriteCloser, error) { return b.openOutput() }

type arrayBucketReader struct {
	b   *ArrayBucket
	pos int
}

func (r *arrayBucketReader) Read(p []byte) (int, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	if r.b.disposed {
		return 0, newErr(KindAlreadyFreed, "bucket.read", r.b.name, "", nil)
	}
	if r.pos >= len(r.b.data) {
		return 0, io.EOF
	}
	n := copy(p, r.b.data[r.pos:])
	r.pos += n
	return n, nil
}

func (r *arrayBucketReader) Close() error { return nil }

func (b *ArrayBucket) openInput() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return nil, newErr(KindAlreadyFreed, "bucket.getInputStream", b.name, "", nil)
	}
	return &arrayBucketReader{b: b}, nil
}

func (b *ArrayBucket) GetInputStream() (io.ReadCloser, error) { return b.openInput() }

func (b *ArrayBucket) GetInputStreamUnbuffered() (io.ReadCloser, error) { return b.openInput() }

func (b *ArrayBucket) CreateShadow() (Bucket, error) { return NewReaderBucket(b) }

func (b *ArrayBucket) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *ArrayBucket) Dispose() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.disposed = true
	b.data = nil
	return nil
}

// ToRandomAccessBuffer sets the bucket read-only and wraps its backing
// slice directly (no copy) in an ArrayRab.
func (b *ArrayBucket) ToRandomAccessBuffer() (Rab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readOnly = true
	return NewArrayRabFrom(b.data, true), nil
}

const magicArrayBucket uint32 = 0x61627542

func (b *ArrayBucket) StoreTo(w io.Writer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return writeRecordHeader(w, magicArrayBucket, 1, func(w io.Writer) error {
		if err := writeStringField(w, b.name); err != nil {
			return err
		}
		if err := writeBoolField(w, b.readOnly); err != nil {
			return err
		}
		return writeBytesField(w, b.data)
	})
}

func (b *ArrayBucket) OnResume(ctx *ResumeContext) error { return nil }

func init() {
	registerBucketMagic(magicArrayBucket, func(r *recordReader, ctx *ResumeContext) (Bucket, error) {
		if r.version != 1 {
			return nil, newErr(KindStorageFormat, "bucket.resume", "array", "unsupported version", nil)
		}
		name, err := r.readStringField()
		if err != nil {
			return nil, err
		}
		readOnly, err := r.readBoolField()
		if err != nil {
			return nil, err
		}
		data, err := r.readBytesField()
		if err != nil {
			return nil, err
		}
		b := &ArrayBucket{name: name, readOnly: readOnly, data: data}
		return b, nil
	})
}
