package storage

import (
	"io"
	"sync"
)

// NullBucket discards everything written to it while still tracking the
// size that would have been written — useful for callers that only need a
// byte count (e.g. measuring a serialization before allocating the real
// bucket).
type NullBucket struct {
	mu   sync.Mutex
	name string
	size int64
}

// NewNullBucket returns an always-writable, discard-everything bucket.
func NewNullBucket(name string) *NullBucket { return &NullBucket{name: name} }

func (b *NullBucket) GetName() string  { return b.name }
func (b *NullBucket) IsReadOnly() bool { return false }
func (b *NullBucket) SetReadOnly()     {}

func (b *NullBucket) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

type nullWriter struct{ b *NullBucket }

func (w *nullWriter) Write(p []byte) (int, error) {
	w.b.mu.Lock()
	w.b.size += int64(len(p))
	w.b.mu.Unlock()
	return len(p), nil
}
func (w *nullWriter) Close() error { return nil }

func (b *NullBucket) GetOutputStream() (io.WriteCloser, error) {
	b.mu.Lock()
	b.size = 0
	b.mu.Unlock()
	return &nullWriter{b: b}, nil
}

func (b *NullBucket) GetOutputStreamUnbuffered() (io.WriteCloser, error) { return b.GetOutputStream() }

func (b *NullBucket) GetInputStream() (io.ReadCloser, error) {
	return io.NopCloser(&nullReader{}), nil
}

func (b *NullBucket) GetInputStreamUnbuffered() (io.ReadCloser, error) { return b.GetInputStream() }

type nullReader struct{}

func (nullReader) Read(p []byte) (int, error) { return 0, io.EOF }

func (b *NullBucket) CreateShadow() (Bucket, error) { return NewReaderBucket(b) }

func (b *NullBucket) Close() error   { return nil }
func (b *NullBucket) Dispose() error { return nil }

const magicNullBucket uint32 = 0x6e756c6c

func (b *NullBucket) StoreTo(w io.Writer) error {
	return writeRecordHeader(w, magicNullBucket, 1, func(w io.Writer) error {
		return writeStringField(w, b.name)
	})
}

func (b *NullBucket) OnResume(ctx *ResumeContext) error { return nil }

func init() {
	registerBucketMagic(magicNullBucket, func(r *recordReader, ctx *ResumeContext) (Bucket, error) {
		if r.version != 1 {
			return nil, newErr(KindStorageFormat, "bucket.resume", "null", "unsupported version", nil)
		}
		name, err := r.readStringField()
		if err != nil {
			return nil, err
		}
		return NewNullBucket(name), nil
	})
}
