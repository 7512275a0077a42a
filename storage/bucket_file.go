package storage

import (
	"io"
	"os"
	"sync"
)

// FileBucket is a disk-backed Bucket: writes append to a single file, and
// each input stream opens its own independently positioned handle on that
// same path.
type FileBucket struct {
	mu           sync.Mutex
	path         string
	name         string
	size         int64
	readOnly     bool
	closed       bool
	disposed     bool
	writerOpen   bool
	deleteOnDone bool
}

// NewFileBucket creates (or truncates) the backing file at path.
func NewFileBucket(path, name string, deleteOnDispose bool) (*FileBucket, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, newErr(KindIO, "bucket.file.create", path, "", err)
	}
	f.Close()
	return &FileBucket{path: path, name: name, deleteOnDone: deleteOnDispose}, nil
}

func (b *FileBucket) GetName() string { return b.name }

func (b *FileBucket) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *FileBucket) IsReadOnly() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readOnly
}

func (b *FileBucket) SetReadOnly() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readOnly = true
}

type fileBucketWriter struct {
	b *FileBucket
	f *os.File
}

func (w *fileBucketWriter) Write(p []byte) (int, error) {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	if w.b.closed || w.b.disposed {
		return 0, newErr(KindClosed, "bucket.write", w.b.name, "", nil)
	}
	n, err := w.f.Write(p)
	w.b.size += int64(n)
	if err != nil {
		return n, newErr(KindIO, "bucket.write", w.b.name, "", err)
	}
	return n, nil
}

func (w *fileBucketWriter) Close() error {
	w.b.mu.Lock()
	w.b.writerOpen = false
	w.b.mu.Unlock()
	if err := w.f.Close(); err != nil {
		return newErr(KindIO, "bucket.write.close", w.b.name, "", err)
	}
	return nil
}

func (b *FileBucket) openOutput() (io.WriteCloser, error) {
	b.mu.Lock()
	if b.closed || b.disposed {
		b.mu.Unlock()
		return nil, newErr(KindClosed, "bucket.getOutputStream", b.name, "", nil)
	}
	if b.readOnly {
		b.mu.Unlock()
		return nil, newErr(KindReadOnly, "bucket.getOutputStream", b.name, "", nil)
	}
	if b.writerOpen {
		b.mu.Unlock()
		return nil, newErr(KindInvalidArgument, "bucket.getOutputStream", b.name, "writer already open", nil)
	}
	b.writerOpen = true
	b.size = 0
	b.mu.Unlock()
	f, err := os.OpenFile(b.path, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, newErr(KindIO, "bucket.getOutputStream", b.name, "", err)
	}
	return &fileBucketWriter{b: b, f: f}, nil
}

func (b *FileBucket) GetOutputStream() (io.WriteCloser, error) { return b.openOutput() }

func (b *FileBucket) GetOutputStreamUnbuffered() (io.WriteCloser, error) { return b.openOutput() }

type fileBucketReader struct {
	f *os.File
}

func (r *fileBucketReader) Read(p []byte) (int, error) { return r.f.Read(p) }
func (r *fileBucketReader) Close() error                { return r.f.Close() }

func (b *FileBucket) openInput() (io.ReadCloser, error) {
	b.mu.Lock()
	disposed := b.disposed
	b.mu.Unlock()
	if disposed {
		return nil, newErr(KindAlreadyFreed, "bucket.getInputStream", b.name, "", nil)
	}
	f, err := os.Open(b.path)
	if err != nil {
		return nil, newErr(KindIO, "bucket.getInputStream", b.name, "", err)
	}
	return &fileBucketReader{f: f}, nil
}

func (b *FileBucket) GetInputStream() (io.ReadCloser, error) { return b.openInput() }

func (b *FileBucket) GetInputStreamUnbuffered() (io.ReadCloser, error) { return b.openInput() }

func (b *FileBucket) CreateShadow() (Bucket, error) { return NewReaderBucket(b) }

func (b *FileBucket) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *FileBucket) Dispose() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return nil
	}
	b.closed = true
	b.disposed = true
	if !b.deleteOnDone {
		return nil
	}
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return newErr(KindIO, "bucket.dispose", b.path, "", err)
	}
	return nil
}

// ToRandomAccessBuffer sets the bucket read-only and returns a Rab view of
// the file's final bytes.
func (b *FileBucket) ToRandomAccessBuffer() (Rab, error) {
	b.mu.Lock()
	b.readOnly = true
	path, size := b.path, b.size
	b.mu.Unlock()
	fr, err := NewFileRab(path, size, true, false, false, false)
	if err != nil {
		return nil, err
	}
	return fr, nil
}

const magicFileBucket uint32 = 0x66696c62

func (b *FileBucket) StoreTo(w io.Writer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return writeRecordHeader(w, magicFileBucket, 1, func(w io.Writer) error {
		if err := writeStringField(w, b.path); err != nil {
			return err
		}
		if err := writeStringField(w, b.name); err != nil {
			return err
		}
		if err := writeInt64Field(w, b.size); err != nil {
			return err
		}
		if err := writeBoolField(w, b.readOnly); err != nil {
			return err
		}
		return writeBoolField(w, b.deleteOnDone)
	})
}

func (b *FileBucket) OnResume(ctx *ResumeContext) error {
	if ctx != nil && ctx.Tracker != nil && !b.deleteOnDone {
		return ctx.Tracker.Register(b.path)
	}
	return nil
}

func init() {
	registerBucketMagic(magicFileBucket, func(r *recordReader, ctx *ResumeContext) (Bucket, error) {
		if r.version != 1 {
			return nil, newErr(KindStorageFormat, "bucket.resume", "file", "unsupported version", nil)
		}
		path, err := r.readStringField()
		if err != nil {
			return nil, err
		}
		name, err := r.readStringField()
		if err != nil {
			return nil, err
		}
		size, err := r.readInt64Field()
		if err != nil {
			return nil, err
		}
		readOnly, err := r.readBoolField()
		if err != nil {
			return nil, err
		}
		deleteOnDone, err := r.readBoolField()
		if err != nil {
			return nil, err
		}
		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil, newErr(KindResumeFailed, "bucket.resume", path, "file missing", statErr)
		}
		if info.Size() != size {
			return nil, newErr(KindResumeFailed, "bucket.resume", path, "file size mismatch", nil)
		}
		b := &FileBucket{path: path, name: name, size: size, readOnly: readOnly, deleteOnDone: deleteOnDone}
		return b, b.OnResume(ctx)
	})
}
