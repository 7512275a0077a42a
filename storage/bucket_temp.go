package storage

import (
	"io"
	"sync"
)

// BucketFactory produces a new on-disk-backed Bucket, used by TempBucket to
// create its disk successor at migration time.
type BucketFactory func() (Bucket, error)

// TempBucket is the Bucket-side switchable proxy (spec §4.8/§4.9): the
// backing bucket starts RAM-resident and can migrate to disk exactly once.
// Every stream returned while a migration could race holds the proxy's
// read lock for its whole lifetime, so MigrateToDisk (which takes the
// write lock) simply blocks until any in-flight stream finishes — streams
// opened before a migration always observe the old backing end to end,
// and streams opened after always observe the new one.
type TempBucket struct {
	rw        sync.RWMutex
	current   Bucket
	migrated  bool
	diskMaker BucketFactory
}

// NewTempBucket starts the proxy over initial (typically RAM-backed);
// diskMaker is consulted by MigrateToDisk.
func NewTempBucket(initial Bucket, diskMaker BucketFactory) *TempBucket {
	return &TempBucket{current: initial, diskMaker: diskMaker}
}

func (t *TempBucket) GetName() string {
	t.rw.RLock()
	defer t.rw.RUnlock()
	return t.current.GetName()
}

func (t *TempBucket) IsReadOnly() bool {
	t.rw.RLock()
	defer t.rw.RUnlock()
	return t.current.IsReadOnly()
}

func (t *TempBucket) SetReadOnly() {
	t.rw.RLock()
	defer t.rw.RUnlock()
	t.current.SetReadOnly()
}

func (t *TempBucket) Size() int64 {
	t.rw.RLock()
	defer t.rw.RUnlock()
	return t.current.Size()
}

// tempBucketWriter and tempBucketReader hold the proxy's read lock for
// their entire lifetime, releasing it only on Close.
type tempBucketWriter struct {
	t *TempBucket
	w io.WriteCloser
}

func (w *tempBucketWriter) Write(p []byte) (int, error) { return w.w.Write(p) }

func (w *tempBucketWriter) Close() error {
	defer w.t.rw.RUnlock()
	return w.w.Close()
}

type tempBucketReader struct {
	t *TempBucket
	r io.ReadCloser
}

func (r *tempBucketReader) Read(p []byte) (int, error) { return r.r.Read(p) }

func (r *tempBucketReader) Close() error {
	defer r.t.rw.RUnlock()
	return r.r.Close()
}

func (t *TempBucket) openOutput(unbuffered bool) (io.WriteCloser, error) {
	t.rw.RLock()
	var w io.WriteCloser
	var err error
	if unbuffered {
		w, err = t.current.GetOutputStreamUnbuffered()
	} else {
		w, err = t.current.GetOutputStream()
	}
	if err != nil {
		t.rw.RUnlock()
		return nil, err
	}
	return &tempBucketWriter{t: t, w: w}, nil
}

func (t *TempBucket) GetOutputStream() (io.WriteCloser, error) { return t.openOutput(false) }

func (t *TempBucket) GetOutputStreamUnbuffered() (io.WriteCloser, error) {
	return t.openOutput(true)
}

func (t *TempBucket) openInput(unbuffered bool) (io.ReadCloser, error) {
	t.rw.RLock()
	var r io.ReadCloser
	var err error
	if unbuffered {
		r, err = t.current.GetInputStreamUnbuffered()
	} else {
		r, err = t.current.GetInputStream()
	}
	if err != nil {
		t.rw.RUnlock()
		return nil, err
	}
	return &tempBucketReader{t: t, r: r}, nil
}

func (t *TempBucket) GetInputStream() (io.ReadCloser, error) { return t.openInput(false) }

func (t *TempBucket) GetInputStreamUnbuffered() (io.ReadCloser, error) { return t.openInput(true) }

func (t *TempBucket) CreateShadow() (Bucket, error) {
	t.rw.RLock()
	defer t.rw.RUnlock()
	return NewReaderBucket(t.current)
}

func (t *TempBucket) Close() error {
	t.rw.RLock()
	defer t.rw.RUnlock()
	return t.current.Close()
}

func (t *TempBucket) Dispose() error {
	t.rw.Lock()
	defer t.rw.Unlock()
	return t.current.Dispose()
}

func (t *TempBucket) ToRandomAccessBuffer() (Rab, error) {
	t.rw.RLock()
	defer t.rw.RUnlock()
	conv, ok := t.current.(RabConvertible)
	if !ok {
		return nil, newErr(KindInvalidArgument, "bucket.toRab", t.current.GetName(), "underlying bucket is not convertible", nil)
	}
	return conv.ToRandomAccessBuffer()
}

// IsMigrated reports whether MigrateToDisk has already run.
func (t *TempBucket) IsMigrated() bool {
	t.rw.RLock()
	defer t.rw.RUnlock()
	return t.migrated
}

// MigrateToDisk asks diskMaker for a successor, streams the current
// contents across, then swaps the pointer under the write lock and
// disposes the old backing. One-shot: returns false if already migrated.
func (t *TempBucket) MigrateToDisk() (bool, error) {
	t.rw.Lock()
	defer t.rw.Unlock()
	if t.migrated {
		return false, nil
	}
	successor, err := t.diskMaker()
	if err != nil {
		return false, err
	}
	if err := copyBucketBytes(t.current, successor); err != nil {
		_ = successor.Dispose()
		return false, err
	}
	old := t.current
	t.current = successor
	t.migrated = true
	if err := old.Dispose(); err != nil {
		return true, err
	}
	return true, nil
}

// copyBucketBytes streams src's full contents into dst via their
// input/output streams (buckets have no positional API).
func copyBucketBytes(src, dst Bucket) error {
	r, err := src.GetInputStream()
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := dst.GetOutputStream()
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return newErr(KindIO, "bucket.migrate", dst.GetName(), "copy", err)
	}
	return w.Close()
}

const magicTempBucket uint32 = 0xd8ba4c7f

func (t *TempBucket) StoreTo(w io.Writer) error {
	t.rw.RLock()
	defer t.rw.RUnlock()
	return writeRecordHeader(w, magicTempBucket, 1, func(w io.Writer) error {
		if err := writeBoolField(w, t.migrated); err != nil {
			return err
		}
		return t.current.StoreTo(w)
	})
}

func (t *TempBucket) OnResume(ctx *ResumeContext) error {
	if res, ok := t.current.(Resumable); ok {
		return res.OnResume(ctx)
	}
	return nil
}

func init() {
	registerBucketMagic(magicTempBucket, func(r *recordReader, ctx *ResumeContext) (Bucket, error) {
		if r.version != 1 {
			return nil, newErr(KindStorageFormat, "bucket.resume", "temp", "unsupported version", nil)
		}
		migrated, err := r.readBoolField()
		if err != nil {
			return nil, err
		}
		current, err := RestoreBucket(r.r, ctx)
		if err != nil {
			return nil, err
		}
		t := &TempBucket{current: current, migrated: migrated}
		return t, t.OnResume(ctx)
	})
}
