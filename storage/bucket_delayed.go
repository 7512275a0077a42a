package storage

import (
	"io"
	"sync"
)

// DelayedDisposeBucket is the Bucket-side counterpart of DelayedDisposeRab
// (spec §4.10): Dispose hands ownership to the external commit tracker
// instead of freeing the underlying bucket directly.
type DelayedDisposeBucket struct {
	mu              sync.Mutex
	under           Bucket
	tracker         PersistentFileTracker
	createdCommitID int64 // transient only, never persisted (spec §9)
	disposed        bool
	freed           bool
}

// NewDelayedDisposeBucket records tracker.CommitID() as createdCommitID at
// construction time.
func NewDelayedDisposeBucket(under Bucket, tracker PersistentFileTracker) *DelayedDisposeBucket {
	return &DelayedDisposeBucket{under: under, tracker: tracker, createdCommitID: tracker.CommitID()}
}

func (d *DelayedDisposeBucket) checkLive(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed || d.freed {
		return newErr(KindAlreadyFreed, op, d.under.GetName(), "", nil)
	}
	return nil
}

func (d *DelayedDisposeBucket) GetName() string  { return d.under.GetName() }
func (d *DelayedDisposeBucket) IsReadOnly() bool { return d.under.IsReadOnly() }
func (d *DelayedDisposeBucket) SetReadOnly()     { d.under.SetReadOnly() }
func (d *DelayedDisposeBucket) Size() int64      { return d.under.Size() }

func (d *DelayedDisposeBucket) GetOutputStream() (io.WriteCloser, error) {
	if err := d.checkLive("bucket.getOutputStream"); err != nil {
		return nil, err
	}
	return d.under.GetOutputStream()
}

func (d *DelayedDisposeBucket) GetOutputStreamUnbuffered() (io.WriteCloser, error) {
	if err := d.checkLive("bucket.getOutputStream"); err != nil {
		return nil, err
	}
	return d.under.GetOutputStreamUnbuffered()
}

func (d *DelayedDisposeBucket) GetInputStream() (io.ReadCloser, error) {
	if err := d.checkLive("bucket.getInputStream"); err != nil {
		return nil, err
	}
	return d.under.GetInputStream()
}

func (d *DelayedDisposeBucket) GetInputStreamUnbuffered() (io.ReadCloser, error) {
	if err := d.checkLive("bucket.getInputStream"); err != nil {
		return nil, err
	}
	return d.under.GetInputStreamUnbuffered()
}

func (d *DelayedDisposeBucket) CreateShadow() (Bucket, error) {
	if err := d.checkLive("bucket.createShadow"); err != nil {
		return nil, err
	}
	return NewReaderBucket(d.under)
}

func (d *DelayedDisposeBucket) Close() error { return d.under.Close() }

// Dispose hands this object to the tracker instead of freeing the
// underlying bucket directly. Idempotent.
func (d *DelayedDisposeBucket) Dispose() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed {
		return nil
	}
	d.disposed = true
	d.tracker.DelayedDispose(d, d.createdCommitID)
	return nil
}

// RealDispose is called by the tracker once it is safe to free the
// underlying backing.
func (d *DelayedDisposeBucket) RealDispose() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.freed {
		return nil
	}
	d.freed = true
	return d.under.Dispose()
}

// ToRandomAccessBuffer delegates to the underlying bucket if convertible;
// the resulting Rab is not itself delayed-dispose (spec §9 leaves that
// composition to the caller).
func (d *DelayedDisposeBucket) ToRandomAccessBuffer() (Rab, error) {
	conv, ok := d.under.(RabConvertible)
	if !ok {
		return nil, newErr(KindInvalidArgument, "bucket.toRab", d.GetName(), "underlying bucket is not convertible", nil)
	}
	return conv.ToRandomAccessBuffer()
}

const magicDelayedDisposeBucket uint32 = 0x64656c62

func (d *DelayedDisposeBucket) StoreTo(w io.Writer) error {
	return writeRecordHeader(w, magicDelayedDisposeBucket, 1, func(w io.Writer) error {
		return d.under.StoreTo(w)
	})
}

// OnResume re-defaults createdCommitID to the tracker's current commit id,
// per spec §9: this field is treated as non-persisted by design.
func (d *DelayedDisposeBucket) OnResume(ctx *ResumeContext) error {
	if ctx != nil && ctx.Tracker != nil {
		d.tracker = ctx.Tracker
		d.createdCommitID = ctx.Tracker.CommitID()
	}
	if res, ok := d.under.(Resumable); ok {
		return res.OnResume(ctx)
	}
	return nil
}

func init() {
	registerBucketMagic(magicDelayedDisposeBucket, func(r *recordReader, ctx *ResumeContext) (Bucket, error) {
		if r.version != 1 {
			return nil, newErr(KindStorageFormat, "bucket.resume", "delayed", "unsupported version", nil)
		}
		under, err := RestoreBucket(r.r, ctx)
		if err != nil {
			return nil, err
		}
		if ctx == nil || ctx.Tracker == nil {
			return nil, newErr(KindResumeFailed, "bucket.resume", "delayed", "no tracker in resume context", nil)
		}
		d := NewDelayedDisposeBucket(under, ctx.Tracker)
		return d, d.OnResume(ctx)
	})
}
