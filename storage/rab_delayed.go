package storage

import (
	"io"
	"sync"
)

// DelayedDisposeRab inverts normal ownership (spec §4.10): Dispose does not
// free the underlying Rab directly. Instead it hands itself to the external
// commit tracker, which calls RealDispose once no surviving persistent
// reference can exist. Between Dispose and RealDispose every operation
// fails with KindAlreadyFreed.
type DelayedDisposeRab struct {
	mu              sync.Mutex
	under           Rab
	tracker         PersistentFileTracker
	createdCommitID int64 // transient only, never persisted (spec §9)
	disposed        bool
	freed           bool
}

// NewDelayedDisposeRab records tracker.CommitID() as createdCommitID at
// construction time.
func NewDelayedDisposeRab(under Rab, tracker PersistentFileTracker) *DelayedDisposeRab {
	return &DelayedDisposeRab{under: under, tracker: tracker, createdCommitID: tracker.CommitID()}
}

func (d *DelayedDisposeRab) freedErr(op string) error {
	return newErr(KindAlreadyFreed, op, "delayed-rab", "", nil)
}

func (d *DelayedDisposeRab) checkLive(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed || d.freed {
		return d.freedErr(op)
	}
	return nil
}

func (d *DelayedDisposeRab) Size() int64 { return d.under.Size() }

func (d *DelayedDisposeRab) Pread(off int64, buf []byte) error {
	if err := d.checkLive("rab.pread"); err != nil {
		return err
	}
	return d.under.Pread(off, buf)
}

func (d *DelayedDisposeRab) Pwrite(off int64, buf []byte) error {
	if err := d.checkLive("rab.pwrite"); err != nil {
		return err
	}
	return d.under.Pwrite(off, buf)
}

func (d *DelayedDisposeRab) Close() error { return d.under.Close() }

// Dispose hands this object to the tracker instead of freeing the
// underlying Rab directly. Idempotent.
func (d *DelayedDisposeRab) Dispose() error {
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
func (d *DelayedDisposeRab) RealDispose() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.freed {
		return nil
	}
	d.freed = true
	return d.under.Dispose()
}

func (d *DelayedDisposeRab) LockOpen() (RabLock, error) {
	if err := d.checkLive("rab.lockopen"); err != nil {
		return nil, err
	}
	return d.under.LockOpen()
}

const magicDelayedDisposeRab uint32 = 0x64656c72

func (d *DelayedDisposeRab) StoreTo(w io.Writer) error {
	return writeRecordHeader(w, magicDelayedDisposeRab, 1, func(w io.Writer) error {
		return d.under.StoreTo(w)
	})
}

// OnResume re-defaults createdCommitID to the tracker's current commit id,
// per spec §9: this field is treated as non-persisted by design.
func (d *DelayedDisposeRab) OnResume(ctx *ResumeContext) error {
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
	registerRabMagic(magicDelayedDisposeRab, func(r *recordReader, ctx *ResumeContext) (Rab, error) {
		if r.version != 1 {
			return nil, newErr(KindStorageFormat, "rab.resume", "delayed", "unsupported version", nil)
		}
		under, err := RestoreRab(r.r, ctx)
		if err != nil {
			return nil, err
		}
		if ctx == nil || ctx.Tracker == nil {
			return nil, newErr(KindResumeFailed, "rab.resume", "delayed", "no tracker in resume context", nil)
		}
		d := NewDelayedDisposeRab(under, ctx.Tracker)
		return d, d.OnResume(ctx)
	})
}
