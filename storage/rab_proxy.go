package storage

import (
	"io"
	"sync"
)

// RabFactory produces a new on-disk-backed Rab of the given size, used by
// TempRab to create its disk successor at migration time.
type RabFactory func(size int64) (Rab, error)

// TempRab is the switchable-proxy Rab of spec §4.9: under a single handle,
// the backing Rab can be swapped from RAM to disk exactly once. Reads and
// writes take the read side of rw; migration takes the write side, so it
// is a linearization point — every read/write before it observes the old
// backing, every one after observes the new.
type TempRab struct {
	rw        sync.RWMutex
	current   Rab
	migrated  bool
	diskMaker RabFactory
}

// NewTempRab starts the proxy over initial (typically RAM-backed); diskMaker
// is consulted by MigrateToDisk.
func NewTempRab(initial Rab, diskMaker RabFactory) *TempRab {
	return &TempRab{current: initial, diskMaker: diskMaker}
}

func (t *TempRab) Size() int64 {
	t.rw.RLock()
	defer t.rw.RUnlock()
	return t.current.Size()
}

func (t *TempRab) Pread(off int64, buf []byte) error {
	t.rw.RLock()
	defer t.rw.RUnlock()
	return t.current.Pread(off, buf)
}

func (t *TempRab) Pwrite(off int64, buf []byte) error {
	t.rw.RLock()
	defer t.rw.RUnlock()
	return t.current.Pwrite(off, buf)
}

func (t *TempRab) Close() error {
	t.rw.RLock()
	defer t.rw.RUnlock()
	return t.current.Close()
}

func (t *TempRab) Dispose() error {
	t.rw.Lock()
	defer t.rw.Unlock()
	return t.current.Dispose()
}

func (t *TempRab) LockOpen() (RabLock, error) {
	t.rw.RLock()
	cur := t.current
	t.rw.RUnlock()
	return cur.LockOpen()
}

// IsMigrated reports whether MigrateToDisk has already run.
func (t *TempRab) IsMigrated() bool {
	t.rw.RLock()
	defer t.rw.RUnlock()
	return t.migrated
}

// MigrateToDisk is a one-shot transition: ask diskMaker for a successor
// sized for the current contents, copy the bytes across, then swap the
// pointer under the write lock and dispose the old backing. Returns false
// if already migrated.
func (t *TempRab) MigrateToDisk() (bool, error) {
	t.rw.Lock()
	defer t.rw.Unlock()
	if t.migrated {
		return false, nil
	}
	if t.diskMaker == nil {
		return false, newErr(KindInvalidArgument, "rab.migrate", "temp", "no disk factory", nil)
	}
	size := t.current.Size()
	successor, err := t.diskMaker(size)
	if err != nil {
		return false, err
	}
	if err := copyRabBytes(t.current, successor, size); err != nil {
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

// copyRabBytes streams size bytes from src to dst in bounded chunks.
func copyRabBytes(src, dst Rab, size int64) error {
	const chunk = 256 * 1024
	buf := make([]byte, chunk)
	var off int64
	for off < size {
		n := int64(chunk)
		if size-off < n {
			n = size - off
		}
		if err := src.Pread(off, buf[:n]); err != nil {
			return err
		}
		if err := dst.Pwrite(off, buf[:n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}

const magicTempRab uint32 = 0xd8ba4c7e

func (t *TempRab) StoreTo(w io.Writer) error {
	t.rw.RLock()
	defer t.rw.RUnlock()
	return writeRecordHeader(w, magicTempRab, 1, func(w io.Writer) error {
		if err := writeBoolField(w, t.migrated); err != nil {
			return err
		}
		return t.current.StoreTo(w)
	})
}

func (t *TempRab) OnResume(ctx *ResumeContext) error {
	if res, ok := t.current.(Resumable); ok {
		return res.OnResume(ctx)
	}
	return nil
}

func init() {
	registerRabMagic(magicTempRab, func(r *recordReader, ctx *ResumeContext) (Rab, error) {
		if r.version != 1 {
			return nil, newErr(KindStorageFormat, "rab.resume", "temp", "unsupported version", nil)
		}
		migrated, err := r.readBoolField()
		if err != nil {
			return nil, err
		}
		current, err := RestoreRab(r.r, ctx)
		if err != nil {
			return nil, err
		}
		// diskMaker is not persisted, so a resumed TempRab has none: if it
		// was not already migrated, MigrateToDisk on it returns
		// KindInvalidArgument instead of migrating.
		t := &TempRab{current: current, migrated: migrated}
		return t, t.OnResume(ctx)
	})
}
