package storage

import (
	"io"
	"os"
	"sync"
)

// PooledFileRab is a Rab over a path whose OS channel may or may not
// currently be open; the shared Pool decides, per spec §4.2.
type PooledFileRab struct {
	pool     *Pool
	entry    *poolEntry
	mu       sync.RWMutex
	closed   bool
	disposed bool
}

// NewPooledFileRab registers path with pool and, if forceLength >= 0,
// truncates the file to that size first.
func NewPooledFileRab(pool *Pool, path string, forceLength int64, readOnly, deleteOnDispose, secureDelete bool) (*PooledFileRab, error) {
	if forceLength >= 0 && !readOnly {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, newErr(KindIO, "rab.pooledfile.open", path, "", err)
		}
		if err := f.Truncate(forceLength); err != nil {
			f.Close()
			return nil, newErr(KindIO, "rab.pooledfile.truncate", path, "", err)
		}
		f.Close()
	}
	size := forceLength
	if size < 0 {
		info, err := os.Stat(path)
		if err != nil {
			return nil, newErr(KindIO, "rab.pooledfile.stat", path, "", err)
		}
		size = info.Size()
	}
	e := &poolEntry{
		path: path, readOnly: readOnly, length: size,
		persistentTempID: -1, deleteOnDispose: deleteOnDispose, secureDelete: secureDelete,
	}
	return &PooledFileRab{pool: pool, entry: e}, nil
}

func (p *PooledFileRab) Size() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entry.length
}

// IsOpen reports whether the pool currently has this Rab's channel open.
// Exposed for tests (spec §4.2 "introspection").
func (p *PooledFileRab) IsOpen() bool {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	return p.entry.open()
}

// IsLocked reports whether this Rab's lock level is currently above zero.
func (p *PooledFileRab) IsLocked() bool {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	return p.entry.lockLevel > 0
}

func (p *PooledFileRab) Pread(off int64, buf []byte) error {
	p.mu.RLock()
	closed := p.closed
	size := p.entry.length
	p.mu.RUnlock()
	if closed {
		return newErr(KindClosed, "rab.pread", p.entry.path, "", nil)
	}
	if err := checkBounds("rab.pread", p.entry.path, off, len(buf), size); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	lock, err := p.pool.lockOpen(p.entry, false)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	if _, err := p.entry.channel.ReadAt(buf, off); err != nil && err != io.EOF {
		return newErr(KindIO, "rab.pread", p.entry.path, "", err)
	}
	return nil
}

func (p *PooledFileRab) Pwrite(off int64, buf []byte) error {
	p.mu.RLock()
	closed := p.closed
	size := p.entry.length
	readOnly := p.entry.readOnly
	p.mu.RUnlock()
	if closed {
		return newErr(KindClosed, "rab.pwrite", p.entry.path, "", nil)
	}
	if readOnly {
		return newErr(KindReadOnly, "rab.pwrite", p.entry.path, "", nil)
	}
	if err := checkBounds("rab.pwrite", p.entry.path, off, len(buf), size); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	lock, err := p.pool.lockOpen(p.entry, true)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	if _, err := p.entry.channel.WriteAt(buf, off); err != nil {
		return newErr(KindIO, "rab.pwrite", p.entry.path, "", err)
	}
	return nil
}

func (p *PooledFileRab) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.pool.closeEntry(p.entry)
}

func (p *PooledFileRab) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return nil
	}
	if !p.closed {
		p.closed = true
		if err := p.pool.closeEntry(p.entry); err != nil {
			return err
		}
	}
	p.disposed = true
	if !p.entry.deleteOnDispose {
		return nil
	}
	if p.entry.secureDelete {
		if err := secureOverwrite(p.entry.path, p.entry.length); err != nil {
			return newErr(KindIO, "rab.dispose.secure-delete", p.entry.path, "", err)
		}
	}
	if err := os.Remove(p.entry.path); err != nil && !os.IsNotExist(err) {
		return newErr(KindIO, "rab.dispose.remove", p.entry.path, "", err)
	}
	return nil
}

// LockOpen exposes the pool's lock-to-keep-open contract directly, for
// callers that want to pin the channel open across several operations.
func (p *PooledFileRab) LockOpen() (RabLock, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, newErr(KindClosed, "rab.lockopen", p.entry.path, "", nil)
	}
	return p.pool.lockOpen(p.entry, false)
}

const magicPooledFileRab uint32 = 0x706f6f6c

func (p *PooledFileRab) StoreTo(w io.Writer) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return writeRecordHeader(w, magicPooledFileRab, 1, func(w io.Writer) error {
		if err := writeStringField(w, p.entry.path); err != nil {
			return err
		}
		if err := writeInt64Field(w, p.entry.length); err != nil {
			return err
		}
		if err := writeBoolField(w, p.entry.readOnly); err != nil {
			return err
		}
		if err := writeBoolField(w, p.entry.deleteOnDispose); err != nil {
			return err
		}
		if err := writeBoolField(w, p.entry.secureDelete); err != nil {
			return err
		}
		return writeInt64Field(w, p.entry.persistentTempID)
	})
}

func (p *PooledFileRab) OnResume(ctx *ResumeContext) error {
	if ctx != nil && ctx.Tracker != nil && !p.entry.deleteOnDispose {
		return ctx.Tracker.Register(p.entry.path)
	}
	return nil
}

func init() {
	registerRabMagic(magicPooledFileRab, func(r *recordReader, ctx *ResumeContext) (Rab, error) {
		if r.version != 1 {
			return nil, newErr(KindStorageFormat, "rab.resume", "pooledfile", "unsupported version", nil)
		}
		path, err := r.readStringField()
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
		deleteOnDispose, err := r.readBoolField()
		if err != nil {
			return nil, err
		}
		secureDelete, err := r.readBoolField()
		if err != nil {
			return nil, err
		}
		persistentTempID, err := r.readInt64Field()
		if err != nil {
			return nil, err
		}
		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil, newErr(KindResumeFailed, "rab.resume", path, "file missing", statErr)
		}
		if info.Size() != size {
			return nil, newErr(KindResumeFailed, "rab.resume", path, "file size mismatch", nil)
		}
		if ctx == nil || ctx.Pool == nil {
			// No pool available in this resume context: reconstruct as a
			// plain FileRab, same on-disk format.
			fr, err := NewFileRab(path, size, readOnly, deleteOnDispose, secureDelete, false)
			if err != nil {
				return nil, err
			}
			return fr, fr.OnResume(ctx)
		}
		pr, err := NewPooledFileRab(ctx.Pool, path, -1, readOnly, deleteOnDispose, secureDelete)
		if err != nil {
			return nil, err
		}
		pr.entry.persistentTempID = persistentTempID
		return pr, pr.OnResume(ctx)
	})
}
