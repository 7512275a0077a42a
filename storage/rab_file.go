package storage

import (
	"crypto/rand"
	"io"
	"os"
	"sync"
)

// FileRab is a single-file-channel Rab with no pooling: the OS file handle
// is opened at construction and stays open until Close. PooledFileRab
// (rab_pooledfile.go) is the pool-managed counterpart used once the manager's
// concurrently-open-file budget matters.
type FileRab struct {
	mu           sync.RWMutex
	path         string
	f            *os.File
	size         int64
	readOnly     bool
	secureDelete bool
	deleteOnDone bool
	closed       bool
	disposed     bool
}

// NewFileRab opens (or, unless readOnly, creates and truncates to size) the
// file at path. When preallocate is true and the Rab is writable, one zero
// byte is written at offset size-1 (see preallocateFile), whether or not
// the file already existed; the rest of the range is not written.
func NewFileRab(path string, size int64, readOnly, deleteOnDispose, secureDelete, preallocate bool) (*FileRab, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, newErr(KindIO, "rab.file.open", path, "", err)
	}
	if !readOnly {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, newErr(KindIO, "rab.file.truncate", path, "", err)
		}
		if preallocate && size > 0 {
			if err := preallocateFile(f, size); err != nil {
				f.Close()
				return nil, newErr(KindIO, "rab.file.preallocate", path, "", err)
			}
		}
	}
	return &FileRab{
		path: path, f: f, size: size, readOnly: readOnly,
		deleteOnDone: deleteOnDispose, secureDelete: secureDelete,
	}, nil
}

// preallocateFile writes a single zero byte at size-1 so the filesystem
// commits the extent; cheap and portable, unlike fallocate(2) which is
// Linux-only and not worth a build-tag split at this layer.
func preallocateFile(f *os.File, size int64) error {
	if size == 0 {
		return nil
	}
	_, err := f.WriteAt([]byte{0}, size-1)
	return err
}

func (f *FileRab) Size() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size
}

func (f *FileRab) Pread(off int64, buf []byte) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return newErr(KindClosed, "rab.pread", f.path, "", nil)
	}
	if err := checkBounds("rab.pread", f.path, off, len(buf), f.size); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	if _, err := f.f.ReadAt(buf, off); err != nil && err != io.EOF {
		return newErr(KindIO, "rab.pread", f.path, "", err)
	}
	return nil
}

func (f *FileRab) Pwrite(off int64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return newErr(KindClosed, "rab.pwrite", f.path, "", nil)
	}
	if f.readOnly {
		return newErr(KindReadOnly, "rab.pwrite", f.path, "", nil)
	}
	if err := checkBounds("rab.pwrite", f.path, off, len(buf), f.size); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	if _, err := f.f.WriteAt(buf, off); err != nil {
		return newErr(KindIO, "rab.pwrite", f.path, "", err)
	}
	return nil
}

func (f *FileRab) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if err := f.f.Close(); err != nil {
		return newErr(KindIO, "rab.close", f.path, "", err)
	}
	return nil
}

func (f *FileRab) Dispose() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disposed {
		return nil
	}
	if !f.closed {
		f.closed = true
		_ = f.f.Close()
	}
	f.disposed = true
	if !f.deleteOnDone {
		return nil
	}
	if f.secureDelete {
		if err := secureOverwrite(f.path, f.size); err != nil {
			return newErr(KindIO, "rab.dispose.secure-delete", f.path, "", err)
		}
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return newErr(KindIO, "rab.dispose.remove", f.path, "", err)
	}
	return nil
}

// secureOverwrite performs a single overwrite-with-random-bytes pass before
// removal, per spec §4.11's "secure delete" option.
func secureOverwrite(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	var off int64
	for off < size {
		n := chunk
		if remaining := size - off; remaining < int64(n) {
			n = int(remaining)
		}
		if _, err := rand.Read(buf[:n]); err != nil {
			return err
		}
		if _, err := f.WriteAt(buf[:n], off); err != nil {
			return err
		}
		off += int64(n)
	}
	return f.Sync()
}

func (f *FileRab) LockOpen() (RabLock, error) { return noopLock{}, nil }

const magicFileRab uint32 = 0x46696c65

func (f *FileRab) StoreTo(w io.Writer) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return writeRecordHeader(w, magicFileRab, 1, func(w io.Writer) error {
		if err := writeStringField(w, f.path); err != nil {
			return err
		}
		if err := writeInt64Field(w, f.size); err != nil {
			return err
		}
		if err := writeBoolField(w, f.readOnly); err != nil {
			return err
		}
		if err := writeBoolField(w, f.deleteOnDone); err != nil {
			return err
		}
		return writeBoolField(w, f.secureDelete)
	})
}

func (f *FileRab) OnResume(ctx *ResumeContext) error {
	if ctx != nil && ctx.Tracker != nil && !f.deleteOnDone {
		return ctx.Tracker.Register(f.path)
	}
	return nil
}

func init() {
	registerRabMagic(magicFileRab, func(r *recordReader, ctx *ResumeContext) (Rab, error) {
		if r.version != 1 {
			return nil, newErr(KindStorageFormat, "rab.resume", "file", "unsupported version", nil)
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
		deleteOnDone, err := r.readBoolField()
		if err != nil {
			return nil, err
		}
		secureDelete, err := r.readBoolField()
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
		rab, err := NewFileRab(path, size, readOnly, deleteOnDone, secureDelete, false)
		if err != nil {
			return nil, err
		}
		if err := rab.OnResume(ctx); err != nil {
			return nil, err
		}
		return rab, nil
	})
}
