package storage

import "io"

// ReadOnlyRab shields an underlying Rab from writes; everything else
// delegates. It owns its underlying Rab exclusively (spec §3 ownership).
type ReadOnlyRab struct {
	under Rab
}

// NewReadOnlyRab wraps under so that Pwrite always fails.
func NewReadOnlyRab(under Rab) *ReadOnlyRab {
	return &ReadOnlyRab{under: under}
}

func (r *ReadOnlyRab) Size() int64 { return r.under.Size() }

func (r *ReadOnlyRab) Pread(off int64, buf []byte) error { return r.under.Pread(off, buf) }

func (r *ReadOnlyRab) Pwrite(off int64, buf []byte) error {
	return newErr(KindReadOnly, "rab.pwrite", "readonly", "", nil)
}

func (r *ReadOnlyRab) Close() error   { return r.under.Close() }
func (r *ReadOnlyRab) Dispose() error { return r.under.Dispose() }

func (r *ReadOnlyRab) LockOpen() (RabLock, error) { return r.under.LockOpen() }

// magicReadOnlyRab is preserved exactly per spec §9's open question on
// inconsistent test-subclass magics: this is the one documented as
// belonging to the read-only Rab.
const magicReadOnlyRab uint32 = 0x648d24da

func (r *ReadOnlyRab) StoreTo(w io.Writer) error {
	return writeRecordHeader(w, magicReadOnlyRab, 1, func(w io.Writer) error {
		return r.under.StoreTo(w)
	})
}

func (r *ReadOnlyRab) OnResume(ctx *ResumeContext) error {
	if res, ok := r.under.(Resumable); ok {
		return res.OnResume(ctx)
	}
	return nil
}

func init() {
	registerRabMagic(magicReadOnlyRab, func(r *recordReader, ctx *ResumeContext) (Rab, error) {
		if r.version != 1 {
			return nil, newErr(KindStorageFormat, "rab.resume", "readonly", "unsupported version", nil)
		}
		under, err := RestoreRab(r.r, ctx)
		if err != nil {
			return nil, err
		}
		return NewReadOnlyRab(under), nil
	})
}
