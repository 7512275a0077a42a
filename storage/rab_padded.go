package storage

import "io"

// PaddedRab exposes a smaller logical size over a larger underlying Rab;
// bytes beyond the logical size are padding the caller never sees (spec
// §4.1). It owns its underlying Rab exclusively.
type PaddedRab struct {
	under      Rab
	logicalLen int64
}

// NewPaddedRab wraps under, reporting logicalLen as Size(). logicalLen must
// be <= under.Size().
func NewPaddedRab(under Rab, logicalLen int64) *PaddedRab {
	return &PaddedRab{under: under, logicalLen: logicalLen}
}

func (p *PaddedRab) Size() int64 { return p.logicalLen }

func (p *PaddedRab) Pread(off int64, buf []byte) error {
	if err := checkBounds("rab.pread", "padded", off, len(buf), p.logicalLen); err != nil {
		return err
	}
	return p.under.Pread(off, buf)
}

func (p *PaddedRab) Pwrite(off int64, buf []byte) error {
	if err := checkBounds("rab.pwrite", "padded", off, len(buf), p.logicalLen); err != nil {
		return err
	}
	return p.under.Pwrite(off, buf)
}

func (p *PaddedRab) Close() error   { return p.under.Close() }
func (p *PaddedRab) Dispose() error { return p.under.Dispose() }

func (p *PaddedRab) LockOpen() (RabLock, error) { return p.under.LockOpen() }

const magicPaddedRab uint32 = 0x70616452

func (p *PaddedRab) StoreTo(w io.Writer) error {
	return writeRecordHeader(w, magicPaddedRab, 1, func(w io.Writer) error {
		if err := writeInt64Field(w, p.logicalLen); err != nil {
			return err
		}
		return p.under.StoreTo(w)
	})
}

func (p *PaddedRab) OnResume(ctx *ResumeContext) error {
	if res, ok := p.under.(Resumable); ok {
		return res.OnResume(ctx)
	}
	return nil
}

func init() {
	registerRabMagic(magicPaddedRab, func(r *recordReader, ctx *ResumeContext) (Rab, error) {
		if r.version != 1 {
			return nil, newErr(KindStorageFormat, "rab.resume", "padded", "unsupported version", nil)
		}
		logicalLen, err := r.readInt64Field()
		if err != nil {
			return nil, err
		}
		under, err := RestoreRab(r.r, ctx)
		if err != nil {
			return nil, err
		}
		return NewPaddedRab(under, logicalLen), nil
	})
}

// nextPow2AtLeast1024 rounds s up to the next power of two, never going
// below 1024 (spec §3 padded-bucket layout; also used by PaddedBucket in
// bucket_padded.go).
func nextPow2AtLeast1024(s int64) int64 {
	const floor = 1024
	if s < floor {
		return floor
	}
	n := int64(1)
	for n < s {
		n <<= 1
	}
	return n
}
