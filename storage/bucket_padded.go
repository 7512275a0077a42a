package storage

import (
	"io"
	mrand "math/rand/v2"
	"sync"
)

// fillPseudoRandom fills buf with bytes from a non-cryptographic PRNG. The
// padding it produces is never secret (its length is visible to anyone who
// can see stored-file sizes, spec §4.6) so the goal is bulk-generation
// speed, not indistinguishability.
func fillPseudoRandom(buf []byte) {
	for i := 0; i < len(buf); i += 8 {
		v := mrand.Uint64()
		for j := 0; j < 8 && i+j < len(buf); j++ {
			buf[i+j] = byte(v >> (8 * j))
		}
	}
}

// PaddedBucket pads the underlying bucket, on output-stream close, to
// max(size, 1024) rounded up to the next power of two (spec §3/§4.6). Reads
// are capped at the un-padded logical size, which is tracked independently
// of the underlying bucket's (padded) size.
type PaddedBucket struct {
	mu         sync.Mutex
	under      Bucket
	logicalLen int64
}

// NewPaddedBucket wraps under, which should be freshly created (logicalLen
// starts at 0).
func NewPaddedBucket(under Bucket) *PaddedBucket {
	return &PaddedBucket{under: under}
}

func (p *PaddedBucket) GetName() string  { return p.under.GetName() }
func (p *PaddedBucket) IsReadOnly() bool { return p.under.IsReadOnly() }
func (p *PaddedBucket) SetReadOnly()     { p.under.SetReadOnly() }

func (p *PaddedBucket) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logicalLen
}

type paddedBucketWriter struct {
	p   *PaddedBucket
	w   io.WriteCloser
	err error
}

func (w *paddedBucketWriter) Write(buf []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.w.Write(buf)
	w.p.mu.Lock()
	w.p.logicalLen += int64(n)
	w.p.mu.Unlock()
	if err != nil {
		w.err = err
	}
	return n, err
}

func (w *paddedBucketWriter) Close() error {
	w.p.mu.Lock()
	logical := w.p.logicalLen
	w.p.mu.Unlock()

	padded := nextPow2AtLeast1024(logical)
	if fill := padded - logical; fill > 0 {
		buf := make([]byte, fill)
		fillPseudoRandom(buf)
		if _, err := w.w.Write(buf); err != nil {
			w.w.Close()
			return newErr(KindIO, "bucket.pad", w.p.GetName(), "write padding", err)
		}
	}
	return w.w.Close()
}

func (p *PaddedBucket) openOutput(unbuffered bool) (io.WriteCloser, error) {
	var w io.WriteCloser
	var err error
	if unbuffered {
		w, err = p.under.GetOutputStreamUnbuffered()
	} else {
		w, err = p.under.GetOutputStream()
	}
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.logicalLen = 0
	p.mu.Unlock()
	return &paddedBucketWriter{p: p, w: w}, nil
}

func (p *PaddedBucket) GetOutputStream() (io.WriteCloser, error) { return p.openOutput(false) }

func (p *PaddedBucket) GetOutputStreamUnbuffered() (io.WriteCloser, error) { return p.openOutput(true) }

type paddedBucketReader struct {
	p   *PaddedBucket
	r   io.ReadCloser
	pos int64
}

func (r *paddedBucketReader) Read(buf []byte) (int, error) {
	r.p.mu.Lock()
	limit := r.p.logicalLen
	r.p.mu.Unlock()
	if r.pos >= limit {
		return 0, io.EOF
	}
	if remaining := limit - r.pos; int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}
	n, err := r.r.Read(buf)
	r.pos += int64(n)
	return n, err
}

func (r *paddedBucketReader) Close() error { return r.r.Close() }

func (p *PaddedBucket) openInput(unbuffered bool) (io.ReadCloser, error) {
	var r io.ReadCloser
	var err error
	if unbuffered {
		r, err = p.under.GetInputStreamUnbuffered()
	} else {
		r, err = p.under.GetInputStream()
	}
	if err != nil {
		return nil, err
	}
	return &paddedBucketReader{p: p, r: r}, nil
}

func (p *PaddedBucket) GetInputStream() (io.ReadCloser, error) { return p.openInput(false) }

func (p *PaddedBucket) GetInputStreamUnbuffered() (io.ReadCloser, error) { return p.openInput(true) }

func (p *PaddedBucket) CreateShadow() (Bucket, error) { return NewReaderBucket(p) }

func (p *PaddedBucket) Close() error   { return p.under.Close() }
func (p *PaddedBucket) Dispose() error { return p.under.Dispose() }

// ToRandomAccessBuffer converts to a padded Rab view: the underlying bucket
// is converted first (setting it read-only), then clamped to the logical
// (un-padded) length via PaddedRab.
func (p *PaddedBucket) ToRandomAccessBuffer() (Rab, error) {
	conv, ok := p.under.(RabConvertible)
	if !ok {
		return nil, newErr(KindInvalidArgument, "bucket.toRab", p.GetName(), "underlying bucket is not convertible", nil)
	}
	underRab, err := conv.ToRandomAccessBuffer()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	logical := p.logicalLen
	p.mu.Unlock()
	return NewPaddedRab(underRab, logical), nil
}

const magicPaddedBucket uint32 = 0x70616442

func (p *PaddedBucket) StoreTo(w io.Writer) error {
	p.mu.Lock()
	logical := p.logicalLen
	p.mu.Unlock()
	return writeRecordHeader(w, magicPaddedBucket, 1, func(w io.Writer) error {
		if err := writeInt64Field(w, logical); err != nil {
			return err
		}
		return p.under.StoreTo(w)
	})
}

func (p *PaddedBucket) OnResume(ctx *ResumeContext) error {
	if res, ok := p.under.(Resumable); ok {
		return res.OnResume(ctx)
	}
	return nil
}

func init() {
	registerBucketMagic(magicPaddedBucket, func(r *recordReader, ctx *ResumeContext) (Bucket, error) {
		if r.version != 1 {
			return nil, newErr(KindStorageFormat, "bucket.resume", "padded", "unsupported version", nil)
		}
		logical, err := r.readInt64Field()
		if err != nil {
			return nil, err
		}
		under, err := RestoreBucket(r.r, ctx)
		if err != nil {
			return nil, err
		}
		p := &PaddedBucket{under: under, logicalLen: logical}
		return p, p.OnResume(ctx)
	})
}
