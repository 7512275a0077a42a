package storage

import (
	"io"
	"sync"
)

// EncryptedBucket is the streaming counterpart of EncryptedRab (spec §4.7
// / C9): the header is the first HeaderLen() bytes of every output stream,
// and is re-verified at the start of every input stream. Each output
// session gets a fresh random header (and thus a fresh base/data key),
// matching the "reopening resets size to 0" bucket invariant — rewritten
// content is never encrypted under a reused key.
type EncryptedBucket struct {
	mu           sync.Mutex
	under        Bucket
	t            CryptoType
	masterSecret []byte
}

// NewEncryptedBucket wraps under (expected freshly created / empty).
func NewEncryptedBucket(under Bucket, t CryptoType, masterSecret []byte) *EncryptedBucket {
	return &EncryptedBucket{under: under, t: t, masterSecret: masterSecret}
}

func (e *EncryptedBucket) GetName() string  { return e.under.GetName() }
func (e *EncryptedBucket) IsReadOnly() bool { return e.under.IsReadOnly() }
func (e *EncryptedBucket) SetReadOnly()     { e.under.SetReadOnly() }

func (e *EncryptedBucket) Size() int64 {
	s := e.under.Size() - int64(e.t.HeaderLen())
	if s < 0 {
		return 0
	}
	return s
}

type encBucketWriter struct {
	w      io.WriteCloser
	cipher *seekableCipher
}

func (w *encBucketWriter) Write(buf []byte) (int, error) {
	ct := make([]byte, len(buf))
	w.cipher.process(buf, ct)
	n, err := w.w.Write(ct)
	if err != nil {
		return n, newErr(KindIO, "bucket.write", "encrypted", "", err)
	}
	return len(buf), nil
}

func (w *encBucketWriter) Close() error { return w.w.Close() }

func (e *EncryptedBucket) openOutput(unbuffered bool) (io.WriteCloser, error) {
	var w io.WriteCloser
	var err error
	if unbuffered {
		w, err = e.under.GetOutputStreamUnbuffered()
	} else {
		w, err = e.under.GetOutputStream()
	}
	if err != nil {
		return nil, err
	}
	encoded, baseKey, err := newHeader(e.t, e.masterSecret)
	if err != nil {
		w.Close()
		return nil, err
	}
	if _, err := w.Write(encoded); err != nil {
		w.Close()
		return nil, newErr(KindIO, "bucket.getOutputStream", e.GetName(), "write header", err)
	}
	key, iv, err := deriveDataKeyIV(e.t, baseKey)
	if err != nil {
		w.Close()
		return nil, err
	}
	cipher, err := newSeekableCipher(e.t, key, iv)
	if err != nil {
		w.Close()
		return nil, err
	}
	return &encBucketWriter{w: w, cipher: cipher}, nil
}

func (e *EncryptedBucket) GetOutputStream() (io.WriteCloser, error) { return e.openOutput(false) }

func (e *EncryptedBucket) GetOutputStreamUnbuffered() (io.WriteCloser, error) {
	return e.openOutput(true)
}

type encBucketReader struct {
	r      io.ReadCloser
	cipher *seekableCipher
}

func (r *encBucketReader) Read(buf []byte) (int, error) {
	ct := make([]byte, len(buf))
	n, err := r.r.Read(ct)
	if n > 0 {
		r.cipher.process(ct[:n], buf[:n])
	}
	return n, err
}

func (r *encBucketReader) Close() error { return r.r.Close() }

func (e *EncryptedBucket) openInput(unbuffered bool) (io.ReadCloser, error) {
	var r io.ReadCloser
	var err error
	if unbuffered {
		r, err = e.under.GetInputStreamUnbuffered()
	} else {
		r, err = e.under.GetInputStream()
	}
	if err != nil {
		return nil, err
	}
	raw := make([]byte, e.t.HeaderLen())
	if _, err := io.ReadFull(r, raw); err != nil {
		r.Close()
		return nil, newErr(KindIntegrity, "bucket.getInputStream", e.GetName(), "short header", err)
	}
	baseKey, err := parseHeader(e.t, raw, e.masterSecret)
	if err != nil {
		r.Close()
		return nil, err
	}
	key, iv, err := deriveDataKeyIV(e.t, baseKey)
	if err != nil {
		r.Close()
		return nil, err
	}
	cipher, err := newSeekableCipher(e.t, key, iv)
	if err != nil {
		r.Close()
		return nil, err
	}
	return &encBucketReader{r: r, cipher: cipher}, nil
}

func (e *EncryptedBucket) GetInputStream() (io.ReadCloser, error) { return e.openInput(false) }

func (e *EncryptedBucket) GetInputStreamUnbuffered() (io.ReadCloser, error) {
	return e.openInput(true)
}

func (e *EncryptedBucket) CreateShadow() (Bucket, error) { return NewReaderBucket(e) }

func (e *EncryptedBucket) Close() error   { return e.under.Close() }
func (e *EncryptedBucket) Dispose() error { return e.under.Dispose() }

// ToRandomAccessBuffer sets the underlying bucket read-only and wraps it in
// an EncryptedRab: the header bytes are already at offset 0 of the
// underlying bucket's final content by construction.
func (e *EncryptedBucket) ToRandomAccessBuffer() (Rab, error) {
	conv, ok := e.under.(RabConvertible)
	if !ok {
		return nil, newErr(KindInvalidArgument, "bucket.toRab", e.GetName(), "underlying bucket is not convertible", nil)
	}
	underRab, err := conv.ToRandomAccessBuffer()
	if err != nil {
		return nil, err
	}
	return OpenEncryptedRab(underRab, e.t, e.masterSecret)
}

const magicEncryptedBucket uint32 = 0x656e6342

func (e *EncryptedBucket) StoreTo(w io.Writer) error {
	return writeRecordHeader(w, magicEncryptedBucket, 1, func(w io.Writer) error {
		if err := writeUint32Field(w, uint32(e.t)); err != nil {
			return err
		}
		return e.under.StoreTo(w)
	})
}

func (e *EncryptedBucket) OnResume(ctx *ResumeContext) error {
	if ctx != nil {
		e.masterSecret = ctx.MasterSecret
	}
	if res, ok := e.under.(Resumable); ok {
		return res.OnResume(ctx)
	}
	return nil
}

func init() {
	registerBucketMagic(magicEncryptedBucket, func(r *recordReader, ctx *ResumeContext) (Bucket, error) {
		if r.version != 1 {
			return nil, newErr(KindStorageFormat, "bucket.resume", "encrypted", "unsupported version", nil)
		}
		typeBits, err := r.readUint32Field()
		if err != nil {
			return nil, err
		}
		under, err := RestoreBucket(r.r, ctx)
		if err != nil {
			return nil, err
		}
		var secret []byte
		if ctx != nil {
			secret = ctx.MasterSecret
		}
		e := NewEncryptedBucket(under, CryptoType(typeBits), secret)
		return e, e.OnResume(ctx)
	})
}
