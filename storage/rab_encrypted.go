package storage

import (
	"io"
	"sync"
)

// EncryptedRab wraps any Rab of size >= t.HeaderLen() with the header+MAC+
// stream-cipher scheme of spec §4.3. Logical offset k maps to underlying
// offset k+HeaderLen(); read and write cipher state are tracked and locked
// independently so sequential operations in one direction amortize to a
// no-op skip without stalling the other direction.
type EncryptedRab struct {
	under Rab
	t     CryptoType
	key   []byte
	iv    []byte

	readMu  sync.Mutex
	readC   *seekableCipher
	writeMu sync.Mutex
	writeC  *seekableCipher
}

// NewEncryptedRab initialises a brand-new encrypted file: writes a fresh
// header (random IV, random base key) to the first HeaderLen() bytes of
// under and derives the data cipher from it.
func NewEncryptedRab(under Rab, t CryptoType, masterSecret []byte) (*EncryptedRab, error) {
	if under.Size() < int64(t.HeaderLen()) {
		return nil, newErr(KindInvalidArgument, "rab.encrypted.new", "", "underlying too small for header", nil)
	}
	encoded, baseKey, err := newHeader(t, masterSecret)
	if err != nil {
		return nil, err
	}
	if err := under.Pwrite(0, encoded); err != nil {
		return nil, err
	}
	return newEncryptedRabFromBaseKey(under, t, baseKey)
}

// OpenEncryptedRab reopens an existing encrypted file, verifying its header
// against masterSecret. Fails with KindIntegrity on any mismatch.
func OpenEncryptedRab(under Rab, t CryptoType, masterSecret []byte) (*EncryptedRab, error) {
	if under.Size() < int64(t.HeaderLen()) {
		return nil, newErr(KindInvalidArgument, "rab.encrypted.open", "", "underlying too small for header", nil)
	}
	raw := make([]byte, t.HeaderLen())
	if err := under.Pread(0, raw); err != nil {
		return nil, err
	}
	baseKey, err := parseHeader(t, raw, masterSecret)
	if err != nil {
		return nil, err
	}
	return newEncryptedRabFromBaseKey(under, t, baseKey)
}

func newEncryptedRabFromBaseKey(under Rab, t CryptoType, baseKey []byte) (*EncryptedRab, error) {
	key, iv, err := deriveDataKeyIV(t, baseKey)
	if err != nil {
		return nil, err
	}
	readC, err := newSeekableCipher(t, key, iv)
	if err != nil {
		return nil, err
	}
	writeC, err := newSeekableCipher(t, key, iv)
	if err != nil {
		return nil, err
	}
	return &EncryptedRab{under: under, t: t, key: key, iv: iv, readC: readC, writeC: writeC}, nil
}

func (e *EncryptedRab) Size() int64 { return e.under.Size() - int64(e.t.HeaderLen()) }

func (e *EncryptedRab) Pread(off int64, buf []byte) error {
	if err := checkBounds("rab.pread", "encrypted", off, len(buf), e.Size()); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	ct := make([]byte, len(buf))
	if err := e.under.Pread(off+int64(e.t.HeaderLen()), ct); err != nil {
		return err
	}
	e.readMu.Lock()
	defer e.readMu.Unlock()
	if err := e.readC.skip(off); err != nil {
		return err
	}
	e.readC.process(ct, buf)
	return nil
}

func (e *EncryptedRab) Pwrite(off int64, buf []byte) error {
	if err := checkBounds("rab.pwrite", "encrypted", off, len(buf), e.Size()); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	ct := make([]byte, len(buf))
	e.writeMu.Lock()
	if err := e.writeC.skip(off); err != nil {
		e.writeMu.Unlock()
		return err
	}
	e.writeC.process(buf, ct)
	e.writeMu.Unlock()
	return e.under.Pwrite(off+int64(e.t.HeaderLen()), ct)
}

func (e *EncryptedRab) Close() error   { return e.under.Close() }
func (e *EncryptedRab) Dispose() error { return e.under.Dispose() }

func (e *EncryptedRab) LockOpen() (RabLock, error) { return e.under.LockOpen() }

const magicEncryptedRab uint32 = 0x39ea94c2

func (e *EncryptedRab) StoreTo(w io.Writer) error {
	return writeRecordHeader(w, magicEncryptedRab, 1, func(w io.Writer) error {
		if err := writeUint32Field(w, uint32(e.t)); err != nil {
			return err
		}
		return e.under.StoreTo(w)
	})
}

// OnResume only propagates to the underlying Rab. The cipher state is not
// re-derived here: OpenEncryptedRab already derived it from ctx's master
// secret, and verified the header, when init()'s resume constructor below
// built this object.
func (e *EncryptedRab) OnResume(ctx *ResumeContext) error {
	if res, ok := e.under.(Resumable); ok {
		return res.OnResume(ctx)
	}
	return nil
}

func init() {
	registerRabMagic(magicEncryptedRab, func(r *recordReader, ctx *ResumeContext) (Rab, error) {
		if r.version != 1 {
			return nil, newErr(KindStorageFormat, "rab.resume", "encrypted", "unsupported version", nil)
		}
		typeBits, err := r.readUint32Field()
		if err != nil {
			return nil, err
		}
		under, err := RestoreRab(r.r, ctx)
		if err != nil {
			return nil, err
		}
		var secret []byte
		if ctx != nil {
			secret = ctx.MasterSecret
		}
		enc, err := OpenEncryptedRab(under, CryptoType(typeBits), secret)
		if err != nil {
			return nil, err
		}
		if err := enc.OnResume(ctx); err != nil {
			return nil, err
		}
		return enc, nil
	})
}
