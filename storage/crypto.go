package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// CryptoType identifies one of the two encryption type bitmasks spec §3
// defines for the header format. The concrete primitive behind each type is
// an implementation detail of this package (the spec treats "the
// cryptographic primitives library" as an out-of-scope external
// collaborator, §1); both types are realised here with
// golang.org/x/crypto/chacha20, the seekable stream cipher already present
// in the teacher's dependency graph.
type CryptoType uint32

const (
	// CryptoChacha128 is bitmask 1: 16-byte key, 12-byte IV, 32-byte MAC.
	CryptoChacha128 CryptoType = 1
	// CryptoChacha256 is bitmask 2: 32-byte key, 12-byte IV, 32-byte MAC.
	CryptoChacha256 CryptoType = 2
)

// KeySize returns the base/data key size in bytes for this type.
func (t CryptoType) KeySize() int {
	switch t {
	case CryptoChacha128:
		return 16
	case CryptoChacha256:
		return 32
	default:
		return 0
	}
}

// IVSize returns the IV size in bytes; both defined types use a 96-bit IV.
func (t CryptoType) IVSize() int { return 12 }

// MacLen returns the MAC tag length in bytes; both defined types use the
// full 32-byte HMAC-SHA-256 tag (no truncation).
func (t CryptoType) MacLen() int { return 32 }

// HeaderLen is 12 (4-byte version + 8-byte magic) plus IV, encrypted-key,
// and MAC lengths, per spec §3's on-disk layout diagram.
func (t CryptoType) HeaderLen() int {
	return 12 + t.IVSize() + t.KeySize() + t.MacLen()
}

func (t CryptoType) String() string {
	switch t {
	case CryptoChacha128:
		return "chacha128"
	case CryptoChacha256:
		return "chacha256"
	default:
		return fmt.Sprintf("crypto-type-%d", uint32(t))
	}
}

// headerMagic is the 8-byte big-endian constant terminating every
// encrypted header (spec §3).
const headerMagic uint64 = 0x2c158a6c7772acd3

// --- MAC -------------------------------------------------------------

// genMac computes HMAC-SHA-256(key, data...) and truncates to mac_len
// bytes (a no-op for both defined CryptoTypes, whose mac_len is 32).
func genMac(key []byte, macLen int, data ...[]byte) []byte {
	h := hmac.New(sha256.New, key)
	for _, d := range data {
		h.Write(d)
	}
	sum := h.Sum(nil)
	if macLen >= len(sum) {
		return sum
	}
	return sum[:macLen]
}

// verifyMac is a constant-time comparison of a recomputed MAC against one
// read from a header.
func verifyMac(key []byte, macLen int, expected []byte, data ...[]byte) bool {
	got := genMac(key, macLen, data...)
	return subtle.ConstantTimeCompare(got, expected) == 1
}

// --- KDF ---------------------------------------------------------------

// deriveKey derives a key_type-scoped symmetric key from the master secret
// (spec §6 deriveKey). label distinguishes the header-encryption key from
// the header-MAC key for the same CryptoType.
func deriveKey(masterSecret []byte, t CryptoType, label string, size int) ([]byte, error) {
	info := []byte(fmt.Sprintf("tempstore/%s/%s", t, label))
	r := hkdf.New(sha256.New, masterSecret, nil, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, newErr(KindIO, "crypto.derive", "", "hkdf expand", err)
	}
	return out, nil
}

// deriveLabelled derives a key or IV from baseKey, scoped by the wrapper's
// type identity and a label string (spec §6 deriveLabelled / §4.3 step 6:
// labels "UNDERLYING_KEY" and "UNDERLYING_IV").
func deriveLabelled(baseKey []byte, t CryptoType, label string, size int) ([]byte, error) {
	return deriveKey(baseKey, t, label, size)
}

// --- seekable stream cipher ---------------------------------------------

// seekableCipher is the consumed "stream cipher engine" contract of spec
// §6: processBytes at an explicit logical position, amortizing sequential
// calls to a cheap skip.
type seekableCipher struct {
	t       CryptoType
	stream  *chacha20.Cipher
	dataKey []byte
	dataIV  []byte
	pos     int64
}

// newSeekableCipher initialises a stream positioned at offset 0.
// golang.org/x/crypto/chacha20 only accepts 32-byte keys; CryptoChacha128's
// 16-byte data key is expanded to 32 bytes via a dedicated HKDF label so
// that both CryptoTypes share one underlying primitive.
func newSeekableCipher(t CryptoType, dataKey, dataIV []byte) (*seekableCipher, error) {
	key32 := dataKey
	if t == CryptoChacha128 {
		expanded, err := deriveKey(dataKey, t, "chacha128-expand", chacha20.KeySize)
		if err != nil {
			return nil, err
		}
		key32 = expanded
	}
	s, err := chacha20.NewUnauthenticatedCipher(key32, dataIV)
	if err != nil {
		return nil, newErr(KindIO, "crypto.cipher.init", "", "chacha20 init", err)
	}
	return &seekableCipher{t: t, stream: s, dataKey: dataKey, dataIV: dataIV}, nil
}

func (c *seekableCipher) position() int64 { return c.pos }

// skip advances (or rewinds, by reinitialising and fast-forwarding) the
// keystream to the given absolute byte offset.
func (c *seekableCipher) skip(to int64) error {
	if to == c.pos {
		return nil
	}
	if to < c.pos {
		// chacha20 counters only move forward; reset and replay.
		key32 := c.dataKey
		if c.t == CryptoChacha128 {
			expanded, err := deriveKey(c.dataKey, c.t, "chacha128-expand", chacha20.KeySize)
			if err != nil {
				return err
			}
			key32 = expanded
		}
		s, err := chacha20.NewUnauthenticatedCipher(key32, c.dataIV)
		if err != nil {
			return newErr(KindIO, "crypto.cipher.skip", "", "chacha20 reinit", err)
		}
		c.stream = s
		c.pos = 0
	}
	delta := to - c.pos
	const blockSize = 64
	block := blockSize
	buf := make([]byte, blockSize)
	for delta > 0 {
		if int64(block) > delta {
			block = int(delta)
		}
		c.stream.XORKeyStream(buf[:block], buf[:block])
		delta -= int64(block)
		c.pos += int64(block)
		block = blockSize
	}
	return nil
}

// process encrypts or decrypts (symmetric for a stream cipher) length bytes
// starting at the cipher's current position, then advances it.
func (c *seekableCipher) process(in, out []byte) {
	c.stream.XORKeyStream(out, in)
	c.pos += int64(len(in))
}
