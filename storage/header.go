package storage

import (
	"crypto/rand"
	"encoding/binary"
)

// header is the bit-exact layout of spec §3: IV ‖ encrypted-key ‖ MAC ‖
// ver(4) ‖ magic(8). It is shared verbatim between EncryptedRab (C6) and
// EncryptedBucket (C9) — the bucket's header is just these same bytes
// written as the first HeaderLen() bytes of the output stream instead of
// bytes [0, HeaderLen) of a Rab.
type header struct {
	t      CryptoType
	ivHdr  []byte
	encKey []byte
	mac    []byte
}

// newHeader builds a fresh header for a brand-new encrypted object: random
// IV, random base key, header-key derivation from masterSecret, and the MAC
// over IV‖baseKey‖ver. It returns the encoded header bytes and the
// (unencrypted) base key the caller needs to derive the data cipher from.
func newHeader(t CryptoType, masterSecret []byte) (encoded []byte, baseKey []byte, err error) {
	ivHdr := make([]byte, t.IVSize())
	if _, err = rand.Read(ivHdr); err != nil {
		return nil, nil, newErr(KindIO, "crypto.header.new", "", "read random IV", err)
	}
	baseKey = make([]byte, t.KeySize())
	if _, err = rand.Read(baseKey); err != nil {
		return nil, nil, newErr(KindIO, "crypto.header.new", "", "read random base key", err)
	}

	hdrEncKey, err := deriveKey(masterSecret, t, "header-enc", t.KeySize())
	if err != nil {
		return nil, nil, err
	}
	hdrMacKey, err := deriveKey(masterSecret, t, "header-mac", 32)
	if err != nil {
		return nil, nil, err
	}

	hdrCipher, err := newSeekableCipher(t, hdrEncKey, ivHdr)
	if err != nil {
		return nil, nil, err
	}
	encKeyBlob := make([]byte, len(baseKey))
	hdrCipher.process(baseKey, encKeyBlob)

	verBytes := encodeVer(t)
	mac := genMac(hdrMacKey, t.MacLen(), ivHdr, baseKey, verBytes)

	encoded = encodeHeader(t, ivHdr, encKeyBlob, mac)
	return encoded, baseKey, nil
}

// parseHeader validates and decodes an existing header, returning the
// recovered base key. It fails with KindIntegrity on any mismatch.
func parseHeader(t CryptoType, raw []byte, masterSecret []byte) (baseKey []byte, err error) {
	if len(raw) != t.HeaderLen() {
		return nil, newErr(KindIntegrity, "crypto.header.parse", "", "short header", nil)
	}
	ivHdr, encKeyBlob, mac, ver, magic := decodeHeader(t, raw)
	if magic != headerMagic {
		return nil, newErr(KindIntegrity, "crypto.header.parse", "", "bad magic", nil)
	}
	if ver != uint32(t) {
		return nil, newErr(KindIntegrity, "crypto.header.parse", "", "bad version bitmask", nil)
	}

	hdrEncKey, err := deriveKey(masterSecret, t, "header-enc", t.KeySize())
	if err != nil {
		return nil, err
	}
	hdrMacKey, err := deriveKey(masterSecret, t, "header-mac", 32)
	if err != nil {
		return nil, err
	}

	hdrCipher, err := newSeekableCipher(t, hdrEncKey, ivHdr)
	if err != nil {
		return nil, err
	}
	baseKey = make([]byte, len(encKeyBlob))
	hdrCipher.process(encKeyBlob, baseKey)

	verBytes := encodeVer(t)
	if !verifyMac(hdrMacKey, t.MacLen(), mac, ivHdr, baseKey, verBytes) {
		return nil, newErr(KindIntegrity, "crypto.header.parse", "", "MAC mismatch", nil)
	}
	return baseKey, nil
}

func encodeVer(t CryptoType) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(t))
	return b
}

func encodeHeader(t CryptoType, ivHdr, encKeyBlob, mac []byte) []byte {
	out := make([]byte, 0, t.HeaderLen())
	out = append(out, ivHdr...)
	out = append(out, encKeyBlob...)
	out = append(out, mac...)
	out = append(out, encodeVer(t)...)
	magicBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(magicBytes, headerMagic)
	out = append(out, magicBytes...)
	return out
}

func decodeHeader(t CryptoType, raw []byte) (ivHdr, encKeyBlob, mac []byte, ver uint32, magic uint64) {
	i := 0
	ivHdr = raw[i : i+t.IVSize()]
	i += t.IVSize()
	encKeyBlob = raw[i : i+t.KeySize()]
	i += t.KeySize()
	mac = raw[i : i+t.MacLen()]
	i += t.MacLen()
	ver = binary.BigEndian.Uint32(raw[i : i+4])
	i += 4
	magic = binary.BigEndian.Uint64(raw[i : i+8])
	return
}

// deriveDataKeyIV derives the data-cipher key and IV from the base key,
// per spec §4.3 step 6 (labels "UNDERLYING_KEY"/"UNDERLYING_IV").
func deriveDataKeyIV(t CryptoType, baseKey []byte) (key, iv []byte, err error) {
	key, err = deriveLabelled(baseKey, t, "UNDERLYING_KEY", t.KeySize())
	if err != nil {
		return nil, nil, err
	}
	iv, err = deriveLabelled(baseKey, t, "UNDERLYING_IV", t.IVSize())
	if err != nil {
		return nil, nil, err
	}
	return key, iv, nil
}
