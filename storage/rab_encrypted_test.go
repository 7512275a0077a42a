package storage

import "testing"

func newEncryptedArrayRab(t *testing.T, ct CryptoType, secret []byte, logicalSize int64) (*EncryptedRab, *ArrayRab) {
	t.Helper()
	under := NewArrayRab(logicalSize + int64(ct.HeaderLen()))
	enc, err := NewEncryptedRab(under, ct, secret)
	if err != nil {
		t.Fatalf("new encrypted rab: %v", err)
	}
	return enc, under
}

func TestEncryptedRabRoundTrip(t *testing.T) {
	secret := []byte("master secret value")
	for _, ct := range []CryptoType{CryptoChacha128, CryptoChacha256} {
		enc, _ := newEncryptedArrayRab(t, ct, secret, 64)
		want := []byte("the quick brown fox jumps over the lazy dog!!!!")
		if err := enc.Pwrite(0, want); err != nil {
			t.Fatalf("[%s] pwrite: %v", ct, err)
		}
		got := make([]byte, len(want))
		if err := enc.Pread(0, got); err != nil {
			t.Fatalf("[%s] pread: %v", ct, err)
		}
		if string(got) != string(want) {
			t.Fatalf("[%s] round trip mismatch: got %q want %q", ct, got, want)
		}
	}
}

func TestEncryptedRabCiphertextIsNotPlaintext(t *testing.T) {
	secret := []byte("another secret")
	enc, under := newEncryptedArrayRab(t, CryptoChacha256, secret, 32)
	plain := []byte("0123456789abcdef0123456789abcdef")[:32]
	if err := enc.Pwrite(0, plain); err != nil {
		t.Fatalf("pwrite: %v", err)
	}
	raw := make([]byte, 32)
	if err := under.Pread(int64(CryptoChacha256.HeaderLen()), raw); err != nil {
		t.Fatalf("pread underlying: %v", err)
	}
	if string(raw) == string(plain) {
		t.Fatalf("ciphertext equals plaintext, encryption did not run")
	}
}

func TestEncryptedRabOutOfOrderAccessMatchesSequential(t *testing.T) {
	secret := []byte("seek secret")
	enc, _ := newEncryptedArrayRab(t, CryptoChacha128, secret, 128)
	data := make([]byte, 128)
	for i := range data {
		data[i] = byte(i)
	}
	// Write back-to-front in 16-byte chunks.
	for off := 112; off >= 0; off -= 16 {
		if err := enc.Pwrite(int64(off), data[off:off+16]); err != nil {
			t.Fatalf("pwrite at %d: %v", off, err)
		}
	}
	// Read front-to-back and compare.
	got := make([]byte, 128)
	for off := 0; off < 128; off += 32 {
		if err := enc.Pread(int64(off), got[off:off+32]); err != nil {
			t.Fatalf("pread at %d: %v", off, err)
		}
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("mismatch at byte %d: got %x want %x", i, got[i], data[i])
		}
	}
}

func TestOpenEncryptedRabWrongSecretFailsIntegrity(t *testing.T) {
	ct := CryptoChacha256
	under := NewArrayRab(64 + int64(ct.HeaderLen()))
	if _, err := NewEncryptedRab(under, ct, []byte("correct secret")); err != nil {
		t.Fatalf("new encrypted rab: %v", err)
	}
	if _, err := OpenEncryptedRab(under, ct, []byte("wrong secret")); KindOf(err) != KindIntegrity {
		t.Fatalf("expected KindIntegrity for wrong master secret, got %v", err)
	}
}

func TestOpenEncryptedRabReopensWithCorrectSecret(t *testing.T) {
	ct := CryptoChacha128
	secret := []byte("shared secret")
	under := NewArrayRab(32 + int64(ct.HeaderLen()))
	enc, err := NewEncryptedRab(under, ct, secret)
	if err != nil {
		t.Fatalf("new encrypted rab: %v", err)
	}
	if err := enc.Pwrite(0, []byte("reopened content stays intact!!!")); err != nil {
		t.Fatalf("pwrite: %v", err)
	}

	reopened, err := OpenEncryptedRab(under, ct, secret)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := make([]byte, 32)
	if err := reopened.Pread(0, got); err != nil {
		t.Fatalf("pread after reopen: %v", err)
	}
	if string(got) != "reopened content stays intact!!!" {
		t.Fatalf("unexpected content after reopen: %q", got)
	}
}

func TestCryptoTypeHeaderLen(t *testing.T) {
	if CryptoChacha128.HeaderLen() != 12+12+16+32 {
		t.Fatalf("unexpected chacha128 header length %d", CryptoChacha128.HeaderLen())
	}
	if CryptoChacha256.HeaderLen() != 12+12+32+32 {
		t.Fatalf("unexpected chacha256 header length %d", CryptoChacha256.HeaderLen())
	}
}

func TestNewEncryptedRabRejectsUndersizedUnderlying(t *testing.T) {
	ct := CryptoChacha256
	under := NewArrayRab(int64(ct.HeaderLen()) - 1)
	if _, err := NewEncryptedRab(under, ct, []byte("s")); KindOf(err) != KindInvalidArgument {
		t.Fatalf("expected KindInvalidArgument for undersized underlying, got %v", err)
	}
}
