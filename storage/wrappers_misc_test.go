package storage

import (
	"io"
	"testing"
)

func TestReadOnlyRabRejectsWritesDelegatesReads(t *testing.T) {
	under := NewArrayRab(8)
	if err := under.Pwrite(0, []byte("abcdefgh")); err != nil {
		t.Fatalf("seed underlying: %v", err)
	}
	ro := NewReadOnlyRab(under)
	if ro.Size() != 8 {
		t.Fatalf("unexpected size %d", ro.Size())
	}
	if err := ro.Pwrite(0, []byte("x")); KindOf(err) != KindReadOnly {
		t.Fatalf("expected KindReadOnly, got %v", err)
	}
	got := make([]byte, 8)
	if err := ro.Pread(0, got); err != nil {
		t.Fatalf("pread: %v", err)
	}
	if string(got) != "abcdefgh" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestNullBucketDiscardsButTracksSize(t *testing.T) {
	b := NewNullBucket("null")
	writeAllToBucket(t, b, []byte("this content is thrown away"))
	if b.Size() != int64(len("this content is thrown away")) {
		t.Fatalf("expected tracked size %d, got %d", len("this content is thrown away"), b.Size())
	}
	r, err := b.GetInputStream()
	if err != nil {
		t.Fatalf("getInputStream: %v", err)
	}
	defer r.Close()
	buf := make([]byte, 1)
	if _, err := r.Read(buf); err != io.EOF {
		t.Fatalf("expected immediate EOF from a null bucket reader, got %v", err)
	}
}

func TestReaderBucketSharesStorageAndRefcounts(t *testing.T) {
	under := NewArrayBucket("shared")
	writeAllToBucket(t, under, []byte("shared payload"))

	shadow1, err := NewReaderBucket(under)
	if err != nil {
		t.Fatalf("shadow1: %v", err)
	}
	shadow2, err := NewReaderBucket(under)
	if err != nil {
		t.Fatalf("shadow2: %v", err)
	}

	if !shadow1.IsReadOnly() || !shadow2.IsReadOnly() {
		t.Fatalf("shadows must report read-only")
	}
	if _, err := shadow1.GetOutputStream(); KindOf(err) != KindReadOnly {
		t.Fatalf("expected KindReadOnly for shadow writer, got %v", err)
	}

	got1 := readAllFromBucket(t, shadow1)
	if string(got1) != "shared payload" {
		t.Fatalf("shadow1 content mismatch: %q", got1)
	}

	// Closing one shadow must not dispose the underlying bucket while the
	// other shadow is still outstanding.
	if err := shadow1.Close(); err != nil {
		t.Fatalf("close shadow1: %v", err)
	}
	got2 := readAllFromBucket(t, shadow2)
	if string(got2) != "shared payload" {
		t.Fatalf("shadow2 content mismatch after shadow1 closed: %q", got2)
	}

	// Closing the last shadow disposes the underlying bucket.
	if err := shadow2.Close(); err != nil {
		t.Fatalf("close shadow2: %v", err)
	}
	if _, err := under.GetInputStream(); KindOf(err) != KindAlreadyFreed {
		t.Fatalf("expected underlying bucket disposed once all shadows closed, got %v", err)
	}
}

func TestReaderBucketOfReaderBucketJoinsSameSharedState(t *testing.T) {
	under := NewArrayBucket("nested")
	writeAllToBucket(t, under, []byte("nested payload"))

	outer, err := NewReaderBucket(under)
	if err != nil {
		t.Fatalf("outer shadow: %v", err)
	}
	inner, err := outer.CreateShadow()
	if err != nil {
		t.Fatalf("inner shadow: %v", err)
	}

	if err := outer.Close(); err != nil {
		t.Fatalf("close outer: %v", err)
	}
	// inner still holds a reference; underlying must still be alive.
	got := readAllFromBucket(t, inner)
	if string(got) != "nested payload" {
		t.Fatalf("inner shadow content mismatch: %q", got)
	}
	if err := inner.Close(); err != nil {
		t.Fatalf("close inner: %v", err)
	}
	if _, err := under.GetInputStream(); KindOf(err) != KindAlreadyFreed {
		t.Fatalf("expected underlying disposed once nested shadows all closed, got %v", err)
	}
}
