package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestFileBucketWriteThenReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b1")
	b, err := NewFileBucket(path, "b1", false)
	if err != nil {
		t.Fatalf("new file bucket: %v", err)
	}
	writeAllToBucket(t, b, []byte("file bucket content"))
	if b.Size() != int64(len("file bucket content")) {
		t.Fatalf("unexpected size %d", b.Size())
	}
	got := readAllFromBucket(t, b)
	if string(got) != "file bucket content" {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestFileBucketRewriteTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b2")
	b, err := NewFileBucket(path, "b2", false)
	if err != nil {
		t.Fatalf("new file bucket: %v", err)
	}
	writeAllToBucket(t, b, []byte("first version is longer"))
	writeAllToBucket(t, b, []byte("short"))
	got := readAllFromBucket(t, b)
	if string(got) != "short" {
		t.Fatalf("expected rewrite to truncate stale bytes, got %q", got)
	}
}

func TestFileBucketDisposeDeletesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b3")
	b, err := NewFileBucket(path, "b3", true)
	if err != nil {
		t.Fatalf("new file bucket: %v", err)
	}
	writeAllToBucket(t, b, []byte("x"))
	if err := b.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err=%v", err)
	}
}

func TestFileBucketToRandomAccessBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b4")
	b, err := NewFileBucket(path, "b4", false)
	if err != nil {
		t.Fatalf("new file bucket: %v", err)
	}
	writeAllToBucket(t, b, []byte("convert"))
	rab, err := b.ToRandomAccessBuffer()
	if err != nil {
		t.Fatalf("toRandomAccessBuffer: %v", err)
	}
	defer rab.Close()
	got := make([]byte, rab.Size())
	if err := rab.Pread(0, got); err != nil {
		t.Fatalf("pread: %v", err)
	}
	if string(got) != "convert" {
		t.Fatalf("unexpected content: %q", got)
	}
	if err := rab.Pwrite(0, got); KindOf(err) != KindReadOnly {
		t.Fatalf("expected converted rab to be read-only, got %v", err)
	}
}

func TestFileBucketStoreAndResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b5")
	b, err := NewFileBucket(path, "b5", false)
	if err != nil {
		t.Fatalf("new file bucket: %v", err)
	}
	writeAllToBucket(t, b, []byte("resumable"))

	var buf bytes.Buffer
	if err := b.StoreTo(&buf); err != nil {
		t.Fatalf("storeTo: %v", err)
	}
	restored, err := RestoreBucket(&buf, nil)
	if err != nil {
		t.Fatalf("restoreBucket: %v", err)
	}
	if restored.GetName() != "b5" {
		t.Fatalf("unexpected restored name %q", restored.GetName())
	}
	got := readAllFromBucket(t, restored)
	if string(got) != "resumable" {
		t.Fatalf("restored content mismatch: %q", got)
	}
}
