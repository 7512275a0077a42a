package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func TestTempRabMigratesPreservingData(t *testing.T) {
	dir := t.TempDir()
	initial := NewArrayRab(16)
	if err := initial.Pwrite(0, []byte("migrate me please")[:16]); err != nil {
		t.Fatalf("seed: %v", err)
	}

	n := 0
	diskMaker := func(size int64) (Rab, error) {
		n++
		return NewFileRab(filepath.Join(dir, "migrated"), size, false, false, false, false)
	}
	tr := NewTempRab(initial, diskMaker)

	if tr.IsMigrated() {
		t.Fatalf("expected not migrated initially")
	}
	ok, err := tr.MigrateToDisk()
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !ok {
		t.Fatalf("expected first migration to report true")
	}
	if !tr.IsMigrated() {
		t.Fatalf("expected IsMigrated true after migration")
	}

	got := make([]byte, 16)
	if err := tr.Pread(0, got); err != nil {
		t.Fatalf("pread after migration: %v", err)
	}
	if string(got) != "migrate me please"[:16] {
		t.Fatalf("content lost across migration: %q", got)
	}

	// One-shot: a second migration is a no-op.
	ok, err = tr.MigrateToDisk()
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if ok {
		t.Fatalf("expected second migration to report false")
	}
	if n != 1 {
		t.Fatalf("expected diskMaker invoked exactly once, got %d", n)
	}
}

func TestTempBucketMigratesPreservingData(t *testing.T) {
	dir := t.TempDir()
	initial := NewArrayBucket("b")
	diskMaker := func() (Bucket, error) {
		return NewFileBucket(filepath.Join(dir, "migrated-bucket"), "b", false)
	}
	tb := NewTempBucket(initial, diskMaker)
	writeAllToBucket(t, tb, []byte("bucket payload before migration"))

	ok, err := tb.MigrateToDisk()
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !ok {
		t.Fatalf("expected migration to succeed")
	}
	got := readAllFromBucket(t, tb)
	if string(got) != "bucket payload before migration" {
		t.Fatalf("content lost across migration: %q", got)
	}

	ok, err = tb.MigrateToDisk()
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if ok {
		t.Fatalf("expected second migration to be a no-op")
	}
}

func TestTempBucketMigrationBlocksUntilStreamCloses(t *testing.T) {
	dir := t.TempDir()
	initial := NewArrayBucket("blocker")
	writeAllToBucket(t, initial, []byte("in flight content"))

	diskMaker := func() (Bucket, error) {
		return NewFileBucket(filepath.Join(dir, "blocker-disk"), "blocker", false)
	}
	tb := NewTempBucket(initial, diskMaker)

	r, err := tb.GetInputStream()
	if err != nil {
		t.Fatalf("getInputStream: %v", err)
	}

	migrated := make(chan error, 1)
	go func() {
		_, err := tb.MigrateToDisk()
		migrated <- err
	}()

	select {
	case err := <-migrated:
		t.Fatalf("migration completed (err=%v) while a reader was still open", err)
	case <-time.After(150 * time.Millisecond):
	}

	if err := r.Close(); err != nil {
		t.Fatalf("close reader: %v", err)
	}

	select {
	case err := <-migrated:
		if err != nil {
			t.Fatalf("migrate after reader closed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("migration never completed after the in-flight reader closed")
	}
}
