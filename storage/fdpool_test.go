package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func mustTempFile(t *testing.T, dir, name string, size int64) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		t.Fatalf("truncate %s: %v", path, err)
	}
	f.Close()
	return path
}

func TestPoolOpensWithinBudget(t *testing.T) {
	dir := t.TempDir()
	pool := NewPool(2, nil)

	p1 := mustTempFile(t, dir, "a", 16)
	p2 := mustTempFile(t, dir, "b", 16)

	r1, err := NewPooledFileRab(pool, p1, -1, false, false, false)
	if err != nil {
		t.Fatalf("new rab 1: %v", err)
	}
	r2, err := NewPooledFileRab(pool, p2, -1, false, false, false)
	if err != nil {
		t.Fatalf("new rab 2: %v", err)
	}

	if err := r1.Pwrite(0, []byte("hello world!!!!!")); err != nil {
		t.Fatalf("pwrite r1: %v", err)
	}
	if err := r2.Pwrite(0, []byte("goodbye world!!!")); err != nil {
		t.Fatalf("pwrite r2: %v", err)
	}

	stats := pool.Stats()
	if stats.TotalOpen > stats.MaxOpen {
		t.Fatalf("totalOpen %d exceeds maxOpen %d", stats.TotalOpen, stats.MaxOpen)
	}
	if stats.TotalOpen != 2 {
		t.Fatalf("expected both channels open, got totalOpen=%d", stats.TotalOpen)
	}
}

func TestPoolEvictsLeastRecentlyUnlocked(t *testing.T) {
	dir := t.TempDir()
	pool := NewPool(1, nil)

	pa := mustTempFile(t, dir, "a", 8)
	pb := mustTempFile(t, dir, "b", 8)

	ra, err := NewPooledFileRab(pool, pa, -1, false, false, false)
	if err != nil {
		t.Fatalf("new rab a: %v", err)
	}
	rb, err := NewPooledFileRab(pool, pb, -1, false, false, false)
	if err != nil {
		t.Fatalf("new rab b: %v", err)
	}

	buf := make([]byte, 8)
	if err := ra.Pread(0, buf); err != nil {
		t.Fatalf("pread a: %v", err)
	}
	if ra.IsOpen() == false {
		t.Fatalf("expected a to be open right after use")
	}

	// Budget is 1: opening b must evict a's channel.
	if err := rb.Pread(0, buf); err != nil {
		t.Fatalf("pread b: %v", err)
	}
	if ra.IsOpen() {
		t.Fatalf("expected a's channel to have been evicted once b opened")
	}
	if !rb.IsOpen() {
		t.Fatalf("expected b to be open")
	}

	stats := pool.Stats()
	if stats.TotalOpen != 1 {
		t.Fatalf("expected exactly one open channel, got %d", stats.TotalOpen)
	}
}

func TestPoolLockedEntryNotEvicted(t *testing.T) {
	dir := t.TempDir()
	pool := NewPool(1, nil)

	pa := mustTempFile(t, dir, "a", 8)
	pb := mustTempFile(t, dir, "b", 8)

	ra, err := NewPooledFileRab(pool, pa, -1, false, false, false)
	if err != nil {
		t.Fatalf("new rab a: %v", err)
	}
	rb, err := NewPooledFileRab(pool, pb, -1, false, false, false)
	if err != nil {
		t.Fatalf("new rab b: %v", err)
	}

	lock, err := ra.LockOpen()
	if err != nil {
		t.Fatalf("lockopen a: %v", err)
	}
	if !ra.IsLocked() {
		t.Fatalf("expected a to be locked")
	}

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 8)
		rb.Pread(0, buf)
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("b's read completed despite a holding the only budget slot locked open")
	case <-time.After(150 * time.Millisecond):
		// expected: b blocks until a releases its lock
	}

	lock.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("b's read never completed after a's lock was released")
	}

	if !rb.IsOpen() {
		t.Fatalf("expected b to be open after a released its lock")
	}
}

func TestPoolStatsNeverExceedMaxOpen(t *testing.T) {
	dir := t.TempDir()
	const maxOpen = 3
	pool := NewPool(maxOpen, nil)

	var rabs []*PooledFileRab
	for i := 0; i < 8; i++ {
		path := mustTempFile(t, dir, string(rune('a'+i)), 4)
		r, err := NewPooledFileRab(pool, path, -1, false, false, false)
		if err != nil {
			t.Fatalf("new rab %d: %v", i, err)
		}
		rabs = append(rabs, r)
	}

	var wg sync.WaitGroup
	for _, r := range rabs {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 4)
			if err := r.Pread(0, buf); err != nil {
				t.Errorf("pread: %v", err)
			}
			stats := pool.Stats()
			if stats.TotalOpen > maxOpen {
				t.Errorf("totalOpen %d exceeds maxOpen %d", stats.TotalOpen, maxOpen)
			}
		}()
	}
	wg.Wait()

	if got := pool.Stats().TotalOpen; got > maxOpen {
		t.Fatalf("final totalOpen %d exceeds maxOpen %d", got, maxOpen)
	}
}

func TestPooledFileRabCloseRequiresUnlocked(t *testing.T) {
	dir := t.TempDir()
	pool := NewPool(2, nil)
	path := mustTempFile(t, dir, "a", 8)

	r, err := NewPooledFileRab(pool, path, -1, false, false, false)
	if err != nil {
		t.Fatalf("new rab: %v", err)
	}

	lock, err := r.LockOpen()
	if err != nil {
		t.Fatalf("lockopen: %v", err)
	}

	if err := r.Close(); err == nil {
		t.Fatalf("expected close to fail while the entry is locked open")
	} else if KindOf(err) != KindIO {
		t.Fatalf("expected KindIO, got %v", err)
	}

	lock.Unlock()

	if err := r.Close(); err != nil {
		t.Fatalf("close after unlock: %v", err)
	}
}
