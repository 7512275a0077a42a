package storage

import (
	"testing"

	"golang.org/x/sys/unix"
)

func fakeStatfs(bavail, bsize uint64) func(path string, buf *unix.Statfs_t) error {
	return func(path string, buf *unix.Statfs_t) error {
		buf.Bavail = bavail
		buf.Bsize = int64(bsize)
		return nil
	}
}

func TestDiskSpaceCheckerFreeBytes(t *testing.T) {
	c := NewDiskSpaceChecker("/tmp", 0)
	c.statfs = fakeStatfs(1000, 4096)
	free, err := c.FreeBytes()
	if err != nil {
		t.Fatalf("freeBytes: %v", err)
	}
	if free != 1000*4096 {
		t.Fatalf("expected %d free bytes, got %d", 1000*4096, free)
	}
}

func TestDiskSpaceCheckerEnsureFreeAboveFloor(t *testing.T) {
	c := NewDiskSpaceChecker("/tmp", 1<<20)
	c.statfs = fakeStatfs(1000, 4096) // ~4MB available
	if err := c.EnsureFree(0); err != nil {
		t.Fatalf("expected ensureFree to pass with plenty of headroom, got %v", err)
	}
}

func TestDiskSpaceCheckerEnsureFreeBelowFloor(t *testing.T) {
	c := NewDiskSpaceChecker("/tmp", 1<<20)
	c.statfs = fakeStatfs(10, 512) // 5KB available, far below the 1MB floor
	if err := c.EnsureFree(0); KindOf(err) != KindInsufficientDiskSpace {
		t.Fatalf("expected KindInsufficientDiskSpace, got %v", err)
	}
}

func TestDiskSpaceCheckerEnsureFreeAccountsForWant(t *testing.T) {
	c := NewDiskSpaceChecker("/tmp", 0)
	c.statfs = fakeStatfs(100, 100) // 10000 bytes available
	if err := c.EnsureFree(9999); err != nil {
		t.Fatalf("expected want just under free to pass, got %v", err)
	}
	if err := c.EnsureFree(10001); KindOf(err) != KindInsufficientDiskSpace {
		t.Fatalf("expected want exceeding free to fail, got %v", err)
	}
}
