package storage

import (
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

// TempRamTracker holds weak references to every live RAM-backed temp
// storage object plus a running total of RAM bytes in use (spec §3 "Temp
// RAM tracker", invariant: ram-bytes-in-use = Σ logical-size of live,
// undisposed RAM-backed temp storage). The counter is a plain atomic; the
// entry lists use a mutex rather than a genuinely lock-free queue, since
// the standard library offers no lock-free MPMC queue and the releaser
// (the only reader that walks the whole list) already runs on a single
// dedicated goroutine — see DESIGN.md.
//
// Entries hold a weak.Pointer to the tracked object rather than a strong
// one: the tracker observes temp storage, it does not own it. A caller
// that drops its last strong reference without disposing is still caught
// — the entry's weak pointer resolves to nil and is pruned on the next
// sweep, with its bytes subtracted from the running total.
type TempRamTracker struct {
	mu            sync.Mutex
	buckets       []*bucketEntry
	rabs          []*rabEntry
	ramBytesInUse atomic.Int64
}

type bucketEntry struct {
	ref     weak.Pointer[TempBucket]
	size    int64
	created time.Time
}

type rabEntry struct {
	ref     weak.Pointer[TempRab]
	size    int64
	created time.Time
}

// NewTempRamTracker returns an empty tracker.
func NewTempRamTracker() *TempRamTracker { return &TempRamTracker{} }

// RAMBytesInUse is the current running total.
func (t *TempRamTracker) RAMBytesInUse() int64 { return t.ramBytesInUse.Load() }

// TrackBucket registers a freshly RAM-backed temp bucket of the given
// logical size.
func (t *TempRamTracker) TrackBucket(b *TempBucket, size int64) {
	t.ramBytesInUse.Add(size)
	t.mu.Lock()
	t.buckets = append(t.buckets, &bucketEntry{ref: weak.Make(b), size: size, created: time.Now()})
	t.mu.Unlock()
}

// TrackRab registers a freshly RAM-backed temp Rab of the given size.
func (t *TempRamTracker) TrackRab(r *TempRab, size int64) {
	t.ramBytesInUse.Add(size)
	t.mu.Lock()
	t.rabs = append(t.rabs, &rabEntry{ref: weak.Make(r), size: size, created: time.Now()})
	t.mu.Unlock()
}

// release subtracts n bytes from the running total; called once the
// tracker migrates a tracked object to disk, or when a sweep finds its weak
// reference dead. Disposal itself is not observed: a disposed, unmigrated
// object stays counted until it becomes unreachable and a sweep prunes it.
func (t *TempRamTracker) release(n int64) {
	if n == 0 {
		return
	}
	t.ramBytesInUse.Add(-n)
}

// sweepAndMigrate is the releaser's core loop body (spec §4.11): it walks
// both entry lists once, pruning dead weak references, dropping
// already-migrated entries from the list, and — for entries
// satisfying shouldMigrate — calling MigrateToDisk. It returns the number
// of bytes freed by migrations performed in this pass.
func (t *TempRamTracker) sweepAndMigrate(shouldMigrate func(created time.Time) bool, onInsufficientSpace func()) int64 {
	var freed int64

	t.mu.Lock()
	buckets := append([]*bucketEntry(nil), t.buckets...)
	rabs := append([]*rabEntry(nil), t.rabs...)
	t.mu.Unlock()

	liveBuckets := buckets[:0:0]
	for _, e := range buckets {
		b := e.ref.Value()
		if b == nil {
			t.release(e.size)
			continue
		}
		if b.IsMigrated() {
			continue // already migrated; drop from the RAM list
		}
		if shouldMigrate(e.created) {
			migrated, err := b.MigrateToDisk()
			if err != nil {
				if Is(err, KindInsufficientDiskSpace) && onInsufficientSpace != nil {
					onInsufficientSpace()
				}
				liveBuckets = append(liveBuckets, e)
				continue
			}
			if migrated {
				t.release(e.size)
				freed += e.size
				continue
			}
		}
		liveBuckets = append(liveBuckets, e)
	}

	liveRabs := rabs[:0:0]
	for _, e := range rabs {
		r := e.ref.Value()
		if r == nil {
			t.release(e.size)
			continue
		}
		if r.IsMigrated() {
			continue
		}
		if shouldMigrate(e.created) {
			migrated, err := r.MigrateToDisk()
			if err != nil {
				if Is(err, KindInsufficientDiskSpace) && onInsufficientSpace != nil {
					onInsufficientSpace()
				}
				liveRabs = append(liveRabs, e)
				continue
			}
			if migrated {
				t.release(e.size)
				freed += e.size
				continue
			}
		}
		liveRabs = append(liveRabs, e)
	}

	t.mu.Lock()
	t.buckets = liveBuckets
	t.rabs = liveRabs
	t.mu.Unlock()

	return freed
}

// migrateOldestOne finds the single oldest still-RAM-backed entry across
// both lists and migrates it (spec §4.11 pressure-handling step 2, which
// drains one object at a time so the caller can re-check the low
// watermark between migrations). ok is false if nothing is left to
// migrate.
func (t *TempRamTracker) migrateOldestOne(onInsufficientSpace func()) (freed int64, ok bool, err error) {
	t.mu.Lock()
	var oldestBucket *bucketEntry
	var oldestRab *rabEntry
	for _, e := range t.buckets {
		if b := e.ref.Value(); b != nil && !b.IsMigrated() {
			if oldestBucket == nil || e.created.Before(oldestBucket.created) {
				oldestBucket = e
			}
		}
	}
	for _, e := range t.rabs {
		if r := e.ref.Value(); r != nil && !r.IsMigrated() {
			if oldestRab == nil || e.created.Before(oldestRab.created) {
				oldestRab = e
			}
		}
	}
	t.mu.Unlock()

	switch {
	case oldestBucket != nil && (oldestRab == nil || oldestBucket.created.Before(oldestRab.created)):
		b := oldestBucket.ref.Value()
		if b == nil {
			return 0, true, nil
		}
		migrated, merr := b.MigrateToDisk()
		if merr != nil {
			if Is(merr, KindInsufficientDiskSpace) && onInsufficientSpace != nil {
				onInsufficientSpace()
			}
			return 0, true, merr
		}
		if migrated {
			t.release(oldestBucket.size)
			return oldestBucket.size, true, nil
		}
		return 0, true, nil
	case oldestRab != nil:
		r := oldestRab.ref.Value()
		if r == nil {
			return 0, true, nil
		}
		migrated, merr := r.MigrateToDisk()
		if merr != nil {
			if Is(merr, KindInsufficientDiskSpace) && onInsufficientSpace != nil {
				onInsufficientSpace()
			}
			return 0, true, merr
		}
		if migrated {
			t.release(oldestRab.size)
			return oldestRab.size, true, nil
		}
		return 0, true, nil
	default:
		return 0, false, nil
	}
}
