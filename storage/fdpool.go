package storage

import (
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sirupsen/logrus"
)

// poolEntry is one file's worth of pool-managed state (spec §3 "Pool
// entry"). All of its fields are mutated only while the owning Pool's mutex
// is held.
type poolEntry struct {
	path            string
	readOnly        bool
	length          int64
	persistentTempID int64 // -1 if not a persistent temp file
	deleteOnDispose bool
	secureDelete    bool
	lockLevel       int
	channel         *os.File
}

func (e *poolEntry) open() bool { return e.channel != nil }

// Pool caps the number of concurrently open OS file handles shared across
// every PooledFileRab, and evicts least-recently-unlocked entries on demand
// (spec §4.2).
type Pool struct {
	mu        sync.Mutex
	cond      *sync.Cond
	maxOpen   int
	totalOpen int
	closables *lru.LRU[*poolEntry, struct{}]
	log       logrus.FieldLogger
}

// NewPool builds an FD pool bounded at maxOpen concurrently open channels.
func NewPool(maxOpen int, log logrus.FieldLogger) *Pool {
	if maxOpen < 1 {
		maxOpen = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	// closables is a subset of "open" entries, itself bounded by maxOpen;
	// sizing the LRU at maxOpen means it never needs to auto-evict under
	// its own cap, since the pool's own eviction loop removes front
	// entries explicitly before the cap could be hit.
	closables, _ := lru.NewLRU[*poolEntry, struct{}](maxOpen, nil)
	p := &Pool{maxOpen: maxOpen, closables: closables, log: log}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// poolLock is the RabLock handed back by lockOpen.
type poolLock struct {
	pool  *Pool
	entry *poolEntry
	once  sync.Once
}

func (l *poolLock) Unlock() {
	l.once.Do(func() {
		l.pool.unlock(l.entry)
	})
}

// lockOpen implements the five-step protocol of spec §4.2: reuse an already
// open channel, open a fresh one if budget allows, evict the LRU front
// entry if not, or block until one of those becomes possible.
func (p *Pool) lockOpen(e *poolEntry, forceWrite bool) (RabLock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		p.closables.Remove(e)

		if e.open() {
			e.lockLevel++
			return &poolLock{pool: p, entry: e}, nil
		}

		if p.totalOpen < p.maxOpen {
			flag := os.O_RDWR
			if e.readOnly && !forceWrite {
				flag = os.O_RDONLY
			}
			f, err := os.OpenFile(e.path, flag, 0o600)
			if err != nil {
				return nil, newErr(KindIO, "fdpool.open", e.path, "", err)
			}
			e.channel = f
			p.totalOpen++
			e.lockLevel++
			return &poolLock{pool: p, entry: e}, nil
		}

		if p.closables.Len() > 0 {
			victim, _, _ := p.closables.GetOldest()
			p.closables.Remove(victim)
			if err := victim.channel.Close(); err != nil {
				p.log.WithError(err).WithField("path", victim.path).
					Warn("fdpool: evicted channel close failed")
			}
			victim.channel = nil
			p.totalOpen--
			continue
		}

		p.cond.Wait()
	}
}

// unlock decrements lockLevel; at zero the entry rejoins the closables LRU
// at its most-recently-used end and waiters are woken.
func (p *Pool) unlock(e *poolEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.lockLevel > 0 {
		e.lockLevel--
	}
	if e.lockLevel == 0 && e.open() {
		p.closables.Add(e, struct{}{})
		p.cond.Broadcast()
	}
}

// closeEntry requires lockLevel == 0; it removes e from the pool's
// bookkeeping and closes its channel if open.
func (p *Pool) closeEntry(e *poolEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.lockLevel > 0 {
		return newErr(KindIO, "fdpool.close", e.path, "entry locked open", nil)
	}
	p.closables.Remove(e)
	if e.open() {
		err := e.channel.Close()
		e.channel = nil
		p.totalOpen--
		p.cond.Broadcast()
		if err != nil {
			return newErr(KindIO, "fdpool.close", e.path, "", err)
		}
	}
	return nil
}

// Stats reports the pool's current occupancy, for the manager's metrics and
// for tests (spec §8 FD pool properties).
type PoolStats struct {
	MaxOpen   int
	TotalOpen int
	Closables int
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{MaxOpen: p.maxOpen, TotalOpen: p.totalOpen, Closables: p.closables.Len()}
}
