package storage

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// RAMConversionFactor bounds how much a single RAM-backed temp storage may
// grow past its admission-time request: max_ram_size = factor ×
// max_init_single_ram_size (spec §4.11).
const RAMConversionFactor = 4

// MaxUsageHigh/MaxUsageLow are the pressure-handling watermarks (spec
// §4.11): the releaser is triggered at MaxUsageHigh and drains down to
// MaxUsageLow.
const (
	MaxUsageHigh = 0.9
	MaxUsageLow  = 0.8
)

// RAMStorageMaxAge is the age-based eviction threshold for RAM-backed temp
// storage (spec §4.11 pressure-handling step 1).
const RAMStorageMaxAge = 5 * time.Minute

// Executor runs releaser work off the caller's thread. The manager expects
// a single-threaded executor (spec §5 "the releaser runs on a
// single-threaded executor passed to the manager"); SingleThreadExecutor
// below is the one production implementation this package ships.
type Executor interface {
	Submit(func())
}

// SingleThreadExecutor runs submitted work, in order, on one dedicated
// goroutine — the concurrency model spec §5 calls for.
type SingleThreadExecutor struct {
	tasks   chan func()
	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	stopped bool
}

// NewSingleThreadExecutor starts the worker goroutine with a bounded queue.
func NewSingleThreadExecutor(queueDepth int) *SingleThreadExecutor {
	if queueDepth <= 0 {
		queueDepth = 4
	}
	e := &SingleThreadExecutor{tasks: make(chan func(), queueDepth), done: make(chan struct{})}
	go e.run()
	return e
}

func (e *SingleThreadExecutor) run() {
	for fn := range e.tasks {
		fn()
	}
	close(e.done)
}

// Submit enqueues fn; it drops the task (rather than blocking the caller
// forever) if Stop has already been called.
func (e *SingleThreadExecutor) Submit(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.tasks <- fn
}

// Stop closes the queue and waits for any in-flight task to finish.
func (e *SingleThreadExecutor) Stop() {
	e.once.Do(func() {
		e.mu.Lock()
		e.stopped = true
		close(e.tasks)
		e.mu.Unlock()
	})
	<-e.done
}

// ManagerConfig is the temp-storage manager's construction-time policy
// (spec §4.11 Configuration).
type ManagerConfig struct {
	MaxInitSingleRAMSize int64
	RAMPoolSize          int64
	MinDiskSpace         int64
	Encrypt              bool
	MasterSecret         []byte
	Executor             Executor
	TmpDir               string
	CryptoType           CryptoType // default CryptoChacha256 if zero and Encrypt is set
	Pool                 *Pool      // optional FD pool; nil means disk Rabs are plain FileRab
	Log                  logrus.FieldLogger
}

// TempStorageManager implements spec §4.11 (C15): the single entry point
// callers use to obtain policy-composed buckets and Rabs, and the owner of
// the pressure-triggered releaser.
type TempStorageManager struct {
	cfg         ManagerConfig
	tracker     *TempRamTracker
	filenameGen *FilenameGenerator
	diskChecker *DiskSpaceChecker
	log         logrus.FieldLogger
	releaserSF  singleflight.Group
}

// NewTempStorageManager validates cfg, wipes any temp files left over from
// an unclean shutdown, and returns a ready manager.
func NewTempStorageManager(cfg ManagerConfig) (*TempStorageManager, error) {
	if cfg.MaxInitSingleRAMSize <= 0 {
		return nil, newErr(KindInvalidArgument, "manager.new", "", "MaxInitSingleRAMSize must be positive", nil)
	}
	if cfg.RAMPoolSize <= 0 {
		return nil, newErr(KindInvalidArgument, "manager.new", "", "RAMPoolSize must be positive", nil)
	}
	if cfg.TmpDir == "" {
		return nil, newErr(KindInvalidArgument, "manager.new", "", "TmpDir is required", nil)
	}
	if cfg.Executor == nil {
		cfg.Executor = NewSingleThreadExecutor(4)
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Encrypt && cfg.CryptoType == 0 {
		cfg.CryptoType = CryptoChacha256
	}

	gen := NewFilenameGenerator(cfg.TmpDir, "tempstore-")
	if err := gen.WipeExistingFiles(); err != nil {
		return nil, err
	}

	m := &TempStorageManager{
		cfg:         cfg,
		tracker:     NewTempRamTracker(),
		filenameGen: gen,
		diskChecker: NewDiskSpaceChecker(cfg.TmpDir, cfg.MinDiskSpace),
		log:         cfg.Log.WithField("component", "tempstore.manager"),
	}
	return m, nil
}

// RAMBytesInUse reports the manager's current RAM accounting total.
func (m *TempStorageManager) RAMBytesInUse() int64 { return m.tracker.RAMBytesInUse() }

func (m *TempStorageManager) wantsRAM(size int64) bool {
	inUse := m.tracker.RAMBytesInUse()
	return size > 0 &&
		size <= m.cfg.MaxInitSingleRAMSize &&
		inUse < m.cfg.RAMPoolSize &&
		inUse+size <= m.cfg.RAMPoolSize
}

func (m *TempStorageManager) newDiskBucket(hint int64) (Bucket, error) {
	if err := m.diskChecker.EnsureFree(hint); err != nil {
		return nil, err
	}
	_, path, err := m.filenameGen.MakeRandomFilename()
	if err != nil {
		return nil, err
	}
	return NewFileBucket(path, path, true)
}

func (m *TempStorageManager) newDiskRab(size int64) (Rab, error) {
	if err := m.diskChecker.EnsureFree(size); err != nil {
		return nil, err
	}
	_, path, err := m.filenameGen.MakeRandomFilename()
	if err != nil {
		return nil, err
	}
	if m.cfg.Pool != nil {
		return NewPooledFileRab(m.cfg.Pool, path, size, false, true, false)
	}
	return NewFileRab(path, size, false, true, false, true)
}

// wrapEncryptedBucket applies the manager's optional padded-then-encrypted
// layer (spec §4.11 "Optional encryption layer").
func (m *TempStorageManager) wrapEncryptedBucket(b Bucket) Bucket {
	if !m.cfg.Encrypt || len(m.cfg.MasterSecret) == 0 {
		return b
	}
	return NewEncryptedBucket(NewPaddedBucket(b), m.cfg.CryptoType, m.cfg.MasterSecret)
}

func (m *TempStorageManager) wrapEncryptedRab(r Rab, logicalLen int64) (Rab, error) {
	if !m.cfg.Encrypt || len(m.cfg.MasterSecret) == 0 {
		return r, nil
	}
	return NewEncryptedRab(NewPaddedRab(r, logicalLen), m.cfg.CryptoType, m.cfg.MasterSecret)
}

// MakeBucket is the admission entry point for a bucket expected to hold
// approximately size bytes (spec §4.11 Admission). A RAM-admitted bucket
// is a TempBucket that can migrate to disk later, returned (possibly
// encrypted) behind the growth-ceiling guard of growthGuardedBucket; a
// disk-admitted one is disk-backed from the start.
func (m *TempStorageManager) MakeBucket(size int64) (Bucket, error) {
	if m.wantsRAM(size) {
		ram := NewArrayBucket(fmt.Sprintf("ram-bucket-%d", size))
		tb := NewTempBucket(ram, func() (Bucket, error) { return m.newDiskBucket(size) })
		m.tracker.TrackBucket(tb, size)
		m.maybeTriggerReleaser()
		return m.growthGuardedBucket(tb, m.wrapEncryptedBucket(tb)), nil
	}
	disk, err := m.newDiskBucket(size)
	if err != nil {
		return nil, err
	}
	return m.wrapEncryptedBucket(disk), nil
}

// MakeRab is MakeBucket's Rab-side counterpart (spec §4.11, and §4.9 for
// the RAM-admitted case).
func (m *TempStorageManager) MakeRab(size int64) (Rab, error) {
	if m.wantsRAM(size) {
		ram := NewArrayRab(size)
		tr := NewTempRab(ram, func(sz int64) (Rab, error) { return m.newDiskRab(sz) })
		m.tracker.TrackRab(tr, size)
		m.maybeTriggerReleaser()
		return m.wrapEncryptedRab(tr, size)
	}
	disk, err := m.newDiskRab(size)
	if err != nil {
		return nil, err
	}
	return m.wrapEncryptedRab(disk, size)
}

// growthGuardedBucket wraps outer (the bucket handed back to the caller,
// possibly already padded/encrypted) so that closing an output stream
// which pushed tb past the RAM growth ceiling (RAMConversionFactor ×
// MaxInitSingleRAMSize) immediately migrates tb to disk, rather than
// waiting for the next pressure sweep. This is a deliberate narrowing of
// spec §4.11's "must migrate to disk before accepting the write": doing
// the swap strictly mid-stream would require releasing TempBucket's RLock
// from inside the very writer holding it, which is unsafe; migrating as
// soon as the offending stream closes is the nearest safe approximation,
// recorded in DESIGN.md.
func (m *TempStorageManager) growthGuardedBucket(tb *TempBucket, outer Bucket) Bucket {
	ceiling := RAMConversionFactor * m.cfg.MaxInitSingleRAMSize
	return &ceilingGuardBucket{Bucket: outer, tb: tb, ceiling: ceiling, m: m}
}

type ceilingGuardBucket struct {
	Bucket
	tb      *TempBucket
	ceiling int64
	m       *TempStorageManager
}

type ceilingGuardWriter struct {
	io.WriteCloser
	g *ceilingGuardBucket
}

func (w *ceilingGuardWriter) Close() error {
	err := w.WriteCloser.Close()
	if w.g.tb.Size() > w.g.ceiling && !w.g.tb.IsMigrated() {
		if _, migrateErr := w.g.tb.MigrateToDisk(); migrateErr != nil {
			w.g.m.log.WithError(migrateErr).Warn("growth-ceiling migration failed")
		}
	}
	return err
}

func (g *ceilingGuardBucket) GetOutputStream() (io.WriteCloser, error) {
	w, err := g.Bucket.GetOutputStream()
	if err != nil {
		return nil, err
	}
	return &ceilingGuardWriter{WriteCloser: w, g: g}, nil
}

func (g *ceilingGuardBucket) GetOutputStreamUnbuffered() (io.WriteCloser, error) {
	w, err := g.Bucket.GetOutputStreamUnbuffered()
	if err != nil {
		return nil, err
	}
	return &ceilingGuardWriter{WriteCloser: w, g: g}, nil
}

// maybeTriggerReleaser enqueues the releaser once RAM usage crosses
// MaxUsageHigh, deduping concurrent triggers with singleflight so a burst
// of allocations enqueues at most one in-flight releaser run (spec §4.11:
// "if ... a releaser task is not already running").
func (m *TempStorageManager) maybeTriggerReleaser() {
	inUse := m.tracker.RAMBytesInUse()
	if float64(inUse) < float64(m.cfg.RAMPoolSize)*MaxUsageHigh {
		return
	}
	go func() {
		_, _, _ = m.releaserSF.Do("releaser", func() (interface{}, error) {
			done := make(chan struct{})
			m.cfg.Executor.Submit(func() {
				defer close(done)
				m.runReleaser()
			})
			<-done
			return nil, nil
		})
	}()
}

// runReleaser is the two-phase drain of spec §4.11 "Pressure handling".
func (m *TempStorageManager) runReleaser() {
	now := time.Now()
	m.tracker.sweepAndMigrate(
		func(created time.Time) bool { return now.Sub(created) >= RAMStorageMaxAge },
		m.logInsufficientSpaceOnce(),
	)

	lowWatermark := int64(float64(m.cfg.RAMPoolSize) * MaxUsageLow)
	logOnce := m.logInsufficientSpaceOnce()
	for m.tracker.RAMBytesInUse() > lowWatermark {
		_, ok, err := m.tracker.migrateOldestOne(logOnce)
		if err != nil {
			if Is(err, KindInsufficientDiskSpace) {
				time.Sleep(time.Second)
				continue
			}
			m.log.WithError(err).Error("releaser migration failed")
			return
		}
		if !ok {
			return
		}
	}
}

// logInsufficientSpaceOnce returns a callback that logs at most once per
// releaser phase (spec §4.11 step 3 / §7 propagation policy).
func (m *TempStorageManager) logInsufficientSpaceOnce() func() {
	var once sync.Once
	return func() {
		once.Do(func() { m.log.Warn("releaser: insufficient disk space, retrying") })
	}
}

// SecureDeletePath overwrites the first size bytes of path with random
// data before removing it (spec §4.11 "Secure delete"), for callers that
// requested it explicitly; ordinary disposal paths use a plain remove.
func SecureDeletePath(path string, size int64) error {
	if err := secureOverwrite(path, size); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return newErr(KindIO, "securedelete", path, "", err)
	}
	return nil
}

// Close stops the configured executor if it is a *SingleThreadExecutor,
// whether the manager created it or the caller supplied it; other
// Executor implementations are left running.
func (m *TempStorageManager) Close() error {
	if ste, ok := m.cfg.Executor.(*SingleThreadExecutor); ok {
		ste.Stop()
	}
	return nil
}
