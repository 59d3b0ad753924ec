package kvstore

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/riptidedb/riptide/internal/item"
	"github.com/riptidedb/riptide/internal/status"
	"go.uber.org/zap"
)

// Config holds file store tuning.
type Config struct {
	// SegmentSize rotates the append log once a segment grows past this
	// many bytes.
	SegmentSize int64
	// SyncWrites fsyncs every commit batch.
	SyncWrites bool
	// DiskUsageLimit rejects commits once the filesystem holding the
	// data directory is fuller than this fraction.
	DiskUsageLimit float64
}

func (c *Config) applyDefaults() {
	if c.SegmentSize <= 0 {
		c.SegmentSize = 64 << 20
	}
	if c.DiskUsageLimit <= 0 || c.DiskUsageLimit > 1 {
		c.DiskUsageLimit = 0.95
	}
}

// vbFiles is the on-disk presence of one partition: an append-only record
// log plus in-memory key and seqno indexes rebuilt on open.
type vbFiles struct {
	mu      sync.RWMutex
	dir     string
	seg     *os.File
	segID   int64
	segSize int64

	byKey   map[string]*record
	pending map[string]*record
	bySeqno *seqnoIndex

	highSeqno  uint64
	purgeSeqno uint64
	snapStart  uint64
	snapEnd    uint64
}

// FileStore is the default KVStore: one directory per partition holding
// CRC-framed append-log segments and a state blob. Indexes live in memory
// and are rebuilt by replaying segments on first access.
type FileStore struct {
	dataDir string
	cfg     Config
	logger  *zap.Logger
	vbs     *xsync.MapOf[uint16, *vbFiles]
	rnd     *rand.Rand
	rndMu   sync.Mutex

	commits     atomic.Uint64
	fetches     atomic.Uint64
	compactions atomic.Uint64
	bytesOut    atomic.Uint64

	diskMu        sync.Mutex
	diskLastCheck time.Time
	diskUsage     float64
}

// NewFileStore opens (creating if needed) a store rooted at dataDir.
func NewFileStore(dataDir string, cfg Config, logger *zap.Logger) (*FileStore, error) {
	cfg.applyDefaults()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &FileStore{
		dataDir: dataDir,
		cfg:     cfg,
		logger:  logger,
		vbs:     xsync.NewMapOf[uint16, *vbFiles](),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (fs *FileStore) vbDir(vbid uint16) string {
	return filepath.Join(fs.dataDir, fmt.Sprintf("vb_%d", vbid))
}

// loadVB returns the partition state, replaying its segments on first use.
func (fs *FileStore) loadVB(vbid uint16, create bool) (*vbFiles, error) {
	if vb, ok := fs.vbs.Load(vbid); ok {
		return vb, nil
	}

	dir := fs.vbDir(vbid)
	if _, err := os.Stat(dir); err != nil {
		if !create {
			return nil, status.Newf(status.KeyMissing, "partition %d has no persisted data", vbid)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create partition directory: %w", err)
		}
	}

	fs.rndMu.Lock()
	idx := newSeqnoIndex(rand.New(rand.NewSource(fs.rnd.Int63())))
	fs.rndMu.Unlock()

	vb := &vbFiles{
		dir:     dir,
		byKey:   make(map[string]*record),
		pending: make(map[string]*record),
		bySeqno: idx,
	}
	if err := vb.replaySegments(fs.logger); err != nil {
		return nil, err
	}
	if err := vb.openSegment(vb.segID + 1); err != nil {
		return nil, err
	}

	actual, _ := fs.vbs.LoadOrStore(vbid, vb)
	return actual, nil
}

func segmentPath(dir string, id int64) string {
	return filepath.Join(dir, fmt.Sprintf("log-%06d.dat", id))
}

// replaySegments rebuilds the in-memory indexes from all log segments in
// order.
func (vb *vbFiles) replaySegments(logger *zap.Logger) error {
	paths, err := filepath.Glob(filepath.Join(vb.dir, "log-*.dat"))
	if err != nil {
		return err
	}
	sort.Strings(paths)

	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		for {
			rec, err := readRecord(f)
			if err == io.EOF {
				break
			}
			if err != nil {
				// A torn tail record is the expected crash
				// artifact; everything before it is intact.
				logger.Warn("Truncated or corrupt record, stopping replay of segment",
					zap.String("segment", path), zap.Error(err))
				break
			}
			vb.apply(rec)
		}
		f.Close()

		var id int64
		fmt.Sscanf(filepath.Base(path), "log-%06d.dat", &id)
		if id > vb.segID {
			vb.segID = id
		}
	}
	return nil
}

// apply folds one record into the indexes. Shared by the commit path and
// segment replay so both agree on semantics.
func (vb *vbFiles) apply(rec *record) {
	switch rec.Kind {
	case recordDocument:
		key := string(rec.Key)
		if prev, ok := vb.byKey[key]; ok {
			vb.bySeqno.remove(prev.Seqno)
		}
		vb.byKey[key] = rec
		vb.bySeqno.insert(rec.Seqno, rec)
	case recordPrepare:
		vb.pending[string(rec.Key)] = rec
	case recordCommit:
		key := string(rec.Key)
		prep, ok := vb.pending[key]
		if !ok {
			return
		}
		delete(vb.pending, key)
		doc := *prep
		doc.Kind = recordDocument
		doc.Seqno = rec.Seqno
		if prev, exists := vb.byKey[key]; exists {
			vb.bySeqno.remove(prev.Seqno)
		}
		vb.byKey[key] = &doc
		vb.bySeqno.insert(doc.Seqno, &doc)
	case recordAbort:
		delete(vb.pending, string(rec.Key))
	case recordSnapshot:
		vb.snapStart = rec.SnapStart
		vb.snapEnd = rec.SnapEnd
		if rec.SnapEnd > vb.highSeqno {
			vb.highSeqno = rec.SnapEnd
		}
	}
	if rec.Seqno > vb.highSeqno {
		vb.highSeqno = rec.Seqno
	}
}

func (vb *vbFiles) openSegment(id int64) error {
	if vb.seg != nil {
		vb.seg.Close()
	}
	f, err := os.OpenFile(segmentPath(vb.dir, id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	vb.seg = f
	vb.segID = id
	vb.segSize = info.Size()
	return nil
}

// Commit implements KVStore.
func (fs *FileStore) Commit(vbid uint16, items []*item.Item, snapStart, snapEnd uint64) error {
	if err := fs.checkDiskSpace(); err != nil {
		return err
	}
	vb, err := fs.loadVB(vbid, true)
	if err != nil {
		return err
	}

	vb.mu.Lock()
	defer vb.mu.Unlock()

	for _, it := range items {
		if it.Op.IsMeta() {
			continue
		}
		rec := recordFromItem(it)
		n, err := writeRecord(vb.seg, rec)
		if err != nil {
			return fmt.Errorf("append record: %w", err)
		}
		vb.segSize += int64(n)
		fs.bytesOut.Add(uint64(n))
		vb.apply(rec)
	}

	snap := &record{Kind: recordSnapshot, SnapStart: snapStart, SnapEnd: snapEnd, Seqno: snapEnd}
	n, err := writeRecord(vb.seg, snap)
	if err != nil {
		return fmt.Errorf("append snapshot record: %w", err)
	}
	vb.segSize += int64(n)
	vb.apply(snap)

	if fs.cfg.SyncWrites {
		if err := vb.seg.Sync(); err != nil {
			return fmt.Errorf("sync log segment: %w", err)
		}
	}
	if vb.segSize >= fs.cfg.SegmentSize {
		if err := vb.openSegment(vb.segID + 1); err != nil {
			return err
		}
	}
	fs.commits.Add(1)
	return nil
}

// Get implements KVStore.
func (fs *FileStore) Get(vbid uint16, key []byte) (*item.Item, error) {
	vb, err := fs.loadVB(vbid, false)
	if err != nil {
		return nil, err
	}
	vb.mu.RLock()
	defer vb.mu.RUnlock()

	fs.fetches.Add(1)
	rec, ok := vb.byKey[string(key)]
	if !ok {
		return nil, status.ErrKeyMissing(string(key))
	}
	return rec.toItem(vbid), nil
}

// GetMulti implements KVStore.
func (fs *FileStore) GetMulti(vbid uint16, keys [][]byte) (map[string]*item.Item, error) {
	vb, err := fs.loadVB(vbid, false)
	if err != nil {
		return nil, err
	}
	vb.mu.RLock()
	defer vb.mu.RUnlock()

	out := make(map[string]*item.Item, len(keys))
	for _, key := range keys {
		fs.fetches.Add(1)
		if rec, ok := vb.byKey[string(key)]; ok {
			out[string(key)] = rec.toItem(vbid)
		}
	}
	return out, nil
}

// ScanSeqnoRange implements KVStore.
func (fs *FileStore) ScanSeqnoRange(vbid uint16, start, end uint64, fn func(*item.Item) error) error {
	vb, err := fs.loadVB(vbid, false)
	if err != nil {
		return err
	}
	vb.mu.RLock()
	defer vb.mu.RUnlock()

	var scanErr error
	vb.bySeqno.ascend(start, end, func(_ uint64, rec *record) bool {
		if err := fn(rec.toItem(vbid)); err != nil {
			scanErr = err
			return false
		}
		return true
	})
	return scanErr
}

// HighSeqno implements KVStore.
func (fs *FileStore) HighSeqno(vbid uint16) uint64 {
	vb, err := fs.loadVB(vbid, false)
	if err != nil {
		return 0
	}
	vb.mu.RLock()
	defer vb.mu.RUnlock()
	return vb.highSeqno
}

// PurgeSeqno implements KVStore.
func (fs *FileStore) PurgeSeqno(vbid uint16) uint64 {
	vb, err := fs.loadVB(vbid, false)
	if err != nil {
		return 0
	}
	vb.mu.RLock()
	defer vb.mu.RUnlock()
	return vb.purgeSeqno
}

// Compact implements KVStore: live versions are rewritten into a fresh
// segment and tombstones below purgeBelow are dropped.
func (fs *FileStore) Compact(vbid uint16, purgeBelow uint64) error {
	vb, err := fs.loadVB(vbid, false)
	if err != nil {
		return err
	}
	vb.mu.Lock()
	defer vb.mu.Unlock()

	old, err := filepath.Glob(filepath.Join(vb.dir, "log-*.dat"))
	if err != nil {
		return err
	}

	for key, rec := range vb.byKey {
		if rec.Deleted && rec.Seqno < purgeBelow {
			vb.bySeqno.remove(rec.Seqno)
			delete(vb.byKey, key)
			if rec.Seqno > vb.purgeSeqno {
				vb.purgeSeqno = rec.Seqno
			}
		}
	}

	if err := vb.openSegment(vb.segID + 1); err != nil {
		return err
	}
	newSeg := segmentPath(vb.dir, vb.segID)

	writeAll := func() error {
		var firstErr error
		vb.bySeqno.ascend(0, ^uint64(0), func(_ uint64, rec *record) bool {
			n, err := writeRecord(vb.seg, rec)
			if err != nil {
				firstErr = err
				return false
			}
			vb.segSize += int64(n)
			return true
		})
		if firstErr != nil {
			return firstErr
		}
		for _, rec := range vb.pending {
			n, err := writeRecord(vb.seg, rec)
			if err != nil {
				return err
			}
			vb.segSize += int64(n)
		}
		snap := &record{Kind: recordSnapshot, SnapStart: vb.snapStart, SnapEnd: vb.snapEnd, Seqno: vb.snapEnd}
		n, err := writeRecord(vb.seg, snap)
		vb.segSize += int64(n)
		return err
	}
	if err := writeAll(); err != nil {
		return fmt.Errorf("compaction rewrite: %w", err)
	}
	if err := vb.seg.Sync(); err != nil {
		return err
	}

	for _, path := range old {
		if path == newSeg {
			continue
		}
		if err := os.Remove(path); err != nil {
			fs.logger.Warn("Failed to remove compacted segment",
				zap.String("segment", path), zap.Error(err))
		}
	}
	fs.compactions.Add(1)
	return nil
}

// RollbackTo implements KVStore: the partition is rewound to the newest
// persisted snapshot whose end does not exceed seqno, and the seqno rolled
// back to is returned. Rolling back to 0 resets the partition.
func (fs *FileStore) RollbackTo(vbid uint16, seqno uint64) (uint64, error) {
	vb, err := fs.loadVB(vbid, false)
	if err != nil {
		return 0, err
	}
	vb.mu.Lock()
	defer vb.mu.Unlock()

	if seqno == 0 {
		return 0, vb.resetIndexesLocked()
	}

	// Re-read the log, keeping only records up to the chosen snapshot
	// boundary.
	paths, err := filepath.Glob(filepath.Join(vb.dir, "log-*.dat"))
	if err != nil {
		return 0, err
	}
	sort.Strings(paths)

	var kept []*record
	var rollbackPoint uint64
	var pendingSnap []*record
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return 0, err
		}
		for {
			rec, err := readRecord(f)
			if err != nil {
				break
			}
			pendingSnap = append(pendingSnap, rec)
			if rec.Kind == recordSnapshot {
				if rec.SnapEnd <= seqno {
					kept = append(kept, pendingSnap...)
					rollbackPoint = rec.SnapEnd
				}
				pendingSnap = pendingSnap[:0]
			}
		}
		f.Close()
	}

	if rollbackPoint == 0 {
		return 0, vb.resetIndexesLocked()
	}

	if err := vb.resetIndexesLocked(); err != nil {
		return 0, err
	}
	for _, rec := range kept {
		n, err := writeRecord(vb.seg, rec)
		if err != nil {
			return 0, err
		}
		vb.segSize += int64(n)
		vb.apply(rec)
	}
	if err := vb.seg.Sync(); err != nil {
		return 0, err
	}
	vb.highSeqno = rollbackPoint
	return rollbackPoint, nil
}

// resetIndexesLocked clears in-memory state and replaces all segments with a
// fresh empty one.
func (vb *vbFiles) resetIndexesLocked() error {
	paths, _ := filepath.Glob(filepath.Join(vb.dir, "log-*.dat"))
	if vb.seg != nil {
		vb.seg.Close()
		vb.seg = nil
	}
	for _, path := range paths {
		os.Remove(path)
	}
	vb.byKey = make(map[string]*record)
	vb.pending = make(map[string]*record)
	vb.bySeqno = newSeqnoIndex(rand.New(rand.NewSource(int64(vb.segID) + 1)))
	vb.highSeqno = 0
	vb.snapStart = 0
	vb.snapEnd = 0
	vb.segSize = 0
	return vb.openSegment(vb.segID + 1)
}

// stateFile is the per-partition persisted state blob.
const stateFile = "state.json"

// SnapshotVBState implements KVStore. The blob is written to a temp file and
// renamed so readers never observe a partial state.
func (fs *FileStore) SnapshotVBState(vbid uint16, blob []byte) error {
	vb, err := fs.loadVB(vbid, true)
	if err != nil {
		return err
	}
	vb.mu.Lock()
	defer vb.mu.Unlock()

	tmp := filepath.Join(vb.dir, stateFile+".tmp")
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("write state blob: %w", err)
	}
	return os.Rename(tmp, filepath.Join(vb.dir, stateFile))
}

// GetVBState implements KVStore.
func (fs *FileStore) GetVBState(vbid uint16) ([]byte, error) {
	vb, err := fs.loadVB(vbid, false)
	if err != nil {
		return nil, err
	}
	vb.mu.RLock()
	defer vb.mu.RUnlock()

	blob, err := os.ReadFile(filepath.Join(vb.dir, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.Newf(status.KeyMissing, "partition %d has no persisted state", vbid)
		}
		return nil, err
	}
	return blob, nil
}

// ListPersistedVBuckets implements KVStore.
func (fs *FileStore) ListPersistedVBuckets() ([]uint16, error) {
	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		return nil, err
	}
	var out []uint16
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var vbid uint16
		if _, err := fmt.Sscanf(e.Name(), "vb_%d", &vbid); err == nil {
			out = append(out, vbid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// DeleteVBucket implements KVStore.
func (fs *FileStore) DeleteVBucket(vbid uint16) error {
	if vb, ok := fs.vbs.LoadAndDelete(vbid); ok {
		vb.mu.Lock()
		if vb.seg != nil {
			vb.seg.Close()
		}
		vb.mu.Unlock()
	}
	return os.RemoveAll(fs.vbDir(vbid))
}

// GetStat implements KVStore.
func (fs *FileStore) GetStat(name string) (uint64, bool) {
	switch name {
	case "commits":
		return fs.commits.Load(), true
	case "fetches":
		return fs.fetches.Load(), true
	case "compactions":
		return fs.compactions.Load(), true
	case "bytes_written":
		return fs.bytesOut.Load(), true
	}
	return 0, false
}

// Close implements KVStore.
func (fs *FileStore) Close() error {
	fs.vbs.Range(func(vbid uint16, vb *vbFiles) bool {
		vb.mu.Lock()
		if vb.seg != nil {
			vb.seg.Close()
			vb.seg = nil
		}
		vb.mu.Unlock()
		return true
	})
	return nil
}

// checkDiskSpace refuses commits when the data filesystem is nearly full.
// The statfs result is cached for a few seconds.
func (fs *FileStore) checkDiskSpace() error {
	fs.diskMu.Lock()
	defer fs.diskMu.Unlock()

	if time.Since(fs.diskLastCheck) > 10*time.Second {
		var stat syscall.Statfs_t
		if err := syscall.Statfs(fs.dataDir, &stat); err == nil {
			total := float64(stat.Blocks) * float64(stat.Bsize)
			free := float64(stat.Bavail) * float64(stat.Bsize)
			if total > 0 {
				fs.diskUsage = 1 - free/total
			}
		}
		fs.diskLastCheck = time.Now()
	}
	if fs.diskUsage > fs.cfg.DiskUsageLimit {
		return status.Newf(status.TempFailure, "disk usage %.1f%% above limit", fs.diskUsage*100)
	}
	return nil
}
