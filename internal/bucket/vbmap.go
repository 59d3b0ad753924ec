package bucket

import (
	"sync"
	"sync/atomic"

	"github.com/riptidedb/riptide/internal/status"
	"github.com/riptidedb/riptide/internal/vbucket"
)

// numVBLockBuckets caps the per-partition lock vector: partitions share
// locks modulo this count to bound memory at large partition counts.
const numVBLockBuckets = 64

// VBMap is the fixed-size array of partition handles plus the shared vector
// of per-partition mutexes and per-state counters.
type VBMap struct {
	size  int
	vbs   []atomic.Pointer[vbucket.VBucket]
	locks [numVBLockBuckets]sync.Mutex

	counts [4]atomic.Int64
}

// NewVBMap creates a map for size partitions.
func NewVBMap(size int) *VBMap {
	return &VBMap{
		size: size,
		vbs:  make([]atomic.Pointer[vbucket.VBucket], size),
	}
}

// Size returns the partition count the bucket was created with.
func (m *VBMap) Size() int { return m.size }

// Valid reports whether vbid is inside the map.
func (m *VBMap) Valid(vbid uint16) bool { return int(vbid) < m.size }

// Get returns the partition handle.
func (m *VBMap) Get(vbid uint16) (*vbucket.VBucket, bool) {
	if !m.Valid(vbid) {
		return nil, false
	}
	vb := m.vbs[vbid].Load()
	return vb, vb != nil
}

// AddBucket installs a partition handle, bumping its state counter.
func (m *VBMap) AddBucket(vb *vbucket.VBucket) error {
	if !m.Valid(vb.ID()) {
		return status.Newf(status.Range, "partition %d outside map of %d", vb.ID(), m.size)
	}
	prev := m.vbs[vb.ID()].Swap(vb)
	if prev != nil {
		m.counts[prev.State()].Add(-1)
	}
	m.counts[vb.State()].Add(1)
	return nil
}

// DropBucketAndSetupDeferredDeletion removes the handle; the caller owns the
// actual file deletion, which runs on a background task afterwards.
func (m *VBMap) DropBucketAndSetupDeferredDeletion(vbid uint16) (*vbucket.VBucket, bool) {
	if !m.Valid(vbid) {
		return nil, false
	}
	vb := m.vbs[vbid].Swap(nil)
	if vb == nil {
		return nil, false
	}
	m.counts[vb.State()].Add(-1)
	return vb, true
}

// LockVBucket takes the partition's mutex, excluding concurrent state
// changes, and returns the handle with an unlock function.
func (m *VBMap) LockVBucket(vbid uint16) (*vbucket.VBucket, func(), bool) {
	if !m.Valid(vbid) {
		return nil, nil, false
	}
	lock := &m.locks[int(vbid)%numVBLockBuckets]
	lock.Lock()
	vb := m.vbs[vbid].Load()
	if vb == nil {
		lock.Unlock()
		return nil, nil, false
	}
	return vb, lock.Unlock, true
}

// OnStateChanged moves a partition between state counters.
func (m *VBMap) OnStateChanged(from, to vbucket.State) {
	m.counts[from].Add(-1)
	m.counts[to].Add(1)
}

// CountInState returns the number of partitions in a state.
func (m *VBMap) CountInState(s vbucket.State) int64 {
	return m.counts[s].Load()
}

// Range walks every present partition.
func (m *VBMap) Range(fn func(vb *vbucket.VBucket) bool) {
	for i := range m.vbs {
		if vb := m.vbs[i].Load(); vb != nil {
			if !fn(vb) {
				return
			}
		}
	}
}
