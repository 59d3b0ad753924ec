package vbucket_test

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/riptidedb/riptide/internal/item"
	"github.com/riptidedb/riptide/internal/model"
	"github.com/riptidedb/riptide/internal/status"
	"github.com/riptidedb/riptide/internal/vbucket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newVB(t *testing.T, state vbucket.State) *vbucket.VBucket {
	t.Helper()
	return vbucket.New(7, state, 0, 0, nil, vbucket.Config{},
		nil, zap.NewNop(), rand.New(rand.NewSource(1)))
}

// recordingCookie captures the single terminal notification.
type recordingCookie struct {
	mu    sync.Mutex
	codes []status.Code
}

func (c *recordingCookie) Notify(code status.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes = append(c.codes, code)
}

func (c *recordingCookie) last() (status.Code, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.codes) == 0 {
		return 0, false
	}
	return c.codes[len(c.codes)-1], true
}

func TestVBucket_SetGetDelete(t *testing.T) {
	vb := newVB(t, vbucket.StateActive)

	res, err := vb.Set([]byte("k1"), []byte("v1"), vbucket.MutOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Seqno)
	assert.NotZero(t, res.CAS)

	got, err := vb.Get([]byte("k1"), vbucket.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.Value)
	assert.Equal(t, res.CAS, got.CAS)

	del, err := vb.Delete([]byte("k1"), vbucket.MutOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), del.Seqno)

	_, err = vb.Get([]byte("k1"), vbucket.GetOptions{})
	assert.Equal(t, status.KeyMissing, status.CodeOf(err))
}

func TestVBucket_SeqnosStrictlyIncreaseAcrossOps(t *testing.T) {
	vb := newVB(t, vbucket.StateActive)

	var last uint64
	for i := 0; i < 20; i++ {
		res, err := vb.Set([]byte{byte('a' + i%4)}, []byte("v"), vbucket.MutOptions{})
		require.NoError(t, err)
		assert.Greater(t, res.Seqno, last)
		last = res.Seqno
	}
}

func TestVBucket_AdmissionByState(t *testing.T) {
	tests := []struct {
		name  string
		state vbucket.State
		want  status.Code
	}{
		{name: "replica rejects client writes", state: vbucket.StateReplica, want: status.NotMyPartition},
		{name: "dead rejects everything", state: vbucket.StateDead, want: status.NotMyPartition},
		{name: "pending parks the operation", state: vbucket.StatePending, want: status.WouldBlock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vb := newVB(t, tt.state)
			_, err := vb.Set([]byte("k"), []byte("v"), vbucket.MutOptions{})
			assert.Equal(t, tt.want, status.CodeOf(err))
		})
	}
}

func TestVBucket_PendingOpsFireOnPromotion(t *testing.T) {
	vb := newVB(t, vbucket.StatePending)
	cookie := &recordingCookie{}

	_, err := vb.Set([]byte("k"), []byte("v"), vbucket.MutOptions{Cookie: cookie})
	require.Equal(t, status.WouldBlock, status.CodeOf(err))

	vb.SetState(vbucket.StateActive)
	code, ok := cookie.last()
	require.True(t, ok)
	assert.Equal(t, status.Success, code)
	assert.Len(t, cookie.codes, 1)
}

func TestVBucket_TakeoverBackedUpFailsTemp(t *testing.T) {
	vb := newVB(t, vbucket.StateActive)
	vb.SetTakeoverBackedUp(true)
	_, err := vb.Set([]byte("k"), []byte("v"), vbucket.MutOptions{})
	assert.Equal(t, status.TempFailure, status.CodeOf(err))

	vb.SetTakeoverBackedUp(false)
	_, err = vb.Set([]byte("k"), []byte("v"), vbucket.MutOptions{})
	require.NoError(t, err)
}

func TestVBucket_CASSemantics(t *testing.T) {
	vb := newVB(t, vbucket.StateActive)

	res, err := vb.Set([]byte("k"), []byte("v1"), vbucket.MutOptions{})
	require.NoError(t, err)

	// Mismatching CAS fails KeyExists.
	_, err = vb.Set([]byte("k"), []byte("v2"), vbucket.MutOptions{CAS: res.CAS + 1})
	assert.Equal(t, status.KeyExists, status.CodeOf(err))

	// Matching CAS succeeds.
	res2, err := vb.Set([]byte("k"), []byte("v2"), vbucket.MutOptions{CAS: res.CAS})
	require.NoError(t, err)
	assert.NotEqual(t, res.CAS, res2.CAS)

	// CAS on a missing key fails KeyMissing.
	_, err = vb.Set([]byte("absent"), []byte("v"), vbucket.MutOptions{CAS: 1234})
	assert.Equal(t, status.KeyMissing, status.CodeOf(err))

	// The reserved all-ones CAS is rejected outright.
	_, err = vb.Set([]byte("k"), []byte("v"), vbucket.MutOptions{CAS: item.CASReserved})
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestVBucket_AddAndReplace(t *testing.T) {
	vb := newVB(t, vbucket.StateActive)

	_, err := vb.Replace([]byte("k"), []byte("v"), vbucket.MutOptions{})
	assert.Equal(t, status.KeyMissing, status.CodeOf(err))

	_, err = vb.Add([]byte("k"), []byte("v"), vbucket.MutOptions{})
	require.NoError(t, err)

	_, err = vb.Add([]byte("k"), []byte("v2"), vbucket.MutOptions{})
	assert.Equal(t, status.KeyExists, status.CodeOf(err))

	_, err = vb.Replace([]byte("k"), []byte("v2"), vbucket.MutOptions{})
	require.NoError(t, err)

	// Delete leaves a tombstone; Add succeeds again.
	_, err = vb.Delete([]byte("k"), vbucket.MutOptions{})
	require.NoError(t, err)
	_, err = vb.Add([]byte("k"), []byte("v3"), vbucket.MutOptions{})
	require.NoError(t, err)
}

func TestVBucket_KeyAndValueBounds(t *testing.T) {
	vb := vbucket.New(0, vbucket.StateActive, 0, 0, nil,
		vbucket.Config{MaxKeySize: 4, MaxItemSize: 8},
		nil, zap.NewNop(), rand.New(rand.NewSource(1)))

	// Zero-length values are accepted.
	_, err := vb.Set([]byte("k"), nil, vbucket.MutOptions{})
	require.NoError(t, err)

	// A key at the limit passes; one byte longer fails.
	_, err = vb.Set([]byte("abcd"), []byte("v"), vbucket.MutOptions{})
	require.NoError(t, err)
	_, err = vb.Set([]byte("abcde"), []byte("v"), vbucket.MutOptions{})
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	// Oversized values fail TooBig.
	_, err = vb.Set([]byte("k"), []byte("123456789"), vbucket.MutOptions{})
	assert.Equal(t, status.TooBig, status.CodeOf(err))
}

func TestVBucket_UnknownCollectionRejected(t *testing.T) {
	vb := newVB(t, vbucket.StateActive)
	_, err := vb.Set([]byte("k"), []byte("v"), vbucket.MutOptions{CollectionID: 99})
	assert.Equal(t, status.UnknownCollection, status.CodeOf(err))
	_, err = vb.Get([]byte("k"), vbucket.GetOptions{CollectionID: 99})
	assert.Equal(t, status.UnknownCollection, status.CodeOf(err))
}

func TestVBucket_LockedDocumentBlocksPlainWrites(t *testing.T) {
	vb := newVB(t, vbucket.StateActive)

	res, err := vb.Set([]byte("k"), []byte("v"), vbucket.MutOptions{})
	require.NoError(t, err)

	// GETL locks the document.
	got, err := vb.Get([]byte("k"), vbucket.GetOptions{LockTime: 15 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, res.CAS, got.CAS)

	// A second lock attempt fails while held.
	_, err = vb.Get([]byte("k"), vbucket.GetOptions{LockTime: 15 * time.Second})
	assert.Equal(t, status.LockedTempFailure, status.CodeOf(err))

	// CAS-less writes fail Locked; a CAS-bearing write unlocks.
	_, err = vb.Set([]byte("k"), []byte("v2"), vbucket.MutOptions{})
	assert.Equal(t, status.Locked, status.CodeOf(err))

	_, err = vb.Set([]byte("k"), []byte("v2"), vbucket.MutOptions{CAS: got.CAS})
	require.NoError(t, err)
}

func TestVBucket_UnlockRequiresMatchingCAS(t *testing.T) {
	vb := newVB(t, vbucket.StateActive)

	_, err := vb.Set([]byte("k"), []byte("v"), vbucket.MutOptions{})
	require.NoError(t, err)
	got, err := vb.Get([]byte("k"), vbucket.GetOptions{LockTime: 15 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, status.KeyExists, status.CodeOf(vb.Unlock([]byte("k"), got.CAS+1, nil)))
	require.NoError(t, vb.Unlock([]byte("k"), got.CAS, nil))

	// Unlocking an unlocked document is a temp failure.
	assert.Equal(t, status.TempFailure, status.CodeOf(vb.Unlock([]byte("k"), got.CAS, nil)))
}

func TestVBucket_ExpiryOnRead(t *testing.T) {
	vb := newVB(t, vbucket.StateActive)

	past := uint32(time.Now().Add(-time.Minute).Unix())
	_, err := vb.Set([]byte("k"), []byte("v"), vbucket.MutOptions{Expiry: past})
	require.NoError(t, err)

	_, err = vb.Get([]byte("k"), vbucket.GetOptions{})
	assert.Equal(t, status.KeyMissing, status.CodeOf(err))

	// The expiration consumed a seqno.
	assert.Equal(t, uint64(2), vb.HighSeqno())
}

func TestVBucket_ExpiryPagerSweep(t *testing.T) {
	vb := newVB(t, vbucket.StateActive)

	past := uint32(time.Now().Add(-time.Minute).Unix())
	_, err := vb.Set([]byte("gone"), []byte("v"), vbucket.MutOptions{Expiry: past})
	require.NoError(t, err)
	_, err = vb.Set([]byte("stays"), []byte("v"), vbucket.MutOptions{})
	require.NoError(t, err)

	expired := vb.ExpireExpired(time.Now(), 100)
	assert.Equal(t, 1, expired)

	_, err = vb.Get([]byte("stays"), vbucket.GetOptions{})
	require.NoError(t, err)
}

func TestVBucket_MaxTTLCapsExpiry(t *testing.T) {
	vb := vbucket.New(0, vbucket.StateActive, 0, 0, nil,
		vbucket.Config{MaxTTL: time.Hour},
		nil, zap.NewNop(), rand.New(rand.NewSource(1)))

	// No expiry requested: capped to max_ttl anyway.
	_, err := vb.Set([]byte("k"), []byte("v"), vbucket.MutOptions{})
	require.NoError(t, err)
	got, err := vb.Get([]byte("k"), vbucket.GetOptions{})
	require.NoError(t, err)
	assert.NotZero(t, got.Expiry)
	assert.LessOrEqual(t, got.Expiry, uint32(time.Now().Add(time.Hour+time.Minute).Unix()))
}

func TestVBucket_SyncWriteMajorityCommit(t *testing.T) {
	vb := newVB(t, vbucket.StateActive)
	require.NoError(t, vb.SetTopology(model.ReplicationChain{"active", "r1", "r2"}))

	cookie := &recordingCookie{}
	res, err := vb.Set([]byte("k"), []byte("v"), vbucket.MutOptions{
		Durability: &item.Requirement{Level: item.LevelMajority},
		Cookie:     cookie,
	})
	require.Equal(t, status.WouldBlock, status.CodeOf(err))
	prepareSeqno := res.Seqno

	// The prepare is invisible to readers.
	_, err = vb.Get([]byte("k"), vbucket.GetOptions{})
	assert.Equal(t, status.KeyMissing, status.CodeOf(err))

	require.NoError(t, vb.SeqnoAcked("r1", prepareSeqno, 0))
	_, ok := cookie.last()
	assert.False(t, ok)

	require.NoError(t, vb.SeqnoAcked("r2", prepareSeqno, 0))
	code, ok := cookie.last()
	require.True(t, ok)
	assert.Equal(t, status.Success, code)
	assert.Len(t, cookie.codes, 1)

	// The commit made the value visible and consumed a fresh seqno.
	got, err := vb.Get([]byte("k"), vbucket.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
	assert.Equal(t, prepareSeqno+1, got.Seqno)
	assert.Equal(t, 0, vb.Durability().NumTracked())
}

func TestVBucket_SecondSyncWriteOnKeyRejected(t *testing.T) {
	vb := newVB(t, vbucket.StateActive)
	require.NoError(t, vb.SetTopology(model.ReplicationChain{"active", "r1", "r2"}))

	_, err := vb.Set([]byte("k"), []byte("v"), vbucket.MutOptions{
		Durability: &item.Requirement{Level: item.LevelMajority},
	})
	require.Equal(t, status.WouldBlock, status.CodeOf(err))

	_, err = vb.Set([]byte("k"), []byte("v2"), vbucket.MutOptions{
		Durability: &item.Requirement{Level: item.LevelMajority},
	})
	assert.Equal(t, status.SyncWriteInProgress, status.CodeOf(err))

	// Plain writes on the key are also refused while the prepare is in
	// flight.
	_, err = vb.Set([]byte("k"), []byte("v3"), vbucket.MutOptions{})
	assert.Equal(t, status.SyncWriteInProgress, status.CodeOf(err))
}

func TestVBucket_DemotionAbortsSyncWrites(t *testing.T) {
	vb := newVB(t, vbucket.StateActive)
	require.NoError(t, vb.SetTopology(model.ReplicationChain{"active", "r1", "r2"}))

	cookie := &recordingCookie{}
	_, err := vb.Set([]byte("k"), []byte("v"), vbucket.MutOptions{
		Durability: &item.Requirement{Level: item.LevelMajority},
		Cookie:     cookie,
	})
	require.Equal(t, status.WouldBlock, status.CodeOf(err))

	vb.SetState(vbucket.StateReplica)

	code, ok := cookie.last()
	require.True(t, ok)
	assert.Equal(t, status.SyncWriteAmbiguous, code)
	assert.Equal(t, 0, vb.Durability().NumTracked())
}

func TestVBucket_PromotionMintsFailoverEntry(t *testing.T) {
	vb := newVB(t, vbucket.StateReplica)
	before := vb.Failover().Size()

	vb.SetState(vbucket.StateActive)
	assert.Equal(t, before+1, vb.Failover().Size())
	assert.Equal(t, vb.HighSeqno(), vb.Failover().Latest().Seqno)
}

func TestVBucket_ResetToRollsEverythingBack(t *testing.T) {
	vb := newVB(t, vbucket.StateActive)
	for i := 0; i < 10; i++ {
		_, err := vb.Set([]byte{byte('a' + i)}, []byte("v"), vbucket.MutOptions{})
		require.NoError(t, err)
	}
	vb.Failover().CreateEntry(8)

	vb.ResetTo(4)
	assert.Equal(t, uint64(4), vb.HighSeqno())
	assert.LessOrEqual(t, vb.Failover().Latest().Seqno, uint64(4))
	assert.Equal(t, int64(0), vb.HashTable().NumItems())

	// Seqnos resume past the rollback point.
	res, err := vb.Set([]byte("new"), []byte("v"), vbucket.MutOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res.Seqno)
}

func TestVBucket_PersistedStateRoundTrip(t *testing.T) {
	vb := newVB(t, vbucket.StateActive)
	_, err := vb.Set([]byte("k"), []byte("v"), vbucket.MutOptions{})
	require.NoError(t, err)

	blob, err := vb.Snapshot().Encode()
	require.NoError(t, err)

	parsed, err := vbucket.DecodePersistedState(blob)
	require.NoError(t, err)
	again, err := parsed.Encode()
	require.NoError(t, err)
	assert.Equal(t, blob, again)

	assert.Equal(t, "active", parsed.State)
	assert.Len(t, parsed.FailoverTable, 1)
}
