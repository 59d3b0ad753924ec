package failover_test

import (
	"math/rand"
	"testing"

	"github.com/riptidedb/riptide/internal/failover"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTable(t *testing.T) *failover.Table {
	t.Helper()
	return failover.NewTable(0, rand.New(rand.NewSource(1)))
}

func TestTable_CreateEntryPrepends(t *testing.T) {
	tbl := newTable(t)
	first := tbl.Latest()
	assert.Equal(t, uint64(0), first.Seqno)

	e := tbl.CreateEntry(42)
	assert.Equal(t, e, tbl.Latest())
	assert.Equal(t, uint64(42), tbl.Latest().Seqno)
	assert.NotEqual(t, first.UUID, e.UUID)
	assert.Equal(t, 2, tbl.Size())
}

func TestTable_CappedAtMaxEntries(t *testing.T) {
	tbl := failover.NewTable(3, rand.New(rand.NewSource(1)))
	for i := uint64(1); i <= 10; i++ {
		tbl.CreateEntry(i * 10)
	}
	assert.Equal(t, 3, tbl.Size())
	assert.Equal(t, uint64(100), tbl.Latest().Seqno)
}

func TestTable_NoRollbackFromZero(t *testing.T) {
	tbl := newTable(t)
	_, needed := tbl.NeedsRollback(999999, 0, 50)
	assert.False(t, needed)
}

func TestTable_UnknownUUIDRollsBackToZero(t *testing.T) {
	tbl := newTable(t)
	seqno, needed := tbl.NeedsRollback(999999, 7, 50)
	require.True(t, needed)
	assert.Equal(t, uint64(0), seqno)
}

func TestTable_CurrentEraNeedsNoRollback(t *testing.T) {
	tbl := newTable(t)
	uuid := tbl.Latest().UUID
	_, needed := tbl.NeedsRollback(uuid, 7, 50)
	assert.False(t, needed)
}

func TestTable_DivergedConsumerRollsBackToEraEnd(t *testing.T) {
	// The consumer streamed to seqno 7 under UUID_A; a failover minted
	// UUID_B at seqno 4. The consumer's 5..7 never happened here, so it
	// rolls back to 4.
	tbl := newTable(t)
	uuidA := tbl.Latest().UUID
	tbl.CreateEntry(4) // UUID_B

	seqno, needed := tbl.NeedsRollback(uuidA, 7, 10)
	require.True(t, needed)
	assert.Equal(t, uint64(4), seqno)

	// After rewinding, the consumer resumes under UUID_B with no further
	// rollback.
	uuidB := tbl.Latest().UUID
	_, needed = tbl.NeedsRollback(uuidB, 4, 10)
	assert.False(t, needed)
}

func TestTable_PruneAbove(t *testing.T) {
	tbl := newTable(t)
	tbl.CreateEntry(10)
	tbl.CreateEntry(20)

	tbl.PruneAbove(15)
	assert.LessOrEqual(t, tbl.Latest().Seqno, uint64(15))

	// Pruning to 0 drops the entry at 10 and keeps the initial entry at 0.
	tbl.PruneAbove(0)
	assert.Equal(t, uint64(0), tbl.Latest().Seqno)
	assert.GreaterOrEqual(t, tbl.Size(), 1)
}

func TestTable_FromEntriesRestores(t *testing.T) {
	entries := []failover.Entry{{UUID: 7, Seqno: 30}, {UUID: 5, Seqno: 10}}
	tbl := failover.FromEntries(entries, 0, rand.New(rand.NewSource(1)))
	assert.Equal(t, 2, tbl.Size())
	assert.Equal(t, uint64(7), tbl.Latest().UUID)

	// The older era ends where the newer begins.
	seqno, needed := tbl.NeedsRollback(5, 35, 40)
	require.True(t, needed)
	assert.Equal(t, uint64(30), seqno)
	_, needed = tbl.NeedsRollback(5, 8, 40)
	assert.False(t, needed)
}
