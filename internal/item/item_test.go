package item_test

import (
	"testing"
	"time"

	"github.com/riptidedb/riptide/internal/item"
	"github.com/riptidedb/riptide/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ReservedCASRejected(t *testing.T) {
	_, err := item.New([]byte("k"), []byte("v"), 0, item.DatatypeRaw, 0, item.CASReserved)
	require.Error(t, err)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	// CAS zero means "don't check" and is fine on construction.
	it, err := item.New([]byte("k"), []byte("v"), 0, item.DatatypeRaw, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, item.OpMutation, it.Op)
}

func TestItem_ZeroLengthValueAccepted(t *testing.T) {
	it, err := item.New([]byte("k"), nil, 0, item.DatatypeRaw, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, it.Value)
}

func TestItem_Expired(t *testing.T) {
	now := time.Now()
	it, err := item.New([]byte("k"), []byte("v"), 0, item.DatatypeRaw, 0, 0)
	require.NoError(t, err)
	assert.False(t, it.Expired(now), "expiry zero never expires")

	it.Expiry = uint32(now.Add(-time.Minute).Unix())
	assert.True(t, it.Expired(now))

	it.Expiry = uint32(now.Add(time.Hour).Unix())
	assert.False(t, it.Expired(now))
}

func TestHLC_StrictlyIncreasing(t *testing.T) {
	h := item.NewHLC(0)
	now := time.Now()

	var last uint64
	for i := 0; i < 1000; i++ {
		cas := h.Next(now)
		assert.Greater(t, cas, last)
		assert.NotEqual(t, item.CASReserved, cas)
		last = cas
	}
}

func TestHLC_ObserveAdvancesPastPeer(t *testing.T) {
	h := item.NewHLC(0)
	now := time.Now()

	peer := h.Next(now) + 1<<20
	h.Observe(peer)
	assert.Greater(t, h.Next(now), peer)

	// Observing an older CAS changes nothing.
	max := h.Max()
	h.Observe(1)
	assert.Equal(t, max, h.Max())
}
