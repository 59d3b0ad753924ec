package collections_test

import (
	"testing"

	"github.com/riptidedb/riptide/internal/collections"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultManifest(t *testing.T) {
	m := collections.DefaultManifest()
	assert.True(t, m.Exists(collections.DefaultCollectionID))
	assert.False(t, m.Exists(5))
}

func TestManifest_Diff(t *testing.T) {
	old := collections.DefaultManifest()
	next := &collections.Manifest{
		UID: 1,
		Collections: map[uint32]collections.Collection{
			0: {ID: 0, Name: "_default", Scope: "_default"},
			8: {ID: 8, Name: "orders", Scope: "app"},
		},
	}

	added, dropped := old.Diff(next)
	require.Len(t, added, 1)
	assert.Equal(t, uint32(8), added[0].ID)
	assert.Empty(t, dropped)

	added, dropped = next.Diff(old)
	assert.Empty(t, added)
	require.Len(t, dropped, 1)
	assert.Equal(t, uint32(8), dropped[0].ID)
}

func TestManifest_EncodeDecode(t *testing.T) {
	m := &collections.Manifest{
		UID: 3,
		Collections: map[uint32]collections.Collection{
			0: {ID: 0, Name: "_default", Scope: "_default"},
			9: {ID: 9, Name: "events", Scope: "app", MaxTTL: 60},
		},
	}
	blob, err := m.Encode()
	require.NoError(t, err)

	parsed, err := collections.Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, m, parsed)
}
