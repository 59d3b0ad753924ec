package bloom_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/riptidedb/riptide/internal/bloom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_AddAndMayContain(t *testing.T) {
	f := bloom.New(1000, 0.01)

	for i := 0; i < 500; i++ {
		f.Add([]byte(fmt.Sprintf("key%d", i)))
	}
	for i := 0; i < 500; i++ {
		assert.True(t, f.MayContain([]byte(fmt.Sprintf("key%d", i))))
	}

	falsePositives := 0
	for i := 1000; i < 2000; i++ {
		if f.MayContain([]byte(fmt.Sprintf("key%d", i))) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 50)
}

func TestFilter_Reset(t *testing.T) {
	f := bloom.New(100, 0.01)
	f.Add([]byte("k"))
	require.True(t, f.MayContain([]byte("k")))

	f.Reset()
	assert.False(t, f.MayContain([]byte("k")))
	assert.Zero(t, f.NumKeys())
}

func TestFilter_SerializeRoundTrip(t *testing.T) {
	f := bloom.New(100, 0.01)
	for i := 0; i < 50; i++ {
		f.Add([]byte(fmt.Sprintf("key%d", i)))
	}

	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	require.NoError(t, err)

	loaded, err := bloom.ReadFrom(&buf)
	require.NoError(t, err)
	assert.Equal(t, f.NumKeys(), loaded.NumKeys())
	for i := 0; i < 50; i++ {
		assert.True(t, loaded.MayContain([]byte(fmt.Sprintf("key%d", i))))
	}
}
