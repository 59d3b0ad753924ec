package status_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/riptidedb/riptide/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, status.Success, status.CodeOf(nil))
	assert.Equal(t, status.KeyMissing, status.CodeOf(status.ErrKeyMissing("k")))
	assert.Equal(t, status.Failed, status.CodeOf(errors.New("plain")))

	wrapped := fmt.Errorf("context: %w", status.New(status.TempFailure, "busy"))
	assert.Equal(t, status.TempFailure, status.CodeOf(wrapped))
}

func TestErrorIsMatchesOnCode(t *testing.T) {
	err := status.Newf(status.KeyExists, "key exists: %s", "a")
	target := status.New(status.KeyExists, "different message")
	assert.True(t, errors.Is(err, target))

	other := status.New(status.KeyMissing, "missing")
	assert.False(t, errors.Is(err, other))
}

func TestRemapForClient(t *testing.T) {
	tests := []struct {
		name   string
		code   status.Code
		xerror bool
		want   status.Code
	}{
		{name: "locked legacy", code: status.Locked, xerror: false, want: status.KeyExists},
		{name: "locked xerror", code: status.Locked, xerror: true, want: status.Locked},
		{name: "locked temp legacy", code: status.LockedTempFailure, xerror: false, want: status.TempFailure},
		{name: "sync write in progress legacy", code: status.SyncWriteInProgress, xerror: false, want: status.TempFailure},
		{name: "sync write in progress xerror", code: status.SyncWriteInProgress, xerror: true, want: status.SyncWriteInProgress},
		{name: "success passes through", code: status.Success, xerror: false, want: status.Success},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.RemapForClient(tt.code, tt.xerror))
		})
	}
}

func TestInternalCodesNeverOnWire(t *testing.T) {
	require.True(t, status.WouldBlock.IsInternal())
	require.True(t, status.LogicError.IsInternal())
	require.False(t, status.TempFailure.IsInternal())
	require.False(t, status.Rollback.IsInternal())
}
