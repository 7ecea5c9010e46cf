package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rtcguard/internal/backend"
	"rtcguard/internal/backend/backendtest"
)

func TestCaptureSnapshotsAppConfig(t *testing.T) {
	r := NewMemoryRecorder(backend.AppConfig{
		Room:     "standup",
		Identity: "alice",
		Params:   map[string]string{"quality": "high"},
	}, zap.NewNop())

	snap, err := r.Capture(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.False(t, snap.CapturedAt.IsZero())
	assert.Equal(t, "standup", snap.Room)
	assert.Equal(t, "alice", snap.Identity)
	assert.Equal(t, map[string]string{"quality": "high"}, snap.Settings)
	assert.Same(t, snap, r.Last())

	// Later setting changes must not leak into the captured snapshot.
	r.SetSetting("quality", "low")
	assert.Equal(t, "high", snap.Settings["quality"])

	next, err := r.Capture(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, snap.ID, next.ID)
	assert.Equal(t, "low", next.Settings["quality"])
}

func TestRestoreAppliesSnapshotToTarget(t *testing.T) {
	r := NewMemoryRecorder(backend.AppConfig{Room: "standup", Identity: "alice"}, zap.NewNop())
	snap, err := r.Capture(context.Background())
	require.NoError(t, err)

	target := backendtest.New("fallback")
	require.NoError(t, r.Restore(context.Background(), snap, target))

	assert.Equal(t, 1, target.Calls("initialize"))
	got := target.AppConfig()
	assert.Equal(t, "standup", got.Room)
	assert.Equal(t, "alice", got.Identity)
}

func TestRestoreRejectsNilInputs(t *testing.T) {
	r := NewMemoryRecorder(backend.AppConfig{}, zap.NewNop())

	err := r.Restore(context.Background(), nil, backendtest.New("x"))
	assert.Error(t, err)

	snap, _ := r.Capture(context.Background())
	err = r.Restore(context.Background(), snap, nil)
	assert.Error(t, err)
}

func TestCaptureHonorsCancelledContext(t *testing.T) {
	r := NewMemoryRecorder(backend.AppConfig{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Capture(ctx)
	assert.Error(t, err)
	assert.Nil(t, r.Last())
}
