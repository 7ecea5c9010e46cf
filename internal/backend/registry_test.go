package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rtcguard/internal/rtcerr"
)

type nopBackend struct{}

func (nopBackend) Initialize(context.Context, AppConfig) error       { return nil }
func (nopBackend) Connect(context.Context) error                     { return nil }
func (nopBackend) Disconnect(context.Context) error                  { return nil }
func (nopBackend) RenewCredential(context.Context, string) error     { return nil }
func (nopBackend) OnCredentialExpiring(func(remaining time.Duration)) {}
func (nopBackend) Close() error                                      { return nil }

func nopFactory(_ *zap.Logger) (Backend, error) {
	return nopBackend{}, nil
}

func TestRegistryRegisterAndCreate(t *testing.T) {
	reg := NewRegistry(zap.NewNop())

	require.NoError(t, reg.Register("agora", nopFactory))
	assert.True(t, reg.Has("agora"))
	assert.False(t, reg.Has("livekit"))

	b, err := reg.Create("agora", zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func TestRegistryDuplicateRejected(t *testing.T) {
	reg := NewRegistry(zap.NewNop())

	require.NoError(t, reg.Register("agora", nopFactory))
	err := reg.Register("agora", nopFactory)
	require.Error(t, err)
	assert.True(t, rtcerr.HasCode(err, rtcerr.CodeConfiguration))
}

func TestRegistryInvalidRegistration(t *testing.T) {
	reg := NewRegistry(zap.NewNop())

	assert.Error(t, reg.Register("", nopFactory))
	assert.Error(t, reg.Register("agora", nil))
}

func TestRegistryCreateUnknown(t *testing.T) {
	reg := NewRegistry(zap.NewNop())

	_, err := reg.Create("ghost", zap.NewNop())
	require.Error(t, err)
	assert.True(t, rtcerr.HasCode(err, rtcerr.CodeProviderNotAvailable))
}

func TestRegistryUnregisterAndNames(t *testing.T) {
	reg := NewRegistry(zap.NewNop())

	require.NoError(t, reg.Register("zoom", nopFactory))
	require.NoError(t, reg.Register("agora", nopFactory))
	assert.Equal(t, []string{"agora", "zoom"}, reg.Names())

	reg.Unregister("zoom")
	assert.Equal(t, []string{"agora"}, reg.Names())

	// Unregistering an unknown name is a no-op.
	reg.Unregister("ghost")
}
