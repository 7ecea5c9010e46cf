// Package session defines the snapshot contract used to carry application
// session state across a provider switch. Real capture is the application's
// concern; the in-memory recorder here covers tests, simulation mode, and
// apps whose whole session state fits in the configured parameters.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rtcguard/internal/backend"
	"rtcguard/internal/rtcerr"
)

// Snapshot is the portable state captured before teardown and re-applied
// to the replacement backend.
type Snapshot struct {
	ID         string            `json:"id"`
	Backend    string            `json:"backend"`
	CapturedAt time.Time         `json:"captured_at"`
	Room       string            `json:"room"`
	Identity   string            `json:"identity"`
	Settings   map[string]string `json:"settings,omitempty"`
}

// Recorder captures session state from the running application and
// restores it onto a freshly connected backend.
type Recorder interface {
	Capture(ctx context.Context) (*Snapshot, error)
	Restore(ctx context.Context, snap *Snapshot, target backend.Backend) error
}

// MemoryRecorder keeps the application parameters in memory and replays
// them through Initialize on restore.
type MemoryRecorder struct {
	mu     sync.Mutex
	app    backend.AppConfig
	last   *Snapshot
	logger *zap.Logger
}

// NewMemoryRecorder creates a recorder seeded with the application config.
func NewMemoryRecorder(app backend.AppConfig, logger *zap.Logger) *MemoryRecorder {
	return &MemoryRecorder{
		app:    app,
		logger: logger.Named("session"),
	}
}

// SetAppConfig replaces the parameters future captures will snapshot.
func (r *MemoryRecorder) SetAppConfig(app backend.AppConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.app = app
}

// SetSetting records one application setting for future captures.
func (r *MemoryRecorder) SetSetting(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.app.Params == nil {
		r.app.Params = make(map[string]string)
	}
	r.app.Params[key] = value
}

// Capture implements Recorder.
func (r *MemoryRecorder) Capture(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &Snapshot{
		ID:         uuid.NewString(),
		CapturedAt: time.Now(),
		Room:       r.app.Room,
		Identity:   r.app.Identity,
	}
	if len(r.app.Params) > 0 {
		snap.Settings = make(map[string]string, len(r.app.Params))
		for k, v := range r.app.Params {
			snap.Settings[k] = v
		}
	}

	r.last = snap
	r.logger.Debug("Captured session snapshot",
		zap.String("id", snap.ID),
		zap.String("room", snap.Room),
		zap.Int("settings", len(snap.Settings)))
	return snap, nil
}

// Restore implements Recorder. The snapshot's room, identity, and settings
// are re-applied to the target through its initialization path.
func (r *MemoryRecorder) Restore(ctx context.Context, snap *Snapshot, target backend.Backend) error {
	if snap == nil {
		return rtcerr.Configuration("nil session snapshot")
	}
	if target == nil {
		return rtcerr.Configuration("nil restore target")
	}

	cfg := backend.AppConfig{
		Room:     snap.Room,
		Identity: snap.Identity,
	}
	if len(snap.Settings) > 0 {
		cfg.Params = make(map[string]string, len(snap.Settings))
		for k, v := range snap.Settings {
			cfg.Params[k] = v
		}
	}

	if err := target.Initialize(ctx, cfg); err != nil {
		return err
	}

	r.logger.Debug("Restored session snapshot",
		zap.String("id", snap.ID),
		zap.String("room", snap.Room))
	return nil
}

// Last returns the most recently captured snapshot, nil if none.
func (r *MemoryRecorder) Last() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
