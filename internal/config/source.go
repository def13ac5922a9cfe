package config

import (
	"errors"
	"fmt"
	"sync"
	"time"
	_ "time/tzdata" // engine.timezone must resolve on minimal images

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// Snapshot is an immutable, validated view of the configuration taken at one
// point in time. Components receive it per call and never cache it.
type Snapshot struct {
	Config
	Location *time.Location
	Version  int64
	LoadedAt time.Time
}

// NewSnapshot validates cfg and wraps it as a snapshot.
func NewSnapshot(cfg Config) (*Snapshot, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(cfg.Engine.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: engine.timezone: %w", pacer.ErrConfiguration, err)
	}
	return &Snapshot{Config: cfg, Location: loc, LoadedAt: time.Now()}, nil
}

// Provider hands out configuration snapshots.
type Provider interface {
	Snapshot() (*Snapshot, error)
}

// Source re-reads the configuration file and environment on every Snapshot
// call. A failed read returns pacer.ErrConfiguration with the last good
// snapshot, or nil if there has never been one.
type Source struct {
	path    string
	logger  *zap.Logger
	watcher *viper.Viper

	mu      sync.Mutex
	last    *Snapshot
	version int64
}

// NewSource builds a Source for path (empty means environment only).
func NewSource(path string, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{path: path, logger: logger.Named("config")}
}

// Watch starts an fsnotify watch on the config file and logs every change.
// Changes are picked up by the next Snapshot call.
func (s *Source) Watch() {
	if s.path == "" {
		return
	}
	w := viper.New()
	w.SetConfigFile(s.path)
	if err := w.ReadInConfig(); err != nil {
		s.logger.Warn("config watch disabled", zap.String("path", s.path), zap.Error(err))
		return
	}
	w.OnConfigChange(func(e fsnotify.Event) {
		s.logger.Info("config file changed", zap.String("path", e.Name), zap.String("op", e.Op.String()))
	})
	w.WatchConfig()
	s.watcher = w
}

// Snapshot implements Provider.
func (s *Source) Snapshot() (*Snapshot, error) {
	cfg, err := Load(s.path)
	var snap *Snapshot
	if err == nil {
		snap, err = NewSnapshot(cfg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if !errors.Is(err, pacer.ErrConfiguration) {
			err = fmt.Errorf("%w: %w", pacer.ErrConfiguration, err)
		}
		return s.last, err
	}
	s.version++
	snap.Version = s.version
	s.last = snap
	return snap, nil
}

// Last returns the last good snapshot without re-reading.
func (s *Source) Last() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Static is a Provider that always returns the same snapshot.
type Static struct {
	Snap *Snapshot
	Err  error
}

// Snapshot implements Provider.
func (s Static) Snapshot() (*Snapshot, error) {
	return s.Snap, s.Err
}
