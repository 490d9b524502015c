package connectivity

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var newWatcher = fsnotify.NewWatcher

// Monitor polls a probe and reports transitions.
type Monitor struct {
	probe    Probe
	interval time.Duration
	logger   *zap.Logger
	last     atomic.Bool
}

// NewMonitor creates a monitor. A non-positive interval defaults to 5s.
func NewMonitor(probe Probe, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{probe: probe, interval: interval, logger: logger}
}

// Online returns the most recently observed state.
func (m *Monitor) Online() bool {
	return m.last.Load()
}

// Check probes once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.probe.Check(ctx)
	m.last.Store(online)
	return online
}

// Watch starts an independent stream of connectivity states. The first value
// is the current state; later values are sent only on transitions. The
// channel is closed when ctx ends.
//
// With a FileProbe the status file's directory is also watched so changes are
// seen without waiting for the next poll.
func (m *Monitor) Watch(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)
	go m.run(ctx, out)
	return out
}

func (m *Monitor) run(ctx context.Context, out chan<- bool) {
	defer close(out)

	var (
		fsEvents <-chan fsnotify.Event
		fsErrors <-chan error
	)
	if fp, ok := m.probe.(FileProbe); ok {
		if w := m.watchFile(fp.Path); w != nil {
			defer w.Close()
			fsEvents, fsErrors = w.Events, w.Errors
		}
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var state, started bool
	check := func() bool {
		online := m.probe.Check(ctx)
		m.last.Store(online)
		if started && online == state {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		m.logger.Info("connectivity changed", zap.Bool("online", online))
		state, started = online, true
		select {
		case out <- online:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !check() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			m.logger.Warn("status file watch error", zap.Error(err))
			continue
		}
		if !check() {
			return
		}
	}
}

func (m *Monitor) watchFile(path string) *fsnotify.Watcher {
	w, err := newWatcher()
	if err != nil {
		m.logger.Warn("status file watch unavailable", zap.Error(err))
		return nil
	}
	// Watch the directory: editors and atomic writers replace the file.
	if err := w.Add(filepath.Dir(path)); err != nil {
		m.logger.Warn("status file watch unavailable", zap.String("path", path), zap.Error(err))
		_ = w.Close()
		return nil
	}
	return w
}
