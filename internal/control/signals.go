// Package control lets one arbor process stop another through a signal file.
package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrStopped is the cancellation cause when the stop file appears.
var ErrStopped = errors.New("analysis stopped by signal")

const stopFile = "stop"

// pollInterval is the stat fallback period when no watcher is running.
const pollInterval = 250 * time.Millisecond

// Signals watches <dir>/signals for a stop file.
type Signals struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	stopped chan struct{}
	fired   bool

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// NewSignals creates the signals directory under dataDir and starts
// watching it. If the watcher cannot start, Context falls back to polling.
func NewSignals(dataDir string, logger *zap.Logger) (*Signals, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(dataDir, "signals")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	s := &Signals{
		dir:     dir,
		logger:  logger,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug("signal watcher unavailable, polling", zap.Error(err))
		return s, nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		logger.Debug("signal watcher unavailable, polling", zap.Error(err))
		return s, nil
	}
	s.watcher = watcher

	go s.watch()
	return s, nil
}

// watch monitors the signals directory for the stop file.
func (s *Signals) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != stopFile || event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			s.fireIfPresent()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Debug("signal watcher error", zap.Error(err))
		}
	}
}

// fireIfPresent marks the stop when the file exists. Stat runs under the
// lock to order it against Clear.
func (s *Signals) fireIfPresent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(filepath.Join(s.dir, stopFile)); err != nil {
		return
	}
	if !s.fired {
		s.fired = true
		close(s.stopped)
		s.logger.Info("stop signal received")
	}
}

// ShouldStop reports whether a stop has been requested.
func (s *Signals) ShouldStop() bool {
	// Check the file directly in case the watcher missed it.
	s.fireIfPresent()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// Stop writes the stop file.
func (s *Signals) Stop() error {
	return os.WriteFile(filepath.Join(s.dir, stopFile), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// Clear removes the stop file and resets the signal state.
func (s *Signals) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	os.Remove(filepath.Join(s.dir, stopFile))
	if s.fired {
		s.fired = false
		s.stopped = make(chan struct{})
	}
}

// Dir returns the signals directory.
func (s *Signals) Dir() string {
	return s.dir
}

// Context returns a child of parent that is cancelled with ErrStopped once a
// stop is requested. The returned cancel must be called to release it.
func (s *Signals) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()

	polling := s.watcher == nil

	go func() {
		var tick <-chan time.Time
		if polling {
			ticker := time.NewTicker(pollInterval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-stopped:
				cancel(ErrStopped)
				return
			case <-tick:
				if s.ShouldStop() {
					cancel(ErrStopped)
					return
				}
			}
		}
	}()

	if s.ShouldStop() {
		cancel(ErrStopped)
	}
	return ctx, func() { cancel(context.Canceled) }
}

// Close shuts down the watcher. It is safe to call more than once.
func (s *Signals) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
}
