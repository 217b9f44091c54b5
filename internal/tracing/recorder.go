// Package tracing keeps a runtime flight recorder running and saves its
// window when a diagnostic connection drops.
package tracing

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime/trace"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/diagnet/doipmux/internal/connection"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// ErrStopped is returned by snapshot operations after Stop.
var ErrStopped = errors.New("flight recorder stopped")

// Config holds flight recorder configuration.
type Config struct {
	// Dir receives one trace file per dropped connection.
	Dir string

	// MaxBytes bounds the ring buffer. Default: DefaultBufferSize
	MaxBytes int64

	// MinGap is the minimum time between two saved traces. Default: 1m
	MinGap time.Duration
}

// Recorder wraps a runtime/trace flight recorder. It implements
// connection.Observer.
type Recorder struct {
	cfg Config

	mu sync.Mutex // guards fr
	fr *trace.FlightRecorder

	gapMu    sync.Mutex
	lastSave time.Time

	pending sync.WaitGroup
	saved   atomic.Int64
}

// Start creates dir if needed and starts recording. Only one flight
// recorder can run per process.
func Start(cfg Config) (*Recorder, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultBufferSize
	}
	if cfg.MinGap <= 0 {
		cfg.MinGap = time.Minute
	}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create trace dir: %w", err)
		}
	}

	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   30 * time.Second,
		MaxBytes: uint64(cfg.MaxBytes),
	})
	if err := fr.Start(); err != nil {
		return nil, fmt.Errorf("start flight recorder: %w", err)
	}
	return &Recorder{cfg: cfg, fr: fr}, nil
}

// OnTransition saves a trace when a connection drops, at most once per
// MinGap. The file is written in the background.
func (r *Recorder) OnTransition(t connection.Transition) {
	if !t.Dropped() || r.cfg.Dir == "" {
		return
	}

	r.gapMu.Lock()
	if time.Since(r.lastSave) < r.cfg.MinGap {
		r.gapMu.Unlock()
		return
	}
	r.lastSave = time.Now()
	r.gapMu.Unlock()

	name := fmt.Sprintf("drop-h%d-%d.trace", t.Handle, t.Timestamp.UnixNano())
	path := filepath.Join(r.cfg.Dir, name)

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		if err := r.save(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to save trace")
			return
		}
		log.Info().Str("path", path).Int("handle", t.Handle).Msg("saved trace of dropped connection")
	}()
}

// Wait blocks until every started trace save has finished.
func (r *Recorder) Wait() {
	r.pending.Wait()
}

func (r *Recorder) save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.snapshot(f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	r.saved.Add(1)
	return f.Close()
}

func (r *Recorder) snapshot(w interface{ Write([]byte) (int, error) }) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return ErrStopped
	}
	_, err := r.fr.WriteTo(w)
	return err
}

// Saved returns how many trace files were written.
func (r *Recorder) Saved() int {
	return int(r.saved.Load())
}

// ServeHTTP writes the current window in `go tool trace` format.
func (r *Recorder) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="doipmux.trace"`)
	if err := r.snapshot(w); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
}

// Stop waits for pending saves and stops recording. It is safe to call
// Stop multiple times.
func (r *Recorder) Stop() {
	r.pending.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}
