// Package loki provides a zerolog writer that ships log lines to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://10.0.0.2:3100"
	Labels        map[string]string // Stream labels; "job" defaults to "doipmux"
	BatchSize     int               // Lines per push. Default: 100
	FlushInterval time.Duration     // Default: 5s
	Timeout       time.Duration     // Push timeout. Default: 10s
}

// maxReportedErrors limits how many push failures are printed to stderr.
const maxReportedErrors = 3

// Writer buffers log lines and pushes them to Loki in gzip-compressed
// batches. Write never fails, so an unreachable Loki never blocks logging.
type Writer struct {
	url     string
	labels  map[string]string
	client  *http.Client
	timeout time.Duration
	errOut  io.Writer

	mu        sync.Mutex
	pending   [][2]string // {unix nanos, line}
	batchSize int

	flushInterval time.Duration
	trigger       chan struct{}
	flushMu       sync.Mutex
	done          chan struct{}

	pushed atomic.Uint64
	failed atomic.Uint64
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// NewWriter creates a writer. Call Run to start pushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := map[string]string{"job": "doipmux"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	return &Writer{
		url:           cfg.URL + "/loki/api/v1/push",
		labels:        labels,
		client:        &http.Client{},
		timeout:       cfg.Timeout,
		errOut:        os.Stderr,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		trigger:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.pending = append(w.pending, [2]string{strconv.FormatInt(time.Now().UnixNano(), 10), line})
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Run pushes batches until ctx is done, then pushes what is left.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Flush()
			return
		case <-ticker.C:
			w.Flush()
		case <-w.trigger:
			w.Flush()
		}
	}
}

// Wait blocks until Run has returned.
func (w *Writer) Wait() {
	<-w.done
}

// Flush pushes every buffered line in one request.
func (w *Writer) Flush() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	values := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(values) == 0 {
		return
	}

	if err := w.push(values); err != nil {
		if n := w.failed.Add(1); n <= maxReportedErrors {
			_, _ = fmt.Fprintf(w.errOut, "loki: %v\n", err)
		}
		return
	}
	w.pushed.Add(uint64(len(values)))
}

func (w *Writer) push(values [][2]string) error {
	var body bytes.Buffer
	zw := gzip.NewWriter(&body)
	if err := json.NewEncoder(zw).Encode(pushRequest{
		Streams: []stream{{Stream: w.labels, Values: values}},
	}); err != nil {
		return fmt.Errorf("encode push: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress push: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push logs: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

// Pushed returns the number of lines Loki accepted.
func (w *Writer) Pushed() uint64 {
	return w.pushed.Load()
}

// Failed returns the number of failed pushes.
func (w *Writer) Failed() uint64 {
	return w.failed.Load()
}
