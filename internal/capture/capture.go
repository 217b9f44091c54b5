// Package capture records diagnostic frames to zstd-compressed files.
//
// A capture file is a single zstd stream holding a magic prefix followed by
// length-delimited records. Records are appended in the order they are
// written; Reader returns them in the same order.
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/diagnet/doipmux/internal/transport"
	"github.com/diagnet/doipmux/pkg/doip"
)

var magic = [5]byte{'D', 'M', 'X', 'C', 1}

// recordHeaderLen covers time, direction, handle, key, session id and
// payload length.
const recordHeaderLen = 8 + 1 + 4 + 4 + 16 + 4

// maxPayload bounds a single record so a corrupt length cannot allocate
// unbounded memory.
const maxPayload = 1 << 20

var (
	// ErrBadMagic is returned by NewReader for input that is not a capture.
	ErrBadMagic = errors.New("not a doipmux capture")
	// ErrFull is returned by Write once the size limit is reached.
	ErrFull = errors.New("capture size limit reached")
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("capture closed")
)

// Direction tells whether a frame was sent to or received from a target.
type Direction uint8

const (
	Sent Direction = iota + 1
	Received
)

func (d Direction) String() string {
	switch d {
	case Sent:
		return "tx"
	case Received:
		return "rx"
	default:
		return fmt.Sprintf("dir(%d)", uint8(d))
	}
}

// Record is one captured frame.
type Record struct {
	Time      time.Time
	Direction Direction
	Handle    transport.Handle
	Key       doip.EndpointKey
	SessionID uuid.UUID
	Payload   []byte // Bytes after the address header
}

// Writer appends records to a zstd stream. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	enc     *zstd.Encoder
	closer  io.Closer
	limit   int64
	written int64
	records uint64
	closed  bool
	scratch []byte
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithLimit stops the writer after limit uncompressed bytes. Zero means
// unlimited.
func WithLimit(limit int64) WriterOption {
	return func(w *Writer) {
		w.limit = limit
	}
}

// NewWriter starts a capture stream on dst. Close does not close dst.
func NewWriter(dst io.Writer, opts ...WriterOption) (*Writer, error) {
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	w := &Writer{enc: enc}
	for _, opt := range opts {
		opt(w)
	}
	if _, err := enc.Write(magic[:]); err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("write magic: %w", err)
	}
	w.written = int64(len(magic))
	return w, nil
}

// Create opens path for writing, creating parent directories.
func Create(path string, opts ...WriterOption) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	w, err := NewWriter(f, opts...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// Write appends rec. A zero Time is replaced with the current time.
func (w *Writer) Write(rec Record) error {
	if len(rec.Payload) > maxPayload {
		return fmt.Errorf("payload of %d bytes exceeds %d", len(rec.Payload), maxPayload)
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	size := int64(recordHeaderLen + len(rec.Payload))
	if w.limit > 0 && w.written+size > w.limit {
		return ErrFull
	}

	b := w.scratch[:0]
	b = binary.BigEndian.AppendUint64(b, uint64(rec.Time.UnixNano()))
	b = append(b, byte(rec.Direction))
	b = binary.BigEndian.AppendUint32(b, uint32(rec.Handle))
	b = append(b, rec.Key.ClientBus, rec.Key.ClientNode, rec.Key.ServerBus, rec.Key.ServerNode)
	b = append(b, rec.SessionID[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(rec.Payload)))
	b = append(b, rec.Payload...)
	w.scratch = b

	if _, err := w.enc.Write(b); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	w.written += size
	w.records++
	return nil
}

// Flush writes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.enc.Flush()
}

// Records returns how many records were written.
func (w *Writer) Records() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// Written returns the uncompressed byte count, magic included.
func (w *Writer) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Close finishes the zstd stream and closes the file opened by Create.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.enc.Close()
	if w.closer != nil {
		err = errors.Join(err, w.closer.Close())
	}
	return err
}

// Reader iterates over the records of a capture stream.
type Reader struct {
	dec    *zstd.Decoder
	br     *bufio.Reader
	closer io.Closer
	header [recordHeaderLen]byte
}

// NewReader checks the magic prefix of src.
func NewReader(src io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	r := &Reader{dec: dec, br: bufio.NewReader(dec)}

	var got [len(magic)]byte
	if _, err := io.ReadFull(r.br, got[:]); err != nil {
		dec.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrBadMagic
		}
		return nil, fmt.Errorf("%w: %w", ErrBadMagic, err)
	}
	if got != magic {
		dec.Close()
		return nil, ErrBadMagic
	}
	return r, nil
}

// Open opens a capture file for reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// Next returns the next record, or io.EOF after the last one. A stream cut
// inside a record yields io.ErrUnexpectedEOF.
func (r *Reader) Next() (Record, error) {
	if _, err := io.ReadFull(r.br, r.header[:]); err != nil {
		return Record{}, err
	}
	h := r.header[:]

	rec := Record{
		Time:      time.Unix(0, int64(binary.BigEndian.Uint64(h[0:8]))),
		Direction: Direction(h[8]),
		Handle:    transport.Handle(binary.BigEndian.Uint32(h[9:13])),
		Key: doip.EndpointKey{
			ClientBus:  h[13],
			ClientNode: h[14],
			ServerBus:  h[15],
			ServerNode: h[16],
		},
	}
	copy(rec.SessionID[:], h[17:33])

	n := binary.BigEndian.Uint32(h[33:37])
	if n > maxPayload {
		return Record{}, fmt.Errorf("record payload of %d bytes exceeds %d", n, maxPayload)
	}
	rec.Payload = make([]byte, n)
	if _, err := io.ReadFull(r.br, rec.Payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, err
	}
	return rec, nil
}

// Close releases the decoder and the file opened by Open.
func (r *Reader) Close() error {
	r.dec.Close()
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
