package capture

import (
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/diagnet/doipmux/internal/demux"
	"github.com/diagnet/doipmux/pkg/doip"
)

// Tap wraps a session and records every frame it sends or receives.
// Capture failures are logged and never fail the session.
type Tap struct {
	*demux.Session
	w    *Writer
	full atomic.Bool
}

// NewTap records the traffic of s into w.
func NewTap(s *demux.Session, w *Writer) *Tap {
	return &Tap{Session: s, w: w}
}

// Recv calls Session.Recv and records the received payload.
func (t *Tap) Recv(length int) ([]byte, error) {
	frame, err := t.Session.Recv(length)
	if err != nil {
		return nil, err
	}
	t.record(Received, frame[doip.AddressHeaderLen:])
	return frame, nil
}

// Send calls Session.Send and records the payload once it was sent.
func (t *Tap) Send(payload []byte) error {
	if err := t.Session.Send(payload); err != nil {
		return err
	}
	t.record(Sent, payload)
	return nil
}

func (t *Tap) record(dir Direction, payload []byte) {
	err := t.w.Write(Record{
		Direction: dir,
		Handle:    t.Handle(),
		Key:       t.Key(),
		SessionID: t.ID,
		Payload:   payload,
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrFull):
		if t.full.CompareAndSwap(false, true) {
			log.Warn().Str("session", t.String()).Msg("capture size limit reached, no longer recording")
		}
	default:
		log.Debug().Err(err).Str("session", t.String()).Msg("capture write failed")
	}
}
