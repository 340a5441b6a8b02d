// Package pairing ensures a device is OS-paired before the connector
// attempts a GATT connection, and quarantines devices that fail pairing so
// the engine does not hammer a peripheral the user has not approved.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vitalbeacon/bleingest/internal/model"
	"github.com/vitalbeacon/bleingest/internal/transport"
)

// QuarantineDuration is how long a handle that failed pairing is ignored
// before the next matching advertisement is re-evaluated.
const QuarantineDuration = 30 * time.Second

// ErrNotPaired is returned by Ensure when handle is within its post-failure
// quarantine window, so callers can distinguish "not paired yet, try later"
// from other transport errors.
var ErrNotPaired = errors.New("pairing: device is not paired")

// Pairer ensures devices are paired before connection, idempotent if the
// transport reports the device is already paired.
type Pairer struct {
	transport transport.Transport
	log       *slog.Logger

	mu          sync.Mutex
	quarantined map[model.DeviceHandle]time.Time
}

// New creates a Pairer over the given transport.
func New(t transport.Transport, log *slog.Logger) *Pairer {
	if log == nil {
		log = slog.Default()
	}
	return &Pairer{
		transport:   t,
		log:         log.With("component", "pairer"),
		quarantined: make(map[model.DeviceHandle]time.Time),
	}
}

// Quarantined reports whether handle is currently within its post-failure
// quarantine window.
func (p *Pairer) Quarantined(handle model.DeviceHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.quarantined[handle]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(p.quarantined, handle)
		return false
	}
	return true
}

// Ensure pairs the device if it isn't already, opening a transport session
// to do so. It returns the session so the caller (the connector) can reuse
// it rather than opening the device twice.
func (p *Pairer) Ensure(ctx context.Context, handle model.DeviceHandle) (transport.Session, error) {
	if p.Quarantined(handle) {
		return nil, fmt.Errorf("pairing: %s is quarantined after a recent failure: %w", handle, ErrNotPaired)
	}

	sess, err := p.transport.Open(ctx, handle)
	if err != nil {
		p.quarantine(handle)
		return nil, fmt.Errorf("pairing: open %s: %w", handle, err)
	}

	outcome, err := sess.Pair(ctx)
	if err != nil {
		p.quarantine(handle)
		return nil, fmt.Errorf("pairing: pair %s: %w", handle, err)
	}
	if outcome.Code != transport.Success {
		p.quarantine(handle)
		return nil, fmt.Errorf("pairing: pair %s: %w", handle, &transport.StatusError{Code: outcome.Code, Op: "pair"})
	}

	if outcome.AlreadyPaired {
		p.log.Debug("already paired", "handle", handle)
	} else {
		p.log.Info("paired", "handle", handle)
	}
	return sess, nil
}

func (p *Pairer) quarantine(handle model.DeviceHandle) {
	p.mu.Lock()
	p.quarantined[handle] = time.Now().Add(QuarantineDuration)
	p.mu.Unlock()
	p.log.Warn("pairing failed, quarantining", "handle", handle, "duration", QuarantineDuration)
}
