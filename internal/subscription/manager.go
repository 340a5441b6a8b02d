// Package subscription resolves a connected device's measurement
// characteristics and keeps notify/indicate enabled on them across
// reconnects, fanning value-changed payloads into RawFrames for the
// demultiplexer.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vitalbeacon/bleingest/internal/connector"
	"github.com/vitalbeacon/bleingest/internal/healthprobe"
	"github.com/vitalbeacon/bleingest/internal/model"
	"github.com/vitalbeacon/bleingest/internal/transport"
)

// bpTargets and tempTargets are the normalized characteristic UUIDs this
// engine knows how to subscribe to, keyed by device kind.
var (
	bpTargets = map[string]bool{
		"2a35": true, // Blood Pressure Measurement
	}
	tempTargets = map[string]bool{
		"2a1c": true, // Temperature Measurement
		"2a1e": true, // Intermediate Temperature
		"fff1": true, // vendor
		"fff4": true, // vendor
	}
)

func targetsFor(kind model.DeviceKind) map[string]bool {
	if kind == model.KindBloodPressure {
		return bpTargets
	}
	return tempTargets
}

// Options configures discovery retry spacing and CCCD write retry backoff.
type Options struct {
	ServiceRetries     int
	ServiceRetrySpace  time.Duration
	CharRetries        int
	CharRetrySpace     time.Duration
	CCCDRetries        int
	CCCDClearWait      time.Duration
	AccessDeniedWait   time.Duration
	UnreachableWait    time.Duration
	OtherWait          time.Duration
}

// DefaultOptions returns the specification's defaults.
func DefaultOptions() Options {
	return Options{
		ServiceRetries:    3,
		ServiceRetrySpace: time.Second,
		CharRetries:       3,
		CharRetrySpace:    500 * time.Millisecond,
		CCCDRetries:       3,
		CCCDClearWait:     500 * time.Millisecond,
		AccessDeniedWait:  2 * time.Second,
		UnreachableWait:   time.Second,
		OtherWait:         time.Second,
	}
}

// Manager discovers and maintains GATT subscriptions for every connected
// device, re-subscribing automatically when the connector reports a
// (re)connect.
type Manager struct {
	conn  *connector.Connector
	probe *healthprobe.HealthProbe
	opts  Options
	log   *slog.Logger

	mu    sync.Mutex
	kinds map[model.DeviceHandle]model.DeviceKind

	frames chan model.RawFrame
}

// New creates a Manager over the given connector. probe may be nil when the
// smart auto-disconnect policy is not in use.
func New(conn *connector.Connector, probe *healthprobe.HealthProbe, opts Options, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if opts.ServiceRetries <= 0 {
		opts = DefaultOptions()
	}
	return &Manager{
		conn:   conn,
		probe:  probe,
		opts:   opts,
		log:    log.With("component", "subscription"),
		kinds:  make(map[model.DeviceHandle]model.DeviceKind),
		frames: make(chan model.RawFrame, 256),
	}
}

// Frames returns the channel of raw notification payloads for the
// demultiplexer to consume.
func (m *Manager) Frames() <-chan model.RawFrame { return m.frames }

// Register records the device kind for handle, used to pick the target
// characteristic set on every (re)subscribe.
func (m *Manager) Register(handle model.DeviceHandle, kind model.DeviceKind) {
	m.mu.Lock()
	m.kinds[handle] = kind
	m.mu.Unlock()
}

func (m *Manager) kindFor(handle model.DeviceHandle) (model.DeviceKind, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.kinds[handle]
	return k, ok
}

// Run consumes the connector's reconnect notifications and (re)subscribes
// each newly connected device until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case handle, ok := <-m.conn.Reconnects():
			if !ok {
				return
			}
			kind, ok := m.kindFor(handle)
			if !ok {
				m.log.Warn("no registered kind for reconnected handle, skipping subscribe", "handle", handle)
				continue
			}
			go m.Subscribe(ctx, handle, kind)
		}
	}
}

// Subscribe resolves services/characteristics for handle and enables
// notify/indicate on every characteristic matching kind's target set.
func (m *Manager) Subscribe(ctx context.Context, handle model.DeviceHandle, kind model.DeviceKind) error {
	slot, ok := m.conn.Lookup(handle)
	if !ok {
		return fmt.Errorf("subscription: %s: %w", handle, connector.ErrSlotNotFound)
	}
	sess := slot.Session()
	if sess == nil {
		return fmt.Errorf("subscription: %s has no active session", handle)
	}

	services, err := m.fetchServices(ctx, sess)
	if err != nil {
		return fmt.Errorf("subscription: %w", err)
	}

	targets := targetsFor(kind)
	var enabled []transport.Characteristic
	var fallbackCandidates []transport.Characteristic
	var matchedAny bool

	for _, svc := range services {
		chars, err := m.fetchCharacteristics(ctx, svc)
		if err != nil {
			m.log.Warn("characteristic discovery failed", "handle", handle, "service", svc.UUID(), "error", err)
			continue
		}

		for _, ch := range chars {
			if !ch.CanNotify() && !ch.CanIndicate() {
				continue
			}
			fallbackCandidates = append(fallbackCandidates, ch)

			if !targets[transport.NormalizeUUID(ch.UUID())] {
				continue
			}
			matchedAny = true
			if m.enable(ctx, handle, ch) {
				enabled = append(enabled, ch)
			}
		}
	}

	// Only fall back to an unmatched notify/indicate characteristic once
	// every service has been scanned for a standard target, so a vendor
	// characteristic on an earlier service never pre-empts a standard one
	// discovered on a later service.
	if !matchedAny && kind == model.KindThermometer {
		for _, ch := range fallbackCandidates {
			if m.enable(ctx, handle, ch) {
				enabled = append(enabled, ch)
			}
		}
	}

	slot.SetCharacteristics(enabled)
	if len(enabled) == 0 {
		return fmt.Errorf("subscription: %s: no subscribable characteristic found", handle)
	}
	m.log.Info("subscribed", "handle", handle, "count", len(enabled))
	return nil
}

func (m *Manager) fetchServices(ctx context.Context, sess transport.Session) ([]transport.Service, error) {
	var lastErr error
	for i := 0; i < m.opts.ServiceRetries; i++ {
		services, err := sess.Services(ctx)
		if err == nil {
			return services, nil
		}
		lastErr = err
		if i < m.opts.ServiceRetries-1 {
			if !sleepOrDone(ctx, m.opts.ServiceRetrySpace) {
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("fetch services: %w", lastErr)
}

func (m *Manager) fetchCharacteristics(ctx context.Context, svc transport.Service) ([]transport.Characteristic, error) {
	var lastErr error
	for i := 0; i < m.opts.CharRetries; i++ {
		chars, err := svc.Characteristics(ctx)
		if err == nil {
			return chars, nil
		}
		lastErr = err
		if i < m.opts.CharRetries-1 {
			if !sleepOrDone(ctx, m.opts.CharRetrySpace) {
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("fetch characteristics: %w", lastErr)
}

// enable writes the preferred CCCD value onto ch, clearing a stale
// non-None value first and retrying per status code on failure. It
// returns whether the characteristic ended up enabled.
func (m *Manager) enable(ctx context.Context, handle model.DeviceHandle, ch transport.Characteristic) bool {
	want := model.CCCDNotify
	if ch.CanIndicate() {
		want = model.CCCDIndicate
	}

	if current, err := ch.ReadCCCD(ctx); err == nil && current != model.CCCDNone {
		_ = ch.WriteCCCD(ctx, model.CCCDNone)
		if !sleepOrDone(ctx, m.opts.CCCDClearWait) {
			return false
		}
	}

	token := uuid.New()
	if err := ch.Subscribe(func(data []byte) {
		m.deliver(handle, ch.UUID(), data)
	}); err != nil {
		m.log.Warn("subscribe callback registration failed", "handle", handle, "characteristic", ch.UUID(), "error", err)
		return false
	}

	for attempt := 0; attempt < m.opts.CCCDRetries; attempt++ {
		err := ch.WriteCCCD(ctx, want)
		if err == nil {
			m.log.Info("subscription enabled", "handle", handle, "characteristic", ch.UUID(), "listener_token", token, "value", want)
			return true
		}
		wait := m.opts.OtherWait
		var statusErr *transport.StatusError
		if errors.As(err, &statusErr) {
			switch statusErr.Code {
			case transport.AccessDenied:
				wait = m.opts.AccessDeniedWait
			case transport.Unreachable:
				wait = m.opts.UnreachableWait
			}
		}
		if attempt < m.opts.CCCDRetries-1 {
			if !sleepOrDone(ctx, wait) {
				return false
			}
		}
	}
	m.log.Warn("failed to enable characteristic after retries", "handle", handle, "characteristic", ch.UUID())
	return false
}

func (m *Manager) deliver(handle model.DeviceHandle, characteristicID string, data []byte) {
	now := time.Now()
	if slot, ok := m.conn.Lookup(handle); ok {
		slot.Touch(now)
	}
	frame := model.RawFrame{
		Handle:           handle,
		CharacteristicID: transport.NormalizeUUID(characteristicID),
		Data:             append([]byte(nil), data...),
		ArrivedAt:        now,
	}
	select {
	case m.frames <- frame:
	default:
		m.log.Warn("frame channel full, dropping frame", "handle", handle, "characteristic", characteristicID)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
