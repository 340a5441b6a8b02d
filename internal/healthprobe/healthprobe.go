// Package healthprobe detects connections a host's BLE stack has silently
// dropped, and optionally forces a preventative disconnect on hosts whose
// long-held GATT caches are known to corrupt over time.
package healthprobe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vitalbeacon/bleingest/internal/connector"
	"github.com/vitalbeacon/bleingest/internal/model"
)

// Options configures the probe interval, idle threshold, and the optional
// smart auto-disconnect policy.
type Options struct {
	Interval      time.Duration
	IdleThreshold time.Duration
	ProbeTimeout  time.Duration

	SmartDisconnect             bool
	SmartDisconnectSilentWindow time.Duration // first window; disconnect if silent throughout
	SmartDisconnectExtension    time.Duration // grace period once frames are still arriving
	SmartDisconnectCooldown     time.Duration
}

// DefaultOptions returns the specification's defaults. SmartDisconnect is
// off, matching hosts with accurate disconnect notifications.
func DefaultOptions() Options {
	return Options{
		Interval:                    10 * time.Second,
		IdleThreshold:               30 * time.Second,
		ProbeTimeout:                2 * time.Second,
		SmartDisconnect:             false,
		SmartDisconnectSilentWindow: 25 * time.Second,
		SmartDisconnectExtension:    30 * time.Second,
		SmartDisconnectCooldown:     5 * time.Second,
	}
}

// HealthProbe periodically tests Connected slots that have gone quiet and,
// if configured, runs the smart auto-disconnect policy.
type HealthProbe struct {
	conn *connector.Connector
	opts Options
	log  *slog.Logger

	mu         sync.Mutex
	cooldownAt map[model.DeviceHandle]time.Time
	smartArmed map[model.DeviceHandle]bool
}

// New creates a HealthProbe over the given connector.
func New(conn *connector.Connector, opts Options, log *slog.Logger) *HealthProbe {
	if log == nil {
		log = slog.Default()
	}
	if opts.Interval <= 0 {
		opts = DefaultOptions()
	}
	return &HealthProbe{
		conn:       conn,
		opts:       opts,
		log:        log.With("component", "healthprobe"),
		cooldownAt: make(map[model.DeviceHandle]time.Time),
		smartArmed: make(map[model.DeviceHandle]bool),
	}
}

// Run blocks, ticking the liveness sweep until ctx is cancelled.
func (h *HealthProbe) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *HealthProbe) sweep(ctx context.Context) {
	for _, snap := range h.conn.Snapshots() {
		if snap.Status != model.StatusConnected || snap.SubscriptionCount == 0 {
			continue
		}
		slot, ok := h.conn.Lookup(snap.Handle)
		if !ok {
			continue
		}
		if time.Since(slot.LastFrameAt()) <= h.opts.IdleThreshold {
			continue
		}
		h.probe(ctx, slot)
	}
}

func (h *HealthProbe) probe(ctx context.Context, slot *connector.Slot) {
	sess := slot.Session()
	if sess == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, h.opts.ProbeTimeout)
	defer cancel()

	handle := slot.Snapshot().Handle
	if _, err := sess.Services(pctx); err != nil {
		h.log.Warn("liveness probe failed, forcing reconnect", "handle", handle, "error", err)
		h.conn.MarkUnhealthy(handle)
		return
	}
}

// Cooldown reports whether handle is within its post-smart-disconnect
// cooldown window and should not be reconnected yet.
func (h *HealthProbe) Cooldown(handle model.DeviceHandle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	until, ok := h.cooldownAt[handle]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(h.cooldownAt, handle)
		return false
	}
	return true
}

// OnFrame is called by the engine for every valid measurement
// delivered. When SmartDisconnect is enabled it arms, at most once per
// connection, the passive timer that watches for the cache-corruption
// pattern described in the disconnect policy.
func (h *HealthProbe) OnFrame(handle model.DeviceHandle) {
	if !h.opts.SmartDisconnect {
		return
	}
	h.mu.Lock()
	if h.smartArmed[handle] {
		h.mu.Unlock()
		return
	}
	h.smartArmed[handle] = true
	h.mu.Unlock()

	slot, ok := h.conn.Lookup(handle)
	if !ok {
		return
	}
	go h.runSmartTimer(slot)
}

func (h *HealthProbe) disarm(handle model.DeviceHandle) {
	h.mu.Lock()
	delete(h.smartArmed, handle)
	h.mu.Unlock()
}

// runSmartTimer implements the two-stage window from the disconnect
// policy: a silent first window triggers an immediate disconnect with a
// cooldown; continued activity earns one extension, after which the
// connection is force-disconnected unconditionally.
func (h *HealthProbe) runSmartTimer(slot *connector.Slot) {
	defer h.disarm(slot.Snapshot().Handle)

	handle := slot.Snapshot().Handle
	ctx := slot.Context()

	seenAtStart := slot.LastFrameAt()
	select {
	case <-time.After(h.opts.SmartDisconnectSilentWindow):
	case <-ctx.Done():
		return
	}
	if slot.LastFrameAt().Equal(seenAtStart) {
		h.log.Info("smart disconnect: silent window elapsed, disconnecting", "handle", handle)
		h.mu.Lock()
		h.cooldownAt[handle] = time.Now().Add(h.opts.SmartDisconnectCooldown)
		h.mu.Unlock()
		h.forceDisconnect(handle)
		h.mu.Lock()
		h.cooldownAt[handle] = time.Now().Add(h.opts.SmartDisconnectCooldown)
		h.mu.Unlock()
		return
	}

	select {
	case <-time.After(h.opts.SmartDisconnectExtension):
	case <-ctx.Done():
		return
	}
	h.log.Info("smart disconnect: extension elapsed, forcing disconnect", "handle", handle)
	h.forceDisconnect(handle)
}

func (h *HealthProbe) forceDisconnect(handle model.DeviceHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = h.conn.Disconnect(ctx, handle)
}
