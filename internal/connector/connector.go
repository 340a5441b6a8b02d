// Package connector owns the per-device connection state machine: it
// allocates transport sessions, performs GATT service discovery, enforces
// the reconnection backoff policy, and runs the platform-tolerant
// disconnect sequence. It is the largest subsystem in the engine because
// every other subsystem (subscription, healthprobe) operates on the slots
// it owns.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vitalbeacon/bleingest/internal/model"
	"github.com/vitalbeacon/bleingest/internal/pairing"
	"github.com/vitalbeacon/bleingest/internal/transport"
)

// ErrSlotNotFound is returned by callers that look up a handle's connection
// slot without creating one (Lookup) when no slot exists yet.
var ErrSlotNotFound = errors.New("connector: no connection slot for handle")

// ErrAlreadyConnecting is returned by Connect when the slot is already
// mid-attempt, so callers can distinguish a redundant Connect call from a
// genuine dial failure.
var ErrAlreadyConnecting = errors.New("connector: already connecting")

// Options configures connect timeouts, the reconnect backoff schedule, and
// the concurrency ceiling on simultaneous connect attempts.
type Options struct {
	ConnectTimeout     time.Duration
	ReconnectBackoff   []time.Duration
	ConcurrentConnects int
	RefetchCount       int           // redundant service-refetches on disconnect
	RefetchInterval    time.Duration
}

// DefaultOptions returns the specification's defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:     30 * time.Second,
		ReconnectBackoff:   []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
		ConcurrentConnects: 5,
		RefetchCount:       3,
		RefetchInterval:    200 * time.Millisecond,
	}
}

// SlotSnapshot is a point-in-time, lock-free copy of a slot's observable
// state, safe to read without holding the slot's mutex.
type SlotSnapshot struct {
	Handle             model.DeviceHandle
	Status             model.ConnectionStatus
	RetryCount         int
	LastConnectedAt    time.Time
	LastDisconnectedAt time.Time
	LastAttemptAt      time.Time
	SubscriptionCount  int
}

// Slot is the exclusive owner of one device's connection state. All
// mutation happens under mu; Snapshot() may be called without it.
type Slot struct {
	handle model.DeviceHandle

	mu                 sync.Mutex
	status             model.ConnectionStatus
	retryCount         int
	lastConnectedAt    time.Time
	lastDisconnectedAt time.Time
	lastAttemptAt      time.Time
	session            transport.Session
	services           []transport.Service // opaque service catalogue
	characteristics    []transport.Characteristic
	lastFrameAt        time.Time

	ctx    context.Context
	cancel context.CancelFunc

	reconnecting bool
}

func newSlot(parent context.Context, handle model.DeviceHandle) *Slot {
	ctx, cancel := context.WithCancel(parent)
	return &Slot{
		handle: handle,
		status: model.StatusDisconnected,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Snapshot copies the slot's observable fields under lock.
func (s *Slot) Snapshot() SlotSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SlotSnapshot{
		Handle:             s.handle,
		Status:             s.status,
		RetryCount:         s.retryCount,
		LastConnectedAt:    s.lastConnectedAt,
		LastDisconnectedAt: s.lastDisconnectedAt,
		LastAttemptAt:      s.lastAttemptAt,
		SubscriptionCount:  len(s.characteristics),
	}
}

// Session returns the slot's current transport session, or nil if not
// connected.
func (s *Slot) Session() transport.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Services returns the slot's cached service catalogue.
func (s *Slot) Services() []transport.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.services
}

// SetCharacteristics records which characteristics currently carry an
// active subscription, so Disconnect knows what to clear. Called by the
// subscription manager after a successful (or partial) enable pass.
func (s *Slot) SetCharacteristics(chars []transport.Characteristic) {
	s.mu.Lock()
	s.characteristics = chars
	s.mu.Unlock()
}

// Touch records that a frame just arrived, for the health probe's
// liveness check.
func (s *Slot) Touch(at time.Time) {
	s.mu.Lock()
	s.lastFrameAt = at
	s.mu.Unlock()
}

// LastFrameAt returns the last time Touch was called.
func (s *Slot) LastFrameAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrameAt
}

// Context returns the slot's cancellation context; it is cancelled on
// Forget or engine shutdown and should gate every long-running goroutine
// scoped to this device (reconnect loops, smart-disconnect timers).
func (s *Slot) Context() context.Context { return s.ctx }

// Connector owns the full slot table and the reconnection policy.
type Connector struct {
	transport transport.Transport
	pairer    *pairing.Pairer
	opts      Options
	log       *slog.Logger

	sem chan struct{} // bounded concurrent-connect semaphore

	mu    sync.RWMutex
	slots map[model.DeviceHandle]*Slot

	statusCh    chan model.StatusEvent
	reconnectCh chan model.DeviceHandle
}

// New creates a Connector over the given transport and pairer.
func New(t transport.Transport, p *pairing.Pairer, opts Options, log *slog.Logger) *Connector {
	if log == nil {
		log = slog.Default()
	}
	if opts.ConcurrentConnects <= 0 {
		opts.ConcurrentConnects = DefaultOptions().ConcurrentConnects
	}
	if len(opts.ReconnectBackoff) == 0 {
		opts.ReconnectBackoff = DefaultOptions().ReconnectBackoff
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultOptions().ConnectTimeout
	}
	if opts.RefetchCount <= 0 {
		opts.RefetchCount = DefaultOptions().RefetchCount
	}
	if opts.RefetchInterval <= 0 {
		opts.RefetchInterval = DefaultOptions().RefetchInterval
	}
	return &Connector{
		transport:   t,
		pairer:      p,
		opts:        opts,
		log:         log.With("component", "connector"),
		sem:         make(chan struct{}, opts.ConcurrentConnects),
		slots:       make(map[model.DeviceHandle]*Slot),
		statusCh:    make(chan model.StatusEvent, 64),
		reconnectCh: make(chan model.DeviceHandle, 64),
	}
}

// StatusEvents returns the channel of connection-lifecycle status events.
func (c *Connector) StatusEvents() <-chan model.StatusEvent { return c.statusCh }

// Reconnects returns the channel signalling that a handle just
// (re)connected and the subscription manager should (re)subscribe.
func (c *Connector) Reconnects() <-chan model.DeviceHandle { return c.reconnectCh }

// Slot returns the slot for handle, creating one in Disconnected state on
// first discovery if it does not already exist.
func (c *Connector) Slot(ctx context.Context, handle model.DeviceHandle) *Slot {
	c.mu.RLock()
	s, ok := c.slots[handle]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[handle]; ok {
		return s
	}
	s = newSlot(ctx, handle)
	c.slots[handle] = s
	return s
}

// Lookup returns the slot for handle without creating it.
func (c *Connector) Lookup(handle model.DeviceHandle) (*Slot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.slots[handle]
	return s, ok
}

// Snapshots returns a snapshot of every known slot.
func (c *Connector) Snapshots() []SlotSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SlotSnapshot, 0, len(c.slots))
	for _, s := range c.slots {
		out = append(out, s.Snapshot())
	}
	return out
}

// Connect establishes a connection for handle. It is idempotent: if the
// slot is already Connected, it returns immediately; if an attempt is
// already in flight, it returns ErrAlreadyConnecting rather than racing a
// second dial. It blocks until success, the connect timeout elapses, or
// ctx is cancelled.
func (c *Connector) Connect(ctx context.Context, handle model.DeviceHandle) error {
	// The slot outlives this call: its context keeps ctx's values but not
	// its cancellation, and is cancelled only by Forget or Shutdown.
	s := c.Slot(context.WithoutCancel(ctx), handle)

	s.mu.Lock()
	switch s.status {
	case model.StatusConnected:
		s.mu.Unlock()
		return nil
	case model.StatusConnecting:
		s.mu.Unlock()
		return ErrAlreadyConnecting
	}
	s.status = model.StatusConnecting
	s.lastAttemptAt = time.Now()
	s.mu.Unlock()
	c.emitStatus(handle, model.StatusConnecting, nil)

	attemptID := uuid.New().String()
	log := c.log.With("attempt_id", attemptID, "handle", handle)

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		c.failSlot(s, ctx.Err())
		return ctx.Err()
	}
	defer func() { <-c.sem }()

	connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	log.Debug("dialing")
	sess, services, err := c.dial(connectCtx, handle)
	if err != nil {
		log.Warn("dial failed", "error", err)
		c.failSlot(s, err)
		return err
	}

	c.markConnected(s, sess, services)
	return nil
}

// dial pairs (if needed) and opens a session, then discovers services.
func (c *Connector) dial(ctx context.Context, handle model.DeviceHandle) (transport.Session, []transport.Service, error) {
	sess, err := c.pairer.Ensure(ctx, handle)
	if err != nil {
		return nil, nil, fmt.Errorf("connector: %w", err)
	}
	services, err := sess.Services(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("connector: discover services for %s: %w", handle, err)
	}
	return sess, services, nil
}

func (c *Connector) markConnected(s *Slot, sess transport.Session, services []transport.Service) {
	s.mu.Lock()
	s.session = sess
	s.services = services
	s.status = model.StatusConnected
	s.retryCount = 0
	s.lastConnectedAt = time.Now()
	handle := s.handle
	s.mu.Unlock()

	sess.OnConnectionLost(func() { c.onConnectionLost(handle) })

	c.emitStatus(handle, model.StatusConnected, nil)
	c.notifyReconnect(handle)
}

func (c *Connector) failSlot(s *Slot, err error) {
	s.mu.Lock()
	s.status = model.StatusFailed
	handle := s.handle
	s.mu.Unlock()
	c.emitStatus(handle, model.StatusFailed, err)
}

// onConnectionLost is invoked by the transport when a connected session
// drops unexpectedly. MarkUnhealthy triggers the same path from the health
// probe.
func (c *Connector) onConnectionLost(handle model.DeviceHandle) {
	s, ok := c.Lookup(handle)
	if !ok {
		return
	}
	c.beginReconnect(s)
}

// MarkUnhealthy forces a connected slot into reconnection, used by the
// health probe when a liveness check fails.
func (c *Connector) MarkUnhealthy(handle model.DeviceHandle) {
	s, ok := c.Lookup(handle)
	if !ok {
		return
	}
	c.beginReconnect(s)
}

func (c *Connector) beginReconnect(s *Slot) {
	s.mu.Lock()
	if s.status != model.StatusConnected || s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.status = model.StatusReconnecting
	s.reconnecting = true
	s.characteristics = nil
	s.mu.Unlock()

	c.emitStatus(s.handle, model.StatusReconnecting, nil)
	go c.reconnectLoop(s)
}

func (c *Connector) reconnectLoop(s *Slot) {
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	attemptID := uuid.New().String()
	log := c.log.With("attempt_id", attemptID, "handle", s.handle)

	for attempt, delay := range c.opts.ReconnectBackoff {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}

		select {
		case c.sem <- struct{}{}:
		case <-s.ctx.Done():
			return
		}
		sess, services, err := c.dial(s.ctx, s.handle)
		<-c.sem

		if err == nil {
			s.mu.Lock()
			s.retryCount = 0
			s.mu.Unlock()
			log.Info("reconnect succeeded", "attempt", attempt+1)
			c.markConnected(s, sess, services)
			return
		}

		s.mu.Lock()
		s.retryCount = attempt + 1
		s.mu.Unlock()
		log.Warn("reconnect attempt failed", "attempt", attempt+1, "error", err)
	}

	c.failSlot(s, fmt.Errorf("connector: %s exhausted reconnect backoff", s.handle))
}

func (c *Connector) notifyReconnect(handle model.DeviceHandle) {
	select {
	case c.reconnectCh <- handle:
	default:
		c.log.Warn("reconnect notification channel full", "handle", handle)
	}
}

func (c *Connector) emitStatus(handle model.DeviceHandle, status model.ConnectionStatus, err error) {
	select {
	case c.statusCh <- model.StatusEvent{Handle: handle, Status: status, Err: err}:
	default:
		c.log.Warn("status channel full, dropping event", "handle", handle, "status", status)
	}
}

// Disconnect runs the platform-tolerant teardown sequence: clear every
// known CCCD (errors ignored), drop the cached service catalogue, perform
// redundant service refetches to force host cache eviction, then release
// the transport session. The slot becomes Disconnected regardless of
// per-step outcomes.
func (c *Connector) Disconnect(ctx context.Context, handle model.DeviceHandle) error {
	s, ok := c.Lookup(handle)
	if !ok {
		return nil
	}

	s.mu.Lock()
	sess := s.session
	chars := s.characteristics
	s.mu.Unlock()

	for _, ch := range chars {
		_ = ch.WriteCCCD(ctx, model.CCCDNone) // best effort, errors ignored
	}

	s.mu.Lock()
	s.services = nil
	s.characteristics = nil
	s.mu.Unlock()

	if sess != nil {
		for i := 0; i < c.opts.RefetchCount; i++ {
			_, _ = sess.Services(ctx)
			if i < c.opts.RefetchCount-1 {
				select {
				case <-time.After(c.opts.RefetchInterval):
				case <-ctx.Done():
				}
			}
		}
		_ = sess.Disconnect(ctx)
	}

	s.mu.Lock()
	s.status = model.StatusDisconnected
	s.session = nil
	s.lastDisconnectedAt = time.Now()
	s.mu.Unlock()

	c.emitStatus(handle, model.StatusDisconnected, nil)
	return nil
}

// Reset transitions a Failed slot back to Disconnected so it may be
// connected again.
func (c *Connector) Reset(handle model.DeviceHandle) {
	s, ok := c.Lookup(handle)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.status == model.StatusFailed {
		s.status = model.StatusDisconnected
	}
	s.mu.Unlock()
}

// Forget cancels the slot's context and removes it from the table. Safe to
// call on an unknown handle.
func (c *Connector) Forget(handle model.DeviceHandle) {
	c.mu.Lock()
	s, ok := c.slots[handle]
	if ok {
		delete(c.slots, handle)
	}
	c.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// Shutdown disconnects every known slot in parallel, each bounded by a 2 s
// deadline, then cancels every slot's context.
func (c *Connector) Shutdown(ctx context.Context) {
	c.mu.RLock()
	handles := make([]model.DeviceHandle, 0, len(c.slots))
	for h := range c.slots {
		handles = append(handles, h)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h model.DeviceHandle) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			_ = c.Disconnect(dctx, h)
		}(h)
	}
	wg.Wait()

	c.mu.Lock()
	for _, s := range c.slots {
		s.cancel()
	}
	c.mu.Unlock()
}
