// Package discovery consumes raw advertisements from a transport.Transport,
// classifies them into target device kinds, de-duplicates flapping
// re-advertisements, and restarts scanning with backoff on transport
// failure — the Scanner and Classifier of the ingestion pipeline.
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vitalbeacon/bleingest/internal/model"
	"github.com/vitalbeacon/bleingest/internal/transport"
)

const (
	dedupeWindow   = 2 * time.Second
	dedupeRSSIJump = 8 // dBm

	restartBackoff = 2 * time.Second
)

// Options configures the scanner's restart policy.
type Options struct {
	RestartMax int // attempts before a ScannerStopped condition is fatal
}

// DefaultOptions returns the specification's defaults.
func DefaultOptions() Options {
	return Options{RestartMax: 5}
}

type seenEntry struct {
	at   time.Time
	rssi int16
}

// Scanner owns the transport's scan lifecycle and emits classified,
// de-duplicated candidates on Candidates(). Start and Stop are idempotent.
type Scanner struct {
	transport transport.Transport
	opts      Options
	log       *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	seen    map[model.DeviceHandle]seenEntry

	candidates chan model.Candidate
	statusCh   chan model.EngineStatusEvent
}

// New creates a Scanner over the given transport.
func New(t transport.Transport, opts Options, log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{
		transport:  t,
		opts:       opts,
		log:        log.With("component", "scanner"),
		seen:       make(map[model.DeviceHandle]seenEntry),
		candidates: make(chan model.Candidate, 256),
		statusCh:   make(chan model.EngineStatusEvent, 16),
	}
}

// Candidates returns the channel of classified advertisements.
func (s *Scanner) Candidates() <-chan model.Candidate { return s.candidates }

// EngineStatus returns the channel of scanner-originated engine status
// events (ScannerStopped / ScannerRestarting / Fatal).
func (s *Scanner) EngineStatus() <-chan model.EngineStatusEvent { return s.statusCh }

// Start begins scanning. Calling Start while already running is a no-op.
func (s *Scanner) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	go s.run(runCtx)
}

// Stop ends scanning. Calling Stop while already stopped is a no-op.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	s.transport.StopScan()
}

func (s *Scanner) run(ctx context.Context) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		advs, err := s.transport.StartScan(ctx, []string{})
		if err != nil {
			attempts++
			s.emitStatus(model.EngineStatusEvent{Kind: model.EngineScannerStopped})
			s.log.Warn("scan start failed", "attempt", attempts, "error", err)
			if !s.awaitRestart(ctx, attempts) {
				return
			}
			continue
		}

		attempts = 0
		drained := s.drain(ctx, advs)
		if ctx.Err() != nil {
			return
		}
		if drained {
			// The channel closed because the transport failed mid-scan,
			// not because we cancelled it.
			attempts++
			s.emitStatus(model.EngineStatusEvent{Kind: model.EngineScannerStopped})
			s.log.Warn("scanner stopped unexpectedly", "attempt", attempts)
			if !s.awaitRestart(ctx, attempts) {
				return
			}
		}
	}
}

// drain reads from advs until it closes, returning true if the channel
// closed due to transport failure (ctx still live) rather than
// cancellation.
func (s *Scanner) drain(ctx context.Context, advs <-chan transport.Advertisement) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case adv, ok := <-advs:
			if !ok {
				return ctx.Err() == nil
			}
			s.handle(adv)
		}
	}
}

func (s *Scanner) handle(adv transport.Advertisement) {
	kind, ok := Classify(adv)
	if !ok {
		return
	}

	s.mu.Lock()
	prev, seen := s.seen[adv.Handle]
	now := time.Now()
	if seen {
		age := now.Sub(prev.at)
		rssiDelta := absInt16(adv.RSSI - prev.rssi)
		if age < dedupeWindow && rssiDelta < dedupeRSSIJump {
			s.mu.Unlock()
			return
		}
	}
	s.seen[adv.Handle] = seenEntry{at: now, rssi: adv.RSSI}
	s.mu.Unlock()

	candidate := model.Candidate{
		Handle:    adv.Handle,
		Kind:      kind,
		RSSI:      adv.RSSI,
		LocalName: adv.LocalName,
	}
	select {
	case s.candidates <- candidate:
	default:
		s.log.Warn("candidate channel full, dropping", "handle", adv.Handle)
	}
}

// awaitRestart sleeps the restart backoff, then reports whether the caller
// should keep retrying. It reports Fatal and returns false once RestartMax
// is exceeded.
func (s *Scanner) awaitRestart(ctx context.Context, attempts int) bool {
	max := s.opts.RestartMax
	if max <= 0 {
		max = DefaultOptions().RestartMax
	}
	if attempts > max {
		s.emitStatus(model.EngineStatusEvent{Kind: model.EngineFatal})
		s.log.Error("scanner exhausted restart attempts", "max", max)
		return false
	}
	s.emitStatus(model.EngineStatusEvent{Kind: model.EngineScannerRestarting})
	select {
	case <-ctx.Done():
		return false
	case <-time.After(restartBackoff):
		return true
	}
}

func (s *Scanner) emitStatus(ev model.EngineStatusEvent) {
	select {
	case s.statusCh <- ev:
	default:
	}
}

func absInt16(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}
