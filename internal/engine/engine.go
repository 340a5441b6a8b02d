// Package engine wires discovery, pairing, connection lifecycle,
// subscription, decoding, and validation into a single orchestrated
// ingestion pipeline with one {Idle, Starting, Running, Stopping} state
// machine.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vitalbeacon/bleingest/internal/config"
	"github.com/vitalbeacon/bleingest/internal/connector"
	"github.com/vitalbeacon/bleingest/internal/demux"
	"github.com/vitalbeacon/bleingest/internal/discovery"
	"github.com/vitalbeacon/bleingest/internal/healthprobe"
	"github.com/vitalbeacon/bleingest/internal/model"
	"github.com/vitalbeacon/bleingest/internal/pairing"
	"github.com/vitalbeacon/bleingest/internal/subscription"
	"github.com/vitalbeacon/bleingest/internal/transport"
	"github.com/vitalbeacon/bleingest/internal/validate"
)

// State is a node of the engine's top-level lifecycle automaton.
type State string

const (
	Idle     State = "idle"
	Starting State = "starting"
	Running  State = "running"
	Stopping State = "stopping"
)

// Engine owns every subsystem and fans discovered candidates into
// per-device connection slots.
type Engine struct {
	transport transport.Transport
	cfg       *config.Config
	sink      model.EventSink
	log       *slog.Logger

	scanner      *discovery.Scanner
	pairer       *pairing.Pairer
	connector    *connector.Connector
	healthProbe  *healthprobe.HealthProbe
	subscription *subscription.Manager
	demux        *demux.Demultiplexer
	validator    *validate.Validator

	startStop chan struct{} // single-permit linearizer

	mu    sync.Mutex
	state State

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New wires every subsystem from cfg but does not start anything.
func New(t transport.Transport, cfg *config.Config, sink model.EventSink, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}

	pairer := pairing.New(t, log)

	connOpts := connector.DefaultOptions()
	connOpts.ConnectTimeout = cfg.ConnectTimeout()
	connOpts.ReconnectBackoff = cfg.ReconnectBackoff()
	connOpts.ConcurrentConnects = cfg.ConcurrentConnects
	conn := connector.New(t, pairer, connOpts, log)

	probeOpts := healthprobe.DefaultOptions()
	probeOpts.IdleThreshold = cfg.IdleProbeThreshold()
	probeOpts.SmartDisconnect = cfg.SmartDisconnect
	probe := healthprobe.New(conn, probeOpts, log)

	sub := subscription.New(conn, probe, subscription.DefaultOptions(), log)

	dx := demux.New(log)

	bpRanges := validate.DefaultBPRanges()
	bpRanges.NormalSystolic = validate.Range{Min: cfg.BPNormalRange.SystolicMin, Max: cfg.BPNormalRange.SystolicMax}
	bpRanges.NormalDiastolic = validate.Range{Min: cfg.BPNormalRange.DiastolicMin, Max: cfg.BPNormalRange.DiastolicMax}
	bpRanges.NormalHeartRate = validate.Range{Min: cfg.BPNormalRange.HeartRateMin, Max: cfg.BPNormalRange.HeartRateMax}
	tempRanges := validate.DefaultTempRanges()
	tempRanges.NormalCelsius = validate.Range{Min: cfg.TempNormalRange.CelsiusMin, Max: cfg.TempNormalRange.CelsiusMax}

	scanOpts := discovery.DefaultOptions()
	scanOpts.RestartMax = cfg.ScanRestartMax

	return &Engine{
		transport:    t,
		cfg:          cfg,
		sink:         sink,
		log:          log.With("component", "engine"),
		scanner:      discovery.New(t, scanOpts, log),
		pairer:       pairer,
		connector:    conn,
		healthProbe:  probe,
		subscription: sub,
		demux:        dx,
		validator:    validate.New(bpRanges, tempRanges),
		startStop:    make(chan struct{}, 1),
		state:        Idle,
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start transitions Idle -> Starting -> Running, wiring every subsystem's
// event loop as a goroutine bound to the engine's root context. Calling
// Start while already Running or Starting is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.startStop <- struct{}{}
	defer func() { <-e.startStop }()

	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return nil
	}
	e.state = Starting
	e.mu.Unlock()

	e.rootCtx, e.rootCancel = context.WithCancel(ctx)

	e.scanner.Start(e.rootCtx)

	e.wg.Add(5)
	go e.runCandidates()
	go e.runConnectorStatus()
	go e.runSubscriptionManager()
	go e.runFrames()
	go e.runHealthProbe()

	e.mu.Lock()
	e.state = Running
	e.mu.Unlock()
	e.log.Info("engine started")
	return nil
}

// Stop transitions Running -> Stopping -> Idle, disconnecting every slot
// with the connector's full disconnect contract before returning.
func (e *Engine) Stop(ctx context.Context) error {
	e.startStop <- struct{}{}
	defer func() { <-e.startStop }()

	e.mu.Lock()
	if e.state != Running {
		e.mu.Unlock()
		return nil
	}
	e.state = Stopping
	e.mu.Unlock()

	e.scanner.Stop()
	e.connector.Shutdown(ctx)
	e.rootCancel()
	e.wg.Wait()

	e.mu.Lock()
	e.state = Idle
	e.mu.Unlock()
	e.log.Info("engine stopped")
	return nil
}

func (e *Engine) runCandidates() {
	defer e.wg.Done()
	for {
		select {
		case <-e.rootCtx.Done():
			return
		case c, ok := <-e.scanner.Candidates():
			if !ok {
				return
			}
			e.sink.OnDiscovery(model.DiscoveryEvent{Handle: c.Handle, Kind: c.Kind, RSSI: c.RSSI})
			e.subscription.Register(c.Handle, c.Kind)
			go e.connectCandidate(c)
		case ev, ok := <-e.scanner.EngineStatus():
			if !ok {
				continue
			}
			e.sink.OnEngineStatus(ev)
			if ev.Kind == model.EngineFatal {
				e.log.Error("scanner reported a fatal condition, shutting down")
				go e.shutdownAfterFatal()
				return
			}
		}
	}
}

// shutdownAfterFatal runs the same disconnect-everything sequence as Stop
// when a subsystem reports EngineFatal (e.g. the scanner exhausted its
// restart budget), since the engine cannot keep serving connected devices
// without it. Run in its own goroutine so the caller (runCandidates) can
// return and release its slot in the wait group Stop blocks on.
func (e *Engine) shutdownAfterFatal() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Stop(ctx); err != nil {
		e.log.Error("shutdown after fatal condition failed", "error", err)
	}
}

func (e *Engine) connectCandidate(c model.Candidate) {
	if e.pairer.Quarantined(c.Handle) || e.healthProbe.Cooldown(c.Handle) {
		return
	}
	ctx, cancel := context.WithTimeout(e.rootCtx, e.cfg.ConnectTimeout()+5*time.Second)
	defer cancel()
	if err := e.connector.Connect(ctx, c.Handle); err != nil {
		e.log.Warn("connect failed", "handle", c.Handle, "error", err)
	}
}

func (e *Engine) runConnectorStatus() {
	defer e.wg.Done()
	for {
		select {
		case <-e.rootCtx.Done():
			return
		case ev, ok := <-e.connector.StatusEvents():
			if !ok {
				return
			}
			e.sink.OnStatus(ev)
		}
	}
}

func (e *Engine) runSubscriptionManager() {
	defer e.wg.Done()
	e.subscription.Run(e.rootCtx)
}

func (e *Engine) runFrames() {
	defer e.wg.Done()
	for {
		select {
		case <-e.rootCtx.Done():
			return
		case frame, ok := <-e.subscription.Frames():
			if !ok {
				return
			}
			e.demux.Handle(frame)
		case ev, ok := <-e.demux.Events():
			if !ok {
				continue
			}
			e.validateAndEmit(ev)
		case ev, ok := <-e.demux.EngineStatus():
			if !ok {
				continue
			}
			e.sink.OnEngineStatus(ev)
		}
	}
}

func (e *Engine) validateAndEmit(ev model.MeasurementEvent) {
	switch ev.Kind {
	case model.MeasurementBloodPressure:
		e.validator.BloodPressure(ev.BloodPressure)
		ev.Valid = ev.BloodPressure.Valid
	case model.MeasurementTemperature:
		e.validator.Temperature(ev.Temperature)
		ev.Valid = ev.Temperature.Valid
	}
	if ev.Valid {
		e.healthProbe.OnFrame(ev.Handle)
	}
	e.sink.OnMeasurement(ev)
}

func (e *Engine) runHealthProbe() {
	defer e.wg.Done()
	e.healthProbe.Run(e.rootCtx)
}

// Forget releases a handle's connection slot entirely, used when a
// consumer knows a device has been permanently removed.
func (e *Engine) Forget(handle model.DeviceHandle) {
	e.connector.Forget(handle)
}

// ConnectNow bypasses discovery and connects a known handle directly,
// useful for devices the caller already knows about out of band.
func (e *Engine) ConnectNow(ctx context.Context, handle model.DeviceHandle, kind model.DeviceKind) error {
	e.subscription.Register(handle, kind)
	if err := e.connector.Connect(ctx, handle); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}
