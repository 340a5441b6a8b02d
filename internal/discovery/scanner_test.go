package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vitalbeacon/bleingest/internal/model"
	"github.com/vitalbeacon/bleingest/internal/transport"
	"github.com/vitalbeacon/bleingest/internal/transport/transporttest"
)

var errScanUnavailable = errors.New("scan unavailable")

func drainOne(t *testing.T, ch <-chan model.Candidate, timeout time.Duration) model.Candidate {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(timeout):
		t.Fatal("timed out waiting for candidate")
		return model.Candidate{}
	}
}

// drainStatus waits for an EngineStatusEvent of the given kind, ignoring any
// others received first, since a restarting scanner can emit several.
func drainStatus(t *testing.T, ch <-chan model.EngineStatusEvent, kind model.EngineStatusKind, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for EngineStatusEvent kind %q", kind)
		}
	}
}

func TestScannerEmitsClassifiedCandidate(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Feed(transport.Advertisement{Handle: 0xAABBCCDDEEFF, ServiceUUIDs: []string{"1809"}, LocalName: "Thermo", RSSI: -50})

	s := New(fake, DefaultOptions(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	got := drainOne(t, s.Candidates(), time.Second)
	if got.Kind != model.KindThermometer {
		t.Errorf("Kind = %q, want %q", got.Kind, model.KindThermometer)
	}
	if got.Handle != 0xAABBCCDDEEFF {
		t.Errorf("Handle = %v, want 0xAABBCCDDEEFF", got.Handle)
	}
}

func TestScannerStartStopIdempotent(t *testing.T) {
	fake := transporttest.NewFake()
	s := New(fake, DefaultOptions(), nil)
	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // no-op, must not panic or deadlock
	s.Stop()
	s.Stop() // no-op
}

func TestScannerDedupesWithinWindow(t *testing.T) {
	fake := transporttest.NewFake()
	s := New(fake, DefaultOptions(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	adv := transport.Advertisement{Handle: 1, ServiceUUIDs: []string{"1810"}, RSSI: -60}
	fake.Feed(adv, adv) // identical, back-to-back

	drainOne(t, s.Candidates(), time.Second)
	select {
	case c := <-s.Candidates():
		t.Fatalf("unexpected second candidate %+v within dedupe window", c)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestScannerReemitsOnLargeRSSIJump(t *testing.T) {
	fake := transporttest.NewFake()
	s := New(fake, DefaultOptions(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	fake.Feed(transport.Advertisement{Handle: 2, ServiceUUIDs: []string{"1810"}, RSSI: -60})
	drainOne(t, s.Candidates(), time.Second)

	fake.Feed(transport.Advertisement{Handle: 2, ServiceUUIDs: []string{"1810"}, RSSI: -40}) // Δ=20 dBm
	drainOne(t, s.Candidates(), time.Second)
}

func TestScannerEmitsScannerStoppedOnStartScanFailure(t *testing.T) {
	fake := transporttest.NewFake()
	fake.ScanErr = errScanUnavailable

	s := New(fake, DefaultOptions(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	drainStatus(t, s.EngineStatus(), model.EngineScannerStopped, time.Second)
}

func TestScannerRestartExhaustionEmitsFatal(t *testing.T) {
	fake := transporttest.NewFake()
	fake.ScanErr = errScanUnavailable

	s := New(fake, Options{RestartMax: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	drainStatus(t, s.EngineStatus(), model.EngineFatal, 5*time.Second)
}
