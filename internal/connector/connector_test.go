package connector

import (
	"context"
	"testing"
	"time"

	"github.com/vitalbeacon/bleingest/internal/model"
	"github.com/vitalbeacon/bleingest/internal/pairing"
	"github.com/vitalbeacon/bleingest/internal/transport"
	"github.com/vitalbeacon/bleingest/internal/transport/transporttest"
)

func testOptions() Options {
	o := DefaultOptions()
	o.ReconnectBackoff = []time.Duration{10 * time.Millisecond, 10 * time.Millisecond}
	o.RefetchInterval = 5 * time.Millisecond
	o.ConnectTimeout = time.Second
	return o
}

func drainStatus(t *testing.T, ch <-chan model.StatusEvent, want model.ConnectionStatus, timeout time.Duration) model.StatusEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Status == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q", want)
		}
	}
}

func TestConnectSucceeds(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Session(1).SetServices(transporttest.NewFakeService("1810"))
	c := New(fake, pairing.New(fake, nil), testOptions(), nil)

	if err := c.Connect(context.Background(), 1); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	drainStatus(t, c.StatusEvents(), model.StatusConnecting, time.Second)
	drainStatus(t, c.StatusEvents(), model.StatusConnected, time.Second)

	snap := c.Snapshots()[0]
	if snap.Status != model.StatusConnected {
		t.Errorf("status = %q, want connected", snap.Status)
	}
}

func TestConnectIdempotentWhenAlreadyConnected(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Session(1).SetServices(transporttest.NewFakeService("1810"))
	c := New(fake, pairing.New(fake, nil), testOptions(), nil)

	if err := c.Connect(context.Background(), 1); err != nil {
		t.Fatalf("first Connect() error = %v", err)
	}
	if err := c.Connect(context.Background(), 1); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
}

func TestConnectFailurePropagatesAndSetsFailed(t *testing.T) {
	fake := transporttest.NewFake()
	fake.OpenErr = map[model.DeviceHandle]error{2: context.DeadlineExceeded}
	c := New(fake, pairing.New(fake, nil), testOptions(), nil)

	if err := c.Connect(context.Background(), 2); err == nil {
		t.Fatal("Connect() error = nil, want failure")
	}
	s, _ := c.Lookup(2)
	if s.Snapshot().Status != model.StatusFailed {
		t.Errorf("status = %q, want failed", s.Snapshot().Status)
	}
}

func TestReconnectAfterConnectionLost(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Session(5).SetServices(transporttest.NewFakeService("1810"))
	c := New(fake, pairing.New(fake, nil), testOptions(), nil)

	if err := c.Connect(context.Background(), 5); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	drainStatus(t, c.StatusEvents(), model.StatusConnected, time.Second)
	<-c.Reconnects()

	fake.Session(5).SimulateConnectionLost()

	drainStatus(t, c.StatusEvents(), model.StatusReconnecting, time.Second)
	drainStatus(t, c.StatusEvents(), model.StatusConnected, 2*time.Second)
	<-c.Reconnects()

	s, _ := c.Lookup(5)
	if rc := s.Snapshot().RetryCount; rc != 0 {
		t.Errorf("RetryCount = %d, want 0 after a successful reconnect", rc)
	}
}

func TestReconnectExhaustionMarksFailed(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Session(6).SetServices(transporttest.NewFakeService("1810"))
	c := New(fake, pairing.New(fake, nil), testOptions(), nil)

	if err := c.Connect(context.Background(), 6); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	drainStatus(t, c.StatusEvents(), model.StatusConnected, time.Second)
	<-c.Reconnects()

	// Every subsequent Open fails, so the reconnect loop must exhaust its
	// backoff schedule and land on Failed.
	fake.OpenErr = map[model.DeviceHandle]error{6: context.DeadlineExceeded}
	fake.Session(6).SimulateConnectionLost()

	drainStatus(t, c.StatusEvents(), model.StatusReconnecting, time.Second)
	drainStatus(t, c.StatusEvents(), model.StatusFailed, 2*time.Second)
}

func TestDisconnectClearsCCCDAndTransitionsToDisconnected(t *testing.T) {
	fake := transporttest.NewFake()
	ch := transporttest.NewFakeCharacteristic("2a35", false, true)
	_ = ch.WriteCCCD(context.Background(), model.CCCDIndicate)
	fake.Session(7).SetServices(transporttest.NewFakeService("1810", ch))
	c := New(fake, pairing.New(fake, nil), testOptions(), nil)

	if err := c.Connect(context.Background(), 7); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	drainStatus(t, c.StatusEvents(), model.StatusConnected, time.Second)

	s, _ := c.Lookup(7)
	s.SetCharacteristics([]transport.Characteristic{ch})

	if err := c.Disconnect(context.Background(), 7); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	drainStatus(t, c.StatusEvents(), model.StatusDisconnected, time.Second)

	if ch.CCCD() != model.CCCDNone {
		t.Errorf("CCCD() = %v, want none after disconnect", ch.CCCD())
	}
	if !fake.Session(7).Disconnected() {
		t.Error("session was not disconnected")
	}
}

func TestShutdownDisconnectsAllSlots(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Session(8).SetServices(transporttest.NewFakeService("1810"))
	fake.Session(9).SetServices(transporttest.NewFakeService("1809"))
	c := New(fake, pairing.New(fake, nil), testOptions(), nil)

	for _, h := range []model.DeviceHandle{8, 9} {
		if err := c.Connect(context.Background(), h); err != nil {
			t.Fatalf("Connect(%v) error = %v", h, err)
		}
		drainStatus(t, c.StatusEvents(), model.StatusConnected, time.Second)
	}

	c.Shutdown(context.Background())

	for _, h := range []model.DeviceHandle{8, 9} {
		if !fake.Session(h).Disconnected() {
			t.Errorf("session %v was not disconnected on shutdown", h)
		}
	}
}

func TestConcurrentConnectsAllSucceedUnderSemaphoreLimit(t *testing.T) {
	fake := transporttest.NewFake()
	opts := testOptions()
	opts.ConcurrentConnects = 2
	c := New(fake, pairing.New(fake, nil), opts, nil)

	for h := model.DeviceHandle(1); h <= 5; h++ {
		fake.Session(h).SetServices(transporttest.NewFakeService("1810"))
	}

	errs := make(chan error, 5)
	for h := model.DeviceHandle(1); h <= 5; h++ {
		go func(h model.DeviceHandle) { errs <- c.Connect(context.Background(), h) }(h)
	}
	for i := 0; i < 5; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Connect() error = %v", err)
		}
	}
}
