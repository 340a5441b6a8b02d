package healthprobe

import (
	"context"
	"testing"
	"time"

	"github.com/vitalbeacon/bleingest/internal/connector"
	"github.com/vitalbeacon/bleingest/internal/model"
	"github.com/vitalbeacon/bleingest/internal/pairing"
	"github.com/vitalbeacon/bleingest/internal/transport"
	"github.com/vitalbeacon/bleingest/internal/transport/transporttest"
)

func connectedSlot(t *testing.T, fake *transporttest.Fake, handle model.DeviceHandle) *connector.Connector {
	t.Helper()
	fake.Session(handle).SetServices(transporttest.NewFakeService("1810"))
	opts := connector.DefaultOptions()
	opts.ReconnectBackoff = []time.Duration{5 * time.Millisecond}
	c := connector.New(fake, pairing.New(fake, nil), opts, nil)
	if err := c.Connect(context.Background(), handle); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	// drain the Connecting/Connected events so later reads of the channel
	// in the test body see only what the probe itself produces.
	<-c.StatusEvents()
	<-c.StatusEvents()
	<-c.Reconnects()
	return c
}

func TestProbeDisconnectsUnresponsiveSlot(t *testing.T) {
	fake := transporttest.NewFake()
	c := connectedSlot(t, fake, 1)

	slot, _ := c.Lookup(1)
	slot.SetCharacteristics([]transport.Characteristic{transporttest.NewFakeCharacteristic("2a35", false, true)})
	// force the liveness gap without waiting 30s in a unit test
	fake.Session(1).ServicesErr = context.DeadlineExceeded

	opts := DefaultOptions()
	opts.Interval = 5 * time.Millisecond
	opts.IdleThreshold = 0
	opts.ProbeTimeout = 50 * time.Millisecond
	hp := New(c, opts, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go hp.Run(ctx)

	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case ev := <-c.StatusEvents():
			if ev.Status == model.StatusReconnecting {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for probe-triggered reconnect")
		}
	}
}

func TestProbeSkipsSlotsWithoutSubscriptions(t *testing.T) {
	fake := transporttest.NewFake()
	c := connectedSlot(t, fake, 2)
	fake.Session(2).ServicesErr = context.DeadlineExceeded

	opts := DefaultOptions()
	opts.Interval = 5 * time.Millisecond
	opts.IdleThreshold = 0
	hp := New(c, opts, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	hp.Run(ctx)

	select {
	case ev := <-c.StatusEvents():
		t.Fatalf("unexpected status event %+v for a slot with no subscriptions", ev)
	default:
	}
}

func TestSmartDisconnectFiresAfterSilentWindow(t *testing.T) {
	fake := transporttest.NewFake()
	c := connectedSlot(t, fake, 3)
	slot, _ := c.Lookup(3)
	slot.SetCharacteristics([]transport.Characteristic{transporttest.NewFakeCharacteristic("2a35", false, true)})

	opts := DefaultOptions()
	opts.SmartDisconnect = true
	opts.SmartDisconnectSilentWindow = 20 * time.Millisecond
	opts.SmartDisconnectExtension = 20 * time.Millisecond
	opts.SmartDisconnectCooldown = 10 * time.Millisecond
	hp := New(c, opts, nil)

	hp.OnFrame(3)

	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case ev := <-c.StatusEvents():
			if ev.Status == model.StatusDisconnected {
				if !hp.Cooldown(3) {
					t.Error("Cooldown(3) = false immediately after a silent-window disconnect")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for smart disconnect")
		}
	}
}

func TestSmartDisconnectNotArmedWhenDisabled(t *testing.T) {
	fake := transporttest.NewFake()
	c := connectedSlot(t, fake, 4)
	hp := New(c, DefaultOptions(), nil) // SmartDisconnect defaults to false

	hp.OnFrame(4)

	select {
	case ev := <-c.StatusEvents():
		t.Fatalf("unexpected status event %+v with smart disconnect disabled", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
