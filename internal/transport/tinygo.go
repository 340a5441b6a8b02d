package transport

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/vitalbeacon/bleingest/internal/model"
)

// TinygoTransport adapts tinygo.org/x/bluetooth to the Transport interface,
// generalizing the teacher's CoreBluetoothAdapter (internal/ble/corebluetooth.go)
// from a single pre-paired peripheral to arbitrary concurrent scan/connect
// traffic across many handles.
//
// tinygo.org/x/bluetooth does not expose raw CCCD read/write or per-platform
// characteristic property flags uniformly across its linux/darwin/windows
// backends (see gattc_linux.go / gattc_darwin.go in the vendored reference:
// DeviceCharacteristic carries no portable Properties field). ReadCCCD and
// WriteCCCD are therefore backed by a local cache reflecting the last value
// this process wrote via EnableNotifications (a nil callback disables),
// rather than a device-side descriptor read; CanNotify/CanIndicate report
// true unconditionally and let the subscription manager's CCCD-write retry
// loop surface a real failure if the peripheral rejects the subscription.
type TinygoTransport struct {
	adapter *bluetooth.Adapter

	mu       sync.Mutex
	sessions map[model.DeviceHandle]*tinygoSession
}

// NewTinygoTransport wraps the process-wide default adapter.
func NewTinygoTransport() *TinygoTransport {
	return &TinygoTransport{
		adapter:  bluetooth.DefaultAdapter,
		sessions: make(map[model.DeviceHandle]*tinygoSession),
	}
}

var _ Transport = (*TinygoTransport)(nil)

func (t *TinygoTransport) StartScan(ctx context.Context, serviceUUIDs []string) (<-chan Advertisement, error) {
	if err := t.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("transport: enable adapter: %w", err)
	}

	filters := make([]bluetooth.UUID, 0, len(serviceUUIDs))
	for _, s := range serviceUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("transport: parse filter uuid %q: %w", s, err)
		}
		filters = append(filters, u)
	}

	out := make(chan Advertisement, 32)
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		handle := addressToHandle(device.Address)
		t.mu.Lock()
		sess, ok := t.sessions[handle]
		t.mu.Unlock()
		if ok {
			sess.fireConnectionLost()
		}
	})

	go func() {
		defer close(out)
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				t.adapter.StopScan()
			case <-done:
			}
		}()
		defer close(done)

		_ = t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if len(filters) > 0 {
				match := false
				for _, f := range filters {
					if result.HasServiceUUID(f) {
						match = true
						break
					}
				}
				if !match {
					return
				}
			}
			adv := Advertisement{
				Handle:    addressToHandle(result.Address),
				LocalName: result.LocalName(),
				RSSI:      int16(result.RSSI),
			}
			select {
			case out <- adv:
			case <-ctx.Done():
			}
		})
	}()

	return out, nil
}

func (t *TinygoTransport) StopScan() {
	_ = t.adapter.StopScan()
}

func (t *TinygoTransport) Open(ctx context.Context, handle model.DeviceHandle) (Session, error) {
	addr := handleToAddress(handle)

	type result struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- result{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("transport: open %s: %w", handle, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, &StatusError{Code: classifyConnectError(r.err), Op: fmt.Sprintf("open %s", handle)}
		}
		sess := &tinygoSession{handle: handle, device: r.device}
		t.mu.Lock()
		t.sessions[handle] = sess
		t.mu.Unlock()
		return sess, nil
	}
}

// classifyConnectError has no platform-specific error taxonomy to inspect
// in the portable tinygo API; every connect failure maps to Unreachable.
// The connector does not branch on this code.
func classifyConnectError(error) StatusCode {
	return Unreachable
}

// addressToHandle parses the platform's string form of a bluetooth.Address
// (a MAC on Linux/Windows, a CoreBluetooth UUID on macOS) into a
// DeviceHandle. Following corebluetooth.go's own use of Address.String(),
// rather than reaching into platform-private fields, keeps this adapter
// portable across the library's per-OS address representations.
func addressToHandle(addr bluetooth.Address) model.DeviceHandle {
	return parseHandle(addr.String())
}

func parseHandle(s string) model.DeviceHandle {
	var h uint64
	nibbles := 0
	for i := 0; i < len(s) && nibbles < 12; i++ {
		c := s[i]
		var nibble uint64
		switch {
		case c >= '0' && c <= '9':
			nibble = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			nibble = uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			nibble = uint64(c-'A') + 10
		default:
			continue
		}
		h = h<<4 | nibble
		nibbles++
	}
	return model.DeviceHandle(h)
}

func handleToAddress(h model.DeviceHandle) bluetooth.Address {
	var addr bluetooth.Address
	addr.Set(h.String())
	return addr
}

type tinygoSession struct {
	handle model.DeviceHandle
	device bluetooth.Device

	mu       sync.Mutex
	onLost   func()
}

func (s *tinygoSession) Handle() model.DeviceHandle { return s.handle }

func (s *tinygoSession) Services(ctx context.Context) ([]Service, error) {
	svcs, err := s.device.DiscoverServices(nil)
	if err != nil {
		return nil, &StatusError{Code: Unreachable, Op: "services"}
	}
	out := make([]Service, 0, len(svcs))
	for i := range svcs {
		out = append(out, &tinygoService{svc: svcs[i]})
	}
	return out, nil
}

func (s *tinygoSession) Pair(ctx context.Context) (PairingOutcome, error) {
	// tinygo.org/x/bluetooth relies on the host OS pairing prompt during
	// Connect; there is no separate pairing call to make here, so a
	// connected session is by definition already paired.
	return PairingOutcome{AlreadyPaired: true, Code: Success}, nil
}

func (s *tinygoSession) OnConnectionLost(callback func()) {
	s.mu.Lock()
	s.onLost = callback
	s.mu.Unlock()
}

func (s *tinygoSession) fireConnectionLost() {
	s.mu.Lock()
	cb := s.onLost
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *tinygoSession) Disconnect(ctx context.Context) error {
	return s.device.Disconnect()
}

type tinygoService struct {
	svc bluetooth.DeviceService
}

func (s *tinygoService) UUID() string { return s.svc.UUID().String() }

func (s *tinygoService) Characteristics(ctx context.Context) ([]Characteristic, error) {
	chars, err := s.svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, &StatusError{Code: Unreachable, Op: "characteristics"}
	}
	out := make([]Characteristic, 0, len(chars))
	for i := range chars {
		out = append(out, &tinygoCharacteristic{char: chars[i]})
	}
	return out, nil
}

type tinygoCharacteristic struct {
	char bluetooth.DeviceCharacteristic

	mu      sync.Mutex
	cccd    model.CCCDValue
	onValue func([]byte)
}

func (c *tinygoCharacteristic) UUID() string { return c.char.UUID().String() }

// CanNotify and CanIndicate report true unconditionally; see the
// TinygoTransport doc comment for why the portable API cannot distinguish
// them. The subscription manager's own retry loop is the real backstop
// against a characteristic that cannot actually be enabled.
func (c *tinygoCharacteristic) CanNotify() bool   { return true }
func (c *tinygoCharacteristic) CanIndicate() bool { return true }

func (c *tinygoCharacteristic) ReadCCCD(ctx context.Context) (model.CCCDValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cccd, nil
}

func (c *tinygoCharacteristic) WriteCCCD(ctx context.Context, value model.CCCDValue) error {
	c.mu.Lock()
	cb := c.onValue
	c.mu.Unlock()

	if value == model.CCCDNone {
		if err := c.char.EnableNotifications(nil); err != nil {
			return &StatusError{Code: Unreachable, Op: "write_cccd"}
		}
		c.mu.Lock()
		c.cccd = model.CCCDNone
		c.mu.Unlock()
		return nil
	}

	if cb == nil {
		// No subscriber registered yet: record the intent so a later
		// Subscribe call enables it with the right value.
		c.mu.Lock()
		c.cccd = value
		c.mu.Unlock()
		return nil
	}

	if err := c.char.EnableNotifications(cb); err != nil {
		return &StatusError{Code: AccessDenied, Op: "write_cccd"}
	}
	c.mu.Lock()
	c.cccd = value
	c.mu.Unlock()
	return nil
}

func (c *tinygoCharacteristic) Subscribe(callback func(data []byte)) error {
	c.mu.Lock()
	c.onValue = callback
	wantEnabled := c.cccd != model.CCCDNone
	c.mu.Unlock()

	if callback == nil {
		return c.char.EnableNotifications(nil)
	}
	if wantEnabled {
		return c.char.EnableNotifications(callback)
	}
	return nil
}
