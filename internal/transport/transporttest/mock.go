// Package transporttest provides a fake transport.Transport for exercising
// the engine's subsystems without a real BLE stack, generalizing the
// teacher's per-file mock_adapter_test.go pattern (internal/ble in the
// source repo) into a shared, importable fake since discovery, connector,
// subscription, and healthprobe tests all need one.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/vitalbeacon/bleingest/internal/model"
	"github.com/vitalbeacon/bleingest/internal/transport"
)

// Fake is an in-memory transport.Transport. Its methods are safe for
// concurrent use; its exported fields are plain fields, set by tests before
// the code under test reads them.
type Fake struct {
	mu sync.Mutex

	// Advertisements passed to Feed while no scan is running; the next
	// StartScan call delivers them all at once, in order.
	pending []transport.Advertisement

	scanning   bool
	scanCh     chan transport.Advertisement
	ScanErr    error // returned by every StartScan call while set

	sessions map[model.DeviceHandle]*FakeSession
	OpenErr  map[model.DeviceHandle]error
}

// NewFake returns an empty Fake transport.
func NewFake() *Fake {
	return &Fake{sessions: make(map[model.DeviceHandle]*FakeSession)}
}

var _ transport.Transport = (*Fake)(nil)

// Feed enqueues advertisements for delivery on the current (or next) scan.
func (f *Fake) Feed(advs ...transport.Advertisement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanning && f.scanCh != nil {
		for _, a := range advs {
			f.scanCh <- a
		}
		return
	}
	f.pending = append(f.pending, advs...)
}

func (f *Fake) StartScan(ctx context.Context, _ []string) (<-chan transport.Advertisement, error) {
	f.mu.Lock()
	if f.ScanErr != nil {
		err := f.ScanErr
		f.mu.Unlock()
		return nil, err
	}
	ch := make(chan transport.Advertisement, 64)
	for _, a := range f.pending {
		ch <- a
	}
	f.pending = nil
	f.scanning = true
	f.scanCh = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		f.scanning = false
		f.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (f *Fake) StopScan() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanning = false
}

func (f *Fake) Open(ctx context.Context, handle model.DeviceHandle) (transport.Session, error) {
	f.mu.Lock()
	if err, ok := f.OpenErr[handle]; ok && err != nil {
		f.mu.Unlock()
		return nil, err
	}
	sess, ok := f.sessions[handle]
	if !ok {
		sess = NewFakeSession(handle)
		f.sessions[handle] = sess
	}
	f.mu.Unlock()
	return sess, nil
}

// Session returns the (possibly not-yet-opened) fake session for a handle,
// creating it if necessary, so tests can pre-arm services/characteristics
// before the code under test calls Open.
func (f *Fake) Session(handle model.DeviceHandle) *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[handle]
	if !ok {
		sess = NewFakeSession(handle)
		f.sessions[handle] = sess
	}
	return sess
}

// FakeSession is an in-memory transport.Session.
type FakeSession struct {
	handle model.DeviceHandle

	mu           sync.Mutex
	services     []transport.Service
	onLost       func()
	disconnected bool
	ServicesErr  error
	PairOutcome  transport.PairingOutcome
	PairErr      error
}

func NewFakeSession(handle model.DeviceHandle) *FakeSession {
	return &FakeSession{handle: handle, PairOutcome: transport.PairingOutcome{Code: transport.Success}}
}

func (s *FakeSession) Handle() model.DeviceHandle { return s.handle }

// SetServices arms the service catalogue returned by Services.
func (s *FakeSession) SetServices(svcs ...*FakeService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = make([]transport.Service, len(svcs))
	for i, sv := range svcs {
		s.services[i] = sv
	}
}

func (s *FakeSession) Services(ctx context.Context) ([]transport.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ServicesErr != nil {
		return nil, s.ServicesErr
	}
	return s.services, nil
}

func (s *FakeSession) Pair(ctx context.Context) (transport.PairingOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PairOutcome, s.PairErr
}

func (s *FakeSession) OnConnectionLost(callback func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLost = callback
}

// SimulateConnectionLost invokes the registered connection-lost callback,
// as a real transport would on an unexpected link drop.
func (s *FakeSession) SimulateConnectionLost() {
	s.mu.Lock()
	cb := s.onLost
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *FakeSession) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
	return nil
}

func (s *FakeSession) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// FakeService is an in-memory transport.Service.
type FakeService struct {
	uuid  string
	mu    sync.Mutex
	chars []transport.Characteristic
	CharsErr error
}

func NewFakeService(uuid string, chars ...*FakeCharacteristic) *FakeService {
	cs := make([]transport.Characteristic, len(chars))
	for i, c := range chars {
		cs[i] = c
	}
	return &FakeService{uuid: uuid, chars: cs}
}

func (s *FakeService) UUID() string { return s.uuid }

func (s *FakeService) Characteristics(ctx context.Context) ([]transport.Characteristic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CharsErr != nil {
		return nil, s.CharsErr
	}
	return s.chars, nil
}

// FakeCharacteristic is an in-memory transport.Characteristic that records
// every CCCD write and lets tests push notifications through Notify.
type FakeCharacteristic struct {
	uuid               string
	notify, indicate   bool

	mu        sync.Mutex
	cccd      model.CCCDValue
	callback  func([]byte)
	WriteErrs []error // consumed in order by successive WriteCCCD calls
	writeSeq  int
}

func NewFakeCharacteristic(uuid string, canNotify, canIndicate bool) *FakeCharacteristic {
	return &FakeCharacteristic{uuid: uuid, notify: canNotify, indicate: canIndicate}
}

func (c *FakeCharacteristic) UUID() string      { return c.uuid }
func (c *FakeCharacteristic) CanNotify() bool   { return c.notify }
func (c *FakeCharacteristic) CanIndicate() bool { return c.indicate }

func (c *FakeCharacteristic) ReadCCCD(ctx context.Context) (model.CCCDValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cccd, nil
}

func (c *FakeCharacteristic) WriteCCCD(ctx context.Context, value model.CCCDValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeSeq < len(c.WriteErrs) {
		err := c.WriteErrs[c.writeSeq]
		c.writeSeq++
		if err != nil {
			return err
		}
	} else {
		c.writeSeq++
	}
	c.cccd = value
	return nil
}

func (c *FakeCharacteristic) Subscribe(callback func(data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = callback
	return nil
}

// Notify delivers data to the registered subscriber, if any.
func (c *FakeCharacteristic) Notify(data []byte) error {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb == nil {
		return fmt.Errorf("transporttest: characteristic %s has no subscriber", c.uuid)
	}
	cb(data)
	return nil
}

func (c *FakeCharacteristic) CCCD() model.CCCDValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cccd
}
