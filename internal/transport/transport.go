// Package transport declares the abstract BLE transport the ingestion
// engine consumes. The engine never references a platform BLE API
// directly; it only calls methods on Transport, Session, Service, and
// Characteristic, following the teacher's Adapter/Connection/Characteristic
// split in internal/ble/adapter.go, generalized from a single paired
// device to an arbitrary number of concurrently scanned and connected
// peripherals.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vitalbeacon/bleingest/internal/model"
)

// StatusCode distinguishes transport-layer outcomes the engine must branch
// on: the subscription manager's CCCD-write retry loop picks its wait from
// AccessDenied and Unreachable, and retries every other code after the
// default wait.
type StatusCode int

const (
	Success StatusCode = iota
	AccessDenied
	Unreachable
	ProtocolError
	Unknown
)

func (s StatusCode) String() string {
	switch s {
	case Success:
		return "success"
	case AccessDenied:
		return "access_denied"
	case Unreachable:
		return "unreachable"
	case ProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// StatusError wraps a non-Success StatusCode as an error so callers can use
// errors.As to recover the code after it has been wrapped by fmt.Errorf.
type StatusError struct {
	Code StatusCode
	Op   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: %s: %s", e.Op, e.Code)
}

// ErrTimeout is a sentinel a Transport implementation may return for a
// timed-out call. TinygoTransport and transporttest.Fake do not return it:
// they report a cancelled or expired ctx through ctx.Err() or a StatusError.
var ErrTimeout = errors.New("transport: operation timed out")

// NormalizeUUID strips a 128-bit Bluetooth base UUID down to its 16-bit
// assigned-number form when present, and lowercases the rest, so that
// "00001810-0000-1000-8000-00805f9b34fb" and "1810" compare equal.
func NormalizeUUID(u string) string {
	u = strings.ToLower(u)
	const base = "-0000-1000-8000-00805f9b34fb"
	if len(u) == 36 && strings.HasSuffix(u, base) && strings.HasPrefix(u, "0000") {
		return strings.TrimLeft(u[:8], "0")
	}
	return u
}

// Advertisement is a single scan result.
type Advertisement struct {
	Handle        model.DeviceHandle
	LocalName     string
	RSSI          int16
	ServiceUUIDs  []string // lowercase, unprefixed hex, e.g. "1809"
}

// PairingOutcome reports the result of a native OS pairing request.
type PairingOutcome struct {
	AlreadyPaired bool
	Code          StatusCode
}

// Characteristic is an addressable GATT value.
type Characteristic interface {
	// UUID returns the characteristic's hex UUID, either in 4-digit 16-bit
	// form (e.g. "2a35") or in full 128-bit form; callers compare it via
	// NormalizeUUID.
	UUID() string
	// CanNotify and CanIndicate report the characteristic's advertised
	// properties, used to choose between Notify and Indicate.
	CanNotify() bool
	CanIndicate() bool
	// ReadCCCD returns the descriptor's current value.
	ReadCCCD(ctx context.Context) (model.CCCDValue, error)
	// WriteCCCD sets the descriptor, enabling or disabling notify/indicate.
	WriteCCCD(ctx context.Context, value model.CCCDValue) error
	// Subscribe registers a callback invoked on every value-changed
	// notification/indication. Passing nil disables the callback.
	Subscribe(callback func(data []byte)) error
}

// Service is a GATT service exposing zero or more characteristics.
type Service interface {
	UUID() string
	Characteristics(ctx context.Context) ([]Characteristic, error)
}

// Session is an open connection to one peripheral.
type Session interface {
	Handle() model.DeviceHandle
	// Services performs (or re-performs) service discovery.
	Services(ctx context.Context) ([]Service, error)
	// Pair requests native OS pairing; idempotent if already paired.
	Pair(ctx context.Context) (PairingOutcome, error)
	// OnConnectionLost registers a callback fired when the transport
	// observes the link drop outside of an explicit Disconnect call.
	OnConnectionLost(callback func())
	// Disconnect releases the transport-side connection object. Safe to
	// call multiple times.
	Disconnect(ctx context.Context) error
}

// Transport is the platform-neutral BLE abstraction the engine requires.
// A concrete implementation adapts a real BLE stack (see TinygoTransport);
// tests use transporttest.Fake.
type Transport interface {
	// StartScan begins active scanning, filtered to the given service
	// UUIDs (empty means unfiltered). Advertisements are delivered on the
	// returned channel until StopScan is called or ctx is cancelled. The
	// channel is closed when scanning ends, including on transport
	// failure — callers distinguish the two by checking ctx.Err().
	StartScan(ctx context.Context, serviceUUIDs []string) (<-chan Advertisement, error)
	StopScan()
	// Open allocates a transport-side connection to the given device and
	// blocks until connected, ctx is cancelled, or a fatal StatusCode is
	// returned.
	Open(ctx context.Context, handle model.DeviceHandle) (Session, error)
}
