// Package model defines the shared entities that flow between the
// discovery, connection, subscription, and decoding subsystems of the
// ingestion engine: device identity, connection state, and the typed
// measurements and events the engine produces.
package model

import (
	"fmt"
	"time"
)

// DeviceHandle is the canonical identifier for a BLE peripheral: the raw
// 48-bit Bluetooth address packed into the low 48 bits of a uint64. This is
// the single representation used internally; hex formatting for display
// happens only at String(), never by round-tripping through another format.
type DeviceHandle uint64

// String renders the handle in the conventional AA:BB:CC:DD:EE:FF form.
func (h DeviceHandle) String() string {
	b := [6]byte{
		byte(h >> 40), byte(h >> 32), byte(h >> 24),
		byte(h >> 16), byte(h >> 8), byte(h),
	}
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5])
}

// DeviceKind classifies a target device. It is immutable once assigned by
// the classifier.
type DeviceKind string

const (
	KindBloodPressure DeviceKind = "blood_pressure"
	KindThermometer   DeviceKind = "thermometer"
)

// ConnectionStatus is a node in the connector's state machine (see
// connector.Slot). Declared here so every package that observes a slot's
// status — subscription, healthprobe, the EventSink — shares one vocabulary.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusFailed       ConnectionStatus = "failed"
)

// CCCDValue mirrors the two meaningful states of a Client Characteristic
// Configuration Descriptor.
type CCCDValue uint8

const (
	CCCDNone CCCDValue = iota
	CCCDNotify
	CCCDIndicate
)

func (v CCCDValue) String() string {
	switch v {
	case CCCDNotify:
		return "notify"
	case CCCDIndicate:
		return "indicate"
	default:
		return "none"
	}
}

// Candidate is a classified advertisement emitted by the scanner.
type Candidate struct {
	Handle    DeviceHandle
	Kind      DeviceKind
	RSSI      int16
	LocalName string
}

// Subscription records that a characteristic's CCCD has been successfully
// written for a connected device. A handle's subscription set is only ever
// non-empty while its ConnectionSlot is Connected; the connector clears it
// on every disconnect.
type Subscription struct {
	Handle           DeviceHandle
	CharacteristicID string
	Descriptor       CCCDValue
	ListenerToken    string
}

// RawFrame is an immutable notification payload waiting for a decoder.
type RawFrame struct {
	Handle           DeviceHandle
	CharacteristicID string
	Data             []byte
	ArrivedAt        time.Time
}

// LivenessRecord tracks the last time any frame arrived for a handle. Only
// the subscription manager's value-changed path may update it.
type LivenessRecord struct {
	Handle      DeviceHandle
	LastFrameAt time.Time
}

// TemperatureUnit is explicit on every TemperatureMeasurement; there is no
// implicit default.
type TemperatureUnit string

const (
	Celsius    TemperatureUnit = "celsius"
	Fahrenheit TemperatureUnit = "fahrenheit"
)

// BloodPressureMeasurement is a decoded IEEE 11073-10407 frame.
type BloodPressureMeasurement struct {
	Handle        DeviceHandle
	Systolic      float64 // mmHg
	Diastolic     float64 // mmHg
	HeartRate     *float64 // bpm, nil when absent from the frame
	Timestamp     time.Time
	Valid         bool
	InNormalRange bool
}

// TemperatureMeasurement is a decoded IEEE 11073-10408 frame, or a
// vendor-format fallback normalized to the same shape.
type TemperatureMeasurement struct {
	Handle        DeviceHandle
	Temperature   float64
	Unit          TemperatureUnit
	Timestamp     time.Time
	Valid         bool
	InNormalRange bool
}

// MeasurementKind tags which payload variant a MeasurementEvent carries.
type MeasurementKind string

const (
	MeasurementBloodPressure MeasurementKind = "blood_pressure"
	MeasurementTemperature   MeasurementKind = "temperature"
)

// MeasurementEvent is delivered to the EventSink for every decoded and
// validated frame, regardless of validity.
type MeasurementEvent struct {
	Handle         DeviceHandle
	Kind           MeasurementKind
	BloodPressure  *BloodPressureMeasurement
	Temperature    *TemperatureMeasurement
	Valid          bool
}

// StatusEvent reports a connection-lifecycle transition for a handle.
type StatusEvent struct {
	Handle DeviceHandle
	Status ConnectionStatus
	Err    error
}

// DiscoveryEvent reports a classified advertisement worth surfacing.
type DiscoveryEvent struct {
	Handle DeviceHandle
	Kind   DeviceKind
	RSSI   int16
}

// EngineStatusKind enumerates whole-engine conditions that are not scoped
// to a single handle.
type EngineStatusKind string

const (
	EngineScannerStopped    EngineStatusKind = "scanner_stopped"
	EngineScannerRestarting EngineStatusKind = "scanner_restarting"
	EngineFatal             EngineStatusKind = "fatal"
	EngineDecoderDropped    EngineStatusKind = "decoder_dropped"
)

// EngineStatusEvent reports an engine-wide condition.
type EngineStatusEvent struct {
	Kind   EngineStatusKind
	Handle DeviceHandle // zero value when not handle-scoped
	Err    error
}

// EventSink is the external collaborator that receives the engine's typed
// output. Implementations must not block: the engine calls these methods
// synchronously from internal delivery goroutines.
type EventSink interface {
	OnMeasurement(MeasurementEvent)
	OnStatus(StatusEvent)
	OnDiscovery(DiscoveryEvent)
	OnEngineStatus(EngineStatusEvent)
}
