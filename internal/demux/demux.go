// Package demux dispatches raw GATT notification payloads to the decoder
// matching their originating characteristic, producing typed measurement
// events for the validator.
package demux

import (
	"log/slog"

	"github.com/vitalbeacon/bleingest/internal/model"
)

var (
	bpCharacteristics = map[string]bool{
		"2a35": true,
	}
	tempCharacteristics = map[string]bool{
		"2a1c": true,
		"2a1e": true,
		"fff1": true,
		"fff4": true,
	}
)

// Demultiplexer consumes RawFrames and emits decoded MeasurementEvents on
// its output channel, dropping and logging anything it cannot route.
type Demultiplexer struct {
	log    *slog.Logger
	out    chan model.MeasurementEvent
	status chan model.EngineStatusEvent
}

// New creates a Demultiplexer. The engine-status channel used to report
// dropped/undecodable frames holds up to 64 events; further drops while it
// is full are not reported.
func New(log *slog.Logger) *Demultiplexer {
	if log == nil {
		log = slog.Default()
	}
	return &Demultiplexer{
		log:    log.With("component", "demux"),
		out:    make(chan model.MeasurementEvent, 256),
		status: make(chan model.EngineStatusEvent, 64),
	}
}

// Events returns the channel of decoded measurement events.
func (d *Demultiplexer) Events() <-chan model.MeasurementEvent { return d.out }

// EngineStatus returns the channel of decoder-drop notifications.
func (d *Demultiplexer) EngineStatus() <-chan model.EngineStatusEvent { return d.status }

// Handle decodes a single frame and emits the resulting event, or logs and
// reports a drop if the characteristic is unrecognized or decoding fails.
func (d *Demultiplexer) Handle(frame model.RawFrame) {
	switch {
	case bpCharacteristics[frame.CharacteristicID]:
		d.decodeBP(frame)
	case tempCharacteristics[frame.CharacteristicID]:
		d.decodeTemp(frame)
	default:
		d.log.Warn("dropping frame from unrecognized characteristic", "handle", frame.Handle, "characteristic", frame.CharacteristicID)
		d.reportDrop(frame.Handle, nil)
	}
}

func (d *Demultiplexer) decodeBP(frame model.RawFrame) {
	var bp model.BloodPressureMeasurement
	if err := bp.UnmarshalBinary(frame.Data); err != nil {
		d.log.Warn("failed to decode blood pressure frame", "handle", frame.Handle, "error", err)
		d.reportDrop(frame.Handle, err)
		return
	}
	bp.Handle = frame.Handle
	d.emit(model.MeasurementEvent{
		Handle:        frame.Handle,
		Kind:          model.MeasurementBloodPressure,
		BloodPressure: &bp,
	})
}

func (d *Demultiplexer) decodeTemp(frame model.RawFrame) {
	var temp model.TemperatureMeasurement
	if err := temp.UnmarshalBinary(frame.Data); err != nil {
		d.log.Warn("failed to decode temperature frame", "handle", frame.Handle, "error", err)
		d.reportDrop(frame.Handle, err)
		return
	}
	temp.Handle = frame.Handle
	d.emit(model.MeasurementEvent{
		Handle:      frame.Handle,
		Kind:        model.MeasurementTemperature,
		Temperature: &temp,
	})
}

func (d *Demultiplexer) emit(ev model.MeasurementEvent) {
	select {
	case d.out <- ev:
	default:
		d.log.Warn("measurement channel full, dropping event", "handle", ev.Handle)
	}
}

func (d *Demultiplexer) reportDrop(handle model.DeviceHandle, err error) {
	select {
	case d.status <- model.EngineStatusEvent{Kind: model.EngineDecoderDropped, Handle: handle, Err: err}:
	default:
	}
}

// Run consumes frames from in until the channel closes.
func (d *Demultiplexer) Run(in <-chan model.RawFrame) {
	for frame := range in {
		d.Handle(frame)
	}
}
