package demux

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/vitalbeacon/bleingest/internal/ieee11073"
	"github.com/vitalbeacon/bleingest/internal/model"
)

func TestHandleRoutesBloodPressureFrame(t *testing.T) {
	d := New(nil)
	frame := make([]byte, 7)
	binary.LittleEndian.PutUint16(frame[1:3], ieee11073.EncodeSFLOAT(120))
	binary.LittleEndian.PutUint16(frame[3:5], ieee11073.EncodeSFLOAT(80))

	d.Handle(model.RawFrame{Handle: 1, CharacteristicID: "2a35", Data: frame, ArrivedAt: time.Now()})

	select {
	case ev := <-d.Events():
		if ev.Kind != model.MeasurementBloodPressure || ev.BloodPressure == nil {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("expected an event on the output channel")
	}
}

func TestHandleRoutesTemperatureFrame(t *testing.T) {
	d := New(nil)
	frame := []byte{0x00, 0x68, 0x01, 0x00, 0x00}

	d.Handle(model.RawFrame{Handle: 2, CharacteristicID: "2a1c", Data: frame, ArrivedAt: time.Now()})

	select {
	case ev := <-d.Events():
		if ev.Kind != model.MeasurementTemperature || ev.Temperature == nil {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("expected an event on the output channel")
	}
}

func TestHandleDropsUnrecognizedCharacteristic(t *testing.T) {
	d := New(nil)
	d.Handle(model.RawFrame{Handle: 3, CharacteristicID: "180f", Data: []byte{0x01}, ArrivedAt: time.Now()})

	select {
	case ev := <-d.EngineStatus():
		if ev.Kind != model.EngineDecoderDropped {
			t.Errorf("Kind = %v, want decoder_dropped", ev.Kind)
		}
	default:
		t.Fatal("expected an engine status drop event")
	}
}

func TestHandleDropsUndecodableFrame(t *testing.T) {
	d := New(nil)
	d.Handle(model.RawFrame{Handle: 4, CharacteristicID: "2a35", Data: []byte{0x00}, ArrivedAt: time.Now()})

	select {
	case ev := <-d.EngineStatus():
		if ev.Kind != model.EngineDecoderDropped || ev.Err == nil {
			t.Errorf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("expected an engine status drop event")
	}
}
