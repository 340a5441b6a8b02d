package model

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vitalbeacon/bleingest/internal/ieee11073"
)

// bpFlagMAPPresent is bit 6 (mask 0x40) of the Blood Pressure Measurement flags byte,
// set when the frame carries a Mean Arterial Pressure field that would
// otherwise be mistaken for the bytes-5-6 heart-rate fallback.
const bpFlagMAPPresent = 1 << 6

// UnmarshalBinary decodes an IEEE 11073-10407 Blood Pressure Measurement
// frame. It requires at least 7 bytes: flags (1), systolic SFLOAT (2),
// diastolic SFLOAT (2), and at least 2 more bytes for one of the two
// heart-rate fallback layouts described in the characteristic spec.
func (m *BloodPressureMeasurement) UnmarshalBinary(data []byte) error {
	if len(data) < 7 {
		return fmt.Errorf("model: blood pressure frame too short: %d bytes", len(data))
	}

	flags := data[0]
	m.Systolic = ieee11073.DecodeSFLOAT(binary.LittleEndian.Uint16(data[1:3]))
	m.Diastolic = ieee11073.DecodeSFLOAT(binary.LittleEndian.Uint16(data[3:5]))
	m.Timestamp = time.Now()
	m.HeartRate = nil

	switch {
	case len(data) >= 15:
		hr := ieee11073.DecodeSFLOAT(binary.LittleEndian.Uint16(data[13:15]))
		m.HeartRate = &hr
	case len(data) >= 7 && flags&bpFlagMAPPresent == 0:
		// Observed firmware variant that packs heart rate at bytes 5-6 on
		// short frames, but only when the flags byte doesn't claim those
		// bytes are a Mean Arterial Pressure field instead.
		hr := ieee11073.DecodeSFLOAT(binary.LittleEndian.Uint16(data[5:7]))
		m.HeartRate = &hr
	}

	return nil
}
