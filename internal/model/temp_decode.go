package model

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/vitalbeacon/bleingest/internal/ieee11073"
)

// tempFlagFahrenheit is bit 0 of the Health Thermometer Measurement flags
// byte per §10408; when clear the temperature is Celsius.
const tempFlagFahrenheit = 1 << 0

// UnmarshalBinary decodes a Health Thermometer Measurement frame,
// preferring the standard IEEE 11073 FLOAT layout but falling through a
// series of vendor-format fallbacks that several consumer thermometers are
// known to use instead.
func (m *TemperatureMeasurement) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("model: temperature frame too short: %d bytes", len(data))
	}

	flags := data[0]
	m.Unit = Celsius
	if flags&tempFlagFahrenheit != 0 {
		m.Unit = Fahrenheit
	}

	strategies := []func([]byte) (float64, bool){
		decodeTempFLOAT,
		decodeTempSFLOAT,
		decodeTempRawScaled,
		decodeTempIntegerPlusTenths,
	}

	for _, strategy := range strategies {
		v, ok := strategy(data)
		if !ok {
			continue
		}
		m.Temperature = v
		m.Timestamp = time.Now()
		return nil
	}

	return fmt.Errorf("model: temperature frame matched no known decoding strategy")
}

func plausibleTemperature(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0 && v <= 100
}

func decodeTempFLOAT(data []byte) (float64, bool) {
	if len(data) < 5 {
		return 0, false
	}
	v := ieee11073.DecodeFLOAT(binary.LittleEndian.Uint32(data[1:5]))
	return v, plausibleTemperature(v)
}

func decodeTempSFLOAT(data []byte) (float64, bool) {
	if len(data) < 3 {
		return 0, false
	}
	v := ieee11073.DecodeSFLOAT(binary.LittleEndian.Uint16(data[1:3]))
	return v, plausibleTemperature(v)
}

func decodeTempRawScaled(data []byte) (float64, bool) {
	if len(data) < 3 {
		return 0, false
	}
	raw := float64(binary.LittleEndian.Uint16(data[1:3]))
	if v := raw / 10; plausibleTemperature(v) {
		return v, true
	}
	if v := raw / 100; plausibleTemperature(v) {
		return v, true
	}
	return 0, false
}

func decodeTempIntegerPlusTenths(data []byte) (float64, bool) {
	if len(data) < 3 {
		return 0, false
	}
	v := float64(data[1]) + float64(data[2])/10
	return v, plausibleTemperature(v)
}
