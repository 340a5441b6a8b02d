// Package ieee11073 implements the 16-bit SFLOAT and 32-bit FLOAT decimal
// floating-point encodings defined by the IEEE 11073 Personal Health
// Device standards. It has no dependency on the engine's domain types so
// that model.BloodPressureMeasurement and model.TemperatureMeasurement can
// both import it without a cycle.
package ieee11073

import "math"

// sfloatExponentBias and friends describe the 12-bit mantissa / 4-bit
// exponent split of an IEEE 11073 SFLOAT.
const (
	sfloatMantissaMask = 0x0FFF
	sfloatMantissaSign = 0x0800
	sfloatMantissaMod  = 0x1000
	sfloatExponentBias = 16
	sfloatExponentSign = 8

	sfloatNaN1 = 0x07FF
	sfloatPInf = 0x0800
	sfloatNInf = 0x0801
	sfloatNaN2 = 0x0802
)

// DecodeSFLOAT converts a little-endian-decoded 16-bit IEEE 11073 SFLOAT
// word into a float64, honoring the reserved mantissa values for NaN and
// the infinities.
func DecodeSFLOAT(word uint16) float64 {
	raw := word & sfloatMantissaMask
	switch raw {
	case sfloatNaN1, sfloatNaN2:
		return math.NaN()
	case sfloatPInf:
		return math.Inf(1)
	case sfloatNInf:
		return math.Inf(-1)
	}

	mantissa := int32(raw)
	if raw >= sfloatMantissaSign {
		mantissa -= sfloatMantissaMod
	}

	exponent := int32(word >> 12)
	if exponent >= sfloatExponentSign {
		exponent -= sfloatExponentBias
	}

	return float64(mantissa) * math.Pow(10, float64(exponent))
}

// EncodeSFLOAT packs v into an IEEE 11073 SFLOAT word, choosing the
// exponent that keeps the mantissa within its signed 12-bit range while
// preserving as much precision as representable. Non-finite inputs map to
// the matching reserved mantissa.
func EncodeSFLOAT(v float64) uint16 {
	if math.IsNaN(v) {
		return sfloatNaN1
	}
	if math.IsInf(v, 1) {
		return sfloatPInf
	}
	if math.IsInf(v, -1) {
		return sfloatNInf
	}
	if v == 0 {
		return 0
	}

	for exp := -8; exp <= 7; exp++ {
		scaled := v / math.Pow(10, float64(exp))
		mantissa := int32(math.Round(scaled))
		if mantissa >= -2048 && mantissa <= 2047 {
			if float64(mantissa)*math.Pow(10, float64(exp)) != v {
				continue
			}
			return packSFLOAT(mantissa, exp)
		}
	}
	// Fall back to the exponent that minimizes rounding error.
	bestExp, bestMantissa, bestErr := 0, int32(0), math.MaxFloat64
	for exp := -8; exp <= 7; exp++ {
		scaled := v / math.Pow(10, float64(exp))
		mantissa := int32(math.Round(scaled))
		if mantissa < -2048 || mantissa > 2047 {
			continue
		}
		err := math.Abs(float64(mantissa)*math.Pow(10, float64(exp)) - v)
		if err < bestErr {
			bestErr, bestExp, bestMantissa = err, exp, mantissa
		}
	}
	return packSFLOAT(bestMantissa, bestExp)
}

func packSFLOAT(mantissa int32, exp int) uint16 {
	m := uint16(mantissa) & sfloatMantissaMask
	e := uint16(exp) & 0xF
	return (e << 12) | m
}

// float24MantissaMask and friends describe the 24-bit mantissa / 8-bit
// exponent split of an IEEE 11073 FLOAT.
const (
	float24MantissaMask = 0x00FFFFFF
	float24MantissaSign = 0x00800000
	float24MantissaMod  = 0x01000000

	floatNaN1 = 0x007FFFFF
	floatPInf = 0x00800000
	floatNInf = 0x00800001
	floatNaN2 = 0x00800002
)

// DecodeFLOAT converts a little-endian-decoded 32-bit IEEE 11073 FLOAT
// word into a float64.
func DecodeFLOAT(word uint32) float64 {
	raw := word & float24MantissaMask
	switch raw {
	case floatNaN1, floatNaN2:
		return math.NaN()
	case floatPInf:
		return math.Inf(1)
	case floatNInf:
		return math.Inf(-1)
	}

	mantissa := int64(raw)
	if raw >= float24MantissaSign {
		mantissa -= float24MantissaMod
	}

	exponent := int64(int8(word >> 24))

	return float64(mantissa) * math.Pow(10, float64(exponent))
}
