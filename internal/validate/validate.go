// Package validate checks decoded measurements against medical plausibility
// ranges and a configurable consumer-facing "normal" band.
package validate

import "github.com/vitalbeacon/bleingest/internal/model"

// Range is an inclusive closed interval used for both the hard plausibility
// bounds and the softer normal-range bounds.
type Range struct {
	Min, Max float64
}

func (r Range) contains(v float64) bool { return v >= r.Min && v <= r.Max }

// BPRanges bundles the plausibility and normal-range bounds for blood
// pressure measurements.
type BPRanges struct {
	Systolic        Range
	Diastolic       Range
	HeartRate       Range
	NormalSystolic  Range
	NormalDiastolic Range
	NormalHeartRate Range
}

// TempRanges bundles the plausibility and normal-range bounds for
// temperature measurements: one plausibility range per unit, and a single
// normal range in Celsius that Fahrenheit readings are converted into.
type TempRanges struct {
	Celsius       Range
	Fahrenheit    Range
	NormalCelsius Range
}

// DefaultBPRanges returns the specification's blood pressure bounds.
func DefaultBPRanges() BPRanges {
	return BPRanges{
		Systolic:        Range{50, 300},
		Diastolic:       Range{30, 200},
		HeartRate:       Range{30, 220},
		NormalSystolic:  Range{90, 140},
		NormalDiastolic: Range{60, 90},
		NormalHeartRate: Range{60, 100},
	}
}

// DefaultTempRanges returns the specification's temperature bounds.
func DefaultTempRanges() TempRanges {
	return TempRanges{
		Celsius:       Range{25.0, 50.0},
		Fahrenheit:    Range{77.0, 122.0},
		NormalCelsius: Range{36.0, 37.5},
	}
}

// Validator holds the configured plausibility and normal-range bounds.
type Validator struct {
	BP   BPRanges
	Temp TempRanges
}

// New creates a Validator with the given bounds.
func New(bp BPRanges, temp TempRanges) *Validator {
	return &Validator{BP: bp, Temp: temp}
}

// BloodPressure sets Valid and InNormalRange on m in place.
func (v *Validator) BloodPressure(m *model.BloodPressureMeasurement) {
	valid := v.BP.Systolic.contains(m.Systolic) &&
		v.BP.Diastolic.contains(m.Diastolic) &&
		m.Systolic > m.Diastolic
	if valid && m.HeartRate != nil {
		valid = v.BP.HeartRate.contains(*m.HeartRate)
	}
	m.Valid = valid

	normal := v.BP.NormalSystolic.contains(m.Systolic) && v.BP.NormalDiastolic.contains(m.Diastolic)
	if normal && m.HeartRate != nil {
		normal = v.BP.NormalHeartRate.contains(*m.HeartRate)
	}
	m.InNormalRange = valid && normal
}

// Temperature sets Valid and InNormalRange on m in place.
func (v *Validator) Temperature(m *model.TemperatureMeasurement) {
	switch m.Unit {
	case model.Fahrenheit:
		m.Valid = v.Temp.Fahrenheit.contains(m.Temperature)
	default:
		m.Valid = v.Temp.Celsius.contains(m.Temperature)
	}

	normal := false
	if m.Valid {
		switch m.Unit {
		case model.Fahrenheit:
			normal = v.Temp.NormalCelsius.contains(fahrenheitToCelsius(m.Temperature))
		default:
			normal = v.Temp.NormalCelsius.contains(m.Temperature)
		}
	}
	m.InNormalRange = normal
}

func fahrenheitToCelsius(f float64) float64 { return (f - 32) * 5 / 9 }
