package validate

import (
	"testing"

	"github.com/vitalbeacon/bleingest/internal/model"
)

func heartRate(v float64) *float64 { return &v }

func TestBloodPressureValidAndNormal(t *testing.T) {
	v := New(DefaultBPRanges(), DefaultTempRanges())
	m := &model.BloodPressureMeasurement{Systolic: 120, Diastolic: 80, HeartRate: heartRate(72)}
	v.BloodPressure(m)
	if !m.Valid || !m.InNormalRange {
		t.Errorf("Valid=%v InNormalRange=%v, want true/true", m.Valid, m.InNormalRange)
	}
}

func TestBloodPressureValidButOutsideNormalRange(t *testing.T) {
	v := New(DefaultBPRanges(), DefaultTempRanges())
	m := &model.BloodPressureMeasurement{Systolic: 160, Diastolic: 100, HeartRate: heartRate(110)}
	v.BloodPressure(m)
	if !m.Valid {
		t.Error("Valid = false, want true (within plausibility bounds)")
	}
	if m.InNormalRange {
		t.Error("InNormalRange = true, want false (above the normal band)")
	}
}

func TestBloodPressureInvalidWhenSystolicNotAboveDiastolic(t *testing.T) {
	v := New(DefaultBPRanges(), DefaultTempRanges())
	m := &model.BloodPressureMeasurement{Systolic: 80, Diastolic: 90}
	v.BloodPressure(m)
	if m.Valid {
		t.Error("Valid = true, want false when systolic <= diastolic")
	}
}

func TestBloodPressureInvalidWhenOutOfPlausibilityRange(t *testing.T) {
	v := New(DefaultBPRanges(), DefaultTempRanges())
	m := &model.BloodPressureMeasurement{Systolic: 400, Diastolic: 80}
	v.BloodPressure(m)
	if m.Valid {
		t.Error("Valid = true, want false for an implausible systolic reading")
	}
}

func TestTemperatureValidCelsius(t *testing.T) {
	v := New(DefaultBPRanges(), DefaultTempRanges())
	m := &model.TemperatureMeasurement{Temperature: 36.8, Unit: model.Celsius}
	v.Temperature(m)
	if !m.Valid || !m.InNormalRange {
		t.Errorf("Valid=%v InNormalRange=%v, want true/true", m.Valid, m.InNormalRange)
	}
}

func TestTemperatureValidButBelowNormalRange(t *testing.T) {
	v := New(DefaultBPRanges(), DefaultTempRanges())
	m := &model.TemperatureMeasurement{Temperature: 33.6, Unit: model.Celsius}
	v.Temperature(m)
	if !m.Valid {
		t.Error("Valid = false, want true (25-50 plausibility bound)")
	}
	if m.InNormalRange {
		t.Error("InNormalRange = true, want false (below the 36.0-37.5 normal band)")
	}
}

func TestTemperatureFahrenheitNormalRangeConvertsToCelsius(t *testing.T) {
	v := New(DefaultBPRanges(), DefaultTempRanges())
	m := &model.TemperatureMeasurement{Temperature: 98.6, Unit: model.Fahrenheit}
	v.Temperature(m)
	if !m.Valid || !m.InNormalRange {
		t.Errorf("Valid=%v InNormalRange=%v, want true/true for 98.6F", m.Valid, m.InNormalRange)
	}
}

func TestTemperatureInvalidOutOfPlausibilityRange(t *testing.T) {
	v := New(DefaultBPRanges(), DefaultTempRanges())
	m := &model.TemperatureMeasurement{Temperature: 10, Unit: model.Celsius}
	v.Temperature(m)
	if m.Valid {
		t.Error("Valid = true, want false for an implausible temperature")
	}
}
