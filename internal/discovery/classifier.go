package discovery

import (
	"strings"

	"github.com/vitalbeacon/bleingest/internal/model"
	"github.com/vitalbeacon/bleingest/internal/transport"
)

// bloodPressureService and thermometerService are the standard GATT
// service UUIDs for the two device kinds this engine targets.
const (
	bloodPressureService = "1810"
	thermometerService   = "1809"
)

var (
	bpNameHints   = []string{"blood", "pressure", "bp"}
	tempNameHints = []string{"therm", "temp"}
)

// Classify tags an advertisement with a DeviceKind, or reports ok=false if
// none of the classification rules match. Rules are evaluated in the order
// given in the specification: service UUID first, local-name heuristic
// second.
func Classify(adv transport.Advertisement) (model.DeviceKind, bool) {
	for _, svc := range []struct {
		uuid string
		kind model.DeviceKind
	}{
		{bloodPressureService, model.KindBloodPressure},
		{thermometerService, model.KindThermometer},
	} {
		for _, u := range adv.ServiceUUIDs {
			if transport.NormalizeUUID(u) == svc.uuid {
				return svc.kind, true
			}
		}
	}

	name := strings.ToLower(adv.LocalName)
	if containsAny(name, bpNameHints) {
		return model.KindBloodPressure, true
	}
	if containsAny(name, tempNameHints) {
		return model.KindThermometer, true
	}
	return "", false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
