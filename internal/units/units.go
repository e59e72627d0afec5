// Package units extracts display units and formats values from OpenHAB's
// state description patterns and QuantityType suffixes.
package units

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ff-fab/lumehaven/internal/signal"
)

// System is an OpenHAB measurement system.
type System string

const (
	SI System = "SI"
	US System = "US"
)

// ParseSystem collapses any value other than "SI"/"US" to SI, per the
// upstream contract: an unrecognized measurementSystem is not an error.
func ParseSystem(raw string) System {
	if System(raw) == US {
		return US
	}
	return SI
}

// siUnits maps QuantityType name to display symbol under SI.
// Reference: https://www.openhab.org/docs/concepts/units-of-measurement.html
var siUnits = map[string]string{
	"Acceleration":           "m/s²",
	"AmountOfSubstance":      "mol",
	"Angle":                  "",
	"Area":                   "m²",
	"ArealDensity":           "DU",
	"CatalyticActivity":      "kat",
	"DataAmount":             "bit",
	"DataTransferRate":       "bit/s",
	"Density":                "g/m³",
	"Dimensionless":          "%",
	"ElectricPotential":      "V",
	"ElectricCapacitance":    "F",
	"ElectricCharge":         "C",
	"ElectricConductance":    "S",
	"ElectricConductivity":   "S/m",
	"ElectricCurrent":        "A",
	"ElectricInductance":     "H",
	"ElectricResistance":     "Ω",
	"Energy":                 "J",
	"Force":                  "N",
	"Frequency":              "Hz",
	"Illuminance":            "Lux",
	"Intensity":              "W/m²",
	"Length":                 "m",
	"LuminousFlux":           "lm",
	"LuminousIntensity":      "cd",
	"MagneticFlux":           "Wb",
	"MagneticFluxDensity":    "T",
	"Mass":                   "g",
	"Power":                  "W",
	"Pressure":               "Pa",
	"Radioactivity":          "Bq",
	"RadiationDoseAbsorbed":  "Gy",
	"RadiationDoseEffective": "Sv",
	"SolidAngle":             "sr",
	"Speed":                  "m/s",
	"Temperature":            "°C",
	"Time":                   "s",
	"Volume":                 "l",
	"VolumetricFlowRate":     "l/min",
}

// usOverrides maps QuantityType name to display symbol under US, overlaid
// on top of siUnits.
var usOverrides = map[string]string{
	"Length":             "in",
	"Pressure":           "inHg",
	"Speed":              "mph",
	"Temperature":        "°F",
	"Volume":             "gal",
	"VolumetricFlowRate": "gal/min",
}

// DefaultUnits returns the quantity-kind → symbol table for the given
// measurement system. The returned map is owned by the caller; mutating it
// does not affect the package tables.
func DefaultUnits(system System) map[string]string {
	out := make(map[string]string, len(siUnits))
	for k, v := range siUnits {
		out[k] = v
	}
	if system == US {
		for k, v := range usOverrides {
			out[k] = v
		}
	}
	return out
}

// patternRegex extracts the format specifier and trailing unit from an
// OpenHAB state pattern, e.g. "%.1f °C" -> ("%.1f", "°C").
var patternRegex = regexp.MustCompile(`(%\S*[fds])\s*(.*)`)

// ExtractUnitAndFormat parses an OpenHAB stateDescription pattern into its
// (unit, format) pair. If pattern does not contain a recognizable format
// specifier, the whole pattern is treated as a static unit label and "%s"
// is returned as the format.
func ExtractUnitAndFormat(pattern string) (unit, format string) {
	m := patternRegex.FindStringSubmatch(pattern)
	if m == nil {
		return pattern, "%s"
	}
	format = m[1]
	unit = strings.ReplaceAll(m[2], "%%", "%")
	return unit, format
}

// FormatValue converts a raw upstream state string to a display string.
//
//  1. UNDEF/NULL pass through unchanged.
//  2. If unit and format are both empty, raw passes through unchanged.
//  3. If isQuantityType and raw ends with unit, that suffix (and trailing
//     whitespace) is stripped before formatting.
//  4. A format ending in 'd' rounds to the nearest integer; one ending in
//     'f' keeps the format's precision. Any other parse failure returns the
//     post-strip value unformatted.
func FormatValue(raw, unit, format string, isQuantityType bool) string {
	if signal.IsUndefined(raw) {
		return raw
	}
	if unit == "" && format == "" {
		return raw
	}

	value := raw
	if isQuantityType && unit != "" && strings.HasSuffix(raw, unit) {
		value = strings.TrimRight(strings.TrimSuffix(raw, unit), " \t")
	} else {
		value = strings.TrimRight(raw, " \t")
	}

	switch {
	case strings.HasSuffix(format, "d"):
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return value
		}
		return fmt.Sprintf(format, int64(math.Round(f)))
	case strings.HasSuffix(format, "f"):
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return value
		}
		return fmt.Sprintf(format, f)
	default:
		return value
	}
}
