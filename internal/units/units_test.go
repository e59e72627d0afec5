package units

import "testing"

func TestExtractUnitAndFormat(t *testing.T) {
	cases := []struct {
		pattern, unit, format string
	}{
		{"%.1f °C", "°C", "%.1f"},
		{"%d %%", "%", "%d"},
		{"%s", "", "%s"},
		{"kWh", "kWh", "%s"},
	}
	for _, c := range cases {
		unit, format := ExtractUnitAndFormat(c.pattern)
		if unit != c.unit || format != c.format {
			t.Errorf("ExtractUnitAndFormat(%q) = (%q, %q), want (%q, %q)", c.pattern, unit, format, c.unit, c.format)
		}
	}
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		name               string
		raw, unit, format  string
		isQuantityType     bool
		want               string
	}{
		{"strip and round float", "21.5678 °C", "°C", "%.1f", true, "21.6"},
		{"undef passthrough", "UNDEF", "°C", "%.1f", true, "UNDEF"},
		{"null passthrough", "NULL", "°C", "%.1f", true, "NULL"},
		{"no unit no format", "42", "", "", false, "42"},
		{"integer format", "3.7", "", "%d", false, "4"},
		{"mismatched unit not stripped, parse fails", "21.5 °C", "Â°C", "%.1f", true, "21.5 °C"},
		{"string format passthrough", "hello", "", "%s", false, "hello"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := FormatValue(c.raw, c.unit, c.format, c.isQuantityType)
			if got != c.want {
				t.Errorf("FormatValue(%q,%q,%q,%v) = %q, want %q", c.raw, c.unit, c.format, c.isQuantityType, got, c.want)
			}
		})
	}
}

func TestDefaultUnitsUSOverlaysSI(t *testing.T) {
	si := DefaultUnits(SI)
	us := DefaultUnits(US)

	if us["Temperature"] != "°F" {
		t.Errorf("US Temperature = %q, want °F", us["Temperature"])
	}
	if us["Power"] != si["Power"] {
		t.Errorf("US Power = %q, want SI default %q", us["Power"], si["Power"])
	}
	for k := range si {
		if _, ok := us[k]; !ok {
			t.Errorf("US table missing SI key %q", k)
		}
	}
}

func TestParseSystemFallsBackToSI(t *testing.T) {
	if ParseSystem("US") != US {
		t.Error("US should parse as US")
	}
	if ParseSystem("SI") != SI {
		t.Error("SI should parse as SI")
	}
	if ParseSystem("metric") != SI {
		t.Error("unrecognized system should fall back to SI")
	}
	if ParseSystem("") != SI {
		t.Error("empty system should fall back to SI")
	}
}
