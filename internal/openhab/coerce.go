package openhab

import (
	"math"
	"strconv"

	"github.com/ff-fab/lumehaven/internal/signal"
)

// coerceValue converts a formatted display string to a Signal value
// according to the target signal type. NUMBER parses as floating point,
// collapsing to an integer when the value has no fractional part; BOOLEAN
// recognizes OpenHAB's ON/OPEN and OFF/CLOSED conventions. Anything else,
// or a failed parse, falls back to the string itself.
func coerceValue(s string, t signal.Type) signal.Value {
	switch t {
	case signal.TypeNumber:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return signal.StringValue(s)
		}
		if f == math.Trunc(f) {
			return signal.IntValue(int64(f))
		}
		return signal.FloatValue(f)
	case signal.TypeBoolean:
		switch s {
		case "ON", "OPEN":
			return signal.BoolValue(true)
		case "OFF", "CLOSED":
			return signal.BoolValue(false)
		default:
			return signal.StringValue(s)
		}
	default:
		return signal.StringValue(s)
	}
}

// signalTypeForBase maps an OpenHAB item base type (the portion of its
// type string before any ":quantity" suffix) to a Signal type.
func signalTypeForBase(base string) signal.Type {
	switch base {
	case "Number", "Dimmer", "Rollershutter":
		return signal.TypeNumber
	case "Switch", "Contact":
		return signal.TypeBoolean
	case "DateTime":
		return signal.TypeDateTime
	case "Player":
		return signal.TypeEnum
	default:
		return signal.TypeString
	}
}
