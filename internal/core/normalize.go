package core

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// NormalizeScoreInput turns a stored rating of any shape into a usable
// float in [0, MaxRating]. Values that cannot be read as a number become 0;
// numbers outside the range are clamped. It is applied where rows enter the
// core from storage, so legacy fractional or corrupt data never reaches the
// allocation engine.
func NormalizeScoreInput(v any) float64 {
	var f float64
	switch val := v.(type) {
	case nil:
		return 0
	case float64:
		f = val
	case float32:
		f = float64(val)
	case int:
		f = float64(val)
	case int64:
		f = float64(val)
	case int32:
		f = float64(val)
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0
		}
		f = parsed
	case []byte:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(string(val)), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	if f < 0 {
		return 0
	}
	if f > MaxRating {
		return MaxRating
	}
	return f
}
