package types

import (
	"math"
	"strconv"
)

// PermilleComplete is the stored progress of a finished item or file.
const PermilleComplete = 1000

// Permille converts a completion ratio to per-mille, rounding half away
// from zero. Any ratio whose scaled value reaches 999.5 yields exactly
// PermilleComplete. NaN and negative ratios yield 0.
func Permille(ratio float64) int {
	if math.IsNaN(ratio) || ratio <= 0 {
		return 0
	}
	if ratio >= 0.9995 {
		return PermilleComplete
	}
	v := math.Round(ratio * PermilleComplete)
	if v >= PermilleComplete {
		return PermilleComplete
	}
	return int(v)
}

// PermilleString is Permille formatted as a decimal string.
func PermilleString(ratio float64) string {
	return strconv.Itoa(Permille(ratio))
}
