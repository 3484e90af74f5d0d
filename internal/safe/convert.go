// Package safe provides clamping integer conversions used at the ptrace
// and codec boundaries, where register values and sizes cross signedness.
package safe

import "math"

// Uint64ToInt64 converts an uint64 to int64, clamping to math.MaxInt64 on
// overflow. The second result reports whether clamping occurred.
func Uint64ToInt64(val uint64) (int64, bool) {
	if val > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(val), false
}

// IntToUint64 converts an int to uint64, clamping negative values to zero.
// The second result reports whether clamping occurred.
func IntToUint64(val int) (uint64, bool) {
	if val < 0 {
		return 0, true
	}
	return uint64(val), false
}
