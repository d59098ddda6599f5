// Package util provides small numeric helpers shared by the scoring code.
package util

// Clamp01 clamps x to the closed interval [0, 1].
func Clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
