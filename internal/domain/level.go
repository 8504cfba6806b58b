package domain

// ClampLevel keeps an audio level inside [0,1]. NaN maps to silence.
func ClampLevel(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
