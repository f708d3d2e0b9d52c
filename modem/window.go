package modem

import "math"

// WindowType selects the shaping window applied across a framed symbol
type WindowType string

const (
	WindowRectangular  WindowType = "rectangular"
	WindowRaisedCosine WindowType = "raised-cosine"
	WindowHamming      WindowType = "hamming"
)

// MakeWindow generates window coefficients for a framed block of the given
// length. The rolloff parameter only applies to the raised-cosine window and
// controls the fraction of the block spent in the cosine transitions (0-1).
func MakeWindow(windowType WindowType, length int, rolloff float64) []float64 {
	w := make([]float64, length)

	switch windowType {
	case WindowRaisedCosine:
		if rolloff < 0 {
			rolloff = 0
		}
		if rolloff > 1 {
			rolloff = 1
		}
		// Tukey window: flat center with cosine tapers on both edges
		taper := int(rolloff * float64(length) / 2.0)
		for i := 0; i < length; i++ {
			switch {
			case taper > 0 && i < taper:
				w[i] = 0.5 * (1.0 + math.Cos(math.Pi*(float64(i)/float64(taper)-1.0)))
			case taper > 0 && i >= length-taper:
				w[i] = 0.5 * (1.0 + math.Cos(math.Pi*(float64(i-(length-taper))/float64(taper))))
			default:
				w[i] = 1.0
			}
		}

	case WindowHamming:
		for i := 0; i < length; i++ {
			w[i] = 0.54 - 0.46*math.Cos(2.0*math.Pi*float64(i)/float64(length-1))
		}

	default:
		// Rectangular: unity gain, exact round-trip
		for i := 0; i < length; i++ {
			w[i] = 1.0
		}
	}

	return w
}
