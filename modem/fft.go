package modem

import (
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// FFT helpers built on gonum's proven FFT implementation.
// All inputs must be power-of-two length.

// fft performs a real-input FFT and returns the complex half-spectrum
// (length n/2+1 as produced by gonum's real FFT).
func fft(input []float64) []complex128 {
	n := len(input)
	if n&(n-1) != 0 {
		panic("fft: input length must be power of 2")
	}

	fftInstance := fourier.NewFFT(n)
	return fftInstance.Coefficients(nil, input)
}

// PowerSpectrum computes the per-bin power of a real-valued symbol.
// The returned slice has n/2+1 bins covering DC to Nyquist.
func PowerSpectrum(symbol []float64) []float64 {
	coeffs := fft(symbol)
	power := make([]float64, len(coeffs))
	scale := 1.0 / float64(len(symbol))
	for i, c := range coeffs {
		m := cmplx.Abs(c)
		power[i] = m * m * scale
	}
	return power
}

// Synthesize converts per-bin complex coefficients (DC to Nyquist, length
// at most n/2+1) into a real-valued time-domain symbol of the given FFT
// size. It is the inverse of the half-spectrum view PowerSpectrum measures.
func Synthesize(bins []complex128, fftSize int) []float64 {
	if fftSize&(fftSize-1) != 0 {
		panic("synthesize: fft size must be power of 2")
	}

	coeffs := make([]complex128, fftSize/2+1)
	copy(coeffs, bins)

	fftInstance := fourier.NewFFT(fftSize)
	out := fftInstance.Sequence(nil, coeffs)

	scale := 1.0 / float64(fftSize)
	for i := range out {
		out[i] *= scale
	}
	return out
}

// analytic computes the analytic signal (Hilbert transform extension) of a
// real-valued input via the frequency domain. The result carries the input
// in its real part and the quadrature component in its imaginary part,
// which lets the synchronizer measure correlation phase on real sample
// streams.
func analytic(input []float64) []complex128 {
	n := len(input)
	if n&(n-1) != 0 {
		// Pad to the next power of two; the caller only reads len(input)
		p := 1
		for p < n {
			p <<= 1
		}
		padded := make([]float64, p)
		copy(padded, input)
		return analytic(padded)[:n]
	}

	cf := fourier.NewCmplxFFT(n)
	freq := make([]complex128, n)
	for i, v := range input {
		freq[i] = complex(v, 0)
	}
	coeffs := cf.Coefficients(nil, freq)

	// Zero negative frequencies, double positive ones
	for i := 1; i < n/2; i++ {
		coeffs[i] *= 2
	}
	for i := n/2 + 1; i < n; i++ {
		coeffs[i] = 0
	}

	out := cf.Sequence(nil, coeffs)
	inv := complex(1.0/float64(n), 0)
	for i := range out {
		out[i] *= inv
	}
	return out
}
