package dsp

import (
	"fmt"
	"math"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

// Spectrum is the one-sided power spectral density of a real signal.
type Spectrum struct {
	SampleRate float64
	BinSize    float64
	Values     []float64
}

// NewSpectrum computes the Hann windowed, one-sided power spectral density of x.
// The mean of x is removed before the transformation.
func NewSpectrum(x []float64, sampleRate float64) (*Spectrum, error) {
	if len(x) < 2 {
		return nil, fmt.Errorf("need at least 2 samples for a spectrum, got %d", len(x))
	}

	samples := append([]float64(nil), x...)
	var mean float64
	for _, v := range samples {
		mean += v
	}
	mean /= float64(len(samples))
	for i := range samples {
		samples[i] -= mean
	}

	hann := window.Hann(len(samples))
	var windowPower float64
	for i, w := range hann {
		samples[i] *= w
		windowPower += w * w
	}

	fftResult := fft.FFTReal(samples)
	blockSize := len(fftResult)
	values := make([]float64, blockSize/2+1)
	for i := range values {
		values[i] = PSD(fftResult[i]) / (windowPower * sampleRate)
		if i > 0 && i < blockSize-i {
			values[i] *= 2
		}
	}

	return &Spectrum{
		SampleRate: sampleRate,
		BinSize:    sampleRate / float64(blockSize),
		Values:     values,
	}, nil
}

// PSD returns the squared magnitude of the given FFT value.
func PSD(fftValue complex128) float64 {
	return math.Pow(real(fftValue), 2) + math.Pow(imag(fftValue), 2)
}

// BinToFrequency returns the center frequency of the given bin in Hz.
func (s *Spectrum) BinToFrequency(bin int) float64 {
	return float64(bin) * s.BinSize
}

// FrequencyToBin returns the bin that contains the given frequency.
func (s *Spectrum) FrequencyToBin(frequency float64) int {
	bin := int(math.Round(frequency / s.BinSize))
	return max(0, min(bin, len(s.Values)-1))
}

// Power integrates the power spectral density over the given band.
func (s *Spectrum) Power(band Band) float64 {
	from := s.FrequencyToBin(band.Low)
	to := s.FrequencyToBin(band.High)
	var sum float64
	for i := from; i <= to; i++ {
		sum += s.Values[i]
	}
	return sum * s.BinSize
}

// PowerIndB returns the band power in dB.
func (s *Spectrum) PowerIndB(band Band) float64 {
	return 10 * math.Log10(s.Power(band)+math.SmallestNonzeroFloat64)
}

// BandPower returns the power of x within the given band.
func BandPower(x []float64, sampleRate float64, band Band) (float64, error) {
	spectrum, err := NewSpectrum(x, sampleRate)
	if err != nil {
		return 0, err
	}
	return spectrum.Power(band), nil
}
