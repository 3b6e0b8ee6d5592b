// Package dsp provides the signal processing building blocks of the decoder:
// multichannel matrices, zero-phase Butterworth bandpass filters, filter banks,
// correlation and spectral helpers.
package dsp

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

type Number interface {
	constraints.Integer | constraints.Float
}

// Matrix is a multichannel time series: one row per channel, one column per sample.
type Matrix [][]float64

// NewMatrix returns a zeroed matrix with the given number of channels and samples.
func NewMatrix(channels, samples int) Matrix {
	result := make(Matrix, channels)
	for i := range result {
		result[i] = make([]float64, samples)
	}
	return result
}

// Channels returns the number of rows.
func (m Matrix) Channels() int {
	return len(m)
}

// Samples returns the number of columns. All rows are expected to have the same length.
func (m Matrix) Samples() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// Validate checks that all rows have the same length.
func (m Matrix) Validate() error {
	samples := m.Samples()
	for i, row := range m {
		if len(row) != samples {
			return fmt.Errorf("channel %d has %d samples, expected %d", i, len(row), samples)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (m Matrix) Clone() Matrix {
	result := make(Matrix, len(m))
	for i, row := range m {
		result[i] = append([]float64(nil), row...)
	}
	return result
}

// Columns returns a deep copy of the columns [from, to).
func (m Matrix) Columns(from, to int) Matrix {
	result := make(Matrix, len(m))
	for i, row := range m {
		result[i] = make([]float64, to-from)
		copy(result[i], row[from:to])
	}
	return result
}

// Fit returns a copy with exactly length columns, truncated or padded with trailing zeros.
func (m Matrix) Fit(length int) Matrix {
	result := NewMatrix(len(m), length)
	for i, row := range m {
		copy(result[i], row)
	}
	return result
}

// Finite reports if all values are finite.
func (m Matrix) Finite() bool {
	for _, row := range m {
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// Project returns the weighted sum of the channels, sample by sample.
func (m Matrix) Project(weights []float64) ([]float64, error) {
	if len(weights) != len(m) {
		return nil, fmt.Errorf("got %d weights for %d channels", len(weights), len(m))
	}
	result := make([]float64, m.Samples())
	for i, row := range m {
		floats.AddScaled(result, weights[i], row)
	}
	return result, nil
}

// Correlation returns the Pearson correlation coefficient of a and b.
// A constant input has no defined correlation, the result is 0 in that case.
func Correlation(a, b []float64) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	result := stat.Correlation(a, b, nil)
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0
	}
	return result
}

// RollingMean calculates the mean over n values.
type RollingMean[T Number] struct {
	values []T
	next   int
	count  int

	sumForMean T
	mean       T
}

// NewRollingMean with size n.
func NewRollingMean[T Number](n int) *RollingMean[T] {
	return &RollingMean[T]{
		values: make([]T, n),
	}
}

// Put a new value into the rolling window and get the new mean back.
// Until the window is filled, the mean is taken over the values put so far.
func (v *RollingMean[T]) Put(value T) T {
	v.sumForMean -= v.values[v.next]

	v.values[v.next] = value

	v.sumForMean += v.values[v.next]
	if v.count < len(v.values) {
		v.count++
	}
	v.mean = v.sumForMean / T(v.count)

	v.next = (v.next + 1) % len(v.values)

	return v.mean
}

// Get the current mean value.
func (v *RollingMean[T]) Get() T {
	return v.mean
}

// Reset the rolling window.
func (v *RollingMean[T]) Reset() {
	clear(v.values)
	v.next = 0
	v.count = 0
	v.sumForMean = 0
	v.mean = 0
}
