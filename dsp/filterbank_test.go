package dsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestApplyPreservesShapeAndFiniteness(t *testing.T) {
	const sampleRate = 300.0
	rapid.Check(t, func(t *rapid.T) {
		low := rapid.Float64Range(0.5, 140).Draw(t, "low")
		high := rapid.Float64Range(low+0.5, 149.5).Draw(t, "high")
		order := rapid.IntRange(1, 10).Draw(t, "order")
		channels := rapid.IntRange(1, 6).Draw(t, "channels")
		samples := rapid.IntRange(0, 400).Draw(t, "samples")

		segment := NewMatrix(channels, samples)
		for c := range segment {
			for n := range segment[c] {
				segment[c][n] = rapid.Float64Range(-1000, 1000).Draw(t, "value")
			}
		}

		result, err := Apply(segment, Band{Low: low, High: high}, order, sampleRate)
		require.NoError(t, err)
		assert.Equal(t, channels, result.Channels())
		for _, row := range result {
			assert.Len(t, row, samples)
		}
		assert.True(t, result.Finite())
	})
}

func TestApplyInvalidBand(t *testing.T) {
	_, err := Apply(NewMatrix(1, 10), Band{Low: 10, High: 151}, 9, 300)
	assert.ErrorIs(t, err, ErrInvalidBand)

	_, err = NewFilterBank(300, 9, Band{Low: 8, High: 60}, Band{Low: 0, High: 60})
	assert.ErrorIs(t, err, ErrInvalidBand)
}

func TestFilterBankApplyMatchesApply(t *testing.T) {
	bank, err := NewFilterBank(300, 9, DefaultBands...)
	require.NoError(t, err)
	segment := testSegment(4, 300)

	for _, band := range bank.Bands() {
		expected, err := Apply(segment, band, 9, 300)
		require.NoError(t, err)
		actual, err := bank.Apply(segment, band)
		require.NoError(t, err)
		assert.Equal(t, expected, actual)
	}
}

func TestApplyAndAverage(t *testing.T) {
	bank, err := NewFilterBank(300, 9, DefaultBands...)
	require.NoError(t, err)

	segment := testSegment(2, 200)
	t.Run("identical segments average to the filtered segment", func(t *testing.T) {
		averages, err := bank.ApplyAndAverage([]Matrix{segment, segment, segment}, 200)
		require.NoError(t, err)
		require.Len(t, averages, len(DefaultBands))
		for _, band := range DefaultBands {
			filtered, err := bank.Apply(segment, band)
			require.NoError(t, err)
			for c := range filtered {
				assert.InDeltaSlice(t, filtered[c], averages[band][c], 1e-12)
			}
		}
	})
	t.Run("segments are fitted to the target length", func(t *testing.T) {
		short := segment.Columns(0, 120)
		long := testSegment(2, 260)
		averages, err := bank.ApplyAndAverage([]Matrix{short, long}, 200)
		require.NoError(t, err)
		for _, band := range DefaultBands {
			assert.Equal(t, 2, averages[band].Channels())
			assert.Equal(t, 200, averages[band].Samples())
			assert.True(t, averages[band].Finite())
		}
	})
	t.Run("deterministic", func(t *testing.T) {
		first, err := bank.ApplyAndAverage([]Matrix{segment, testSegment(2, 180)}, 200)
		require.NoError(t, err)
		second, err := bank.ApplyAndAverage([]Matrix{segment, testSegment(2, 180)}, 200)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
	t.Run("channel mismatch", func(t *testing.T) {
		_, err := bank.ApplyAndAverage([]Matrix{segment, testSegment(3, 200)}, 200)
		assert.Error(t, err)
	})
	t.Run("no segments", func(t *testing.T) {
		_, err := bank.ApplyAndAverage(nil, 200)
		assert.Error(t, err)
	})
}

func testSegment(channels, samples int) Matrix {
	result := NewMatrix(channels, samples)
	for c := range result {
		for n := range result[c] {
			t := float64(n) / 300
			result[c][n] = math.Sin(2*math.Pi*float64(10+5*c)*t) + 0.5*math.Sin(2*math.Pi*41*t+float64(c))
		}
	}
	return result
}
