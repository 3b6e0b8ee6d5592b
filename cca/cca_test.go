package cca

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftl/cvep/dsp"
	"github.com/ftl/cvep/stim"
)

func testTemplate(reference []float64, channels int, noise float64, seed int64) dsp.Matrix {
	random := rand.New(rand.NewSource(seed))
	result := dsp.NewMatrix(channels, len(reference))
	for c := range result {
		gain := 1.0 / float64(c+1)
		for n := range result[c] {
			result[c][n] = gain*reference[n] + noise*random.NormFloat64()
		}
	}
	return result
}

func TestFit(t *testing.T) {
	reference := stim.NewWaveform(stim.DefaultSequences[1], 306)
	template := testTemplate(reference, 4, 0.5, 1)

	model, err := Fit(template, reference)
	require.NoError(t, err)

	assert.Len(t, model.X, 4)
	assert.Greater(t, model.Correlation, 0.9)
	assert.LessOrEqual(t, model.Correlation, 1.0+1e-9)
	assert.Len(t, model.TemplateVariate, 306)
	assert.Greater(t, math.Abs(dsp.Correlation(model.TemplateVariate, reference)), 0.9)
	assert.InDelta(t, model.Correlation, math.Abs(dsp.Correlation(model.TemplateVariate, reference)), 1e-6)
}

func TestScoreOfTheTemplateItself(t *testing.T) {
	reference := stim.NewWaveform(stim.DefaultSequences[2], 306)
	template := testTemplate(reference, 3, 0.3, 2)
	model, err := Fit(template, reference)
	require.NoError(t, err)

	score, err := model.Score(template)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-9)

	_, err = model.Score(dsp.NewMatrix(2, 306))
	assert.Error(t, err, "channel mismatch")

	score, err = model.Score(dsp.NewMatrix(3, 306))
	require.NoError(t, err)
	assert.Equal(t, 0.0, score, "constant window")
}

func TestFitErrors(t *testing.T) {
	reference := stim.NewWaveform(stim.DefaultSequences[1], 306)

	_, err := Fit(testTemplate(reference, 3, 0.3, 1), reference[:300])
	assert.ErrorIs(t, err, ErrLengthMismatch)

	template := testTemplate(reference, 3, 0.3, 1)
	template[1][17] = math.NaN()
	_, err = Fit(template, reference)
	assert.ErrorIs(t, err, ErrDegenerate)

	_, err = Fit(testTemplate(reference[:3], 3, 0.3, 1), reference[:3])
	assert.ErrorIs(t, err, ErrDegenerate)
}

func testKeysAndTemplates(codes []stim.Code) ([]stim.Key, map[stim.Key]dsp.Matrix, map[stim.Code]stim.Waveform) {
	keys := make([]stim.Key, 0)
	templates := make(map[stim.Key]dsp.Matrix)
	waveforms := make(map[stim.Code]stim.Waveform)
	for i, code := range codes {
		waveforms[code] = stim.NewWaveform(stim.DefaultSequences[code], 306)
		for j, band := range dsp.DefaultBands {
			key := stim.Key{Code: code, Band: band}
			keys = append(keys, key)
			templates[key] = testTemplate(waveforms[code], 3, 0.5, int64(i*10+j))
		}
	}
	return keys, templates, waveforms
}

func TestFitAll(t *testing.T) {
	keys, templates, waveforms := testKeysAndTemplates([]stim.Code{1, 2, 3})

	models, err := FitAll(context.Background(), templates, waveforms, keys, 2)
	require.NoError(t, err)

	assert.Equal(t, 9, models.Len())
	_, complete := models.Covers(keys)
	assert.True(t, complete)
	for _, key := range keys {
		model, ok := models.Get(key)
		require.True(t, ok)
		assert.Equal(t, key, model.Key)
	}

	missing, complete := models.Covers([]stim.Key{{Code: 4, Band: dsp.DefaultBands[0]}})
	assert.False(t, complete)
	assert.Equal(t, stim.Code(4), missing.Code)

	other, err := FitAll(context.Background(), templates, waveforms, keys, 0)
	require.NoError(t, err)
	assert.NotEqual(t, models.ID, other.ID)
}

func TestFitAllErrors(t *testing.T) {
	keys, templates, waveforms := testKeysAndTemplates([]stim.Code{1, 2})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		models, err := FitAll(ctx, templates, waveforms, keys, 1)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, models)
	})
	t.Run("missing template", func(t *testing.T) {
		delete(templates, keys[4])
		models, err := FitAll(context.Background(), templates, waveforms, keys, 1)
		assert.Error(t, err)
		assert.Nil(t, models)
	})
	t.Run("degenerate template", func(t *testing.T) {
		_, templates, _ := testKeysAndTemplates([]stim.Code{1, 2})
		templates[keys[1]][0][0] = math.Inf(1)
		models, err := FitAll(context.Background(), templates, waveforms, keys, 1)
		assert.ErrorIs(t, err, ErrDegenerate)
		assert.Nil(t, models)
	})
}
