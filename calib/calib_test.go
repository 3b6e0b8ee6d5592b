package calib

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftl/cvep/dsp"
	"github.com/ftl/cvep/stim"
)

func testSpan(channels, samples int, seed int64) dsp.Matrix {
	random := rand.New(rand.NewSource(seed))
	result := dsp.NewMatrix(channels, samples)
	for c := range result {
		for n := range result[c] {
			result[c][n] = math.Sin(2*math.Pi*15*float64(n)/300) + 0.2*random.NormFloat64()
		}
	}
	return result
}

func TestArenaAdd(t *testing.T) {
	arena := NewArena([]stim.Code{1, 2}, 2, 0, 1)

	require.NoError(t, arena.Add(1, testSpan(2, 100, 1)))
	require.NoError(t, arena.Add(1, testSpan(2, 50, 2)))
	require.NoError(t, arena.Add(2, testSpan(2, 0, 3)))

	assert.Equal(t, 150, arena.Samples(1))
	assert.Equal(t, 0, arena.Samples(2))
	spans, err := arena.Spans(1)
	require.NoError(t, err)
	assert.Len(t, spans, 2)

	assert.ErrorIs(t, arena.Add(3, testSpan(2, 10, 4)), ErrUnknownCode)
	assert.ErrorIs(t, arena.Add(1, testSpan(3, 10, 4)), ErrChannelMismatch)
	_, err = arena.Spans(3)
	assert.ErrorIs(t, err, ErrUnknownCode)
}

func TestArenaAddCopiesTheSpan(t *testing.T) {
	arena := NewArena([]stim.Code{1}, 1, 0, 1)
	span := dsp.Matrix{{1, 2, 3}}
	require.NoError(t, arena.Add(1, span))

	span[0][0] = 100

	spans, err := arena.Spans(1)
	require.NoError(t, err)
	assert.Equal(t, dsp.Matrix{{1, 2, 3}}, spans[0])
}

func TestArenaCapacity(t *testing.T) {
	arena := NewArena([]stim.Code{1}, 1, 5, 1)

	require.NoError(t, arena.Add(1, dsp.Matrix{{1, 2, 3}}))
	require.NoError(t, arena.Add(1, dsp.Matrix{{4, 5, 6, 7}}))
	spans, err := arena.Spans(1)
	require.NoError(t, err)
	assert.Equal(t, []dsp.Matrix{{{3}}, {{4, 5, 6, 7}}}, spans)
	assert.Equal(t, 5, arena.Samples(1))

	require.NoError(t, arena.Add(1, dsp.Matrix{{8, 9, 10, 11, 12, 13}}))
	spans, err = arena.Spans(1)
	require.NoError(t, err)
	assert.Equal(t, []dsp.Matrix{{{9, 10, 11, 12, 13}}}, spans)
	assert.Equal(t, 5, arena.Samples(1))
}

func phaseSpan(epochs, epochSamples int) dsp.Matrix {
	result := dsp.NewMatrix(1, epochs*epochSamples)
	for n := range result[0] {
		result[0][n] = float64(n % epochSamples)
	}
	return result
}

func TestArenaCapacityKeepsWholeEpochs(t *testing.T) {
	const epochSamples = 4
	arena := NewArena([]stim.Code{1}, 1, 5*epochSamples+2, epochSamples)

	require.NoError(t, arena.Add(1, phaseSpan(3, epochSamples)))
	require.NoError(t, arena.Add(1, phaseSpan(3, epochSamples)))
	assert.Equal(t, 5*epochSamples, arena.Samples(1))

	require.NoError(t, arena.Add(1, phaseSpan(4, epochSamples)))
	assert.Equal(t, 5*epochSamples, arena.Samples(1))

	spans, err := arena.Spans(1)
	require.NoError(t, err)
	bank, err := dsp.NewFilterBank(300, 9, dsp.DefaultBands...)
	require.NoError(t, err)
	epochs := NewTemplateBuilder(bank, epochSamples).Segment(spans)
	require.Len(t, epochs, 5)
	for i, epoch := range epochs {
		assert.Equal(t, dsp.Matrix{{0, 1, 2, 3}}, epoch, "epoch %d is in phase", i)
	}
}

func TestArenaSnapshotAndReset(t *testing.T) {
	arena := NewArena([]stim.Code{1, 2}, 1, 0, 1)
	require.NoError(t, arena.Add(1, dsp.Matrix{{1, 2}}))

	snapshot := arena.Snapshot()
	arena.Reset()
	require.NoError(t, arena.Add(2, dsp.Matrix{{3}}))

	assert.Equal(t, []dsp.Matrix{{{1, 2}}}, snapshot[1])
	assert.Empty(t, snapshot[2])
	assert.Equal(t, 0, arena.Samples(1))
	assert.Equal(t, 1, arena.Samples(2))
}

func TestSegment(t *testing.T) {
	bank, err := dsp.NewFilterBank(300, 9, dsp.DefaultBands...)
	require.NoError(t, err)
	builder := NewTemplateBuilder(bank, 4)

	epochs := builder.Segment([]dsp.Matrix{
		{{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
		{{11, 12, 13}},
		{{}},
	})

	assert.Equal(t, []dsp.Matrix{
		{{1, 2, 3, 4}},
		{{5, 6, 7, 8}},
		{{9, 10, 0, 0}},
		{{11, 12, 13, 0}},
	}, epochs)
}

func TestBuild(t *testing.T) {
	bank, err := dsp.NewFilterBank(300, 9, dsp.DefaultBands...)
	require.NoError(t, err)
	builder := NewTemplateBuilder(bank, 306)

	t.Run("one template per band", func(t *testing.T) {
		templates, err := builder.Build([]dsp.Matrix{testSpan(4, 1000, 1), testSpan(4, 400, 2)})
		require.NoError(t, err)
		require.Len(t, templates, len(dsp.DefaultBands))
		for _, band := range dsp.DefaultBands {
			assert.Equal(t, 4, templates[band].Channels())
			assert.Equal(t, 306, templates[band].Samples())
			assert.True(t, templates[band].Finite())
		}
	})
	t.Run("exactly one epoch", func(t *testing.T) {
		span := testSpan(2, 306, 3)
		templates, err := builder.Build([]dsp.Matrix{span})
		require.NoError(t, err)
		for _, band := range dsp.DefaultBands {
			filtered, err := bank.Apply(span, band)
			require.NoError(t, err)
			assert.Equal(t, filtered, templates[band])
		}
	})
	t.Run("not enough samples", func(t *testing.T) {
		_, err := builder.Build([]dsp.Matrix{testSpan(2, 305, 4)})
		assert.ErrorIs(t, err, ErrInsufficientData)
		_, err = builder.Build(nil)
		assert.ErrorIs(t, err, ErrInsufficientData)
	})
	t.Run("deterministic", func(t *testing.T) {
		spans := []dsp.Matrix{testSpan(3, 900, 5)}
		first, err := builder.Build(spans)
		require.NoError(t, err)
		second, err := builder.Build(spans)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestBuildAll(t *testing.T) {
	bank, err := dsp.NewFilterBank(300, 9, dsp.DefaultBands...)
	require.NoError(t, err)
	builder := NewTemplateBuilder(bank, 306)

	templates, err := builder.BuildAll(map[stim.Code][]dsp.Matrix{
		1: {testSpan(2, 700, 1)},
		2: {testSpan(2, 306, 2)},
	})
	require.NoError(t, err)
	assert.Len(t, templates, 2*len(dsp.DefaultBands))
	for _, code := range []stim.Code{1, 2} {
		for _, band := range dsp.DefaultBands {
			assert.Contains(t, templates, stim.Key{Code: code, Band: band})
		}
	}

	templates, err = builder.BuildAll(map[stim.Code][]dsp.Matrix{
		1: {testSpan(2, 700, 1)},
		2: {testSpan(2, 100, 2)},
	})
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.Nil(t, templates)
}
