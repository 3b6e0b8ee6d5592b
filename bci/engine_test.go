package bci

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftl/cvep/calib"
	"github.com/ftl/cvep/config"
	"github.com/ftl/cvep/decode"
	"github.com/ftl/cvep/dsp"
	"github.com/ftl/cvep/scope"
	"github.com/ftl/cvep/source"
	"github.com/ftl/cvep/stim"
	"github.com/ftl/cvep/stream"
)

type testScope struct {
	lock           sync.Mutex
	timeFrames     []*scope.TimeFrame
	spectralFrames []*scope.SpectralFrame
}

func (s *testScope) ShowTimeFrame(frame *scope.TimeFrame) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.timeFrames = append(s.timeFrames, frame)
}

func (s *testScope) ShowSpectralFrame(frame *scope.SpectralFrame) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.spectralFrames = append(s.spectralFrames, frame)
}

func newTestEngine(t *testing.T, cfg config.Config) (*Engine, *source.Synthetic) {
	t.Helper()
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	synthetic := source.NewSynthetic(cfg.Stream, cfg.Channels, cfg.SampleRate, engine.Stimuli(), engine,
		source.WithNoise(0.3), source.WithSeed(42), source.WithStartTime(0), source.WithBatchSize(50))
	return engine, synthetic
}

func calibrate(t *testing.T, engine *Engine, synthetic *source.Synthetic, seconds int) {
	t.Helper()
	for _, code := range engine.Stimuli().Codes() {
		require.NoError(t, synthetic.SetCode(code))
		require.NoError(t, synthetic.Emit(seconds*int(engine.Config().SampleRate)))
		require.NoError(t, engine.SubmitCalibrationSpan(code, time.Duration(seconds)*time.Second))
	}
}

func TestEngineCalibrateTrainDecode(t *testing.T) {
	engine, synthetic := newTestEngine(t, config.Default())
	assert.Equal(t, decode.Uncalibrated, engine.State())

	calibrate(t, engine, synthetic, 10)

	status := engine.Status()
	assert.Equal(t, decode.Uncalibrated, status.State)
	assert.Equal(t, map[stim.Code]float64{1: 10, 2: 10, 3: 10}, status.Calibration)
	assert.Equal(t, 30.0, status.Buffered)
	assert.Equal(t, 0, status.Decoder.Windows, "nothing is decoded before training")

	require.NoError(t, engine.StartTraining(context.Background()))
	assert.Equal(t, decode.Ready, engine.State())
	status = engine.Status()
	assert.NotEqual(t, uuid.Nil, status.ModelSet)
	assert.Equal(t, int64(9000), status.Decoder.Cursor, "decoding starts after the calibration data")

	require.NoError(t, synthetic.SetCode(2))
	require.NoError(t, synthetic.Emit(6000))

	status = engine.Status()
	assert.Equal(t, 38, status.Decoder.Windows)
	assert.Greater(t, status.Votes[2], status.Votes[1]+status.Votes[3])
	assert.Empty(t, engine.Tick(), "all windows are already decoded")

	code, err := engine.GetConsensusAndReset()
	require.NoError(t, err)
	assert.Equal(t, stim.Code(2), code)

	status = engine.Status()
	assert.Equal(t, 0.0, status.Buffered)
	assert.Empty(t, status.Votes)
	assert.Equal(t, 0, status.Decoder.Windows)
	assert.Equal(t, decode.Ready, status.State, "the models survive the reset")

	_, err = engine.GetConsensusAndReset()
	assert.ErrorIs(t, err, decode.ErrNoConsensus)

	require.NoError(t, synthetic.SetCode(3))
	require.NoError(t, synthetic.Emit(3000))
	code, err = engine.GetConsensusAndReset()
	require.NoError(t, err)
	assert.Equal(t, stim.Code(3), code)
}

func TestEngineConsensusWithoutDetectionsKeepsTheBuffer(t *testing.T) {
	engine, synthetic := newTestEngine(t, config.Default())
	require.NoError(t, synthetic.Emit(600))

	_, err := engine.GetConsensusAndReset()
	assert.ErrorIs(t, err, decode.ErrNoConsensus)
	assert.Equal(t, 2.0, engine.Status().Buffered)
}

func TestEngineSubmitCalibrationSpanErrors(t *testing.T) {
	engine, synthetic := newTestEngine(t, config.Default())

	err := engine.SubmitCalibrationSpan(1, time.Second)
	assert.ErrorIs(t, err, ErrNoData, "empty stream")

	require.NoError(t, synthetic.Emit(300))
	err = engine.SubmitCalibrationSpan(7, time.Second)
	assert.ErrorIs(t, err, calib.ErrUnknownCode)
	err = engine.SubmitCalibrationSpan(1, 0)
	assert.Error(t, err)

	require.NoError(t, engine.SubmitCalibrationSpan(1, 5*time.Second), "shorter spans are accepted")
	assert.Equal(t, 1.0, engine.Status().Calibration[1])
}

func TestEngineTrainingErrors(t *testing.T) {
	t.Run("insufficient calibration data", func(t *testing.T) {
		engine, synthetic := newTestEngine(t, config.Default())
		require.NoError(t, synthetic.SetCode(1))
		require.NoError(t, synthetic.Emit(3000))
		require.NoError(t, engine.SubmitCalibrationSpan(1, 10*time.Second))

		err := engine.StartTraining(context.Background())
		assert.ErrorIs(t, err, calib.ErrInsufficientData)
		assert.Equal(t, decode.Uncalibrated, engine.State())
	})
	t.Run("cancelled", func(t *testing.T) {
		engine, synthetic := newTestEngine(t, config.Default())
		calibrate(t, engine, synthetic, 3)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := engine.StartTraining(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, decode.Uncalibrated, engine.State())
	})
	t.Run("in progress", func(t *testing.T) {
		engine, _ := newTestEngine(t, config.Default())
		engine.training.Store(true)

		err := engine.StartTraining(context.Background())
		assert.ErrorIs(t, err, ErrTrainingInProgress)
		assert.True(t, engine.Status().Training)
	})
	t.Run("failed training keeps the current models", func(t *testing.T) {
		engine, synthetic := newTestEngine(t, config.Default())
		calibrate(t, engine, synthetic, 3)
		require.NoError(t, engine.StartTraining(context.Background()))
		models := engine.Status().ModelSet

		engine.ResetCalibration()
		err := engine.StartTraining(context.Background())
		assert.ErrorIs(t, err, calib.ErrInsufficientData)
		assert.Equal(t, decode.Ready, engine.State())
		assert.Equal(t, models, engine.Status().ModelSet)
	})
}

func TestEngineSelectChannels(t *testing.T) {
	cfg := config.Default()
	cfg.Channels = 2
	cfg.SelectChannels = []int{1, 3}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)

	data := dsp.Matrix{{0, 0}, {1, 2}, {0, 0}, {3, 4}}
	require.NoError(t, engine.Append(cfg.Stream, data, []float64{0, 1}))
	buffered, _, err := engine.store.Get(cfg.Stream)
	require.NoError(t, err)
	assert.Equal(t, dsp.Matrix{{1, 2}, {3, 4}}, buffered)

	err = engine.Append(cfg.Stream, dsp.Matrix{{1}, {2}}, []float64{2})
	assert.ErrorIs(t, err, stream.ErrShapeMismatch)

	require.NoError(t, engine.Append("markers", dsp.Matrix{{1}}, []float64{0}), "other streams are kept as they are")
	assert.Equal(t, 1, engine.store.Len("markers"))
}

func TestEngineRunLoopCopiesQueuedBatches(t *testing.T) {
	cfg := config.Default()
	cfg.SelectChannels = []int{3, 2, 1, 0}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	engine.Start()
	defer engine.Stop()

	data := dsp.Matrix{{1, 2}, {3, 4}, {5, 6}, {7, 8}}
	timestamps := []float64{0, 1}
	markers := dsp.Matrix{{9}}
	markerTimestamps := []float64{0}
	require.NoError(t, engine.Append(cfg.Stream, data, timestamps))
	require.NoError(t, engine.Append("markers", markers, markerTimestamps))
	for _, row := range data {
		clear(row)
	}
	timestamps[0], timestamps[1] = 5, 4
	markers[0][0] = 0
	markerTimestamps[0] = -1

	assert.Eventually(t, func() bool {
		return engine.store.Len(cfg.Stream) == 2 && engine.store.Len("markers") == 1
	}, time.Second, 10*time.Millisecond)
	buffered, bufferedTimestamps, err := engine.store.Get(cfg.Stream)
	require.NoError(t, err)
	assert.Equal(t, dsp.Matrix{{7, 8}, {5, 6}, {3, 4}, {1, 2}}, buffered)
	assert.Equal(t, []float64{0, 1}, bufferedTimestamps)
	buffered, bufferedTimestamps, err = engine.store.Get("markers")
	require.NoError(t, err)
	assert.Equal(t, dsp.Matrix{{9}}, buffered)
	assert.Equal(t, []float64{0}, bufferedTimestamps)
}

func TestEngineEvictsOldSamples(t *testing.T) {
	cfg := config.Default()
	cfg.MaxSeconds = 2
	engine, synthetic := newTestEngine(t, cfg)

	require.NoError(t, synthetic.Emit(1000))

	assert.Equal(t, 600, engine.store.Len(cfg.Stream))
	assert.Equal(t, 2.0, engine.Status().Buffered)
}

func TestEngineChannelQuality(t *testing.T) {
	engine, synthetic := newTestEngine(t, config.Default())
	s := &testScope{}
	engine.SetScope(s)

	_, err := engine.ChannelQuality()
	assert.ErrorIs(t, err, ErrNoData)

	require.NoError(t, synthetic.Emit(900))
	qualities, err := engine.ChannelQuality()
	require.NoError(t, err)

	require.Len(t, qualities, 4)
	for i, quality := range qualities {
		assert.Equal(t, i, quality.Channel)
		require.Len(t, quality.Power, len(dsp.DefaultBands))
		for _, power := range quality.Power {
			assert.False(t, math.IsNaN(power) || math.IsInf(power, 0))
		}
		assert.Contains(t, quality.String(), "8-60")
	}
	assert.Len(t, s.spectralFrames, 4)
	assert.Equal(t, scope.StreamID("EEG Data/0"), s.spectralFrames[0].Stream)
}

type testIndicator struct {
	detections []decode.Detection
}

func (i *testIndicator) ShowDetection(detection decode.Detection) {
	i.detections = append(i.detections, detection)
}

func TestEngineShowsDetections(t *testing.T) {
	engine, synthetic := newTestEngine(t, config.Default())
	s := &testScope{}
	indicator := &testIndicator{}
	engine.SetScope(s)
	engine.SetIndicator(indicator)
	calibrate(t, engine, synthetic, 3)
	require.NoError(t, engine.StartTraining(context.Background()))

	require.NoError(t, synthetic.SetCode(1))
	require.NoError(t, synthetic.Emit(612))

	require.Len(t, indicator.detections, 3)
	require.Len(t, s.timeFrames, 3)
	frame := s.timeFrames[0]
	assert.Equal(t, scope.StreamID("EEG Data"), frame.Stream)
	assert.Contains(t, frame.Values, scope.ChannelID("code 1"))
	assert.Contains(t, frame.Values, scope.ChannelID("margin"))
	assert.Equal(t, float64(indicator.detections[0].Code), frame.Values["detection"])
}

func TestEngineRunLoop(t *testing.T) {
	engine, synthetic := newTestEngine(t, config.Default())
	engine.Start()
	defer engine.Stop()

	for range 10 {
		require.NoError(t, synthetic.Emit(30))
	}

	assert.Eventually(t, func() bool {
		return engine.Status().Buffered == 1.0
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, engine.Tick())
}
