// Package bci ties the decoding pipeline together: it buffers the incoming samples, collects
// the calibration data, trains the models and decodes the stream into a consensus.
package bci

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/ftl/cvep/calib"
	"github.com/ftl/cvep/cca"
	"github.com/ftl/cvep/config"
	"github.com/ftl/cvep/decode"
	"github.com/ftl/cvep/dsp"
	"github.com/ftl/cvep/scope"
	"github.com/ftl/cvep/stim"
	"github.com/ftl/cvep/stream"
	"github.com/ftl/cvep/trace"
)

const (
	batchBufferSize = 100
	qualityPeriod   = 1 * time.Second
	qualitySeconds  = 2.0
)

var (
	ErrTrainingInProgress = errors.New("training in progress")
	ErrNoData             = errors.New("no data")
)

type batch struct {
	stream     string
	data       dsp.Matrix
	timestamps []float64
}

// Engine owns the stream buffers, the calibration data, the decoder and the votes.
// After Start, all state is modified only by the engine's run loop; the public methods hand
// their work over to the loop. Without Start, every operation runs inline in the caller's goroutine.
type Engine struct {
	config   config.Config
	stimuli  *stim.Set
	bank     *dsp.FilterBank
	builder  *calib.TemplateBuilder
	store    *stream.Store
	arena    *calib.Arena
	decoder  *decode.Decoder
	votes    *decode.VoteAggregator
	training atomic.Bool

	scope     scope.Scope
	indicator decode.Indicator
	tracer    trace.Tracer

	in      chan batch
	op      chan func()
	stop    chan struct{}
	stopped chan struct{}
}

func NewEngine(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stimuli, err := cfg.StimulusSet()
	if err != nil {
		return nil, err
	}
	bank, err := dsp.NewFilterBank(cfg.SampleRate, cfg.FilterOrder, cfg.Bands...)
	if err != nil {
		return nil, err
	}
	decoder, err := decode.NewDecoder(decode.Config{
		Codes:          stimuli.Codes(),
		Bands:          bank.Bands(),
		Window:         cfg.WindowSamples(stimuli),
		Step:           cfg.StepSamples(stimuli),
		Margin:         cfg.Margin,
		MinCorrelation: cfg.MinCorrelation,
	}, bank)
	if err != nil {
		return nil, err
	}

	result := &Engine{
		config:  cfg,
		stimuli: stimuli,
		bank:    bank,
		builder: calib.NewTemplateBuilder(bank, stimuli.EpochSamples()),
		store:   stream.NewStore(),
		arena:   calib.NewArena(stimuli.Codes(), cfg.Channels, cfg.CalibrationSamples(), stimuli.EpochSamples()),
		decoder: decoder,
		votes:   decode.NewVoteAggregator(cfg.Votes),

		scope:  scope.NewNullScope(),
		tracer: new(trace.NoTracer),
	}
	decoder.SetIndicator(result)
	if err := result.store.Create(cfg.Stream, cfg.Channels); err != nil {
		return nil, err
	}

	return result, nil
}

func (e *Engine) Start() {
	if e.in != nil {
		return
	}

	e.stop = make(chan struct{})
	e.stopped = make(chan struct{})
	e.in = make(chan batch, batchBufferSize)
	e.op = make(chan func())

	e.tracer.Start()

	go e.run()
}

func (e *Engine) Stop() {
	if e.in == nil {
		return
	}

	e.tracer.Stop()

	close(e.stop)
	<-e.stopped
	close(e.in)
	close(e.op)

	e.stop = nil
	e.stopped = nil
	e.in = nil
	e.op = nil
}

func (e *Engine) do(f func()) {
	if e.op == nil {
		f()
	} else {
		e.op <- f
	}
}

func (e *Engine) run() {
	defer close(e.stopped)

	qualityTicker := time.NewTicker(qualityPeriod)
	defer qualityTicker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case op := <-e.op:
			op()
		case <-qualityTicker.C:
			if _, ok := e.scope.(*scope.NullScope); ok {
				continue
			}
			if _, err := e.channelQuality(); err != nil {
				log.Debug("no channel quality", "error", err)
			}
		case b := <-e.in:
			if err := e.append(b); err != nil {
				log.Warn("batch rejected", "stream", b.stream, "error", err)
			}
		}
	}
}

func (e *Engine) Config() config.Config {
	return e.config
}

func (e *Engine) Stimuli() *stim.Set {
	return e.stimuli
}

func (e *Engine) SetTracer(tracer trace.Tracer) {
	if tracer == nil {
		tracer = new(trace.NoTracer)
	}
	e.do(func() {
		e.tracer = tracer
		e.decoder.SetTracer(tracer)
	})
}

func (e *Engine) SetScope(s scope.Scope) {
	if s == nil {
		s = scope.NewNullScope()
	}
	e.do(func() {
		e.scope = s
	})
}

// SetIndicator sets an additional indicator that is notified about every detection.
func (e *Engine) SetIndicator(indicator decode.Indicator) {
	e.do(func() {
		e.indicator = indicator
	})
}

// Append hands a batch of samples over to the engine. data has one row per channel of the
// incoming stream. For the decoded stream, the configured channels are selected.
// When the run loop cannot keep up, the batch is dropped. The engine keeps copies of data
// and timestamps, the caller may reuse them after Append returns.
func (e *Engine) Append(streamName string, data dsp.Matrix, timestamps []float64) error {
	if streamName == e.config.Stream {
		selected, err := e.selectChannels(data)
		if err != nil {
			return err
		}
		data = selected
	}

	if e.in == nil {
		return e.append(batch{stream: streamName, data: data, timestamps: timestamps})
	}
	b := batch{stream: streamName, data: data.Clone(), timestamps: slices.Clone(timestamps)}
	select {
	case e.in <- b:
	default:
		log.Warn("batch dropped", "stream", streamName, "samples", len(timestamps))
	}
	return nil
}

func (e *Engine) selectChannels(data dsp.Matrix) (dsp.Matrix, error) {
	if len(e.config.SelectChannels) == 0 {
		return data, nil
	}
	result := make(dsp.Matrix, len(e.config.SelectChannels))
	for i, channel := range e.config.SelectChannels {
		if channel >= len(data) {
			return nil, fmt.Errorf("%w: channel %d not available in %d channels", stream.ErrShapeMismatch, channel, len(data))
		}
		result[i] = data[channel]
	}
	return result, nil
}

func (e *Engine) append(b batch) error {
	if err := e.store.Append(b.stream, b.data, b.timestamps); err != nil {
		return err
	}
	evicted, err := e.store.EvictPrefix(b.stream, e.config.MaxSamples())
	if err != nil {
		return err
	}
	if evicted > 0 {
		log.Debug("samples evicted", "stream", b.stream, "samples", evicted)
	}
	if b.stream == e.config.Stream {
		e.decodeTick()
	}
	return nil
}

func (e *Engine) decodeTick() []decode.Detection {
	var detections []decode.Detection
	e.store.Read(e.config.Stream, func(b *stream.Buffer) {
		detections = e.decoder.DecodeTick(b)
	})
	for _, detection := range detections {
		e.votes.Record(detection)
	}
	return detections
}

// ShowDetection sends the scores of every decoded window to the scope and to the indicator.
func (e *Engine) ShowDetection(detection decode.Detection) {
	values := make(map[scope.ChannelID]float64, len(detection.Scores)+2)
	for code, score := range detection.Scores {
		values[scope.ChannelID("code "+code.String())] = score
	}
	values["margin"] = detection.Margin
	values["detection"] = float64(detection.Code)
	e.scope.ShowTimeFrame(&scope.TimeFrame{
		Frame: scope.Frame{
			Stream:    scope.StreamID(e.config.Stream),
			Timestamp: time.Now(),
		},
		Values: values,
	})

	if e.indicator != nil {
		e.indicator.ShowDetection(detection)
	}
}

// SubmitCalibrationSpan labels the most recent samples of the decoded stream with the given code.
// If less samples than requested are buffered, all buffered samples are used.
func (e *Engine) SubmitCalibrationSpan(code stim.Code, duration time.Duration) error {
	if !e.stimuli.Has(code) {
		return fmt.Errorf("%w: %v", calib.ErrUnknownCode, code)
	}
	samples := int(math.Round(duration.Seconds() * e.config.SampleRate))
	if samples < 1 {
		return fmt.Errorf("calibration span of %v is too short", duration)
	}

	result := make(chan error, 1)
	e.do(func() {
		var span dsp.Matrix
		e.store.Read(e.config.Stream, func(b *stream.Buffer) {
			span, _ = b.Tail(samples)
		})
		if span.Samples() == 0 {
			result <- fmt.Errorf("%w: stream %s is empty", ErrNoData, e.config.Stream)
			return
		}
		if span.Samples() < samples {
			log.Warn("calibration span shorter than requested", "code", code, "samples", span.Samples(), "requested", samples)
		}
		err := e.arena.Add(code, span)
		if err == nil {
			log.Info("calibration span submitted", "code", code, "samples", span.Samples(), "total", e.arena.Samples(code))
		}
		result <- err
	})
	return <-result
}

// StartTraining builds the templates from the calibration data and fits the models for all
// codes and bands. The heavy lifting happens in the caller's goroutine. On success the new models
// replace the current ones and decoding starts with the next incoming samples; on failure
// the current models stay in place.
func (e *Engine) StartTraining(ctx context.Context) error {
	if !e.training.CompareAndSwap(false, true) {
		return ErrTrainingInProgress
	}
	defer e.training.Store(false)

	snapshots := make(chan map[stim.Code][]dsp.Matrix, 1)
	e.do(func() {
		snapshots <- e.arena.Snapshot()
	})
	snapshot := <-snapshots

	start := time.Now()
	templates, err := e.builder.BuildAll(snapshot)
	if err != nil {
		return fmt.Errorf("cannot build templates: %w", err)
	}
	models, err := cca.FitAll(ctx, templates, e.stimuli.Waveforms(), e.stimuli.Keys(e.bank.Bands()), e.config.FitParallelism)
	if err != nil {
		return fmt.Errorf("cannot fit models: %w", err)
	}

	result := make(chan error, 1)
	e.do(func() {
		if err := e.decoder.SetModels(models); err != nil {
			result <- err
			return
		}
		end := int64(0)
		e.store.Read(e.config.Stream, func(b *stream.Buffer) {
			end = b.End()
		})
		e.decoder.Reset(end)
		e.votes.Reset()
		result <- nil
	})
	if err := <-result; err != nil {
		return err
	}

	log.Info("models trained", "id", models.ID, "models", models.Len(), "duration", time.Since(start))
	return nil
}

// Tick decodes all complete windows that were not decoded yet.
func (e *Engine) Tick() []decode.Detection {
	result := make(chan []decode.Detection, 1)
	e.do(func() {
		result <- e.decodeTick()
	})
	return <-result
}

// GetConsensusAndReset returns the code that was detected most often since the last reset.
// On success, the votes and the decoded stream are cleared. Without a consensus, nothing is cleared.
func (e *Engine) GetConsensusAndReset() (stim.Code, error) {
	type consensus struct {
		code stim.Code
		err  error
	}
	result := make(chan consensus, 1)
	e.do(func() {
		code, err := e.votes.Consensus()
		if err != nil {
			result <- consensus{stim.None, err}
			return
		}
		log.Info("consensus", "code", code, "votes", e.votes.Counts())

		e.votes.Reset()
		e.store.Clear(e.config.Stream)
		end := int64(0)
		e.store.Read(e.config.Stream, func(b *stream.Buffer) {
			end = b.End()
		})
		e.decoder.Reset(end)
		result <- consensus{code, nil}
	})
	r := <-result
	return r.code, r.err
}

// ResetCalibration drops all calibration data. The current models stay in place.
func (e *Engine) ResetCalibration() {
	e.do(func() {
		e.arena.Reset()
	})
}

func (e *Engine) State() decode.State {
	return e.decoder.State()
}

type Status struct {
	State    decode.State
	Training bool
	// ModelSet is the id of the current model set, uuid.Nil if uncalibrated.
	ModelSet uuid.UUID
	// Calibration holds the calibration seconds per code.
	Calibration map[stim.Code]float64
	// Buffered holds the seconds buffered in the decoded stream.
	Buffered float64
	Votes    map[stim.Code]int
	Decoder  decode.Stats
}

func (s Status) String() string {
	var result strings.Builder
	fmt.Fprintf(&result, "state=%v training=%t buffered=%.2fs", s.State, s.Training, s.Buffered)
	if s.ModelSet != uuid.Nil {
		fmt.Fprintf(&result, " models=%v", s.ModelSet)
	}
	for _, code := range sortedCodes(s.Calibration) {
		fmt.Fprintf(&result, " calibration[%v]=%.2fs", code, s.Calibration[code])
	}
	for _, code := range sortedCodes(s.Votes) {
		fmt.Fprintf(&result, " votes[%v]=%d", code, s.Votes[code])
	}
	fmt.Fprintf(&result, " windows=%d detections=%d skipped=%d margin=%.3f", s.Decoder.Windows, s.Decoder.Detections, s.Decoder.Skipped, s.Decoder.MeanMargin)
	return result.String()
}

func sortedCodes[V any](values map[stim.Code]V) []stim.Code {
	result := make([]stim.Code, 0, len(values))
	for code := range values {
		result = append(result, code)
	}
	slices.Sort(result)
	return result
}

func (e *Engine) Status() Status {
	result := make(chan Status, 1)
	e.do(func() {
		status := Status{
			State:       e.decoder.State(),
			Training:    e.training.Load(),
			Calibration: make(map[stim.Code]float64),
			Votes:       e.votes.Counts(),
			Decoder:     e.decoder.Stats(),
		}
		if models := e.decoder.Models(); models != nil {
			status.ModelSet = models.ID
		}
		for _, code := range e.stimuli.Codes() {
			status.Calibration[code] = float64(e.arena.Samples(code)) / e.config.SampleRate
		}
		status.Buffered = float64(e.store.Len(e.config.Stream)) / e.config.SampleRate
		result <- status
	})
	return <-result
}

// ChannelQuality is the power of one channel within each of the configured bands, in dB.
type ChannelQuality struct {
	Channel int
	Power   map[dsp.Band]float64
}

func (q ChannelQuality) String() string {
	var result strings.Builder
	fmt.Fprintf(&result, "channel %d:", q.Channel)
	bands := make([]dsp.Band, 0, len(q.Power))
	for band := range q.Power {
		bands = append(bands, band)
	}
	slices.SortFunc(bands, func(a, b dsp.Band) int {
		return cmp.Or(cmp.Compare(a.Low, b.Low), cmp.Compare(a.High, b.High))
	})
	for _, band := range bands {
		fmt.Fprintf(&result, " %v=%.1fdB", band, q.Power[band])
	}
	return result.String()
}

// ChannelQuality computes the band power of the most recent samples of every channel
// of the decoded stream. The spectra are also sent to the scope.
func (e *Engine) ChannelQuality() ([]ChannelQuality, error) {
	type qualities struct {
		values []ChannelQuality
		err    error
	}
	result := make(chan qualities, 1)
	e.do(func() {
		values, err := e.channelQuality()
		result <- qualities{values, err}
	})
	r := <-result
	return r.values, r.err
}

func (e *Engine) channelQuality() ([]ChannelQuality, error) {
	var data dsp.Matrix
	e.store.Read(e.config.Stream, func(b *stream.Buffer) {
		data, _ = b.Tail(int(qualitySeconds * e.config.SampleRate))
	})
	if data.Samples() < 2 {
		return nil, fmt.Errorf("%w: stream %s has not enough samples", ErrNoData, e.config.Stream)
	}

	now := time.Now()
	result := make([]ChannelQuality, 0, data.Channels())
	for channel, values := range data {
		spectrum, err := dsp.NewSpectrum(values, e.config.SampleRate)
		if err != nil {
			return nil, err
		}
		quality := ChannelQuality{
			Channel: channel,
			Power:   make(map[dsp.Band]float64, len(e.bank.Bands())),
		}
		frequencyMarkers := make(map[scope.MarkerID]float64)
		magnitudeMarkers := make(map[scope.MarkerID]float64)
		for _, band := range e.bank.Bands() {
			power := spectrum.PowerIndB(band)
			quality.Power[band] = power
			frequencyMarkers[scope.MarkerID(band.String()+" low")] = band.Low
			frequencyMarkers[scope.MarkerID(band.String()+" high")] = band.High
			magnitudeMarkers[scope.MarkerID(band.String())] = power
		}
		result = append(result, quality)

		psd := make([]float64, len(spectrum.Values))
		for i, value := range spectrum.Values {
			psd[i] = 10 * math.Log10(value+math.SmallestNonzeroFloat64)
		}
		e.scope.ShowSpectralFrame(&scope.SpectralFrame{
			Frame: scope.Frame{
				Stream:    scope.StreamID(fmt.Sprintf("%s/%d", e.config.Stream, channel)),
				Timestamp: now,
			},
			FromFrequency:    0,
			ToFrequency:      spectrum.BinToFrequency(len(spectrum.Values) - 1),
			Values:           psd,
			FrequencyMarkers: frequencyMarkers,
			MagnitudeMarkers: magnitudeMarkers,
		})
	}
	return result, nil
}
