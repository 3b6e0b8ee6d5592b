// Package decode classifies windows of streaming sensor data into stimulus codes and
// aggregates the detections into a consensus.
package decode

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/ftl/cvep/cca"
	"github.com/ftl/cvep/dsp"
	"github.com/ftl/cvep/stim"
	"github.com/ftl/cvep/stream"
	"github.com/ftl/cvep/trace"
)

const (
	TraceScores     = "scores"
	TraceDetections = "detections"

	DefaultMargin         = 0.15
	DefaultMinCorrelation = 0.3
	defaultStatsWindow    = 50
)

var ErrIncompleteModels = errors.New("incomplete model set")

type State int

const (
	Uncalibrated State = iota
	Ready
)

func (s State) String() string {
	switch s {
	case Uncalibrated:
		return "uncalibrated"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config of the decoder. Window and Step are given in samples.
type Config struct {
	Codes          []stim.Code
	Bands          []dsp.Band
	Window         int
	Step           int
	Margin         float64
	MinCorrelation float64
}

// Detection is the decision about one window.
type Detection struct {
	// Code is the detected code, or stim.None.
	Code stim.Code
	// Score is the best mean correlation.
	Score float64
	// Margin is the distance between the best and the second best score.
	Margin float64
	// Position is the absolute position of the window's first sample.
	Position int64
	// Timestamp of the window's last sample.
	Timestamp float64
	Scores    map[stim.Code]float64
	// Skipped is set if the window could not be processed.
	Skipped bool
}

func (d Detection) String() string {
	if d.Skipped {
		return fmt.Sprintf("%d: skipped", d.Position)
	}
	return fmt.Sprintf("%d: %v (%.3f, margin %.3f)", d.Position, d.Code, d.Score, d.Margin)
}

// Indicator shows the detections of the decoder.
type Indicator interface {
	ShowDetection(detection Detection)
}

type Stats struct {
	Windows    int
	Skipped    int
	Detections int
	MeanMargin float64
	Cursor     int64
}

// Decoder runs the fitted models over sliding windows of a stream. Only the model set
// may be swapped concurrently, everything else must be called from one goroutine.
type Decoder struct {
	config    Config
	bank      *dsp.FilterBank
	keys      []stim.Key
	models    atomic.Pointer[cca.ModelSet]
	cursor    int64
	margins   *dsp.RollingMean[float64]
	stats     Stats
	tracer    trace.Tracer
	indicator Indicator
}

func NewDecoder(config Config, bank *dsp.FilterBank) (*Decoder, error) {
	if len(config.Codes) == 0 {
		return nil, fmt.Errorf("no codes configured")
	}
	if len(config.Bands) == 0 {
		config.Bands = bank.Bands()
	}
	if config.Window < 2 {
		return nil, fmt.Errorf("invalid window length %d", config.Window)
	}
	if config.Step < 1 {
		config.Step = max(1, config.Window/2)
	}

	result := &Decoder{
		config:  config,
		bank:    bank,
		margins: dsp.NewRollingMean[float64](defaultStatsWindow),
		tracer:  new(trace.NoTracer),
	}
	for _, code := range config.Codes {
		for _, band := range config.Bands {
			result.keys = append(result.keys, stim.Key{Code: code, Band: band})
		}
	}
	return result, nil
}

// SetTracer sets the tracer and announces the columns of the scores and detections traces.
func (d *Decoder) SetTracer(tracer trace.Tracer) {
	if tracer == nil {
		tracer = new(trace.NoTracer)
	}
	scoreColumns := []string{"position", "timestamp"}
	for _, code := range d.config.Codes {
		scoreColumns = append(scoreColumns, "code "+code.String())
	}
	tracer.Header(TraceScores, scoreColumns...)
	tracer.Header(TraceDetections, "position", "timestamp", "code", "score", "margin")
	d.tracer = tracer
}

func (d *Decoder) SetIndicator(indicator Indicator) {
	d.indicator = indicator
}

func (d *Decoder) Config() Config {
	return d.config
}

func (d *Decoder) State() State {
	if d.models.Load() == nil {
		return Uncalibrated
	}
	return Ready
}

// SetModels swaps in a model set. The set must contain a model for every configured code and band.
func (d *Decoder) SetModels(models *cca.ModelSet) error {
	if models == nil {
		return fmt.Errorf("%w: no models", ErrIncompleteModels)
	}
	if missing, ok := models.Covers(d.keys); !ok {
		return fmt.Errorf("%w: no model for %v", ErrIncompleteModels, missing)
	}
	d.models.Store(models)
	return nil
}

func (d *Decoder) Models() *cca.ModelSet {
	return d.models.Load()
}

// Reset moves the cursor to the given absolute position and clears the statistics.
func (d *Decoder) Reset(position int64) {
	d.cursor = position
	d.margins.Reset()
	d.stats = Stats{}
}

func (d *Decoder) Cursor() int64 {
	return d.cursor
}

func (d *Decoder) Stats() Stats {
	result := d.stats
	result.MeanMargin = d.margins.Get()
	result.Cursor = d.cursor
	return result
}

// DecodeTick decodes all complete windows between the cursor and the end of the stream.
// It returns exactly one detection per decoded window. Without models, nothing is decoded.
func (d *Decoder) DecodeTick(r stream.Reader) []Detection {
	models := d.models.Load()
	if models == nil {
		return nil
	}

	if d.cursor < r.Offset() {
		log.Warn("windows evicted before decoding", "from", d.cursor, "to", r.Offset())
		d.cursor = r.Offset()
	}

	var result []Detection
	window := int64(d.config.Window)
	for d.cursor+window <= r.End() {
		detection := d.decodeWindow(models, r, d.cursor)
		result = append(result, detection)
		d.cursor += int64(d.config.Step)
	}
	return result
}

func (d *Decoder) decodeWindow(models *cca.ModelSet, r stream.Reader, from int64) Detection {
	data, timestamps, err := r.Window(from, from+int64(d.config.Window))
	if err == nil && !data.Finite() {
		err = fmt.Errorf("window contains non-finite values")
	}
	var scores map[stim.Code]float64
	if err == nil {
		scores, err = d.score(models, data)
	}
	if err != nil {
		log.Warn("window skipped", "from", from, "error", err)
		d.stats.Windows++
		d.stats.Skipped++
		result := Detection{Code: stim.None, Position: from, Skipped: true}
		d.tracer.Trace(TraceDetections, "%d;;%v;;\n", from, stim.None)
		return result
	}

	result := d.decide(scores)
	result.Position = from
	result.Timestamp = timestamps[len(timestamps)-1]

	d.stats.Windows++
	if result.Code != stim.None {
		d.stats.Detections++
	}
	d.margins.Put(result.Margin)

	d.traceScores(result)
	d.tracer.Trace(TraceDetections, "%d;%f;%v;%f;%f\n", result.Position, result.Timestamp, result.Code, result.Score, result.Margin)
	if d.indicator != nil {
		d.indicator.ShowDetection(result)
	}
	log.Debug("window decoded", "detection", result)

	return result
}

// score returns the mean correlation over all bands per code.
func (d *Decoder) score(models *cca.ModelSet, data dsp.Matrix) (map[stim.Code]float64, error) {
	result := make(map[stim.Code]float64, len(d.config.Codes))
	for _, band := range d.config.Bands {
		filtered, err := d.bank.Apply(data, band)
		if err != nil {
			return nil, err
		}
		for _, code := range d.config.Codes {
			model, ok := models.Get(stim.Key{Code: code, Band: band})
			if !ok {
				return nil, fmt.Errorf("%w: no model for %v", ErrIncompleteModels, stim.Key{Code: code, Band: band})
			}
			correlation, err := model.Score(filtered)
			if err != nil {
				return nil, err
			}
			result[code] += correlation
		}
	}
	for code := range result {
		result[code] /= float64(len(d.config.Bands))
	}
	return result, nil
}

// decide picks the best code. With at least two codes the best score must exceed the second best
// by the margin, with only one code the score must reach the minimum correlation.
// Ties are resolved in favor of the first configured code.
func (d *Decoder) decide(scores map[stim.Code]float64) Detection {
	best, second := stim.None, stim.None
	var bestScore, secondScore float64
	for _, code := range d.config.Codes {
		score := scores[code]
		switch {
		case best == stim.None || score > bestScore:
			second, secondScore = best, bestScore
			best, bestScore = code, score
		case second == stim.None || score > secondScore:
			second, secondScore = code, score
		}
	}

	result := Detection{
		Code:   stim.None,
		Score:  bestScore,
		Scores: scores,
	}
	if len(d.config.Codes) < 2 {
		result.Margin = bestScore
		if bestScore >= d.config.MinCorrelation {
			result.Code = best
		}
		return result
	}

	result.Margin = bestScore - secondScore
	if result.Margin >= d.config.Margin {
		result.Code = best
	}
	return result
}

func (d *Decoder) traceScores(detection Detection) {
	if d.tracer.Context() != TraceScores {
		return
	}
	var line strings.Builder
	fmt.Fprintf(&line, "%d;%f", detection.Position, detection.Timestamp)
	for _, code := range d.config.Codes {
		fmt.Fprintf(&line, ";%f", detection.Scores[code])
	}
	line.WriteString("\n")
	d.tracer.Trace(TraceScores, "%s", line.String())
}
