// Package config loads the configuration of the decoder from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ftl/cvep/decode"
	"github.com/ftl/cvep/dsp"
	"github.com/ftl/cvep/stim"
)

var ErrInvalid = errors.New("invalid configuration")

// Code binds a code identifier to its binary sequence, written as a string of 0 and 1.
type Code struct {
	ID       stim.Code `yaml:"id"`
	Sequence string    `yaml:"sequence"`
}

type Config struct {
	// Stream is the name of the stream that is decoded.
	Stream string `yaml:"stream"`
	// Channels is the number of decoded channels.
	Channels int `yaml:"channels"`
	// SelectChannels picks the decoded channels from the incoming frames. Empty means all channels.
	SelectChannels []int   `yaml:"select_channels,omitempty"`
	SampleRate     float64 `yaml:"sample_rate"`
	// MaxSeconds bounds the buffered history of every stream.
	MaxSeconds  float64    `yaml:"max_seconds"`
	FilterOrder int        `yaml:"filter_order"`
	Bands       []dsp.Band `yaml:"bands"`
	BitDuration float64    `yaml:"bit_duration"`
	Codes       []Code     `yaml:"codes"`
	// Window and Step are given in samples, 0 means one epoch and half a window.
	Window         int     `yaml:"window"`
	Step           int     `yaml:"step"`
	Margin         float64 `yaml:"margin"`
	MinCorrelation float64 `yaml:"min_correlation"`
	Votes          int     `yaml:"votes"`
	// CalibrationCapacity bounds the calibration data per code, in seconds.
	CalibrationCapacity float64 `yaml:"calibration_capacity"`
	// FitParallelism bounds the concurrently fitted models, 0 means one per CPU.
	FitParallelism int `yaml:"fit_parallelism"`
}

// Default returns the configuration of a 4 channel headset at 300 Hz with the three default m-sequences.
func Default() Config {
	codes := make([]Code, 0, len(stim.DefaultSequences))
	for _, id := range []stim.Code{1, 2, 3} {
		codes = append(codes, Code{ID: id, Sequence: stim.DefaultSequences[id].String()})
	}
	return Config{
		Stream:              "EEG Data",
		Channels:            4,
		SampleRate:          300,
		MaxSeconds:          200,
		FilterOrder:         dsp.DefaultFilterOrder,
		Bands:               append([]dsp.Band(nil), dsp.DefaultBands...),
		BitDuration:         stim.DefaultBitDuration,
		Codes:               codes,
		Margin:              decode.DefaultMargin,
		MinCorrelation:      decode.DefaultMinCorrelation,
		Votes:               decode.DefaultVoteCapacity,
		CalibrationCapacity: 120,
	}
}

// Load reads the configuration from the given file. Missing keys keep their default values.
func Load(filename string) (Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return Config{}, fmt.Errorf("cannot open configuration: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read reads the configuration from r. Missing keys keep their default values, unknown keys are rejected.
func Read(r io.Reader) (Config, error) {
	result := Default()
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	err := decoder.Decode(&result)
	if err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := result.Validate(); err != nil {
		return Config{}, err
	}
	return result, nil
}

// Write writes the configuration as YAML to w.
func (c Config) Write(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(c); err != nil {
		return err
	}
	return encoder.Close()
}

func (c Config) String() string {
	buffer := &bytes.Buffer{}
	c.Write(buffer)
	return buffer.String()
}

func (c Config) Validate() error {
	if c.Stream == "" {
		return fmt.Errorf("%w: no stream name", ErrInvalid)
	}
	if c.Channels < 1 {
		return fmt.Errorf("%w: channels must be at least 1", ErrInvalid)
	}
	if len(c.SelectChannels) > 0 && len(c.SelectChannels) != c.Channels {
		return fmt.Errorf("%w: %d selected channels, expected %d", ErrInvalid, len(c.SelectChannels), c.Channels)
	}
	for _, channel := range c.SelectChannels {
		if channel < 0 {
			return fmt.Errorf("%w: negative channel index %d", ErrInvalid, channel)
		}
	}
	if c.SampleRate <= 0 || math.IsInf(c.SampleRate, 0) || math.IsNaN(c.SampleRate) {
		return fmt.Errorf("%w: invalid sample rate %v", ErrInvalid, c.SampleRate)
	}
	if c.FilterOrder < 1 || c.FilterOrder > 20 {
		return fmt.Errorf("%w: filter order must be within [1, 20]", ErrInvalid)
	}
	if len(c.Bands) == 0 {
		return fmt.Errorf("%w: no bands", ErrInvalid)
	}
	for _, band := range c.Bands {
		if err := band.Validate(c.SampleRate); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if c.BitDuration <= 0 {
		return fmt.Errorf("%w: bit duration must be positive", ErrInvalid)
	}
	set, err := c.StimulusSet()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Window < 0 || c.Step < 0 {
		return fmt.Errorf("%w: window and step must not be negative", ErrInvalid)
	}
	if c.WindowSamples(set) < 2 {
		return fmt.Errorf("%w: window too short", ErrInvalid)
	}
	if c.MaxSamples() < c.WindowSamples(set) {
		return fmt.Errorf("%w: max_seconds must hold at least one window", ErrInvalid)
	}
	if c.Margin < 0 || c.Margin > 2 {
		return fmt.Errorf("%w: margin must be within [0, 2]", ErrInvalid)
	}
	if c.MinCorrelation < -1 || c.MinCorrelation > 1 {
		return fmt.Errorf("%w: min_correlation must be within [-1, 1]", ErrInvalid)
	}
	if c.Votes < 0 || c.CalibrationCapacity < 0 || c.FitParallelism < 0 {
		return fmt.Errorf("%w: votes, calibration_capacity and fit_parallelism must not be negative", ErrInvalid)
	}
	return nil
}

// Sequences returns the parsed sequences of all configured codes.
func (c Config) Sequences() (map[stim.Code]stim.Sequence, error) {
	result := make(map[stim.Code]stim.Sequence, len(c.Codes))
	for _, code := range c.Codes {
		if _, ok := result[code.ID]; ok {
			return nil, fmt.Errorf("duplicate code %v", code.ID)
		}
		sequence, err := stim.ParseSequence(code.Sequence)
		if err != nil {
			return nil, fmt.Errorf("code %v: %w", code.ID, err)
		}
		result[code.ID] = sequence
	}
	return result, nil
}

// StimulusSet computes the waveforms of all configured codes.
func (c Config) StimulusSet() (*stim.Set, error) {
	sequences, err := c.Sequences()
	if err != nil {
		return nil, err
	}
	return stim.NewSet(sequences, c.BitDuration, c.SampleRate)
}

// MaxSamples is the number of samples kept per stream.
func (c Config) MaxSamples() int {
	return int(c.MaxSeconds * c.SampleRate)
}

// CalibrationSamples is the number of calibration samples kept per code, 0 means unbounded.
func (c Config) CalibrationSamples() int {
	return int(c.CalibrationCapacity * c.SampleRate)
}

// WindowSamples is the length of the decoding window.
func (c Config) WindowSamples(set *stim.Set) int {
	if c.Window > 0 {
		return c.Window
	}
	return set.EpochSamples()
}

// StepSamples is the distance between two decoding windows.
func (c Config) StepSamples(set *stim.Set) int {
	if c.Step > 0 {
		return c.Step
	}
	return max(1, c.WindowSamples(set)/2)
}
