// Package calib collects labeled calibration data and builds the per code and band templates from it.
package calib

import (
	"errors"
	"fmt"

	"github.com/ftl/cvep/dsp"
	"github.com/ftl/cvep/stim"
)

var (
	ErrUnknownCode      = errors.New("unknown code")
	ErrInsufficientData = errors.New("insufficient calibration data")
	ErrChannelMismatch  = errors.New("channel count mismatch")
)

// Arena stores the submitted calibration spans per code. The number of samples per code
// is bounded by the capacity, the oldest samples are discarded first in whole epochs,
// so every stored span keeps its phase relative to the stimulation cycle.
// An Arena is not safe for concurrent use.
type Arena struct {
	channels     int
	capacity     int
	epochSamples int
	spans        map[stim.Code][]dsp.Matrix
	samples      map[stim.Code]int
}

// NewArena returns an empty arena for the given codes. A capacity < 1 means unbounded.
func NewArena(codes []stim.Code, channels int, capacity int, epochSamples int) *Arena {
	result := &Arena{
		channels:     channels,
		capacity:     capacity,
		epochSamples: max(1, epochSamples),
		spans:        make(map[stim.Code][]dsp.Matrix, len(codes)),
		samples:      make(map[stim.Code]int, len(codes)),
	}
	for _, code := range codes {
		result.spans[code] = nil
	}
	return result
}

func (a *Arena) Channels() int {
	return a.channels
}

func (a *Arena) Capacity() int {
	return a.capacity
}

// Add stores a copy of the span for the given code.
func (a *Arena) Add(code stim.Code, span dsp.Matrix) error {
	spans, ok := a.spans[code]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownCode, code)
	}
	if err := span.Validate(); err != nil {
		return err
	}
	if span.Channels() != a.channels {
		return fmt.Errorf("%w: span has %d channels, expected %d", ErrChannelMismatch, span.Channels(), a.channels)
	}
	if span.Samples() == 0 {
		return nil
	}

	spans = append(spans, span.Clone())
	samples := a.samples[code] + span.Samples()
	for a.capacity > 0 && samples > a.capacity {
		excess := samples - a.capacity
		trim := ((excess + a.epochSamples - 1) / a.epochSamples) * a.epochSamples
		oldest := spans[0]
		if oldest.Samples() <= trim {
			spans = spans[1:]
			samples -= oldest.Samples()
			continue
		}
		spans[0] = oldest.Columns(trim, oldest.Samples())
		samples -= trim
	}
	a.spans[code] = spans
	a.samples[code] = samples
	return nil
}

// Spans returns the stored spans of the given code, oldest first.
func (a *Arena) Spans(code stim.Code) ([]dsp.Matrix, error) {
	spans, ok := a.spans[code]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownCode, code)
	}
	return append([]dsp.Matrix(nil), spans...), nil
}

// Samples returns the number of stored samples of the given code.
func (a *Arena) Samples(code stim.Code) int {
	return a.samples[code]
}

// Snapshot returns the stored spans of all codes. The spans are never modified
// by the arena, so the snapshot stays valid after further calls to Add or Reset.
func (a *Arena) Snapshot() map[stim.Code][]dsp.Matrix {
	result := make(map[stim.Code][]dsp.Matrix, len(a.spans))
	for code, spans := range a.spans {
		result[code] = append([]dsp.Matrix(nil), spans...)
	}
	return result
}

// Reset drops all stored spans.
func (a *Arena) Reset() {
	for code := range a.spans {
		a.spans[code] = nil
		a.samples[code] = 0
	}
}
