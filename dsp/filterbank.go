package dsp

import (
	"fmt"
	"sync"
)

// DefaultBands are the passbands used to capture the harmonics of the coded stimulus.
var DefaultBands = []Band{
	{Low: 8, High: 60},
	{Low: 12, High: 60},
	{Low: 30, High: 60},
}

// Apply returns a zero-phase bandpass filtered copy of the segment, filtering each channel independently.
func Apply(segment Matrix, band Band, order int, sampleRate float64) (Matrix, error) {
	filter, err := NewBandpass(order, sampleRate, band)
	if err != nil {
		return nil, err
	}
	return applyFilter(segment, filter), nil
}

func applyFilter(segment Matrix, filter *Bandpass) Matrix {
	result := make(Matrix, len(segment))
	for i, row := range segment {
		result[i] = filter.FiltFilt(row)
	}
	return result
}

// FilterBank is a fixed set of bandpass filters that share the sample rate and the filter order.
// The filter designs are cached per band. A FilterBank is safe for concurrent use.
type FilterBank struct {
	sampleRate float64
	order      int
	bands      []Band

	filtersLock sync.RWMutex
	filters     map[Band]*Bandpass
}

// NewFilterBank designs the filters for all given bands.
func NewFilterBank(sampleRate float64, order int, bands ...Band) (*FilterBank, error) {
	if len(bands) == 0 {
		return nil, fmt.Errorf("a filter bank needs at least one band")
	}
	result := &FilterBank{
		sampleRate: sampleRate,
		order:      order,
		bands:      append([]Band(nil), bands...),
		filters:    make(map[Band]*Bandpass, len(bands)),
	}
	for _, band := range bands {
		if _, err := result.filter(band); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (b *FilterBank) SampleRate() float64 {
	return b.sampleRate
}

func (b *FilterBank) Order() int {
	return b.order
}

// Bands returns the configured bands in their configured order.
func (b *FilterBank) Bands() []Band {
	return append([]Band(nil), b.bands...)
}

func (b *FilterBank) filter(band Band) (*Bandpass, error) {
	b.filtersLock.RLock()
	filter, ok := b.filters[band]
	b.filtersLock.RUnlock()
	if ok {
		return filter, nil
	}

	filter, err := NewBandpass(b.order, b.sampleRate, band)
	if err != nil {
		return nil, err
	}

	b.filtersLock.Lock()
	defer b.filtersLock.Unlock()
	b.filters[band] = filter
	return filter, nil
}

// Apply filters the segment with the bandpass for the given band.
func (b *FilterBank) Apply(segment Matrix, band Band) (Matrix, error) {
	if err := segment.Validate(); err != nil {
		return nil, err
	}
	filter, err := b.filter(band)
	if err != nil {
		return nil, err
	}
	return applyFilter(segment, filter), nil
}

// ApplyAndAverage fits every segment to targetLength columns (zero padding or truncation),
// filters it with every band of the bank, and returns the column-wise mean over all
// segments per band. The segments must have the same number of channels.
func (b *FilterBank) ApplyAndAverage(segments []Matrix, targetLength int) (map[Band]Matrix, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("no segments to average")
	}
	if targetLength < 1 {
		return nil, fmt.Errorf("invalid target length %d", targetLength)
	}
	channels := segments[0].Channels()
	fitted := make([]Matrix, len(segments))
	for i, segment := range segments {
		if err := segment.Validate(); err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		if segment.Channels() != channels {
			return nil, fmt.Errorf("segment %d has %d channels, expected %d", i, segment.Channels(), channels)
		}
		fitted[i] = segment.Fit(targetLength)
	}

	result := make(map[Band]Matrix, len(b.bands))
	for _, band := range b.bands {
		filter, err := b.filter(band)
		if err != nil {
			return nil, err
		}
		mean := NewMatrix(channels, targetLength)
		for _, segment := range fitted {
			filtered := applyFilter(segment, filter)
			for c, row := range filtered {
				for n, v := range row {
					mean[c][n] += v
				}
			}
		}
		count := float64(len(fitted))
		for _, row := range mean {
			for n := range row {
				row[n] /= count
			}
		}
		result[band] = mean
	}
	return result, nil
}
