package calib

import (
	"fmt"
	"slices"

	"github.com/ftl/cvep/dsp"
	"github.com/ftl/cvep/stim"
)

// Templates holds one channel x epoch template per code and band.
type Templates map[stim.Key]dsp.Matrix

// TemplateBuilder segments calibration spans into epochs and averages the band filtered epochs.
type TemplateBuilder struct {
	bank         *dsp.FilterBank
	epochSamples int
}

func NewTemplateBuilder(bank *dsp.FilterBank, epochSamples int) *TemplateBuilder {
	return &TemplateBuilder{
		bank:         bank,
		epochSamples: epochSamples,
	}
}

func (b *TemplateBuilder) EpochSamples() int {
	return b.epochSamples
}

// Segment splits every span into epochs of exactly EpochSamples samples. The last partial
// epoch of a span is padded with zeros.
func (b *TemplateBuilder) Segment(spans []dsp.Matrix) []dsp.Matrix {
	result := make([]dsp.Matrix, 0)
	for _, span := range spans {
		samples := span.Samples()
		for from := 0; from < samples; from += b.epochSamples {
			to := min(from+b.epochSamples, samples)
			result = append(result, span.Columns(from, to).Fit(b.epochSamples))
		}
	}
	return result
}

// Build returns the templates of one code per band: the mean of all filtered epochs.
func (b *TemplateBuilder) Build(spans []dsp.Matrix) (map[dsp.Band]dsp.Matrix, error) {
	total := 0
	for _, span := range spans {
		total += span.Samples()
	}
	if total < b.epochSamples {
		return nil, fmt.Errorf("%w: %d samples, need at least %d", ErrInsufficientData, total, b.epochSamples)
	}

	epochs := b.Segment(spans)
	return b.bank.ApplyAndAverage(epochs, b.epochSamples)
}

// BuildAll returns the templates of all codes in the snapshot. If one code fails, no templates are returned.
func (b *TemplateBuilder) BuildAll(snapshot map[stim.Code][]dsp.Matrix) (Templates, error) {
	codes := make([]stim.Code, 0, len(snapshot))
	for code := range snapshot {
		codes = append(codes, code)
	}
	slices.Sort(codes)

	result := make(Templates, len(codes)*len(b.bank.Bands()))
	for _, code := range codes {
		templates, err := b.Build(snapshot[code])
		if err != nil {
			return nil, fmt.Errorf("code %v: %w", code, err)
		}
		for band, template := range templates {
			result[stim.Key{Code: code, Band: band}] = template
		}
	}
	return result, nil
}
