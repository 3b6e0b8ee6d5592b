// Package cca fits the spatial filters that map the multichannel templates onto the
// stimulus reference waveforms, using canonical correlation analysis.
package cca

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/ftl/cvep/dsp"
	"github.com/ftl/cvep/stim"
)

var (
	ErrLengthMismatch = errors.New("length mismatch")
	ErrDegenerate     = errors.New("degenerate fit")
)

// Model is the fitted first canonical component of one code and band. A Model is immutable.
type Model struct {
	Key stim.Key
	// X are the channel weights.
	X []float64
	// Y is the weight of the reference waveform.
	Y float64
	// Correlation of the first canonical pair.
	Correlation float64

	Template dsp.Matrix
	// TemplateVariate is the template projected through X.
	TemplateVariate []float64
}

// Fit computes the first canonical component between the template channels and the reference waveform.
// The samples are the observations.
func Fit(template dsp.Matrix, reference []float64) (*Model, error) {
	if err := template.Validate(); err != nil {
		return nil, err
	}
	channels := template.Channels()
	samples := template.Samples()
	if samples != len(reference) {
		return nil, fmt.Errorf("%w: template has %d samples, reference has %d", ErrLengthMismatch, samples, len(reference))
	}
	if channels == 0 || samples <= channels+1 {
		return nil, fmt.Errorf("%w: %d samples are not enough for %d channels", ErrDegenerate, samples, channels)
	}
	if !template.Finite() {
		return nil, fmt.Errorf("%w: template is not finite", ErrDegenerate)
	}

	x := mat.NewDense(samples, channels, nil)
	for c, row := range template {
		x.SetCol(c, row)
	}
	y := mat.NewDense(samples, 1, append([]float64(nil), reference...))

	var cc stat.CC
	if err := cc.CanonicalCorrelations(x, y, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}

	correlations := cc.CorrsTo(nil)
	var left, right mat.Dense
	cc.LeftTo(&left, false)
	cc.RightTo(&right, false)

	if len(correlations) == 0 {
		return nil, fmt.Errorf("%w: no canonical correlation", ErrDegenerate)
	}
	rows, _ := left.Dims()
	if rows != channels {
		return nil, fmt.Errorf("%w: got %d channel weights for %d channels", ErrDegenerate, rows, channels)
	}

	weights := mat.Col(nil, 0, &left)
	result := &Model{
		X:           weights,
		Y:           right.At(0, 0),
		Correlation: correlations[0],
		Template:    template.Clone(),
	}
	if !finite(result.X) || !finite([]float64{result.Y, result.Correlation}) {
		return nil, fmt.Errorf("%w: weights are not finite", ErrDegenerate)
	}
	result.TemplateVariate, _ = template.Project(result.X)

	return result, nil
}

func finite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Score returns the Pearson correlation between the projected window and the template variate.
// If the window and the template differ in length, the common prefix is compared.
// A degenerate correlation is 0.
func (m *Model) Score(window dsp.Matrix) (float64, error) {
	variate, err := window.Project(m.X)
	if err != nil {
		return 0, err
	}
	n := min(len(variate), len(m.TemplateVariate))
	return dsp.Correlation(variate[:n], m.TemplateVariate[:n]), nil
}

// ModelSet is a complete set of models, one per code and band. A ModelSet is immutable.
type ModelSet struct {
	ID      uuid.UUID
	Created time.Time
	models  map[stim.Key]*Model
}

func NewModelSet(models ...*Model) *ModelSet {
	result := &ModelSet{
		ID:      uuid.New(),
		Created: time.Now(),
		models:  make(map[stim.Key]*Model, len(models)),
	}
	for _, model := range models {
		result.models[model.Key] = model
	}
	return result
}

func (s *ModelSet) Get(key stim.Key) (*Model, bool) {
	result, ok := s.models[key]
	return result, ok
}

func (s *ModelSet) Len() int {
	return len(s.models)
}

// Covers reports the first of the given keys that has no model.
func (s *ModelSet) Covers(keys []stim.Key) (stim.Key, bool) {
	for _, key := range keys {
		if _, ok := s.models[key]; !ok {
			return key, false
		}
	}
	return stim.Key{}, true
}

// FitAll fits the models for all given keys concurrently, using at most parallelism goroutines.
// parallelism < 1 means one goroutine per CPU. Either all models are fitted, or an error is returned.
func FitAll(ctx context.Context, templates map[stim.Key]dsp.Matrix, waveforms map[stim.Code]stim.Waveform, keys []stim.Key, parallelism int) (*ModelSet, error) {
	if parallelism < 1 {
		parallelism = runtime.NumCPU()
	}

	for _, key := range keys {
		if _, ok := templates[key]; !ok {
			return nil, fmt.Errorf("no template for %v", key)
		}
		if _, ok := waveforms[key.Code]; !ok {
			return nil, fmt.Errorf("no waveform for code %v", key.Code)
		}
	}

	models := make([]*Model, len(keys))
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(parallelism)
	for i, key := range keys {
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			model, err := Fit(templates[key], waveforms[key.Code])
			if err != nil {
				return fmt.Errorf("%v: %w", key, err)
			}
			model.Key = key
			models[i] = model
			log.Debug("model fitted", "key", key, "correlation", model.Correlation)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return NewModelSet(models...), nil
}
