// Package source delivers multichannel sample batches from an acquisition device or stream
// to the decoder.
package source

import (
	"github.com/ftl/cvep/dsp"
)

// BatchHandler receives the sample batches of a source. data has one row per channel,
// timestamps has one entry per sample.
type BatchHandler interface {
	Append(stream string, data dsp.Matrix, timestamps []float64) error
}

type BatchHandlerFunc func(stream string, data dsp.Matrix, timestamps []float64) error

func (f BatchHandlerFunc) Append(stream string, data dsp.Matrix, timestamps []float64) error {
	return f(stream, data, timestamps)
}
