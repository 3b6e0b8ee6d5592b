// Package scope provides insights into the inner workings of the decoder in form of
// time domain and spectral frames that are served to remote clients.
package scope

import (
	"time"
)

type StreamID string
type ChannelID string
type MarkerID string

type Frame struct {
	Stream    StreamID
	Timestamp time.Time
}

type TimeFrame struct {
	Frame
	Values map[ChannelID]float64
}

type SpectralFrame struct {
	Frame
	FromFrequency    float64
	ToFrequency      float64
	Values           []float64
	FrequencyMarkers map[MarkerID]float64
	MagnitudeMarkers map[MarkerID]float64
}

// Scope shows frames.
type Scope interface {
	ShowTimeFrame(*TimeFrame)
	ShowSpectralFrame(*SpectralFrame)
}

type NullScope struct{}

func NewNullScope() *NullScope {
	return &NullScope{}
}

func (s *NullScope) ShowTimeFrame(*TimeFrame)         {}
func (s *NullScope) ShowSpectralFrame(*SpectralFrame) {}
