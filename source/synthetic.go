package source

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ftl/cvep/dsp"
	"github.com/ftl/cvep/stim"
)

const (
	defaultBatchSize = 30
	defaultAmplitude = 1.0
	defaultNoise     = 0.5
)

// Synthetic generates noise on all channels and injects the reference waveform of the selected
// code with a decreasing gain per channel. It can be run paced in real time, or emit samples on demand.
type Synthetic struct {
	stream     string
	channels   int
	sampleRate float64
	batchSize  int
	amplitude  float64
	noise      float64
	stimuli    *stim.Set
	handler    BatchHandler
	startTime  float64

	lock       sync.Mutex
	random     *rand.Rand
	code       stim.Code
	phaseStart int64
	position   int64
}

type SyntheticOption func(*Synthetic)

func WithBatchSize(batchSize int) SyntheticOption {
	return func(s *Synthetic) {
		s.batchSize = max(1, batchSize)
	}
}

func WithNoise(noise float64) SyntheticOption {
	return func(s *Synthetic) {
		s.noise = noise
	}
}

func WithAmplitude(amplitude float64) SyntheticOption {
	return func(s *Synthetic) {
		s.amplitude = amplitude
	}
}

func WithSeed(seed int64) SyntheticOption {
	return func(s *Synthetic) {
		s.random = rand.New(rand.NewSource(seed))
	}
}

// WithStartTime sets the timestamp of the first sample in seconds.
func WithStartTime(startTime float64) SyntheticOption {
	return func(s *Synthetic) {
		s.startTime = startTime
	}
}

func NewSynthetic(stream string, channels int, sampleRate float64, stimuli *stim.Set, handler BatchHandler, options ...SyntheticOption) *Synthetic {
	result := &Synthetic{
		stream:     stream,
		channels:   channels,
		sampleRate: sampleRate,
		batchSize:  defaultBatchSize,
		amplitude:  defaultAmplitude,
		noise:      defaultNoise,
		stimuli:    stimuli,
		handler:    handler,
		startTime:  float64(time.Now().UnixNano()) / float64(time.Second),
		random:     rand.New(rand.NewSource(time.Now().UnixNano())),
		code:       stim.None,
	}
	for _, option := range options {
		option(result)
	}
	return result
}

// SetCode selects the injected code. The stimulus cycle of the code starts with the next sample.
// stim.None injects nothing.
func (s *Synthetic) SetCode(code stim.Code) error {
	if code != stim.None && !s.stimuli.Has(code) {
		return fmt.Errorf("unknown code %v", code)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.code = code
	s.phaseStart = s.position
	log.Debug("synthetic stimulus", "code", code, "position", s.position)
	return nil
}

func (s *Synthetic) Code() stim.Code {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.code
}

// Position returns the number of samples generated so far.
func (s *Synthetic) Position() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.position
}

// Next generates the next n samples.
func (s *Synthetic) Next(n int) (dsp.Matrix, []float64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var waveform stim.Waveform
	if s.code != stim.None {
		waveform, _ = s.stimuli.Waveform(s.code)
	}

	data := dsp.NewMatrix(s.channels, n)
	timestamps := make([]float64, n)
	for i := range n {
		position := s.position + int64(i)
		var stimulus float64
		if len(waveform) > 0 {
			stimulus = s.amplitude * waveform[(position-s.phaseStart)%int64(len(waveform))]
		}
		for c := range data {
			gain := max(0.2, 1-0.2*float64(c))
			data[c][i] = gain*stimulus + s.noise*s.random.NormFloat64()
		}
		timestamps[i] = s.startTime + float64(position)/s.sampleRate
	}
	s.position += int64(n)
	return data, timestamps
}

// Emit generates the next n samples and hands them over in batches.
func (s *Synthetic) Emit(n int) error {
	for n > 0 {
		size := min(n, s.batchSize)
		data, timestamps := s.Next(size)
		if err := s.handler.Append(s.stream, data, timestamps); err != nil {
			return err
		}
		n -= size
	}
	return nil
}

// Run emits one batch per batch period until the context is done.
func (s *Synthetic) Run(ctx context.Context) {
	period := time.Duration(float64(s.batchSize) / s.sampleRate * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	log.Info("synthetic source running", "stream", s.stream, "channels", s.channels, "sample_rate", s.sampleRate)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Emit(s.batchSize); err != nil {
				log.Warn("cannot append synthetic batch", "error", err)
			}
		}
	}
}
