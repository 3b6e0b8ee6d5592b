// Package stream keeps the recent history of named multichannel sample streams in memory.
package stream

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ftl/cvep/dsp"
)

var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrNonMonotonic  = errors.New("timestamps not monotonic")
	ErrUnknownStream = errors.New("unknown stream")
)

// Reader provides read access to a buffer. Positions are absolute sample indexes,
// counted from the first sample ever appended to the buffer.
type Reader interface {
	Channels() int
	Offset() int64
	End() int64
	Window(from, to int64) (dsp.Matrix, []float64, error)
}

// Buffer is an append-only multichannel time series with a parallel timestamp vector.
// The oldest samples can be evicted. A Buffer is not safe for concurrent use, see Store.
type Buffer struct {
	channels   int
	data       dsp.Matrix
	timestamps []float64
	offset     int64
}

// NewBuffer returns an empty buffer for the given number of channels.
func NewBuffer(channels int) *Buffer {
	return &Buffer{
		channels:   channels,
		data:       dsp.NewMatrix(channels, 0),
		timestamps: make([]float64, 0),
	}
}

// Channels returns the fixed number of channels.
func (b *Buffer) Channels() int {
	return b.channels
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	return len(b.timestamps)
}

// Offset returns the absolute position of the first buffered sample.
func (b *Buffer) Offset() int64 {
	return b.offset
}

// End returns the absolute position after the last buffered sample.
func (b *Buffer) End() int64 {
	return b.offset + int64(len(b.timestamps))
}

// Matrix returns the buffered samples. The returned rows share memory with the buffer
// and must not be modified.
func (b *Buffer) Matrix() dsp.Matrix {
	result := make(dsp.Matrix, len(b.data))
	copy(result, b.data)
	return result
}

// Timestamps returns the buffered timestamps. The returned slice shares memory with the buffer
// and must not be modified.
func (b *Buffer) Timestamps() []float64 {
	return b.timestamps
}

// Append adds the given samples. data must have one row per channel, and one timestamp per column.
func (b *Buffer) Append(data dsp.Matrix, timestamps []float64) error {
	if data.Channels() != b.channels {
		return fmt.Errorf("%w: got %d channels, expected %d", ErrShapeMismatch, data.Channels(), b.channels)
	}
	if err := data.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	if data.Samples() != len(timestamps) {
		return fmt.Errorf("%w: got %d samples with %d timestamps", ErrShapeMismatch, data.Samples(), len(timestamps))
	}
	last := 0.0
	if len(b.timestamps) > 0 {
		last = b.timestamps[len(b.timestamps)-1]
	}
	for i, timestamp := range timestamps {
		if math.IsNaN(timestamp) {
			return fmt.Errorf("%w: NaN at sample %d", ErrNonMonotonic, i)
		}
		if (i > 0 || len(b.timestamps) > 0) && timestamp < last {
			return fmt.Errorf("%w: %f after %f", ErrNonMonotonic, timestamp, last)
		}
		last = timestamp
	}

	for i, row := range data {
		b.data[i] = append(b.data[i], row...)
	}
	b.timestamps = append(b.timestamps, timestamps...)
	return nil
}

// EvictPrefix drops all but the last keepLastN samples. The kept samples are moved into
// new backing arrays, so the evicted memory can be released.
func (b *Buffer) EvictPrefix(keepLastN int) int {
	keepLastN = max(0, keepLastN)
	evicted := len(b.timestamps) - keepLastN
	if evicted <= 0 {
		return 0
	}

	for i, row := range b.data {
		kept := make([]float64, keepLastN, max(keepLastN, cap(row)/2))
		copy(kept, row[evicted:])
		b.data[i] = kept
	}
	kept := make([]float64, keepLastN, max(keepLastN, cap(b.timestamps)/2))
	copy(kept, b.timestamps[evicted:])
	b.timestamps = kept
	b.offset += int64(evicted)
	return evicted
}

// Clear drops all samples. The channel count stays the same.
func (b *Buffer) Clear() {
	b.offset = b.End()
	b.data = dsp.NewMatrix(b.channels, 0)
	b.timestamps = make([]float64, 0)
}

// Tail returns a copy of the last n samples, or of all samples if the buffer holds less than n.
func (b *Buffer) Tail(n int) (dsp.Matrix, []float64) {
	from := max(0, len(b.timestamps)-max(0, n))
	return b.data.Columns(from, len(b.timestamps)), copyOf(b.timestamps[from:])
}

// Window returns a copy of the samples at the absolute positions [from, to).
func (b *Buffer) Window(from, to int64) (dsp.Matrix, []float64, error) {
	if from < b.offset || to > b.End() || from > to {
		return nil, nil, fmt.Errorf("window [%d, %d) is not within [%d, %d)", from, to, b.offset, b.End())
	}
	start := int(from - b.offset)
	end := int(to - b.offset)
	return b.data.Columns(start, end), copyOf(b.timestamps[start:end]), nil
}

func copyOf(values []float64) []float64 {
	result := make([]float64, len(values))
	copy(result, values)
	return result
}

// Store holds named buffers. Each buffer is guarded by its own read-write lock.
type Store struct {
	streamsLock sync.RWMutex
	streams     map[string]*lockedBuffer
}

type lockedBuffer struct {
	sync.RWMutex
	buffer *Buffer
}

func NewStore() *Store {
	return &Store{
		streams: make(map[string]*lockedBuffer),
	}
}

func (s *Store) stream(name string) (*lockedBuffer, bool) {
	s.streamsLock.RLock()
	defer s.streamsLock.RUnlock()
	result, ok := s.streams[name]
	return result, ok
}

// Create adds an empty buffer with the given channel count, if the stream does not exist yet.
func (s *Store) Create(name string, channels int) error {
	s.streamsLock.Lock()
	defer s.streamsLock.Unlock()
	existing, ok := s.streams[name]
	if !ok {
		s.streams[name] = &lockedBuffer{buffer: NewBuffer(channels)}
		return nil
	}
	if existing.buffer.Channels() != channels {
		return fmt.Errorf("%w: stream %s has %d channels, not %d", ErrShapeMismatch, name, existing.buffer.Channels(), channels)
	}
	return nil
}

// Append adds samples to the named stream. The stream is created on first use.
func (s *Store) Append(name string, data dsp.Matrix, timestamps []float64) error {
	if err := s.Create(name, data.Channels()); err != nil {
		return err
	}
	stream, _ := s.stream(name)
	stream.Lock()
	defer stream.Unlock()
	return stream.buffer.Append(data, timestamps)
}

// Get returns a view of the named stream's current samples and timestamps.
func (s *Store) Get(name string) (dsp.Matrix, []float64, error) {
	var data dsp.Matrix
	var timestamps []float64
	err := s.Read(name, func(b *Buffer) {
		data = b.Matrix()
		timestamps = b.Timestamps()
	})
	return data, timestamps, err
}

// Read runs f with the named buffer while holding its read lock.
func (s *Store) Read(name string, f func(*Buffer)) error {
	stream, ok := s.stream(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	stream.RLock()
	defer stream.RUnlock()
	f(stream.buffer)
	return nil
}

// Len returns the number of buffered samples of the named stream, 0 for an unknown stream.
func (s *Store) Len(name string) int {
	result := 0
	s.Read(name, func(b *Buffer) {
		result = b.Len()
	})
	return result
}

// EvictPrefix drops all but the last keepLastN samples of the named stream.
func (s *Store) EvictPrefix(name string, keepLastN int) (int, error) {
	stream, ok := s.stream(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	stream.Lock()
	defer stream.Unlock()
	return stream.buffer.EvictPrefix(keepLastN), nil
}

// Clear drops all samples of the named stream.
func (s *Store) Clear(name string) error {
	stream, ok := s.stream(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	stream.Lock()
	defer stream.Unlock()
	stream.buffer.Clear()
	return nil
}
