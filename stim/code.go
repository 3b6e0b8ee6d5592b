// Package stim describes the coded visual stimuli: the code identifiers, their binary
// sequences and the reference waveforms derived from them.
package stim

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/ftl/cvep/dsp"
)

// DefaultBitDuration is the duration of a single sequence bit on screen.
const DefaultBitDuration = 0.033

var ErrInvalidSequence = errors.New("invalid sequence")

// Code identifies a stimulus choice.
type Code int

// None is the "no detection" sentinel.
const None Code = -1

func (c Code) String() string {
	if c == None {
		return "none"
	}
	return strconv.Itoa(int(c))
}

// ParseCode parses a code identifier. "none" is accepted as None.
func ParseCode(s string) (Code, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "none") {
		return None, nil
	}
	value, err := strconv.Atoi(s)
	if err != nil {
		return None, fmt.Errorf("invalid code %q: %w", s, err)
	}
	if value < 0 {
		return None, fmt.Errorf("invalid code %d: must not be negative", value)
	}
	return Code(value), nil
}

// Key addresses per code and band values like templates and models.
type Key struct {
	Code Code
	Band dsp.Band
}

func (k Key) String() string {
	return fmt.Sprintf("%v@%v", k.Code, k.Band)
}

// Sequence is the binary sequence that modulates a stimulus.
type Sequence []int

// DefaultSequences are the three 31 bit m-sequences for the codes 1, 2 and 3.
var DefaultSequences = map[Code]Sequence{
	1: {1, 0, 1, 0, 0, 1, 1, 0, 1, 1, 1, 1, 1, 0, 1, 0, 0, 1, 0, 1, 0, 1, 1, 1, 0, 0, 0, 0, 1, 1, 0},
	2: {1, 1, 1, 0, 1, 0, 0, 1, 0, 1, 0, 1, 1, 1, 0, 0, 0, 0, 1, 1, 0, 1, 0, 1, 0, 0, 1, 1, 0, 1, 1},
	3: {0, 1, 0, 1, 0, 0, 1, 1, 0, 1, 1, 1, 1, 1, 0, 1, 0, 0, 1, 0, 1, 0, 1, 1, 1, 0, 0, 0, 0, 1, 1},
}

// ParseSequence parses a string of 0 and 1 characters. Blanks and commas are ignored.
func ParseSequence(s string) (Sequence, error) {
	result := make(Sequence, 0, len(s))
	for _, r := range s {
		switch r {
		case '0':
			result = append(result, 0)
		case '1':
			result = append(result, 1)
		case ' ', ',', '\t':
		default:
			return nil, fmt.Errorf("%w: unexpected character %q", ErrInvalidSequence, r)
		}
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSequence)
	}
	return result, nil
}

func (s Sequence) String() string {
	var b strings.Builder
	for _, bit := range s {
		b.WriteString(strconv.Itoa(bit))
	}
	return b.String()
}

// Validate checks that the sequence is not empty and contains only 0 and 1.
func (s Sequence) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidSequence)
	}
	for i, bit := range s {
		if bit != 0 && bit != 1 {
			return fmt.Errorf("%w: bit %d is %d", ErrInvalidSequence, i, bit)
		}
	}
	return nil
}

// EpochSamples returns the number of samples of one full sequence cycle:
// floor(length * bitDuration * sampleRate).
func EpochSamples(length int, bitDuration float64, sampleRate float64) int {
	// 3 * 0.3 * 100 is 89.99999999999999 in float64
	return int(math.Floor(float64(length)*bitDuration*sampleRate + 1e-9))
}

// Waveform is a sequence expanded to the sample rate. It must not be modified.
type Waveform []float64

// NewWaveform repeats every bit of the sequence floor(epochSamples / len(sequence)) times
// and right-pads the result with zeros to exactly epochSamples values.
func NewWaveform(sequence Sequence, epochSamples int) Waveform {
	result := make(Waveform, max(0, epochSamples))
	if len(sequence) == 0 {
		return result
	}
	repeat := epochSamples / len(sequence)
	for i, bit := range sequence {
		for j := range repeat {
			result[i*repeat+j] = float64(bit)
		}
	}
	return result
}

// Stimulus binds a code to its sequence and the derived reference waveform.
type Stimulus struct {
	Code     Code
	Sequence Sequence
	Waveform Waveform
}

// Set is the immutable collection of configured stimuli, ordered by code.
type Set struct {
	stimuli      []Stimulus
	byCode       map[Code]int
	epochSamples int
}

// NewSet computes the waveforms of all given sequences. All sequences must have the same length.
func NewSet(sequences map[Code]Sequence, bitDuration float64, sampleRate float64) (*Set, error) {
	if len(sequences) == 0 {
		return nil, fmt.Errorf("%w: no sequences", ErrInvalidSequence)
	}
	codes := make([]Code, 0, len(sequences))
	length := -1
	for code, sequence := range sequences {
		if code < 0 {
			return nil, fmt.Errorf("invalid code %d: must not be negative", code)
		}
		if err := sequence.Validate(); err != nil {
			return nil, fmt.Errorf("code %v: %w", code, err)
		}
		if length == -1 {
			length = len(sequence)
		} else if length != len(sequence) {
			return nil, fmt.Errorf("%w: code %v has %d bits, expected %d", ErrInvalidSequence, code, len(sequence), length)
		}
		codes = append(codes, code)
	}
	slices.Sort(codes)

	epochSamples := EpochSamples(length, bitDuration, sampleRate)
	if epochSamples < length {
		return nil, fmt.Errorf("%w: epoch of %d samples is shorter than the sequence", ErrInvalidSequence, epochSamples)
	}

	result := &Set{
		stimuli:      make([]Stimulus, len(codes)),
		byCode:       make(map[Code]int, len(codes)),
		epochSamples: epochSamples,
	}
	for i, code := range codes {
		sequence := append(Sequence(nil), sequences[code]...)
		result.stimuli[i] = Stimulus{
			Code:     code,
			Sequence: sequence,
			Waveform: NewWaveform(sequence, epochSamples),
		}
		result.byCode[code] = i
	}
	return result, nil
}

// EpochSamples returns the common epoch length of all waveforms.
func (s *Set) EpochSamples() int {
	return s.epochSamples
}

// Codes returns the configured codes in ascending order.
func (s *Set) Codes() []Code {
	result := make([]Code, len(s.stimuli))
	for i, stimulus := range s.stimuli {
		result[i] = stimulus.Code
	}
	return result
}

func (s *Set) Stimuli() []Stimulus {
	return s.stimuli
}

func (s *Set) Has(code Code) bool {
	_, ok := s.byCode[code]
	return ok
}

// Waveform returns the reference waveform of the given code.
func (s *Set) Waveform(code Code) (Waveform, bool) {
	i, ok := s.byCode[code]
	if !ok {
		return nil, false
	}
	return s.stimuli[i].Waveform, true
}

// Waveforms returns the reference waveforms of all codes.
func (s *Set) Waveforms() map[Code]Waveform {
	result := make(map[Code]Waveform, len(s.stimuli))
	for _, stimulus := range s.stimuli {
		result[stimulus.Code] = stimulus.Waveform
	}
	return result
}

// Keys returns all (code, band) combinations, ordered by code, then by the given band order.
func (s *Set) Keys(bands []dsp.Band) []Key {
	result := make([]Key, 0, len(s.stimuli)*len(bands))
	for _, stimulus := range s.stimuli {
		for _, band := range bands {
			result = append(result, Key{Code: stimulus.Code, Band: band})
		}
	}
	return result
}
