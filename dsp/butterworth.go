package dsp

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sort"
)

/*

Butterworth bandpass filters, realized as a cascade of second-order sections (biquads).

The design follows the classic route: the poles of the analog lowpass prototype are moved
to the bandpass positions around the pre-warped center frequency, then mapped into the z-plane
by the bilinear transform. Every section carries one zero at z=1 and one at z=-1. Cascading
biquads instead of one high order polynomial keeps the filter numerically stable for the orders
and narrow normalized bands used here.

See also:
* https://www.dsprelated.com/showarticle/1128.php
* https://www.earlevel.com/main/2012/11/26/biquad-c-source-code/

*/

const (
	DefaultFilterOrder = 9

	realPoleEpsilon = 1e-10
)

var ErrInvalidBand = errors.New("invalid frequency band")

// Band is the passband of a bandpass filter in Hz.
type Band struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

func (b Band) String() string {
	return fmt.Sprintf("%g-%gHz", b.Low, b.High)
}

// Validate checks 0 < low < high < sampleRate/2.
func (b Band) Validate(sampleRate float64) error {
	nyquist := 0.5 * sampleRate
	if !(b.Low > 0 && b.Low < b.High && b.High < nyquist) {
		return fmt.Errorf("%w: %v must lie within 0 and %gHz", ErrInvalidBand, b, nyquist)
	}
	return nil
}

// Section is a second-order IIR section in transposed direct form II.
// The leading denominator coefficient is normalized to 1.
type Section struct {
	B0, B1, B2 float64
	A1, A2     float64
}

func (s Section) response(z complex128) complex128 {
	zi := 1 / z
	num := complex(s.B0, 0) + complex(s.B1, 0)*zi + complex(s.B2, 0)*zi*zi
	den := 1 + complex(s.A1, 0)*zi + complex(s.A2, 0)*zi*zi
	return num / den
}

// steadyState returns the initial state of the section for a constant input of 1.
func (s Section) steadyState() (float64, float64) {
	b1 := s.B1 - s.A1*s.B0
	b2 := s.B2 - s.A2*s.B0
	det := 1 + s.A1 + s.A2
	z0 := (b1 + b2) / det
	z1 := ((1+s.A1)*b2 - s.A2*b1) / det
	return z0, z1
}

func (s Section) dcGain() float64 {
	return (s.B0 + s.B1 + s.B2) / (1 + s.A1 + s.A2)
}

// Bandpass is a digital Butterworth bandpass filter.
type Bandpass struct {
	band       Band
	order      int
	sampleRate float64
	sections   []Section
	zi         [][2]float64
}

// NewBandpass designs a Butterworth bandpass of the given order for the given band.
// The resulting filter has 2*order poles, organized in order sections.
func NewBandpass(order int, sampleRate float64, band Band) (*Bandpass, error) {
	if order < 1 {
		return nil, fmt.Errorf("filter order must be positive: %d", order)
	}
	if err := band.Validate(sampleRate); err != nil {
		return nil, err
	}

	// pre-warp the cutoff frequencies for the bilinear transform
	fs2 := 2 * sampleRate
	w1 := fs2 * math.Tan(math.Pi*band.Low/sampleRate)
	w2 := fs2 * math.Tan(math.Pi*band.High/sampleRate)
	bandwidth := w2 - w1
	center := math.Sqrt(w1 * w2)

	poles := make([]complex128, 0, 2*order)
	for k := range order {
		theta := math.Pi * float64(2*k+order+1) / float64(2*order)
		prototype := cmplx.Exp(complex(0, theta))

		half := prototype * complex(bandwidth/2, 0)
		root := cmplx.Sqrt(half*half - complex(center*center, 0))
		for _, analog := range []complex128{half + root, half - root} {
			poles = append(poles, (complex(fs2, 0)+analog)/(complex(fs2, 0)-analog))
		}
	}

	sections, err := pairPoles(poles)
	if err != nil {
		return nil, err
	}

	// normalize to unity gain at the center frequency
	omega := 2 * math.Atan(center/fs2)
	z := cmplx.Exp(complex(0, omega))
	gain := complex(1, 0)
	for _, s := range sections {
		gain *= s.response(z)
	}
	scale := math.Pow(1/cmplx.Abs(gain), 1/float64(len(sections)))
	for i := range sections {
		sections[i].B0 *= scale
		sections[i].B1 *= scale
		sections[i].B2 *= scale
	}

	result := &Bandpass{
		band:       band,
		order:      order,
		sampleRate: sampleRate,
		sections:   sections,
	}
	result.zi = result.initialState()
	return result, nil
}

// pairPoles groups complex conjugate poles and pairs of real poles into sections,
// ordered by increasing pole radius.
func pairPoles(poles []complex128) ([]Section, error) {
	type pair struct {
		radius  float64
		section Section
	}
	pairs := make([]pair, 0, len(poles)/2)
	reals := make([]float64, 0, len(poles))
	for _, p := range poles {
		switch {
		case imag(p) > realPoleEpsilon:
			pairs = append(pairs, pair{
				radius:  cmplx.Abs(p),
				section: Section{B0: 1, B2: -1, A1: -2 * real(p), A2: real(p)*real(p) + imag(p)*imag(p)},
			})
		case imag(p) >= -realPoleEpsilon:
			reals = append(reals, real(p))
		}
	}
	if len(reals)%2 != 0 {
		return nil, fmt.Errorf("cannot pair %d real poles", len(reals))
	}
	sort.Float64s(reals)
	for i := 0; i < len(reals); i += 2 {
		p1, p2 := reals[i], reals[i+1]
		pairs = append(pairs, pair{
			radius:  math.Max(math.Abs(p1), math.Abs(p2)),
			section: Section{B0: 1, B2: -1, A1: -(p1 + p2), A2: p1 * p2},
		})
	}
	if 2*len(pairs) != len(poles) {
		return nil, fmt.Errorf("got %d sections for %d poles", len(pairs), len(poles))
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].radius < pairs[j].radius
	})
	result := make([]Section, len(pairs))
	for i, p := range pairs {
		result[i] = p.section
	}
	return result, nil
}

func (f *Bandpass) initialState() [][2]float64 {
	result := make([][2]float64, len(f.sections))
	scale := 1.0
	for i, s := range f.sections {
		z0, z1 := s.steadyState()
		result[i] = [2]float64{scale * z0, scale * z1}
		scale *= s.dcGain()
	}
	return result
}

func (f *Bandpass) Band() Band {
	return f.band
}

func (f *Bandpass) Order() int {
	return f.order
}

func (f *Bandpass) Sections() []Section {
	return append([]Section(nil), f.sections...)
}

// Response returns the magnitude of the frequency response at the given frequency in Hz.
func (f *Bandpass) Response(frequency float64) float64 {
	z := cmplx.Exp(complex(0, 2*math.Pi*frequency/f.sampleRate))
	result := complex(1, 0)
	for _, s := range f.sections {
		result *= s.response(z)
	}
	return cmplx.Abs(result)
}

// Filter runs the signal once through the cascade, starting from a zero state.
func (f *Bandpass) Filter(x []float64) []float64 {
	result := append([]float64(nil), x...)
	f.filter(result, 0)
	return result
}

// filter runs the cascade in place. The section states start at the steady state
// for a constant input of x0, x0 = 0 means a zero state.
func (f *Bandpass) filter(x []float64, x0 float64) {
	for i, s := range f.sections {
		z0 := f.zi[i][0] * x0
		z1 := f.zi[i][1] * x0
		for n, in := range x {
			out := s.B0*in + z0
			z0 = s.B1*in - s.A1*out + z1
			z1 = s.B2*in - s.A2*out
			x[n] = out
		}
	}
}

// PadLength returns the number of samples used to extend the signal on each side in FiltFilt.
func (f *Bandpass) PadLength() int {
	return 3 * (2*len(f.sections) + 1)
}

// FiltFilt applies the filter forward and backward, which results in zero phase distortion.
// The signal is extended by odd reflection at both ends and each pass starts from the
// steady state, which reduces the transients at the edges. The result has the length of x.
func (f *Bandpass) FiltFilt(x []float64) []float64 {
	n := len(x)
	if n == 0 {
		return []float64{}
	}
	padding := min(f.PadLength(), n-1)

	extended := make([]float64, n+2*padding)
	for i := range padding {
		extended[i] = 2*x[0] - x[padding-i]
		extended[padding+n+i] = 2*x[n-1] - x[n-2-i]
	}
	copy(extended[padding:], x)

	f.filter(extended, extended[0])
	reverse(extended)
	f.filter(extended, extended[0])
	reverse(extended)

	return append([]float64(nil), extended[padding:padding+n]...)
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
