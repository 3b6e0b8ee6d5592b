package decode

import (
	"errors"

	"github.com/ftl/cvep/stim"
)

const DefaultVoteCapacity = 256

var ErrNoConsensus = errors.New("no consensus")

// VoteAggregator collects the detected codes and computes the plurality vote over them.
// The history is bounded, the oldest votes are dropped first.
type VoteAggregator struct {
	capacity int
	history  []stim.Code
}

// NewVoteAggregator returns an empty aggregator. A capacity < 1 means the default capacity.
func NewVoteAggregator(capacity int) *VoteAggregator {
	if capacity < 1 {
		capacity = DefaultVoteCapacity
	}
	return &VoteAggregator{
		capacity: capacity,
		history:  make([]stim.Code, 0, capacity),
	}
}

// Record adds the code of the detection to the history.
func (a *VoteAggregator) Record(detection Detection) {
	if len(a.history) == a.capacity {
		copy(a.history, a.history[1:])
		a.history = a.history[:len(a.history)-1]
	}
	a.history = append(a.history, detection.Code)
}

// Consensus returns the code with the most votes, ignoring stim.None. Ties are resolved in favor
// of the code that appears first in the history.
func (a *VoteAggregator) Consensus() (stim.Code, error) {
	counts := make(map[stim.Code]int)
	order := make([]stim.Code, 0)
	for _, code := range a.history {
		if code == stim.None {
			continue
		}
		if counts[code] == 0 {
			order = append(order, code)
		}
		counts[code]++
	}

	result := stim.None
	for _, code := range order {
		if result == stim.None || counts[code] > counts[result] {
			result = code
		}
	}
	if result == stim.None {
		return stim.None, ErrNoConsensus
	}
	return result, nil
}

// Reset clears the history.
func (a *VoteAggregator) Reset() {
	a.history = a.history[:0]
}

// Len returns the number of recorded detections, including stim.None.
func (a *VoteAggregator) Len() int {
	return len(a.history)
}

// Counts returns the number of votes per code, including stim.None.
func (a *VoteAggregator) Counts() map[stim.Code]int {
	result := make(map[stim.Code]int)
	for _, code := range a.history {
		result[code]++
	}
	return result
}
