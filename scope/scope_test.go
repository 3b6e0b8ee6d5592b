package scope

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartStopScope(t *testing.T) {
	scope := NewScopeServer("localhost:")

	err := scope.Start()
	require.NoError(t, err)
	assert.True(t, scope.Active())
	assert.NotNil(t, scope.Addr())
	assert.Error(t, scope.Start(), "already started")

	scope.Stop()
	time.Sleep(10 * time.Millisecond)
	assert.False(t, scope.Active())
	assert.Nil(t, scope.Addr())

	// showing frames on a stopped scope is a no-op
	scope.ShowTimeFrame(&TimeFrame{})
}

func TestFrameRoundTrip(t *testing.T) {
	scope := NewScopeServer("localhost:")

	err := scope.Start()
	require.NoError(t, err)
	defer scope.Stop()

	client := NewClient(scope.Addr().String())
	err = client.Open()
	require.NoError(t, err)
	defer client.Close()

	timeFrames, spectralFrames, err := client.GetFrames(context.Background())
	require.NoError(t, err)

	framesReceived := &sync.WaitGroup{}
	framesReceived.Add(2)
	var timeFrame *TimeFrame
	var spectralFrame *SpectralFrame
	go func() {
		for range 2 {
			select {
			case frame := <-timeFrames:
				timeFrame = frame
			case frame := <-spectralFrames:
				spectralFrame = frame
			}
			framesReceived.Done()
		}
	}()
	time.Sleep(100 * time.Millisecond)

	timestamp := time.Date(2024, 3, 1, 12, 30, 0, 500, time.UTC)
	scope.ShowTimeFrame(&TimeFrame{
		Frame:  Frame{Stream: "scores", Timestamp: timestamp},
		Values: map[ChannelID]float64{"1": 0.25, "2": -0.5},
	})
	scope.ShowSpectralFrame(&SpectralFrame{
		Frame:            Frame{Stream: "quality", Timestamp: timestamp},
		FromFrequency:    0,
		ToFrequency:      150,
		Values:           []float64{1, 2, 3},
		FrequencyMarkers: map[MarkerID]float64{"low": 8},
	})
	framesReceived.Wait()

	require.NotNil(t, timeFrame)
	assert.Equal(t, StreamID("scores"), timeFrame.Stream)
	assert.True(t, timestamp.Equal(timeFrame.Timestamp))
	assert.Equal(t, map[ChannelID]float64{"1": 0.25, "2": -0.5}, timeFrame.Values)

	require.NotNil(t, spectralFrame)
	assert.Equal(t, StreamID("quality"), spectralFrame.Stream)
	assert.Equal(t, 150.0, spectralFrame.ToFrequency)
	assert.Equal(t, []float64{1, 2, 3}, spectralFrame.Values)
	assert.Equal(t, map[MarkerID]float64{"low": 8}, spectralFrame.FrequencyMarkers)
	assert.Empty(t, spectralFrame.MagnitudeMarkers)
}

func TestDecodeUnknownFrame(t *testing.T) {
	raw, err := encodeTimeFrame(&TimeFrame{Frame: Frame{Stream: "x"}})
	require.NoError(t, err)
	delete(raw.Fields, "kind")

	_, err = decodeFrame(raw)
	assert.Error(t, err)
}
