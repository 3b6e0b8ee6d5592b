package scope

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

const (
	timeFrameKind     = "time"
	spectralFrameKind = "spectral"
)

func encodeTimeFrame(timeFrame *TimeFrame) (*structpb.Struct, error) {
	values := make(map[string]any, len(timeFrame.Values))
	for channel, value := range timeFrame.Values {
		values[string(channel)] = value
	}
	return structpb.NewStruct(map[string]any{
		"kind":      timeFrameKind,
		"stream":    string(timeFrame.Stream),
		"timestamp": timeFrame.Timestamp.Format(time.RFC3339Nano),
		"values":    values,
	})
}

func encodeSpectralFrame(spectralFrame *SpectralFrame) (*structpb.Struct, error) {
	values := make([]any, len(spectralFrame.Values))
	for i, value := range spectralFrame.Values {
		values[i] = value
	}
	return structpb.NewStruct(map[string]any{
		"kind":              spectralFrameKind,
		"stream":            string(spectralFrame.Stream),
		"timestamp":         spectralFrame.Timestamp.Format(time.RFC3339Nano),
		"from_frequency":    spectralFrame.FromFrequency,
		"to_frequency":      spectralFrame.ToFrequency,
		"values":            values,
		"frequency_markers": encodeMarkers(spectralFrame.FrequencyMarkers),
		"magnitude_markers": encodeMarkers(spectralFrame.MagnitudeMarkers),
	})
}

func encodeMarkers(markers map[MarkerID]float64) map[string]any {
	result := make(map[string]any, len(markers))
	for marker, value := range markers {
		result[string(marker)] = value
	}
	return result
}

// decodeFrame returns either a *TimeFrame or a *SpectralFrame.
func decodeFrame(raw *structpb.Struct) (any, error) {
	fields := raw.GetFields()
	frame := Frame{
		Stream: StreamID(fields["stream"].GetStringValue()),
	}
	if timestamp := fields["timestamp"].GetStringValue(); timestamp != "" {
		var err error
		frame.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("invalid frame timestamp: %w", err)
		}
	}

	switch kind := fields["kind"].GetStringValue(); kind {
	case timeFrameKind:
		result := &TimeFrame{
			Frame:  frame,
			Values: make(map[ChannelID]float64),
		}
		for channel, value := range fields["values"].GetStructValue().GetFields() {
			result.Values[ChannelID(channel)] = value.GetNumberValue()
		}
		return result, nil
	case spectralFrameKind:
		values := fields["values"].GetListValue().GetValues()
		result := &SpectralFrame{
			Frame:            frame,
			FromFrequency:    fields["from_frequency"].GetNumberValue(),
			ToFrequency:      fields["to_frequency"].GetNumberValue(),
			Values:           make([]float64, len(values)),
			FrequencyMarkers: decodeMarkers(fields["frequency_markers"]),
			MagnitudeMarkers: decodeMarkers(fields["magnitude_markers"]),
		}
		for i, value := range values {
			result.Values[i] = value.GetNumberValue()
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unknown frame kind %q", kind)
	}
}

func decodeMarkers(raw *structpb.Value) map[MarkerID]float64 {
	result := make(map[MarkerID]float64)
	for marker, value := range raw.GetStructValue().GetFields() {
		result[MarkerID(marker)] = value.GetNumberValue()
	}
	return result
}
