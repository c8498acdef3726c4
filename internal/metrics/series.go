package metrics

import (
	"time"

	"github.com/markus-barta/routedeck/internal/history"
	"github.com/markus-barta/routedeck/internal/protocol"
)

// Point is one chart sample. Missing samples stay Unavailable so charts
// draw a gap instead of a drop to zero.
type Point struct {
	At    time.Time `json:"at"`
	Label string    `json:"label"`
	Value Value     `json:"value"`
}

// Series maps every buffered entry through f, oldest first.
func Series(entries []history.Entry, f func(*protocol.Snapshot) Value) []Point {
	out := make([]Point, len(entries))
	for i := range entries {
		out[i] = Point{
			At:    entries[i].At,
			Label: entries[i].Label,
			Value: f(&entries[i].Snapshot),
		}
	}
	return out
}

// SourceBitrateSeries charts the ingest bit rate.
func SourceBitrateSeries(entries []history.Entry) []Point {
	return Series(entries, SourceBitrate)
}

// WorstDestinationSeries charts the worst destination bit rate.
func WorstDestinationSeries(entries []history.Entry) []Point {
	return Series(entries, WorstDestinationBitrate)
}

// BytesInTotalSeries charts the cumulative ingest byte count.
func BytesInTotalSeries(entries []history.Entry) []Point {
	return Series(entries, func(s *protocol.Snapshot) Value {
		return FromPtr(s.Source.BytesInTotal)
	})
}

// DestinationBitrateSeries charts one destination's outbound bit rate.
func DestinationBitrateSeries(entries []history.Entry, id string) []Point {
	return Series(entries, func(s *protocol.Snapshot) Value {
		return LookupDestination(s, id).Bitrate
	})
}
