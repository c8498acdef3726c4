package metrics

import "github.com/markus-barta/routedeck/internal/protocol"

const bitsPerByte = 8

// SourceBitrate is the ingest rate in bits per second.
func SourceBitrate(s *protocol.Snapshot) Value {
	if s == nil {
		return Unavailable
	}
	return FromPtr(s.Source.BytesInPerSec).Map(toBits)
}

// WorstDestinationBitrate is the lowest outbound rate, in bits per second,
// among destinations that report one. Destinations without a rate are
// skipped rather than counted as zero.
func WorstDestinationBitrate(s *protocol.Snapshot) Value {
	if s == nil {
		return Unavailable
	}
	worst := Unavailable
	for _, d := range s.Destinations {
		rate := FromPtr(d.BytesOutPerSec)
		r, ok := rate.Get()
		if !ok {
			continue
		}
		if w, has := worst.Get(); !has || r < w {
			worst = rate
		}
	}
	return worst.Map(toBits)
}

// ConnectedCallers is the caller count, 0 when not reported.
func ConnectedCallers(s *protocol.Snapshot) int64 {
	if s == nil || s.ConnectedCallers == nil {
		return 0
	}
	return *s.ConnectedCallers
}

// OverviewKPIs is the KPI strip shown on a route's Overview tab.
type OverviewKPIs struct {
	SourceBitrate           Value  `json:"source_bitrate"`
	WorstDestinationBitrate Value  `json:"worst_destination_bitrate"`
	ConnectedCallers        int64  `json:"connected_callers"`
	SourceBitrateText       string `json:"source_bitrate_text"`
	WorstDestinationText    string `json:"worst_destination_bitrate_text"`
}

// Overview derives the Overview KPIs from the latest snapshot (nil before
// the first arrival).
func Overview(s *protocol.Snapshot) OverviewKPIs {
	src := SourceBitrate(s)
	worst := WorstDestinationBitrate(s)
	return OverviewKPIs{
		SourceBitrate:           src,
		WorstDestinationBitrate: worst,
		ConnectedCallers:        ConnectedCallers(s),
		SourceBitrateText:       FormatBitrate(src),
		WorstDestinationText:    FormatBitrate(worst),
	}
}

// DestinationLive holds the live columns of one destination row.
type DestinationLive struct {
	Matched         bool  `json:"matched"`
	Bitrate         Value `json:"bitrate"`
	BytesOutPerSec  Value `json:"bytes_out_per_sec"`
	BytesOutTotal   Value `json:"bytes_out_total"`
	RTT             Value `json:"rtt_ms"`
	PacketLoss      Value `json:"packet_loss"`
	Retransmissions Value `json:"retransmissions"`
}

// LookupDestination joins a destination id with the latest snapshot.
// An id absent from the snapshot yields every column unavailable.
func LookupDestination(s *protocol.Snapshot, id string) DestinationLive {
	if s != nil {
		for i := range s.Destinations {
			d := &s.Destinations[i]
			if d.ID != id {
				continue
			}
			rate := FromPtr(d.BytesOutPerSec)
			return DestinationLive{
				Matched:         true,
				Bitrate:         rate.Map(toBits),
				BytesOutPerSec:  rate,
				BytesOutTotal:   FromPtr(d.BytesOutTotal),
				RTT:             RTT(d.SRT),
				PacketLoss:      PacketLoss(d.SRT),
				Retransmissions: Retransmissions(d.SRT),
			}
		}
	}
	return DestinationLive{
		Bitrate:         Unavailable,
		BytesOutPerSec:  Unavailable,
		BytesOutTotal:   Unavailable,
		RTT:             Unavailable,
		PacketLoss:      Unavailable,
		Retransmissions: Unavailable,
	}
}

// SourceQoS holds the optional SRT quality fields of the ingest.
type SourceQoS struct {
	RTT             Value `json:"rtt_ms"`
	PacketLoss      Value `json:"packet_loss"`
	Retransmissions Value `json:"retransmissions"`
}

// SourceQuality reads the ingest QoS fields.
func SourceQuality(s *protocol.Snapshot) SourceQoS {
	if s == nil {
		return SourceQoS{}
	}
	return SourceQoS{
		RTT:             RTT(s.Source.SRT),
		PacketLoss:      PacketLoss(s.Source.SRT),
		Retransmissions: Retransmissions(s.Source.SRT),
	}
}

func toBits(bytesPerSec float64) float64 {
	return bytesPerSec * bitsPerByte
}
