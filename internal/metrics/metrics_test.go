package metrics

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/markus-barta/routedeck/internal/history"
	"github.com/markus-barta/routedeck/internal/protocol"
)

func destinations(rates ...*float64) []protocol.DestinationStats {
	out := make([]protocol.DestinationStats, len(rates))
	for i, r := range rates {
		out[i] = protocol.DestinationStats{ID: string(rune('a' + i)), BytesOutPerSec: r}
	}
	return out
}

func TestSourceBitrate(t *testing.T) {
	tests := []struct {
		name     string
		snapshot *protocol.Snapshot
		want     Value
		wantText string
	}{
		{"nil snapshot", nil, Unavailable, "N/A"},
		{"missing rate", &protocol.Snapshot{}, Unavailable, "N/A"},
		{"1000 bytes/sec", &protocol.Snapshot{Source: protocol.SourceStats{BytesInPerSec: protocol.Float(1000)}}, Available(8000), "8,000 bps"},
		{"zero is a real reading", &protocol.Snapshot{Source: protocol.SourceStats{BytesInPerSec: protocol.Float(0)}}, Available(0), "0 bps"},
		{"rounds to integer", &protocol.Snapshot{Source: protocol.SourceStats{BytesInPerSec: protocol.Float(0.3)}}, Available(2.4), "2 bps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SourceBitrate(tt.snapshot)
			if got != tt.want {
				t.Errorf("SourceBitrate() = %v, want %v", got, tt.want)
			}
			if text := FormatBitrate(got); text != tt.wantText {
				t.Errorf("FormatBitrate() = %q, want %q", text, tt.wantText)
			}
		})
	}
}

func TestWorstDestinationBitrate(t *testing.T) {
	tests := []struct {
		name  string
		dests []protocol.DestinationStats
		want  Value
	}{
		{"mixed with missing", destinations(protocol.Float(10), protocol.Float(20), nil), Available(80)},
		{"all missing", destinations(nil, nil), Unavailable},
		{"no destinations", nil, Unavailable},
		{"zero rate counts", destinations(protocol.Float(5), protocol.Float(0)), Available(0)},
		{"equal values", destinations(protocol.Float(7), protocol.Float(7)), Available(56)},
		{"missing first", destinations(nil, protocol.Float(30), protocol.Float(12)), Available(96)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WorstDestinationBitrate(&protocol.Snapshot{Destinations: tt.dests})
			if got != tt.want {
				t.Errorf("WorstDestinationBitrate() = %v, want %v", got, tt.want)
			}
			if v, ok := got.Get(); ok && math.IsInf(v, 0) {
				t.Error("worst destination must never be Infinity")
			}
		})
	}
}

func TestConnectedCallers(t *testing.T) {
	if got := ConnectedCallers(&protocol.Snapshot{}); got != 0 {
		t.Errorf("absent count = %d, want 0", got)
	}
	if got := ConnectedCallers(&protocol.Snapshot{ConnectedCallers: protocol.Int(3)}); got != 3 {
		t.Errorf("count = %d, want 3", got)
	}
	if got := ConnectedCallers(nil); got != 0 {
		t.Errorf("nil snapshot = %d, want 0", got)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0 B"},
		{1, "1.00 B"},
		{512, "512.00 B"},
		{1023, "1023.00 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{5 * 1024 * 1024, "5.00 MB"},
		{3.25 * 1024 * 1024 * 1024, "3.25 GB"},
		{2048 * 1024 * 1024 * 1024, "2048.00 GB"},
		{math.NaN(), "N/A"},
	}

	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatBitsPerSecond(t *testing.T) {
	tests := []struct {
		in   Value
		want string
	}{
		{Unavailable, "N/A"},
		{Available(math.Inf(1)), "N/A"},
		{Available(0), "0 bps"},
		{Available(999.4), "999 bps"},
		{Available(1000), "1.00 Kbps"},
		{Available(8000), "8.00 Kbps"},
		{Available(2_500_000), "2.50 Mbps"},
		{Available(1_250_000_000), "1.25 Gbps"},
	}

	for _, tt := range tests {
		if got := FormatBitsPerSecond(tt.in); got != tt.want {
			t.Errorf("FormatBitsPerSecond(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if got := FormatByteRate(Available(125_000)); got != "1.00 Mbps" {
		t.Errorf("FormatByteRate(125000) = %q, want 1.00 Mbps", got)
	}
}

func TestQoSAliases(t *testing.T) {
	tests := []struct {
		name  string
		stats map[string]float64
		fn    func(map[string]float64) Value
		want  Value
	}{
		{"rtt primary", map[string]float64{"rtt-ms": 12}, RTT, Available(12)},
		{"rtt legacy name", map[string]float64{"msRTT": 40}, RTT, Available(40)},
		{"rtt order wins", map[string]float64{"link-rtt": 99, "rtt-ms": 11}, RTT, Available(11)},
		{"rtt absent", map[string]float64{"bandwidth-mbps": 5}, RTT, Unavailable},
		{"loss sender side", map[string]float64{"packets-sent-lost": 4}, PacketLoss, Available(4)},
		{"loss libsrt name", map[string]float64{"pktRcvLoss": 2}, PacketLoss, Available(2)},
		{"retrans", map[string]float64{"packets-retransmitted": 7}, Retransmissions, Available(7)},
		{"retrans libsrt name", map[string]float64{"pktRetrans": 1}, Retransmissions, Available(1)},
		{"nil map", nil, Retransmissions, Unavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.stats); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLookupDestination(t *testing.T) {
	s := &protocol.Snapshot{Destinations: []protocol.DestinationStats{
		{ID: "d1", BytesOutPerSec: protocol.Float(10), BytesOutTotal: protocol.Float(2048), SRT: map[string]float64{"rtt-ms": 5}},
	}}

	live := LookupDestination(s, "d1")
	if !live.Matched {
		t.Fatal("d1 should match")
	}
	if live.Bitrate != Available(80) || live.BytesOutTotal != Available(2048) || live.RTT != Available(5) {
		t.Errorf("unexpected live columns: %+v", live)
	}
	if live.PacketLoss.IsAvailable() {
		t.Error("packet loss should be unavailable")
	}

	missing := LookupDestination(s, "unknown")
	if missing.Matched {
		t.Error("unknown id must not match")
	}
	for name, v := range map[string]Value{
		"bitrate": missing.Bitrate, "total": missing.BytesOutTotal, "rtt": missing.RTT,
		"loss": missing.PacketLoss, "retrans": missing.Retransmissions,
	} {
		if v.IsAvailable() {
			t.Errorf("%s should be unavailable for unmatched destination, got %v", name, v)
		}
	}

	if LookupDestination(nil, "d1").Matched {
		t.Error("nil snapshot must not match")
	}
}

func TestOverview(t *testing.T) {
	s := &protocol.Snapshot{
		Source:           protocol.SourceStats{BytesInPerSec: protocol.Float(1000)},
		Destinations:     []protocol.DestinationStats{{ID: "d1", BytesOutPerSec: protocol.Float(10)}},
		ConnectedCallers: protocol.Int(1),
	}
	got := Overview(s)
	if got.SourceBitrateText != "8,000 bps" || got.WorstDestinationText != "80 bps" || got.ConnectedCallers != 1 {
		t.Errorf("Overview() = %+v", got)
	}

	empty := Overview(nil)
	if empty.SourceBitrate.IsAvailable() || empty.SourceBitrateText != "N/A" {
		t.Errorf("Overview(nil) should be unavailable, got %+v", empty)
	}
}

func TestValue_JSON(t *testing.T) {
	data, err := json.Marshal(struct {
		A Value `json:"a"`
		B Value `json:"b"`
	}{Available(1.5), Unavailable})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"a":1.5,"b":null}` {
		t.Errorf("marshal = %s", data)
	}
}

func TestSeries_GapsStayUnavailable(t *testing.T) {
	buf := history.New(10, nil)
	buf.Append(protocol.Snapshot{Source: protocol.SourceStats{BytesInPerSec: protocol.Float(100)}, ReceivedAt: time.Unix(1, 0)})
	buf.Append(protocol.Snapshot{ReceivedAt: time.Unix(2, 0)})
	buf.Append(protocol.Snapshot{
		Source:       protocol.SourceStats{BytesInPerSec: protocol.Float(50)},
		Destinations: []protocol.DestinationStats{{ID: "d1", BytesOutPerSec: protocol.Float(3)}},
		ReceivedAt:   time.Unix(3, 0),
	})

	points := SourceBitrateSeries(buf.Snapshots())
	if len(points) != 3 {
		t.Fatalf("len = %d, want 3", len(points))
	}
	if points[0].Value != Available(800) || points[1].Value.IsAvailable() || points[2].Value != Available(400) {
		t.Errorf("unexpected series: %+v", points)
	}

	dest := DestinationBitrateSeries(buf.Snapshots(), "d1")
	if dest[0].Value.IsAvailable() || dest[2].Value != Available(24) {
		t.Errorf("unexpected destination series: %+v", dest)
	}
}
