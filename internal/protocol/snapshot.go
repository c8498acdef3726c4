package protocol

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Snapshot is one point-in-time telemetry record for a route.
// Every numeric field is optional: which ones are present depends on the
// transport plugin that produced the record.
type Snapshot struct {
	Source             SourceStats        `json:"source"`
	Destinations       []DestinationStats `json:"destinations"`
	ConnectedCallers   *int64             `json:"connected-callers,omitempty"`
	TotalBytesReceived *float64           `json:"total-bytes-received,omitempty"`
	Callers            []CallerStats      `json:"callers,omitempty"`

	// ReceivedAt is assigned by the console on receipt, never by the sender.
	ReceivedAt time.Time `json:"-"`
}

// SourceStats describes the ingest side of a route.
type SourceStats struct {
	Type          string             `json:"type,omitempty"`
	BytesInPerSec *float64           `json:"bytes_in_per_sec,omitempty"`
	BytesInTotal  *float64           `json:"bytes_in_total,omitempty"`
	SRT           map[string]float64 `json:"srt,omitempty"`
}

// DestinationStats describes one output sink of a route.
type DestinationStats struct {
	ID             string             `json:"id"`
	Name           string             `json:"name,omitempty"`
	Schema         string             `json:"schema,omitempty"`
	Type           string             `json:"type,omitempty"`
	BytesOutPerSec *float64           `json:"bytes_out_per_sec,omitempty"`
	BytesOutTotal  *float64           `json:"bytes_out_total,omitempty"`
	SRT            map[string]float64 `json:"srt,omitempty"`
}

// CallerStats holds the SRT statistics of one connected caller.
type CallerStats struct {
	Address string             `json:"caller-address,omitempty"`
	Stats   map[string]float64 `json:"stats,omitempty"`
}

// UnmarshalJSON decodes a snapshot without ever failing on field content.
// Absent, null or non-numeric values are left unset; only a payload that is
// not a JSON object at all is rejected.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var out Snapshot
	out.Source = decodeSource(raw["source"])
	out.ConnectedCallers = optInt(raw["connected-callers"])
	out.TotalBytesReceived = optFloat(raw["total-bytes-received"])

	var dests []json.RawMessage
	if json.Unmarshal(raw["destinations"], &dests) == nil {
		out.Destinations = make([]DestinationStats, 0, len(dests))
		for _, d := range dests {
			if dest, ok := decodeDestination(d); ok {
				out.Destinations = append(out.Destinations, dest)
			}
		}
	}

	var callers []json.RawMessage
	if json.Unmarshal(raw["callers"], &callers) == nil {
		for _, c := range callers {
			if caller, ok := decodeCaller(c); ok {
				out.Callers = append(out.Callers, caller)
			}
		}
	}

	*s = out
	return nil
}

func decodeSource(data json.RawMessage) SourceStats {
	var raw map[string]json.RawMessage
	if json.Unmarshal(data, &raw) != nil {
		return SourceStats{}
	}
	return SourceStats{
		Type:          optString(raw["type"]),
		BytesInPerSec: optFloat(raw["bytes_in_per_sec"]),
		BytesInTotal:  optFloat(raw["bytes_in_total"]),
		SRT:           numericMap(raw["srt"]),
	}
}

func decodeDestination(data json.RawMessage) (DestinationStats, bool) {
	var raw map[string]json.RawMessage
	if json.Unmarshal(data, &raw) != nil {
		return DestinationStats{}, false
	}
	return DestinationStats{
		ID:             optString(raw["id"]),
		Name:           optString(raw["name"]),
		Schema:         optString(raw["schema"]),
		Type:           optString(raw["type"]),
		BytesOutPerSec: optFloat(raw["bytes_out_per_sec"]),
		BytesOutTotal:  optFloat(raw["bytes_out_total"]),
		SRT:            numericMap(raw["srt"]),
	}, true
}

func decodeCaller(data json.RawMessage) (CallerStats, bool) {
	var raw map[string]json.RawMessage
	if json.Unmarshal(data, &raw) != nil {
		return CallerStats{}, false
	}
	caller := CallerStats{Address: optString(raw["caller-address"])}
	for k, v := range raw {
		if k == "caller-address" {
			continue
		}
		if f := optFloat(v); f != nil {
			if caller.Stats == nil {
				caller.Stats = make(map[string]float64)
			}
			caller.Stats[k] = *f
		}
	}
	return caller, true
}

// optFloat accepts JSON numbers and numeric strings. Anything else is nil.
func optFloat(data json.RawMessage) *float64 {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return &f
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return &f
		}
	}
	return nil
}

// optInt decodes a non-negative count. Values outside the int64 range are
// treated as absent.
func optInt(data json.RawMessage) *int64 {
	f := optFloat(data)
	if f == nil || *f < 0 || *f >= math.MaxInt64 {
		return nil
	}
	n := int64(*f)
	return &n
}

// optString accepts strings and numbers (ids are sometimes numeric).
func optString(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		return n.String()
	}
	return ""
}

func numericMap(data json.RawMessage) map[string]float64 {
	var raw map[string]json.RawMessage
	if len(data) == 0 || json.Unmarshal(data, &raw) != nil {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		if f := optFloat(v); f != nil {
			out[k] = *f
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Float returns a pointer to v. Handy for building snapshots in code.
func Float(v float64) *float64 {
	return &v
}

// Int returns a pointer to v.
func Int(v int64) *int64 {
	return &v
}
