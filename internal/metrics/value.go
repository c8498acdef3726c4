// Package metrics derives route KPIs from telemetry snapshots.
//
// Every function here is pure and total: missing or malformed inputs yield
// Unavailable, never an error and never a zero that could be mistaken for a
// real measurement.
package metrics

import (
	"encoding/json"
	"math"
	"strconv"
)

// Value is a derived number or the explicit "unavailable" sentinel.
type Value struct {
	v  float64
	ok bool
}

// Unavailable is the sentinel for a metric that cannot be derived.
var Unavailable = Value{}

// Available wraps a number. Non-finite numbers are unavailable.
func Available(v float64) Value {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Unavailable
	}
	return Value{v: v, ok: true}
}

// FromPtr wraps an optional field.
func FromPtr(p *float64) Value {
	if p == nil {
		return Unavailable
	}
	return Available(*p)
}

// Get returns the number and whether it is available.
func (v Value) Get() (float64, bool) {
	return v.v, v.ok
}

// IsAvailable reports whether the value holds a number.
func (v Value) IsAvailable() bool {
	return v.ok
}

// Map applies f to an available value.
func (v Value) Map(f func(float64) float64) Value {
	if !v.ok {
		return Unavailable
	}
	return Available(f(v.v))
}

// String renders the raw number, or "N/A".
func (v Value) String() string {
	if !v.ok {
		return notAvailable
	}
	return strconv.FormatFloat(v.v, 'f', -1, 64)
}

// MarshalJSON renders unavailable values as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.ok {
		return []byte("null"), nil
	}
	return json.Marshal(v.v)
}

// UnmarshalJSON accepts a number or null.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Unavailable
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Available(f)
	return nil
}

const notAvailable = "N/A"
