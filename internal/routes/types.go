// Package routes models routes and destinations and talks to the backend's
// HTTP resource API.
package routes

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is a route's lifecycle state as known to the console.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusStarted Status = "started"
	StatusStopped Status = "stopped"
)

// ParseStatus maps a backend status string onto the three known values.
// Matching is case-insensitive; anything unrecognised is unknown.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "started":
		return StatusStarted
	case "stopped":
		return StatusStopped
	default:
		return StatusUnknown
	}
}

// UnmarshalJSON normalises whatever the backend sends (including null).
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		*s = StatusUnknown
		return nil
	}
	if raw == nil {
		*s = StatusUnknown
		return nil
	}
	*s = ParseStatus(*raw)
	return nil
}

// Label is the capitalised status for display ("Started", "Unknown").
func (s Status) Label() string {
	switch s {
	case StatusStarted:
		return "Started"
	case StatusStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Route is a configured source-to-destinations transport path.
type Route struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name" yaml:"name"`
	Status        Status         `json:"status" yaml:"status"`
	Enabled       bool           `json:"enabled" yaml:"enabled"`
	Schema        string         `json:"schema" yaml:"schema"`
	SchemaOptions map[string]any `json:"schema_options,omitempty" yaml:"schema_options,omitempty"`
	Node          string         `json:"node,omitempty" yaml:"node,omitempty"`
	ExportStats   bool           `json:"exportStats" yaml:"export_stats"`
	Destinations  []Destination  `json:"destinations" yaml:"destinations"`
	UpdatedAt     time.Time      `json:"updated_at" yaml:"updated_at"`
	InsertedAt    time.Time      `json:"inserted_at" yaml:"inserted_at"`
}

// Clone returns a deep-enough copy for handing out of a cache: the
// destination slice is copied so callers cannot reorder the cached one.
func (r Route) Clone() Route {
	out := r
	out.Destinations = append([]Destination(nil), r.Destinations...)
	return out
}

// Destination is one output sink of a route.
type Destination struct {
	ID            string         `json:"id" yaml:"id"`
	RouteID       string         `json:"route_id,omitempty" yaml:"route_id,omitempty"`
	Name          string         `json:"name" yaml:"name"`
	Enabled       bool           `json:"enabled" yaml:"enabled"`
	Schema        string         `json:"schema" yaml:"schema"`
	SchemaOptions map[string]any `json:"schema_options,omitempty" yaml:"schema_options,omitempty"`
	Host          string         `json:"host,omitempty" yaml:"host,omitempty"`
	Port          int            `json:"port,omitempty" yaml:"port,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at" yaml:"updated_at"`
}

// ResolvedHost returns the destination's host/address: the Host field, or
// the first of host, address, localaddress in the schema options.
func (d Destination) ResolvedHost() string {
	if d.Host != "" {
		return d.Host
	}
	for _, key := range []string{"host", "address", "localaddress"} {
		if v, ok := d.SchemaOptions[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// ResolvedPort returns the Port field or the port/localport option.
func (d Destination) ResolvedPort() int {
	if d.Port != 0 {
		return d.Port
	}
	for _, key := range []string{"port", "localport"} {
		switch v := d.SchemaOptions[key].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
	}
	return 0
}

// Endpoint renders "host:port", or "Port: n" when no host is known.
func (d Destination) Endpoint() string {
	host := d.ResolvedHost()
	if host != "" {
		return fmt.Sprintf("%s:%d", host, d.ResolvedPort())
	}
	return fmt.Sprintf("Port: %d", d.ResolvedPort())
}

// Authenticated reports whether an SRT destination has passphrase
// authentication enabled. Non-SRT destinations never do.
func (d Destination) Authenticated() bool {
	if d.Schema != "SRT" {
		return false
	}
	auth, _ := d.SchemaOptions["authentication"].(bool)
	return auth
}

// KeyLength renders the SRT pbkeylen option, "0 (Default)" when unset.
func (d Destination) KeyLength() string {
	switch v := d.SchemaOptions["pbkeylen"].(type) {
	case float64:
		if v != 0 {
			return fmt.Sprintf("%d", int(v))
		}
	case int:
		if v != 0 {
			return fmt.Sprintf("%d", v)
		}
	case string:
		if v != "" && v != "0" {
			return v
		}
	}
	return "0 (Default)"
}
