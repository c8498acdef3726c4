package view

import (
	"fmt"
	"sort"
	"strings"

	"github.com/markus-barta/routedeck/internal/history"
	"github.com/markus-barta/routedeck/internal/metrics"
	"github.com/markus-barta/routedeck/internal/protocol"
	"github.com/markus-barta/routedeck/internal/routes"
)

// Tab is the active display tab of the route page.
type Tab string

const (
	TabOverview   Tab = "overview"
	TabStatistics Tab = "statistics"
)

// ParseTab validates a tab name.
func ParseTab(s string) (Tab, error) {
	switch Tab(strings.ToLower(s)) {
	case TabOverview:
		return TabOverview, nil
	case TabStatistics:
		return TabStatistics, nil
	default:
		return "", fmt.Errorf("unknown tab %q", s)
	}
}

// Breadcrumb is one step of the navigation trail.
type Breadcrumb struct {
	Label string `json:"label"`
	Path  string `json:"path"`
}

// Row is one destination line of the route page.
type Row struct {
	ID            string                  `json:"id"`
	Name          string                  `json:"name"`
	Schema        string                  `json:"schema"`
	Enabled       bool                    `json:"enabled"`
	Endpoint      string                  `json:"endpoint"`
	Authenticated bool                    `json:"authenticated"`
	KeyLength     string                  `json:"key_length,omitempty"`
	Expandable    bool                    `json:"expandable"`
	Expanded      bool                    `json:"expanded"`
	Live          metrics.DestinationLive `json:"live"`

	BitrateText string `json:"bitrate_text"`
	TotalText   string `json:"total_text"`
}

// HistoryModel holds the chart series of the Statistics tab.
type HistoryModel struct {
	SourceBitrate    []metrics.Point            `json:"source_bitrate"`
	WorstDestination []metrics.Point            `json:"worst_destination"`
	BytesInTotal     []metrics.Point            `json:"bytes_in_total"`
	Destinations     map[string][]metrics.Point `json:"destinations"`
}

// Model is everything the presentation layer needs for one render.
type Model struct {
	RouteID     string        `json:"route_id"`
	Route       *routes.Route `json:"route"` // nil while loading
	Loading     bool          `json:"loading"`
	Status      routes.Status `json:"status"`
	StatusLabel string        `json:"status_label"`
	Subscribed  bool          `json:"subscribed"`

	Tab    Tab    `json:"tab"`
	Filter string `json:"filter"`

	Latest     *history.Entry         `json:"latest"` // nil before the first snapshot
	KPIs       metrics.OverviewKPIs   `json:"kpis"`
	SourceQoS  metrics.SourceQoS      `json:"source_qos"`
	BytesIn    string                 `json:"bytes_in_total_text"`
	Callers    []protocol.CallerStats `json:"callers,omitempty"`
	Rows       []Row                  `json:"rows"`
	History    *HistoryModel          `json:"history,omitempty"` // statistics tab only
	BufferSize int                    `json:"buffer_size"`

	Breadcrumbs []Breadcrumb `json:"breadcrumbs"`
}

// MatchesFilter reports whether a destination's name or resolved host
// contains filter, ignoring case. An empty filter matches everything.
func MatchesFilter(d routes.Destination, filter string) bool {
	if filter == "" {
		return true
	}
	needle := strings.ToLower(filter)
	return strings.Contains(strings.ToLower(d.Name), needle) ||
		strings.Contains(strings.ToLower(d.ResolvedHost()), needle)
}

// Breadcrumbs builds Home / Routes / <route>.
func Breadcrumbs(routeID string, route *routes.Route) []Breadcrumb {
	label := "Loading..."
	if route != nil {
		label = route.Name
	}
	return []Breadcrumb{
		{Label: "Home", Path: "/"},
		{Label: "Routes", Path: "/routes"},
		{Label: label, Path: "/routes/" + routeID},
	}
}

// buildRows filters, sorts by name and joins each destination with its live
// record in the latest snapshot.
func buildRows(dests []routes.Destination, filter string, expanded map[string]bool, latest *protocol.Snapshot) []Row {
	rows := make([]Row, 0, len(dests))
	for _, d := range dests {
		if !MatchesFilter(d, filter) {
			continue
		}
		live := metrics.LookupDestination(latest, d.ID)
		authed := d.Authenticated()
		row := Row{
			ID:            d.ID,
			Name:          d.Name,
			Schema:        d.Schema,
			Enabled:       d.Enabled,
			Endpoint:      d.Endpoint(),
			Authenticated: authed,
			Expandable:    authed,
			Expanded:      authed && expanded[d.ID],
			Live:          live,
			BitrateText:   metrics.FormatBitsPerSecond(live.Bitrate),
			TotalText:     metrics.FormatBytesValue(live.BytesOutTotal),
		}
		if d.Schema == "SRT" {
			row.KeyLength = d.KeyLength()
		}
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := strings.ToLower(rows[i].Name), strings.ToLower(rows[j].Name)
		if a != b {
			return a < b
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}

func buildHistory(entries []history.Entry, dests []routes.Destination) *HistoryModel {
	h := &HistoryModel{
		SourceBitrate:    metrics.SourceBitrateSeries(entries),
		WorstDestination: metrics.WorstDestinationSeries(entries),
		BytesInTotal:     metrics.BytesInTotalSeries(entries),
		Destinations:     make(map[string][]metrics.Point, len(dests)),
	}
	for _, d := range dests {
		h.Destinations[d.ID] = metrics.DestinationBitrateSeries(entries, d.ID)
	}
	return h
}
