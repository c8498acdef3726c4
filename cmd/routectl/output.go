package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/markus-barta/routedeck/internal/config"
	"github.com/markus-barta/routedeck/internal/routes"
)

type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	api    routes.API
	format string
	out    io.Writer
}

// encode writes v as JSON or YAML according to -o.
func (a *app) encode(v any) error {
	switch a.format {
	case "json":
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(a.out)
		enc.SetIndent(2)
		defer func() { _ = enc.Close() }()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", a.format)
	}
}

func (a *app) list(ctx context.Context) error {
	list, err := a.api.ListRoutes(ctx)
	if err != nil {
		return err
	}
	sort.SliceStable(list, func(i, j int) bool {
		return strings.ToLower(list[i].Name) < strings.ToLower(list[j].Name)
	})
	if a.format != "table" {
		return a.encode(list)
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSCHEMA\tDESTINATIONS\tUPDATED")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.Name, r.Status.Label(), r.Schema, len(r.Destinations), updated(r))
	}
	return tw.Flush()
}

func (a *app) show(ctx context.Context, id string) error {
	r, err := a.api.GetRoute(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to fetch route data: %w", err)
	}
	if a.format != "table" {
		return a.encode(r)
	}
	return printRoute(a.out, r)
}

func printRoute(w io.Writer, r *routes.Route) error {
	fmt.Fprintf(w, "Route:    %s (%s)\n", r.Name, r.ID)
	fmt.Fprintf(w, "Status:   %s\n", r.Status.Label())
	fmt.Fprintf(w, "Schema:   %s\n", r.Schema)
	if r.Node != "" {
		fmt.Fprintf(w, "Node:     %s\n", r.Node)
	}
	fmt.Fprintf(w, "Updated:  %s\n\n", updated(*r))

	dests := append([]routes.Destination(nil), r.Destinations...)
	sort.SliceStable(dests, func(i, j int) bool {
		return strings.ToLower(dests[i].Name) < strings.ToLower(dests[j].Name)
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DESTINATION\tID\tSCHEMA\tENDPOINT\tENABLED\tAUTH\tKEY LENGTH")
	for _, d := range dests {
		authText, keyLen := "-", "-"
		if d.Schema == "SRT" {
			keyLen = d.KeyLength()
			if d.Authenticated() {
				authText = "yes"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%s\t%s\n",
			d.Name, d.ID, d.Schema, d.Endpoint(), d.Enabled, authText, keyLen)
	}
	return tw.Flush()
}

func updated(r routes.Route) string {
	if r.UpdatedAt.IsZero() {
		return "-"
	}
	return humanize.Time(r.UpdatedAt)
}
